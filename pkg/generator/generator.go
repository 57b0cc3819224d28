// Copyright 2025 Certen Protocol

// Package generator implements the deterministic transaction executor:
// nonce check, signature verification, backend dispatch, and cycle
// metering for one L2 transaction or withdrawal request, against an
// overlaid pkg/state.View: the single (state, block_info, raw_tx) ->
// RunResult function everything else builds on.
package generator

import (
	"errors"
	"fmt"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/sigalg"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
)

// MaxDataBytes bounds, each on its own, the argument bytes and the
// return-data bytes of a single call.
const MaxDataBytes = 25_000

// Errors surfaced by RunTransaction/RunWithdrawal. Protocol-tier errors
// reject the transaction outright; resource-tier errors
// signal the caller to defer rather than fail the sender.
var (
	ErrInvalidNonce     = errors.New("generator: invalid nonce")
	ErrInvalidSignature = errors.New("generator: invalid signature")
	ErrDataLimit        = errors.New("generator: read+write data exceeds MAX_DATA_BYTES")
	ErrCyclesExceeded   = errors.New("generator: cycle pool exhausted, deferring transaction")
)

// BlockInfo carries the ambient fields a backend or signature check may
// need but that are not part of the transaction body itself.
type BlockInfo struct {
	Number         uint64
	Timestamp      uint64
	RollupTypeHash [32]byte
}

// RawTransaction is a single L2 call: from_id signs a call into to_id.
type RawTransaction struct {
	FromID    uint32
	ToID      uint32
	Nonce     uint32
	Args      []byte
	Signature []byte
}

// RunResult is the outcome of executing one transaction against a
// state.View.
type RunResult struct {
	ReturnData  []byte
	TouchedKeys []smt.H256
	Logs        []backend.LogItem
	CyclesUsed  uint64
	ExitCode    int
}

// CyclePool tracks the remaining cycle budget for one candidate
// mem-block, shared across every transaction packaged into it.
type CyclePool struct {
	remaining uint64
}

// NewCyclePool returns a pool seeded with budget cycles.
func NewCyclePool(budget uint64) *CyclePool { return &CyclePool{remaining: budget} }

// Remaining reports the cycles left in the pool.
func (p *CyclePool) Remaining() uint64 { return p.remaining }

func (p *CyclePool) reserve(amount uint64) bool {
	if amount > p.remaining {
		return false
	}
	p.remaining -= amount
	return true
}

func (p *CyclePool) refund(amount uint64) { p.remaining += amount }

// Generator executes raw transactions against a state.View, dispatching
// signature checks through pkg/sigalg and calls through pkg/backend.
type Generator struct {
	sigalg      *sigalg.Registry
	backends    *backend.Registry
	perTxCycles uint64
}

// New returns a Generator wired to the given signature and backend
// registries, enforcing perTxCycles as the per-transaction cycle cap.
func New(sig *sigalg.Registry, backends *backend.Registry, perTxCycles uint64) *Generator {
	return &Generator{sigalg: sig, backends: backends, perTxCycles: perTxCycles}
}

// signingMessage derives the hash a transaction's signature covers:
// hash(rollup_type_hash || raw_tx_bytes).
func signingMessage(rollupTypeHash [32]byte, txBytes []byte) [32]byte {
	return blake2bSum(append(append([]byte{}, rollupTypeHash[:]...), txBytes...))
}

// EncodeRaw returns the canonical signing bytes of tx: the fixed header
// fields followed by the args, signature excluded. Callers that relay a
// transaction they did not originate replay verification against this
// encoding.
func EncodeRaw(tx RawTransaction) []byte {
	buf := appendUint32(nil, tx.FromID)
	buf = appendUint32(buf, tx.ToID)
	buf = appendUint32(buf, tx.Nonce)
	return append(buf, tx.Args...)
}

// RunTransaction executes tx against view, enforcing nonce, signature,
// backend dispatch, per-transaction and pool-wide cycle limits, and the
// read/write data byte cap, in that order.
func (g *Generator) RunTransaction(view *state.View, info BlockInfo, tx RawTransaction, txBytes []byte, pool *CyclePool) (*RunResult, error) {
	if txBytes == nil {
		txBytes = EncodeRaw(tx)
	}
	nonce, err := view.GetNonce(tx.FromID)
	if err != nil {
		return nil, fmt.Errorf("generator: read sender nonce: %w", err)
	}
	if nonce != tx.Nonce {
		return nil, fmt.Errorf("%w: account %d has nonce %d, tx carries %d", ErrInvalidNonce, tx.FromID, nonce, tx.Nonce)
	}

	scriptHash, err := view.GetScriptHash(tx.FromID)
	if err != nil {
		return nil, fmt.Errorf("generator: read sender script hash: %w", err)
	}
	script, err := view.GetScript(scriptHash)
	if err != nil {
		return nil, fmt.Errorf("generator: read sender script: %w", err)
	}
	codeHash, lockArgs, err := splitScript(script)
	if err != nil {
		return nil, fmt.Errorf("generator: decode sender script: %w", err)
	}

	message := signingMessage(info.RollupTypeHash, txBytes)
	if err := g.sigalg.Verify(codeHash, message, tx.Signature, lockArgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if len(tx.Args) > MaxDataBytes {
		return nil, fmt.Errorf("%w: args alone are %d bytes", ErrDataLimit, len(tx.Args))
	}

	toScriptHash, err := view.GetScriptHash(tx.ToID)
	if err != nil {
		return nil, fmt.Errorf("generator: read recipient script hash: %w", err)
	}
	toScript, err := view.GetScript(toScriptHash)
	if err != nil {
		return nil, fmt.Errorf("generator: read recipient script: %w", err)
	}
	validatorTypeHash, _, err := splitScript(toScript)
	if err != nil {
		return nil, fmt.Errorf("generator: decode recipient script: %w", err)
	}

	perTxBudget := g.perTxCycles
	if pool.Remaining() < perTxBudget {
		perTxBudget = pool.Remaining()
	}
	if !pool.reserve(perTxBudget) {
		return nil, ErrCyclesExceeded
	}

	callCtx := &backend.CallContext{
		View:            view,
		FromID:          tx.FromID,
		ToID:            tx.ToID,
		Args:            tx.Args,
		CyclesRemaining: perTxBudget,
	}
	result, err := g.backends.Execute(validatorTypeHash, callCtx)
	if err != nil {
		pool.refund(perTxBudget)
		return nil, err
	}

	if result.CyclesUsed > perTxBudget {
		pool.refund(0)
		return nil, fmt.Errorf("%w: backend reported %d cycles against a %d budget", ErrCyclesExceeded, result.CyclesUsed, perTxBudget)
	}
	pool.refund(perTxBudget - result.CyclesUsed)

	if len(result.ReturnData) > MaxDataBytes {
		return nil, fmt.Errorf("%w: return data is %d bytes", ErrDataLimit, len(result.ReturnData))
	}

	if err := view.IncrementNonce(tx.FromID); err != nil {
		return nil, fmt.Errorf("generator: bump sender nonce: %w", err)
	}

	return &RunResult{
		ReturnData:  result.ReturnData,
		TouchedKeys: view.TouchedKeys(),
		Logs:        result.Logs,
		CyclesUsed:  result.CyclesUsed,
		ExitCode:    0,
	}, nil
}

// WithdrawalRequest is an L2-side request to lock funds for exit to L1,
// verified analogously to a transaction but with a distinct message
// derivation, then applied by deducting the withdrawn balance.
type WithdrawalRequest struct {
	AccountID     uint32
	Nonce         uint32
	SUDTID        uint32
	Amount        uint64
	CapacityCKB   uint64
	OwnerLockHash [32]byte
	Signature     []byte
}

// withdrawalSigningMessage derives the hash a withdrawal's signature
// covers, deliberately distinct from signingMessage so a withdrawal
// witness can never be replayed as an ordinary transaction or vice versa.
func withdrawalSigningMessage(rollupTypeHash [32]byte, req WithdrawalRequest) [32]byte {
	buf := append([]byte{}, rollupTypeHash[:]...)
	buf = append(buf, []byte("withdrawal")...)
	buf = appendUint32(buf, req.AccountID)
	buf = appendUint32(buf, req.Nonce)
	buf = appendUint32(buf, req.SUDTID)
	buf = appendUint64(buf, req.Amount)
	buf = appendUint64(buf, req.CapacityCKB)
	buf = append(buf, req.OwnerLockHash[:]...)
	return blake2bSum(buf)
}

// RunWithdrawal verifies and applies req: nonce check, signature check
// over the withdrawal-specific message, and balance deduction (the amount
// moves to the meta contract account), then a nonce bump. It records no
// withdrawal-request leaf in the state.
func (g *Generator) RunWithdrawal(view *state.View, info BlockInfo, req WithdrawalRequest) (*RunResult, error) {
	nonce, err := view.GetNonce(req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("generator: read account nonce: %w", err)
	}
	if nonce != req.Nonce {
		return nil, fmt.Errorf("%w: account %d has nonce %d, withdrawal carries %d", ErrInvalidNonce, req.AccountID, nonce, req.Nonce)
	}

	scriptHash, err := view.GetScriptHash(req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("generator: read account script hash: %w", err)
	}
	script, err := view.GetScript(scriptHash)
	if err != nil {
		return nil, fmt.Errorf("generator: read account script: %w", err)
	}
	codeHash, lockArgs, err := splitScript(script)
	if err != nil {
		return nil, fmt.Errorf("generator: decode account script: %w", err)
	}

	message := withdrawalSigningMessage(info.RollupTypeHash, req)
	if err := g.sigalg.Verify(codeHash, message, req.Signature, lockArgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if req.Amount > 0 {
		if err := view.TransferSUDT(req.SUDTID, req.AccountID, state.MetaContractAccountID, req.Amount); err != nil {
			return nil, fmt.Errorf("generator: deduct withdrawal balance: %w", err)
		}
	}

	if err := view.IncrementNonce(req.AccountID); err != nil {
		return nil, fmt.Errorf("generator: bump account nonce: %w", err)
	}

	return &RunResult{TouchedKeys: view.TouchedKeys(), ExitCode: 0}, nil
}

func splitScript(script []byte) (codeHash [32]byte, lockArgs []byte, err error) {
	if len(script) < 32 {
		return codeHash, nil, fmt.Errorf("script shorter than a 32-byte code hash")
	}
	copy(codeHash[:], script[:32])
	return codeHash, script[32:], nil
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
