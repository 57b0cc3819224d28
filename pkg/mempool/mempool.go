// Copyright 2025 Certen Protocol

// Package mempool implements the ordered candidate mem-block: the
// in-memory staging area between "a transaction or withdrawal was
// submitted" and "a block producer packaged it".
// Ordering is fixed: withdrawals, then deposits, then transactions.
package mempool

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/metrics"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

// Errors returned by the mem-pool.
var (
	ErrPoolFull           = errors.New("mempool: pool is at capacity")
	ErrWithdrawalCapacity = errors.New("mempool: withdrawal capacity bound exceeded")
	ErrNotRunning         = errors.New("mempool: reset already in progress")
)

// Config bounds the mem-pool.
type Config struct {
	MaxInPoolTxs           int
	MaxInPoolWithdrawals   int
	MaxPackagedTxs         int
	MaxPackagedWithdrawals int
	MaxWithdrawalCapacity  uint64
	MaxCyclesPerBlock      uint64
}

// Deposit is a credit observed on L1, applied atomically and in the order
// the L1 observer reports it.
type Deposit struct {
	RegistryID uint32
	Address    []byte
	Script     []byte // the L2 lock/type script to own the credited account
	SUDTID     uint32
	Amount     uint64
}

type pendingTx struct {
	id      uuid.UUID
	tx      generator.RawTransaction
	txBytes []byte
}

type pendingWithdrawal struct {
	id       uuid.UUID
	req      generator.WithdrawalRequest
	capacity uint64
}

// AppliedWithdrawal, AppliedDeposit, and AppliedTransaction record one
// applied item plus the state checkpoint taken immediately afterward,
// the raw material for the block producer's state_checkpoint_list.
type AppliedWithdrawal struct {
	Request    generator.WithdrawalRequest
	Checkpoint smt.H256
}

type AppliedDeposit struct {
	Deposit    Deposit
	Checkpoint smt.H256
}

type AppliedTransaction struct {
	Tx         generator.RawTransaction
	Result     *generator.RunResult
	Checkpoint smt.H256
}

// Block is one candidate mem-block: every item applied since the last
// Reset, in category order, each with its post-item checkpoint.
type Block struct {
	Withdrawals  []AppliedWithdrawal
	Deposits     []AppliedDeposit
	Transactions []AppliedTransaction
	CyclesUsed   uint64
}

// Pool is the mem-pool: a single logical mutex guarding the pending
// queues and the current candidate block. Lock hold times are bounded
// by one transaction execution, which is itself cycle-budgeted.
type Pool struct {
	mu sync.Mutex

	backing        *store.Store
	gen            *generator.Generator
	cfg            Config
	rollupTypeHash [32]byte

	pendingWithdrawals []pendingWithdrawal
	pendingDeposits    []Deposit
	pendingTxs         []pendingTx
	unusedTxs          []pendingTx // dropped on execution failure, retried next reset

	tipRoot   smt.H256
	candidate *Block

	logger *log.Logger
}

// New returns a mem-pool backed by store, wired to gen for transaction
// and withdrawal execution, bounded by cfg, starting from tipRoot.
func New(backing *store.Store, gen *generator.Generator, cfg Config, rollupTypeHash [32]byte, tipRoot smt.H256) *Pool {
	return &Pool{
		backing:        backing,
		gen:            gen,
		cfg:            cfg,
		rollupTypeHash: rollupTypeHash,
		tipRoot:        tipRoot,
		candidate:      &Block{},
		logger:         log.New(log.Writer(), "[MemPool] ", log.LstdFlags),
	}
}

// SubmitTransaction enqueues tx for inclusion in a future candidate
// block, persisting it to ColumnMemPoolTx so a crash doesn't lose it.
func (p *Pool) SubmitTransaction(tx generator.RawTransaction, txBytes []byte) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingTxs)+len(p.unusedTxs) >= p.cfg.MaxInPoolTxs {
		return uuid.Nil, fmt.Errorf("%w: %d transactions already pending", ErrPoolFull, len(p.pendingTxs))
	}

	id := uuid.New()
	entry := pendingTx{id: id, tx: tx, txBytes: txBytes}
	p.pendingTxs = append(p.pendingTxs, entry)

	if err := p.persistTx(entry); err != nil {
		return uuid.Nil, fmt.Errorf("mempool: persist transaction: %w", err)
	}
	p.logger.Printf("✅ queued transaction %s from account %d", id, tx.FromID)
	return id, nil
}

// SubmitWithdrawal enqueues req for inclusion, enforcing the pool-wide
// capacity bound in addition to the count bound.
func (p *Pool) SubmitWithdrawal(req generator.WithdrawalRequest, capacity uint64) (uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingWithdrawals) >= p.cfg.MaxInPoolWithdrawals {
		return uuid.Nil, fmt.Errorf("%w: %d withdrawals already pending", ErrPoolFull, len(p.pendingWithdrawals))
	}
	var total uint64
	for _, w := range p.pendingWithdrawals {
		total += w.capacity
	}
	if total+capacity > p.cfg.MaxWithdrawalCapacity {
		return uuid.Nil, fmt.Errorf("%w: %d + %d > %d", ErrWithdrawalCapacity, total, capacity, p.cfg.MaxWithdrawalCapacity)
	}

	id := uuid.New()
	entry := pendingWithdrawal{id: id, req: req, capacity: capacity}
	p.pendingWithdrawals = append(p.pendingWithdrawals, entry)

	if err := p.persistWithdrawal(entry); err != nil {
		return uuid.Nil, fmt.Errorf("mempool: persist withdrawal: %w", err)
	}
	p.logger.Printf("✅ queued withdrawal %s from account %d", id, req.AccountID)
	return id, nil
}

// ObserveDeposit appends a deposit reported by the L1 observer. Deposits
// are applied in the order they are observed, never reordered or
// dropped.
func (p *Pool) ObserveDeposit(dep Deposit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingDeposits = append(p.pendingDeposits, dep)
	return p.persistDeposit(dep)
}

// Reset rewinds the candidate block to a fresh overlay at newTip,
// re-queues whatever the old candidate hadn't yet finalized, and
// re-verifies/re-applies every pending item in withdrawals-deposits-
// transactions order, building a new candidate block.
//
// The overlay is discarded and re-seeded from newTip, never reversed
// write-by-write.
func (p *Pool) Reset(newTip smt.H256) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tipRoot = newTip
	// Anything still sitting in the old candidate's applied lists was
	// already durable material for a prior round; only unprocessed
	// pending queues need re-verification against the new tip. Items
	// dropped to unused last round get one more try now.
	p.candidate = &Block{}
	p.pendingTxs = append(p.unusedTxs, p.pendingTxs...)
	p.unusedTxs = nil

	tx, err := p.backing.Begin()
	if err != nil {
		return nil, fmt.Errorf("mempool: begin overlay tx: %w", err)
	}
	view := state.New(tx, newTip)
	pool := generator.NewCyclePool(p.cfg.MaxCyclesPerBlock)

	withdrawals, remainingW := p.applyWithdrawals(view, pool)
	deposits, remainingD := p.applyDeposits(view)
	transactions, remainingT, unused := p.applyTransactions(view, pool)

	p.pendingWithdrawals = remainingW
	p.pendingDeposits = remainingD
	p.pendingTxs = remainingT
	p.unusedTxs = append(p.unusedTxs, unused...)

	block := &Block{
		Withdrawals:  withdrawals,
		Deposits:     deposits,
		Transactions: transactions,
		CyclesUsed:   p.cfg.MaxCyclesPerBlock - pool.Remaining(),
	}
	p.candidate = block
	tx.Rollback() // the candidate block is advisory; the block producer commits for real

	metrics.MemPoolSize.WithLabelValues("withdrawals").Set(float64(len(p.pendingWithdrawals)))
	metrics.MemPoolSize.WithLabelValues("deposits").Set(float64(len(p.pendingDeposits)))
	metrics.MemPoolSize.WithLabelValues("transactions").Set(float64(len(p.pendingTxs) + len(p.unusedTxs)))
	metrics.CyclesUsed.Observe(float64(block.CyclesUsed))

	if err := p.rewritePersisted(); err != nil {
		return nil, fmt.Errorf("mempool: prune persisted entries: %w", err)
	}
	return block, nil
}

func (p *Pool) applyWithdrawals(view *state.View, pool *generator.CyclePool) ([]AppliedWithdrawal, []pendingWithdrawal) {
	var applied []AppliedWithdrawal
	var remaining []pendingWithdrawal
	var usedCapacity uint64

	for _, w := range p.pendingWithdrawals {
		if len(applied) >= p.cfg.MaxPackagedWithdrawals || usedCapacity+w.capacity > p.cfg.MaxWithdrawalCapacity {
			remaining = append(remaining, w)
			continue
		}
		info := generator.BlockInfo{RollupTypeHash: p.rollupTypeHash}
		if _, err := p.gen.RunWithdrawal(view, info, w.req); err != nil {
			p.logger.Printf("⚠️ dropping withdrawal %s: %v", w.id, err)
			continue
		}
		checkpoint, err := view.Checkpoint()
		if err != nil {
			p.logger.Printf("⚠️ checkpoint failed for withdrawal %s: %v", w.id, err)
			continue
		}
		applied = append(applied, AppliedWithdrawal{Request: w.req, Checkpoint: checkpoint})
		usedCapacity += w.capacity
	}
	return applied, remaining
}

// ApplyDeposit credits d against view: resolving (or creating) the
// account its registry address maps to, then minting its SUDT amount.
// Exported so pkg/l1sync can replay the identical logic when
// re-verifying a submitted block's deposit checkpoints.
func ApplyDeposit(view *state.View, d Deposit) error {
	scriptHashFound, err := view.GetScriptHashByRegistryAddress(d.RegistryID, d.Address)
	var id uint32
	if err != nil {
		return fmt.Errorf("mempool: look up registry address: %w", err)
	}
	if !scriptHashFound.IsZero() {
		gotID, ok, lookupErr := view.GetAccountIDByScriptHash(scriptHashFound)
		if lookupErr != nil {
			return lookupErr
		}
		if !ok {
			return fmt.Errorf("mempool: registry address mapped to an unknown account")
		}
		id = gotID
	} else {
		scriptHash := smt.H256(blake2bSum(d.Script))
		newID, err := view.CreateAccount(scriptHash, d.Script)
		if err != nil {
			return fmt.Errorf("mempool: create deposit account: %w", err)
		}
		if err := view.MapRegistryAddress(d.RegistryID, d.Address, scriptHash); err != nil {
			return fmt.Errorf("mempool: map registry address: %w", err)
		}
		id = newID
	}

	if err := view.MintSUDT(d.SUDTID, id, d.Amount); err != nil {
		return fmt.Errorf("mempool: mint deposit: %w", err)
	}
	return nil
}

func (p *Pool) applyDeposits(view *state.View) ([]AppliedDeposit, []Deposit) {
	var applied []AppliedDeposit
	var remaining []Deposit

	for _, d := range p.pendingDeposits {
		if err := ApplyDeposit(view, d); err != nil {
			p.logger.Printf("❌ deposit application failed: %v", err)
			remaining = append(remaining, d)
			continue
		}
		checkpoint, err := view.Checkpoint()
		if err != nil {
			remaining = append(remaining, d)
			continue
		}
		applied = append(applied, AppliedDeposit{Deposit: d, Checkpoint: checkpoint})
	}
	return applied, remaining
}

func (p *Pool) applyTransactions(view *state.View, pool *generator.CyclePool) ([]AppliedTransaction, []pendingTx, []pendingTx) {
	var applied []AppliedTransaction
	var remaining []pendingTx
	var unused []pendingTx

	info := generator.BlockInfo{RollupTypeHash: p.rollupTypeHash}
	for _, t := range p.pendingTxs {
		if len(applied) >= p.cfg.MaxPackagedTxs {
			remaining = append(remaining, t)
			continue
		}
		result, err := p.gen.RunTransaction(view, info, t.tx, t.txBytes, pool)
		if errors.Is(err, generator.ErrCyclesExceeded) {
			// Deferred, not failed: retried next reset once the pool
			// refills against a new mem-block.
			remaining = append(remaining, t)
			continue
		}
		if err != nil {
			p.logger.Printf("⚠️ dropping transaction %s: %v", t.id, err)
			metrics.TxDropped.WithLabelValues(dropReason(err)).Inc()
			unused = append(unused, t)
			continue
		}
		checkpoint, err := view.Checkpoint()
		if err != nil {
			unused = append(unused, t)
			continue
		}
		applied = append(applied, AppliedTransaction{Tx: t.tx, Result: result, Checkpoint: checkpoint})
	}
	return applied, remaining, unused
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, generator.ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, generator.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, generator.ErrDataLimit):
		return "data_limit"
	default:
		return "execution"
	}
}

// Candidate returns the current candidate block without triggering a
// reset.
func (p *Pool) Candidate() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidate
}
