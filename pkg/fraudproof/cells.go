// Copyright 2025 Certen Protocol

// Package fraudproof implements the verification logic guarding every
// rollup-cell transition on L1: block submission, challenge entry,
// challenge cancellation, and revert, plus the three unlock paths of the
// withdrawal lock. It is expressed as a pure Go library over typed cell
// structs so the same checks run in unit tests and in the chain
// updater's pre-flight validation.
package fraudproof

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rollupcore/optiroll/pkg/mempool"
)

// Errors surfaced by cell parsing and verification.
var (
	ErrInvalidArgs           = errors.New("fraudproof: malformed lock args")
	ErrInvalidSUDTCell       = errors.New("fraudproof: SUDT cell data shorter than a u128 amount")
	ErrAmountOverflow        = errors.New("fraudproof: SUDT amount exceeds the supported range")
	ErrOwnerCellNotFound     = errors.New("fraudproof: owner lock not present among transaction inputs")
	ErrNotFinalized          = errors.New("fraudproof: withdrawal block is not finalized")
	ErrInvalidRevertedBlocks = errors.New("fraudproof: reverted-block set update does not verify")
	ErrInvalidCheckpoint     = errors.New("fraudproof: re-executed checkpoint does not match the declared one")
	ErrInvalidStatus         = errors.New("fraudproof: global state status does not fit the action")
	ErrInvalidStakeCell      = errors.New("fraudproof: stake cell missing or malformed")
	ErrInvalidChallengeCell  = errors.New("fraudproof: challenge cell missing or malformed")
)

// Script is an L1 lock or type script: a code hash plus its args. The
// hash of the whole script identifies its cell owner.
type Script struct {
	CodeHash [32]byte
	Args     []byte
}

// Hash returns the script's identity hash.
func (s Script) Hash() [32]byte {
	buf := make([]byte, 0, 32+len(s.Args))
	buf = append(buf, s.CodeHash[:]...)
	buf = append(buf, s.Args...)
	return hash256(buf)
}

// Cell is one L1 cell as the verifier sees it: capacity, lock, optional
// type script hash, and data.
type Cell struct {
	Capacity       uint64
	Lock           Script
	TypeScriptHash *[32]byte
	Data           []byte
}

// DepositLockArgs parameterize a deposit cell's lock.
type DepositLockArgs struct {
	CancelTimeout uint64
	OwnerLockHash [32]byte
	Layer2Lock    Script
	RegistryID    uint32
}

// WithdrawalLockArgs pin a withdrawal cell to the block that created it
// and to the account that may claim it.
type WithdrawalLockArgs struct {
	WithdrawalBlockHash   [32]byte
	WithdrawalBlockNumber uint64
	AccountScriptHash     [32]byte
	// Sell terms for the off-chain trade unlock path.
	SellCapacity uint64
	SellAmount   uint64
}

// StakeLockArgs parameterize the block producer's stake cell.
type StakeLockArgs struct {
	OwnerLockHash           [32]byte
	StakeFinalizedTimepoint uint64
}

// ChallengeLockArgs parameterize a challenge cell: the disputed target
// plus the lock the challenger's reward is paid to.
type ChallengeLockArgs struct {
	TargetBlockHash     [32]byte
	TargetIndex         uint32
	TargetKind          byte
	RewardsReceiverLock Script
}

// EncodeDepositLockArgs serializes args behind the rollup type hash, the
// layout the deposit lock script expects.
func EncodeDepositLockArgs(rollupTypeHash [32]byte, args DepositLockArgs) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, rollupTypeHash[:]...)
	buf = appendUint64(buf, args.CancelTimeout)
	buf = append(buf, args.OwnerLockHash[:]...)
	buf = append(buf, args.Layer2Lock.CodeHash[:]...)
	buf = appendUint32(buf, uint32(len(args.Layer2Lock.Args)))
	buf = append(buf, args.Layer2Lock.Args...)
	buf = appendUint32(buf, args.RegistryID)
	return buf
}

// DecodeDepositLockArgs parses lock args produced by EncodeDepositLockArgs,
// verifying the embedded rollup type hash.
func DecodeDepositLockArgs(rollupTypeHash [32]byte, raw []byte) (DepositLockArgs, error) {
	var args DepositLockArgs
	r := reader{raw: raw}
	var gotRollup [32]byte
	r.read(gotRollup[:])
	args.CancelTimeout = r.uint64()
	r.read(args.OwnerLockHash[:])
	r.read(args.Layer2Lock.CodeHash[:])
	n := r.uint32()
	args.Layer2Lock.Args = r.take(int(n))
	args.RegistryID = r.uint32()
	if r.err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArgs, r.err)
	}
	if gotRollup != rollupTypeHash {
		return args, fmt.Errorf("%w: deposit lock belongs to a different rollup", ErrInvalidArgs)
	}
	return args, nil
}

// EncodeWithdrawalLockArgs serializes a withdrawal cell's lock args:
// rollup type hash, the fixed fields, then the length-prefixed owner
// lock script.
func EncodeWithdrawalLockArgs(rollupTypeHash [32]byte, args WithdrawalLockArgs, ownerLock Script) []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, rollupTypeHash[:]...)
	buf = append(buf, args.WithdrawalBlockHash[:]...)
	buf = appendUint64(buf, args.WithdrawalBlockNumber)
	buf = append(buf, args.AccountScriptHash[:]...)
	buf = appendUint64(buf, args.SellCapacity)
	buf = appendUint64(buf, args.SellAmount)
	owner := append(append([]byte{}, ownerLock.CodeHash[:]...), ownerLock.Args...)
	buf = appendUint32(buf, uint32(len(owner)))
	buf = append(buf, owner...)
	return buf
}

// DecodeWithdrawalLockArgs parses withdrawal lock args and the trailing
// owner lock script.
func DecodeWithdrawalLockArgs(rollupTypeHash [32]byte, raw []byte) (WithdrawalLockArgs, Script, error) {
	var args WithdrawalLockArgs
	var owner Script
	r := reader{raw: raw}
	var gotRollup [32]byte
	r.read(gotRollup[:])
	r.read(args.WithdrawalBlockHash[:])
	args.WithdrawalBlockNumber = r.uint64()
	r.read(args.AccountScriptHash[:])
	args.SellCapacity = r.uint64()
	args.SellAmount = r.uint64()
	n := r.uint32()
	ownerRaw := r.take(int(n))
	if r.err != nil {
		return args, owner, fmt.Errorf("%w: %v", ErrInvalidArgs, r.err)
	}
	if gotRollup != rollupTypeHash {
		return args, owner, fmt.Errorf("%w: withdrawal lock belongs to a different rollup", ErrInvalidArgs)
	}
	if len(ownerRaw) < 32 {
		return args, owner, fmt.Errorf("%w: owner lock shorter than a code hash", ErrInvalidArgs)
	}
	copy(owner.CodeHash[:], ownerRaw[:32])
	owner.Args = append([]byte{}, ownerRaw[32:]...)
	return args, owner, nil
}

// EncodeStakeLockArgs serializes a stake cell's lock args.
func EncodeStakeLockArgs(rollupTypeHash [32]byte, args StakeLockArgs) []byte {
	buf := make([]byte, 0, 72)
	buf = append(buf, rollupTypeHash[:]...)
	buf = append(buf, args.OwnerLockHash[:]...)
	buf = appendUint64(buf, args.StakeFinalizedTimepoint)
	return buf
}

// DecodeStakeLockArgs parses stake cell lock args.
func DecodeStakeLockArgs(rollupTypeHash [32]byte, raw []byte) (StakeLockArgs, error) {
	var args StakeLockArgs
	r := reader{raw: raw}
	var gotRollup [32]byte
	r.read(gotRollup[:])
	r.read(args.OwnerLockHash[:])
	args.StakeFinalizedTimepoint = r.uint64()
	if r.err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArgs, r.err)
	}
	if gotRollup != rollupTypeHash {
		return args, fmt.Errorf("%w: stake lock belongs to a different rollup", ErrInvalidArgs)
	}
	return args, nil
}

// EncodeChallengeLockArgs serializes a challenge cell's lock args.
func EncodeChallengeLockArgs(rollupTypeHash [32]byte, args ChallengeLockArgs) []byte {
	buf := make([]byte, 0, 112)
	buf = append(buf, rollupTypeHash[:]...)
	buf = append(buf, args.TargetBlockHash[:]...)
	buf = appendUint32(buf, args.TargetIndex)
	buf = append(buf, args.TargetKind)
	buf = append(buf, args.RewardsReceiverLock.CodeHash[:]...)
	buf = appendUint32(buf, uint32(len(args.RewardsReceiverLock.Args)))
	buf = append(buf, args.RewardsReceiverLock.Args...)
	return buf
}

// DecodeChallengeLockArgs parses challenge cell lock args.
func DecodeChallengeLockArgs(rollupTypeHash [32]byte, raw []byte) (ChallengeLockArgs, error) {
	var args ChallengeLockArgs
	r := reader{raw: raw}
	var gotRollup [32]byte
	r.read(gotRollup[:])
	r.read(args.TargetBlockHash[:])
	args.TargetIndex = r.uint32()
	kind := r.take(1)
	r.read(args.RewardsReceiverLock.CodeHash[:])
	n := r.uint32()
	args.RewardsReceiverLock.Args = r.take(int(n))
	if r.err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArgs, r.err)
	}
	args.TargetKind = kind[0]
	if gotRollup != rollupTypeHash {
		return args, fmt.Errorf("%w: challenge lock belongs to a different rollup", ErrInvalidArgs)
	}
	return args, nil
}

// ParseDepositCell interprets an L1 deposit cell as the L2 credit it
// represents. A cell with no type script deposits native capacity; a
// cell with a SUDT type script must carry at least 16 bytes of data
// holding the little-endian u128 amount. Shorter data is a hard error,
// never a silent zero-amount fallback.
func ParseDepositCell(rollupTypeHash [32]byte, cell Cell, sudtIDForType func([32]byte) (uint32, error)) (mempool.Deposit, error) {
	args, err := DecodeDepositLockArgs(rollupTypeHash, cell.Lock.Args)
	if err != nil {
		return mempool.Deposit{}, err
	}

	dep := mempool.Deposit{
		RegistryID: args.RegistryID,
		Address:    append([]byte{}, args.Layer2Lock.Args...),
		Script:     append(append([]byte{}, args.Layer2Lock.CodeHash[:]...), args.Layer2Lock.Args...),
	}

	if cell.TypeScriptHash == nil {
		dep.SUDTID = 0 // native capacity
		dep.Amount = cell.Capacity
		return dep, nil
	}

	if len(cell.Data) < 16 {
		return mempool.Deposit{}, fmt.Errorf("%w: %d bytes of data", ErrInvalidSUDTCell, len(cell.Data))
	}
	low := binary.LittleEndian.Uint64(cell.Data[0:8])
	high := binary.LittleEndian.Uint64(cell.Data[8:16])
	if high != 0 {
		return mempool.Deposit{}, ErrAmountOverflow
	}
	sudtID, err := sudtIDForType(*cell.TypeScriptHash)
	if err != nil {
		return mempool.Deposit{}, err
	}
	dep.SUDTID = sudtID
	dep.Amount = low
	return dep, nil
}

// reader walks a fixed-layout byte string, latching the first error.
type reader struct {
	raw []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.raw) < n {
		r.err = fmt.Errorf("truncated: need %d bytes, have %d", n, len(r.raw))
		return nil
	}
	out := r.raw[:n]
	r.raw = r.raw[n:]
	return out
}

func (r *reader) read(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
