// Copyright 2025 Certen Protocol

package fraudproof

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/l1sync"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
)

// Verifier checks rollup-cell transitions. One instance is configured
// per deployment; every method is a pure function over its arguments.
type Verifier struct {
	RollupTypeHash          [32]byte
	StakeScriptTypeHash     [32]byte
	ChallengeScriptTypeHash [32]byte
	RequiredStakingCapacity uint64
	RewardBurnRate          uint8 // percent of the stake burned on revert
	BlockConfig             block.Config
	Generator               *generator.Generator
}

// SubmitContext is the slice of an L1 submit transaction the verifier
// inspects.
type SubmitContext struct {
	PrevGlobalState  block.GlobalState
	PostGlobalState  block.GlobalState
	Block            *block.Block
	StakeCellsIn     []Cell
	StakeCellsOut    []Cell
	ProducerLockHash [32]byte
}

// VerifySubmit checks a block submission transition: states consistent,
// exactly one stake cell consumed and produced, the stake owned by the
// declared producer, and the reverted-block set untouched.
func (v *Verifier) VerifySubmit(ctx SubmitContext) error {
	if ctx.PrevGlobalState.Status != block.StatusRunning {
		return fmt.Errorf("%w: submit against a non-Running state", ErrInvalidStatus)
	}
	if ctx.PostGlobalState.Status != block.StatusRunning {
		return fmt.Errorf("%w: submit must leave the state Running", ErrInvalidStatus)
	}
	if ctx.Block == nil {
		return fmt.Errorf("fraudproof: submit carries no block")
	}
	if ctx.Block.ParentHash != ctx.PrevGlobalState.TipBlockHash {
		return fmt.Errorf("fraudproof: block parent %x is not the chain tip %x", ctx.Block.ParentHash, ctx.PrevGlobalState.TipBlockHash)
	}
	if ctx.PostGlobalState.TipBlockHash != ctx.Block.Hash {
		return fmt.Errorf("fraudproof: post state tip does not match the submitted block")
	}
	if ctx.PostGlobalState.AccountRoot != ctx.Block.PostAccountRoot {
		return fmt.Errorf("fraudproof: post account root does not match the block's")
	}
	if ctx.PostGlobalState.RevertedBlockRoot != ctx.PrevGlobalState.RevertedBlockRoot {
		return fmt.Errorf("%w: submit must not touch the reverted-block set", ErrInvalidRevertedBlocks)
	}
	if ctx.PostGlobalState.LastFinalizedTimepoint < ctx.PrevGlobalState.LastFinalizedTimepoint {
		return fmt.Errorf("fraudproof: finalized timepoint moved backward")
	}
	if ctx.PostGlobalState.RollupConfigHash != ctx.PrevGlobalState.RollupConfigHash {
		return fmt.Errorf("fraudproof: rollup config hash changed on submit")
	}

	if len(ctx.StakeCellsIn) != 1 || len(ctx.StakeCellsOut) != 1 {
		return fmt.Errorf("%w: want exactly one stake cell in and out, got %d/%d", ErrInvalidStakeCell, len(ctx.StakeCellsIn), len(ctx.StakeCellsOut))
	}
	for _, cell := range [2]Cell{ctx.StakeCellsIn[0], ctx.StakeCellsOut[0]} {
		if cell.Lock.CodeHash != v.StakeScriptTypeHash {
			return fmt.Errorf("%w: wrong lock code hash", ErrInvalidStakeCell)
		}
		if cell.Capacity != v.RequiredStakingCapacity {
			return fmt.Errorf("%w: capacity %d, want %d", ErrInvalidStakeCell, cell.Capacity, v.RequiredStakingCapacity)
		}
		args, err := DecodeStakeLockArgs(v.RollupTypeHash, cell.Lock.Args)
		if err != nil {
			return err
		}
		if args.OwnerLockHash != ctx.ProducerLockHash {
			return fmt.Errorf("%w: stake owner is not the declared block producer", ErrInvalidStakeCell)
		}
	}
	return nil
}

// ChallengeContext is the slice of an enter-challenge transaction the
// verifier inspects.
type ChallengeContext struct {
	PostGlobalState block.GlobalState
	ChallengeCell   Cell
	Target          l1sync.ChallengeTarget
}

// VerifyEnterChallenge checks a challenge entry: the output state is
// Halting and a challenge cell is produced whose lock args encode the
// target and whose capacity backs the claim.
func (v *Verifier) VerifyEnterChallenge(ctx ChallengeContext) error {
	if ctx.PostGlobalState.Status != block.StatusHalting {
		return fmt.Errorf("%w: challenge entry must leave the state Halting", ErrInvalidStatus)
	}
	if ctx.ChallengeCell.Lock.CodeHash != v.ChallengeScriptTypeHash {
		return fmt.Errorf("%w: wrong lock code hash", ErrInvalidChallengeCell)
	}
	if ctx.ChallengeCell.Capacity < v.RequiredStakingCapacity {
		return fmt.Errorf("%w: capacity %d below required staking capacity %d", ErrInvalidChallengeCell, ctx.ChallengeCell.Capacity, v.RequiredStakingCapacity)
	}
	args, err := DecodeChallengeLockArgs(v.RollupTypeHash, ctx.ChallengeCell.Lock.Args)
	if err != nil {
		return err
	}
	if args.TargetBlockHash != ctx.Target.BlockHash || int(args.TargetIndex) != ctx.Target.Index || args.TargetKind != byte(ctx.Target.Kind) {
		return fmt.Errorf("%w: lock args do not encode the declared target", ErrInvalidChallengeCell)
	}
	return nil
}

// VerifyContext is the witness a challenger (or the operator cancelling
// a challenge) supplies: the disputed block, the target, the disputed
// item itself, and the touched state under one compiled proof.
type VerifyContext struct {
	RawBlock        *block.Block
	Target          l1sync.ChallengeTarget
	TxBytes         []byte // signing bytes of the disputed transaction
	KvState         []smt.Leaf
	KvStateProof    *smt.Proof
	PrevAccountRoot smt.H256 // account root immediately before the disputed step
}

// VerifyCancelChallenge re-executes the disputed step and reports
// nil when the declared checkpoint is reproduced, meaning the challenge
// was unfounded and must be cancelled. view must be opened at
// ctx.PrevAccountRoot.
func (v *Verifier) VerifyCancelChallenge(view *state.View, ctx VerifyContext) error {
	if ctx.RawBlock == nil {
		return fmt.Errorf("fraudproof: cancel carries no block")
	}
	if ctx.Target.Index >= len(ctx.RawBlock.StateCheckpointList) {
		return fmt.Errorf("fraudproof: target index %d out of range", ctx.Target.Index)
	}
	if len(ctx.KvState) > 0 {
		if ctx.KvStateProof == nil || !smt.VerifyProof(ctx.PrevAccountRoot, ctx.KvState, ctx.KvStateProof) {
			return fmt.Errorf("fraudproof: kv_state proof does not verify against the pre-step root")
		}
	}

	info := generator.BlockInfo{
		Number:         ctx.RawBlock.Number,
		Timestamp:      ctx.RawBlock.Timestamp,
		RollupTypeHash: v.RollupTypeHash,
	}

	switch ctx.Target.Kind {
	case l1sync.ChallengeWithdrawal:
		idx := ctx.Target.Index
		if idx >= len(ctx.RawBlock.Withdrawals) {
			return fmt.Errorf("fraudproof: withdrawal index %d out of range", idx)
		}
		if _, err := v.Generator.RunWithdrawal(view, info, ctx.RawBlock.Withdrawals[idx].Request); err != nil {
			return fmt.Errorf("fraudproof: disputed withdrawal fails honest re-execution: %w", err)
		}
	default:
		txIdx := ctx.Target.Index - len(ctx.RawBlock.Withdrawals) - len(ctx.RawBlock.Deposits)
		if txIdx < 0 || txIdx >= len(ctx.RawBlock.Transactions) {
			return fmt.Errorf("fraudproof: transaction index %d out of range", txIdx)
		}
		pool := generator.NewCyclePool(^uint64(0))
		if _, err := v.Generator.RunTransaction(view, info, ctx.RawBlock.Transactions[txIdx].Tx, ctx.TxBytes, pool); err != nil {
			return fmt.Errorf("fraudproof: disputed transaction fails honest re-execution: %w", err)
		}
	}

	got, err := view.Checkpoint()
	if err != nil {
		return err
	}
	if got != ctx.RawBlock.StateCheckpointList[ctx.Target.Index] {
		return fmt.Errorf("%w: step %d", ErrInvalidCheckpoint, ctx.Target.Index)
	}
	return nil
}

// RevertStep proves one block-hash insertion into the reverted-block
// set: proof is taken against the set's root before this insertion.
type RevertStep struct {
	BlockHash [32]byte
	Proof     *smt.Proof
}

// RevertContext is the slice of a revert transaction the verifier
// inspects.
type RevertContext struct {
	PrevGlobalState block.GlobalState
	PostGlobalState block.GlobalState
	Steps           []RevertStep
	// MaturityElapsed reports whether the L1 since constraint on the
	// challenge cell has elapsed; the chain enforces it, the verifier
	// only asserts it was declared.
	MaturityElapsed bool
	StakeCellIn     Cell
	RewardCellOut   Cell
	BurnCellOut     Cell
	RewardLockHash  [32]byte
	BurnLockHash    [32]byte
}

// VerifyRevert checks a revert transition: the maturity window elapsed
// without a valid cancel, the stake is split between reward and burn by
// RewardBurnRate, and the reverted-block set gains exactly the declared
// hashes, each insertion proven against the running root.
func (v *Verifier) VerifyRevert(ctx RevertContext) error {
	if ctx.PrevGlobalState.Status != block.StatusHalting {
		return fmt.Errorf("%w: revert requires a Halting state", ErrInvalidStatus)
	}
	if ctx.PostGlobalState.Status != block.StatusRunning {
		return fmt.Errorf("%w: revert must return the state to Running", ErrInvalidStatus)
	}
	if !ctx.MaturityElapsed {
		return fmt.Errorf("fraudproof: challenge maturity window has not elapsed")
	}
	if len(ctx.Steps) == 0 {
		return fmt.Errorf("%w: revert declares no blocks", ErrInvalidRevertedBlocks)
	}

	root := ctx.PrevGlobalState.RevertedBlockRoot
	var one smt.H256
	one[31] = 1
	for _, step := range ctx.Steps {
		key := smt.H256(step.BlockHash)
		absent, err := smt.ComputeRoot([]smt.Leaf{{Key: key, Value: smt.Zero}}, step.Proof)
		if err != nil || absent != root {
			return fmt.Errorf("%w: block %x was already in the set or the proof is stale", ErrInvalidRevertedBlocks, step.BlockHash)
		}
		inserted, err := smt.ComputeRoot([]smt.Leaf{{Key: key, Value: one}}, step.Proof)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRevertedBlocks, err)
		}
		root = inserted
	}
	if root != ctx.PostGlobalState.RevertedBlockRoot {
		return fmt.Errorf("%w: post root %x does not match replayed insertions %x", ErrInvalidRevertedBlocks, ctx.PostGlobalState.RevertedBlockRoot, root)
	}

	burn := ctx.StakeCellIn.Capacity * uint64(v.RewardBurnRate) / 100
	reward := ctx.StakeCellIn.Capacity - burn
	if ctx.RewardCellOut.Capacity < reward {
		return fmt.Errorf("fraudproof: reward output %d below the challenger's share %d", ctx.RewardCellOut.Capacity, reward)
	}
	if ctx.BurnCellOut.Capacity < burn {
		return fmt.Errorf("fraudproof: burn output %d below the burned share %d", ctx.BurnCellOut.Capacity, burn)
	}
	if ctx.RewardCellOut.Lock.Hash() != ctx.RewardLockHash {
		return fmt.Errorf("fraudproof: reward output is not paid to the challenger's lock")
	}
	if ctx.BurnCellOut.Lock.Hash() != ctx.BurnLockHash {
		return fmt.Errorf("fraudproof: burn output is not paid to the burn lock")
	}
	return nil
}

// BuildDeposit adapts a parsed deposit cell into the mem-pool's deposit
// shape; exposed so the chain updater and the verifier agree on one
// interpretation of deposit cells.
func (v *Verifier) BuildDeposit(cell Cell, sudtIDForType func([32]byte) (uint32, error)) (mempool.Deposit, error) {
	return ParseDepositCell(v.RollupTypeHash, cell, sudtIDForType)
}

func hash256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}
