// Copyright 2025 Certen Protocol

// Package l1sync consumes the stream of L1 rollup-cell actions and
// drives the local chain forward (or locally reverts it). It is the only
// package that mutates the canonical chain tables; everything else
// (pkg/mempool, pkg/block) only ever proposes.
package l1sync

import (
	"errors"
	"fmt"
	"log"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/metrics"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

// Status mirrors block.Status; kept as a distinct name here so the sync
// state machine's transitions are expressed in its own vocabulary.
type Status = block.Status

const (
	StatusRunning = block.StatusRunning
	StatusHalting = block.StatusHalting
)

// ErrBadBlock is returned (not panicked on) when a submitted block's
// execution diverges from its declared state_checkpoint_list; by then
// the chain has already persisted the ChallengeTarget and moved to
// Halting.
var ErrBadBlock = errors.New("l1sync: submitted block failed checkpoint verification")

// ActionKind classifies one L1 rollup-cell transition.
type ActionKind int

const (
	ActionSubmitBlock ActionKind = iota
	ActionEnterChallenge
	ActionCancelChallenge
	ActionRevert
)

// DepositInfo is one deposit cell consumed by a SubmitBlock action.
type DepositInfo struct {
	Deposit         mempool.Deposit
	AssetScriptHash [32]byte
}

// Action is one classified L1 rollup-cell transition.
type Action struct {
	Kind ActionKind

	// SubmitBlock fields.
	Block          *block.Block
	DepositInfoVec []DepositInfo
	Withdrawals    []mempool.AppliedWithdrawal

	// EnterChallenge fields.
	ChallengeTarget *ChallengeTarget

	// Revert fields.
	RevertedBlocks  []*block.Block
	PostGlobalState *block.GlobalState
}

// ChallengeTargetKind identifies what inside a block is being disputed.
type ChallengeTargetKind int

const (
	ChallengeTxExecution ChallengeTargetKind = iota
	ChallengeTxSignature
	ChallengeWithdrawal
)

// ChallengeTarget pins the exact step of a block a challenge disputes.
type ChallengeTarget struct {
	BlockHash [32]byte
	Index     int
	Kind      ChallengeTargetKind
}

// Chain tracks the node's view of canonical L1-confirmed state: the tip
// block, its global state, and the Running/Halting status machine.
type Chain struct {
	backing        *store.Store
	blkCfg         block.Config
	gen            *generator.Generator
	rollupTypeHash [32]byte
	maxCycles      uint64

	tip           *block.Block
	tipGlobal     block.GlobalState
	status        Status
	pendingTarget *ChallengeTarget

	// replayWithdrawals collects withdrawal requests reclaimed by a
	// revert; the mem-pool drains them back through its normal path.
	replayWithdrawals []generator.WithdrawalRequest

	logger *log.Logger
}

// New returns a Chain starting from genesis (no tip block yet), wired to
// gen for re-executing every withdrawal/transaction a submitted block
// claims to have applied.
func New(backing *store.Store, blkCfg block.Config, gen *generator.Generator, rollupTypeHash [32]byte, maxCycles uint64, genesis block.GlobalState) *Chain {
	return &Chain{
		backing:        backing,
		blkCfg:         blkCfg,
		gen:            gen,
		rollupTypeHash: rollupTypeHash,
		maxCycles:      maxCycles,
		tipGlobal:      genesis,
		status:         StatusRunning,
		logger:         log.New(log.Writer(), "[L1Sync] ", log.LstdFlags),
	}
}

// Status returns the chain's current Running/Halting status.
func (c *Chain) Status() Status { return c.status }

// TipGlobalState returns the chain's current post_global_state.
func (c *Chain) TipGlobalState() block.GlobalState { return c.tipGlobal }

// PendingChallengeTarget returns the challenge target recorded when the
// chain last halted, or nil while Running.
func (c *Chain) PendingChallengeTarget() *ChallengeTarget { return c.pendingTarget }

// DrainReplayWithdrawals hands back the withdrawal requests reclaimed by
// reverts since the last call, clearing the queue. The mem-pool resubmits
// them through its ordinary verification path.
func (c *Chain) DrainReplayWithdrawals() []generator.WithdrawalRequest {
	out := c.replayWithdrawals
	c.replayWithdrawals = nil
	return out
}

// Apply classifies and applies one L1-confirmed action, advancing (or
// locally reverting) the chain. Actions are applied strictly in the
// order the L1 reports them; a reorg arrives as an explicit revert
// followed by fresh submissions, never as concurrent mutation.
func (c *Chain) Apply(action Action) error {
	switch action.Kind {
	case ActionSubmitBlock:
		return c.applySubmitBlock(action)
	case ActionEnterChallenge:
		return c.applyEnterChallenge(action)
	case ActionCancelChallenge:
		return c.applyCancelChallenge()
	case ActionRevert:
		return c.applyRevert(action)
	default:
		return fmt.Errorf("l1sync: unknown action kind %d", action.Kind)
	}
}

// applySubmitBlock walks back to a common ancestor on parent mismatch,
// replays withdrawals then deposits then transactions against an
// overlay, and compares each resulting checkpoint against the block's
// declared state_checkpoint_list. A mismatch halts the chain rather than
// panicking, recording where verification diverged.
func (c *Chain) applySubmitBlock(action Action) error {
	blk := action.Block
	if blk == nil {
		return fmt.Errorf("l1sync: SubmitBlock action carries no block")
	}
	if c.status == StatusHalting {
		return fmt.Errorf("l1sync: SubmitBlock observed while chain is Halting")
	}

	if c.tip != nil && blk.ParentHash != c.tip.Hash {
		if err := c.revertToCommonAncestor(blk.ParentHash); err != nil {
			return fmt.Errorf("l1sync: revert to common ancestor: %w", err)
		}
	}

	tx, err := c.backing.Begin()
	if err != nil {
		return fmt.Errorf("l1sync: begin overlay tx: %w", err)
	}
	view := state.New(tx, c.tipGlobal.AccountRoot)
	pool := generator.NewCyclePool(c.maxCycles)
	info := generator.BlockInfo{Number: blk.Number, Timestamp: blk.Timestamp, RollupTypeHash: c.rollupTypeHash}

	step := 0
	checkAt := func() error {
		if step >= len(blk.StateCheckpointList) {
			return fmt.Errorf("%w: block declares %d checkpoints, execution produced more", ErrBadBlock, len(blk.StateCheckpointList))
		}
		got, err := view.Checkpoint()
		if err != nil {
			return err
		}
		if declared := blk.StateCheckpointList[step]; declared != got {
			return fmt.Errorf("%w: step %d: declared %x, computed %x", ErrBadBlock, step, declared, got)
		}
		step++
		return nil
	}

	// Combined mode (older protocol versions) emits a single checkpoint
	// covering all withdrawals and deposits; per-item mode checks after
	// every one. Transactions are always checked per item.
	perItem := c.blkCfg.CheckpointMode != block.CheckpointCombinedWithdrawalsAndDeposits

	for _, w := range blk.Withdrawals {
		if _, err := c.gen.RunWithdrawal(view, info, w.Request); err != nil {
			tx.Rollback()
			return c.markBad(blk, step, ChallengeWithdrawal)
		}
		if perItem {
			if err := checkAt(); err != nil {
				tx.Rollback()
				return c.markBad(blk, step, ChallengeWithdrawal)
			}
		}
	}
	for _, d := range blk.Deposits {
		if err := mempool.ApplyDeposit(view, d.Deposit); err != nil {
			tx.Rollback()
			return c.markBad(blk, step, ChallengeTxExecution)
		}
		if perItem {
			if err := checkAt(); err != nil {
				tx.Rollback()
				return c.markBad(blk, step, ChallengeTxExecution)
			}
		}
	}
	if !perItem && len(blk.Withdrawals)+len(blk.Deposits) > 0 {
		if err := checkAt(); err != nil {
			tx.Rollback()
			return c.markBad(blk, step, ChallengeTxExecution)
		}
	}
	for _, t := range blk.Transactions {
		if _, err := c.gen.RunTransaction(view, info, t.Tx, nil, pool); err != nil {
			kind := ChallengeTxExecution
			if errors.Is(err, generator.ErrInvalidSignature) {
				kind = ChallengeTxSignature
			}
			tx.Rollback()
			return c.markBad(blk, step, kind)
		}
		if err := checkAt(); err != nil {
			tx.Rollback()
			return c.markBad(blk, step, ChallengeTxExecution)
		}
	}

	if step != len(blk.StateCheckpointList) || view.Root() != blk.PostAccountRoot {
		tx.Rollback()
		return c.markBad(blk, step, ChallengeTxExecution)
	}

	accountCount, err := view.AccountCount()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("l1sync: read post-block account count: %w", err)
	}

	// The block tree insert rides the same transaction as the replayed
	// state writes, so a crash can never persist one without the other.
	blockTree := smt.New(tx, c.tipGlobal.BlockRoot)
	var hashLeaf smt.H256
	copy(hashLeaf[:], blk.Hash[:])
	if err := blockTree.Update(block.SMTKey(blk.Number), hashLeaf); err != nil {
		tx.Rollback()
		return fmt.Errorf("l1sync: insert into block tree: %w", err)
	}

	newGlobal := block.GlobalState{
		Status:                 StatusRunning,
		AccountRoot:            view.Root(),
		AccountCount:           accountCount,
		BlockRoot:              blockTree.Root(),
		TipBlockHash:           blk.Hash,
		TipBlockNumber:         blk.Number,
		TipTimestamp:           blk.Timestamp,
		LastFinalizedTimepoint: c.blkCfg.NextFinalizedTimepoint(blk.Number, blk.Timestamp, c.tipGlobal.LastFinalizedTimepoint),
		RevertedBlockRoot:      c.tipGlobal.RevertedBlockRoot,
		RollupConfigHash:       c.tipGlobal.RollupConfigHash,
	}

	if err := persistBlockIn(tx, blk, newGlobal); err != nil {
		tx.Rollback()
		return fmt.Errorf("l1sync: persist confirmed block: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("l1sync: commit confirmed block: %w", err)
	}

	c.tip = blk
	c.tipGlobal = newGlobal
	c.status = StatusRunning
	metrics.BlocksConfirmed.Inc()
	metrics.TipBlockNumber.Set(float64(blk.Number))
	metrics.ChainStatus.Set(0)
	c.logger.Printf("✅ accepted block %d (%x)", blk.Number, blk.Hash)
	return nil
}

// markBad records that blk failed checkpoint verification at the given
// step, halts the chain, and returns a wrapped ErrBadBlock carrying the
// ChallengeTarget the fraud-proof verifier will need.
func (c *Chain) markBad(blk *block.Block, step int, kind ChallengeTargetKind) error {
	target := ChallengeTarget{BlockHash: blk.Hash, Index: step, Kind: kind}
	if err := c.persistBadBlock(blk, target); err != nil {
		c.logger.Printf("❌ failed to persist bad block record: %v", err)
	}
	c.pendingTarget = &target
	c.status = StatusHalting
	metrics.BadBlocks.Inc()
	metrics.ChainStatus.Set(1)
	c.logger.Printf("🚨 block %d marked bad at step %d (kind %d), halting", blk.Number, step, kind)
	return fmt.Errorf("%w: block %d step %d", ErrBadBlock, blk.Number, step)
}

// applyEnterChallenge records that a challenge window has begun for a
// given target. It never moves the tip. Replays of a challenge already
// on record are tolerated.
func (c *Chain) applyEnterChallenge(action Action) error {
	if c.status != StatusHalting {
		return fmt.Errorf("l1sync: EnterChallenge observed while chain is not Halting")
	}
	if action.ChallengeTarget != nil {
		c.pendingTarget = action.ChallengeTarget
	}
	c.logger.Printf("⚠️ challenge entered against %+v", action.ChallengeTarget)
	return nil
}

// applyCancelChallenge transitions Halting -> Running and clears the
// pending target. Idempotent: a cancel observed twice is a no-op.
func (c *Chain) applyCancelChallenge() error {
	if c.status == StatusRunning {
		return nil
	}
	c.pendingTarget = nil
	c.status = StatusRunning
	c.logger.Printf("✅ challenge cancelled, resuming")
	return nil
}

// applyRevert rewinds the tip to each reverted block's parent in order,
// resets the account tree to the prior block's post-state, reclaims the
// reverted blocks' withdrawals for replay, and records every reverted
// block hash in the reverted-block SMT so withdrawal-lock unlocks can
// later prove a block was struck from the canonical chain.
func (c *Chain) applyRevert(action Action) error {
	for _, reverted := range action.RevertedBlocks {
		parent, err := c.loadBlockByHash(reverted.ParentHash)
		if err != nil {
			return fmt.Errorf("l1sync: load parent of reverted block %d: %w", reverted.Number, err)
		}

		tx, err := c.backing.Begin()
		if err != nil {
			return fmt.Errorf("l1sync: begin revert tx: %w", err)
		}
		revertedTree := smt.New(tx, c.tipGlobal.RevertedBlockRoot)
		var one smt.H256
		one[31] = 1
		if err := revertedTree.Update(smt.H256(reverted.Hash), one); err != nil {
			tx.Rollback()
			return fmt.Errorf("l1sync: mark block reverted: %w", err)
		}
		blockTree := smt.New(tx, c.tipGlobal.BlockRoot)
		if err := blockTree.Update(block.SMTKey(reverted.Number), smt.Zero); err != nil {
			tx.Rollback()
			return fmt.Errorf("l1sync: remove reverted block from block tree: %w", err)
		}
		newRevertedRoot := revertedTree.Root()
		newBlockRoot := blockTree.Root()
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("l1sync: commit revert: %w", err)
		}

		for _, w := range reverted.Withdrawals {
			c.replayWithdrawals = append(c.replayWithdrawals, w.Request)
		}

		if parent != nil {
			c.tipGlobal.AccountRoot = parent.PostAccountRoot
			c.tipGlobal.TipTimestamp = parent.Timestamp
		} else {
			c.tipGlobal.AccountRoot = smt.Zero
			c.tipGlobal.TipTimestamp = 0
		}
		c.tipGlobal.RevertedBlockRoot = newRevertedRoot
		c.tipGlobal.BlockRoot = newBlockRoot
		c.tipGlobal.TipBlockHash = reverted.ParentHash
		c.tipGlobal.TipBlockNumber = reverted.Number - 1
		c.tip = parent
	}
	c.pendingTarget = nil
	c.status = StatusRunning

	if action.PostGlobalState != nil && *action.PostGlobalState != c.tipGlobal {
		return fmt.Errorf("l1sync: post-revert global state diverges from the on-chain Revert action")
	}
	c.logger.Printf("✅ reverted %d block(s), resuming", len(action.RevertedBlocks))
	return nil
}

// revertToCommonAncestor walks the local chain backward until it finds
// parentHash, locally reverting every block after it.
func (c *Chain) revertToCommonAncestor(parentHash [32]byte) error {
	if c.tip == nil {
		return fmt.Errorf("l1sync: cannot walk back from an empty chain")
	}
	var toRevert []*block.Block
	cursor := c.tip
	for cursor != nil && cursor.Hash != parentHash {
		toRevert = append(toRevert, cursor)
		next, err := c.loadBlockByHash(cursor.ParentHash)
		if err != nil {
			return err
		}
		cursor = next
	}
	if cursor == nil && parentHash != ([32]byte{}) {
		return fmt.Errorf("l1sync: no common ancestor found for parent %x", parentHash)
	}
	return c.applyRevert(Action{Kind: ActionRevert, RevertedBlocks: toRevert})
}
