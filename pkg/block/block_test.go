// Copyright 2025 Certen Protocol

package block

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

func TestProduceEmptyBlockAdvancesBlockRoot(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	tx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	view := state.New(tx, smt.Zero)

	blockTreeTx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin block tree tx: %v", err)
	}
	blockTree := smt.New(blockTreeTx, smt.Zero)

	cfg := Config{FinalityMode: FinalityByBlockNumber, FinalityBlocks: 10}
	producer := New(cfg, blockTree)

	candidate := &mempool.Block{}
	prev := GlobalState{}
	blk, post, err := producer.Produce(candidate, view, [32]byte{}, 1, 1000, prev)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if blk.Number != 1 {
		t.Fatalf("expected block number 1, got %d", blk.Number)
	}
	if post.BlockRoot.IsZero() {
		t.Fatalf("expected a non-zero block root after inserting block 1")
	}
	if post.LastFinalizedTimepoint != 0 {
		t.Fatalf("expected no finalized block yet (tip below finality window), got %d", post.LastFinalizedTimepoint)
	}
}

func TestFinalityByBlockNumber(t *testing.T) {
	cfg := Config{FinalityMode: FinalityByBlockNumber, FinalityBlocks: 5}
	if cfg.IsFinalized(10, 0, 14, 0) {
		t.Fatalf("block 10 should not be finalized when tip is only 14")
	}
	if !cfg.IsFinalized(10, 0, 15, 0) {
		t.Fatalf("block 10 should be finalized when tip is 15 and finality window is 5")
	}
}

func TestFinalityByTimestamp(t *testing.T) {
	cfg := Config{FinalityMode: FinalityByTimestamp, FinalityDuration: 100}
	if cfg.IsFinalized(0, 50, 0, 140) {
		t.Fatalf("block at timestamp 50 should not be finalized at tip timestamp 140")
	}
	if !cfg.IsFinalized(0, 50, 0, 150) {
		t.Fatalf("block at timestamp 50 should be finalized at tip timestamp 150")
	}
}

func TestCheckpointModeCombinedProducesOneEntry(t *testing.T) {
	p := &Producer{cfg: Config{CheckpointMode: CheckpointCombinedWithdrawalsAndDeposits}}
	candidate := &mempool.Block{
		Deposits: []mempool.AppliedDeposit{
			{Checkpoint: smt.H256{1}},
			{Checkpoint: smt.H256{2}},
		},
	}
	cps := p.stateCheckpointList(candidate)
	if len(cps) != 1 {
		t.Fatalf("expected one combined checkpoint, got %d", len(cps))
	}
}

func TestProduceSnapshotsTouchedState(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	defer backing.Close()
	tx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	view := state.New(tx, smt.Zero)
	id, err := view.CreateAccount(smt.H256{0: 9}, []byte{0x01})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := view.MintSUDT(1, id, 250); err != nil {
		t.Fatalf("mint: %v", err)
	}

	blockTreeTx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin block tree tx: %v", err)
	}
	producer := New(Config{FinalityMode: FinalityByBlockNumber, FinalityBlocks: 10}, smt.New(blockTreeTx, smt.Zero))

	blk, _, err := producer.Produce(&mempool.Block{}, view, [32]byte{}, 1, 1000, GlobalState{})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(blk.KvState) == 0 || blk.KvStateProof == nil {
		t.Fatalf("block must snapshot the touched keys with a compiled proof")
	}
	if !smt.VerifyProof(blk.PostAccountRoot, blk.KvState, blk.KvStateProof) {
		t.Fatalf("kv_state proof must recompute the block's post account root")
	}
}
