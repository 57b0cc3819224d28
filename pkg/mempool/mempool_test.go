// Copyright 2025 Certen Protocol

package mempool

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/sigalg"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

func testConfig() Config {
	return Config{
		MaxInPoolTxs:           100,
		MaxInPoolWithdrawals:   100,
		MaxPackagedTxs:         50,
		MaxPackagedWithdrawals: 50,
		MaxWithdrawalCapacity:  1_000_000,
		MaxCyclesPerBlock:      1_000_000,
	}
}

func TestResetAppliesDepositThenCreatesAccount(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	gen := generator.New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	pool := New(backing, gen, testConfig(), [32]byte{0xAA}, smt.Zero)

	dep := Deposit{RegistryID: 1, Address: []byte("eth-address-20-bytes"), Script: []byte("l2-lock-script"), SUDTID: 1, Amount: 500}
	if err := pool.ObserveDeposit(dep); err != nil {
		t.Fatalf("observe deposit: %v", err)
	}

	block, err := pool.Reset(smt.Zero)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(block.Deposits) != 1 {
		t.Fatalf("expected one applied deposit, got %d", len(block.Deposits))
	}
}

func TestSubmitTransactionRejectsWhenPoolFull(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	gen := generator.New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	cfg := testConfig()
	cfg.MaxInPoolTxs = 1
	pool := New(backing, gen, cfg, [32]byte{0xAA}, smt.Zero)

	tx := generator.RawTransaction{FromID: 1, ToID: 2, Nonce: 0}
	if _, err := pool.SubmitTransaction(tx, []byte("a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := pool.SubmitTransaction(tx, []byte("b")); err == nil {
		t.Fatalf("expected ErrPoolFull on the second submission")
	}
}

func TestSubmitWithdrawalRejectsOverCapacity(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	gen := generator.New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	cfg := testConfig()
	cfg.MaxWithdrawalCapacity = 100
	pool := New(backing, gen, cfg, [32]byte{0xAA}, smt.Zero)

	req := generator.WithdrawalRequest{AccountID: 1}
	if _, err := pool.SubmitWithdrawal(req, 60); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	if _, err := pool.SubmitWithdrawal(req, 60); err == nil {
		t.Fatalf("expected ErrWithdrawalCapacity once the bound is exceeded")
	}
}

func TestResetDropsFailingTransactionToUnused(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	tx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	view := state.New(tx, smt.Zero)
	var codeHash [32]byte
	script := append([]byte{}, codeHash[:]...)
	fromID, err := view.CreateAccount(smt.H256(blake2bSum(script)), script)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit setup: %v", err)
	}

	gen := generator.New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	pool := New(backing, gen, testConfig(), [32]byte{0xAA}, view.Root())

	badTx := generator.RawTransaction{FromID: fromID, ToID: 0, Nonce: 99}
	if _, err := pool.SubmitTransaction(badTx, []byte("bad")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	block, err := pool.Reset(view.Root())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(block.Transactions) != 0 {
		t.Fatalf("expected the wrong-nonce transaction to be dropped, got %d applied", len(block.Transactions))
	}
}

func TestRecoverRestoresPendingEntries(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	gen := generator.New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	pool := New(backing, gen, testConfig(), [32]byte{0xAA}, smt.Zero)

	if _, err := pool.SubmitWithdrawal(generator.WithdrawalRequest{AccountID: 1, Amount: 5}, 10); err != nil {
		t.Fatalf("submit withdrawal: %v", err)
	}
	if _, err := pool.SubmitWithdrawal(generator.WithdrawalRequest{AccountID: 2, Amount: 7}, 10); err != nil {
		t.Fatalf("submit withdrawal: %v", err)
	}
	if err := pool.ObserveDeposit(Deposit{RegistryID: 1, Address: []byte("eth-address-20-bytes"), Script: []byte{1}, SUDTID: 1, Amount: 9}); err != nil {
		t.Fatalf("observe deposit: %v", err)
	}
	tx1 := generator.RawTransaction{FromID: 3, ToID: 4, Nonce: 0, Args: []byte{0xAB}}
	tx2 := generator.RawTransaction{FromID: 5, ToID: 6, Nonce: 1}
	if _, err := pool.SubmitTransaction(tx1, []byte("t1")); err != nil {
		t.Fatalf("submit tx1: %v", err)
	}
	if _, err := pool.SubmitTransaction(tx2, []byte("t2")); err != nil {
		t.Fatalf("submit tx2: %v", err)
	}

	// A fresh pool over the same backing store plays the role of the
	// restarted process.
	restarted := New(backing, gen, testConfig(), [32]byte{0xAA}, smt.Zero)
	if err := restarted.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := len(restarted.pendingWithdrawals); got != 2 {
		t.Fatalf("recovered %d withdrawals, want 2", got)
	}
	if got := len(restarted.pendingDeposits); got != 1 {
		t.Fatalf("recovered %d deposits, want 1", got)
	}
	if got := len(restarted.pendingTxs); got != 2 {
		t.Fatalf("recovered %d transactions, want 2", got)
	}

	var fromIDs []uint32
	for _, pt := range restarted.pendingTxs {
		fromIDs = append(fromIDs, pt.tx.FromID)
	}
	if !(contains(fromIDs, 3) && contains(fromIDs, 5)) {
		t.Fatalf("recovered transactions lost their senders: %v", fromIDs)
	}
}

func contains(haystack []uint32, needle uint32) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
