// Copyright 2025 Certen Protocol

package state

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/store"
)

func newTestView(t *testing.T) (*store.Store, *View) {
	t.Helper()
	s := store.Open(dbm.NewMemDB())
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return s, New(tx, smt.Zero)
}

func TestCreateAccountAssignsSequentialIDs(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	h1 := smt.H256{0: 1}
	h2 := smt.H256{0: 2}

	id1, err := v.CreateAccount(h1, []byte("script-1"))
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	id2, err := v.CreateAccount(h2, []byte("script-2"))
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if id1 != 0 || id2 != 1 {
		t.Fatalf("got ids %d,%d want 0,1", id1, id2)
	}

	if _, err := v.CreateAccount(h1, []byte("dup")); err != ErrScriptHashExists {
		t.Fatalf("expected ErrScriptHashExists, got %v", err)
	}

	gotHash, err := v.GetScriptHash(id1)
	if err != nil {
		t.Fatalf("get script hash: %v", err)
	}
	if gotHash != h1 {
		t.Fatalf("script hash mismatch")
	}
}

func TestNonceIncrements(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	id, err := v.CreateAccount(smt.H256{0: 9}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := uint32(0); i < 3; i++ {
		n, err := v.GetNonce(id)
		if err != nil {
			t.Fatalf("get nonce: %v", err)
		}
		if n != i {
			t.Fatalf("nonce = %d, want %d", n, i)
		}
		if err := v.IncrementNonce(id); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
}

func TestSUDTMintAndTransfer(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	alice, _ := v.CreateAccount(smt.H256{0: 1}, nil)
	bob, _ := v.CreateAccount(smt.H256{0: 2}, nil)

	if err := v.MintSUDT(1, alice, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.TransferSUDT(1, alice, bob, 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBal, _ := v.GetSUDTBalance(1, alice)
	bobBal, _ := v.GetSUDTBalance(1, bob)
	if aliceBal != 60 || bobBal != 40 {
		t.Fatalf("balances = %d,%d want 60,40", aliceBal, bobBal)
	}

	if err := v.TransferSUDT(1, alice, bob, 1000); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRegistryAddressMapping(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	scriptHash := smt.H256{0: 5}
	id, err := v.CreateAccount(scriptHash, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = id

	if err := v.MapRegistryAddress(1, []byte("short"), scriptHash); err == nil {
		t.Fatalf("expected ErrInvalidArgs for a non-20-byte address")
	}

	addr := []byte("eth-address-20-bytes")
	if err := v.MapRegistryAddress(1, addr, scriptHash); err != nil {
		t.Fatalf("map: %v", err)
	}
	got, err := v.GetScriptHashByRegistryAddress(1, addr)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != scriptHash {
		t.Fatalf("registry lookup mismatch")
	}

	if err := v.MapRegistryAddress(1, addr, scriptHash); err != ErrRegistryAddrExists {
		t.Fatalf("expected ErrRegistryAddrExists, got %v", err)
	}
}

func TestMintBurnKeepsSupplyInStep(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	if err := v.MintSUDT(7, 3, 400); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := v.BurnSUDT(7, 3, 150); err != nil {
		t.Fatalf("burn: %v", err)
	}
	bal, err := v.GetSUDTBalance(7, 3)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 250 {
		t.Fatalf("balance = %d, want 250", bal)
	}
	supply, err := v.sudtTotalSupply(7)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply != 250 {
		t.Fatalf("total supply = %d, want 250", supply)
	}

	if err := v.BurnSUDT(7, 3, 9999); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCheckpointChangesWithState(t *testing.T) {
	s, v := newTestView(t)
	defer s.Close()

	cp0, err := v.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint 0: %v", err)
	}
	if _, err := v.CreateAccount(smt.H256{0: 1}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	cp1, err := v.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint 1: %v", err)
	}
	if cp0 == cp1 {
		t.Fatalf("checkpoint should change after state mutation")
	}
}
