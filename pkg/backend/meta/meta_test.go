// Copyright 2025 Certen Protocol

package meta

import (
	"encoding/binary"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

func newTestView(t *testing.T) *state.View {
	t.Helper()
	s := store.Open(dbm.NewMemDB())
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	return state.New(tx, smt.Zero)
}

func TestCreateAccountThenLookup(t *testing.T) {
	view := newTestView(t)
	b := Backend{}

	script := []byte("a test lock script")
	args := append([]byte{SelectorCreateAccount}, script...)
	res, err := b.Execute(&backend.CallContext{View: view, Args: args})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if len(res.ReturnData) != 4 {
		t.Fatalf("expected a 4-byte account id, got %d bytes", len(res.ReturnData))
	}
	id := binary.BigEndian.Uint32(res.ReturnData)

	scriptHash, err := view.GetScriptHash(id)
	if err != nil {
		t.Fatalf("get script hash: %v", err)
	}

	lookupArgs := append([]byte{SelectorGetAccountID}, scriptHash[:]...)
	res, err = b.Execute(&backend.CallContext{View: view, Args: lookupArgs})
	if err != nil {
		t.Fatalf("get account id: %v", err)
	}
	gotID := binary.BigEndian.Uint32(res.ReturnData)
	if gotID != id {
		t.Fatalf("expected id %d, got %d", id, gotID)
	}
}

func TestUnknownSelectorRejected(t *testing.T) {
	view := newTestView(t)
	b := Backend{}
	_, err := b.Execute(&backend.CallContext{View: view, Args: []byte{0xFF}})
	if err == nil {
		t.Fatalf("expected an error for an unknown selector")
	}
}
