// Copyright 2025 Certen Protocol

package generator

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/backend/sudt"
	"github.com/rollupcore/optiroll/pkg/sigalg"
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

func TestRunTransactionNonceSignatureAndDispatch(t *testing.T) {
	view := newTestView(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var ed25519CodeHash [32]byte
	ed25519CodeHash[0] = 0x01
	script := append(append([]byte{}, ed25519CodeHash[:]...), pub...)
	fromID, err := view.CreateAccount(hashScriptForTest(script), script)
	if err != nil {
		t.Fatalf("create sender account: %v", err)
	}

	var sudtTypeHash [32]byte
	sudtTypeHash[0] = 0x02
	sudtScript := append([]byte{}, sudtTypeHash[:]...)
	toID, err := view.CreateAccount(hashScriptForTest(sudtScript), sudtScript)
	if err != nil {
		t.Fatalf("create recipient account: %v", err)
	}
	if err := view.MintSUDT(1, fromID, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	sigReg := sigalg.NewRegistry()
	sigReg.Register(ed25519CodeHash, sigalg.Ed25519{})

	backendReg := backend.NewRegistry()
	backendReg.Register(sudtTypeHash, sudt.Backend{SUDTID: 1})

	gen := New(sigReg, backendReg, 1_000_000)
	pool := NewCyclePool(1_000_000)

	var rollupTypeHash [32]byte
	rollupTypeHash[0] = 0xAA
	info := BlockInfo{RollupTypeHash: rollupTypeHash}

	args := transferArgsForTest(toID, 100)
	tx := RawTransaction{FromID: fromID, ToID: toID, Nonce: 0, Args: args}
	txBytes := encodeTxForTest(tx)
	message := signingMessage(rollupTypeHash, txBytes)
	tx.Signature = ed25519.Sign(priv, message[:])

	result, err := gen.RunTransaction(view, info, tx, txBytes, pool)
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(result.TouchedKeys) == 0 {
		t.Fatalf("expected at least one touched key")
	}

	nonce, err := view.GetNonce(fromID)
	if err != nil {
		t.Fatalf("get nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected nonce 1 after a successful transaction, got %d", nonce)
	}
}

func TestRunTransactionRejectsWrongNonce(t *testing.T) {
	view := newTestView(t)
	gen := New(sigalg.NewRegistry(), backend.NewRegistry(), 1000)
	pool := NewCyclePool(1000)
	tx := RawTransaction{FromID: 0, ToID: 0, Nonce: 99}
	_, err := gen.RunTransaction(view, BlockInfo{}, tx, nil, pool)
	if err == nil {
		t.Fatalf("expected an invalid-nonce error")
	}
}

func TestCyclePoolExhaustionDefers(t *testing.T) {
	pool := NewCyclePool(10)
	if pool.reserve(11) {
		t.Fatalf("expected reserve to fail when the pool is smaller than the request")
	}
	if !pool.reserve(10) {
		t.Fatalf("expected reserve to succeed exactly at the remaining budget")
	}
	if pool.Remaining() != 0 {
		t.Fatalf("expected pool to be drained, got %d remaining", pool.Remaining())
	}
}

func hashScriptForTest(script []byte) smt.H256 {
	return smt.H256(blake2bSum(script))
}

func encodeTxForTest(tx RawTransaction) []byte {
	buf := appendUint32(nil, tx.FromID)
	buf = appendUint32(buf, tx.ToID)
	buf = appendUint32(buf, tx.Nonce)
	buf = append(buf, tx.Args...)
	return buf
}

func transferArgsForTest(to uint32, amount uint64) []byte {
	out := make([]byte, 13)
	out[0] = sudt.SelectorTransfer
	out[1] = byte(to >> 24)
	out[2] = byte(to >> 16)
	out[3] = byte(to >> 8)
	out[4] = byte(to)
	for i := 0; i < 8; i++ {
		out[12-i] = byte(amount >> (8 * i))
	}
	return out
}
