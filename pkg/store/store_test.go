// Copyright 2025 Certen Protocol

package store

import (
	"bytes"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return Open(dbm.NewMemDB())
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.Update(func(tx *Tx) error {
		return tx.Set(ColumnAccount, []byte("k1"), []byte("v1"))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	var got []byte
	if err := s.View(func(tx *Tx) error {
		v, err := tx.Get(ColumnAccount, []byte("k1"))
		got = v
		return err
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("got %q, want %q", got, "v1")
	}
}

func TestWriteWriteConflict(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.Update(func(tx *Tx) error {
		return tx.Set(ColumnAccount, []byte("k"), []byte("0"))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txA, err := s.Begin()
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	txB, err := s.Begin()
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}

	if _, err := txA.Get(ColumnAccount, []byte("k")); err != nil {
		t.Fatalf("read a: %v", err)
	}
	if _, err := txB.Get(ColumnAccount, []byte("k")); err != nil {
		t.Fatalf("read b: %v", err)
	}

	if err := txA.Set(ColumnAccount, []byte("k"), []byte("a")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := txA.Commit(); err != nil {
		t.Fatalf("commit a: %v", err)
	}

	if err := txB.Set(ColumnAccount, []byte("k"), []byte("b")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := txB.Commit(); err != ErrConflict {
		t.Fatalf("commit b: got %v, want ErrConflict", err)
	}
}

func TestSeekForPrev(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	keys := [][]byte{{0x01}, {0x03}, {0x05}}
	if err := s.Update(func(tx *Tx) error {
		for _, k := range keys {
			if err := tx.Set(ColumnIndex, k, k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.View(func(tx *Tx) error {
		k, v, err := tx.SeekForPrev(ColumnIndex, []byte{0x04})
		if err != nil {
			return err
		}
		if !bytes.Equal(k, []byte{0x03}) || !bytes.Equal(v, []byte{0x03}) {
			t.Fatalf("seek_for_prev(0x04) = %x, want 0x03", k)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.MigrateUp(); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := s.MigrateUp(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestIterWalksOneColumnInOrder(t *testing.T) {
	s := Open(dbm.NewMemDB())
	defer s.Close()

	err := s.Update(func(tx *Tx) error {
		for _, k := range []string{"b", "a", "c"} {
			if err := tx.Set(ColumnBlock, []byte(k), []byte("v-"+k)); err != nil {
				return err
			}
		}
		// A neighboring column must not leak into the scan.
		return tx.Set(ColumnBlockHash, []byte("zz"), []byte("other"))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	var keys []string
	it, err := tx.Iter(ColumnBlock, IterForward)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Close()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("forward walk = %v, want [a b c]", keys)
	}

	keys = nil
	rit, err := tx.Iter(ColumnBlock, IterBackward)
	if err != nil {
		t.Fatalf("reverse iter: %v", err)
	}
	for ; rit.Valid(); rit.Next() {
		keys = append(keys, string(rit.Key()))
	}
	rit.Close()
	if len(keys) != 3 || keys[0] != "c" {
		t.Fatalf("backward walk = %v, want [c b a]", keys)
	}
}
