// Copyright 2025 Certen Protocol

package smt

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/rollupcore/optiroll/pkg/store"
)

func h256(b byte) H256 {
	var h H256
	h[31] = b
	return h
}

func newTestTx(t *testing.T) (*store.Store, *store.Tx) {
	t.Helper()
	s := store.Open(dbm.NewMemDB())
	tx, err := s.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return s, tx
}

func TestEmptyTreeRootIsZero(t *testing.T) {
	_, tx := newTestTx(t)
	tree := New(tx, Zero)
	if !tree.Root().IsZero() {
		t.Fatalf("empty tree root should be zero")
	}
}

func TestSingleLeafRoundTrip(t *testing.T) {
	s, tx := newTestTx(t)
	defer s.Close()

	tree := New(tx, Zero)
	key := h256(0x01)
	val := h256(0x42)

	if err := tree.Update(key, val); err != nil {
		t.Fatalf("update: %v", err)
	}
	if tree.Root().IsZero() {
		t.Fatalf("root should not be zero after insert")
	}

	got, err := tree.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != val {
		t.Fatalf("get = %x, want %x", got, val)
	}
}

func TestDeleteRestoresEmptyRoot(t *testing.T) {
	s, tx := newTestTx(t)
	defer s.Close()

	tree := New(tx, Zero)
	key := h256(0x07)
	if err := tree.Update(key, h256(0x09)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tree.Update(key, Zero); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !tree.Root().IsZero() {
		t.Fatalf("root should return to zero after deleting the only leaf")
	}
	got, err := tree.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("deleted leaf should read back as zero")
	}
}

func TestMerkleProofVerifies(t *testing.T) {
	s, tx := newTestTx(t)
	defer s.Close()

	tree := New(tx, Zero)
	keys := []H256{h256(0x01), h256(0x02), h256(0xFE)}
	vals := []H256{h256(0x11), h256(0x22), h256(0x33)}
	for i, k := range keys {
		if err := tree.Update(k, vals[i]); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	root := tree.Root()
	for i, k := range keys {
		proof, err := tree.MerkleProof(k)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if !VerifyProof(root, []Leaf{{Key: k, Value: vals[i]}}, proof) {
			t.Fatalf("proof %d failed to verify", i)
		}
		if VerifyProof(root, []Leaf{{Key: k, Value: h256(0xAA)}}, proof) {
			t.Fatalf("proof %d verified against wrong value", i)
		}
	}
}

// A compiled proof over any consistent leaf set must recompute the live
// root, whichever subset of keys it covers.
func TestCompiledProofRoundTrip(t *testing.T) {
	s, tx := newTestTx(t)
	defer s.Close()

	tree := New(tx, Zero)
	var live []Leaf
	for i := 1; i <= 9; i++ {
		k := h256(byte(i * 7))
		v := h256(byte(0x40 + i))
		if err := tree.Update(k, v); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		live = append(live, Leaf{Key: k, Value: v})
	}
	root := tree.Root()

	cases := [][]Leaf{
		live,                         // every live leaf
		{live[0], live[3], live[8]},  // sparse subset
		{live[2], {Key: h256(0xEE)}}, // mix of live and absent
		{{Key: h256(0xDD)}},          // pure non-inclusion
		{live[4], live[5]},           // adjacent keys sharing a deep prefix
	}
	for i, leaves := range cases {
		keys := make([]H256, len(leaves))
		for j, l := range leaves {
			keys[j] = l.Key
		}
		proof, err := tree.MerkleProof(keys...)
		if err != nil {
			t.Fatalf("case %d: proof: %v", i, err)
		}
		got, err := ComputeRoot(leaves, proof)
		if err != nil {
			t.Fatalf("case %d: compute root: %v", i, err)
		}
		if got != root {
			t.Fatalf("case %d: compiled proof recomputed %x, live root is %x", i, got, root)
		}
	}

	// Tampering with any one value must break the whole proof.
	keys := make([]H256, len(live))
	for j, l := range live {
		keys[j] = l.Key
	}
	proof, err := tree.MerkleProof(keys...)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	tampered := append([]Leaf{}, live...)
	tampered[3].Value = h256(0xAB)
	if VerifyProof(root, tampered, proof) {
		t.Fatalf("tampered leaf set must not verify")
	}

	// A proof compiled for one key set must not verify a different set.
	if VerifyProof(root, live[:2], proof) {
		t.Fatalf("proof for nine keys must not verify two")
	}
}

func TestNonInclusionProof(t *testing.T) {
	s, tx := newTestTx(t)
	defer s.Close()

	tree := New(tx, Zero)
	if err := tree.Update(h256(0x01), h256(0x11)); err != nil {
		t.Fatalf("update: %v", err)
	}
	root := tree.Root()

	absentKey := h256(0x02)
	proof, err := tree.MerkleProof(absentKey)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if !VerifyProof(root, []Leaf{{Key: absentKey, Value: Zero}}, proof) {
		t.Fatalf("non-inclusion proof should verify with Zero value")
	}
}
