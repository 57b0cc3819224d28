// Copyright 2025 Certen Protocol

package smt

import (
	"bytes"
	"errors"
	"sort"

	"github.com/rollupcore/optiroll/pkg/store"
)

// Tree is a sparse Merkle tree view rooted at Root, read and written
// through a store.Tx. Multiple Tree values can share one transaction
// (e.g. the account tree and a per-account storage tree both live in
// ColumnSMTBranch, distinguished by the key namespace the caller chooses).
type Tree struct {
	tx   *store.Tx
	root H256
}

// New wraps an existing transaction at the given root. Pass smt.Zero for
// a brand-new, empty tree.
func New(tx *store.Tx, root H256) *Tree {
	return &Tree{tx: tx, root: root}
}

// Root returns the tree's current root hash.
func (t *Tree) Root() H256 {
	return t.root
}

func (t *Tree) loadBranch(nodeKey H256, height uint8) (BranchNode, bool, error) {
	key := BranchKey{NodeKey: nodeKey, Height: height}.Encode()
	raw, err := t.tx.Get(store.ColumnSMTBranch, key)
	if err != nil {
		return BranchNode{}, false, err
	}
	if raw == nil {
		return BranchNode{}, false, nil
	}
	bn, err := DecodeBranchNode(raw)
	if err != nil {
		return BranchNode{}, false, err
	}
	return bn, true, nil
}

func (t *Tree) storeBranch(nodeKey H256, height uint8, bn BranchNode) error {
	key := BranchKey{NodeKey: nodeKey, Height: height}.Encode()
	return t.tx.Set(store.ColumnSMTBranch, key, EncodeBranchNode(bn))
}

func (t *Tree) deleteBranch(nodeKey H256, height uint8) error {
	key := BranchKey{NodeKey: nodeKey, Height: height}.Encode()
	return t.tx.Delete(store.ColumnSMTBranch, key)
}

// Get returns the leaf value stored at key, or Zero if key has never been
// set (or was last set to Zero, which is treated as deletion).
func (t *Tree) Get(key H256) (H256, error) {
	v, err := t.tx.Get(store.ColumnSMTLeaf, key[:])
	if err != nil {
		return Zero, err
	}
	if v == nil {
		return Zero, nil
	}
	var out H256
	copy(out[:], v)
	return out, nil
}

// Update sets key to value (Zero deletes), recomputes every branch node
// on the root-to-leaf path, and updates t.root. Heights where the other
// side of the branch is the empty subtree are folded into a
// MergeWithZero run for the hash, so the root never depends on how a
// run was compressed; the branch at each such height is still persisted
// (with the run-so-far as its occupied side) so that later updates and
// proof compilation descending a neighboring path can see the folded
// subtree.
func (t *Tree) Update(key, value H256) error {
	if value.IsZero() {
		if err := t.tx.Delete(store.ColumnSMTLeaf, key[:]); err != nil {
			return err
		}
	} else {
		if err := t.tx.Set(store.ColumnSMTLeaf, key[:], value[:]); err != nil {
			return err
		}
	}

	child := MergeValueFromH256(value)
	zeroRun := 0
	var zeroBits H256
	var zeroBase H256

	flushRun := func() {
		if zeroRun == 0 {
			return
		}
		child = MergeValue{Kind: KindMergeWithZero, BaseNode: zeroBase, ZeroBits: zeroBits, ZeroCount: uint8(zeroRun)}
		zeroRun = 0
		zeroBits = Zero
	}

	for h := 0; h < Height; h++ {
		nodeKey := key.ParentPath(h + 1)
		existing, ok, err := t.loadBranch(nodeKey, uint8(h))
		if err != nil {
			return err
		}
		bit := key.Bit(h)
		var sibling MergeValue
		if ok {
			if bit {
				sibling = existing.Left
			} else {
				sibling = existing.Right
			}
		} else {
			sibling = MergeValueZero()
		}

		if sibling.Hash().IsZero() {
			if child.Hash().IsZero() {
				// Both sides empty: nothing to persist, nothing to fold.
				if ok {
					if err := t.deleteBranch(nodeKey, uint8(h)); err != nil {
						return err
					}
				}
				continue
			}
			occupied := child
			if zeroRun > 0 {
				occupied = MergeValue{Kind: KindMergeWithZero, BaseNode: zeroBase, ZeroBits: zeroBits, ZeroCount: uint8(zeroRun)}
			}
			var bn BranchNode
			if bit {
				bn = BranchNode{Left: MergeValueZero(), Right: occupied}
			} else {
				bn = BranchNode{Left: occupied, Right: MergeValueZero()}
			}
			if err := t.storeBranch(nodeKey, uint8(h), bn); err != nil {
				return err
			}
			if zeroRun == 0 {
				zeroBase = child.Hash()
			}
			zeroBits = zeroBits.WithBit(zeroRun, bit)
			zeroRun++
			if zeroRun == 255 {
				// ZeroCount is a uint8, so a run this long is folded into a
				// plain hash before it can overflow.
				flushRun()
				child = MergeValueFromH256(child.Hash())
			}
			continue
		}

		flushRun()

		var bn BranchNode
		if bit {
			bn = BranchNode{Left: sibling, Right: child}
		} else {
			bn = BranchNode{Left: child, Right: sibling}
		}
		if err := t.storeBranch(nodeKey, uint8(h), bn); err != nil {
			return err
		}
		child = MergeValueFromH256(bn.MergeHash())
	}
	flushRun()

	t.root = child.Hash()
	return nil
}

// Leaf is one (key, value) pair covered by a compiled Proof. A Zero
// value states non-inclusion.
type Leaf struct {
	Key   H256
	Value H256
}

// Proof is a compiled proof covering one or more keys: only the sibling
// subtrees that cannot be derived from the covered leaves themselves,
// recorded in the deterministic bottom-up, key-sorted order ComputeRoot
// replays. A verifier needs no access to the store.
type Proof struct {
	Siblings []MergeValue
}

// siblingKey returns the key of the other child under the same parent
// at the given height.
func siblingKey(nodeKey H256, height int) H256 {
	return nodeKey.WithBit(height, !nodeKey.Bit(height))
}

func sortedUniqueKeys(keys []H256) []H256 {
	out := make([]H256, 0, len(keys))
	seen := make(map[H256]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// MerkleProof compiles one minimal shared proof covering every listed
// key against the tree's current root. Where two covered keys meet
// under one parent their merge is derivable, so no sibling is emitted
// for that node.
func (t *Tree) MerkleProof(keys ...H256) (*Proof, error) {
	cur := sortedUniqueKeys(keys)
	if len(cur) == 0 {
		return nil, errors.New("smt: a proof must cover at least one key")
	}

	proof := &Proof{}
	for h := 0; h < Height; h++ {
		curSet := make(map[H256]struct{}, len(cur))
		for _, nk := range cur {
			curSet[nk] = struct{}{}
		}
		var next []H256
		nextSeen := make(map[H256]struct{}, len(cur))
		for _, nk := range cur {
			parent := nk.ParentPath(h + 1)
			if _, ok := nextSeen[parent]; ok {
				continue // second child of a covered pair
			}
			nextSeen[parent] = struct{}{}
			next = append(next, parent)

			if _, ok := curSet[siblingKey(nk, h)]; ok {
				continue // sibling derivable from the other covered leaf
			}
			existing, ok, err := t.loadBranch(parent, uint8(h))
			if err != nil {
				return nil, err
			}
			sibling := MergeValueZero()
			if ok {
				if nk.Bit(h) {
					sibling = existing.Left
				} else {
					sibling = existing.Right
				}
			}
			proof.Siblings = append(proof.Siblings, sibling)
		}
		cur = next
	}
	return proof, nil
}

// ComputeRoot replays proof against the leaf set and returns the
// resulting root hash, without needing the underlying store. The leaves
// must be exactly the keys the proof was compiled for.
func ComputeRoot(leaves []Leaf, proof *Proof) (H256, error) {
	if len(leaves) == 0 {
		return Zero, errors.New("smt: a proof must cover at least one leaf")
	}
	values := make(map[H256]MergeValue, len(leaves))
	cur := make([]H256, 0, len(leaves))
	for _, l := range leaves {
		if _, ok := values[l.Key]; ok {
			return Zero, errors.New("smt: duplicate leaf key")
		}
		values[l.Key] = MergeValueFromH256(l.Value)
		cur = append(cur, l.Key)
	}
	sort.Slice(cur, func(i, j int) bool {
		return bytes.Compare(cur[i][:], cur[j][:]) < 0
	})

	idx := 0
	for h := 0; h < Height; h++ {
		var next []H256
		nextValues := make(map[H256]MergeValue, len(cur))
		for _, nk := range cur {
			parent := nk.ParentPath(h + 1)
			if _, ok := nextValues[parent]; ok {
				continue
			}

			own := values[nk]
			sibling, derived := values[siblingKey(nk, h)]
			if !derived {
				if idx >= len(proof.Siblings) {
					return Zero, errors.New("smt: proof is missing siblings for the leaf set")
				}
				sibling = proof.Siblings[idx]
				idx++
			}

			var bn BranchNode
			if nk.Bit(h) {
				bn = BranchNode{Left: sibling, Right: own}
			} else {
				bn = BranchNode{Left: own, Right: sibling}
			}
			merged := MergeValueZero()
			if !bn.Left.Hash().IsZero() || !bn.Right.Hash().IsZero() {
				merged = MergeValueFromH256(bn.MergeHash())
			}
			nextValues[parent] = merged
			next = append(next, parent)
		}
		cur = next
		values = nextValues
	}
	if idx != len(proof.Siblings) {
		return Zero, errors.New("smt: proof carries siblings the leaf set never consumed")
	}
	return values[cur[0]].Hash(), nil
}

// VerifyProof reports whether proof demonstrates that every leaf holds
// under root.
func VerifyProof(root H256, leaves []Leaf, proof *Proof) bool {
	got, err := ComputeRoot(leaves, proof)
	return err == nil && got == root
}
