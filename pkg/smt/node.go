// Copyright 2025 Certen Protocol

// Package smt implements the sparse Merkle tree the rollup state view is
// built on: 256-bit keys, a tree height of 256, and a three-variant branch
// node encoding (Value / MergeWithZero / ShortCut) chosen to keep mostly-
// empty subtrees cheap to store and prove.
package smt

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Height is the fixed depth of the tree: one level per bit of a 256-bit key.
const Height = 256

// H256 is a 256-bit tree key, leaf value, or node hash.
type H256 [32]byte

// Zero is the all-zero H256, representing an empty leaf or empty subtree.
var Zero H256

// IsZero reports whether h is the all-zero value.
func (h H256) IsZero() bool {
	return h == Zero
}

// Bit returns the bit of h at the given height, where height 0 is the
// least-significant bit (leaf level) and height 255 is the most
// significant bit (root level) — matching the tree's top-down descent
// from height 255 to height 0.
func (h H256) Bit(height int) bool {
	byteIdx := 31 - height/8
	bitIdx := uint(height % 8)
	return h[byteIdx]&(1<<bitIdx) != 0
}

// WithBit returns a copy of h with bit i set or cleared, using the same
// bit ordering as Bit. Used to build the ZeroBits bitmap of a
// MergeWithZero node.
func (h H256) WithBit(i int, v bool) H256 {
	out := h
	byteIdx := 31 - i/8
	bitIdx := uint(i % 8)
	if v {
		out[byteIdx] |= 1 << bitIdx
	} else {
		out[byteIdx] &^= 1 << bitIdx
	}
	return out
}

// ParentPath returns h with every bit below the given height cleared,
// i.e. the common key prefix shared by every leaf under the branch node
// at (h, height). This is the node_key half of the on-disk branch key.
func (h H256) ParentPath(height int) H256 {
	var out H256
	fullBytes := height / 8
	copy(out[:32-fullBytes], h[:32-fullBytes])
	rem := height % 8
	if rem > 0 {
		idx := 31 - fullBytes
		mask := byte(0xFF << rem)
		out[idx] = h[idx] & mask
	}
	return out
}

// MergeValueKind selects which of the three branch-node encodings a
// MergeValue holds.
type MergeValueKind byte

const (
	KindValue         MergeValueKind = 0
	KindMergeWithZero MergeValueKind = 1
	KindShortCut      MergeValueKind = 2
)

// MergeValue is one side (left or right) of a BranchNode. Exactly one of
// the three shapes below is populated, selected by Kind:
//
//   - Value: the side is a fully materialized subtree hash.
//   - MergeWithZero: the side is a subtree whose sibling chain down to
//     some BaseNode is entirely zero for ZeroCount consecutive heights,
//     recorded as a zero-bitmap (ZeroBits) rather than walked node by
//     node — this is what keeps sparse trees cheap.
//   - ShortCut: the side is a single leaf (or a chain that collapses to
//     one) reachable without intermediate branch nodes, recorded
//     directly as (Key, Value, Height).
type MergeValue struct {
	Kind MergeValueKind

	// KindValue
	Value H256

	// KindMergeWithZero
	BaseNode  H256
	ZeroBits  H256
	ZeroCount uint8

	// KindShortCut
	Key         H256
	ShortValue  H256
	ShortHeight uint8
}

// MergeValueFromH256 wraps a fully materialized hash.
func MergeValueFromH256(v H256) MergeValue {
	return MergeValue{Kind: KindValue, Value: v}
}

// MergeValueZero is the canonical empty-subtree MergeValue.
func MergeValueZero() MergeValue {
	return MergeValue{Kind: KindValue, Value: Zero}
}

// Hash collapses a MergeValue down to the 32-byte hash it contributes to
// its parent BranchNode.
func (m MergeValue) Hash() H256 {
	switch m.Kind {
	case KindValue:
		return m.Value
	case KindMergeWithZero:
		// Collapses a run of ZeroCount consecutive heights whose other
		// side was always the empty subtree into one value, by replaying
		// the same branch merges an uncompressed walk would have done.
		// This keeps Hash() identical to what a dense, per-height walk
		// would compute, so proofs never need to know a run was folded.
		acc := m.BaseNode
		for i := 0; i < int(m.ZeroCount); i++ {
			onRight := m.ZeroBits.Bit(i)
			var bn BranchNode
			if onRight {
				bn = BranchNode{Left: MergeValueZero(), Right: MergeValueFromH256(acc)}
			} else {
				bn = BranchNode{Left: MergeValueFromH256(acc), Right: MergeValueZero()}
			}
			acc = bn.MergeHash()
		}
		return acc
	case KindShortCut:
		if m.ShortValue.IsZero() {
			return Zero
		}
		h, _ := blake2b.New256(nil)
		h.Write([]byte("SMT_SHORTCUT"))
		h.Write(m.Key[:])
		h.Write(m.ShortValue[:])
		h.Write([]byte{m.ShortHeight})
		var out H256
		copy(out[:], h.Sum(nil))
		return out
	default:
		return Zero
	}
}

// BranchNode is the two-child internal node of the tree.
type BranchNode struct {
	Left  MergeValue
	Right MergeValue
}

// ErrCorruptNode is returned when a stored branch node fails to decode.
var ErrCorruptNode = errors.New("smt: corrupt branch node encoding")

// Tag encodes (Left.Kind, Right.Kind) as a single byte in [0,9), the way
// the tree's nine (left,right) combinations are distinguished on disk.
func (b BranchNode) Tag() byte {
	return byte(b.Left.Kind)*3 + byte(b.Right.Kind)
}

// MergeHash computes the parent hash contributed by this branch node.
func (b BranchNode) MergeHash() H256 {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("SMT_BRANCH"))
	lh := b.Left.Hash()
	rh := b.Right.Hash()
	h.Write(lh[:])
	h.Write(rh[:])
	var out H256
	copy(out[:], h.Sum(nil))
	return out
}

// BranchKey is the on-disk key for a branch node: node_key(32) || height(1).
type BranchKey struct {
	NodeKey H256
	Height  uint8
}

// Encode returns the 33-byte on-disk representation.
func (k BranchKey) Encode() []byte {
	out := make([]byte, 33)
	copy(out[:32], k.NodeKey[:])
	out[32] = k.Height
	return out
}

// DecodeBranchKey parses a 33-byte on-disk branch key.
func DecodeBranchKey(b []byte) (BranchKey, error) {
	if len(b) != 33 {
		return BranchKey{}, ErrCorruptNode
	}
	var k BranchKey
	copy(k.NodeKey[:], b[:32])
	k.Height = b[32]
	return k, nil
}

func encodeMergeValue(m MergeValue) []byte {
	out := make([]byte, 0, 1+32+32+32+1)
	out = append(out, byte(m.Kind))
	switch m.Kind {
	case KindValue:
		out = append(out, m.Value[:]...)
	case KindMergeWithZero:
		out = append(out, m.BaseNode[:]...)
		out = append(out, m.ZeroBits[:]...)
		out = append(out, m.ZeroCount)
	case KindShortCut:
		out = append(out, m.Key[:]...)
		out = append(out, m.ShortValue[:]...)
		out = append(out, m.ShortHeight)
	}
	return out
}

func decodeMergeValue(b []byte) (MergeValue, int, error) {
	if len(b) < 1 {
		return MergeValue{}, 0, ErrCorruptNode
	}
	kind := MergeValueKind(b[0])
	switch kind {
	case KindValue:
		if len(b) < 33 {
			return MergeValue{}, 0, ErrCorruptNode
		}
		var v H256
		copy(v[:], b[1:33])
		return MergeValue{Kind: KindValue, Value: v}, 33, nil
	case KindMergeWithZero:
		if len(b) < 66 {
			return MergeValue{}, 0, ErrCorruptNode
		}
		var base, zb H256
		copy(base[:], b[1:33])
		copy(zb[:], b[33:65])
		return MergeValue{Kind: KindMergeWithZero, BaseNode: base, ZeroBits: zb, ZeroCount: b[65]}, 66, nil
	case KindShortCut:
		if len(b) < 66 {
			return MergeValue{}, 0, ErrCorruptNode
		}
		var key, val H256
		copy(key[:], b[1:33])
		copy(val[:], b[33:65])
		return MergeValue{Kind: KindShortCut, Key: key, ShortValue: val, ShortHeight: b[65]}, 66, nil
	default:
		return MergeValue{}, 0, ErrCorruptNode
	}
}

// EncodeBranchNode serializes a BranchNode for storage under ColumnSMTBranch.
func EncodeBranchNode(b BranchNode) []byte {
	left := encodeMergeValue(b.Left)
	right := encodeMergeValue(b.Right)
	out := make([]byte, 0, 1+8+len(left)+len(right))
	out = append(out, b.Tag())
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(left)))
	out = append(out, lenBuf[:]...)
	out = append(out, left...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(right)))
	out = append(out, lenBuf[:]...)
	out = append(out, right...)
	return out
}

// DecodeBranchNode parses the encoding produced by EncodeBranchNode.
func DecodeBranchNode(b []byte) (BranchNode, error) {
	if len(b) < 1+4 {
		return BranchNode{}, ErrCorruptNode
	}
	pos := 1
	leftLen := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if pos+int(leftLen)+4 > len(b) {
		return BranchNode{}, ErrCorruptNode
	}
	left, _, err := decodeMergeValue(b[pos : pos+int(leftLen)])
	if err != nil {
		return BranchNode{}, err
	}
	pos += int(leftLen)
	rightLen := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if pos+int(rightLen) > len(b) {
		return BranchNode{}, ErrCorruptNode
	}
	right, _, err := decodeMergeValue(b[pos : pos+int(rightLen)])
	if err != nil {
		return BranchNode{}, err
	}
	return BranchNode{Left: left, Right: right}, nil
}
