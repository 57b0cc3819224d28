// Copyright 2025 Certen Protocol

package l1sync

import (
	"encoding/binary"
	"fmt"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/store"
)

// persistBlockIn records a confirmed block and its post global state in
// the caller's transaction, under ColumnBlock (by number, for sequential
// access), ColumnBlockHash (hash -> number, for parent-hash lookups
// during the common-ancestor walk), and ColumnGlobalState (by number,
// for rewinds).
func persistBlockIn(tx *store.Tx, blk *block.Block, global block.GlobalState) error {
	if err := tx.Set(store.ColumnBlock, numberKey(blk.Number), encodeBlock(blk)); err != nil {
		return err
	}
	if err := tx.Set(store.ColumnBlockHash, blk.Hash[:], numberKey(blk.Number)); err != nil {
		return err
	}
	return tx.Set(store.ColumnGlobalState, numberKey(blk.Number), EncodeGlobalState(global))
}

// persistBadBlock records a block that failed checkpoint verification
// under ColumnChallenge, keyed by its hash, so the fraud-proof verifier
// can later load the exact ChallengeTarget a local EnterChallenge/
// CancelChallenge cycle needs.
func (c *Chain) persistBadBlock(blk *block.Block, target ChallengeTarget) error {
	return c.backing.Update(func(tx *store.Tx) error {
		if err := tx.Set(store.ColumnChallenge, blk.Hash[:], encodeChallengeTarget(target)); err != nil {
			return err
		}
		return tx.Set(store.ColumnBlock, append([]byte("bad:"), blk.Hash[:]...), encodeBlock(blk))
	})
}

// loadBlockByHash resolves hash to its stored block, or (nil, nil) if
// hash is the zero hash (genesis's implicit parent).
func (c *Chain) loadBlockByHash(hash [32]byte) (*block.Block, error) {
	if hash == ([32]byte{}) {
		return nil, nil
	}
	var blk *block.Block
	err := c.backing.View(func(tx *store.Tx) error {
		numBytes, err := tx.Get(store.ColumnBlockHash, hash[:])
		if err != nil {
			return err
		}
		if numBytes == nil {
			return fmt.Errorf("l1sync: no block recorded for hash %x", hash)
		}
		raw, err := tx.Get(store.ColumnBlock, numBytes)
		if err != nil {
			return err
		}
		if raw == nil {
			return fmt.Errorf("l1sync: block number indexed but body missing for hash %x", hash)
		}
		blk, err = decodeBlock(raw)
		return err
	})
	return blk, err
}

// LoadBlockByNumber reads the stored block body at the given height, or
// (nil, nil) if that block was never confirmed locally.
func LoadBlockByNumber(backing *store.Store, number uint64) (*block.Block, error) {
	var out *block.Block
	err := backing.View(func(tx *store.Tx) error {
		raw, err := tx.Get(store.ColumnBlock, numberKey(number))
		if err != nil || raw == nil {
			return err
		}
		out, err = decodeBlock(raw)
		return err
	})
	return out, err
}

// LoadGlobalState reads the post global state persisted for a block
// number, or (nil, nil) if that block was never confirmed locally.
func LoadGlobalState(backing *store.Store, number uint64) (*block.GlobalState, error) {
	var out *block.GlobalState
	err := backing.View(func(tx *store.Tx) error {
		raw, err := tx.Get(store.ColumnGlobalState, numberKey(number))
		if err != nil || raw == nil {
			return err
		}
		gs, err := DecodeGlobalState(raw)
		if err != nil {
			return err
		}
		out = &gs
		return nil
	})
	return out, err
}

func numberKey(number uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, number)
	return buf
}

// encodeBlock serializes the fields a revert or an ancestor walk needs:
// identity, witness roots, and the account root immediately after this
// block, so a revert of the *next* block can reset to this one's.
func encodeBlock(blk *block.Block) []byte {
	buf := make([]byte, 0, 176)
	buf = append(buf, blk.ParentHash[:]...)
	buf = appendUint64(buf, blk.Number)
	buf = appendUint64(buf, blk.Timestamp)
	buf = append(buf, blk.TxWitnessRoot[:]...)
	buf = append(buf, blk.WithdrawalWitnessRoot[:]...)
	buf = append(buf, blk.PostAccountRoot[:]...)
	buf = append(buf, blk.Hash[:]...)
	return buf
}

func decodeBlock(raw []byte) (*block.Block, error) {
	const fixed = 32 + 8 + 8 + 32 + 32 + 32 + 32
	if len(raw) < fixed {
		return nil, fmt.Errorf("l1sync: encoded block too short: %d bytes", len(raw))
	}
	blk := &block.Block{}
	off := 0
	copy(blk.ParentHash[:], raw[off:off+32])
	off += 32
	blk.Number = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	blk.Timestamp = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	copy(blk.TxWitnessRoot[:], raw[off:off+32])
	off += 32
	copy(blk.WithdrawalWitnessRoot[:], raw[off:off+32])
	off += 32
	copy(blk.PostAccountRoot[:], raw[off:off+32])
	off += 32
	copy(blk.Hash[:], raw[off:off+32])
	return blk, nil
}

// EncodeGlobalState serializes a GlobalState for ColumnGlobalState and
// for the rollup cell's data field.
func EncodeGlobalState(gs block.GlobalState) []byte {
	buf := make([]byte, 0, 200)
	buf = append(buf, byte(gs.Status))
	buf = append(buf, gs.AccountRoot[:]...)
	buf = appendUint32(buf, gs.AccountCount)
	buf = append(buf, gs.BlockRoot[:]...)
	buf = append(buf, gs.TipBlockHash[:]...)
	buf = appendUint64(buf, gs.TipBlockNumber)
	buf = appendUint64(buf, gs.TipTimestamp)
	buf = appendUint64(buf, gs.LastFinalizedTimepoint)
	buf = append(buf, gs.RevertedBlockRoot[:]...)
	buf = append(buf, gs.RollupConfigHash[:]...)
	return buf
}

// DecodeGlobalState is the inverse of EncodeGlobalState.
func DecodeGlobalState(raw []byte) (block.GlobalState, error) {
	const fixed = 1 + 32 + 4 + 32 + 32 + 8 + 8 + 8 + 32 + 32
	var gs block.GlobalState
	if len(raw) < fixed {
		return gs, fmt.Errorf("l1sync: encoded global state too short: %d bytes", len(raw))
	}
	off := 0
	gs.Status = block.Status(raw[off])
	off++
	copy(gs.AccountRoot[:], raw[off:off+32])
	off += 32
	gs.AccountCount = binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	copy(gs.BlockRoot[:], raw[off:off+32])
	off += 32
	copy(gs.TipBlockHash[:], raw[off:off+32])
	off += 32
	gs.TipBlockNumber = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	gs.TipTimestamp = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	gs.LastFinalizedTimepoint = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	copy(gs.RevertedBlockRoot[:], raw[off:off+32])
	off += 32
	copy(gs.RollupConfigHash[:], raw[off:off+32])
	return gs, nil
}

func encodeChallengeTarget(t ChallengeTarget) []byte {
	buf := make([]byte, 0, 41)
	buf = append(buf, t.BlockHash[:]...)
	buf = appendUint64(buf, uint64(t.Index))
	buf = append(buf, byte(t.Kind))
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
