// Copyright 2025 Certen Protocol

// Package block implements the block producer: it assembles a candidate
// mem-block into a submittable L2 block, computing witness roots, the
// per-item state checkpoint list, the block SMT proof, and the resulting
// post_global_state.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/merkle"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
)

// FinalityMode selects how a block's finalization timepoint is computed.
// It is set from the rollup config's finality_mode value.
type FinalityMode int

const (
	FinalityByBlockNumber FinalityMode = iota
	FinalityByTimestamp
)

// CheckpointMode selects whether deposits and withdrawals each get
// their own checkpoint or share one. It is set from the rollup config's
// checkpoint_mode value; the global state carries no protocol-version
// field that selects it.
type CheckpointMode int

const (
	CheckpointPerItem CheckpointMode = iota
	CheckpointCombinedWithdrawalsAndDeposits
)

// Status mirrors the rollup cell's on-chain status field.
type Status uint8

const (
	StatusRunning Status = iota
	StatusHalting
)

// Config parameterizes block production.
type Config struct {
	FinalityMode     FinalityMode
	FinalityBlocks   uint64
	FinalityDuration uint64
	CheckpointMode   CheckpointMode
	RollupConfigHash [32]byte
}

// GlobalState is the rollup cell's authenticated summary of chain state,
// the value committed on L1 after every submitted block.
type GlobalState struct {
	Status                 Status
	AccountRoot            smt.H256
	AccountCount           uint32
	BlockRoot              smt.H256
	TipBlockHash           [32]byte
	TipBlockNumber         uint64
	TipTimestamp           uint64
	LastFinalizedTimepoint uint64
	RevertedBlockRoot      smt.H256
	RollupConfigHash       [32]byte
}

// Block is one produced L2 block. KvState snapshots every key the
// block's execution touched, with one compiled proof against
// PostAccountRoot, so a fraud proof can replay any step without the
// full tree.
type Block struct {
	Number                uint64
	ParentHash            [32]byte
	Timestamp             uint64
	TxWitnessRoot         [32]byte
	WithdrawalWitnessRoot [32]byte
	StateCheckpointList   []smt.H256
	PostAccountRoot       smt.H256
	KvState               []smt.Leaf
	KvStateProof          *smt.Proof
	Transactions          []mempool.AppliedTransaction
	Withdrawals           []mempool.AppliedWithdrawal
	Deposits              []mempool.AppliedDeposit
	Hash                  [32]byte
}

// Producer assembles candidate mem-blocks into submittable blocks and
// maintains the block SMT (block_number -> block_hash) used both for the
// block inclusion proof on L1 and, later, for pkg/l1sync's revert walk.
type Producer struct {
	cfg       Config
	blockTree *smt.Tree
}

// New returns a Producer that records produced blocks into blockTree.
func New(cfg Config, blockTree *smt.Tree) *Producer {
	return &Producer{cfg: cfg, blockTree: blockTree}
}

// Produce builds a Block from candidate, the view it was executed
// against, and the previous block's GlobalState.
func (p *Producer) Produce(candidate *mempool.Block, view *state.View, parentHash [32]byte, number, timestamp uint64, prev GlobalState) (*Block, *GlobalState, error) {
	txWitnessRoot, err := witnessRoot(len(candidate.Transactions), func(i int) []byte {
		return witnessHashTx(candidate.Transactions[i])
	})
	if err != nil {
		return nil, nil, fmt.Errorf("block: compute tx witness root: %w", err)
	}
	withdrawalWitnessRoot, err := witnessRoot(len(candidate.Withdrawals), func(i int) []byte {
		return witnessHashWithdrawal(candidate.Withdrawals[i])
	})
	if err != nil {
		return nil, nil, fmt.Errorf("block: compute withdrawal witness root: %w", err)
	}

	checkpoints := p.stateCheckpointList(candidate)

	kvState, kvProof, err := snapshotTouched(view)
	if err != nil {
		return nil, nil, fmt.Errorf("block: compile kv_state proof: %w", err)
	}

	accountRoot := view.Root()
	blk := &Block{
		Number:                number,
		ParentHash:            parentHash,
		Timestamp:             timestamp,
		TxWitnessRoot:         txWitnessRoot,
		WithdrawalWitnessRoot: withdrawalWitnessRoot,
		StateCheckpointList:   checkpoints,
		PostAccountRoot:       accountRoot,
		KvState:               kvState,
		KvStateProof:          kvProof,
		Transactions:          candidate.Transactions,
		Withdrawals:           candidate.Withdrawals,
		Deposits:              candidate.Deposits,
	}
	blk.Hash = hashBlock(blk)

	postBlockRoot, err := p.insertBlock(blk)
	if err != nil {
		return nil, nil, fmt.Errorf("block: insert into block tree: %w", err)
	}

	finalized := p.finalize(number, timestamp, prev)

	accountCount, err := view.AccountCount()
	if err != nil {
		return nil, nil, fmt.Errorf("block: read account count: %w", err)
	}

	post := &GlobalState{
		Status:                 StatusRunning,
		AccountRoot:            accountRoot,
		AccountCount:           accountCount,
		BlockRoot:              postBlockRoot,
		TipBlockHash:           blk.Hash,
		TipBlockNumber:         number,
		TipTimestamp:           timestamp,
		LastFinalizedTimepoint: finalized,
		RevertedBlockRoot:      prev.RevertedBlockRoot,
		RollupConfigHash:       p.cfg.RollupConfigHash,
	}
	return blk, post, nil
}

// stateCheckpointList compiles the ordered checkpoint list the fraud
// proof verifier later replays step by step, honoring CheckpointMode.
func (p *Producer) stateCheckpointList(candidate *mempool.Block) []smt.H256 {
	var out []smt.H256
	switch p.cfg.CheckpointMode {
	case CheckpointCombinedWithdrawalsAndDeposits:
		if n := len(candidate.Withdrawals) + len(candidate.Deposits); n > 0 {
			if len(candidate.Deposits) > 0 {
				out = append(out, candidate.Deposits[len(candidate.Deposits)-1].Checkpoint)
			} else {
				out = append(out, candidate.Withdrawals[len(candidate.Withdrawals)-1].Checkpoint)
			}
		}
	default: // CheckpointPerItem
		for _, w := range candidate.Withdrawals {
			out = append(out, w.Checkpoint)
		}
		for _, d := range candidate.Deposits {
			out = append(out, d.Checkpoint)
		}
	}
	for _, t := range candidate.Transactions {
		out = append(out, t.Checkpoint)
	}
	return out
}

// finalize computes last_finalized_timepoint under the configured
// finality mode.
func (p *Producer) finalize(tipNumber, tipTimestamp uint64, prev GlobalState) uint64 {
	return p.cfg.NextFinalizedTimepoint(tipNumber, tipTimestamp, prev.LastFinalizedTimepoint)
}

// NextFinalizedTimepoint computes the last_finalized_timepoint a block at
// (tipNumber, tipTimestamp) carries: block-number-based (v1) or
// timestamp-based (v2). Never moves backward, so the finalized timepoint
// stays monotonic across Running transitions.
func (cfg Config) NextFinalizedTimepoint(tipNumber, tipTimestamp, prevFinalized uint64) uint64 {
	var next uint64
	switch cfg.FinalityMode {
	case FinalityByTimestamp:
		if tipTimestamp < cfg.FinalityDuration {
			return prevFinalized
		}
		next = tipTimestamp - cfg.FinalityDuration
	default: // FinalityByBlockNumber
		if tipNumber < cfg.FinalityBlocks {
			return prevFinalized
		}
		next = tipNumber - cfg.FinalityBlocks
	}
	if next < prevFinalized {
		return prevFinalized
	}
	return next
}

// IsFinalized reports whether a withdrawal created at
// blockNumber/blockTimestamp can no longer be challenged relative to the
// given tip.
func (cfg Config) IsFinalized(blockNumber, blockTimestamp, tipNumber, tipTimestamp uint64) bool {
	if cfg.FinalityMode == FinalityByTimestamp {
		return blockTimestamp+cfg.FinalityDuration <= tipTimestamp
	}
	return blockNumber+cfg.FinalityBlocks <= tipNumber
}

// insertBlock writes (block_number -> block_hash) into the block SMT and
// returns the new root committed on L1 as the post-block block root.
func (p *Producer) insertBlock(blk *Block) (smt.H256, error) {
	key := SMTKey(blk.Number)
	var value smt.H256
	copy(value[:], blk.Hash[:])
	if err := p.blockTree.Update(key, value); err != nil {
		return smt.Zero, err
	}
	return p.blockTree.Root(), nil
}

// snapshotTouched collects every key the view's execution touched,
// reads their current values, and compiles one proof over all of them
// against the view's root. Sorted so the snapshot is deterministic.
func snapshotTouched(view *state.View) ([]smt.Leaf, *smt.Proof, error) {
	keys := view.TouchedKeys()
	if len(keys) == 0 {
		return nil, nil, nil
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	leaves := make([]smt.Leaf, 0, len(keys))
	for _, k := range keys {
		v, err := view.LeafValue(k)
		if err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, smt.Leaf{Key: k, Value: v})
	}
	proof, err := view.MerkleProof(keys...)
	if err != nil {
		return nil, nil, err
	}
	return leaves, proof, nil
}

// SMTKey derives the block tree key for a block number. The sync side
// uses the same derivation when it replays another operator's blocks.
func SMTKey(number uint64) smt.H256 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)
	sum := blake2b.Sum256(buf[:])
	return smt.H256(sum)
}

func witnessHashTx(t mempool.AppliedTransaction) []byte {
	buf := make([]byte, 0, 16)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], t.Tx.FromID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], t.Tx.ToID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], t.Tx.Nonce)
	buf = append(buf, tmp[:]...)
	buf = append(buf, t.Tx.Args...)
	buf = append(buf, t.Tx.Signature...)
	sum := blake2b.Sum256(buf)
	return sum[:]
}

func witnessHashWithdrawal(w mempool.AppliedWithdrawal) []byte {
	buf := make([]byte, 0, 16)
	var tmp32 [4]byte
	binary.BigEndian.PutUint32(tmp32[:], w.Request.AccountID)
	buf = append(buf, tmp32[:]...)
	binary.BigEndian.PutUint32(tmp32[:], w.Request.Nonce)
	buf = append(buf, tmp32[:]...)
	var tmp64 [8]byte
	binary.BigEndian.PutUint64(tmp64[:], w.Request.Amount)
	buf = append(buf, tmp64[:]...)
	buf = append(buf, w.Request.Signature...)
	sum := blake2b.Sum256(buf)
	return sum[:]
}

// witnessRoot builds ckb_merkle_root(hash(i, leaf_i)) for n items, per
// the L1 witness layout expects. An empty set has an all-zero root,
// since a block with no transactions (or no withdrawals) is valid.
func witnessRoot(n int, leafAt func(i int) []byte) ([32]byte, error) {
	if n == 0 {
		return [32]byte{}, nil
	}
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		leaves[i] = blake2bConcat(idx[:], leafAt(i))
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], tree.Root())
	return out, nil
}

func blake2bConcat(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashBlock(blk *Block) [32]byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, blk.ParentHash[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], blk.Number)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], blk.Timestamp)
	buf = append(buf, tmp[:]...)
	buf = append(buf, blk.TxWitnessRoot[:]...)
	buf = append(buf, blk.WithdrawalWitnessRoot[:]...)
	buf = append(buf, blk.PostAccountRoot[:]...)
	for _, cp := range blk.StateCheckpointList {
		buf = append(buf, cp[:]...)
	}
	return blake2b.Sum256(buf)
}
