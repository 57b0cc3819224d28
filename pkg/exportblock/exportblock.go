// Copyright 2025 Certen Protocol
//
// Exported-Block Frame Format
// Serializes confirmed blocks for export-block / import-block and for
// the block sync wire protocol.

// Package exportblock implements the on-disk exported-block format: a
// sequence of frames, each a u32 little-endian size prefix followed by a
// packed ExportedBlock. Readers may skip a frame by reading the size
// prefix alone.
package exportblock

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/smt"
)

// ExportedBlock is one confirmed block with everything an importing node
// needs to replay it: the block body, the deposit asset scripts it
// consumed, and the global state it left behind.
type ExportedBlock struct {
	Block               block.Block
	DepositAssetScripts [][]byte
	PostGlobalState     block.GlobalState
}

// Encode packs eb into the frame payload layout.
func Encode(eb *ExportedBlock) []byte {
	w := &writer{}
	b := &eb.Block
	w.u64(b.Number)
	w.raw(b.ParentHash[:])
	w.u64(b.Timestamp)
	w.raw(b.TxWitnessRoot[:])
	w.raw(b.WithdrawalWitnessRoot[:])
	w.raw(b.PostAccountRoot[:])
	w.raw(b.Hash[:])

	w.u32(uint32(len(b.StateCheckpointList)))
	for _, cp := range b.StateCheckpointList {
		w.raw(cp[:])
	}

	w.u32(uint32(len(b.Withdrawals)))
	for _, wd := range b.Withdrawals {
		encodeWithdrawal(w, wd)
	}
	w.u32(uint32(len(b.Deposits)))
	for _, d := range b.Deposits {
		encodeDeposit(w, d)
	}
	w.u32(uint32(len(b.Transactions)))
	for _, t := range b.Transactions {
		encodeTransaction(w, t)
	}

	w.u32(uint32(len(eb.DepositAssetScripts)))
	for _, s := range eb.DepositAssetScripts {
		w.bytes(s)
	}

	w.bytes(encodeGlobalState(eb.PostGlobalState))
	return w.buf
}

// Decode unpacks a frame payload produced by Encode.
func Decode(raw []byte) (*ExportedBlock, error) {
	r := &reader{raw: raw}
	eb := &ExportedBlock{}
	b := &eb.Block
	b.Number = r.u64()
	r.read(b.ParentHash[:])
	b.Timestamp = r.u64()
	r.read(b.TxWitnessRoot[:])
	r.read(b.WithdrawalWitnessRoot[:])
	r.read(b.PostAccountRoot[:])
	r.read(b.Hash[:])

	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var cp smt.H256
		r.read(cp[:])
		b.StateCheckpointList = append(b.StateCheckpointList, cp)
	}

	n = r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		b.Withdrawals = append(b.Withdrawals, decodeWithdrawal(r))
	}
	n = r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		b.Deposits = append(b.Deposits, decodeDeposit(r))
	}
	n = r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		b.Transactions = append(b.Transactions, decodeTransaction(r))
	}

	n = r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		eb.DepositAssetScripts = append(eb.DepositAssetScripts, r.bytes())
	}

	gs, err := decodeGlobalState(r.bytes())
	if r.err != nil {
		return nil, fmt.Errorf("exportblock: decode: %w", r.err)
	}
	if err != nil {
		return nil, err
	}
	eb.PostGlobalState = gs
	return eb, nil
}

// WriteFrame writes one size-prefixed frame to w.
func WriteFrame(w io.Writer, eb *ExportedBlock) error {
	payload := Encode(eb)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("exportblock: write frame size: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("exportblock: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. io.EOF at a frame boundary means a
// clean end of stream.
func ReadFrame(r io.Reader) (*ExportedBlock, error) {
	payload, err := readFramePayload(r)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// SkipFrame consumes one frame without decoding it, returning its
// payload size, so a reader can seek past frames it does not need.
func SkipFrame(r io.Reader) (int, error) {
	payload, err := readFramePayload(r)
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

func readFramePayload(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("exportblock: read frame size: %w", err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("exportblock: read frame payload: %w", err)
	}
	return payload, nil
}

func encodeWithdrawal(w *writer, wd mempool.AppliedWithdrawal) {
	w.u32(wd.Request.AccountID)
	w.u32(wd.Request.Nonce)
	w.u32(wd.Request.SUDTID)
	w.u64(wd.Request.Amount)
	w.u64(wd.Request.CapacityCKB)
	w.raw(wd.Request.OwnerLockHash[:])
	w.bytes(wd.Request.Signature)
	w.raw(wd.Checkpoint[:])
}

func decodeWithdrawal(r *reader) mempool.AppliedWithdrawal {
	var wd mempool.AppliedWithdrawal
	wd.Request.AccountID = r.u32()
	wd.Request.Nonce = r.u32()
	wd.Request.SUDTID = r.u32()
	wd.Request.Amount = r.u64()
	wd.Request.CapacityCKB = r.u64()
	r.read(wd.Request.OwnerLockHash[:])
	wd.Request.Signature = r.bytes()
	r.read(wd.Checkpoint[:])
	return wd
}

func encodeDeposit(w *writer, d mempool.AppliedDeposit) {
	w.u32(d.Deposit.RegistryID)
	w.bytes(d.Deposit.Address)
	w.bytes(d.Deposit.Script)
	w.u32(d.Deposit.SUDTID)
	w.u64(d.Deposit.Amount)
	w.raw(d.Checkpoint[:])
}

func decodeDeposit(r *reader) mempool.AppliedDeposit {
	var d mempool.AppliedDeposit
	d.Deposit.RegistryID = r.u32()
	d.Deposit.Address = r.bytes()
	d.Deposit.Script = r.bytes()
	d.Deposit.SUDTID = r.u32()
	d.Deposit.Amount = r.u64()
	r.read(d.Checkpoint[:])
	return d
}

func encodeTransaction(w *writer, t mempool.AppliedTransaction) {
	w.u32(t.Tx.FromID)
	w.u32(t.Tx.ToID)
	w.u32(t.Tx.Nonce)
	w.bytes(t.Tx.Args)
	w.bytes(t.Tx.Signature)
	w.raw(t.Checkpoint[:])
}

func decodeTransaction(r *reader) mempool.AppliedTransaction {
	var t mempool.AppliedTransaction
	t.Tx = generator.RawTransaction{
		FromID:    r.u32(),
		ToID:      r.u32(),
		Nonce:     r.u32(),
		Args:      r.bytes(),
		Signature: r.bytes(),
	}
	r.read(t.Checkpoint[:])
	return t
}

func encodeGlobalState(gs block.GlobalState) []byte {
	w := &writer{}
	w.raw([]byte{byte(gs.Status)})
	w.raw(gs.AccountRoot[:])
	w.u32(gs.AccountCount)
	w.raw(gs.BlockRoot[:])
	w.raw(gs.TipBlockHash[:])
	w.u64(gs.TipBlockNumber)
	w.u64(gs.TipTimestamp)
	w.u64(gs.LastFinalizedTimepoint)
	w.raw(gs.RevertedBlockRoot[:])
	w.raw(gs.RollupConfigHash[:])
	return w.buf
}

func decodeGlobalState(raw []byte) (block.GlobalState, error) {
	var gs block.GlobalState
	r := &reader{raw: raw}
	status := make([]byte, 1)
	r.read(status)
	gs.Status = block.Status(status[0])
	r.read(gs.AccountRoot[:])
	gs.AccountCount = r.u32()
	r.read(gs.BlockRoot[:])
	r.read(gs.TipBlockHash[:])
	gs.TipBlockNumber = r.u64()
	gs.TipTimestamp = r.u64()
	gs.LastFinalizedTimepoint = r.u64()
	r.read(gs.RevertedBlockRoot[:])
	r.read(gs.RollupConfigHash[:])
	if r.err != nil {
		return gs, fmt.Errorf("exportblock: decode global state: %w", r.err)
	}
	return gs, nil
}

// writer accumulates the packed layout. All integers are big-endian
// except the frame size prefix, which is little-endian.
type writer struct {
	buf []byte
}

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.raw(tmp[:])
}

func (w *writer) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.raw(tmp[:])
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

// reader walks the packed layout, latching the first error.
type reader struct {
	raw []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.raw) < n {
		r.err = fmt.Errorf("truncated: need %d bytes, have %d", n, len(r.raw))
		return nil
	}
	out := r.raw[:n]
	r.raw = r.raw[n:]
	return out
}

func (r *reader) read(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
