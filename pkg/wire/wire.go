// Copyright 2025 Certen Protocol
//
// Block Sync Wire Protocol
// Message contract for the P2P block sync substream. The transport that
// carries these frames is an external collaborator; only the message
// shapes and framing live here.

// Package wire defines the block-sync message union and its
// length-delimited framing. A client opens a substream, sends one
// P2PSyncRequest carrying its last confirmed point, and then consumes
// either a TryAgain or a stream of BlockSync messages. Frames are
// compressed with zstd end to end.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/rollupcore/optiroll/pkg/exportblock"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/mempool"
)

// ErrUnknownTag is returned for a frame whose tag byte matches no
// message type.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// MaxFrameBytes bounds a single frame so a malicious peer cannot force
// an unbounded allocation.
const MaxFrameBytes = 32 << 20

// Message tags, one per frame type.
const (
	TagSyncRequest   byte = 0x01
	TagTryAgain      byte = 0x02
	TagLocalBlock    byte = 0x10
	TagSubmitted     byte = 0x11
	TagConfirmed     byte = 0x12
	TagRevert        byte = 0x13
	TagNextMemBlock  byte = 0x14
	TagL2Transaction byte = 0x15
)

// Message is one frame of the block sync protocol.
type Message interface {
	Tag() byte
	encodePayload() []byte
}

// P2PSyncRequest is the client's opening message: the last point it has
// confirmed locally.
type P2PSyncRequest struct {
	BlockNumber uint64
	BlockHash   [32]byte
}

func (P2PSyncRequest) Tag() byte { return TagSyncRequest }

func (m P2PSyncRequest) encodePayload() []byte {
	buf := make([]byte, 0, 40)
	buf = appendU64(buf, m.BlockNumber)
	buf = append(buf, m.BlockHash[:]...)
	return buf
}

// TryAgain tells the client its requested point is older than what the
// server retains; the client must restart from an export file or a
// different peer.
type TryAgain struct {
	EarliestAvailableBlock uint64
}

func (TryAgain) Tag() byte { return TagTryAgain }

func (m TryAgain) encodePayload() []byte {
	return appendU64(nil, m.EarliestAvailableBlock)
}

// NumberHash identifies a block by both coordinates.
type NumberHash struct {
	Number uint64
	Hash   [32]byte
}

func encodeNumberHash(buf []byte, nh NumberHash) []byte {
	buf = appendU64(buf, nh.Number)
	return append(buf, nh.Hash[:]...)
}

func decodeNumberHash(raw []byte) (NumberHash, []byte, error) {
	if len(raw) < 40 {
		return NumberHash{}, nil, fmt.Errorf("wire: truncated number-hash")
	}
	var nh NumberHash
	nh.Number = binary.BigEndian.Uint64(raw[:8])
	copy(nh.Hash[:], raw[8:40])
	return nh, raw[40:], nil
}

// LocalBlock carries one full confirmed block with its deposits,
// withdrawals, and post global state.
type LocalBlock struct {
	Exported *exportblock.ExportedBlock
}

func (LocalBlock) Tag() byte { return TagLocalBlock }

func (m LocalBlock) encodePayload() []byte {
	return exportblock.Encode(m.Exported)
}

// Submitted reports that the operator submitted a block to L1 and is
// waiting for confirmation.
type Submitted struct {
	NumberHash NumberHash
	TxHash     [32]byte
}

func (Submitted) Tag() byte { return TagSubmitted }

func (m Submitted) encodePayload() []byte {
	buf := encodeNumberHash(nil, m.NumberHash)
	return append(buf, m.TxHash[:]...)
}

// Confirmed reports that a previously Submitted block is now confirmed.
type Confirmed struct {
	NumberHash NumberHash
}

func (Confirmed) Tag() byte { return TagConfirmed }

func (m Confirmed) encodePayload() []byte {
	return encodeNumberHash(nil, m.NumberHash)
}

// Revert reports that the chain rewound to the given point.
type Revert struct {
	NumberHash NumberHash
}

func (Revert) Tag() byte { return TagRevert }

func (m Revert) encodePayload() []byte {
	return encodeNumberHash(nil, m.NumberHash)
}

// NextMemBlock streams the operator's current mem-block candidate so a
// read-only replica can serve pending state.
type NextMemBlock struct {
	BlockInfo   generator.BlockInfo
	Withdrawals []generator.WithdrawalRequest
	Deposits    []mempool.Deposit
}

func (NextMemBlock) Tag() byte { return TagNextMemBlock }

func (m NextMemBlock) encodePayload() []byte {
	buf := appendU64(nil, m.BlockInfo.Number)
	buf = appendU64(buf, m.BlockInfo.Timestamp)
	buf = append(buf, m.BlockInfo.RollupTypeHash[:]...)
	buf = appendU32(buf, uint32(len(m.Withdrawals)))
	for _, w := range m.Withdrawals {
		buf = appendU32(buf, w.AccountID)
		buf = appendU32(buf, w.Nonce)
		buf = appendU32(buf, w.SUDTID)
		buf = appendU64(buf, w.Amount)
		buf = appendU64(buf, w.CapacityCKB)
		buf = append(buf, w.OwnerLockHash[:]...)
		buf = appendBytes(buf, w.Signature)
	}
	buf = appendU32(buf, uint32(len(m.Deposits)))
	for _, d := range m.Deposits {
		buf = appendU32(buf, d.RegistryID)
		buf = appendBytes(buf, d.Address)
		buf = appendBytes(buf, d.Script)
		buf = appendU32(buf, d.SUDTID)
		buf = appendU64(buf, d.Amount)
	}
	return buf
}

// L2Transaction streams one mem-pool transaction.
type L2Transaction struct {
	Tx      generator.RawTransaction
	TxBytes []byte
}

func (L2Transaction) Tag() byte { return TagL2Transaction }

func (m L2Transaction) encodePayload() []byte {
	buf := appendU32(nil, m.Tx.FromID)
	buf = appendU32(buf, m.Tx.ToID)
	buf = appendU32(buf, m.Tx.Nonce)
	buf = appendBytes(buf, m.Tx.Args)
	buf = appendBytes(buf, m.Tx.Signature)
	buf = appendBytes(buf, m.TxBytes)
	return buf
}

// Writer frames and compresses messages onto an underlying stream.
type Writer struct {
	zw *zstd.Encoder
}

// NewWriter wraps w. Close flushes the compressor; the underlying
// stream is left open for the transport to manage.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("wire: init compressor: %w", err)
	}
	return &Writer{zw: zw}, nil
}

// WriteMessage frames one message: tag byte, u32 payload length,
// payload.
func (w *Writer) WriteMessage(m Message) error {
	payload := m.encodePayload()
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("wire: frame of %d bytes exceeds the %d-byte bound", len(payload), MaxFrameBytes)
	}
	header := make([]byte, 5)
	header[0] = m.Tag()
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.zw.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.zw.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Flush pushes buffered compressed bytes to the underlying stream.
func (w *Writer) Flush() error { return w.zw.Flush() }

// Close flushes and releases the compressor.
func (w *Writer) Close() error { return w.zw.Close() }

// Reader decompresses and unframes messages from an underlying stream.
type Reader struct {
	zr *zstd.Decoder
}

// NewReader wraps r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("wire: init decompressor: %w", err)
	}
	return &Reader{zr: zr}, nil
}

// Close releases the decompressor.
func (r *Reader) Close() { r.zr.Close() }

// ReadMessage reads the next frame. io.EOF at a frame boundary means a
// clean end of stream.
func (r *Reader) ReadMessage() (Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r.zr, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds the %d-byte bound", size, MaxFrameBytes)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.zr, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return decodeMessage(header[0], payload)
}

func decodeMessage(tag byte, payload []byte) (Message, error) {
	switch tag {
	case TagSyncRequest:
		if len(payload) < 40 {
			return nil, fmt.Errorf("wire: truncated sync request")
		}
		var m P2PSyncRequest
		m.BlockNumber = binary.BigEndian.Uint64(payload[:8])
		copy(m.BlockHash[:], payload[8:40])
		return m, nil
	case TagTryAgain:
		if len(payload) < 8 {
			return nil, fmt.Errorf("wire: truncated try-again")
		}
		return TryAgain{EarliestAvailableBlock: binary.BigEndian.Uint64(payload[:8])}, nil
	case TagLocalBlock:
		eb, err := exportblock.Decode(payload)
		if err != nil {
			return nil, err
		}
		return LocalBlock{Exported: eb}, nil
	case TagSubmitted:
		nh, rest, err := decodeNumberHash(payload)
		if err != nil {
			return nil, err
		}
		if len(rest) < 32 {
			return nil, fmt.Errorf("wire: truncated submitted")
		}
		var m Submitted
		m.NumberHash = nh
		copy(m.TxHash[:], rest[:32])
		return m, nil
	case TagConfirmed:
		nh, _, err := decodeNumberHash(payload)
		if err != nil {
			return nil, err
		}
		return Confirmed{NumberHash: nh}, nil
	case TagRevert:
		nh, _, err := decodeNumberHash(payload)
		if err != nil {
			return nil, err
		}
		return Revert{NumberHash: nh}, nil
	case TagNextMemBlock:
		return decodeNextMemBlock(payload)
	case TagL2Transaction:
		return decodeL2Transaction(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}

func decodeNextMemBlock(payload []byte) (Message, error) {
	r := &reader{raw: payload}
	var m NextMemBlock
	m.BlockInfo.Number = r.u64()
	m.BlockInfo.Timestamp = r.u64()
	r.read(m.BlockInfo.RollupTypeHash[:])
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var w generator.WithdrawalRequest
		w.AccountID = r.u32()
		w.Nonce = r.u32()
		w.SUDTID = r.u32()
		w.Amount = r.u64()
		w.CapacityCKB = r.u64()
		r.read(w.OwnerLockHash[:])
		w.Signature = r.bytes()
		m.Withdrawals = append(m.Withdrawals, w)
	}
	n = r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		var d mempool.Deposit
		d.RegistryID = r.u32()
		d.Address = r.bytes()
		d.Script = r.bytes()
		d.SUDTID = r.u32()
		d.Amount = r.u64()
		m.Deposits = append(m.Deposits, d)
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: decode next-mem-block: %w", r.err)
	}
	return m, nil
}

func decodeL2Transaction(payload []byte) (Message, error) {
	r := &reader{raw: payload}
	var m L2Transaction
	m.Tx.FromID = r.u32()
	m.Tx.ToID = r.u32()
	m.Tx.Nonce = r.u32()
	m.Tx.Args = r.bytes()
	m.Tx.Signature = r.bytes()
	m.TxBytes = r.bytes()
	if r.err != nil {
		return nil, fmt.Errorf("wire: decode l2 transaction: %w", r.err)
	}
	return m, nil
}

// reader walks a packed payload, latching the first error.
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

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}
