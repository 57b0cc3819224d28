// Copyright 2025 Certen Protocol

// Package sudt implements the default simple-UDT backend: balance
// queries, transfers, and fee payment, the backend every SUDT type
// script on the rollup maps onto.
package sudt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rollupcore/optiroll/pkg/backend"
)

// Call selectors, the first byte of CallContext.Args.
const (
	SelectorQueryBalance byte = 0x00
	SelectorTransfer     byte = 0x01
	SelectorPayFee       byte = 0x02
)

// ErrUnknownSelector is returned for an args payload with no matching
// call selector.
var ErrUnknownSelector = errors.New("sudt: unknown call selector")

// Backend is the default SUDT contract, parameterized by the SUDT type's
// account ID (one SUDT type per account).
type Backend struct {
	SUDTID uint32
}

func (Backend) Name() string { return "sudt" }

// decodeTransferArgs reads the fixed layout [to_id(4) amount(8)] a
// transfer or pay-fee call carries after the selector byte.
func decodeTransferArgs(args []byte) (toID uint32, amount uint64, err error) {
	if len(args) < 13 {
		return 0, 0, fmt.Errorf("sudt: transfer args must be 12 bytes, got %d", len(args)-1)
	}
	toID = binary.BigEndian.Uint32(args[1:5])
	amount = binary.BigEndian.Uint64(args[5:13])
	return toID, amount, nil
}

func (b Backend) Execute(ctx *backend.CallContext) (*backend.RunResult, error) {
	if len(ctx.Args) < 1 {
		return nil, fmt.Errorf("sudt: empty call args")
	}
	switch ctx.Args[0] {
	case SelectorQueryBalance:
		bal, err := ctx.View.GetSUDTBalance(b.SUDTID, ctx.ToID)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, bal)
		return &backend.RunResult{ReturnData: out}, nil

	case SelectorTransfer:
		toID, amount, err := decodeTransferArgs(ctx.Args)
		if err != nil {
			return nil, err
		}
		if err := ctx.View.TransferSUDT(b.SUDTID, ctx.FromID, toID, amount); err != nil {
			return nil, err
		}
		log := backend.LogItem{
			Kind:   backend.LogSUDTTransfer,
			Topics: [][]byte{accountIDBytes(ctx.FromID), accountIDBytes(toID)},
			Data:   amountBytes(amount),
		}
		return &backend.RunResult{Logs: []backend.LogItem{log}}, nil

	case SelectorPayFee:
		toID, amount, err := decodeTransferArgs(ctx.Args)
		if err != nil {
			return nil, err
		}
		if err := ctx.View.TransferSUDT(b.SUDTID, ctx.FromID, toID, amount); err != nil {
			return nil, err
		}
		log := backend.LogItem{
			Kind:   backend.LogSUDTPayFee,
			Topics: [][]byte{accountIDBytes(ctx.FromID), accountIDBytes(toID)},
			Data:   amountBytes(amount),
		}
		return &backend.RunResult{Logs: []backend.LogItem{log}}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownSelector, ctx.Args[0])
	}
}

func accountIDBytes(id uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, id)
	return out
}

func amountBytes(amount uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, amount)
	return out
}
