// Copyright 2025 Certen Protocol

package exportblock

import (
	"bytes"
	"io"
	"testing"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/smt"
)

func sampleBlock(number uint64) *ExportedBlock {
	return &ExportedBlock{
		Block: block.Block{
			Number:              number,
			ParentHash:          [32]byte{byte(number - 1)},
			Timestamp:           number * 1000,
			StateCheckpointList: []smt.H256{{0x01}, {0x02}},
			PostAccountRoot:     smt.H256{0x03},
			Hash:                [32]byte{byte(number)},
			Withdrawals: []mempool.AppliedWithdrawal{{
				Request:    generator.WithdrawalRequest{AccountID: 7, Amount: 50, Signature: []byte("wsig")},
				Checkpoint: smt.H256{0x01},
			}},
			Transactions: []mempool.AppliedTransaction{{
				Tx:         generator.RawTransaction{FromID: 1, ToID: 2, Nonce: 3, Args: []byte{0xAB}, Signature: []byte("tsig")},
				Checkpoint: smt.H256{0x02},
			}},
		},
		DepositAssetScripts: [][]byte{[]byte("asset-script")},
		PostGlobalState: block.GlobalState{
			Status:         block.StatusRunning,
			TipBlockNumber: number,
			AccountCount:   4,
		},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, n := range []uint64{1, 2} {
		if err := WriteFrame(&buf, sampleBlock(n)); err != nil {
			t.Fatalf("write frame %d: %v", n, err)
		}
	}

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Block.Number != 1 {
		t.Fatalf("first frame number = %d, want 1", first.Block.Number)
	}
	if len(first.Block.Withdrawals) != 1 || first.Block.Withdrawals[0].Request.AccountID != 7 {
		t.Fatalf("withdrawal lost in round trip: %+v", first.Block.Withdrawals)
	}
	if len(first.Block.Transactions) != 1 || string(first.Block.Transactions[0].Tx.Args) != "\xab" {
		t.Fatalf("transaction lost in round trip")
	}
	if first.PostGlobalState.AccountCount != 4 {
		t.Fatalf("global state lost in round trip")
	}

	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if second.Block.Number != 2 {
		t.Fatalf("second frame number = %d, want 2", second.Block.Number)
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestSkipFrame(t *testing.T) {
	var buf bytes.Buffer
	for _, n := range []uint64{1, 2, 3} {
		if err := WriteFrame(&buf, sampleBlock(n)); err != nil {
			t.Fatalf("write frame %d: %v", n, err)
		}
	}
	if _, err := SkipFrame(&buf); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if _, err := SkipFrame(&buf); err != nil {
		t.Fatalf("skip: %v", err)
	}
	eb, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read after skips: %v", err)
	}
	if eb.Block.Number != 3 {
		t.Fatalf("frame after two skips = %d, want 3", eb.Block.Number)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	raw := Encode(sampleBlock(1))
	if _, err := Decode(raw[:len(raw)/2]); err == nil {
		t.Fatalf("truncated payload must not decode")
	}
}
