// Copyright 2025 Certen Protocol

package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/exportblock"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/mempool"
)

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	messages := []Message{
		P2PSyncRequest{BlockNumber: 42, BlockHash: [32]byte{0x01}},
		TryAgain{EarliestAvailableBlock: 100},
		Submitted{NumberHash: NumberHash{Number: 43, Hash: [32]byte{0x02}}, TxHash: [32]byte{0x03}},
		Confirmed{NumberHash: NumberHash{Number: 43, Hash: [32]byte{0x02}}},
		Revert{NumberHash: NumberHash{Number: 41, Hash: [32]byte{0x04}}},
		LocalBlock{Exported: &exportblock.ExportedBlock{
			Block:           block.Block{Number: 44, Hash: [32]byte{0x05}},
			PostGlobalState: block.GlobalState{TipBlockNumber: 44},
		}},
		NextMemBlock{
			BlockInfo:   generator.BlockInfo{Number: 45, Timestamp: 9000, RollupTypeHash: [32]byte{0xAA}},
			Withdrawals: []generator.WithdrawalRequest{{AccountID: 1, Amount: 10, Signature: []byte("ws")}},
			Deposits:    []mempool.Deposit{{RegistryID: 1, Address: []byte("eth-address-20-bytes"), Amount: 7}},
		},
		L2Transaction{Tx: generator.RawTransaction{FromID: 1, ToID: 2, Nonce: 3, Args: []byte{0xFE}}, TxBytes: []byte("raw")},
	}
	for _, m := range messages {
		if err := w.WriteMessage(m); err != nil {
			t.Fatalf("write %T: %v", m, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()

	for i, want := range messages {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		if got.Tag() != want.Tag() {
			t.Fatalf("message %d tag = 0x%02x, want 0x%02x", i, got.Tag(), want.Tag())
		}
		switch m := got.(type) {
		case P2PSyncRequest:
			if m.BlockNumber != 42 {
				t.Fatalf("sync request lost its block number")
			}
		case LocalBlock:
			if m.Exported.Block.Number != 44 {
				t.Fatalf("local block lost its body")
			}
		case NextMemBlock:
			if len(m.Withdrawals) != 1 || len(m.Deposits) != 1 || m.BlockInfo.Number != 45 {
				t.Fatalf("next-mem-block lost its contents: %+v", m)
			}
		case L2Transaction:
			if m.Tx.FromID != 1 || string(m.TxBytes) != "raw" {
				t.Fatalf("l2 transaction lost its contents: %+v", m)
			}
		}
	}
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}
