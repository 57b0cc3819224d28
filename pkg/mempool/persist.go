// Copyright 2025 Certen Protocol

package mempool

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/store"
)

func blake2bSum(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// persistTx records a pending transaction under ColumnMemPoolTx, keyed by
// its uuid, so a crash recovers it for async re-validation through the
// normal Reset path rather than losing it.
func (p *Pool) persistTx(entry pendingTx) error {
	return p.backing.Update(func(tx *store.Tx) error {
		return tx.Set(store.ColumnMemPoolTx, entry.id[:], encodePendingTx(entry))
	})
}

// persistWithdrawal records a pending withdrawal under ColumnMemPoolWithdr
// so Recover can put it back in the pending queue after a restart.
func (p *Pool) persistWithdrawal(entry pendingWithdrawal) error {
	return p.backing.Update(func(tx *store.Tx) error {
		return tx.Set(store.ColumnMemPoolWithdr, entry.id[:], encodePendingWithdrawal(entry))
	})
}

// persistDeposit records an observed deposit under ColumnMemPoolMeta,
// keyed by a blake2b hash of its contents since deposits have no
// independent identifier of their own.
func (p *Pool) persistDeposit(d Deposit) error {
	key := blake2bSum(encodeDeposit(d))
	return p.backing.Update(func(tx *store.Tx) error {
		return tx.Set(store.ColumnMemPoolMeta, key[:], encodeDeposit(d))
	})
}

// Recover reloads every persisted pending withdrawal, deposit, and
// transaction from the store into the pool's pending queues, restoring
// the mem-pool to its state before a crash. All three kinds are treated
// alike: none enters a mem-block until the next Reset, which re-runs each
// one against live state.
func (p *Pool) Recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.backing.View(func(tx *store.Tx) error {
		if err := scanColumn(tx, store.ColumnMemPoolWithdr, func(key, raw []byte) error {
			entry, err := decodePendingWithdrawal(key, raw)
			if err != nil {
				return err
			}
			p.pendingWithdrawals = append(p.pendingWithdrawals, entry)
			return nil
		}); err != nil {
			return err
		}
		if err := scanColumn(tx, store.ColumnMemPoolMeta, func(_, raw []byte) error {
			d, err := decodeDeposit(raw)
			if err != nil {
				return err
			}
			p.pendingDeposits = append(p.pendingDeposits, d)
			return nil
		}); err != nil {
			return err
		}
		if err := scanColumn(tx, store.ColumnMemPoolTx, func(key, raw []byte) error {
			entry, err := decodePendingTx(key, raw)
			if err != nil {
				return err
			}
			p.pendingTxs = append(p.pendingTxs, entry)
			return nil
		}); err != nil {
			return err
		}
		p.logger.Printf("✅ recovered %d withdrawal(s), %d deposit(s), %d transaction(s) from disk",
			len(p.pendingWithdrawals), len(p.pendingDeposits), len(p.pendingTxs))
		return nil
	})
}

func scanColumn(tx *store.Tx, col store.Column, fn func(key, value []byte) error) error {
	it, err := tx.Iter(col, store.IterForward)
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return nil
}

// rewritePersisted replaces the MEM_POOL_* columns with the entries that
// are still pending after a Reset, clearing anything that was packaged
// into the candidate block or dropped. Caller holds p.mu.
func (p *Pool) rewritePersisted() error {
	return p.backing.Update(func(tx *store.Tx) error {
		for _, col := range []store.Column{store.ColumnMemPoolWithdr, store.ColumnMemPoolMeta, store.ColumnMemPoolTx} {
			if err := scanColumn(tx, col, func(key, _ []byte) error {
				return tx.Delete(col, key)
			}); err != nil {
				return err
			}
		}
		for _, w := range p.pendingWithdrawals {
			if err := tx.Set(store.ColumnMemPoolWithdr, w.id[:], encodePendingWithdrawal(w)); err != nil {
				return err
			}
		}
		for _, d := range p.pendingDeposits {
			key := blake2bSum(encodeDeposit(d))
			if err := tx.Set(store.ColumnMemPoolMeta, key[:], encodeDeposit(d)); err != nil {
				return err
			}
		}
		for _, t := range append(append([]pendingTx{}, p.pendingTxs...), p.unusedTxs...) {
			if err := tx.Set(store.ColumnMemPoolTx, t.id[:], encodePendingTx(t)); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodePendingTx(entry pendingTx) []byte {
	buf := make([]byte, 0, 16+len(entry.txBytes)+len(entry.tx.Args)+len(entry.tx.Signature))
	buf = appendUint32(buf, entry.tx.FromID)
	buf = appendUint32(buf, entry.tx.ToID)
	buf = appendUint32(buf, entry.tx.Nonce)
	buf = appendBytes(buf, entry.tx.Args)
	buf = appendBytes(buf, entry.tx.Signature)
	buf = appendBytes(buf, entry.txBytes)
	return buf
}

func encodePendingWithdrawal(entry pendingWithdrawal) []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, entry.req.AccountID)
	buf = appendUint32(buf, entry.req.Nonce)
	buf = appendUint32(buf, entry.req.SUDTID)
	buf = appendUint64(buf, entry.req.Amount)
	buf = appendUint64(buf, entry.req.CapacityCKB)
	buf = append(buf, entry.req.OwnerLockHash[:]...)
	buf = appendBytes(buf, entry.req.Signature)
	buf = appendUint64(buf, entry.capacity)
	return buf
}

func encodeDeposit(d Deposit) []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, d.RegistryID)
	buf = appendBytes(buf, d.Address)
	buf = appendBytes(buf, d.Script)
	buf = appendUint32(buf, d.SUDTID)
	buf = appendUint64(buf, d.Amount)
	return buf
}

func decodePendingTx(key, raw []byte) (pendingTx, error) {
	var entry pendingTx
	if len(key) != 16 {
		return entry, fmt.Errorf("mempool: pending tx key is %d bytes, want a 16-byte uuid", len(key))
	}
	copy(entry.id[:], key)
	r := byteReader{raw: raw}
	entry.tx.FromID = r.uint32()
	entry.tx.ToID = r.uint32()
	entry.tx.Nonce = r.uint32()
	entry.tx.Args = r.bytes()
	entry.tx.Signature = r.bytes()
	entry.txBytes = r.bytes()
	return entry, r.err
}

func decodePendingWithdrawal(key, raw []byte) (pendingWithdrawal, error) {
	var entry pendingWithdrawal
	if len(key) != 16 {
		return entry, fmt.Errorf("mempool: pending withdrawal key is %d bytes, want a 16-byte uuid", len(key))
	}
	copy(entry.id[:], key)
	r := byteReader{raw: raw}
	entry.req.AccountID = r.uint32()
	entry.req.Nonce = r.uint32()
	entry.req.SUDTID = r.uint32()
	entry.req.Amount = r.uint64()
	entry.req.CapacityCKB = r.uint64()
	r.read(entry.req.OwnerLockHash[:])
	entry.req.Signature = r.bytes()
	entry.capacity = r.uint64()
	return entry, r.err
}

func decodeDeposit(raw []byte) (Deposit, error) {
	var d Deposit
	r := byteReader{raw: raw}
	d.RegistryID = r.uint32()
	d.Address = r.bytes()
	d.Script = r.bytes()
	d.SUDTID = r.uint32()
	d.Amount = r.uint64()
	return d, r.err
}

// byteReader walks the length-prefixed encoding the encode* functions
// produce, latching the first error instead of failing per call.
type byteReader struct {
	raw []byte
	err error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.raw) < n {
		r.err = fmt.Errorf("mempool: truncated record: need %d bytes, have %d", n, len(r.raw))
		return nil
	}
	out := r.raw[:n]
	r.raw = r.raw[n:]
	return out
}

func (r *byteReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *byteReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *byteReader) bytes() []byte {
	n := r.uint32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (r *byteReader) read(dst []byte) {
	b := r.take(len(dst))
	if b != nil {
		copy(dst, b)
	}
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

func appendBytes(buf, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}
