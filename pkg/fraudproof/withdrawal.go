// Copyright 2025 Certen Protocol

package fraudproof

import (
	"encoding/binary"
	"fmt"

	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/smt"
)

// WithdrawalUnlockKind names the three ways a withdrawal cell can be
// spent on L1.
type WithdrawalUnlockKind int

const (
	UnlockViaRevert WithdrawalUnlockKind = iota
	UnlockViaFinalize
	UnlockViaTrade
)

// UnlockViaFinalizeCheck authorizes spending a withdrawal cell once the
// block that created it is finalized per the global state and the
// owner's lock appears among the transaction inputs.
func (v *Verifier) UnlockViaFinalizeCheck(gs block.GlobalState, args WithdrawalLockArgs, ownerLock Script, inputLockHashes [][32]byte) error {
	if args.WithdrawalBlockNumber > gs.LastFinalizedTimepoint {
		return fmt.Errorf("%w: block %d, finalized through %d", ErrNotFinalized, args.WithdrawalBlockNumber, gs.LastFinalizedTimepoint)
	}
	want := ownerLock.Hash()
	for _, h := range inputLockHashes {
		if h == want {
			return nil
		}
	}
	return ErrOwnerCellNotFound
}

// UnlockViaRevertCheck authorizes spending a withdrawal cell whose
// block was reverted: the block hash must prove into the reverted-block
// set, and the output must re-create an equivalent custodian cell with
// identical capacity, data hash, and type hash.
func (v *Verifier) UnlockViaRevertCheck(revertedBlockRoot smt.H256, proof *smt.Proof, args WithdrawalLockArgs, withdrawalCell, custodianOut Cell) error {
	var one smt.H256
	one[31] = 1
	leaf := smt.Leaf{Key: smt.H256(args.WithdrawalBlockHash), Value: one}
	if !smt.VerifyProof(revertedBlockRoot, []smt.Leaf{leaf}, proof) {
		return fmt.Errorf("%w: block %x does not prove into the reverted set", ErrInvalidRevertedBlocks, args.WithdrawalBlockHash)
	}
	if custodianOut.Capacity != withdrawalCell.Capacity {
		return fmt.Errorf("fraudproof: custodian capacity %d does not match the withdrawal's %d", custodianOut.Capacity, withdrawalCell.Capacity)
	}
	if hash256(custodianOut.Data) != hash256(withdrawalCell.Data) {
		return fmt.Errorf("fraudproof: custodian data hash does not match the withdrawal's")
	}
	switch {
	case custodianOut.TypeScriptHash == nil && withdrawalCell.TypeScriptHash == nil:
	case custodianOut.TypeScriptHash != nil && withdrawalCell.TypeScriptHash != nil && *custodianOut.TypeScriptHash == *withdrawalCell.TypeScriptHash:
	default:
		return fmt.Errorf("fraudproof: custodian type hash does not match the withdrawal's")
	}
	return nil
}

// UnlockViaTradeCheck authorizes an off-chain purchase of a withdrawal
// cell: with no rollup cell in the transaction, the seller's lock must
// gain at least the declared sell price in capacity and, when the
// withdrawal carries an SUDT, at least the declared token amount.
func (v *Verifier) UnlockViaTradeCheck(args WithdrawalLockArgs, sellerLock Script, withdrawalCell Cell, inputs, outputs []Cell) error {
	for _, cells := range [][]Cell{inputs, outputs} {
		for _, c := range cells {
			if c.TypeScriptHash != nil && *c.TypeScriptHash == v.RollupTypeHash {
				return fmt.Errorf("fraudproof: trade unlock with a rollup cell in the transaction")
			}
		}
	}

	want := sellerLock.Hash()

	capIn, amtIn := totalsForLock(inputs, want, withdrawalCell.TypeScriptHash)
	capOut, amtOut := totalsForLock(outputs, want, withdrawalCell.TypeScriptHash)

	if capOut < capIn || capOut-capIn < args.SellCapacity {
		return fmt.Errorf("fraudproof: seller capacity gain %d below sell price %d", capOut-capIn, args.SellCapacity)
	}
	if withdrawalCell.TypeScriptHash != nil {
		if amtOut < amtIn || amtOut-amtIn < args.SellAmount {
			return fmt.Errorf("fraudproof: seller token gain below sell amount %d", args.SellAmount)
		}
	}
	return nil
}

// totalsForLock sums capacity and, for cells carrying typeHash, the
// little-endian u128 token amount (low 64 bits) across cells locked to
// lockHash.
func totalsForLock(cells []Cell, lockHash [32]byte, typeHash *[32]byte) (capacity, amount uint64) {
	for _, c := range cells {
		if c.Lock.Hash() != lockHash {
			continue
		}
		capacity += c.Capacity
		if typeHash != nil && c.TypeScriptHash != nil && *c.TypeScriptHash == *typeHash && len(c.Data) >= 16 {
			amount += binary.LittleEndian.Uint64(c.Data[0:8])
		}
	}
	return capacity, amount
}
