// Copyright 2025 Certen Protocol

package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/commitment"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/store"
)

// Errors returned by the state view.
var (
	ErrAccountNotFound    = errors.New("state: account not found")
	ErrScriptHashExists   = errors.New("state: script hash already has an account")
	ErrInsufficientFunds  = errors.New("state: insufficient SUDT balance")
	ErrAmountOverflow     = errors.New("state: SUDT amount overflow")
	ErrRegistryAddrExists = errors.New("state: registry address already mapped")
	ErrInvalidArgs        = errors.New("state: invalid arguments")
)

// EthRegistryAddressLen is the only address width the Ethereum-style
// registry accepts.
const EthRegistryAddressLen = 20

// View is the world-state view for one block (or one in-flight mem-block):
// a single sparse Merkle tree plus the non-authenticated script/data side
// stores, all addressed through the same store.Tx so reads and writes
// commit together.
type View struct {
	tx      *store.Tx
	tree    *smt.Tree
	touched map[smt.H256]struct{}
}

// New opens a state view at the given account-tree root.
func New(tx *store.Tx, root smt.H256) *View {
	return &View{tx: tx, tree: smt.New(tx, root), touched: make(map[smt.H256]struct{})}
}

// touch records key as read or written during this view's lifetime, so
// the generator can report it in RunResult.TouchedKeys and the block
// producer can compile a single kv_state proof over every key a block
// actually read or wrote.
func (v *View) touch(key smt.H256) {
	v.touched[key] = struct{}{}
}

// TouchedKeys returns every account-tree key this view has read or
// written so far, order unspecified.
func (v *View) TouchedKeys() []smt.H256 {
	out := make([]smt.H256, 0, len(v.touched))
	for k := range v.touched {
		out = append(out, k)
	}
	return out
}

// Root returns the account tree's current root, i.e. the state's
// authenticated commitment.
func (v *View) Root() smt.H256 {
	return v.tree.Root()
}

// LeafValue reads the raw tree value at an already-derived key. The
// block producer uses it to snapshot the touched keys' values for a
// block's kv_state.
func (v *View) LeafValue(key smt.H256) (smt.H256, error) {
	return v.tree.Get(key)
}

// MerkleProof compiles one proof covering every listed key against the
// view's current root.
func (v *View) MerkleProof(keys ...smt.H256) (*smt.Proof, error) {
	return v.tree.MerkleProof(keys...)
}

// Checkpoint derives the post-state checkpoint the block producer embeds
// in a submitted block: a commitment over the account tree root and the
// current account count, so two blocks with the same tree root but a
// different account-count side effect (possible only via a bug) are
// still distinguishable.
func (v *View) Checkpoint() (smt.H256, error) {
	count, err := v.AccountCount()
	if err != nil {
		return smt.Zero, err
	}
	root := v.tree.Root()
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], count)
	sum := commitment.HashConcat(root[:], countBuf[:])
	var out smt.H256
	copy(out[:], sum)
	return out, nil
}

// AccountCount returns the number of accounts created so far (the next
// account ID that will be allocated).
func (v *View) AccountCount() (uint32, error) {
	key := accountCountKey()
	v.touch(key)
	v32, err := v.tree.Get(key)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v32[28:32]), nil
}

func (v *View) setAccountCount(n uint32) error {
	var val smt.H256
	binary.BigEndian.PutUint32(val[28:32], n)
	key := accountCountKey()
	v.touch(key)
	return v.tree.Update(key, val)
}

// GetNonce returns accountID's transaction nonce.
func (v *View) GetNonce(accountID uint32) (uint32, error) {
	key := nonceKey(accountID)
	v.touch(key)
	val, err := v.tree.Get(key)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(val[28:32]), nil
}

// IncrementNonce bumps accountID's nonce by one, the way the generator
// does on every successfully-applied transaction.
func (v *View) IncrementNonce(accountID uint32) error {
	n, err := v.GetNonce(accountID)
	if err != nil {
		return err
	}
	var val smt.H256
	binary.BigEndian.PutUint32(val[28:32], n+1)
	key := nonceKey(accountID)
	v.touch(key)
	return v.tree.Update(key, val)
}

// GetScriptHash returns the L1 lock/type script hash backing accountID.
func (v *View) GetScriptHash(accountID uint32) (smt.H256, error) {
	key := scriptHashKey(accountID)
	v.touch(key)
	return v.tree.Get(key)
}

// GetAccountIDByScriptHash resolves the account owning scriptHash, if
// any. The mapping is a tree leaf whose value carries an exists flag
// alongside the id, so account 0 is distinguishable from absent.
func (v *View) GetAccountIDByScriptHash(scriptHash smt.H256) (uint32, bool, error) {
	key := scriptHashToIDKey(scriptHash)
	v.touch(key)
	val, err := v.tree.Get(key)
	if err != nil {
		return 0, false, err
	}
	if val.IsZero() {
		return 0, false, nil
	}
	return binary.BigEndian.Uint32(val[28:32]), true, nil
}

// CreateAccount allocates the next account ID for scriptHash, records
// script and script-hash leaves, and registers the raw script bytes in
// the (non-authenticated) script index for later lookup.
func (v *View) CreateAccount(scriptHash smt.H256, script []byte) (uint32, error) {
	if _, ok, err := v.GetAccountIDByScriptHash(scriptHash); err != nil {
		return 0, err
	} else if ok {
		return 0, ErrScriptHashExists
	}

	id, err := v.AccountCount()
	if err != nil {
		return 0, err
	}

	scriptHashK := scriptHashKey(id)
	v.touch(scriptHashK)
	if err := v.tree.Update(scriptHashK, scriptHash); err != nil {
		return 0, fmt.Errorf("state: write script hash leaf: %w", err)
	}
	if err := v.setAccountCount(id + 1); err != nil {
		return 0, fmt.Errorf("state: bump account count: %w", err)
	}

	idK := scriptHashToIDKey(scriptHash)
	v.touch(idK)
	var idVal smt.H256
	idVal[27] = 1 // exists flag, so id 0 reads back as present
	binary.BigEndian.PutUint32(idVal[28:32], id)
	if err := v.tree.Update(idK, idVal); err != nil {
		return 0, fmt.Errorf("state: index script hash: %w", err)
	}
	if err := v.tx.Set(store.ColumnScript, scriptHash[:], script); err != nil {
		return 0, fmt.Errorf("state: store script: %w", err)
	}
	return id, nil
}

// GetScript returns the raw script bytes for scriptHash, if known.
func (v *View) GetScript(scriptHash smt.H256) ([]byte, error) {
	return v.tx.Get(store.ColumnScript, scriptHash[:])
}

// SetData stores content-addressed data and marks its presence in the
// tree, so a later Merkle proof can attest to "this data hash is part of
// the committed state" without the full bytes ever entering the tree.
func (v *View) SetData(data []byte) (smt.H256, error) {
	h := blake2b256(data)
	if err := v.tx.Set(store.ColumnData, h[:], data); err != nil {
		return smt.Zero, fmt.Errorf("state: store data: %w", err)
	}
	presence := smt.H256{31: 1}
	dataK := dataKey(h)
	v.touch(dataK)
	if err := v.tree.Update(dataK, presence); err != nil {
		return smt.Zero, fmt.Errorf("state: commit data presence: %w", err)
	}
	return h, nil
}

// GetData returns previously-stored data by its content hash.
func (v *View) GetData(dataHash smt.H256) ([]byte, error) {
	return v.tx.Get(store.ColumnData, dataHash[:])
}

// GetSUDTBalance returns accountID's balance of the given SUDT type.
func (v *View) GetSUDTBalance(sudtID, accountID uint32) (uint64, error) {
	key := sudtBalanceKey(sudtID, accountID)
	v.touch(key)
	val, err := v.tree.Get(key)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(val[24:32]), nil
}

func (v *View) setSUDTBalance(sudtID, accountID uint32, amount uint64) error {
	var val smt.H256
	binary.BigEndian.PutUint64(val[24:32], amount)
	key := sudtBalanceKey(sudtID, accountID)
	v.touch(key)
	return v.tree.Update(key, val)
}

// TransferSUDT moves amount of sudtID from -> to. Used by the SUDT
// default backend and by withdrawal application; deposits credit through
// MintSUDT instead.
func (v *View) TransferSUDT(sudtID, from, to uint32, amount uint64) error {
	fromBal, err := v.GetSUDTBalance(sudtID, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return ErrInsufficientFunds
	}
	toBal, err := v.GetSUDTBalance(sudtID, to)
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return ErrAmountOverflow
	}
	if err := v.setSUDTBalance(sudtID, from, fromBal-amount); err != nil {
		return err
	}
	return v.setSUDTBalance(sudtID, to, toBal+amount)
}

func (v *View) sudtTotalSupply(sudtID uint32) (uint64, error) {
	supplyK := sudtSupplyKey(sudtID)
	v.touch(supplyK)
	supply, err := v.tree.Get(supplyK)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(supply[24:32]), nil
}

func (v *View) setSUDTTotalSupply(sudtID uint32, total uint64) error {
	supplyK := sudtSupplyKey(sudtID)
	v.touch(supplyK)
	var val smt.H256
	binary.BigEndian.PutUint64(val[24:32], total)
	return v.tree.Update(supplyK, val)
}

// MintSUDT credits amount of sudtID to accountID and bumps total supply
// by the same amount, used when applying an L1 deposit. Balance and
// supply move together or not at all.
func (v *View) MintSUDT(sudtID, accountID uint32, amount uint64) error {
	bal, err := v.GetSUDTBalance(sudtID, accountID)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return ErrAmountOverflow
	}
	supply, err := v.sudtTotalSupply(sudtID)
	if err != nil {
		return err
	}
	if supply+amount < supply {
		return ErrAmountOverflow
	}
	if err := v.setSUDTBalance(sudtID, accountID, bal+amount); err != nil {
		return err
	}
	return v.setSUDTTotalSupply(sudtID, supply+amount)
}

// BurnSUDT debits amount of sudtID from accountID and shrinks total
// supply by the same amount, the inverse of MintSUDT, used by the EVM
// backend when a call lowers an account's native balance.
func (v *View) BurnSUDT(sudtID, accountID uint32, amount uint64) error {
	bal, err := v.GetSUDTBalance(sudtID, accountID)
	if err != nil {
		return err
	}
	if bal < amount {
		return ErrInsufficientFunds
	}
	supply, err := v.sudtTotalSupply(sudtID)
	if err != nil {
		return err
	}
	if supply < amount {
		return fmt.Errorf("%w: burn %d exceeds total supply %d", ErrAmountOverflow, amount, supply)
	}
	if err := v.setSUDTBalance(sudtID, accountID, bal-amount); err != nil {
		return err
	}
	return v.setSUDTTotalSupply(sudtID, supply-amount)
}

// MapRegistryAddress binds an L1 registry address (e.g. a CKB lock-arg
// derived address under a particular registry ID) to scriptHash in both
// directions, the mapping deposits and withdrawals rely on.
func (v *View) MapRegistryAddress(registryID uint32, address []byte, scriptHash smt.H256) error {
	if len(address) != EthRegistryAddressLen {
		return fmt.Errorf("%w: registry address must be %d bytes, got %d", ErrInvalidArgs, EthRegistryAddressLen, len(address))
	}
	regToHashK := registryToHashKey(registryID, address)
	v.touch(regToHashK)
	if existing, err := v.tree.Get(regToHashK); err != nil {
		return err
	} else if !existing.IsZero() {
		return ErrRegistryAddrExists
	}
	hashToRegK := hashToRegistryKey(scriptHash)
	v.touch(hashToRegK)
	if existing, err := v.tree.Get(hashToRegK); err != nil {
		return err
	} else if !existing.IsZero() {
		return ErrRegistryAddrExists
	}

	if err := v.tree.Update(regToHashK, scriptHash); err != nil {
		return err
	}

	addrHash, err := v.SetData(address)
	if err != nil {
		return err
	}
	var regBuf [4]byte
	binary.BigEndian.PutUint32(regBuf[:], registryID)
	payload := append(append([]byte{}, regBuf[:]...), addrHash[:]...)
	var payloadKey smt.H256
	copy(payloadKey[:], commitment.HashConcat(payload))
	return v.tree.Update(hashToRegK, payloadKey)
}

// GetScriptHashByRegistryAddress resolves a registry address to its
// bound script hash, if any.
func (v *View) GetScriptHashByRegistryAddress(registryID uint32, address []byte) (smt.H256, error) {
	key := registryToHashKey(registryID, address)
	v.touch(key)
	return v.tree.Get(key)
}

func blake2b256(data []byte) smt.H256 {
	return blake2b.Sum256(data)
}
