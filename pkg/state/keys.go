// Copyright 2025 Certen Protocol

// Package state implements the rollup's world-state view on top of
// pkg/smt: one sparse Merkle tree holding every account's nonce, script
// hash, SUDT balances, and the registry address mappings used to bridge
// L1 lock scripts to L2 account identities.
package state

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/smt"
)

// Reserved account IDs. Account 0 never corresponds to a user account; it
// holds the "meta contract" backend (see pkg/backend/meta) used to create
// new accounts and register SUDT types.
const (
	MetaContractAccountID uint32 = 0
)

// Leaf key types. A leaf's tree key is always
// blake2b(account_id(LE32) || key_type || extra), except for content
// addressed data which has no owning account.
type keyType byte

const (
	keyTypeNonce          keyType = 0
	keyTypeScriptHash     keyType = 1
	keyTypeSUDTBalance    keyType = 2
	keyTypeSUDTSupply     keyType = 3
	keyTypeRegistryToHash keyType = 4
	keyTypeHashToRegistry keyType = 5
	keyTypeData           keyType = 6
	keyTypeAccountCount   keyType = 7 // stored under MetaContractAccountID
	keyTypeScriptHashToID keyType = 8
)

func rawKey(accountID uint32, kt keyType, extra []byte) smt.H256 {
	h, _ := blake2b.New256(nil)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], accountID)
	h.Write(idBuf[:])
	h.Write([]byte{byte(kt)})
	h.Write(extra)
	var out smt.H256
	copy(out[:], h.Sum(nil))
	return out
}

func nonceKey(accountID uint32) smt.H256 {
	return rawKey(accountID, keyTypeNonce, nil)
}

func scriptHashKey(accountID uint32) smt.H256 {
	return rawKey(accountID, keyTypeScriptHash, nil)
}

func sudtBalanceKey(sudtID, accountID uint32) smt.H256 {
	var sudtBuf [4]byte
	binary.LittleEndian.PutUint32(sudtBuf[:], sudtID)
	return rawKey(accountID, keyTypeSUDTBalance, sudtBuf[:])
}

func sudtSupplyKey(sudtID uint32) smt.H256 {
	var sudtBuf [4]byte
	binary.LittleEndian.PutUint32(sudtBuf[:], sudtID)
	return rawKey(MetaContractAccountID, keyTypeSUDTSupply, sudtBuf[:])
}

// registryToHashKey maps (registry_id, registry_address) -> script hash.
func registryToHashKey(registryID uint32, address []byte) smt.H256 {
	var regBuf [4]byte
	binary.LittleEndian.PutUint32(regBuf[:], registryID)
	extra := append(append([]byte{}, regBuf[:]...), address...)
	return rawKey(MetaContractAccountID, keyTypeRegistryToHash, extra)
}

// hashToRegistryKey maps script hash -> (registry_id, registry_address),
// the reverse direction, keyed by the script hash itself.
func hashToRegistryKey(scriptHash smt.H256) smt.H256 {
	return rawKey(MetaContractAccountID, keyTypeHashToRegistry, scriptHash[:])
}

// scriptHashToIDKey maps script_hash -> account_id, the inverse of
// scriptHashKey. It lives in the tree like every other view, so the
// bijection is part of the committed root rather than a side table.
func scriptHashToIDKey(scriptHash smt.H256) smt.H256 {
	return rawKey(MetaContractAccountID, keyTypeScriptHashToID, scriptHash[:])
}

func accountCountKey() smt.H256 {
	return rawKey(MetaContractAccountID, keyTypeAccountCount, nil)
}

func dataKey(dataHash smt.H256) smt.H256 {
	return rawKey(MetaContractAccountID, keyTypeData, dataHash[:])
}

// ScriptHashFromBytes hashes a serialized L1 lock/type script into the
// script_hash identity used throughout the state tree.
func ScriptHashFromBytes(script []byte) smt.H256 {
	h := blake2b.Sum256(script)
	return h
}
