// Copyright 2025 Certen Protocol

// Package evm implements an EVM-compatible backend on top of
// github.com/ethereum/go-ethereum/core/vm, the "EVM-compatible" default
// backend registered alongside the meta-contract and SUDT
// backends.
//
// stateDBAdapter satisfies vm.StateDB by layering an in-call overlay
// (plain maps, snapshotted by deep copy) over the durable pkg/state.View:
// balances and nonces commit back to the view's SUDT/account leaves when
// the call succeeds, contract code is content-addressed through
// View.SetData/GetData, and storage slots live only in the overlay for
// the duration of one CallContext — exactly the "overlay state,
// reset_to(tip) discards rather than reverses" model the overlay state uses
// for the generator as a whole, scoped here to a single EVM call.
package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/smt"
)

// nativeSUDTID is the SUDT type this backend treats as the EVM's native
// asset (the chain's CKB-pegged balance). It is a package constant, not
// read from the rollup config.
const nativeSUDTID = 0

type accountState struct {
	nonce    uint64
	balance  *uint256.Int
	code     []byte
	codeHash common.Hash
	storage  map[common.Hash]common.Hash
	exists   bool
}

func freshAccount() *accountState {
	return &accountState{balance: uint256.NewInt(0), storage: make(map[common.Hash]common.Hash)}
}

func (a *accountState) clone() *accountState {
	cp := &accountState{
		nonce:    a.nonce,
		balance:  new(uint256.Int).Set(a.balance),
		code:     append([]byte(nil), a.code...),
		codeHash: a.codeHash,
		storage:  make(map[common.Hash]common.Hash, len(a.storage)),
		exists:   a.exists,
	}
	for k, v := range a.storage {
		cp.storage[k] = v
	}
	return cp
}

// stateDBAdapter is constructed fresh for each CallContext and discarded
// (successfully or not) at the end of Execute — only the final
// balance/nonce/code deltas are ever folded back into ctx.View.
type stateDBAdapter struct {
	ctx        *backend.CallContext
	accounts   map[common.Address]*accountState
	snaps      []map[common.Address]*accountState
	logs       []*types.Log
	refund     uint64
	destructed map[common.Address]bool
}

func newStateDBAdapter(ctx *backend.CallContext) *stateDBAdapter {
	return &stateDBAdapter{
		ctx:        ctx,
		accounts:   make(map[common.Address]*accountState),
		destructed: make(map[common.Address]bool),
	}
}

func (s *stateDBAdapter) account(addr common.Address) *accountState {
	acct, ok := s.accounts[addr]
	if ok {
		return acct
	}
	acct = freshAccount()
	id, found, err := s.ctx.View.GetAccountIDByScriptHash(accountScriptHash(addr))
	if err == nil && found {
		acct.exists = true
		if nonce, err := s.ctx.View.GetNonce(id); err == nil {
			acct.nonce = uint64(nonce)
		}
		if bal, err := s.ctx.View.GetSUDTBalance(nativeSUDTID, id); err == nil {
			acct.balance = uint256.NewInt(bal)
		}
	}
	s.accounts[addr] = acct
	return acct
}

// accountScriptHash derives the rollup script hash standing in for an
// EVM address, so EVM accounts thread through the same account tree as
// every other backend rather than maintaining a parallel address space.
func accountScriptHash(addr common.Address) smt.H256 {
	return smt.H256(blake2b.Sum256(append([]byte("evm-account:"), addr.Bytes()...)))
}

func (s *stateDBAdapter) CreateAccount(addr common.Address) {
	acct := s.account(addr)
	acct.exists = true
}

func (s *stateDBAdapter) CreateContract(addr common.Address) {
	s.account(addr).exists = true
}

func (s *stateDBAdapter) SubBalance(addr common.Address, amount *uint256.Int, _ int) uint256.Int {
	acct := s.account(addr)
	prev := *acct.balance
	acct.balance = new(uint256.Int).Sub(acct.balance, amount)
	return prev
}

func (s *stateDBAdapter) AddBalance(addr common.Address, amount *uint256.Int, _ int) uint256.Int {
	acct := s.account(addr)
	prev := *acct.balance
	acct.balance = new(uint256.Int).Add(acct.balance, amount)
	return prev
}

func (s *stateDBAdapter) GetBalance(addr common.Address) *uint256.Int {
	return s.account(addr).balance
}

func (s *stateDBAdapter) GetNonce(addr common.Address) uint64 {
	return s.account(addr).nonce
}

func (s *stateDBAdapter) SetNonce(addr common.Address, nonce uint64, _ int) {
	s.account(addr).nonce = nonce
}

func (s *stateDBAdapter) GetCodeHash(addr common.Address) common.Hash {
	return s.account(addr).codeHash
}

func (s *stateDBAdapter) GetCode(addr common.Address) []byte {
	acct := s.account(addr)
	if acct.code != nil {
		return acct.code
	}
	if acct.codeHash == (common.Hash{}) {
		return nil
	}
	code, err := s.ctx.View.GetData(smt.H256(acct.codeHash))
	if err != nil {
		return nil
	}
	acct.code = code
	return code
}

func (s *stateDBAdapter) SetCode(addr common.Address, code []byte) {
	acct := s.account(addr)
	acct.code = code
	hash, err := s.ctx.View.SetData(code)
	if err == nil {
		acct.codeHash = common.Hash(hash)
	}
}

func (s *stateDBAdapter) GetCodeSize(addr common.Address) int {
	return len(s.GetCode(addr))
}

func (s *stateDBAdapter) AddRefund(amount uint64) { s.refund += amount }
func (s *stateDBAdapter) SubRefund(amount uint64) {
	if amount > s.refund {
		s.refund = 0
		return
	}
	s.refund -= amount
}
func (s *stateDBAdapter) GetRefund() uint64 { return s.refund }

func (s *stateDBAdapter) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	return s.GetState(addr, key)
}

func (s *stateDBAdapter) GetState(addr common.Address, key common.Hash) common.Hash {
	return s.account(addr).storage[key]
}

func (s *stateDBAdapter) SetState(addr common.Address, key, value common.Hash) common.Hash {
	acct := s.account(addr)
	prev := acct.storage[key]
	acct.storage[key] = value
	return prev
}

func (s *stateDBAdapter) GetStorageRoot(common.Address) common.Hash { return common.Hash{} }

func (s *stateDBAdapter) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return common.Hash{}
}
func (s *stateDBAdapter) SetTransientState(common.Address, common.Hash, common.Hash) {}

func (s *stateDBAdapter) SelfDestruct(addr common.Address) uint256.Int {
	acct := s.account(addr)
	prev := *acct.balance
	s.destructed[addr] = true
	acct.balance = uint256.NewInt(0)
	return prev
}

func (s *stateDBAdapter) HasSelfDestructed(addr common.Address) bool {
	return s.destructed[addr]
}

func (s *stateDBAdapter) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	prev := s.SelfDestruct(addr)
	return prev, true
}

func (s *stateDBAdapter) Exist(addr common.Address) bool {
	return s.account(addr).exists
}

func (s *stateDBAdapter) Empty(addr common.Address) bool {
	acct := s.account(addr)
	return acct.nonce == 0 && acct.balance.IsZero() && len(acct.code) == 0
}

func (s *stateDBAdapter) AddressInAccessList(common.Address) bool { return true }
func (s *stateDBAdapter) SlotInAccessList(common.Address, common.Hash) (bool, bool) {
	return true, true
}
func (s *stateDBAdapter) AddAddressToAccessList(common.Address)           {}
func (s *stateDBAdapter) AddSlotToAccessList(common.Address, common.Hash) {}

func (s *stateDBAdapter) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.snaps) {
		return
	}
	s.accounts = s.snaps[id]
	s.snaps = s.snaps[:id]
}

func (s *stateDBAdapter) Snapshot() int {
	cp := make(map[common.Address]*accountState, len(s.accounts))
	for addr, acct := range s.accounts {
		cp[addr] = acct.clone()
	}
	s.snaps = append(s.snaps, cp)
	return len(s.snaps) - 1
}

func (s *stateDBAdapter) AddLog(l *types.Log) {
	s.logs = append(s.logs, l)
}

func (s *stateDBAdapter) AddPreimage(common.Hash, []byte) {}

// commit folds every touched account's nonce and native balance back into
// the durable view, allocating a rollup account for any EVM address that
// did not already have one.
func (s *stateDBAdapter) commit() error {
	for addr, acct := range s.accounts {
		if !acct.exists && acct.nonce == 0 && acct.balance.IsZero() {
			continue
		}
		scriptHash := accountScriptHash(addr)
		id, found, err := s.ctx.View.GetAccountIDByScriptHash(scriptHash)
		if err != nil {
			return err
		}
		if !found {
			id, err = s.ctx.View.CreateAccount(scriptHash, addr.Bytes())
			if err != nil {
				return err
			}
		}
		for cur, err := s.ctx.View.GetNonce(id); cur < uint32(acct.nonce); cur, err = s.ctx.View.GetNonce(id) {
			if err != nil {
				return err
			}
			if err := s.ctx.View.IncrementNonce(id); err != nil {
				return err
			}
		}
		bal, err := s.ctx.View.GetSUDTBalance(nativeSUDTID, id)
		if err != nil {
			return err
		}
		target := acct.balance.Uint64()
		if target > bal {
			if err := s.ctx.View.MintSUDT(nativeSUDTID, id, target-bal); err != nil {
				return err
			}
		} else if target < bal {
			if err := s.ctx.View.BurnSUDT(nativeSUDTID, id, bal-target); err != nil {
				return err
			}
		}
	}
	return nil
}

func toBigInt(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}
