// Copyright 2025 Certen Protocol

// Package meta implements the meta-contract backend: account creation
// and script-hash/account-id queries, the one backend every rollup
// account indirectly depends on since account 0 always runs it.
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/smt"
)

// Call selectors, the first byte of CallContext.Args.
const (
	SelectorCreateAccount byte = 0x00
	SelectorGetAccountID  byte = 0x01
	SelectorGetScriptHash byte = 0x02
)

// ErrUnknownSelector is returned for an args payload with no matching
// call selector.
var ErrUnknownSelector = errors.New("meta: unknown call selector")

// Backend is the meta-contract. It must be registered under the
// validator_script_type_hash this rollup reserves for account 0.
type Backend struct{}

func (Backend) Name() string { return "meta-contract" }

func (Backend) Execute(ctx *backend.CallContext) (*backend.RunResult, error) {
	if len(ctx.Args) < 1 {
		return nil, fmt.Errorf("meta: empty call args")
	}
	switch ctx.Args[0] {
	case SelectorCreateAccount:
		script := ctx.Args[1:]
		scriptHash := smt.H256(blake2b.Sum256(script))
		id, err := ctx.View.CreateAccount(scriptHash, script)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, id)
		return &backend.RunResult{ReturnData: out}, nil

	case SelectorGetAccountID:
		if len(ctx.Args) < 33 {
			return nil, fmt.Errorf("meta: get_account_id requires a 32-byte script hash")
		}
		var scriptHash smt.H256
		copy(scriptHash[:], ctx.Args[1:33])
		id, ok, err := ctx.View.GetAccountIDByScriptHash(scriptHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &backend.RunResult{ReturnData: nil}, nil
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, id)
		return &backend.RunResult{ReturnData: out}, nil

	case SelectorGetScriptHash:
		if len(ctx.Args) < 5 {
			return nil, fmt.Errorf("meta: get_script_hash requires a 4-byte account id")
		}
		id := binary.BigEndian.Uint32(ctx.Args[1:5])
		hash, err := ctx.View.GetScriptHash(id)
		if err != nil {
			return nil, err
		}
		return &backend.RunResult{ReturnData: hash[:]}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownSelector, ctx.Args[0])
	}
}
