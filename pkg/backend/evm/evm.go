// Copyright 2025 Certen Protocol

package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/rollupcore/optiroll/pkg/backend"
)

// ErrArgsTooShort is returned when CallContext.Args is too short to carry
// the fixed [to(20) value(32) input...] layout an EVM call requires.
var ErrArgsTooShort = errors.New("evm: call args shorter than the fixed to/value header")

// chainConfig pins the fork rules this backend executes under. The
// rollup runs a single, frozen configuration rather than a
// height-activated schedule, so every field is set to genesis.
var chainConfig = &params.ChainConfig{
	ChainID:             big.NewInt(0x434b42), // "CKB" in ASCII, this rollup's chain id
	HomesteadBlock:      big.NewInt(0),
	EIP150Block:         big.NewInt(0),
	EIP155Block:         big.NewInt(0),
	EIP158Block:         big.NewInt(0),
	ByzantiumBlock:      big.NewInt(0),
	ConstantinopleBlock: big.NewInt(0),
	PetersburgBlock:     big.NewInt(0),
	IstanbulBlock:       big.NewInt(0),
	BerlinBlock:         big.NewInt(0),
	LondonBlock:         big.NewInt(0),
}

// Backend is the EVM-compatible default backend: it adapts pkg/state.View
// to vm.StateDB and runs the call through a real
// github.com/ethereum/go-ethereum/core/vm.EVM, metering gas 1:1 against
// the generator's cycle budget.
type Backend struct{}

func (Backend) Name() string { return "evm" }

func (Backend) Execute(ctx *backend.CallContext) (*backend.RunResult, error) {
	if len(ctx.Args) < 52 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrArgsTooShort, len(ctx.Args))
	}
	var to common.Address
	copy(to[:], ctx.Args[0:20])
	value := new(uint256.Int).SetBytes(ctx.Args[20:52])
	input := ctx.Args[52:]

	var fromScript common.Address
	fromScript[19] = byte(ctx.FromID)
	fromScript[18] = byte(ctx.FromID >> 8)
	fromScript[17] = byte(ctx.FromID >> 16)
	fromScript[16] = byte(ctx.FromID >> 24)

	statedb := newStateDBAdapter(ctx)

	blockCtx := vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, from, to common.Address, amount *uint256.Int) {
			db.SubBalance(from, amount, 0)
			db.AddBalance(to, amount, 0)
		},
		GetHash:     func(uint64) common.Hash { return common.Hash{} },
		BlockNumber: big.NewInt(0),
		Time:        0,
		Difficulty:  big.NewInt(0),
		GasLimit:    ctx.CyclesRemaining,
		BaseFee:     big.NewInt(0),
	}
	txCtx := vm.TxContext{
		Origin:   fromScript,
		GasPrice: big.NewInt(0),
	}

	evm := vm.NewEVM(blockCtx, statedb, chainConfig, vm.Config{})
	evm.SetTxContext(txCtx)

	var (
		ret         []byte
		leftOverGas uint64
		err         error
	)
	isCreate := to == (common.Address{})
	if isCreate {
		var created common.Address
		ret, created, leftOverGas, err = evm.Create(fromScript, input, ctx.CyclesRemaining, value)
		to = created
	} else {
		ret, leftOverGas, err = evm.Call(fromScript, to, input, ctx.CyclesRemaining, value)
	}
	if err != nil && !isVMRevert(err) {
		return nil, fmt.Errorf("evm call: %w", err)
	}

	if commitErr := statedb.commit(); commitErr != nil {
		return nil, fmt.Errorf("evm: commit state: %w", commitErr)
	}

	cyclesUsed := ctx.CyclesRemaining - leftOverGas
	result := &backend.RunResult{
		ReturnData: ret,
		CyclesUsed: cyclesUsed,
	}
	for _, l := range statedb.logs {
		result.Logs = append(result.Logs, backend.LogItem{
			Kind:   polyjuiceLogKind(l.Address, to),
			Topics: hashesToTopics(l.Topics),
			Data:   l.Data,
		})
	}
	if err != nil {
		return result, fmt.Errorf("evm: reverted: %w", err)
	}
	return result, nil
}

func isVMRevert(err error) bool {
	return errors.Is(err, vm.ErrExecutionReverted)
}

func polyjuiceLogKind(emitter, target common.Address) backend.LogKind {
	if emitter == target {
		return backend.LogPolyjuiceSystem
	}
	return backend.LogPolyjuiceUser
}

func hashesToTopics(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}
