// Copyright 2025 Certen Protocol

// Package backend implements the deterministic VM backend registry: a
// transaction's to_id resolves to an account whose script carries a
// validator_script_type_hash, and that hash selects the backend that
// actually executes the call.
package backend

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rollupcore/optiroll/pkg/state"
)

// ErrUnknownBackend is returned when no backend is registered for a
// validator_script_type_hash.
var ErrUnknownBackend = errors.New("backend: no backend registered for validator script type hash")

// ErrInvalidLog is returned when a backend-emitted log item exceeds the
// bounds the protocol fixes for log payloads.
var ErrInvalidLog = errors.New("backend: log item exceeds size bounds")

// Bounds on backend-emitted log items.
const (
	MaxLogDataBytes = 64 * 1024
	MaxLogTopics    = 4
)

// LogKind identifies the shape of a log item a backend may emit.
type LogKind byte

const (
	LogSUDTTransfer    LogKind = 0
	LogSUDTPayFee      LogKind = 1
	LogPolyjuiceSystem LogKind = 2
	LogPolyjuiceUser   LogKind = 3
)

// LogItem is one typed, length-prefixed log entry a backend emits during
// execution.
type LogItem struct {
	Kind   LogKind
	Topics [][]byte
	Data   []byte
}

func (l LogItem) validate() error {
	if len(l.Data) > MaxLogDataBytes {
		return fmt.Errorf("%w: data length %d > %d", ErrInvalidLog, len(l.Data), MaxLogDataBytes)
	}
	if len(l.Topics) > MaxLogTopics {
		return fmt.Errorf("%w: topic count %d > %d", ErrInvalidLog, len(l.Topics), MaxLogTopics)
	}
	return nil
}

// CallContext is the input a backend executes against.
type CallContext struct {
	View            *state.View
	FromID, ToID    uint32
	Args            []byte
	CyclesRemaining uint64
}

// RunResult is a backend's output, folded into the generator's RunResult.
type RunResult struct {
	ReturnData []byte
	Logs       []LogItem
	CyclesUsed uint64
}

// Backend is a deterministic VM identified by a validator_script_type_hash.
type Backend interface {
	Name() string
	Execute(ctx *CallContext) (*RunResult, error)
}

// Registry dispatches by validator_script_type_hash, the same
// registry-by-key shape pkg/sigalg uses for signature algorithms.
type Registry struct {
	mu       sync.RWMutex
	backends map[[32]byte]Backend
	logger   *log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[[32]byte]Backend),
		logger:   log.New(log.Writer(), "[Backend] ", log.LstdFlags),
	}
}

// Register binds typeHash to backend.
func (r *Registry) Register(typeHash [32]byte, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[typeHash] = b
	r.logger.Printf("✅ registered backend %q for validator script type hash %x", b.Name(), typeHash)
}

// Execute dispatches ctx to the backend registered for typeHash and
// validates every emitted log item against the protocol bounds.
func (r *Registry) Execute(typeHash [32]byte, ctx *CallContext) (*RunResult, error) {
	r.mu.RLock()
	b, ok := r.backends[typeHash]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownBackend, typeHash)
	}
	result, err := b.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name(), err)
	}
	for _, l := range result.Logs {
		if err := l.validate(); err != nil {
			return nil, err
		}
	}
	return result, nil
}
