// Copyright 2025 Certen Protocol

// Package sigalg implements the pluggable signature-algorithm registry the
// generator consults to verify a transaction's signature against the
// lock script that owns the sending account. Each algorithm is keyed by
// the lock script's code hash, the same dispatch shape pkg/backend uses
// for VM backends.
package sigalg

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrUnknownCodeHash is returned when no algorithm is registered for a
// lock script's code hash.
var ErrUnknownCodeHash = errors.New("sigalg: no algorithm registered for code hash")

// ErrVerificationFailed is returned by an Algorithm when a signature does
// not match the given message and expected signer.
var ErrVerificationFailed = errors.New("sigalg: signature verification failed")

// Algorithm verifies a single signature scheme. Message is the 32-byte
// transaction signing hash; signature is the raw lock-script witness
// payload; lockArgs carries whatever the lock script embeds to identify
// the expected signer (an address, a pubkey hash, a BLS public key).
type Algorithm interface {
	Name() string
	Verify(message [32]byte, signature, lockArgs []byte) error
}

// Registry dispatches by lock script code hash, exactly the pattern
// pkg/backend reuses for VM backend dispatch.
type Registry struct {
	mu     sync.RWMutex
	byHash map[[32]byte]Algorithm
	logger *log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash: make(map[[32]byte]Algorithm),
		logger: log.New(log.Writer(), "[SigAlg] ", log.LstdFlags),
	}
}

// Register binds codeHash to algo. Re-registering the same code hash
// overwrites the previous binding, which is useful in tests but should
// never happen in a running node.
func (r *Registry) Register(codeHash [32]byte, algo Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[codeHash] = algo
	r.logger.Printf("✅ registered signature algorithm %q for code hash %x", algo.Name(), codeHash)
}

// Verify looks up the algorithm for codeHash and verifies the signature.
func (r *Registry) Verify(codeHash [32]byte, message [32]byte, signature, lockArgs []byte) error {
	r.mu.RLock()
	algo, ok := r.byHash[codeHash]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownCodeHash, codeHash)
	}
	if err := algo.Verify(message, signature, lockArgs); err != nil {
		return fmt.Errorf("sigalg: %s: %w", algo.Name(), err)
	}
	return nil
}

// NewDefaultRegistry wires every signature algorithm the node ships with,
// keyed by the code hash of the corresponding lock script. In production
// these code hashes come from the rollup config (pkg/config); tests pass
// arbitrary placeholder hashes.
func NewDefaultRegistry(ethCodeHash, ed25519CodeHash, blsCodeHash [32]byte) *Registry {
	reg := NewRegistry()
	reg.Register(ethCodeHash, EthereumPersonalSign{})
	reg.Register(ed25519CodeHash, Ed25519{})
	reg.Register(blsCodeHash, BLS12381{})
	return reg
}
