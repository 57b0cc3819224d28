// Copyright 2025 Certen Protocol

package sigalg

import (
	"crypto/ed25519"
	"fmt"
)

// Ed25519 verifies a signature directly against the 32-byte public key
// carried in lockArgs, via stdlib crypto/ed25519 — the same primitive
// the node's own P2P identity key uses.
type Ed25519 struct{}

func (Ed25519) Name() string { return "ed25519" }

func (Ed25519) Verify(message [32]byte, signature, lockArgs []byte) error {
	if len(lockArgs) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 lock args must be %d bytes, got %d", ed25519.PublicKeySize, len(lockArgs))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("ed25519 signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(lockArgs), message[:], signature) {
		return ErrVerificationFailed
	}
	return nil
}
