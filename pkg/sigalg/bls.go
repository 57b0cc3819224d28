// Copyright 2025 Certen Protocol

package sigalg

import (
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
)

// bls12381DST is the hash-to-curve domain separation tag for signatures
// verified by this node; changing it invalidates every previously issued
// BLS-signed transaction.
var bls12381DST = []byte("ROLLUP_CORE_BLS_SIG_G1_XMD:SHA-256_SSWU_RO_NUL_")

// BLS12381 is a min-signature-size BLS scheme over BLS12-381: public keys
// live in G2 (96-byte compressed, carried as lockArgs), signatures in G1
// (48-byte compressed). Verification checks e(sig, g2Gen) == e(H(msg), pub).
type BLS12381 struct{}

func (BLS12381) Name() string { return "bls12-381" }

func (BLS12381) Verify(message [32]byte, signature, lockArgs []byte) error {
	var pub bls12381.G2Affine
	if _, err := pub.SetBytes(lockArgs); err != nil {
		return fmt.Errorf("decode bls public key: %w", err)
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return fmt.Errorf("decode bls signature: %w", err)
	}

	hm, err := bls12381.HashToG1(message[:], bls12381DST)
	if err != nil {
		return fmt.Errorf("hash message onto curve: %w", err)
	}

	_, _, _, g2GenAff := bls12381.Generators()

	lhs, err := bls12381.Pair([]bls12381.G1Affine{sig}, []bls12381.G2Affine{g2GenAff})
	if err != nil {
		return fmt.Errorf("pair signature: %w", err)
	}
	rhs, err := bls12381.Pair([]bls12381.G1Affine{hm}, []bls12381.G2Affine{pub})
	if err != nil {
		return fmt.Errorf("pair message hash: %w", err)
	}
	if !lhs.Equal(&rhs) {
		return ErrVerificationFailed
	}
	return nil
}
