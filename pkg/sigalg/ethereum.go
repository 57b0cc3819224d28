// Copyright 2025 Certen Protocol

package sigalg

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// personalSignPrefix is go-ethereum's domain separator for
// eth_personalSign / eth_sign, applied before recovery the same way a
// wallet signing a rollup transaction hash would.
const personalSignPrefix = "\x19Ethereum Signed Message:\n32"

// EthereumPersonalSign recovers a secp256k1 public key from a 65-byte
// [R || S || V] signature over the personal-sign-prefixed message and
// checks it hashes to the 20-byte address carried in lockArgs.
type EthereumPersonalSign struct{}

func (EthereumPersonalSign) Name() string { return "ethereum-personal-sign" }

func (EthereumPersonalSign) Verify(message [32]byte, signature, lockArgs []byte) error {
	if len(signature) != 65 {
		return fmt.Errorf("ethereum signature must be 65 bytes, got %d", len(signature))
	}
	if len(lockArgs) < 20 {
		return fmt.Errorf("ethereum lock args must carry a 20-byte address, got %d bytes", len(lockArgs))
	}
	expected := lockArgs[len(lockArgs)-20:]

	digest := crypto.Keccak256([]byte(personalSignPrefix), message[:])

	// go-ethereum's Ecrecover expects V normalized to {0,1}.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover pubkey: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	for i := 0; i < 20; i++ {
		if addr[i] != expected[i] {
			return ErrVerificationFailed
		}
	}
	return nil
}
