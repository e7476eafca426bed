package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NormalizeSignature returns a copy of sig with V in {0, 1}. Signatures using
// the Ethereum convention (V in {27, 28}) are accepted.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	return out, nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	normalized, err := NormalizeSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether sig over digest was produced by address.
func VerifySignature(address string, digest, sig []byte) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(address)
}
