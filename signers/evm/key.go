// Package evm holds the secp256k1 key used to sign channel updates and ledger
// transactions. The key never leaves a KeySigner; callers hand it digests.
package evm

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs 32-byte digests with an ECDSA private key. Key use is
// serialized so signatures and rotation never interleave.
type KeySigner struct {
	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeySignerFromPrivateKey creates a signer from a hex-encoded private key
// (with or without "0x" prefix).
func NewKeySignerFromPrivateKey(privateKeyHex string) (*KeySigner, error) {
	privateKey, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func parseKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}

// Address returns the checksummed address of the current key.
func (s *KeySigner) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address.Hex()
}

// SignDigest signs a 32-byte digest. The signature is 65 bytes [R || S || V]
// with V in {0, 1}.
func (s *KeySigner) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// Matches reports, in constant time, whether secret is the current key.
func (s *KeySigner) Matches(secret string) bool {
	candidate, err := parseKey(secret)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return subtle.ConstantTimeCompare(crypto.FromECDSA(candidate), crypto.FromECDSA(s.privateKey)) == 1
}

// Rotate replaces the key with newSecret if oldSecret is the current key and
// newSecret parses. On failure the signer is unchanged.
func (s *KeySigner) Rotate(oldSecret, newSecret string) error {
	next, err := parseKey(newSecret)
	if err != nil {
		return fmt.Errorf("new key rejected: %w", err)
	}
	old, err := parseKey(oldSecret)
	if err != nil {
		return fmt.Errorf("old key does not match")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if subtle.ConstantTimeCompare(crypto.FromECDSA(old), crypto.FromECDSA(s.privateKey)) != 1 {
		return fmt.Errorf("old key does not match")
	}
	s.privateKey = next
	s.address = crypto.PubkeyToAddress(next.PublicKey)
	return nil
}
