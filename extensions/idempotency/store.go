package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyGenerator derives a settlement key from an encoded payload.
type KeyGenerator func(payloadBytes []byte) string

// DefaultKeyGenerator keys a payload by the SHA256 of its bytes.
func DefaultKeyGenerator(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// DemandKey is the key under which the on-chain settlement of a demand is
// deduplicated.
func DemandKey(demandID string) string {
	return "onchain:" + demandID
}

// TransactionKey is the key under which a payee records the demand an
// on-chain transaction was accepted for. Hashes are compared
// case-insensitively.
func TransactionKey(txHash string) string {
	return "tx:" + strings.ToLower(txHash)
}
