package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out account nonces so concurrent transactions from the
// same source do not collide before the node has seen them.
type NonceManager struct {
	mu      sync.Mutex
	backend Backend
	next    map[common.Address]uint64
}

// NewNonceManager creates a nonce manager reading pending nonces from backend.
func NewNonceManager(backend Backend) *NonceManager {
	return &NonceManager{
		backend: backend,
		next:    make(map[common.Address]uint64),
	}
}

// Reserve returns the next nonce for account: the larger of the node's
// pending nonce and the last nonce handed out plus one.
func (m *NonceManager) Reserve(ctx context.Context, account common.Address) (uint64, error) {
	pending, err := m.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nonce := pending
	if local, ok := m.next[account]; ok && local > nonce {
		nonce = local
	}
	m.next[account] = nonce + 1
	return nonce, nil
}

// Release gives back nonce when the transaction using it was never
// broadcast. Only the most recent reservation can be released.
func (m *NonceManager) Release(account common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next[account] == nonce+1 {
		m.next[account] = nonce
	}
}
