package paycore

import (
	"context"
	"sync"
	"time"
)

// SettlementCache is the in-process SettlementStore. It caches successful
// proofs for a TTL and tracks in-flight settlements so a demand retried after
// a timeout waits for the first attempt instead of paying twice.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*Proof
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

var _ SettlementStore = (*SettlementCache)(nil)

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*Proof),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (c *SettlementCache) CheckAndMark(_ context.Context, key string) (SettlementStatus, *Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result := c.getLocked(key); result != nil {
		return StatusCached, result, nil
	}
	if _, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, nil
	}

	c.inFlight[key] = make(chan struct{})
	return StatusNotFound, nil, nil
}

// WaitForResult waits for an in-flight request to complete, respecting context cancellation.
// Returns the cached result if available, or nil if the in-flight request failed.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string) (*Proof, error) {
	c.mu.Lock()
	done, exists := c.inFlight[key]
	if !exists {
		result := c.getLocked(key)
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get retrieves a cached proof if it exists and hasn't expired.
func (c *SettlementCache) Get(key string) *Proof {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Complete caches proof and signals any waiting goroutines.
func (c *SettlementCache) Complete(_ context.Context, key string, proof *Proof) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = proof
	c.expiry[key] = c.now().Add(c.ttl)
	c.releaseLocked(key)

	// Lazy cleanup of expired entries
	c.cleanupExpiredLocked()
	return nil
}

// Fail removes the in-flight marker without caching a result,
// allowing the settlement to be retried.
func (c *SettlementCache) Fail(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(key)
	return nil
}

func (c *SettlementCache) releaseLocked(key string) {
	if done, ok := c.inFlight[key]; ok {
		delete(c.inFlight, key)
		close(done)
	}
}

func (c *SettlementCache) getLocked(key string) *Proof {
	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
