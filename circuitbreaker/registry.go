package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Key prefixes for the dependencies this module guards.
const (
	KeyLedger = "ledger"
)

// CounterpartyKey names the breaker for calls to a remote channel peer.
func CounterpartyKey(address string) string {
	return "counterparty:" + address
}

// ChannelPathKey names the breaker for channel settlement toward a payee.
func ChannelPathKey(destination string) string {
	return "channel:" + destination
}

// Registry owns one breaker per dependency key, created on first use.
type Registry struct {
	config Config
	opts   []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share config.
func NewRegistry(config Config, logger *zap.Logger, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, r.config, r.opts...)
	r.breakers[key] = b
	return b
}

// States returns the state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State()
	}
	return out
}

// Keys returns the known keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
