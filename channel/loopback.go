package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cygnus-agents/paycore"
)

// Loopback delivers counterparty calls directly to a Manager in the same
// process. It is used by tests and by single-process demos.
type Loopback struct {
	remote *Manager

	mu       sync.Mutex
	dropNext int
}

// NewLoopback returns a counterparty backed by remote.
func NewLoopback(remote *Manager) *Loopback {
	return &Loopback{remote: remote}
}

// DropResponses makes the next n co-sign or close calls reach the remote
// manager but lose its answer, as a broken connection would.
func (l *Loopback) DropResponses(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropNext = n
}

func (l *Loopback) drop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropNext > 0 {
		l.dropNext--
		return true
	}
	return false
}

func (l *Loopback) AnnounceChannel(ctx context.Context, a paycore.ChannelAnnouncement) error {
	_, err := l.remote.RegisterRemoteChannel(ctx, a)
	return err
}

func (l *Loopback) RequestCoSign(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	return l.deliver(ctx, update, l.remote.AcceptUpdate)
}

func (l *Loopback) RequestClose(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	return l.deliver(ctx, update, l.remote.AcceptClose)
}

func (l *Loopback) deliver(ctx context.Context, update paycore.BalanceUpdate, fn func(context.Context, paycore.BalanceUpdate) (paycore.BalanceUpdate, error)) (paycore.BalanceUpdate, error) {
	cosigned, err := fn(ctx, update)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	if l.drop() {
		return paycore.BalanceUpdate{}, paycore.NewPaymentError(paycore.ErrCodeNetworkTransient, "response lost", nil)
	}
	return cosigned, nil
}

var _ paycore.Counterparty = (*Loopback)(nil)

// StaticResolver maps addresses to counterparties. Lookups ignore case.
type StaticResolver struct {
	mu    sync.RWMutex
	peers map[string]paycore.Counterparty
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{peers: make(map[string]paycore.Counterparty)}
}

// Add registers cp as the transport for address.
func (s *StaticResolver) Add(address string, cp paycore.Counterparty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[strings.ToLower(address)] = cp
}

func (s *StaticResolver) Resolve(address string) (paycore.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.peers[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("no counterparty registered for %s", address)
	}
	return cp, nil
}
