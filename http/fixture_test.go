package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/channel"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/policy"
	"github.com/cygnus-agents/paycore/retry"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
	"github.com/cygnus-agents/paycore/test/mocks/cash"
)

const testPolicy = "agents"

func init() {
	gin.SetMode(gin.TestMode)
}

func noSleep(context.Context, time.Duration) error { return nil }

// peer is an agent with a channel manager served over HTTP.
type peer struct {
	key      *evmsigner.KeySigner
	signer   *policy.Signer
	gateway  *ledger.Gateway
	resolver *channel.StaticResolver
	manager  *channel.Manager
	router   *gin.Engine
	server   *httptest.Server
}

func newPeer(t *testing.T, book *cash.Ledger, opts ...ChannelServerOption) *peer {
	t.Helper()
	key, err := evmsigner.GenerateKeySigner()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := policy.NewSigner(key)
	if _, err := signer.DefinePolicy(paycore.Policy{ID: testPolicy, MaxAmount: 1_000_000_000_000}); err != nil {
		t.Fatalf("define policy: %v", err)
	}
	retrier := retry.New(retry.Policy{MaxRetries: 2}, retry.WithSleeper(noSleep))
	gw := ledger.NewGateway(book, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil), retrier,
		ledger.WithPollInterval(2*time.Millisecond))

	p := &peer{key: key, signer: signer, gateway: gw, resolver: channel.NewStaticResolver()}
	p.manager = channel.NewManager(channel.Config{PolicyID: testPolicy}, signer, gw, p.resolver, channel.WithRetry(retrier))
	p.router = gin.New()
	NewChannelServer(p.manager, opts...).Register(p.router)
	p.server = httptest.NewServer(p.router)
	t.Cleanup(p.server.Close)
	return p
}

func (p *peer) address() string { return p.key.Address() }

// dial registers the HTTP transport from p to other.
func (p *peer) dial(other *peer, transport http.RoundTripper) *CounterpartyClient {
	cfg := CounterpartyConfig{URL: other.server.URL, Identity: p.address()}
	if transport != nil {
		cfg.HTTPClient = &http.Client{Transport: transport, Timeout: 5 * time.Second}
	}
	cp := NewCounterpartyClient(cfg)
	p.resolver.Add(other.address(), cp)
	return cp
}

// pair links payer and payee both ways over HTTP.
func pair(t *testing.T) (*cash.Ledger, *peer, *peer) {
	t.Helper()
	book := cash.NewLedger()
	payer, payee := newPeer(t, book), newPeer(t, book)
	payer.dial(payee, nil)
	payee.dial(payer, nil)
	return book, payer, payee
}

func openChannel(t *testing.T, book *cash.Ledger, payer, payee *peer, capacity paycore.Amount) paycore.ChannelSnapshot {
	t.Helper()
	book.Fund(payer.address(), capacity)
	snap, err := payer.manager.OpenChannel(context.Background(), payee.address(), capacity, time.Second)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	return snap
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got no error", code)
	}
	if got := paycore.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}
