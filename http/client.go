package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

// Settler pays a demand. *client.Client implements it.
type Settler interface {
	SettleDemand(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error)
}

// PeerRegistry learns the channel endpoint a payee advertises.
// *channel.StaticResolver satisfies it.
type PeerRegistry interface {
	Add(address string, cp paycore.Counterparty)
}

// ============================================================================
// Client - HTTP-aware payment client
// ============================================================================

// Client answers 402 responses by settling the demand and replaying the
// request with the proof attached.
type Client struct {
	settler Settler
	peers   PeerRegistry
	peerCfg CounterpartyConfig
	logger  *zap.Logger
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPeerDiscovery registers a counterparty transport for every payee that
// advertises a channel endpoint in its demands.
func WithPeerDiscovery(peers PeerRegistry, config CounterpartyConfig) ClientOption {
	return func(c *Client) {
		c.peers = peers
		c.peerCfg = config
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a payment-handling HTTP client around settler.
func NewClient(settler Settler, opts ...ClientOption) *Client {
	c := &Client{settler: settler, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetPaymentRequired extracts the demand from a 402 response.
func (c *Client) GetPaymentRequired(resp *http.Response) (*types.DemandEnvelope, error) {
	header := resp.Header.Get(HeaderPaymentRequired)
	if header == "" {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, "402 response carries no payment-required header", nil)
	}
	return DecodeDemandHeader(header, c.now())
}

func (c *Client) discover(envelope *types.DemandEnvelope) {
	if c.peers == nil {
		return
	}
	endpoint, ok := types.ChannelEndpointOf(envelope)
	if !ok {
		return
	}
	address := endpoint.Address
	if address == "" {
		address = envelope.Demand.Destination
	}
	cfg := c.peerCfg
	cfg.URL = endpoint.URL
	c.peers.Add(address, NewCounterpartyClient(cfg))
	c.logger.Debug("registered payee channel endpoint", zap.String("address", address), zap.String("url", endpoint.URL))
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client with payment handling
func WrapHTTPClientWithPayment(client *http.Client, payer *Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client

	originalTransport := wrapped.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}
	wrapped.Transport = &PaymentRoundTripper{Transport: originalTransport, payer: payer}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with payment handling.
// Each request is paid for at most once.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	payer     *Client
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req, err := replayable(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	envelope, err := t.payer.GetPaymentRequired(resp)
	drain(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	t.payer.discover(envelope)

	ctx := req.Context()
	proof, err := t.payer.settler.SettleDemand(ctx, envelope.Demand)
	if err != nil {
		return nil, fmt.Errorf("failed to settle demand %s: %w", envelope.Demand.ID, err)
	}

	header, err := EncodeProofHeader(*proof, envelope.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof: %w", err)
	}

	paymentReq := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		paymentReq.Body = body
	}
	paymentReq.Header.Set(HeaderPaymentSignature, header)
	return t.Transport.RoundTrip(paymentReq)
}

// replayable returns req, or a copy whose body can be sent twice.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs an HTTP request with automatic payment handling
func (c *Client) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := &http.Client{
		Transport: &PaymentRoundTripper{Transport: http.DefaultTransport, payer: c},
	}
	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling
func (c *Client) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request with automatic payment handling
func (c *Client) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}
