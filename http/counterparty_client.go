package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cygnus-agents/paycore"
)

// HeaderPeer identifies the calling agent to a channel server.
const HeaderPeer = "X-Paycore-Peer"

// ============================================================================
// HTTP Counterparty Client
// ============================================================================

// CounterpartyClient reaches a remote channel manager over HTTP.
// Implements paycore.Counterparty.
type CounterpartyClient struct {
	url          string
	httpClient   *http.Client
	identity     string
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for counterparty requests
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// CounterpartyConfig configures the HTTP counterparty client
type CounterpartyConfig struct {
	// URL is the base URL of the remote channel server
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Identity is sent in HeaderPeer so the server can rate limit per agent
	// (optional)
	Identity string

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// errorResponse is the body of every non-2xx channel server answer.
type errorResponse struct {
	Error *paycore.PaymentError `json:"error"`
}

// NewCounterpartyClient creates a new HTTP counterparty client
func NewCounterpartyClient(config CounterpartyConfig) *CounterpartyClient {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &CounterpartyClient{
		url:          config.URL,
		httpClient:   httpClient,
		identity:     config.Identity,
		authProvider: config.AuthProvider,
	}
}

var _ paycore.Counterparty = (*CounterpartyClient)(nil)

// AnnounceChannel implements paycore.Counterparty.
func (c *CounterpartyClient) AnnounceChannel(ctx context.Context, announcement paycore.ChannelAnnouncement) error {
	return c.post(ctx, PathAnnounce, announcement, nil)
}

// RequestCoSign implements paycore.Counterparty.
func (c *CounterpartyClient) RequestCoSign(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	var cosigned paycore.BalanceUpdate
	if err := c.post(ctx, PathUpdates, update, &cosigned); err != nil {
		return paycore.BalanceUpdate{}, err
	}
	return cosigned, nil
}

// RequestClose implements paycore.Counterparty.
func (c *CounterpartyClient) RequestClose(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	var cosigned paycore.BalanceUpdate
	if err := c.post(ctx, PathClose, update, &cosigned); err != nil {
		return paycore.BalanceUpdate{}, err
	}
	return cosigned, nil
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

func (c *CounterpartyClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return paycore.Wrap(err, paycore.ErrCodeDecode, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return paycore.Wrap(err, paycore.ErrCodeSettlementFailed, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.identity != "" {
		req.Header.Set(HeaderPeer, c.identity)
	}

	// Add auth headers if available
	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return paycore.Wrap(err, paycore.ErrCodeSettlementFailed, "failed to get auth headers")
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return paycore.Classify(fmt.Errorf("%s request failed: %w", path, err))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return paycore.Wrap(err, paycore.ErrCodeNetworkTransient, "failed to read response body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(responseBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(responseBody, out); err != nil {
			return paycore.Wrap(err, paycore.ErrCodeDecode, "failed to decode response")
		}
		return nil
	}
	return remoteError(resp.StatusCode, responseBody)
}

// remoteError rebuilds the PaymentError a channel server answered with.
func remoteError(status int, body []byte) error {
	var decoded errorResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil && decoded.Error.Code != "" {
		pe := decoded.Error
		if raw, ok := pe.Details[paycore.DetailCommittedUpdate]; ok {
			if update, ok := redecode(raw); ok {
				pe.Details[paycore.DetailCommittedUpdate] = update
			}
		}
		return pe
	}

	code := paycore.ErrCodeSettlementFailed
	if status >= 500 || status == http.StatusTooManyRequests {
		code = paycore.ErrCodeNetworkTransient
	}
	return paycore.NewPaymentError(code, fmt.Sprintf("counterparty answered %d", status), map[string]interface{}{
		"status": status,
		"body":   string(body),
	})
}

// redecode turns a generic JSON value back into a BalanceUpdate.
func redecode(raw interface{}) (paycore.BalanceUpdate, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return paycore.BalanceUpdate{}, false
	}
	var update paycore.BalanceUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return paycore.BalanceUpdate{}, false
	}
	return update, true
}
