// Package http carries the payment-required exchange over HTTP: a payer
// round tripper, a payee middleware, and the channel counterparty
// transport in both directions.
package http

import (
	"context"
	"io"
	"net/http"
)

// Header names
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
)

// Counterparty endpoints
const (
	PathAnnounce = "/channels/announce"
	PathUpdates  = "/channels/updates"
	PathClose    = "/channels/close"
)

// ============================================================================
// Convenience functions
// ============================================================================

// WrapClient wraps a standard HTTP client with payment handling
func WrapClient(client *http.Client, payer *Client) *http.Client {
	return WrapHTTPClientWithPayment(client, payer)
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, payer *Client) (*http.Response, error) {
	return payer.GetWithPayment(ctx, url)
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url string, body io.Reader, payer *Client) (*http.Response, error) {
	return payer.PostWithPayment(ctx, url, body)
}

// Do performs an HTTP request with automatic payment handling
func Do(ctx context.Context, req *http.Request, payer *Client) (*http.Response, error) {
	return payer.DoWithPayment(ctx, req)
}
