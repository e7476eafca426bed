// Package ledger guards every call to the ledger collaborator with a circuit
// breaker and the retry handler, and adds submit-and-confirm helpers on top
// of the raw paycore.LedgerClient surface.
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/internal/metrics"
	"github.com/cygnus-agents/paycore/retry"
)

// DefaultPollInterval is the confirmation polling period.
const DefaultPollInterval = 2 * time.Second

// SignFunc produces a signature over tx.SigningHash. The policy signer
// provides it; a rejection aborts the submission before broadcast.
type SignFunc func(ctx context.Context, tx *paycore.Transaction) ([]byte, error)

// Gateway wraps a LedgerClient.
type Gateway struct {
	client       paycore.LedgerClient
	breaker      *circuitbreaker.Breaker
	retry        *retry.Handler
	metrics      *metrics.Collector
	logger       *zap.Logger
	pollInterval time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// WithPollInterval sets the confirmation polling period.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// NewGateway creates a gateway. The ledger breaker is taken from breakers.
func NewGateway(client paycore.LedgerClient, breakers *circuitbreaker.Registry, retrier *retry.Handler, opts ...Option) *Gateway {
	if retrier == nil {
		retrier = retry.New(retry.DefaultPolicy())
	}
	g := &Gateway{
		client:       client,
		breaker:      breakers.Get(circuitbreaker.KeyLedger),
		retry:        retrier,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "ledger"), zap.String("network", string(client.Network())))
	return g
}

func guarded[T any](ctx context.Context, g *Gateway, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	return metrics.Timed(g.metrics, "ledger."+operation, func() (T, error) {
		return circuitbreaker.ExecuteTyped(ctx, g.breaker, func(ctx context.Context) (T, error) {
			return retry.DoValue(ctx, g.retry, fn)
		})
	})
}

// Network returns the ledger network.
func (g *Gateway) Network() paycore.Network {
	return g.client.Network()
}

// Breaker returns the ledger breaker.
func (g *Gateway) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

// Construct builds an unsigned transaction.
func (g *Gateway) Construct(ctx context.Context, source string, params paycore.TxParams) (*paycore.Transaction, error) {
	return guarded(ctx, g, "construct", func(ctx context.Context) (*paycore.Transaction, error) {
		return g.client.ConstructTransaction(ctx, source, params)
	})
}

// Attach attaches signature to tx. It is not retried: a bad signature does
// not improve with time.
func (g *Gateway) Attach(ctx context.Context, tx *paycore.Transaction, signature []byte) (*paycore.SignedTransaction, error) {
	return g.client.SignTransaction(ctx, tx, signature)
}

// Broadcast submits a signed transaction. Rebroadcasting the same signed
// transaction is safe, so transient failures are retried.
func (g *Gateway) Broadcast(ctx context.Context, signed *paycore.SignedTransaction) (paycore.BroadcastResult, error) {
	result, err := guarded(ctx, g, "broadcast", func(ctx context.Context) (paycore.BroadcastResult, error) {
		return g.client.BroadcastTransaction(ctx, signed)
	})
	if err != nil {
		return result, err
	}
	if !result.Success {
		return result, paycore.NewPaymentError(paycore.ErrCodeSettlementFailed, "broadcast rejected", map[string]interface{}{
			"hash":  result.Hash,
			"error": result.Error,
		})
	}
	return result, nil
}

// Status reports the confirmation state of hash.
func (g *Gateway) Status(ctx context.Context, hash string) (paycore.TxStatus, error) {
	return guarded(ctx, g, "status", func(ctx context.Context) (paycore.TxStatus, error) {
		return g.client.GetTransactionStatus(ctx, hash)
	})
}

// Transfer decodes the transfer sent in hash. ok is false when the ledger
// client does not implement paycore.TransferLookup.
func (g *Gateway) Transfer(ctx context.Context, hash string) (info paycore.TransferInfo, ok bool, err error) {
	lookup, ok := g.client.(paycore.TransferLookup)
	if !ok {
		return paycore.TransferInfo{}, false, nil
	}
	info, err = guarded(ctx, g, "transfer", func(ctx context.Context) (paycore.TransferInfo, error) {
		return lookup.GetTransfer(ctx, hash)
	})
	return info, true, err
}

// LoadAccount returns the ledger view of address.
func (g *Gateway) LoadAccount(ctx context.Context, address string) (paycore.Account, error) {
	return guarded(ctx, g, "load_account", func(ctx context.Context) (paycore.Account, error) {
		return g.client.LoadAccount(ctx, address)
	})
}

// Submit constructs, signs and broadcasts a transaction.
func (g *Gateway) Submit(ctx context.Context, source string, params paycore.TxParams, sign SignFunc) (*paycore.SignedTransaction, error) {
	tx, err := g.Construct(ctx, source, params)
	if err != nil {
		return nil, err
	}
	signature, err := sign(ctx, tx)
	if err != nil {
		return nil, err
	}
	signed, err := g.Attach(ctx, tx, signature)
	if err != nil {
		return nil, err
	}
	result, err := g.Broadcast(ctx, signed)
	if err != nil {
		return nil, err
	}
	signed.Hash = result.Hash

	g.logger.Info("transaction submitted",
		zap.String("kind", string(params.Kind)),
		zap.String("hash", result.Hash),
		zap.Uint64("nonce", tx.Nonce))
	return signed, nil
}

// WaitConfirmed polls hash until it is confirmed, fails, or ctx is done. A
// failed transaction returns settlement_failed; an expired ctx returns
// payment_timeout. Status errors while polling are logged and polling
// continues.
func (g *Gateway) WaitConfirmed(ctx context.Context, hash string) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		status, err := g.Status(ctx, hash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return paycore.Classify(ctx.Err())
			}
			g.logger.Debug("status poll failed", zap.String("hash", hash), zap.Error(err))
		case status == paycore.TxConfirmed:
			return nil
		case status == paycore.TxFailed:
			return paycore.NewPaymentError(paycore.ErrCodeSettlementFailed, "transaction reverted", map[string]interface{}{
				"hash": hash,
			})
		}

		select {
		case <-ctx.Done():
			return paycore.Classify(ctx.Err())
		case <-ticker.C:
		}
	}
}

// SubmitAndConfirm submits a transaction and waits for confirmation. The
// signed transaction is returned even when confirmation fails so callers
// can record its hash.
func (g *Gateway) SubmitAndConfirm(ctx context.Context, source string, params paycore.TxParams, sign SignFunc) (*paycore.SignedTransaction, error) {
	signed, err := g.Submit(ctx, source, params, sign)
	if err != nil {
		return nil, err
	}
	if err := g.WaitConfirmed(ctx, signed.Hash); err != nil {
		return signed, err
	}
	return signed, nil
}

// IsTimeout reports whether err is a confirmation timeout.
func IsTimeout(err error) bool {
	return paycore.IsCode(err, paycore.ErrCodePaymentTimeout) || errors.Is(err, context.DeadlineExceeded)
}
