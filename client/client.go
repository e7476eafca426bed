// Package client settles payment demands, the challenge half of a
// payment-required exchange. A demand is paid over an open channel when one
// covers it and on-chain otherwise.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/extensions/idempotency"
	"github.com/cygnus-agents/paycore/internal/metrics"
	"github.com/cygnus-agents/paycore/ledger"
)

// ActionChannelPaymentUnresolved is the audit action recorded when the
// channel path failed in a way that may have committed the update before
// the demand was paid on-chain.
const ActionChannelPaymentUnresolved = "channel_payment_unresolved"

// Defaults
const (
	DefaultPaymentTimeout = 60 * time.Second
	DefaultValidFor       = 300 * time.Second
	DefaultIdempotencyTTL = 10 * time.Minute
)

// Config configures a Client.
type Config struct {
	// PreferChannels settles over a channel whenever one can cover the demand.
	PreferChannels bool
	// PolicyID is the policy on-chain payments are authorized against.
	PolicyID string
	// PaymentTimeout bounds how long an on-chain payment waits for
	// confirmation.
	PaymentTimeout time.Duration
	// ValidFor bounds how long an on-chain transaction stays includable. It
	// is further capped by the demand's expiry.
	ValidFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}
	if c.ValidFor <= 0 {
		c.ValidFor = DefaultValidFor
	}
	return c
}

// Client settles demands on behalf of one agent.
type Client struct {
	config   Config
	signer   paycore.Authorizer
	gateway  *ledger.Gateway
	channels paycore.ChannelProvider
	breakers *circuitbreaker.Registry
	store    paycore.SettlementStore
	recorder paycore.Recorder
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
	risk     func(paycore.Demand) float64

	mu                   sync.RWMutex
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// Option configures a Client.
type Option func(*Client)

// WithChannels enables the channel path.
func WithChannels(p paycore.ChannelProvider) Option {
	return func(c *Client) { c.channels = p }
}

// WithBreakers sets the registry holding the per-destination channel path
// breakers.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.breakers = r
		}
	}
}

// WithStore sets the settlement store used to deduplicate on-chain payments.
func WithStore(s paycore.SettlementStore) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithRecorder sets the journal.
func WithRecorder(r paycore.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRiskScorer sets the function scoring on-chain payments for the
// policy's risk threshold.
func WithRiskScorer(fn func(paycore.Demand) float64) Option {
	return func(c *Client) { c.risk = fn }
}

// New creates a client that signs through signer and reaches the ledger
// through gateway.
func New(config Config, signer paycore.Authorizer, gateway *ledger.Gateway, opts ...Option) *Client {
	c := &Client{
		config:   config.withDefaults(),
		signer:   signer,
		gateway:  gateway,
		recorder: paycore.NopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), c.logger)
	}
	if c.store == nil {
		c.store = paycore.NewSettlementCache(DefaultIdempotencyTTL)
	}
	c.logger = c.logger.With(zap.String("component", "payment_client"))
	return c
}

// Address returns the paying address.
func (c *Client) Address() string {
	return c.signer.Address()
}

// ============================================================================
// Settlement
// ============================================================================

// SettleDemand pays demand and returns the proof for the payee.
//
// The channel path is taken when PreferChannels is set, the demand accepts
// channels and an active channel to the destination covers the amount. If
// the demand also accepts on-chain settlement, any channel failure other
// than expiry falls back to on-chain exactly once. On-chain payments are deduplicated by
// demand id.
func (c *Client) SettleDemand(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	if err := paycore.ValidateDemand(demand); err != nil {
		return nil, err
	}
	if err := c.checkExpiry(demand); err != nil {
		return nil, err
	}

	before, after, failure := c.hooks()
	start := c.now()
	hookCtx := SettleContext{Ctx: ctx, Demand: demand, Timestamp: start}

	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, paycore.Wrap(err, paycore.ErrCodeSettlementFailed, "before-settle hook failed")
		}
		if result != nil && result.Abort {
			return nil, paycore.NewPaymentError(paycore.ErrCodeSettlementFailed, result.Reason,
				map[string]interface{}{"demandId": demand.ID, "aborted": true})
		}
	}

	proof, err := c.settle(ctx, demand)
	duration := c.now().Sub(start)
	if err != nil {
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: err, Duration: duration}
		for _, hook := range failure {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered && result.Proof != nil {
				c.logger.Info("settlement failure recovered by hook", zap.String("demand_id", demand.ID))
				return result.Proof, nil
			}
		}
		c.metrics.RecordSettlement("none", paycore.CodeOf(err), duration)
		c.logger.Warn("settlement failed",
			zap.String("demand_id", demand.ID),
			zap.String("destination", demand.Destination),
			zap.Uint64("amount", uint64(demand.Amount)),
			zap.String("code", paycore.CodeOf(err)),
			zap.Error(err))
		return nil, err
	}

	c.metrics.RecordSettlement(string(proof.Method), "settled", duration)
	resultCtx := SettleResultContext{SettleContext: hookCtx, Proof: proof, Duration: duration}
	for _, hook := range after {
		if err := hook(resultCtx); err != nil {
			c.logger.Warn("after-settle hook failed", zap.String("demand_id", demand.ID), zap.Error(err))
		}
	}
	return proof, nil
}

// settle pays demand and then checks that it has not expired meanwhile.
// The check runs outside the channel breaker and its fallback.
func (c *Client) settle(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	proof, err := c.pay(ctx, demand)
	if err != nil {
		return nil, err
	}
	if err := c.expiredAfterPayment(demand, proof); err != nil {
		return nil, err
	}
	return proof, nil
}

func (c *Client) pay(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	onChain := demand.AcceptsMethod(paycore.MethodOnChain)

	if ch, ok := c.findChannel(demand); ok {
		breaker := c.breakers.Get(circuitbreaker.ChannelPathKey(strings.ToLower(demand.Destination)))
		channelPath := func(ctx context.Context) (*paycore.Proof, error) {
			return c.payChannel(ctx, demand, ch)
		}
		if !onChain {
			return circuitbreaker.ExecuteTyped(ctx, breaker, channelPath)
		}
		return circuitbreaker.ExecuteWithFallbackTyped(ctx, breaker, channelPath,
			func(ctx context.Context, cause error) (*paycore.Proof, error) {
				if paycore.IsCode(cause, paycore.ErrCodeDemandExpired) {
					return nil, cause
				}
				c.logger.Info("channel path failed, settling on-chain",
					zap.String("demand_id", demand.ID),
					zap.String("channel_id", ch.ID),
					zap.String("cause", paycore.CodeOf(cause)))
				if unresolved(cause) {
					c.recordUnresolved(ctx, demand, ch.ID, cause)
				}
				return c.payOnChain(ctx, demand)
			})
	}

	if !onChain {
		return nil, paycore.NewPaymentError(paycore.ErrCodeCapacityExceeded,
			"no channel covers the demand and on-chain settlement is not accepted",
			map[string]interface{}{"demandId": demand.ID, "destination": demand.Destination})
	}
	return c.payOnChain(ctx, demand)
}

func (c *Client) findChannel(demand paycore.Demand) (paycore.ChannelSnapshot, bool) {
	if c.channels == nil || !c.config.PreferChannels || !demand.AcceptsMethod(paycore.MethodChannel) {
		return paycore.ChannelSnapshot{}, false
	}
	return c.channels.FindChannel(demand.Destination, demand.Amount)
}

func (c *Client) checkExpiry(demand paycore.Demand) error {
	if demand.Expired(c.now()) {
		return paycore.NewPaymentError(paycore.ErrCodeDemandExpired, fmt.Sprintf("demand %s expired at %s", demand.ID, demand.Expiry.Format(time.RFC3339)),
			map[string]interface{}{"demandId": demand.ID})
	}
	return nil
}

// expiredAfterPayment reports a demand that expired while it was being
// paid. The proof travels in the details so the payment can be reconciled.
func (c *Client) expiredAfterPayment(demand paycore.Demand, proof *paycore.Proof) error {
	err := c.checkExpiry(demand)
	if err == nil {
		return nil
	}
	c.logger.Warn("demand expired during settlement", zap.String("demand_id", demand.ID))
	return paycore.Classify(err).WithDetail("proof", proof)
}

// ============================================================================
// Channel path
// ============================================================================

func (c *Client) payChannel(ctx context.Context, demand paycore.Demand, ch paycore.ChannelSnapshot) (*paycore.Proof, error) {
	if err := c.checkExpiry(demand); err != nil {
		return nil, err
	}

	update, err := c.channels.ProposeUpdate(ctx, ch.ID, demand.Amount)
	c.journal(ctx, paycore.MethodChannel, demand, ch.ID, "", err)
	if err != nil {
		return nil, err
	}

	proof := &paycore.Proof{
		Method:   paycore.MethodChannel,
		DemandID: demand.ID,
		Channel: &paycore.ChannelProof{
			Update: update,
			Payer:  c.Address(),
			Payee:  demand.Destination,
			Amount: demand.Amount,
		},
		CreatedAt: c.now(),
	}
	c.logger.Info("demand settled over channel",
		zap.String("demand_id", demand.ID),
		zap.String("channel_id", ch.ID),
		zap.Uint64("sequence", update.Sequence))
	return proof, nil
}

// unresolved reports channel failures after which the counterparty may
// still have applied the update: the request went out but no answer came
// back. The channel manager keeps such an update pending and settles it on
// the next proposal, so the on-chain fallback can pay the payee twice.
func unresolved(cause error) bool {
	switch paycore.CodeOf(cause) {
	case paycore.ErrCodeNetworkTransient, paycore.ErrCodePaymentTimeout:
		return true
	}
	return false
}

// recordUnresolved writes an audit entry so a double payment can be
// reconciled against the channel history.
func (c *Client) recordUnresolved(ctx context.Context, demand paycore.Demand, channelID string, cause error) {
	c.logger.Warn("channel payment unresolved, on-chain fallback may pay twice",
		zap.String("demand_id", demand.ID),
		zap.String("channel_id", channelID),
		zap.Error(cause))
	c.recorder.RecordAudit(ctx, paycore.AuditRecord{
		Action:    ActionChannelPaymentUnresolved,
		ChannelID: channelID,
		Payload: map[string]interface{}{
			"demandId":    demand.ID,
			"destination": demand.Destination,
			"amount":      demand.Amount,
			"cause":       paycore.CodeOf(cause),
		},
		Result:    "fallback_on_chain",
		CreatedAt: c.now(),
	})
}

// ============================================================================
// On-chain path
// ============================================================================

// payOnChain settles demand on-chain at most once per demand id. A duplicate
// arriving while the first attempt is in flight waits for its result.
func (c *Client) payOnChain(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	key := idempotency.DemandKey(demand.ID)
	for {
		status, cached, err := c.store.CheckAndMark(ctx, key)
		if err != nil {
			return nil, paycore.Wrap(err, paycore.ErrCodeNetworkTransient, "settlement store unavailable")
		}

		switch status {
		case paycore.StatusCached:
			c.logger.Debug("returning cached settlement", zap.String("demand_id", demand.ID))
			return cached, nil

		case paycore.StatusInFlight:
			proof, err := c.store.WaitForResult(ctx, key)
			if err != nil {
				return nil, paycore.Classify(err)
			}
			if proof != nil {
				return proof, nil
			}
			// the other attempt failed; try to claim the key
			continue
		}

		proof, err := c.transfer(ctx, demand)
		if err != nil {
			if ferr := c.store.Fail(context.WithoutCancel(ctx), key); ferr != nil {
				c.logger.Warn("failed to release settlement key", zap.String("key", key), zap.Error(ferr))
			}
			return nil, err
		}
		if cerr := c.store.Complete(context.WithoutCancel(ctx), key, proof); cerr != nil {
			c.logger.Warn("failed to cache settlement", zap.String("key", key), zap.Error(cerr))
		}
		return proof, nil
	}
}

func (c *Client) transfer(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	if err := c.checkExpiry(demand); err != nil {
		return nil, err
	}

	validFor := c.config.ValidFor
	if remaining := demand.Expiry.Sub(c.now()); remaining < validFor {
		validFor = remaining
	}
	params := paycore.TxParams{
		Kind:     paycore.TxTransfer,
		To:       demand.Destination,
		Amount:   demand.Amount,
		Asset:    demand.Asset,
		Memo:     demand.ID,
		ValidFor: validFor,
	}

	var risk float64
	if c.risk != nil {
		risk = c.risk(demand)
	}
	sign := func(ctx context.Context, tx *paycore.Transaction) ([]byte, error) {
		sig, _, err := c.signer.SignIfAuthorized(ctx, paycore.Transfer{
			ID:        demand.ID,
			Kind:      paycore.TransferOnChainPayment,
			Recipient: demand.Destination,
			Amount:    demand.Amount,
			Asset:     demand.Asset,
			RiskScore: risk,
			Digest:    tx.SigningHash,
		}, c.config.PolicyID)
		return sig, err
	}

	payCtx, cancel := context.WithTimeout(ctx, c.config.PaymentTimeout)
	defer cancel()
	signed, err := c.gateway.SubmitAndConfirm(payCtx, c.Address(), params, sign)
	hash := ""
	if signed != nil {
		hash = signed.Hash
	}
	c.journal(ctx, paycore.MethodOnChain, demand, "", hash, err)
	if err != nil {
		return nil, err
	}

	now := c.now()
	c.logger.Info("demand settled on-chain",
		zap.String("demand_id", demand.ID),
		zap.String("tx", hash),
		zap.Duration("valid_for", validFor))
	return &paycore.Proof{
		Method:   paycore.MethodOnChain,
		DemandID: demand.ID,
		OnChain: &paycore.OnChainProof{
			TxHash:      hash,
			Network:     c.gateway.Network(),
			Status:      paycore.TxConfirmed,
			ConfirmedAt: now,
		},
		CreatedAt: now,
	}, nil
}

func (c *Client) journal(ctx context.Context, method paycore.SettlementMethod, demand paycore.Demand, channelID, hash string, err error) {
	rec := paycore.TransactionRecord{
		Kind:        string(method) + "_payment",
		Source:      c.Address(),
		Destination: demand.Destination,
		Amount:      demand.Amount,
		Asset:       demand.Asset,
		Memo:        demand.ID,
		TxHash:      hash,
		ChannelID:   channelID,
		Status:      "settled",
		CreatedAt:   c.now(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	c.recorder.RecordTransaction(ctx, rec)
}
