// Package channel implements two-party payment channels.
//
// A channel locks capacity in an on-chain escrow. The parties then exchange
// balance updates that both sign; each update carries a strictly increasing
// sequence and always conserves the capacity. Either party can close the
// channel cooperatively by co-signing a final update, or unilaterally by
// submitting the latest co-signed update and waiting out the dispute period.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/internal/metrics"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
	"github.com/cygnus-agents/paycore/retry"
)

// Defaults
const (
	DefaultMinCapacity   paycore.Amount = 1_000
	DefaultMaxCapacity   paycore.Amount = 1_000_000_000_000
	DefaultDisputePeriod                = 24 * time.Hour
	DefaultIdleTimeout                  = 7 * 24 * time.Hour
	DefaultOpenTimeout                  = 2 * time.Minute
	DefaultLockWait                     = 2 * time.Second

	// receipts kept per channel for VerifyReceipt
	maxReceipts = 1024
)

// Expiry reasons reported by CheckExpiredChannels.
const (
	ReasonDisputeTimeout = paycore.ErrCodeDisputeTimeout
	ReasonIdleTimeout    = "idle_timeout"
	ReasonCloseStalled   = "close_stalled"
)

// Config configures a Manager.
type Config struct {
	MinCapacity   paycore.Amount
	MaxCapacity   paycore.Amount
	DisputePeriod time.Duration
	IdleTimeout   time.Duration
	OpenTimeout   time.Duration
	// LockWait bounds how long an inbound update waits for a channel that
	// is busy with another operation.
	LockWait time.Duration
	// PolicyID is the policy every channel signature is evaluated against.
	PolicyID string
	// Domain is the EIP-712 domain balance updates are signed under.
	Domain evm.TypedDataDomain
}

func (c Config) withDefaults() Config {
	if c.MinCapacity == 0 {
		c.MinCapacity = DefaultMinCapacity
	}
	if c.MaxCapacity == 0 {
		c.MaxCapacity = DefaultMaxCapacity
	}
	if c.DisputePeriod <= 0 {
		c.DisputePeriod = DefaultDisputePeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.LockWait <= 0 {
		c.LockWait = DefaultLockWait
	}
	if c.Domain.ChainID == nil {
		c.Domain = evm.ChannelDomain(evm.ChainIDBaseSepolia, "")
	}
	return c
}

// ExpiredChannel is a channel that needs attention.
type ExpiredChannel struct {
	ChannelID string
	Status    paycore.ChannelStatus
	Reason    string
	// Since is when the channel became expired.
	Since time.Time
}

// ============================================================================
// Channel records
// ============================================================================

// record is one channel. sem serializes operations on the channel and may
// be held across network calls; mu guards the state and is only held for
// reads and commits.
type record struct {
	sem chan struct{}

	mu       sync.RWMutex
	snap     paycore.ChannelSnapshot
	pending  *paycore.BalanceUpdate
	received map[uint64]paycore.Amount
	order    []uint64
}

func newRecord(snap paycore.ChannelSnapshot) *record {
	return &record{
		sem:      make(chan struct{}, 1),
		snap:     snap,
		received: make(map[uint64]paycore.Amount),
	}
}

func (r *record) tryLock() bool {
	select {
	case r.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *record) lock(ctx context.Context, wait time.Duration) error {
	if r.tryLock() {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return errInFlight(r.snapshot().ID)
	case <-ctx.Done():
		return paycore.Classify(ctx.Err())
	}
}

func (r *record) unlock() {
	<-r.sem
}

func (r *record) snapshot() paycore.ChannelSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *record) commit(fn func(s *paycore.ChannelSnapshot)) paycore.ChannelSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
	return r.snap
}

func (r *record) addReceipt(sequence uint64, amount paycore.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[sequence] = amount
	r.order = append(r.order, sequence)
	if len(r.order) > maxReceipts {
		delete(r.received, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *record) receipt(sequence uint64) (paycore.Amount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	amount, ok := r.received[sequence]
	return amount, ok
}

func (r *record) setPending(u *paycore.BalanceUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = u
}

func (r *record) pendingUpdate() *paycore.BalanceUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns the channel table of one party.
type Manager struct {
	config   Config
	signer   paycore.Authorizer
	gateway  *ledger.Gateway
	resolver paycore.CounterpartyResolver
	breakers *circuitbreaker.Registry
	retry    *retry.Handler
	recorder paycore.Recorder
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	onForcedSettlement func(paycore.Settlement)

	mu       sync.RWMutex
	channels map[string]*record
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithRecorder sets the journal closed channels and rejections are written to.
func WithRecorder(r paycore.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBreakers sets the breaker registry used for counterparty calls.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.breakers = r
		}
	}
}

// WithRetry sets the retry handler used for counterparty calls.
func WithRetry(h *retry.Handler) Option {
	return func(m *Manager) {
		if h != nil {
			m.retry = h
		}
	}
}

// OnForcedSettlement registers a callback fired when a dispute finalizes.
func OnForcedSettlement(fn func(paycore.Settlement)) Option {
	return func(m *Manager) { m.onForcedSettlement = fn }
}

// NewManager creates a channel manager.
func NewManager(config Config, signer paycore.Authorizer, gateway *ledger.Gateway, resolver paycore.CounterpartyResolver, opts ...Option) *Manager {
	m := &Manager{
		config:   config.withDefaults(),
		signer:   signer,
		gateway:  gateway,
		resolver: resolver,
		recorder: paycore.NopRecorder{},
		logger:   zap.NewNop(),
		now:      time.Now,
		channels: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breakers == nil {
		m.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), m.logger)
	}
	if m.retry == nil {
		m.retry = retry.New(retry.DefaultPolicy(), retry.WithLogger(m.logger))
	}
	m.logger = m.logger.With(zap.String("component", "channel_manager"))
	return m
}

// Address returns the local party's address.
func (m *Manager) Address() string {
	return m.signer.Address()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) get(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.channels[strings.ToLower(id)]
	if !ok {
		return nil, paycore.NewPaymentError(paycore.ErrCodeChannelNotFound, fmt.Sprintf("channel %s not found", id), nil)
	}
	return r, nil
}

func (m *Manager) insert(r *record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.ToLower(r.snap.ID)
	if _, exists := m.channels[id]; exists {
		return false
	}
	m.channels[id] = r
	m.metrics.SetActiveChannels(len(m.channels))
	return true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, strings.ToLower(id))
	m.metrics.SetActiveChannels(len(m.channels))
}

func (m *Manager) records() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*record, 0, len(m.channels))
	for _, r := range m.channels {
		out = append(out, r)
	}
	return out
}

// Channel returns a snapshot of channel id.
func (m *Manager) Channel(id string) (paycore.ChannelSnapshot, error) {
	r, err := m.get(id)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	return r.snapshot(), nil
}

// Channels returns snapshots of every tracked channel ordered by id.
func (m *Manager) Channels() []paycore.ChannelSnapshot {
	recs := m.records()
	out := make([]paycore.ChannelSnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindChannel returns the active channel toward counterparty with the
// largest local balance, provided it covers amount.
func (m *Manager) FindChannel(counterparty string, amount paycore.Amount) (paycore.ChannelSnapshot, bool) {
	var best paycore.ChannelSnapshot
	found := false
	for _, snap := range m.Channels() {
		if snap.Status != paycore.ChannelActive || !strings.EqualFold(snap.Counterparty(), counterparty) {
			continue
		}
		if snap.LocalBalance() < amount {
			continue
		}
		if !found || snap.LocalBalance() > best.LocalBalance() {
			best, found = snap, true
		}
	}
	return best, found
}

// CheckExpiredChannels lists disputing channels whose deadline has passed,
// active channels idle for longer than the idle timeout and cooperative
// closes that have not settled within the idle timeout. It does not change
// any channel.
func (m *Manager) CheckExpiredChannels(now time.Time) []ExpiredChannel {
	var expired []ExpiredChannel
	for _, snap := range m.Channels() {
		switch snap.Status {
		case paycore.ChannelDisputing:
			if !snap.DisputeDeadline.IsZero() && now.After(snap.DisputeDeadline) {
				expired = append(expired, ExpiredChannel{
					ChannelID: snap.ID,
					Status:    snap.Status,
					Reason:    ReasonDisputeTimeout,
					Since:     snap.DisputeDeadline,
				})
			}
		case paycore.ChannelActive, paycore.ChannelCooperativeClosing:
			idleSince := snap.LastActivity.Add(m.config.IdleTimeout)
			if !now.After(idleSince) {
				continue
			}
			reason := ReasonIdleTimeout
			if snap.Status == paycore.ChannelCooperativeClosing {
				reason = ReasonCloseStalled
			}
			expired = append(expired, ExpiredChannel{
				ChannelID: snap.ID,
				Status:    snap.Status,
				Reason:    reason,
				Since:     idleSince,
			})
		}
	}
	return expired
}

// ============================================================================
// Helpers shared by operations
// ============================================================================

// transition moves r to status, enforcing the lifecycle table.
func (m *Manager) transition(r *record, to paycore.ChannelStatus, mutate func(s *paycore.ChannelSnapshot)) (paycore.ChannelSnapshot, error) {
	r.mu.Lock()
	from := r.snap.Status
	if !canTransition(from, to) {
		r.mu.Unlock()
		return paycore.ChannelSnapshot{}, errInvalidState(r.snap.ID, from, to)
	}
	r.snap.Status = to
	if mutate != nil {
		mutate(&r.snap)
	}
	snap := r.snap
	r.mu.Unlock()

	m.metrics.RecordChannelTransition(string(from), string(to))
	m.logger.Info("channel transition",
		zap.String("channel_id", snap.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return snap, nil
}

func (m *Manager) digest(u paycore.BalanceUpdate) ([]byte, error) {
	return evm.HashBalanceUpdate(m.config.Domain, u)
}

// sign authorizes and signs u through the policy signer.
func (m *Manager) sign(ctx context.Context, kind paycore.TransferKind, recipient string, outflow paycore.Amount, u paycore.BalanceUpdate) ([]byte, error) {
	digest, err := m.digest(u)
	if err != nil {
		return nil, err
	}
	sig, _, err := m.signer.SignIfAuthorized(ctx, paycore.Transfer{
		ID:        fmt.Sprintf("%s:%d", u.ChannelID, u.Sequence),
		Kind:      kind,
		Recipient: recipient,
		Amount:    outflow,
		Digest:    digest,
	}, m.config.PolicyID)
	return sig, err
}

// verify checks that role's signature on u recovers to address.
func (m *Manager) verify(u paycore.BalanceUpdate, role paycore.Role, address string) bool {
	digest, err := m.digest(u)
	if err != nil {
		return false
	}
	return evm.VerifySignature(address, digest, u.Signature(role))
}

// signTx returns a ledger.SignFunc authorizing kind through the policy signer.
func (m *Manager) signTx(kind paycore.TransferKind, recipient string, outflow paycore.Amount) ledger.SignFunc {
	return func(ctx context.Context, tx *paycore.Transaction) ([]byte, error) {
		sig, _, err := m.signer.SignIfAuthorized(ctx, paycore.Transfer{
			ID:        fmt.Sprintf("tx:%s:%d", tx.Params.Kind, tx.Nonce),
			Kind:      kind,
			Recipient: recipient,
			Amount:    outflow,
			Digest:    tx.SigningHash,
		}, m.config.PolicyID)
		return sig, err
	}
}

// callCounterparty runs fn against counterparty through its breaker and
// the retry handler.
func callCounterparty[T any](ctx context.Context, m *Manager, counterparty, operation string, fn func(ctx context.Context, cp paycore.Counterparty) (T, error)) (T, error) {
	var zero T
	cp, err := m.resolver.Resolve(counterparty)
	if err != nil {
		return zero, paycore.Wrap(err, paycore.ErrCodeSettlementFailed, fmt.Sprintf("no transport for %s", counterparty))
	}
	breaker := m.breakers.Get(circuitbreaker.CounterpartyKey(strings.ToLower(counterparty)))
	return metrics.Timed(m.metrics, "counterparty."+operation, func() (T, error) {
		return circuitbreaker.ExecuteTyped(ctx, breaker, func(ctx context.Context) (T, error) {
			return retry.DoValue(ctx, m.retry, func(ctx context.Context) (T, error) {
				return fn(ctx, cp)
			})
		})
	})
}

// reject logs, audits and returns a rejection of an inbound update. State is
// never touched.
func (m *Manager) reject(ctx context.Context, action string, u paycore.BalanceUpdate, err *paycore.PaymentError) error {
	m.logger.Warn("update rejected",
		zap.String("channel_id", u.ChannelID),
		zap.Uint64("sequence", u.Sequence),
		zap.String("action", action),
		zap.String("code", err.Code),
		zap.String("reason", err.Message))
	m.metrics.RecordChannelUpdate("inbound", err.Code)
	m.recorder.RecordAudit(ctx, paycore.AuditRecord{
		Action:    action,
		ChannelID: u.ChannelID,
		Payload:   u,
		Result:    err.Code + ": " + err.Message,
		CreatedAt: m.now(),
	})
	return err
}

func (m *Manager) recordTx(ctx context.Context, kind paycore.TxKind, snap paycore.ChannelSnapshot, amount paycore.Amount, hash string, err error) {
	rec := paycore.TransactionRecord{
		Kind:        string(kind),
		Source:      m.Address(),
		Destination: snap.Counterparty(),
		Amount:      amount,
		TxHash:      hash,
		ChannelID:   snap.ID,
		Status:      "confirmed",
		CreatedAt:   m.now(),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	m.recorder.RecordTransaction(ctx, rec)
}

// archive removes a closed channel from the table and journals it.
func (m *Manager) archive(ctx context.Context, snap paycore.ChannelSnapshot, settlement paycore.Settlement) {
	m.remove(snap.ID)
	m.recorder.ArchiveChannel(ctx, snap, settlement)
	m.logger.Info("channel archived",
		zap.String("channel_id", snap.ID),
		zap.Uint64("sequence", snap.Sequence),
		zap.Bool("forced", settlement.Forced))
}

var _ paycore.ChannelProvider = (*Manager)(nil)
