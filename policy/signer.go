// Package policy gates every signature behind a named, revocable policy.
//
// A Signer owns the key holder. Callers submit a Transfer together with the
// id of the policy it must satisfy; the key is only touched when the policy
// authorizes the transfer.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/internal/metrics"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
)

// Rejection reasons reported in Authorization.Reason.
const (
	ReasonPolicyNotFound     = "policy_not_found"
	ReasonAmountExceeded     = "amount_exceeds_limit"
	ReasonRecipientNotListed = "recipient_not_allowed"
	ReasonOutsideWindow      = "outside_time_window"
	ReasonRiskTooHigh        = "risk_threshold_exceeded"
	ReasonSecondSigner       = "second_signer_required"
)

// Signer evaluates transfers against policies and signs authorized ones.
type Signer struct {
	key *evmsigner.KeySigner

	mu       sync.RWMutex
	policies map[string]paycore.Policy

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option configures a Signer.
type Option func(*Signer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Signer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Signer) { s.metrics = c }
}

// WithClock sets the clock time windows are evaluated against.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// NewSigner creates a Signer over key with an empty policy table.
func NewSigner(key *evmsigner.KeySigner, opts ...Option) *Signer {
	s := &Signer{
		key:      key,
		policies: make(map[string]paycore.Policy),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "policy_signer"))
	return s
}

// Address returns the address signatures recover to.
func (s *Signer) Address() string {
	return s.key.Address()
}

// ============================================================================
// Policy table
// ============================================================================

// DefinePolicy stores p and returns its id. An empty id is replaced with a
// fresh uuid; an existing id is overwritten.
func (s *Signer) DefinePolicy(p paycore.Policy) (string, error) {
	if err := validatePolicy(p); err != nil {
		return "", err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p = clonePolicy(p)

	s.mu.Lock()
	s.policies[p.ID] = p
	s.mu.Unlock()

	s.logger.Info("policy defined",
		zap.String("policy_id", p.ID),
		zap.String("name", p.Name),
		zap.Uint64("max_amount", uint64(p.MaxAmount)))
	return p.ID, nil
}

// DeletePolicy revokes a policy. Later evaluations against id fail.
func (s *Signer) DeletePolicy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return paycore.NewPaymentError(paycore.ErrCodePolicyNotFound, fmt.Sprintf("policy %s not found", id), nil)
	}
	delete(s.policies, id)
	s.logger.Info("policy deleted", zap.String("policy_id", id))
	return nil
}

// Policy returns a copy of the policy with id.
func (s *Signer) Policy(id string) (paycore.Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return paycore.Policy{}, false
	}
	return clonePolicy(p), true
}

// Policies returns copies of all policies ordered by id.
func (s *Signer) Policies() []paycore.Policy {
	s.mu.RLock()
	out := make([]paycore.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, clonePolicy(p))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validatePolicy(p paycore.Policy) error {
	if p.MaxAmount == 0 {
		return paycore.NewPaymentError(paycore.ErrCodeInvalidDemand, "policy max amount must be positive", nil)
	}
	if p.RiskThreshold < 0 {
		return paycore.NewPaymentError(paycore.ErrCodeInvalidDemand, "policy risk threshold must not be negative", nil)
	}
	for _, w := range p.Windows {
		if w.StartMinute < 0 || w.StartMinute >= 24*60 || w.EndMinute < 0 || w.EndMinute > 24*60 {
			return paycore.NewPaymentError(paycore.ErrCodeInvalidDemand,
				fmt.Sprintf("time window %d-%d out of range", w.StartMinute, w.EndMinute), nil)
		}
	}
	return nil
}

func clonePolicy(p paycore.Policy) paycore.Policy {
	p.AllowedRecipients = append([]string(nil), p.AllowedRecipients...)
	windows := make([]paycore.TimeWindow, len(p.Windows))
	for i, w := range p.Windows {
		w.Days = append([]time.Weekday(nil), w.Days...)
		windows[i] = w
	}
	p.Windows = windows
	return p
}

// ============================================================================
// Evaluation
// ============================================================================

// Evaluate checks transfer against the policy. Checks run in a fixed order
// and stop at the first failure: amount, recipient, time window, risk score,
// second signer. Evaluate has no side effects besides metrics.
func (s *Signer) Evaluate(transfer paycore.Transfer, policyID string) paycore.Authorization {
	p, ok := s.Policy(policyID)
	if !ok {
		auth := paycore.Authorization{Reason: ReasonPolicyNotFound, PolicyID: policyID}
		s.metrics.RecordPolicyDecision(string(transfer.Kind), false)
		return auth
	}
	auth := s.evaluate(transfer, p, s.now())
	s.metrics.RecordPolicyDecision(string(transfer.Kind), auth.Authorized)
	return auth
}

func (s *Signer) evaluate(transfer paycore.Transfer, p paycore.Policy, now time.Time) paycore.Authorization {
	reject := func(reason string) paycore.Authorization {
		return paycore.Authorization{Reason: reason, PolicyID: p.ID}
	}

	if transfer.Amount > p.MaxAmount {
		return reject(ReasonAmountExceeded)
	}

	if len(p.AllowedRecipients) > 0 && !s.recipientAllowed(transfer.Recipient, p.AllowedRecipients) {
		return reject(ReasonRecipientNotListed)
	}

	if len(p.Windows) > 0 {
		inside := false
		for _, w := range p.Windows {
			if w.Contains(now) {
				inside = true
				break
			}
		}
		if !inside {
			return reject(ReasonOutsideWindow)
		}
	}

	if p.RiskThreshold > 0 && transfer.RiskScore > p.RiskThreshold {
		return reject(ReasonRiskTooHigh)
	}

	if p.RequireSecondSigner {
		auth := reject(ReasonSecondSigner)
		auth.RequiresEscalation = true
		return auth
	}

	return paycore.Authorization{Authorized: true, PolicyID: p.ID}
}

// recipientAllowed compares case-insensitively. The signer's own address is
// always allowed so co-signing and escrow calls returning funds to self pass.
func (s *Signer) recipientAllowed(recipient string, allowed []string) bool {
	if strings.EqualFold(recipient, s.key.Address()) {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, recipient) {
			return true
		}
	}
	return false
}

// ============================================================================
// Signing
// ============================================================================

// SignIfAuthorized signs transfer.Digest when the transfer satisfies the
// policy. A rejection returns a policy_rejected error carrying the reason and
// never touches the key.
func (s *Signer) SignIfAuthorized(ctx context.Context, transfer paycore.Transfer, policyID string) ([]byte, paycore.Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, paycore.Authorization{PolicyID: policyID}, paycore.Classify(err)
	}
	if len(transfer.Digest) != 32 {
		return nil, paycore.Authorization{PolicyID: policyID},
			paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("digest must be 32 bytes, got %d", len(transfer.Digest)), nil)
	}

	auth := s.Evaluate(transfer, policyID)
	if !auth.Authorized {
		s.logger.Warn("transfer rejected by policy",
			zap.String("transfer_id", transfer.ID),
			zap.String("kind", string(transfer.Kind)),
			zap.String("policy_id", policyID),
			zap.String("recipient", transfer.Recipient),
			zap.Uint64("amount", uint64(transfer.Amount)),
			zap.String("reason", auth.Reason))
		return nil, auth, paycore.NewPaymentError(paycore.ErrCodePolicyRejected, auth.Reason, map[string]interface{}{
			"policyId":           policyID,
			"transferId":         transfer.ID,
			"requiresEscalation": auth.RequiresEscalation,
		})
	}

	sig, err := s.key.SignDigest(transfer.Digest)
	if err != nil {
		return nil, auth, fmt.Errorf("failed to sign transfer %s: %w", transfer.ID, err)
	}
	s.logger.Debug("transfer signed",
		zap.String("transfer_id", transfer.ID),
		zap.String("kind", string(transfer.Kind)),
		zap.String("policy_id", policyID))
	return sig, auth, nil
}

// RotateKey replaces the key after proving knowledge of the current one. On
// any failure the old key stays in place.
func (s *Signer) RotateKey(oldSecret, newSecret string) error {
	before := s.key.Address()
	if err := s.key.Rotate(oldSecret, newSecret); err != nil {
		s.logger.Warn("key rotation rejected", zap.String("address", before), zap.Error(err))
		return paycore.Wrap(err, paycore.ErrCodeKeyRotationRejected, "key rotation rejected")
	}
	s.logger.Info("key rotated",
		zap.String("old_address", before),
		zap.String("new_address", s.key.Address()))
	return nil
}

var _ paycore.Authorizer = (*Signer)(nil)
