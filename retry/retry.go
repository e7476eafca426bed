// Package retry re-executes fallible operations with exponential backoff and
// bounded jitter. Errors are classified before any retry: a non-retryable
// error aborts on its first occurrence.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// Policy configures a Handler.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// JitterFactor bounds jitter to delay*(1±JitterFactor). Defaults to 0.2.
	JitterFactor float64
	// Retryable classifies errors. Defaults to paycore.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for ledger and counterparty calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		JitterFactor:    0.2,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handler runs operations under a Policy.
type Handler struct {
	policy Policy
	logger *zap.Logger
	sleep  Sleeper
	rand   func() float64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(h *Handler) { h.sleep = s }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(h *Handler) { h.rand = fn }
}

// New creates a Handler, filling zero fields of policy with defaults.
func New(policy Policy, opts ...Option) *Handler {
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.ExponentialBase < 1 {
		policy.ExponentialBase = def.ExponentialBase
	}
	if policy.JitterFactor <= 0 || policy.JitterFactor >= 1 {
		policy.JitterFactor = def.JitterFactor
	}
	if policy.Retryable == nil {
		policy.Retryable = paycore.IsRetryable
	}

	h := &Handler{
		policy: policy,
		logger: zap.NewNop(),
		sleep:  sleepContext,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy returns the effective policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// Delay returns the un-jittered wait before retry n (0-indexed):
// min(MaxDelay, BaseDelay * ExponentialBase^n).
func (h *Handler) Delay(n int) time.Duration {
	d := float64(h.policy.BaseDelay) * math.Pow(h.policy.ExponentialBase, float64(n))
	if d > float64(h.policy.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return h.policy.MaxDelay
	}
	return time.Duration(d)
}

func (h *Handler) jittered(d time.Duration) time.Duration {
	if !h.policy.Jitter {
		return d
	}
	// uniform in [1-f, 1+f)
	factor := 1 + h.policy.JitterFactor*(2*h.rand()-1)
	j := time.Duration(float64(d) * factor)
	if j < 0 {
		return 0
	}
	if j > h.policy.MaxDelay {
		return h.policy.MaxDelay
	}
	return j
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retries are exhausted. The returned error keeps the last failure's code.
func (h *Handler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := h.run(ctx, fn)
	return err
}

func (h *Handler) run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := h.jittered(h.Delay(attempt - 1))
			if h.policy.OnRetry != nil {
				h.policy.OnRetry(attempt, lastErr, delay)
			}
			h.logger.Debug("retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := h.sleep(ctx, delay); err != nil {
				return attempt, paycore.Wrap(lastErr, paycore.CodeOf(lastErr),
					fmt.Sprintf("retry aborted after %d attempts: %v", attempt, err))
			}
		}

		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !h.policy.Retryable(err) {
			h.logger.Debug("non-retryable error", zap.Error(err))
			return attempt + 1, err
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
	}

	h.logger.Warn("retries exhausted",
		zap.Int("attempts", h.policy.MaxRetries+1),
		zap.Error(lastErr))
	return h.policy.MaxRetries + 1, paycore.Wrap(lastErr, paycore.CodeOf(lastErr),
		fmt.Sprintf("failed after %d attempts", h.policy.MaxRetries+1))
}

// DoValue runs fn like Do and returns its value.
func DoValue[T any](ctx context.Context, h *Handler, fn func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := h.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Result is the outcome of ExecuteWithResult.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
}

// ExecuteWithResult runs fn like Do but reports the outcome as a value.
// It never panics on an operation error and never returns one.
func ExecuteWithResult[T any](ctx context.Context, h *Handler, fn func(ctx context.Context) (T, error)) Result[T] {
	var value T
	attempts, err := h.run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		var zero T
		return Result[T]{Success: false, Value: zero, Err: err, Attempts: attempts}
	}
	return Result[T]{Success: true, Value: value, Attempts: attempts}
}
