// Package circuitbreaker isolates failing dependencies. Each dependency key
// gets its own breaker; a failing counterparty never trips another one.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// State is the breaker state.
type State int

const (
	// StateClosed lets calls through and records their outcome.
	StateClosed State = iota
	// StateOpen fails calls immediately.
	StateOpen
	// StateHalfOpen admits trial calls to probe recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen matches (via errors.Is) every error returned for a rejected call.
var ErrCircuitOpen = paycore.NewPaymentError(paycore.ErrCodeCircuitOpen, "circuit breaker is open", nil)

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the failure ratio in [0,1] that trips the breaker.
	FailureThreshold float64
	// VolumeThreshold is the minimum number of samples before tripping.
	VolumeThreshold int
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// SuccessThreshold is the number of consecutive half-open successes
	// that close the breaker. It also caps concurrent half-open trials.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// IsFailure decides whether an error counts against the dependency.
	// Defaults to any error that is not the caller's fault.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  5,
		WindowSize:       20,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = def.VolumeThreshold
	}
	if c.WindowSize < c.VolumeThreshold {
		c.WindowSize = c.VolumeThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !paycore.IsCallerFault(err)
}

// Counts is a snapshot of the breaker's counters.
type Counts struct {
	Samples              int
	Failures             int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransition       time.Time
}

// Breaker guards one dependency.
type Breaker struct {
	key    string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	window     []bool // true = failure
	next       int
	samples    int
	failures   int

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	lastTransition       time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker for key.
func New(key string, config Config, opts ...Option) *Breaker {
	config = config.withDefaults()
	b := &Breaker{
		key:    key,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		window: make([]bool, config.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// Key returns the dependency key.
func (b *Breaker) Key() string {
	return b.key
}

// State returns the current state. An open breaker whose timeout elapsed
// still reports Open until the next call moves it to HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Samples:              b.samples,
		Failures:             b.failures,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransition:       b.lastTransition,
	}
}

// Execute runs op through the breaker. When the breaker rejects the call op
// is not invoked and the error matches ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	gen, err := b.beforeCall()
	if err != nil {
		return err
	}
	opErr := op(ctx)
	b.afterCall(gen, opErr)
	return opErr
}

// ExecuteWithFallback runs op through the breaker and, when the breaker
// rejects the call or op fails, runs fallback with the cause instead.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	err := b.Execute(ctx, op)
	if err == nil {
		return nil
	}
	b.logger.Info("running fallback", zap.String("key", b.key), zap.Error(err))
	return fallback(ctx, err)
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastTransition) < b.config.Timeout {
			b.mu.Unlock()
			return 0, b.openError()
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight++
		gen := b.generation
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return gen, nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.SuccessThreshold {
			b.mu.Unlock()
			return 0, b.openError()
		}
		b.halfOpenInFlight++
	}

	gen := b.generation
	b.mu.Unlock()
	return gen, nil
}

func (b *Breaker) afterCall(gen uint64, err error) {
	failed := b.config.IsFailure(err)

	b.mu.Lock()
	if gen != b.generation {
		// the breaker changed state while the call ran
		b.mu.Unlock()
		return
	}

	from := b.state
	to := from

	switch b.state {
	case StateClosed:
		b.recordLocked(failed)
		if b.samples >= b.config.VolumeThreshold &&
			float64(b.failures)/float64(b.samples) >= b.config.FailureThreshold {
			to = StateOpen
		}

	case StateHalfOpen:
		b.halfOpenInFlight--
		if failed {
			to = StateOpen
		} else {
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.config.SuccessThreshold {
				to = StateClosed
			}
		}
	}

	if to != from {
		b.transitionLocked(to)
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) recordLocked(failed bool) {
	if b.samples == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.samples++
	}
	b.window[b.next] = failed
	b.next = (b.next + 1) % len(b.window)

	if failed {
		b.failures++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
	} else {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
	}
}

func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.generation++
	b.lastTransition = b.now()
	b.halfOpenInFlight = 0
	b.consecutiveSuccesses = 0
	b.consecutiveFailures = 0
	if to == StateClosed {
		for i := range b.window {
			b.window[i] = false
		}
		b.next, b.samples, b.failures = 0, 0, 0
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("key", b.key),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.key, from, to)
	}
}

func (b *Breaker) openError() error {
	return paycore.NewPaymentError(paycore.ErrCodeCircuitOpen,
		fmt.Sprintf("circuit %q is open", b.key),
		map[string]interface{}{"key": b.key})
}

// ExecuteTyped runs op through b and returns its value.
func ExecuteTyped[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// ExecuteWithFallbackTyped is the value-returning form of ExecuteWithFallback.
func ExecuteWithFallbackTyped[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, cause error) (T, error)) (T, error) {
	result, err := ExecuteTyped(ctx, b, op)
	if err == nil {
		return result, nil
	}
	b.logger.Info("running fallback", zap.String("key", b.key), zap.Error(err))
	return fallback(ctx, err)
}
