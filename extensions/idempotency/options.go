package idempotency

import (
	"time"

	"go.uber.org/zap"
)

// Defaults
const (
	DefaultTTL          = 10 * time.Minute
	DefaultLease        = 2 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
	DefaultKeyPrefix    = "paycore:settlement:"
)

type config struct {
	ttl          time.Duration
	lease        time.Duration
	pollInterval time.Duration
	prefix       string
	logger       *zap.Logger
}

func defaultConfig() config {
	return config{
		ttl:          DefaultTTL,
		lease:        DefaultLease,
		pollInterval: DefaultPollInterval,
		prefix:       DefaultKeyPrefix,
		logger:       zap.NewNop(),
	}
}

// Option configures a RedisStore.
type Option func(*config)

// WithTTL sets how long successful settlements are kept.
//
// Default: 10 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLease sets how long an in-flight marker lives without being completed
// or failed. It should exceed the payment timeout.
//
// Default: 2 minutes
func WithLease(lease time.Duration) Option {
	return func(c *config) {
		if lease > 0 {
			c.lease = lease
		}
	}
}

// WithPollInterval sets how often WaitForResult checks an in-flight key.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithKeyPrefix namespaces every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
