package config

import (
	"time"

	"github.com/cygnus-agents/paycore/channel"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/client"
	"github.com/cygnus-agents/paycore/extensions/idempotency"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/retry"
)

// DefaultPolicyID names the policy created when none are configured.
const DefaultPolicyID = "default"

// DefaultConfig returns the configuration used before any file or
// environment is applied.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Ledger:    DefaultLedgerConfig(),
		Channel:   DefaultChannelConfig(),
		Client:    DefaultClientConfig(),
		Breaker:   DefaultBreakerConfig(),
		Retry:     DefaultRetryConfig(),
		Policy:    DefaultPolicyConfig(),
		Redis:     DefaultRedisConfig(),
		Journal:   JournalConfig{},
		MCP:       DefaultMCPConfig(),
		Scheduler: DefaultSchedulerConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8402",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PeerRate:        50,
		PeerBurst:       100,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Network:      "eip155:84532",
		GasLimit:     300_000,
		PollInterval: ledger.DefaultPollInterval,
	}
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		MinCapacity:   uint64(channel.DefaultMinCapacity),
		MaxCapacity:   uint64(channel.DefaultMaxCapacity),
		DisputePeriod: channel.DefaultDisputePeriod,
		IdleTimeout:   channel.DefaultIdleTimeout,
		OpenTimeout:   channel.DefaultOpenTimeout,
		LockWait:      channel.DefaultLockWait,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PreferChannels: true,
		PaymentTimeout: client.DefaultPaymentTimeout,
		ValidFor:       client.DefaultValidFor,
	}
}

func DefaultBreakerConfig() BreakerConfig {
	def := circuitbreaker.DefaultConfig()
	return BreakerConfig{
		FailureThreshold: def.FailureThreshold,
		VolumeThreshold:  def.VolumeThreshold,
		WindowSize:       def.WindowSize,
		SuccessThreshold: def.SuccessThreshold,
		Timeout:          def.Timeout,
	}
}

func DefaultRetryConfig() RetryConfig {
	def := retry.DefaultPolicy()
	return RetryConfig{
		MaxRetries:      def.MaxRetries,
		BaseDelay:       def.BaseDelay,
		MaxDelay:        def.MaxDelay,
		ExponentialBase: def.ExponentialBase,
		Jitter:          def.Jitter,
		JitterFactor:    def.JitterFactor,
	}
}

// DefaultPolicyConfig allows any single transfer up to the default
// maximum channel capacity.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Default: DefaultPolicyID,
		Policies: []PolicySpec{{
			ID:        DefaultPolicyID,
			Name:      "Default",
			MaxAmount: uint64(channel.DefaultMaxCapacity),
		}},
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: idempotency.DefaultKeyPrefix,
		TTL:       idempotency.DefaultTTL,
	}
}

func DefaultMCPConfig() MCPConfig {
	return MCPConfig{Enabled: true, Path: "/mcp"}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Minute,
		PeerIdle: 10 * time.Minute,
	}
}
