// Package config loads paycored configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("paycore.yaml").
//	    WithDotEnv(".env").
//	    Load()
//
// Precedence, lowest first: defaults, YAML file, .env file, environment.
// Environment keys are PAYCORE_<SECTION>_<FIELD>, e.g. PAYCORE_LEDGER_RPC_URL.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/channel"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/client"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
	"github.com/cygnus-agents/paycore/retry"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Ledger    LedgerConfig    `yaml:"ledger" env:"LEDGER"`
	Channel   ChannelConfig   `yaml:"channel" env:"CHANNEL"`
	Client    ClientConfig    `yaml:"client" env:"CLIENT"`
	Breaker   BreakerConfig   `yaml:"breaker" env:"BREAKER"`
	Retry     RetryConfig     `yaml:"retry" env:"RETRY"`
	Policy    PolicyConfig    `yaml:"policy" env:"POLICY"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Journal   JournalConfig   `yaml:"journal" env:"JOURNAL"`
	MCP       MCPConfig       `yaml:"mcp" env:"MCP"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	PublicURL       string        `yaml:"public_url" env:"PUBLIC_URL"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// PeerRate and PeerBurst limit channel requests per counterparty.
	PeerRate  float64 `yaml:"peer_rate" env:"PEER_RATE"`
	PeerBurst int     `yaml:"peer_burst" env:"PEER_BURST"`
	// Peers maps counterparty addresses to their channel endpoint URLs.
	Peers map[string]string `yaml:"peers" env:"-"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// LedgerConfig selects the chain and the key.
type LedgerConfig struct {
	RPCURL         string `yaml:"rpc_url" env:"RPC_URL"`
	Network        string `yaml:"network" env:"NETWORK"`
	EscrowContract string `yaml:"escrow_contract" env:"ESCROW_CONTRACT"`
	GasLimit       uint64 `yaml:"gas_limit" env:"GAS_LIMIT"`
	// PrivateKey is hex encoded. Prefer the environment or .env over YAML.
	PrivateKey   string        `yaml:"private_key" env:"PRIVATE_KEY"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// ChannelConfig mirrors channel.Config.
type ChannelConfig struct {
	MinCapacity   uint64        `yaml:"min_capacity" env:"MIN_CAPACITY"`
	MaxCapacity   uint64        `yaml:"max_capacity" env:"MAX_CAPACITY"`
	DisputePeriod time.Duration `yaml:"dispute_period" env:"DISPUTE_PERIOD"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	OpenTimeout   time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	LockWait      time.Duration `yaml:"lock_wait" env:"LOCK_WAIT"`
}

// ClientConfig mirrors client.Config.
type ClientConfig struct {
	PreferChannels bool          `yaml:"prefer_channels" env:"PREFER_CHANNELS"`
	PaymentTimeout time.Duration `yaml:"payment_timeout" env:"PAYMENT_TIMEOUT"`
	ValidFor       time.Duration `yaml:"valid_for" env:"VALID_FOR"`
}

// BreakerConfig mirrors circuitbreaker.Config.
type BreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	VolumeThreshold  int           `yaml:"volume_threshold" env:"VOLUME_THRESHOLD"`
	WindowSize       int           `yaml:"window_size" env:"WINDOW_SIZE"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	ExponentialBase float64       `yaml:"exponential_base" env:"EXPONENTIAL_BASE"`
	Jitter          bool          `yaml:"jitter" env:"JITTER"`
	JitterFactor    float64       `yaml:"jitter_factor" env:"JITTER_FACTOR"`
}

// PolicyConfig holds the spending policies loaded at start.
type PolicyConfig struct {
	// Default is the policy channel and on-chain signatures are checked against.
	Default  string       `yaml:"default" env:"DEFAULT"`
	Policies []PolicySpec `yaml:"policies" env:"-"`
}

// PolicySpec is a policy as written in YAML.
type PolicySpec struct {
	ID                  string               `yaml:"id"`
	Name                string               `yaml:"name"`
	MaxAmount           uint64               `yaml:"max_amount"`
	AllowedRecipients   []string             `yaml:"allowed_recipients"`
	Windows             []paycore.TimeWindow `yaml:"windows"`
	RequireSecondSigner bool                 `yaml:"require_second_signer"`
	RiskThreshold       float64              `yaml:"risk_threshold"`
}

// RedisConfig configures the settlement idempotency store. An empty Addr
// keeps settlements in memory.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// JournalConfig configures the transaction journal. An empty DSN disables it.
type JournalConfig struct {
	// DSN is a sqlite file name or URI, e.g. "paycore.db" or "file::memory:".
	DSN string `yaml:"dsn" env:"DSN"`
}

// MCPConfig configures the agent tool endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// SchedulerConfig configures the periodic channel sweep.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// PeerIdle is how long an idle peer limiter is kept.
	PeerIdle time.Duration `yaml:"peer_idle" env:"PEER_IDLE"`
}

// ============================================================================
// Conversions
// ============================================================================

// Manager returns the channel manager configuration signing under domain.
func (c ChannelConfig) Manager(policyID string, domain evm.TypedDataDomain) channel.Config {
	return channel.Config{
		MinCapacity:   paycore.Amount(c.MinCapacity),
		MaxCapacity:   paycore.Amount(c.MaxCapacity),
		DisputePeriod: c.DisputePeriod,
		IdleTimeout:   c.IdleTimeout,
		OpenTimeout:   c.OpenTimeout,
		LockWait:      c.LockWait,
		PolicyID:      policyID,
		Domain:        domain,
	}
}

// Client returns the payment client configuration.
func (c ClientConfig) Client(policyID string) client.Config {
	return client.Config{
		PreferChannels: c.PreferChannels,
		PolicyID:       policyID,
		PaymentTimeout: c.PaymentTimeout,
		ValidFor:       c.ValidFor,
	}
}

// Breaker returns the circuit breaker configuration.
func (c BreakerConfig) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.FailureThreshold,
		VolumeThreshold:  c.VolumeThreshold,
		WindowSize:       c.WindowSize,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
	}
}

// Policy returns the retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:      c.MaxRetries,
		BaseDelay:       c.BaseDelay,
		MaxDelay:        c.MaxDelay,
		ExponentialBase: c.ExponentialBase,
		Jitter:          c.Jitter,
		JitterFactor:    c.JitterFactor,
	}
}

// Policy converts s.
func (s PolicySpec) Policy() paycore.Policy {
	return paycore.Policy{
		ID:                  s.ID,
		Name:                s.Name,
		MaxAmount:           paycore.Amount(s.MaxAmount),
		AllowedRecipients:   s.AllowedRecipients,
		Windows:             s.Windows,
		RequireSecondSigner: s.RequireSecondSigner,
		RiskThreshold:       s.RiskThreshold,
	}
}

// Evm returns the EVM ledger adapter configuration.
func (c LedgerConfig) Evm() evm.LedgerConfig {
	cfg := evm.LedgerConfig{EscrowContract: c.EscrowContract, GasLimit: c.GasLimit}
	if id, ok := evm.NetworkChainIDs[c.Network]; ok {
		cfg.ChainID = new(big.Int).Set(id)
	}
	return cfg
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks the values the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.PeerRate < 0 || c.Server.PeerBurst < 0 {
		errs = append(errs, "server peer limits must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Ledger.Network != "" {
		if _, _, err := paycore.Network(c.Ledger.Network).Parse(); err != nil {
			errs = append(errs, fmt.Sprintf("ledger.network: %v", err))
		}
	}
	if c.Channel.MaxCapacity != 0 && c.Channel.MinCapacity > c.Channel.MaxCapacity {
		errs = append(errs, "channel.min_capacity exceeds channel.max_capacity")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.FailureThreshold > 1 {
		errs = append(errs, "breaker.failure_threshold must be within [0,1]")
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		errs = append(errs, "retry.jitter_factor must be within [0,1)")
	}
	if c.Policy.Default == "" {
		errs = append(errs, "policy.default is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Policy.Policies {
		if p.ID == "" {
			errs = append(errs, "policies need an id")
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("policy %s defined twice", p.ID))
		}
		seen[p.ID] = true
	}
	if len(c.Policy.Policies) > 0 && !seen[c.Policy.Default] {
		errs = append(errs, fmt.Sprintf("policy.default %s is not defined", c.Policy.Default))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
