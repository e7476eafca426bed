package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/channel"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":8402", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultPolicyID, cfg.Policy.Default)
	assert.Equal(t, uint64(channel.DefaultMinCapacity), cfg.Channel.MinCapacity)
	assert.Equal(t, channel.DefaultDisputePeriod, cfg.Channel.DisputePeriod)
	assert.True(t, cfg.MCP.Enabled)
}

func TestLoader_MissingFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithDotEnv(filepath.Join(t.TempDir(), ".env")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoader_YAML(t *testing.T) {
	path := writeFile(t, "paycore.yaml", `
server:
  addr: ":9000"
  peers:
    "0x1111111111111111111111111111111111111111": "http://peer.local"
log:
  level: debug
  format: console
channel:
  min_capacity: 500
  dispute_period: 1h
policy:
  default: agents
  policies:
    - id: agents
      name: Agents
      max_amount: 10000
      allowed_recipients: ["0x2222222222222222222222222222222222222222"]
      windows:
        - days: [1, 2, 3, 4, 5]
          start_minute: 540
          end_minute: 1020
      risk_threshold: 0.8
`)
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "http://peer.local", cfg.Server.Peers["0x1111111111111111111111111111111111111111"])
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, uint64(500), cfg.Channel.MinCapacity)
	assert.Equal(t, time.Hour, cfg.Channel.DisputePeriod)
	// untouched keys keep their defaults
	assert.Equal(t, channel.DefaultLockWait, cfg.Channel.LockWait)

	require.Len(t, cfg.Policy.Policies, 1)
	p := cfg.Policy.Policies[0].Policy()
	assert.Equal(t, paycore.Amount(10_000), p.MaxAmount)
	assert.Equal(t, 0.8, p.RiskThreshold)
	require.Len(t, p.Windows, 1)
	assert.Equal(t, 540, p.Windows[0].StartMinute)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "paycore.yaml", "server:\n  addr: \":9000\"\n")
	t.Setenv("PAYCORE_SERVER_ADDR", ":9100")
	t.Setenv("PAYCORE_CHANNEL_MAX_CAPACITY", "1_000_000")
	t.Setenv("PAYCORE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("PAYCORE_BREAKER_FAILURE_THRESHOLD", "0.25")
	t.Setenv("PAYCORE_CLIENT_PREFER_CHANNELS", "false")
	t.Setenv("PAYCORE_LOG_OUTPUT_PATHS", "stdout, /tmp/paycore.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, uint64(1_000_000), cfg.Channel.MaxCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.25, cfg.Breaker.FailureThreshold)
	assert.False(t, cfg.Client.PreferChannels)
	assert.Equal(t, []string{"stdout", "/tmp/paycore.log"}, cfg.Log.OutputPaths)
}

func TestLoader_DotEnv(t *testing.T) {
	path := writeFile(t, ".env", "PAYCORE_LEDGER_PRIVATE_KEY=0xabc\nPAYCORE_REDIS_ADDR=localhost:6379\n")
	t.Setenv("PAYCORE_REDIS_ADDR", "redis:6379")
	// godotenv writes into the process environment
	t.Setenv("PAYCORE_LEDGER_PRIVATE_KEY", "")
	require.NoError(t, os.Unsetenv("PAYCORE_LEDGER_PRIVATE_KEY"))

	cfg, err := NewLoader().WithDotEnv(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "0xabc", cfg.Ledger.PrivateKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr, "set variables win over .env")
}

func TestLoader_BadEnv(t *testing.T) {
	t.Setenv("PAYCORE_SCHEDULER_INTERVAL", "soon")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYCORE_SCHEDULER_INTERVAL")
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Ledger.RPCURL == "" {
			return assert.AnError
		}
		return nil
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad network", func(c *Config) { c.Ledger.Network = "base" }, "ledger.network"},
		{"capacity bounds", func(c *Config) { c.Channel.MinCapacity = c.Channel.MaxCapacity + 1 }, "min_capacity"},
		{"jitter", func(c *Config) { c.Retry.JitterFactor = 1 }, "jitter_factor"},
		{"undefined default", func(c *Config) { c.Policy.Default = "other" }, "not defined"},
		{"duplicate policy", func(c *Config) {
			c.Policy.Policies = append(c.Policy.Policies, c.Policy.Policies[0])
		}, "defined twice"},
		{"interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	domain := evm.ChannelDomain(evm.ChainIDBaseSepolia, "0x3333333333333333333333333333333333333333")

	manager := cfg.Channel.Manager("agents", domain)
	assert.Equal(t, channel.DefaultMinCapacity, manager.MinCapacity)
	assert.Equal(t, "agents", manager.PolicyID)
	assert.Equal(t, domain, manager.Domain)

	assert.Equal(t, "agents", cfg.Client.Client("agents").PolicyID)
	assert.Equal(t, cfg.Breaker.Timeout, cfg.Breaker.Breaker().Timeout)
	assert.Equal(t, cfg.Retry.MaxRetries, cfg.Retry.Policy().MaxRetries)

	ledger := cfg.Ledger.Evm()
	require.NotNil(t, ledger.ChainID)
	assert.Equal(t, int64(84532), ledger.ChainID.Int64())

	cfg.Ledger.Network = "eip155:999999"
	assert.Nil(t, cfg.Ledger.Evm().ChainID)
}

func TestLogConfig_Build(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Format: "console"}.Build()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LogConfig{Level: "loud", Format: "json"}.Build()
	assert.Error(t, err)
}
