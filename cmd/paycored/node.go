package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/channel"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/client"
	"github.com/cygnus-agents/paycore/config"
	"github.com/cygnus-agents/paycore/extensions/idempotency"
	paycorehttp "github.com/cygnus-agents/paycore/http"
	"github.com/cygnus-agents/paycore/internal/journal"
	"github.com/cygnus-agents/paycore/internal/metrics"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/mcp"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
	"github.com/cygnus-agents/paycore/policy"
	"github.com/cygnus-agents/paycore/retry"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
)

// node holds every long-lived component of the daemon.
type node struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	eth      *ethclient.Client
	rdb      *redis.Client
	journal  *journal.Journal
	signer   *policy.Signer
	manager  *channel.Manager
	payments *client.Client
	channels *paycorehttp.ChannelServer
	tools    *mcpsdk.Server
}

// requireLedger rejects configurations the serve command cannot run with.
func requireLedger(cfg *config.Config) error {
	var errs []error
	if cfg.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}
	if cfg.Ledger.PrivateKey == "" {
		errs = append(errs, errors.New("ledger.private_key is required (set PAYCORE_LEDGER_PRIVATE_KEY)"))
	}
	return errors.Join(errs...)
}

func newNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			n.close()
		}
	}()

	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.metrics = metrics.NewCollector("paycore", n.registry, logger)

	key, err := evmsigner.NewKeySignerFromPrivateKey(cfg.Ledger.PrivateKey)
	if err != nil {
		return nil, err
	}
	n.signer = policy.NewSigner(key, policy.WithLogger(logger), policy.WithMetrics(n.metrics))
	for _, spec := range cfg.Policy.Policies {
		if _, err := n.signer.DefinePolicy(spec.Policy()); err != nil {
			return nil, fmt.Errorf("policy %s: %w", spec.ID, err)
		}
	}

	evmLedger, eth, err := evm.Dial(ctx, cfg.Ledger.RPCURL, paycore.Network(cfg.Ledger.Network), cfg.Ledger.Evm(),
		evm.WithLedgerLogger(logger))
	if err != nil {
		return nil, err
	}
	n.eth = eth

	breakerCfg := cfg.Breaker.Breaker()
	breakerCfg.OnStateChange = func(key string, _, to circuitbreaker.State) {
		n.metrics.RecordBreakerState(key, to.String(), int(to))
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, logger)

	retryPolicy := cfg.Retry.Policy()
	retryPolicy.OnRetry = func(int, error, time.Duration) { n.metrics.RecordRetry("ledger") }
	retrier := retry.New(retryPolicy, retry.WithLogger(logger))

	gateway := ledger.NewGateway(evmLedger, breakers, retrier,
		ledger.WithLogger(logger),
		ledger.WithMetrics(n.metrics),
		ledger.WithPollInterval(cfg.Ledger.PollInterval))

	var recorder paycore.Recorder = paycore.NopRecorder{}
	if cfg.Journal.DSN != "" {
		n.journal, err = journal.Open(cfg.Journal.DSN, logger)
		if err != nil {
			return nil, err
		}
		recorder = n.journal
	}

	resolver := channel.NewStaticResolver()
	for address, url := range cfg.Server.Peers {
		resolver.Add(address, paycorehttp.NewCounterpartyClient(paycorehttp.CounterpartyConfig{
			URL:      url,
			Identity: key.Address(),
		}))
	}

	domain := evm.ChannelDomain(evmLedger.ChainID(), evmLedger.EscrowContract())
	n.manager = channel.NewManager(cfg.Channel.Manager(cfg.Policy.Default, domain), n.signer, gateway, resolver,
		channel.WithLogger(logger),
		channel.WithMetrics(n.metrics),
		channel.WithRecorder(recorder),
		channel.WithBreakers(breakers),
		channel.WithRetry(retrier),
		channel.OnForcedSettlement(func(s paycore.Settlement) {
			logger.Warn("channel settled by dispute timeout",
				zap.String("channel_id", s.ChannelID),
				zap.String("tx", s.TxHash))
		}))

	store, err := n.settlementStore(ctx)
	if err != nil {
		return nil, err
	}
	n.payments = client.New(cfg.Client.Client(cfg.Policy.Default), n.signer, gateway,
		client.WithChannels(n.manager),
		client.WithBreakers(breakers),
		client.WithStore(store),
		client.WithRecorder(recorder),
		client.WithMetrics(n.metrics),
		client.WithLogger(logger))

	n.channels = paycorehttp.NewChannelServer(n.manager,
		paycorehttp.WithPeerRateLimit(cfg.Server.PeerRate, cfg.Server.PeerBurst),
		paycorehttp.WithServerMetrics(n.metrics),
		paycorehttp.WithServerLogger(logger))

	if cfg.MCP.Enabled {
		tools := &mcp.Tools{
			Settler:     n.payments,
			Channels:    n.manager,
			Policies:    n.signer,
			OpenTimeout: cfg.Channel.OpenTimeout,
			Logger:      logger,
		}
		n.tools = tools.NewServer(&mcpsdk.Implementation{Name: "paycored", Version: Version})
	}

	logger.Info("node ready",
		zap.String("address", key.Address()),
		zap.String("network", cfg.Ledger.Network),
		zap.String("escrow", evmLedger.EscrowContract()),
		zap.Int("peers", len(cfg.Server.Peers)),
		zap.Bool("journal", n.journal != nil),
		zap.Bool("redis", n.rdb != nil))
	ready = true
	return n, nil
}

// settlementStore returns the redis store when configured and the
// in-memory cache otherwise.
func (n *node) settlementStore(ctx context.Context) (paycore.SettlementStore, error) {
	rc := n.cfg.Redis
	if rc.Addr == "" {
		return paycore.NewSettlementCache(rc.TTL), nil
	}
	n.rdb = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", rc.Addr, err)
	}
	return idempotency.NewRedisStore(n.rdb,
		idempotency.WithTTL(rc.TTL),
		idempotency.WithKeyPrefix(rc.KeyPrefix),
		idempotency.WithLogger(n.logger)), nil
}

// sweep runs the periodic channel maintenance until ctx is done.
func (n *node) sweep(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Scheduler.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := n.manager.Sweep(ctx)
			if len(res.Finalized)+len(res.Closed)+len(res.Disputed)+len(res.Failed) > 0 {
				n.logger.Info("channel sweep",
					zap.Int("finalized", len(res.Finalized)),
					zap.Int("closed", len(res.Closed)),
					zap.Int("disputed", len(res.Disputed)),
					zap.Int("failed", len(res.Failed)))
			}
			if pruned := n.channels.Prune(n.cfg.Scheduler.PeerIdle); pruned > 0 {
				n.logger.Debug("pruned idle peer limiters", zap.Int("count", pruned))
			}
		}
	}
}

func (n *node) close() {
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("failed to close journal", zap.Error(err))
		}
	}
	if n.rdb != nil {
		if err := n.rdb.Close(); err != nil {
			n.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if n.eth != nil {
		n.eth.Close()
	}
}
