// Command paycored runs a paycore node: the channel protocol endpoints for
// counterparties, the MCP tool surface for local agents, operator read
// endpoints and Prometheus metrics.
//
//	paycored serve -config paycore.yaml -env .env
//	paycored keygen
//	paycored version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cygnus-agents/paycore/config"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "keygen":
		runKeygen()
	case "version":
		fmt.Printf("paycored %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: paycored <command> [flags]

Commands:
  serve     Run the node
  keygen    Print a new private key and its address
  version   Print the version

serve flags:
  -config string   YAML config file (default "paycore.yaml")
  -env string      dotenv file (default ".env")`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "paycore.yaml", "YAML config file")
	envPath := fs.String("env", ".env", "dotenv file")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithDotEnv(*envPath).
		WithValidator(requireLedger).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("paycored stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("paycored stopped")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	gin.SetMode(gin.ReleaseMode)
	deps := routerDeps{
		api:          &api{channels: n.manager},
		registry:     n.registry,
		counterparty: n.channels,
		tools:        n.tools,
		mcpPath:      cfg.MCP.Path,
	}
	if n.journal != nil {
		deps.api.history = n.journal
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return n.sweep(gctx) })
	return g.Wait()
}

func runKeygen() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PAYCORE_LEDGER_PRIVATE_KEY=%s\n", hexutil.Encode(crypto.FromECDSA(key)))
	fmt.Printf("# address %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
}
