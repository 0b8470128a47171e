package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"splitledger/config"
	"splitledger/core"
	"splitledger/integrations/indexer"
	"splitledger/integrations/webhooks"
	"splitledger/observability/logging"
	telemetry "splitledger/observability/otel"
	"splitledger/rpc"
	"splitledger/storage"
)

const serviceName = "splitd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "splitd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:     serviceName,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledger := core.NewLedger(db, cfg.EventFeedCapacity)
	ledger.SetLogger(logger)

	spec, err := cfg.GenesisSpec()
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	result, err := ledger.ApplyGenesis(context.Background(), spec)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	logger.Info("ledger ready",
		slog.Any("registeredTokens", result.RegisteredTokens),
		slog.Bool("initialized", result.Initialized),
		slog.String("dataDir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ix *indexer.Indexer
	if dsn := strings.TrimSpace(cfg.IndexerDSN); dsn != "" {
		gdb, err := indexer.Open(dsn)
		if err != nil {
			return fmt.Errorf("open indexer: %w", err)
		}
		ix, err = indexer.New(gdb, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := ix.Run(ctx, ledger.Events()); err != nil {
				logger.Error("indexer stopped", slog.Any("error", err))
			}
		}()
	}

	if url := strings.TrimSpace(cfg.Webhook.URL); url != "" {
		secret := strings.TrimSpace(os.Getenv(cfg.Webhook.SecretEnv))
		dispatcher, err := webhooks.NewDispatcher(url, []byte(secret),
			webhooks.WithTopics(cfg.Webhook.Topics...),
			webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("webhook (secret from %s): %w", cfg.Webhook.SecretEnv, err)
		}
		defer dispatcher.Close()
		ledger.AddSink(dispatcher)
	}

	token := strings.TrimSpace(os.Getenv(cfg.RPCTokenEnv))
	if token == "" && !cfg.AllowUnauthedWrites {
		logger.Warn("no RPC token configured; mutating methods are disabled",
			slog.String("env", cfg.RPCTokenEnv))
	}
	server := rpc.NewServer(ledger, rpc.ServerConfig{
		AuthToken:           token,
		AllowUnauthedWrites: cfg.AllowUnauthedWrites,
		RateLimitPerMinute:  float64(cfg.RateLimit.PerMinute),
		RateLimitBurst:      cfg.RateLimit.Burst,
		Logger:              logger,
	})

	servers := []*http.Server{{
		Addr:              cfg.RPCAddress,
		Handler:           newRouter(server, ix),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsAddress != "" && cfg.MetricsAddress != cfg.RPCAddress {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           newMetricsRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server failed", slog.Any("error", err))
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
