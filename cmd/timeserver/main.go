// Package main runs the timeserver: it keeps a consensus-verified ledger of
// Bitcoin block timestamps and broadcasts each new block as a signed Nostr
// event to the configured relays.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	inboundhttp "github.com/archon-research/stl-timeserver/internal/adapters/inbound/http"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/esplora"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/memory"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/nostr"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/redis"
	"github.com/archon-research/stl-timeserver/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl-timeserver/internal/application"
	"github.com/archon-research/stl-timeserver/internal/config"
	"github.com/archon-research/stl-timeserver/internal/pkg/env"
	"github.com/archon-research/stl-timeserver/internal/ports/outbound"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(cfg.LogLevel, slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	// Cancelled on SIGINT/SIGTERM, including during the initial sync.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stl-timeserver",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		StdoutTraces:   cfg.TraceStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Block sources
	sources := make([]application.Source, 0, len(cfg.ProviderEndpoints))
	for _, endpoint := range cfg.ProviderEndpoints {
		client, err := esplora.NewClient(esplora.ClientConfig{
			BaseURL: endpoint,
			Timeout: cfg.ProviderTimeout(),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create provider %s: %w", endpoint, err)
		}
		sources = append(sources, application.Source{Name: client.Name(), Provider: client})
	}

	aggregator, err := application.NewSourceAggregator(application.AggregatorConfig{
		Timeout: cfg.ProviderTimeout(),
		Metrics: metrics,
		Logger:  logger,
	}, sources...)
	if err != nil {
		return fmt.Errorf("failed to create source aggregator: %w", err)
	}

	ledger, err := application.NewLedger(application.LedgerConfig{
		Metrics: metrics,
		Logger:  logger,
	}, aggregator)
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	// Broadcast
	signer, err := nostr.NewSigner(cfg.SigningSecretKey)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	dialer := nostr.NewDialer(nostr.DialerConfig{Logger: logger})

	deliveryLog, err := newDeliveryLog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deliveryLog.Close()

	dispatch, err := application.NewDispatchQueue(application.DispatchConfig{
		Destinations:   cfg.Relays,
		Debounce:       cfg.BroadcastDebounce,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		Metrics:        metrics,
		Logger:         logger,
	}, signer, dialer, deliveryLog)
	if err != nil {
		return fmt.Errorf("failed to create dispatch queue: %w", err)
	}

	server, err := application.NewTimeServer(application.TimeServerConfig{
		PollInterval: cfg.SyncInterval(),
		StartHeight:  cfg.StartHeight(),
		Logger:       logger,
	}, ledger, dispatch)
	if err != nil {
		return fmt.Errorf("failed to create timeserver: %w", err)
	}

	var shuttingDown atomic.Bool
	var httpServer *inboundhttp.Server
	if cfg.HTTPAddr != "" {
		httpServer = inboundhttp.NewServer(inboundhttp.ServerConfig{
			Addr:   cfg.HTTPAddr,
			Logger: logger,
		}, server, ledger, &shuttingDown)
		httpServer.Start()
	}

	logger.Info("starting timeserver",
		"version", version,
		"pubkey", signer.PublicKey(),
		"providers", len(sources),
		"relays", len(cfg.Relays))
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timeserver: %w", err)
	}

	<-ctx.Done()
	stop()
	logger.Info("received signal, shutting down...")
	shuttingDown.Store(true)

	if err := server.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(5 * time.Second); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// newDeliveryLog returns the Redis-backed log when REDIS_ADDR is set, so
// deliveries survive restarts, and an in-memory one otherwise.
func newDeliveryLog(ctx context.Context, cfg config.Config, logger *slog.Logger) (outbound.DeliveryLog, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory delivery log")
		return memory.NewDeliveryLog(), nil
	}

	redisCfg := redis.ConfigDefaults()
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB

	log, err := redis.NewDeliveryLog(redisCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis delivery log: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := log.Ping(pingCtx); err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("using redis delivery log", "addr", cfg.RedisAddr)
	return log, nil
}
