package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/api"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/config"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/events"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/monitor"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/presence"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/tracing"
)

const (
	reapInterval   = 15 * time.Second
	presenceTTL    = 24 * time.Hour
	shutdownBudget = 10 * time.Second
)

func run(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("hydra: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"gateway_addr", cfg.GatewayAddr,
		"gateway_transport", cfg.GatewayTransport,
		"db_path", cfg.DBPath,
	)

	shutdownTracing, err := tracing.Setup(ctx, "hydra", version, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer flushTracing(shutdownTracing, logger)

	db, err := store.NewSQLiteStore(cfg.DBPath,
		store.WithDefaultTimeout(cfg.DefaultTimeoutSeconds),
		store.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus, closeBus, err := newEventBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	sinks := presence.Multi{db, presence.NewLogSink(logger)}
	if cfg.RedisAddr != "" {
		rdb, err := presence.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, presence.NewRedisSink(rdb, presence.DefaultPrefix, presenceTTL))
	}

	gw := gateway.New(gateway.NewRegistry(), newAuthenticator(cfg, logger), logger,
		gateway.WithControllerID(cfg.ControllerID),
		gateway.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		gateway.WithStatusSink(sinks),
		gateway.WithNodeRecorder(db),
	)
	orch := orchestrator.New(db, gw, logger, orchestrator.WithPublisher(bus))
	gw.SetExecutionHandler(orch)

	mon := monitor.New(db, orch, logger, monitor.Config{
		Interval:       cfg.MonitorInterval,
		Enabled:        cfg.MonitorEnabled,
		AutoRetry:      cfg.AutoRetry,
		MaxAutoRetries: cfg.MaxAutoRetries,
	})
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	l, err := gateway.Listen(cfg.GatewayTransport, cfg.GatewayAddr, cfg.VsockPort)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Go(func() {
		if err := gw.Serve(ctx, l); err != nil {
			errc <- fmt.Errorf("gateway: %w", err)
		}
	})
	wg.Go(func() { gw.RunReaper(ctx, reapInterval) })
	wg.Go(func() {
		srv := api.NewServer(cfg.ListenAddr, db, orch, gw, mon, logger)
		if err := srv.Run(ctx); err != nil {
			errc <- fmt.Errorf("api: %w", err)
		}
	})

	select {
	case <-ctx.Done():
	case err = <-errc:
		logger.Error("component failed, shutting down", "error", err)
	}
	cancel()
	wg.Wait()

	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBudget):
		logger.Warn("orchestrator still busy at shutdown", "active_executions", orch.ActiveExecutions())
	}

	logger.Info("hydra: stopped")
	return err
}

// newEventBus publishes lifecycle events to Kafka when brokers are set and
// to an in-process channel otherwise. The in-process bus gets a subscriber
// that logs every event so the stream stays observable without a broker.
func newEventBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (*events.Bus, func(), error) {
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, nil, err
		}
		bus := events.NewBus(pub, cfg.KafkaTopic, logger)
		logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", bus.Topic())
		return bus, closer(bus, logger), nil
	}

	pubsub := events.NewGoChannel(logger)
	bus := events.NewBus(pubsub, cfg.KafkaTopic, logger)
	if err := events.Consume(ctx, pubsub, bus.Topic(), logEvent(logger), logger); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}
	return bus, closer(bus, logger), nil
}

func closer(bus *events.Bus, logger *slog.Logger) func() {
	return func() {
		if err := bus.Close(); err != nil {
			logger.Error("close event bus", "error", err)
		}
	}
}

func logEvent(logger *slog.Logger) events.Handler {
	logger = logger.With("component", "event-log")
	return func(ctx context.Context, ev model.Event) error {
		logger.DebugContext(ctx, "lifecycle event",
			"type", ev.Type,
			"execution_id", ev.ExecutionID,
			"status", ev.Status,
			"progress", ev.Progress,
		)
		return nil
	}
}

func newAuthenticator(cfg config.Config, logger *slog.Logger) gateway.Authenticator {
	if len(cfg.NodeTokens) == 0 {
		logger.Warn("no node tokens configured, accepting any node")
		return gateway.InsecureAuthenticator{}
	}
	ids := make(map[string]gateway.Identity, len(cfg.NodeTokens))
	for token, cred := range cfg.NodeTokens {
		ids[token] = gateway.Identity{NodeID: cred.NodeID, TenantID: cred.TenantID}
	}
	return gateway.NewTokenAuthenticator(ids)
}

func flushTracing(shutdown tracing.ShutdownFunc, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("flush traces", "error", err)
	}
}
