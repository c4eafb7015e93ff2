package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()

	cmd := &cli.Command{
		Name:                  "hydra",
		Usage:                 "Execution control plane for a fleet of worker nodes",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 flags(cfg),
		Action: func(ctx context.Context, command *cli.Command) error {
			resolved, err := applyFlags(cfg, command)
			if err != nil {
				return err
			}
			return run(ctx, resolved)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hydra: %v\n", err)
		os.Exit(1)
	}
}

// flags declares every setting. Defaults come from the environment so a
// flag only needs to be passed to override it.
func flags(cfg config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "listen-addr", Usage: "HTTP API listen address", Value: cfg.ListenAddr},
		&cli.StringFlag{Name: "db-path", Usage: "SQLite database path (:memory: for a throwaway store)", Value: cfg.DBPath},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Value: cfg.LogLevel.String()},
		&cli.StringFlag{Name: "controller-id", Usage: "Identifier reported to nodes in connection.ack", Value: cfg.ControllerID},

		&cli.StringFlag{Name: "gateway-addr", Usage: "Worker gateway listen address", Value: cfg.GatewayAddr},
		&cli.StringFlag{Name: "gateway-transport", Usage: "Worker gateway transport (tcp, vsock)", Value: cfg.GatewayTransport},
		&cli.IntFlag{Name: "vsock-port", Usage: "Worker gateway vsock port", Value: int(cfg.VsockPort)},
		&cli.StringFlag{Name: "node-tokens", Usage: "Comma separated token=nodeID[@tenant] pairs; empty accepts any node"},
		&cli.DurationFlag{Name: "heartbeat-timeout", Usage: "Drop nodes silent for longer than this", Value: cfg.HeartbeatTimeout},

		&cli.BoolFlag{Name: "monitor-enabled", Usage: "Run the timeout monitor", Value: cfg.MonitorEnabled},
		&cli.DurationFlag{Name: "monitor-interval", Usage: "Timeout sweep interval", Value: cfg.MonitorInterval},
		&cli.BoolFlag{Name: "auto-retry", Usage: "Retry timed out executions automatically", Value: cfg.AutoRetry},
		&cli.IntFlag{Name: "max-auto-retries", Usage: "Monitor retry ceiling per execution", Value: cfg.MaxAutoRetries},
		&cli.IntFlag{Name: "default-timeout", Usage: "Execution timeout in seconds when none is given", Value: cfg.DefaultTimeoutSeconds},
		&cli.IntFlag{Name: "default-max-retries", Usage: "Retry ceiling when none is given", Value: cfg.DefaultMaxRetries},

		&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Publish lifecycle events to these Kafka brokers", Value: cfg.KafkaBrokers},
		&cli.StringFlag{Name: "kafka-topic", Usage: "Lifecycle event topic", Value: cfg.KafkaTopic},
		&cli.StringFlag{Name: "redis-addr", Usage: "Mirror node presence to this Redis server", Value: cfg.RedisAddr},
		&cli.StringFlag{Name: "otlp-endpoint", Usage: "OTLP/HTTP trace endpoint; empty disables tracing", Value: cfg.OTLPEndpoint},
	}
}

// applyFlags overlays parsed flag values on the environment configuration.
func applyFlags(cfg config.Config, command *cli.Command) (config.Config, error) {
	cfg.ListenAddr = command.String("listen-addr")
	cfg.DBPath = command.String("db-path")
	cfg.LogLevel = config.ParseLogLevel(command.String("log-level"))
	cfg.ControllerID = command.String("controller-id")
	cfg.GatewayAddr = command.String("gateway-addr")
	cfg.GatewayTransport = command.String("gateway-transport")
	cfg.VsockPort = uint32(command.Int("vsock-port"))
	cfg.HeartbeatTimeout = command.Duration("heartbeat-timeout")
	cfg.MonitorEnabled = command.Bool("monitor-enabled")
	cfg.MonitorInterval = command.Duration("monitor-interval")
	cfg.AutoRetry = command.Bool("auto-retry")
	cfg.MaxAutoRetries = int(command.Int("max-auto-retries"))
	cfg.DefaultTimeoutSeconds = int(command.Int("default-timeout"))
	cfg.DefaultMaxRetries = int(command.Int("default-max-retries"))
	cfg.KafkaBrokers = command.StringSlice("kafka-brokers")
	cfg.KafkaTopic = command.String("kafka-topic")
	cfg.RedisAddr = command.String("redis-addr")
	cfg.OTLPEndpoint = command.String("otlp-endpoint")

	if raw := command.String("node-tokens"); raw != "" {
		tokens, err := config.ParseNodeTokens(raw)
		if err != nil {
			return cfg, err
		}
		cfg.NodeTokens = tokens
	}
	return cfg, nil
}
