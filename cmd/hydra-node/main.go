// Command hydra-node is the worker agent. It connects to a hydra controller
// over TCP or vsock, registers its inventory and runs the commands it is sent.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	cli "github.com/urfave/cli/v3"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/agent"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/config"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
)

var version = "dev"

func main() {
	host, _ := os.Hostname()

	cmd := &cli.Command{
		Name:    "hydra-node",
		Usage:   "Run commands dispatched by a hydra controller",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "controller",
				Usage:   "Controller gateway address (host:port) for tcp",
				Value:   "127.0.0.1:7070",
				Sources: cli.EnvVars("HYDRA_CONTROLLER_ADDR"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Transport to the controller (tcp, vsock)",
				Value:   "tcp",
				Sources: cli.EnvVars(config.EnvGatewayTransport),
			},
			&cli.IntFlag{
				Name:    "vsock-cid",
				Usage:   "Controller vsock context id",
				Value:   vsock.Host,
				Sources: cli.EnvVars("HYDRA_CONTROLLER_CID"),
			},
			&cli.IntFlag{
				Name:    "vsock-port",
				Usage:   "Controller vsock port",
				Value:   7070,
				Sources: cli.EnvVars(config.EnvVsockPort),
			},
			&cli.StringFlag{
				Name:    "node-id",
				Usage:   "Node identifier (defaults to the hostname)",
				Value:   host,
				Sources: cli.EnvVars("HYDRA_NODE_ID"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Token presented in the connect handshake",
				Sources: cli.EnvVars("HYDRA_NODE_TOKEN"),
			},
			&cli.StringSliceFlag{
				Name:    "label",
				Usage:   "Inventory label as key=value (repeatable)",
				Sources: cli.EnvVars("HYDRA_NODE_LABELS"),
			},
			&cli.DurationFlag{
				Name:    "heartbeat",
				Usage:   "Heartbeat interval",
				Value:   agent.DefaultHeartbeatInterval,
				Sources: cli.EnvVars("HYDRA_NODE_HEARTBEAT"),
			},
			&cli.DurationFlag{
				Name:    "command-timeout",
				Usage:   "Timeout for commands that carry none",
				Value:   agent.DefaultCommandTimeout,
				Sources: cli.EnvVars("HYDRA_NODE_COMMAND_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars(config.EnvLogLevel),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hydra-node: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(command.String("log-level")))

	nodeID := command.String("node-id")
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	labels, err := parseLabels(command.StringSlice("label"))
	if err != nil {
		return err
	}

	a := agent.New(agent.Config{
		NodeID:            nodeID,
		Token:             command.String("token"),
		Version:           version,
		Labels:            labels,
		HeartbeatInterval: command.Duration("heartbeat"),
		CommandTimeout:    command.Duration("command-timeout"),
	}, logger)

	transport := command.String("transport")
	addr := command.String("controller")
	cid := uint32(command.Int("vsock-cid"))
	port := uint32(command.Int("vsock-port"))

	logger.Info("hydra-node: starting", "node_id", nodeID, "transport", transport, "controller", addr)

	return a.RunWithReconnect(ctx, func(ctx context.Context) (net.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return gateway.Dial(dialCtx, transport, addr, cid, port)
	})
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q: want key=value", p)
		}
		labels[k] = v
	}
	return labels, nil
}
