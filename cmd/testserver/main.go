// testserver starts a hydra API server backed by an in-memory store and a
// handful of in-process worker agents, for E2E testing without real nodes.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/agent"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/api"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/monitor"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

const (
	defaultNodes = 2
	stepDelay    = 500 * time.Millisecond
)

func main() {
	addr := ":8080"
	if v := os.Getenv("HYDRA_LISTEN_ADDR"); v != "" {
		addr = v
	}
	nodes := defaultNodes
	if n, err := strconv.Atoi(os.Getenv("HYDRA_TEST_NODES")); err == nil && n >= 0 {
		nodes = n
	}

	db, err := store.NewSQLiteStore(":memory:", store.WithDefaultTimeout(120))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	gw := gateway.New(gateway.NewRegistry(), gateway.InsecureAuthenticator{}, logger,
		gateway.WithControllerID("testserver"),
		gateway.WithStatusSink(db),
		gateway.WithNodeRecorder(db),
	)
	orch := orchestrator.New(db, gw, logger)
	gw.SetExecutionHandler(orch)

	mon := monitor.New(db, orch, logger, monitor.Config{Interval: 5 * time.Second, Enabled: true})
	if err := mon.Start(); err != nil {
		log.Fatalf("start monitor: %v", err)
	}
	defer mon.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := range nodes {
		startNode(ctx, gw, fmt.Sprintf("node-%d", i+1), logger)
	}

	srv := api.NewServer(addr, db, orch, gw, mon, logger)
	logger.Info("testserver: starting", "addr", addr, "nodes", nodes)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	orch.Wait()
}

// startNode attaches an in-process agent whose model and agent commands
// are simulated. shell.exec runs for real.
func startNode(ctx context.Context, gw *gateway.Gateway, nodeID string, logger *slog.Logger) {
	server, client := net.Pipe()
	go gw.HandleConn(ctx, server)

	a := agent.New(agent.Config{NodeID: nodeID, Version: "testserver"}, logger)
	for _, typ := range []string{model.CommandModelDownload, model.CommandModelDeploy, model.CommandModelStop, model.CommandAgentSetup} {
		a.Handle(typ, agent.Simulated(4, stepDelay/4))
	}
	go func() {
		if err := a.Run(ctx, client); err != nil {
			logger.Error("in-process node stopped", "node_id", nodeID, "error", err)
		}
	}()
}
