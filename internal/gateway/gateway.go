package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// ErrNodeNotConnected is returned when a command targets a node with no live connection.
var ErrNodeNotConnected = errors.New("node not connected")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
)

// ExecutionHandler receives command acknowledgments, progress and results
// that carry execution metadata.
type ExecutionHandler interface {
	HandleCommandAck(ctx context.Context, executionID string, stepIndex int, ackMessageID string) error
	HandleProgressUpdate(ctx context.Context, executionID string, stepIndex int, progress int) error
	HandleCommandResult(ctx context.Context, executionID string, stepIndex int, res model.StepResult) error
}

// StatusSink records node presence changes.
type StatusSink interface {
	SetNodeStatus(ctx context.Context, nodeID, status string, at time.Time) error
}

// NodeRecorder persists node registrations.
type NodeRecorder interface {
	UpsertNode(ctx context.Context, n *model.Node) error
}

// Gateway owns the duplex channels to worker nodes. It authenticates
// connections, keeps the Registry current, relays commands out and routes
// inbound acknowledgments and results to the ExecutionHandler.
type Gateway struct {
	registry *Registry
	auth     Authenticator
	logger   *slog.Logger

	controllerID     string
	handshakeTimeout time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time

	mu       sync.RWMutex
	handler  ExecutionHandler
	status   StatusSink
	recorder NodeRecorder

	wg sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithControllerID sets the identifier reported to nodes in connection acks.
func WithControllerID(id string) Option {
	return func(g *Gateway) { g.controllerID = id }
}

// WithHeartbeatTimeout sets how long a connection may stay silent before it is reaped.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.heartbeatTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds how long a new connection has to send its connect frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.handshakeTimeout = d
		}
	}
}

// WithStatusSink sets where online/offline transitions are recorded.
func WithStatusSink(s StatusSink) Option {
	return func(g *Gateway) { g.status = s }
}

// WithNodeRecorder sets where node registrations are persisted.
func WithNodeRecorder(r NodeRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// New creates a gateway around reg.
func New(reg *Registry, auth Authenticator, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		registry:         reg,
		auth:             auth,
		logger:           logger.With("component", "gateway"),
		handshakeTimeout: defaultHandshakeTimeout,
		heartbeatTimeout: defaultHeartbeatTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetExecutionHandler sets the receiver of command acks and results. It is
// separate from New because the handler usually depends on the gateway.
func (g *Gateway) SetExecutionHandler(h ExecutionHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *Gateway) executionHandler() ExecutionHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// Registry returns the gateway's connection registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Serve accepts node connections on l until ctx is cancelled or the listener
// fails. It closes l on return and waits for connection goroutines to exit.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer g.wg.Wait()
	defer g.closeAll()

	g.logger.Info("gateway listening", "addr", l.Addr().String())
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.wg.Go(func() {
			g.HandleConn(ctx, nc)
		})
	}
}

func (g *Gateway) closeAll() {
	for _, c := range g.registry.Conns() {
		c.Close()
	}
}

// HandleConn runs the handshake and read loop for one connection. It returns
// when the connection closes.
func (g *Gateway) HandleConn(ctx context.Context, nc net.Conn) {
	c, err := g.handshake(ctx, nc)
	if err != nil {
		g.logger.Warn("node handshake failed", "remote_addr", addrString(nc), "error", err)
		nc.Close()
		return
	}
	defer g.disconnect(ctx, c)

	for {
		var msg Message
		if err := ReadMessage(nc, &msg); err != nil {
			if !c.Closed() {
				g.logger.Info("node connection closed", "node_id", c.NodeID, "error", err)
			}
			return
		}
		messagesTotal.WithLabelValues(directionIn, msg.Type).Inc()
		g.dispatch(ctx, c, &msg)
	}
}

func (g *Gateway) handshake(ctx context.Context, nc net.Conn) (*Conn, error) {
	if err := nc.SetReadDeadline(time.Now().Add(g.handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	var msg Message
	if err := ReadMessage(nc, &msg); err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	if msg.Type != MsgConnect {
		g.rejectConn(nc, "first message must be "+MsgConnect)
		return nil, fmt.Errorf("unexpected first message %q", msg.Type)
	}
	var cd ConnectData
	if err := msg.Decode(&cd); err != nil {
		g.rejectConn(nc, "malformed connect")
		return nil, err
	}

	id, err := g.auth.Authenticate(ctx, cd)
	if err != nil {
		authFailuresTotal.Inc()
		g.rejectConn(nc, err.Error())
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	now := g.now().UTC()
	c := NewConn(nc, id.NodeID, id.TenantID, now)
	if prev := g.registry.Add(c); prev != nil {
		g.logger.Info("evicting previous connection", "node_id", prev.NodeID, "remote_addr", addrString(prev.nc))
		prev.Close()
	}
	activeConnections.Set(float64(g.registry.Len()))

	ack, err := NewMessage(MsgConnectionAck, ConnectionAck{
		Status:       StatusSuccess,
		NodeID:       id.NodeID,
		ControllerID: g.controllerID,
		ServerTime:   now,
	})
	if err != nil {
		return nil, err
	}
	if err := g.send(c, ack); err != nil {
		g.registry.Remove(c)
		activeConnections.Set(float64(g.registry.Len()))
		return nil, fmt.Errorf("send connection ack: %w", err)
	}

	g.setStatus(ctx, id.NodeID, model.NodeOnline, now)
	g.logger.Info("node connected", "node_id", id.NodeID, "tenant_id", id.TenantID, "remote_addr", addrString(nc))
	return c, nil
}

func (g *Gateway) rejectConn(nc net.Conn, reason string) {
	ack, err := NewMessage(MsgConnectionAck, ConnectionAck{
		Status:     StatusError,
		Error:      reason,
		ServerTime: g.now().UTC(),
	})
	if err != nil {
		return
	}
	nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteMessage(nc, ack); err == nil {
		messagesTotal.WithLabelValues(directionOut, MsgConnectionAck).Inc()
	}
}

func (g *Gateway) disconnect(ctx context.Context, c *Conn) {
	c.Close()
	if !g.registry.Remove(c) {
		return
	}
	activeConnections.Set(float64(g.registry.Len()))
	g.setStatus(ctx, c.NodeID, model.NodeOffline, g.now().UTC())
	g.logger.Info("node disconnected", "node_id", c.NodeID)
}

func (g *Gateway) setStatus(ctx context.Context, nodeID, status string, at time.Time) {
	if g.status == nil {
		return
	}
	// The serving context may already be cancelled during shutdown.
	ctx = context.WithoutCancel(ctx)
	if err := g.status.SetNodeStatus(ctx, nodeID, status, at); err != nil {
		g.logger.Error("failed to record node status", "node_id", nodeID, "status", status, "error", err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, msg *Message) {
	switch msg.Type {
	case MsgHeartbeat:
		c.Touch(g.now())
	case MsgMetrics:
		c.Touch(g.now())
		g.logger.Debug("node metrics", "node_id", c.NodeID, "bytes", len(msg.Data))
	case MsgNodeRegister:
		c.Touch(g.now())
		g.handleRegister(ctx, c, msg)
	case MsgCommandAck:
		g.handleAck(ctx, c, msg)
	case MsgCommandProgress:
		g.handleProgress(ctx, c, msg)
	case MsgCommandResult:
		g.handleResult(ctx, c, msg)
	default:
		g.logger.Warn("unknown message type", "node_id", c.NodeID, "type", msg.Type)
	}
}

func (g *Gateway) handleRegister(ctx context.Context, c *Conn, msg *Message) {
	var inv model.Inventory
	ack := RegisterAck{Status: StatusSuccess}
	if err := msg.Decode(&inv); err != nil {
		ack = RegisterAck{Status: StatusError, Error: err.Error()}
	} else if g.recorder != nil {
		node := &model.Node{
			ID:        c.NodeID,
			TenantID:  c.TenantID,
			Hostname:  inv.Hostname,
			Status:    model.NodeOnline,
			Inventory: msg.Data,
			LastSeen:  g.now().UTC(),
		}
		if err := g.recorder.UpsertNode(ctx, node); err != nil {
			g.logger.Error("failed to record node registration", "node_id", c.NodeID, "error", err)
			ack = RegisterAck{Status: StatusError, Error: "registration not stored"}
		}
	}

	reply, err := NewMessage(MsgNodeRegisterAck, ack)
	if err != nil {
		return
	}
	if err := g.send(c, reply); err != nil {
		g.logger.Warn("failed to send register ack", "node_id", c.NodeID, "error", err)
		return
	}
	g.logger.Info("node registered", "node_id", c.NodeID, "hostname", inv.Hostname, "status", ack.Status)
}

// executionTarget extracts the correlation metadata of an inbound message.
func executionTarget(msg *Message) (string, int, bool) {
	if msg.Metadata == nil || msg.Metadata.ExecutionID == "" || msg.Metadata.StepIndex == nil {
		return "", 0, false
	}
	return msg.Metadata.ExecutionID, *msg.Metadata.StepIndex, true
}

func (g *Gateway) handleAck(ctx context.Context, c *Conn, msg *Message) {
	execID, step, ok := executionTarget(msg)
	h := g.executionHandler()
	if !ok || h == nil {
		return
	}
	if err := h.HandleCommandAck(ctx, execID, step, msg.MessageID); err != nil {
		g.logger.Warn("command ack not applied", "node_id", c.NodeID, "execution_id", execID, "step", step, "error", err)
	}
}

func (g *Gateway) handleProgress(ctx context.Context, c *Conn, msg *Message) {
	execID, step, ok := executionTarget(msg)
	h := g.executionHandler()
	if !ok || h == nil {
		return
	}
	var pd CommandProgressData
	if err := msg.Decode(&pd); err != nil {
		g.logger.Warn("malformed progress", "node_id", c.NodeID, "error", err)
		return
	}
	if err := h.HandleProgressUpdate(ctx, execID, step, pd.Progress); err != nil {
		g.logger.Warn("progress not applied", "node_id", c.NodeID, "execution_id", execID, "step", step, "error", err)
	}
}

func (g *Gateway) handleResult(ctx context.Context, c *Conn, msg *Message) {
	execID, step, ok := executionTarget(msg)
	h := g.executionHandler()
	if !ok || h == nil {
		return
	}
	var rd CommandResultData
	if err := msg.Decode(&rd); err != nil {
		g.logger.Warn("malformed command result", "node_id", c.NodeID, "error", err)
		return
	}

	res := model.StepResult{
		MessageID:         msg.MessageID,
		OriginalMessageID: rd.OriginalMessageID,
		NodeID:            c.NodeID,
		Success:           rd.Status == StatusSuccess,
		Result:            rd.Result,
		Progress:          rd.Progress,
	}
	if !res.Success {
		idx := step
		res.Error = &model.ExecutionError{
			Code:      model.CodeWorkerError,
			Message:   "worker reported failure",
			StepIndex: &idx,
			NodeID:    c.NodeID,
		}
		if rd.Error != nil {
			if rd.Error.Code != "" {
				res.Error.Code = rd.Error.Code
			}
			if rd.Error.Message != "" {
				res.Error.Message = rd.Error.Message
			}
		}
	}

	if err := h.HandleCommandResult(ctx, execID, step, res); err != nil {
		g.logger.Warn("command result not applied", "node_id", c.NodeID, "execution_id", execID, "step", step, "error", err)
	}
}

// SendCommandToNode sends a command envelope to a connected node and returns
// its message id for correlating the asynchronous result.
func (g *Gateway) SendCommandToNode(ctx context.Context, nodeID string, cmd model.Command, meta model.CommandMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, ok := g.registry.Get(nodeID)
	if !ok {
		return "", fmt.Errorf("send %s to %s: %w", cmd.Type, nodeID, ErrNodeNotConnected)
	}
	if meta.Priority == "" {
		meta.Priority = PriorityNormal
	}

	msg, err := NewMessage(cmd.Type, nil)
	if err != nil {
		return "", err
	}
	res := cmd.Resource
	msg.Resource = &res
	msg.Data = cmd.Data
	msg.Metadata = &meta

	if err := g.send(c, msg); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", cmd.Type, nodeID, err)
	}
	g.logger.DebugContext(ctx, "command sent", "node_id", nodeID, "type", cmd.Type, "message_id", msg.MessageID)
	return msg.MessageID, nil
}

// BroadcastToAllNodes sends an administrative message to every live
// connection and returns how many nodes received it.
func (g *Gateway) BroadcastToAllNodes(ctx context.Context, data json.RawMessage) int {
	sent := 0
	for _, c := range g.registry.Conns() {
		msg, err := NewMessage(MsgAdmin, nil)
		if err != nil {
			continue
		}
		msg.Data = data
		if err := g.send(c, msg); err != nil {
			g.logger.WarnContext(ctx, "broadcast failed", "node_id", c.NodeID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ReapStale closes connections that have not sent a heartbeat within the
// heartbeat timeout. It returns the number closed.
func (g *Gateway) ReapStale() int {
	stale := g.registry.Stale(g.now(), g.heartbeatTimeout)
	for _, c := range stale {
		g.logger.Warn("reaping stale connection", "node_id", c.NodeID, "last_heartbeat", c.LastHeartbeat())
		c.Close()
	}
	return len(stale)
}

// RunReaper calls ReapStale every interval until ctx is cancelled.
func (g *Gateway) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ReapStale()
		}
	}
}

func (g *Gateway) send(c *Conn, msg *Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	messagesTotal.WithLabelValues(directionOut, msg.Type).Inc()
	return nil
}

func addrString(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
