// Package agent implements the worker side of the node channel. An Agent
// connects to the controller, registers its inventory, sends heartbeats and
// runs the commands it is sent, reporting ack, progress and result for each.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// Timer defaults applied when Config leaves them zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCommandTimeout    = 10 * time.Minute
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxReconnectBackoff     = 30 * time.Second
	baseReconnectBackoff    = 500 * time.Millisecond
)

// ErrRejected is returned when the controller refuses the connect handshake.
var ErrRejected = errors.New("connection rejected by controller")

// Config identifies the node and tunes its timers.
type Config struct {
	NodeID            string
	Token             string
	Version           string
	Labels            map[string]string
	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration
	HandshakeTimeout  time.Duration
}

// Agent runs commands for one node. A single Agent may serve several
// consecutive connections but only one at a time.
type Agent struct {
	cfg      Config
	logger   *slog.Logger
	handlers map[string]Handler
	now      func() time.Time
	started  time.Time
}

// New creates an agent with the default handler set registered.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	a := &Agent{
		cfg:      cfg,
		logger:   logger.With("component", "agent", "node_id", cfg.NodeID),
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
	a.started = a.now()

	sim := Simulated(4, 250*time.Millisecond)
	a.Handle(model.CommandShellExec, ShellExec)
	a.Handle(model.CommandModelDeploy, sim)
	a.Handle(model.CommandModelDownload, sim)
	a.Handle(model.CommandModelStop, sim)
	a.Handle(model.CommandAgentSetup, sim)
	return a
}

// Handle registers h for a command type, replacing any previous handler.
// It must not be called while the agent is running.
func (a *Agent) Handle(cmdType string, h Handler) {
	a.handlers[cmdType] = h
}

// RunWithReconnect keeps a session open until ctx is cancelled, dialing again
// with exponential backoff whenever the connection drops. A rejected
// handshake is not retried.
func (a *Agent) RunWithReconnect(ctx context.Context, dial func(context.Context) (net.Conn, error)) error {
	backoff := baseReconnectBackoff
	for {
		conn, err := dial(ctx)
		if err == nil {
			err = a.Run(ctx, conn)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrRejected) {
				return err
			}
			backoff = baseReconnectBackoff
		}
		if ctx.Err() != nil {
			return nil
		}

		a.logger.Warn("controller connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// Run serves one connection: handshake, registration, then commands until
// the connection closes or ctx is cancelled. Running commands are cancelled
// when it returns. A nil error means ctx ended the session.
func (a *Agent) Run(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	if err := a.handshake(conn); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })
	defer stop()

	s := &session{
		agent:   a,
		conn:    conn,
		logger:  a.logger,
		running: make(map[string]*task),
	}

	inv := CollectInventory(a.cfg.Version, a.cfg.Labels)
	if err := s.send(gateway.MsgNodeRegister, nil, inv); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	var wg sync.WaitGroup
	wg.Go(func() { s.heartbeats(sessCtx) })

	err := s.readLoop(sessCtx)
	cancel()
	s.tasks.Wait()
	wg.Wait()

	if ctx.Err() != nil {
		a.logger.Info("session closed")
		return nil
	}
	return err
}

func (a *Agent) handshake(conn net.Conn) error {
	msg, err := gateway.NewMessage(gateway.MsgConnect, gateway.ConnectData{
		Token:  a.cfg.Token,
		NodeID: a.cfg.NodeID,
	})
	if err != nil {
		return err
	}
	if err := gateway.WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	if err := conn.SetReadDeadline(a.now().Add(a.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	var reply gateway.Message
	if err := gateway.ReadMessage(conn, &reply); err != nil {
		return fmt.Errorf("read connection ack: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	if reply.Type != gateway.MsgConnectionAck {
		return fmt.Errorf("expected %s, got %q", gateway.MsgConnectionAck, reply.Type)
	}
	var ack gateway.ConnectionAck
	if err := reply.Decode(&ack); err != nil {
		return err
	}
	if ack.Status != gateway.StatusSuccess {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	a.logger.Info("connected to controller", "controller_id", ack.ControllerID)
	return nil
}

// HeartbeatData is the body of a telemetry.heartbeat frame.
type HeartbeatData struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	Running       int   `json:"running"`
}

// session is the state of one controller connection.
type session struct {
	agent  *Agent
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	running map[string]*task
	tasks   sync.WaitGroup
}

type task struct {
	cancel    context.CancelFunc
	abandoned bool
}

func (s *session) write(msg *gateway.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return gateway.WriteMessage(s.conn, msg)
}

func (s *session) send(msgType string, meta *model.CommandMetadata, data any) error {
	msg, err := gateway.NewMessage(msgType, data)
	if err != nil {
		return err
	}
	msg.Metadata = meta
	return s.write(msg)
}

func (s *session) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.agent.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			n := len(s.running)
			s.mu.Unlock()
			hb := HeartbeatData{
				UptimeSeconds: int64(s.agent.now().Sub(s.agent.started).Seconds()),
				Running:       n,
			}
			if err := s.send(gateway.MsgHeartbeat, nil, hb); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		var msg gateway.Message
		if err := gateway.ReadMessage(s.conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case gateway.MsgNodeRegisterAck:
			var ack gateway.RegisterAck
			if err := msg.Decode(&ack); err == nil && ack.Status != gateway.StatusSuccess {
				s.logger.Warn("registration not accepted", "error", ack.Error)
			}
		case gateway.MsgAdmin:
			s.logger.Info("admin message", "message_id", msg.MessageID, "data", string(msg.Data))
		case gateway.MsgConnectionAck:
		case model.CommandCancel:
			s.abandon(&msg)
		default:
			s.start(ctx, &msg)
		}
	}
}

// start acknowledges a command and runs its handler in the background.
func (s *session) start(ctx context.Context, msg *gateway.Message) {
	meta := msg.Metadata
	if err := s.send(gateway.MsgCommandAck, meta, gateway.CommandAckData{OriginalMessageID: msg.MessageID}); err != nil {
		s.logger.Warn("failed to ack command", "message_id", msg.MessageID, "error", err)
		return
	}

	timeout := s.agent.cfg.CommandTimeout
	if meta != nil && meta.Timeout > 0 {
		timeout = time.Duration(meta.Timeout) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	t := &task{cancel: cancel}

	s.mu.Lock()
	s.running[msg.MessageID] = t
	s.mu.Unlock()

	s.tasks.Go(func() {
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, msg.MessageID)
			s.mu.Unlock()
		}()
		s.execute(taskCtx, msg, t)
	})
}

func (s *session) execute(ctx context.Context, msg *gateway.Message, t *task) {
	logger := s.logger.With("message_id", msg.MessageID, "type", msg.Type)
	if msg.Metadata != nil {
		logger = logger.With("execution_id", msg.Metadata.ExecutionID)
	}

	req := &Task{
		MessageID: msg.MessageID,
		Type:      msg.Type,
		Data:      msg.Data,
		Logger:    logger,
		progress: func(pct int, note string) {
			err := s.send(gateway.MsgCommandProgress, msg.Metadata, gateway.CommandProgressData{
				OriginalMessageID: msg.MessageID,
				Progress:          pct,
				Message:           note,
			})
			if err != nil {
				logger.Warn("failed to report progress", "error", err)
			}
		},
	}
	if msg.Resource != nil {
		req.Resource = *msg.Resource
	}

	rd := gateway.CommandResultData{OriginalMessageID: msg.MessageID}
	h, ok := s.agent.handlers[msg.Type]
	var out any
	var err error
	if !ok {
		err = &CommandError{Code: CodeUnsupported, Message: fmt.Sprintf("no handler for command type %q", msg.Type)}
	} else {
		logger.Info("running command")
		out, err = h(ctx, req)
	}

	s.mu.Lock()
	abandoned := t.abandoned
	s.mu.Unlock()
	if abandoned {
		logger.Info("command abandoned at controller request")
		return
	}

	if err == nil {
		done := 100
		rd.Status = gateway.StatusSuccess
		rd.Progress = &done
		if out != nil {
			raw, mErr := json.Marshal(out)
			if mErr != nil {
				err = fmt.Errorf("marshal result: %w", mErr)
			} else {
				rd.Result = raw
			}
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &CommandError{Code: CodeTimeout, Message: err.Error()}
		}
		rd.Status = gateway.StatusFailure
		rd.Error = resultError(err)
		logger.Warn("command failed", "error", err)
	} else {
		logger.Info("command completed")
	}

	if sendErr := s.send(gateway.MsgCommandResult, msg.Metadata, rd); sendErr != nil {
		logger.Error("failed to send result", "error", sendErr)
	}
}

// abandon cancels the command named by a command.cancel frame. No result is
// reported for it.
func (s *session) abandon(msg *gateway.Message) {
	var p model.CancelPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Warn("malformed cancel", "message_id", msg.MessageID, "error", err)
			return
		}
	}

	s.mu.Lock()
	t, ok := s.running[p.OriginalMessageID]
	if ok {
		t.abandoned = true
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("cancel for unknown command", "original_message_id", p.OriginalMessageID)
		return
	}
	t.cancel()
	s.logger.Info("cancelling command", "original_message_id", p.OriginalMessageID, "reason", p.Reason)
}
