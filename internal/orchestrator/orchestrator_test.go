package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

type sentCommand struct {
	nodeID    string
	cmd       model.Command
	meta      model.CommandMetadata
	messageID string
}

// fakeDispatcher records commands instead of sending them. The hooks run
// outside the lock so they may call back into the orchestrator.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentCommand
	fail map[string]error
	seq  int

	beforeSend func(cmd model.Command)
	afterSend  func(cmd model.Command, msgID string)
}

func (d *fakeDispatcher) SendCommandToNode(_ context.Context, nodeID string, cmd model.Command, meta model.CommandMetadata) (string, error) {
	if d.beforeSend != nil {
		d.beforeSend(cmd)
	}
	id, err := d.record(nodeID, cmd, meta)
	if err == nil && d.afterSend != nil {
		d.afterSend(cmd, id)
	}
	return id, err
}

func (d *fakeDispatcher) record(nodeID string, cmd model.Command, meta model.CommandMetadata) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[nodeID]; err != nil {
		return "", err
	}
	d.seq++
	id := fmt.Sprintf("msg-%d", d.seq)
	d.sent = append(d.sent, sentCommand{nodeID: nodeID, cmd: cmd, meta: meta, messageID: id})
	return id, nil
}

func (d *fakeDispatcher) commands(cmdType string) []sentCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentCommand
	for _, s := range d.sent {
		if s.cmd.Type == cmdType {
			out = append(out, s)
		}
	}
	return out
}

// dispatched returns the last non-cancel command sent for a step.
func (d *fakeDispatcher) dispatched(t *testing.T, idx int) sentCommand {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sent) - 1; i >= 0; i-- {
		s := d.sent[i]
		if s.cmd.Type != model.CommandCancel && s.meta.StepIndex != nil && *s.meta.StepIndex == idx {
			return s
		}
	}
	t.Fatalf("no command dispatched for step %d", idx)
	return sentCommand{}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Type != model.EventStepUpdated {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	o     *orchestrator.Orchestrator
	store *store.SQLiteStore
	disp  *fakeDispatcher
	pub   *recordingPublisher
}

func newHarness(t *testing.T, opts ...store.Option) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := &fakeDispatcher{fail: make(map[string]error)}
	p := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := orchestrator.New(s, d, logger, orchestrator.WithPublisher(p))
	t.Cleanup(o.Wait)
	return &harness{o: o, store: s, disp: d, pub: p}
}

// diamondSpec is A, then B and C both depending on A.
func diamondSpec(cOptional bool) model.ExecutionSpec {
	return model.ExecutionSpec{
		Name:           "deploy llama",
		Category:       "model",
		Type:           "deploy",
		NodeID:         "node-1",
		TimeoutSeconds: 600,
		Steps: []model.StepSpec{
			{Name: "A", Command: &model.Command{Type: model.CommandModelDownload}},
			{Name: "B", DependsOn: []int{0}, Command: &model.Command{Type: model.CommandModelDeploy}},
			{Name: "C", DependsOn: []int{0}, Optional: cOptional, Command: &model.Command{Type: model.CommandAgentSetup}, NodeID: "node-2"},
		},
	}
}

func (h *harness) create(t *testing.T, spec model.ExecutionSpec) *model.Execution {
	t.Helper()
	e, err := h.o.CreateExecution(context.Background(), spec)
	require.NoError(t, err)
	return e
}

func (h *harness) start(t *testing.T, id string) {
	t.Helper()
	_, err := h.o.StartExecution(context.Background(), id, false)
	require.NoError(t, err)
	h.o.Wait()
}

func (h *harness) get(t *testing.T, id string) *model.Execution {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

// reply delivers a node result for the step's latest dispatch.
func (h *harness) reply(t *testing.T, id string, idx int, success bool, msg string) {
	t.Helper()
	sent := h.disp.dispatched(t, idx)
	res := model.StepResult{
		MessageID:         "res-" + sent.messageID,
		OriginalMessageID: sent.messageID,
		NodeID:            sent.nodeID,
		Success:           success,
	}
	if success {
		res.Result = json.RawMessage(`{"ok":true}`)
	} else {
		res.Error = &model.ExecutionError{Code: model.CodeWorkerError, Message: msg}
	}
	require.NoError(t, h.o.HandleCommandResult(context.Background(), id, idx, res))
	h.o.Wait()
}

// expire runs timeout handling as a sweep would once the deadline of a
// diamondSpec execution has passed.
func (h *harness) expire(t *testing.T, id string) bool {
	t.Helper()
	timedOut, err := h.o.HandleExecutionTimeout(context.Background(), id, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return timedOut
}

func stepStatuses(e *model.Execution) []string {
	out := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		out[i] = s.Status
	}
	return out
}

func TestOptionalStepFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))

	h.start(t, e.ID)
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, []string{model.StepRunning, model.StepPending, model.StepPending}, stepStatuses(got))
	require.Equal(t, 1, h.disp.count())

	first := h.disp.dispatched(t, 0)
	assert.Equal(t, "node-1", first.nodeID)
	assert.Equal(t, e.ID, first.meta.ExecutionID)
	assert.Equal(t, model.CommandModelDownload, first.cmd.Type)

	h.reply(t, e.ID, 0, true, "")
	got = h.get(t, e.ID)
	assert.Equal(t, []string{model.StepCompleted, model.StepRunning, model.StepRunning}, stepStatuses(got))
	assert.Equal(t, 3, h.disp.count())
	assert.Equal(t, "node-2", h.disp.dispatched(t, 2).nodeID)
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, got.NodeIDs)

	h.reply(t, e.ID, 2, false, "image pull failed")
	assert.Equal(t, model.StatusRunning, h.get(t, e.ID).Status)

	h.reply(t, e.ID, 1, true, "")
	got = h.get(t, e.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, []string{model.StepCompleted, model.StepCompleted, model.StepFailed}, stepStatuses(got))
	assert.Nil(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"total":3,"completed":2,"skipped":0,"failed":1}`, string(got.Result))
	assert.Equal(t, 67, got.Progress)

	require.NotNil(t, got.Steps[2].Error)
	assert.Equal(t, "image pull failed", got.Steps[2].Error.Message)
	assert.Equal(t, 2, *got.Steps[2].Error.StepIndex)
	assert.Equal(t, "node-2", got.Steps[2].Error.NodeID)
}

func TestRequiredStepFailureFailsExecution(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))

	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")
	h.reply(t, e.ID, 1, true, "")
	h.reply(t, e.ID, 2, false, "disk full")

	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.CodeExecutionFailed, got.Error.Code)
	assert.Contains(t, got.Error.Message, "disk full")
	assert.Equal(t, 2, *got.Error.StepIndex)
	assert.Equal(t, "node-2", got.Error.NodeID)
	assert.NotNil(t, got.CompletedAt)
}

func TestFailureWaitsForRunningSteps(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))

	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")
	h.reply(t, e.ID, 2, false, "boom")

	// B is still running, so the execution cannot be finalized yet.
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusRunning, got.Status)

	h.reply(t, e.ID, 1, true, "")
	assert.Equal(t, model.StatusFailed, h.get(t, e.ID).Status)
}

func TestStepsWithoutCommandAutoComplete(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, model.ExecutionSpec{
		Name:     "bookkeeping",
		Category: "agent",
		Type:     "setup",
		Steps: []model.StepSpec{
			{Name: "reserve"},
			{Name: "register", DependsOn: []int{0}},
			{Name: "announce", DependsOn: []int{1}},
		},
	})

	h.start(t, e.ID)
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 0, h.disp.count())
	for i, s := range got.Steps {
		assert.Equal(t, 100, s.Progress, "step %d progress", i)
		assert.NotNil(t, s.CompletedAt, "step %d completed_at", i)
	}
}

func TestMissingNodeFailsStepWithConfigurationError(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, model.ExecutionSpec{
		Name:     "orphan",
		Category: "model",
		Type:     "deploy",
		Steps: []model.StepSpec{
			{Name: "deploy", Command: &model.Command{Type: model.CommandModelDeploy}},
			{Name: "verify", DependsOn: []int{0}},
		},
	})

	h.start(t, e.ID)
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Steps[0].Error)
	assert.Equal(t, model.CodeConfiguration, got.Steps[0].Error.Code)
	assert.Equal(t, model.StepSkipped, got.Steps[1].Status)
	require.NotNil(t, got.Steps[1].Error)
	assert.Equal(t, model.CodeDependencyFailed, got.Steps[1].Error.Code)
	assert.Equal(t, 0, h.disp.count())
}

func TestDispatchErrorFailsStep(t *testing.T) {
	h := newHarness(t)
	h.disp.fail["node-1"] = fmt.Errorf("send: %w", gateway.ErrNodeNotConnected)
	e := h.create(t, diamondSpec(false))

	h.start(t, e.ID)
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Steps[0].Error)
	assert.Equal(t, model.CodeStepExecutionFailed, got.Steps[0].Error.Code)
	assert.Equal(t, "node-1", got.Steps[0].Error.NodeID)
	assert.Contains(t, got.Steps[0].Error.Message, "node not connected")
	assert.Equal(t, []string{model.StepFailed, model.StepSkipped, model.StepSkipped}, stepStatuses(got))
}

func TestIndependentStepsDispatchTogether(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, model.ExecutionSpec{
		Name:     "fan out",
		Category: "model",
		Type:     "download",
		NodeID:   "node-1",
		Steps: []model.StepSpec{
			{Name: "a", Command: &model.Command{Type: model.CommandShellExec}},
			{Name: "b", Command: &model.Command{Type: model.CommandShellExec}, NodeID: "node-2"},
			{Name: "c", Command: &model.Command{Type: model.CommandShellExec}, NodeID: "node-3"},
		},
	})

	h.start(t, e.ID)
	assert.Equal(t, 3, h.disp.count())
	got := h.get(t, e.ID)
	assert.Equal(t, []string{model.StepRunning, model.StepRunning, model.StepRunning}, stepStatuses(got))
	assert.Len(t, got.SentMessageIDs, 3)
	for i := range got.Steps {
		assert.Equal(t, h.disp.dispatched(t, i).messageID, got.Steps[i].MessageID)
	}
}

func TestDuplicateResultIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))
	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")

	before := h.get(t, e.ID)
	dispatches := h.disp.count()

	h.reply(t, e.ID, 0, true, "")
	h.reply(t, e.ID, 0, false, "late failure")

	after := h.get(t, e.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, model.StepCompleted, after.Steps[0].Status)
	assert.Equal(t, dispatches, h.disp.count())
}

func TestResultForOlderDispatchIsIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))
	h.start(t, e.ID)

	err := h.o.HandleCommandResult(context.Background(), e.ID, 0, model.StepResult{
		OriginalMessageID: "msg-from-previous-attempt",
		NodeID:            "node-1",
		Success:           true,
	})
	require.NoError(t, err)
	h.o.Wait()

	assert.Equal(t, model.StepRunning, h.get(t, e.ID).Steps[0].Status)
}

func TestAckAndProgressAreRecorded(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))
	h.start(t, e.ID)
	ctx := context.Background()

	require.NoError(t, h.o.HandleCommandAck(ctx, e.ID, 0, "ack-1"))
	require.NoError(t, h.o.HandleProgressUpdate(ctx, e.ID, 0, 40))
	require.NoError(t, h.o.HandleProgressUpdate(ctx, e.ID, 0, 20))

	got := h.get(t, e.ID)
	assert.Equal(t, "ack-1", got.Steps[0].AckMessageID)
	assert.Contains(t, got.ReceivedMessageIDs, "ack-1")
	assert.Equal(t, 40, got.Steps[0].Progress)
	assert.Equal(t, 13, got.Progress)
	assert.Equal(t, model.StepRunning, got.Steps[0].Status)

	// Progress for a step that is not running changes nothing.
	require.NoError(t, h.o.HandleProgressUpdate(ctx, e.ID, 1, 50))
	assert.Equal(t, 0, h.get(t, e.ID).Steps[1].Progress)

	err := h.o.HandleCommandAck(ctx, e.ID, 9, "ack-x")
	if !errors.Is(err, store.ErrInvalidStep) {
		t.Errorf("err = %v, want ErrInvalidStep", err)
	}
}

func TestCancelWithRunningSteps(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")

	running := h.get(t, e.ID)
	require.Equal(t, []string{model.StepCompleted, model.StepRunning, model.StepRunning}, stepStatuses(running))

	cancelled, err := h.o.CancelExecution(context.Background(), e.ID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, model.CodeCancelled, cancelled.Error.Code)
	assert.Equal(t, []string{model.StepCompleted, model.StepSkipped, model.StepSkipped}, stepStatuses(cancelled))

	cancels := h.disp.commands(model.CommandCancel)
	require.Len(t, cancels, 2)
	nodes := []string{cancels[0].nodeID, cancels[1].nodeID}
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, nodes)
	assert.Equal(t, gateway.PriorityHigh, cancels[0].meta.Priority)
	var payload model.CancelPayload
	require.NoError(t, json.Unmarshal(cancels[0].cmd.Data, &payload))
	assert.Equal(t, "operator abort", payload.Reason)
	assert.Equal(t, running.Steps[*cancels[0].meta.StepIndex].MessageID, payload.OriginalMessageID)

	// Late results for the cancelled steps change nothing.
	h.reply(t, e.ID, 1, true, "")
	h.reply(t, e.ID, 2, false, "interrupted")
	after := h.get(t, e.ID)
	assert.Equal(t, cancelled.Version, after.Version)
	assert.Equal(t, model.StatusCancelled, after.Status)
	assert.Equal(t, model.StepSkipped, after.Steps[1].Status)
}

func TestCancelTerminalExecutionRejected(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))
	_, err := h.o.CancelExecution(context.Background(), e.ID, "")
	require.NoError(t, err)

	_, err = h.o.CancelExecution(context.Background(), e.ID, "")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)

	assert.True(t, h.expire(t, e.ID))
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusTimeout, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.CodeExecutionTimeout, got.Error.Code)
	for i, s := range got.Steps {
		assert.Equal(t, model.StepSkipped, s.Status, "step %d", i)
		require.NotNil(t, s.Error)
		assert.Equal(t, model.CodeTimeout, s.Error.Code)
	}
	assert.Len(t, h.disp.commands(model.CommandCancel), 1)

	// A second sweep and a late result are both no-ops.
	assert.False(t, h.expire(t, e.ID))
	h.reply(t, e.ID, 0, true, "")
	assert.Equal(t, got.Version, h.get(t, e.ID).Version)
}

func TestTimeoutIgnoresPendingExecution(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))
	assert.False(t, h.expire(t, e.ID))
	assert.Equal(t, model.StatusPending, h.get(t, e.ID).Status)
}

func TestTimeoutBeforeDeadlineIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)

	timedOut, err := h.o.HandleExecutionTimeout(context.Background(), e.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, timedOut)
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Empty(t, h.disp.commands(model.CommandCancel))
}

func TestTimeoutAfterConcurrentFailureIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)
	h.reply(t, e.ID, 0, false, "disk full")
	failed := h.get(t, e.ID)
	require.Equal(t, model.StatusFailed, failed.Status)

	assert.False(t, h.expire(t, e.ID))
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, failed.Version, got.Version)
}

// manualClock is a store time source the test advances by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTimeoutAfterRetryAndResumeIgnored(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	h := newHarness(t, store.WithClock(clock.Now))
	ctx := context.Background()
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)

	// A sweep finds the execution past its deadline, and before it is
	// handled the step fails and the execution is retried and resumed.
	clock.Advance(11 * time.Minute)
	sweepAt := clock.Now()
	require.False(t, e.TimeoutAt.After(sweepAt))
	h.reply(t, e.ID, 0, false, "disk full")
	_, err := h.o.RetryExecution(ctx, e.ID, false)
	require.NoError(t, err)
	_, err = h.o.ResumeExecution(ctx, e.ID)
	require.NoError(t, err)
	h.o.Wait()
	resumed := h.get(t, e.ID)
	require.Equal(t, model.StatusRunning, resumed.Status)
	require.True(t, resumed.TimeoutAt.After(sweepAt), "TimeoutAt = %v", resumed.TimeoutAt)

	timedOut, err := h.o.HandleExecutionTimeout(ctx, e.ID, sweepAt)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, model.StatusRunning, h.get(t, e.ID).Status)
}

func TestCancelDuringDispatchNotifiesNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, diamondSpec(false))

	var once sync.Once
	h.disp.beforeSend = func(cmd model.Command) {
		if cmd.Type == model.CommandCancel {
			return
		}
		once.Do(func() {
			_, err := h.o.CancelExecution(ctx, e.ID, "operator abort")
			assert.NoError(t, err)
		})
	}
	h.start(t, e.ID)

	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, model.StepSkipped, got.Steps[0].Status)
	assert.Empty(t, got.Steps[0].MessageID, "message id written onto a skipped step")

	dispatched := h.disp.dispatched(t, 0)
	cancels := h.disp.commands(model.CommandCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, "node-1", cancels[0].nodeID)
	var payload model.CancelPayload
	require.NoError(t, json.Unmarshal(cancels[0].cmd.Data, &payload))
	assert.Equal(t, dispatched.messageID, payload.OriginalMessageID)
	assert.Equal(t, "operator abort", payload.Reason)
}

func TestResultBeforeDispatchRecordedSendsNoCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, diamondSpec(false))

	var once sync.Once
	h.disp.afterSend = func(cmd model.Command, msgID string) {
		if cmd.Type != model.CommandModelDownload {
			return
		}
		once.Do(func() {
			err := h.o.HandleCommandResult(ctx, e.ID, 0, model.StepResult{
				OriginalMessageID: msgID,
				NodeID:            "node-1",
				Success:           true,
			})
			assert.NoError(t, err)
		})
	}
	h.start(t, e.ID)

	got := h.get(t, e.ID)
	assert.Equal(t, model.StepCompleted, got.Steps[0].Status)
	assert.Empty(t, h.disp.commands(model.CommandCancel))
}

func TestStartRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.StartExecution(ctx, "missing", false)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	e := h.create(t, diamondSpec(true))
	h.start(t, e.ID)
	_, err = h.o.StartExecution(ctx, e.ID, false)
	if !errors.Is(err, orchestrator.ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}

	_, err = h.o.CancelExecution(ctx, e.ID, "")
	require.NoError(t, err)
	_, err = h.o.StartExecution(ctx, e.ID, false)
	if !errors.Is(err, orchestrator.ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}

	_, err = h.o.ResumeExecution(ctx, e.ID)
	if !errors.Is(err, orchestrator.ErrNotResumable) {
		t.Errorf("err = %v, want ErrNotResumable", err)
	}
}

func TestForceStartTerminalExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, diamondSpec(true))
	_, err := h.o.CancelExecution(ctx, e.ID, "")
	require.NoError(t, err)

	started, err := h.o.StartExecution(ctx, e.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	assert.Nil(t, started.CompletedAt)
	h.o.Wait()

	// Every step was skipped by the cancel, so the run finalizes at once.
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 0, h.disp.count())
}

func TestRetryThenResumeRerunsOnlyFailedSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")
	h.reply(t, e.ID, 1, true, "")
	h.reply(t, e.ID, 2, false, "flaky")
	require.Equal(t, model.StatusFailed, h.get(t, e.ID).Status)

	retried, err := h.o.RetryExecution(ctx, e.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, []string{model.StepCompleted, model.StepCompleted, model.StepPending}, stepStatuses(retried))

	dispatches := h.disp.count()
	_, err = h.o.ResumeExecution(ctx, e.ID)
	require.NoError(t, err)
	h.o.Wait()
	assert.Equal(t, dispatches+1, h.disp.count())

	h.reply(t, e.ID, 2, true, "")
	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestRetryWithResetRerunsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, diamondSpec(false))
	h.start(t, e.ID)
	require.True(t, h.expire(t, e.ID))

	_, err := h.o.RetryExecution(ctx, e.ID, true)
	require.NoError(t, err)
	_, err = h.o.ResumeExecution(ctx, e.ID)
	require.NoError(t, err)
	h.o.Wait()

	got := h.get(t, e.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, []string{model.StepRunning, model.StepPending, model.StepPending}, stepStatuses(got))
}

func TestLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, diamondSpec(true))
	ch, unsub := h.o.Broker().Subscribe(e.ID)
	defer unsub()

	h.start(t, e.ID)
	h.reply(t, e.ID, 0, true, "")
	h.reply(t, e.ID, 1, true, "")
	h.reply(t, e.ID, 2, true, "")

	var streamed []model.Event
	for ev := range ch {
		streamed = append(streamed, ev)
	}
	require.NotEmpty(t, streamed)
	assert.Equal(t, model.EventExecutionStarted, streamed[0].Type)
	last := streamed[len(streamed)-1]
	assert.Equal(t, model.EventExecutionCompleted, last.Type)
	assert.Equal(t, model.StatusCompleted, last.Status)

	assert.Equal(t, []string{
		model.EventExecutionCreated,
		model.EventExecutionStarted,
		model.EventExecutionCompleted,
	}, h.pub.types())
}
