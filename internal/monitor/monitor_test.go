package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFinder struct {
	executions []*model.Execution
	err        error
	calls      int
}

func (f *fakeFinder) FindTimedOut(_ context.Context, _ time.Time) ([]*model.Execution, error) {
	f.calls++
	return f.executions, f.err
}

type fakeExecutor struct {
	mu         sync.Mutex
	timeoutErr map[string]error
	settled    map[string]bool
	retryErr   error
	timedOut   []string
	retried    []string
	resumed    []string
}

func (f *fakeExecutor) HandleExecutionTimeout(_ context.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.timeoutErr[id]; err != nil {
		return false, err
	}
	if f.settled[id] {
		return false, nil
	}
	f.timedOut = append(f.timedOut, id)
	return true, nil
}

func (f *fakeExecutor) RetryExecution(_ context.Context, id string, resetSteps bool) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resetSteps {
		return nil, errors.New("monitor must keep completed steps")
	}
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	f.retried = append(f.retried, id)
	return &model.Execution{ID: id, RetryCount: 1}, nil
}

func (f *fakeExecutor) ResumeExecution(_ context.Context, id string) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return &model.Execution{ID: id, Status: model.StatusRunning}, nil
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := &fakeFinder{executions: []*model.Execution{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	ex := &fakeExecutor{timeoutErr: map[string]error{"b": errors.New("database is locked")}}
	m := New(f, ex, discardLogger(), Config{Enabled: true})

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 3, TimedOut: 2, Errors: 1}, res)
	assert.Equal(t, []string{"a", "c"}, ex.timedOut)
	assert.Empty(t, ex.retried)
	assert.Equal(t, 2, m.Status().LastTimedOut)
}

func TestSweepSkipsSettledExecutions(t *testing.T) {
	f := &fakeFinder{executions: []*model.Execution{
		{ID: "done", MaxRetries: 3},
		{ID: "late", MaxRetries: 3},
	}}
	ex := &fakeExecutor{settled: map[string]bool{"done": true}}
	m := New(f, ex, discardLogger(), Config{Enabled: true, AutoRetry: true})

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 2, TimedOut: 1, Retried: 1}, res)
	assert.Equal(t, []string{"late"}, ex.retried)
	assert.Equal(t, 1, m.Status().LastTimedOut)
}

func TestSweepFinderError(t *testing.T) {
	f := &fakeFinder{err: errors.New("no such table")}
	m := New(f, &fakeExecutor{}, discardLogger(), Config{Enabled: true})

	if _, err := m.Sweep(context.Background()); err == nil {
		t.Fatal("expected error from Sweep")
	}
}

func TestSweepAutoRetryWithinCeiling(t *testing.T) {
	f := &fakeFinder{executions: []*model.Execution{
		{ID: "fresh", RetryCount: 0, MaxRetries: 3},
		{ID: "used", RetryCount: 1, MaxRetries: 3},
		{ID: "capped", RetryCount: 0, MaxRetries: 0},
	}}
	ex := &fakeExecutor{}
	m := New(f, ex, discardLogger(), Config{Enabled: true, AutoRetry: true, MaxAutoRetries: 1})

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.TimedOut)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, []string{"fresh"}, ex.retried)
	assert.Equal(t, []string{"fresh"}, ex.resumed)
}

func TestSweepAutoRetryFailureCounted(t *testing.T) {
	f := &fakeFinder{executions: []*model.Execution{{ID: "a", MaxRetries: 3}}}
	ex := &fakeExecutor{retryErr: store.ErrRetryExhausted}
	m := New(f, ex, discardLogger(), Config{Enabled: true, AutoRetry: true})

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 1, TimedOut: 1, Errors: 1}, res)
	assert.Empty(t, ex.resumed)
}

func TestTickHonorsEnabled(t *testing.T) {
	f := &fakeFinder{}
	m := New(f, &fakeExecutor{}, discardLogger(), Config{Enabled: false})

	m.tick()
	assert.Equal(t, 0, f.calls)

	m.SetEnabled(true)
	m.tick()
	assert.Equal(t, 1, f.calls)
	assert.False(t, m.Status().LastSweepAt.IsZero())
}

func TestStatusAndSettings(t *testing.T) {
	m := New(&fakeFinder{}, &fakeExecutor{}, discardLogger(), Config{Interval: 45 * time.Second, Enabled: true})

	st := m.Status()
	assert.True(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Equal(t, "45s", st.Interval)
	assert.False(t, st.AutoRetry)
	assert.Equal(t, DefaultMaxAutoRetries, st.MaxAutoRetries)

	m.SetAutoRetry(true, 4)
	m.SetEnabled(false)
	st = m.Status()
	assert.False(t, st.Enabled)
	assert.True(t, st.AutoRetry)
	assert.Equal(t, 4, st.MaxAutoRetries)

	m.SetAutoRetry(false, 0)
	assert.Equal(t, 4, m.Status().MaxAutoRetries)
}

func TestStartStop(t *testing.T) {
	m := New(&fakeFinder{}, &fakeExecutor{}, discardLogger(), Config{Enabled: true})
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(t, m.Status().Running)
	m.Stop()
	m.Stop()
	assert.False(t, m.Status().Running)
}

type nopDispatcher struct{}

func (nopDispatcher) SendCommandToNode(context.Context, string, model.Command, model.CommandMetadata) (string, error) {
	return model.NewID(), nil
}

func TestSweepWithOrchestrator(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	o := orchestrator.New(s, nopDispatcher{}, discardLogger())
	t.Cleanup(o.Wait)
	ctx := context.Background()

	e, err := o.CreateExecution(ctx, model.ExecutionSpec{
		Name:           "slow deploy",
		Category:       "model",
		Type:           "deploy",
		NodeID:         "node-1",
		TimeoutSeconds: 60,
		Steps: []model.StepSpec{
			{Name: "download", Command: &model.Command{Type: model.CommandModelDownload}},
			{Name: "deploy", DependsOn: []int{0}, Command: &model.Command{Type: model.CommandModelDeploy}},
		},
	})
	require.NoError(t, err)
	_, err = o.StartExecution(ctx, e.ID, false)
	require.NoError(t, err)
	o.Wait()

	m := New(s, o, discardLogger(), Config{Enabled: true, AutoRetry: true})

	// Before the deadline nothing is found.
	res, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Found)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 1, TimedOut: 1, Retried: 1}, res)
	o.Wait()

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, model.StepRunning, got.Steps[0].Status)
	assert.Equal(t, model.StepPending, got.Steps[1].Status)

	// The retry used the only automatic attempt; the next overrun sticks.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	res, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 1, TimedOut: 1}, res)

	got, err = s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimeout, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.CodeExecutionTimeout, got.Error.Code)
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

type staleSweepFixture struct {
	store    *store.SQLiteStore
	orch     *orchestrator.Orchestrator
	clock    *manualClock
	snapshot *model.Execution
}

// newStaleSweepFixture starts a two step execution and returns it with the
// snapshot a sweep would load once its deadline has passed. The clock is left
// at the sweep time.
func newStaleSweepFixture(t *testing.T) *staleSweepFixture {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s, err := store.NewSQLiteStore(":memory:", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	o := orchestrator.New(s, nopDispatcher{}, discardLogger())
	t.Cleanup(o.Wait)
	ctx := context.Background()

	e, err := o.CreateExecution(ctx, model.ExecutionSpec{
		Name:           "slow deploy",
		Category:       "model",
		Type:           "deploy",
		NodeID:         "node-1",
		TimeoutSeconds: 60,
		Steps: []model.StepSpec{
			{Name: "download", Command: &model.Command{Type: model.CommandModelDownload}},
			{Name: "deploy", DependsOn: []int{0}, Command: &model.Command{Type: model.CommandModelDeploy}},
		},
	})
	require.NoError(t, err)
	_, err = o.StartExecution(ctx, e.ID, false)
	require.NoError(t, err)
	o.Wait()

	clock.Advance(2 * time.Minute)
	found, err := s.FindTimedOut(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, found, 1)
	return &staleSweepFixture{store: s, orch: o, clock: clock, snapshot: found[0]}
}

func (f *staleSweepFixture) failFirstStep(t *testing.T) {
	t.Helper()
	err := f.orch.HandleCommandResult(context.Background(), f.snapshot.ID, 0, model.StepResult{
		OriginalMessageID: f.snapshot.Steps[0].MessageID,
		NodeID:            "node-1",
		Error:             &model.ExecutionError{Code: model.CodeWorkerError, Message: "out of memory"},
	})
	require.NoError(t, err)
	f.orch.Wait()
}

func (f *staleSweepFixture) sweep(t *testing.T) SweepResult {
	t.Helper()
	m := New(&fakeFinder{executions: []*model.Execution{f.snapshot}}, f.orch, discardLogger(),
		Config{Enabled: true, AutoRetry: true, MaxAutoRetries: 1})
	m.now = f.clock.Now
	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	f.orch.Wait()
	return res
}

func TestSweepStaleSnapshotOfFailedExecution(t *testing.T) {
	f := newStaleSweepFixture(t)
	f.failFirstStep(t)

	before, err := f.store.GetExecution(context.Background(), f.snapshot.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, before.Status)

	assert.Equal(t, SweepResult{Found: 1}, f.sweep(t))

	got, err := f.store.GetExecution(context.Background(), f.snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, before.Version, got.Version)
}

func TestSweepStaleSnapshotOfResumedExecution(t *testing.T) {
	f := newStaleSweepFixture(t)
	ctx := context.Background()
	f.failFirstStep(t)
	_, err := f.orch.RetryExecution(ctx, f.snapshot.ID, false)
	require.NoError(t, err)
	resumed, err := f.orch.ResumeExecution(ctx, f.snapshot.ID)
	require.NoError(t, err)
	f.orch.Wait()
	require.True(t, resumed.TimeoutAt.After(f.clock.Now()), "TimeoutAt = %v", resumed.TimeoutAt)

	assert.Equal(t, SweepResult{Found: 1}, f.sweep(t))

	got, err := f.store.GetExecution(ctx, f.snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.TimeoutAt.Equal(resumed.TimeoutAt), "TimeoutAt = %v", got.TimeoutAt)
}
