package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/store"
)

var (
	// ErrAlreadyRunning is returned when starting an execution that is running.
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrTerminal is returned when starting a finished execution without force.
	ErrTerminal = errors.New("execution already finished, retry it instead")
	// ErrNotResumable is returned when resuming an execution that is not pending.
	ErrNotResumable = errors.New("only pending executions can be resumed")
)

// finalizeAttempts bounds how often finalization re-reads after losing a
// version race to a concurrent writer.
const finalizeAttempts = 5

var tracer = otel.Tracer("github.com/hydrabyte-co/hydra-services-sub000/internal/orchestrator")

// Dispatcher delivers commands to worker nodes.
type Dispatcher interface {
	SendCommandToNode(ctx context.Context, nodeID string, cmd model.Command, meta model.CommandMetadata) (string, error)
}

// Publisher receives lifecycle events for delivery outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Compile-time interface satisfaction check.
var _ gateway.ExecutionHandler = (*Orchestrator)(nil)

// Orchestrator is the workflow engine. It is the only component that moves
// executions and steps between statuses; every change goes through the store
// before anything acts on it.
type Orchestrator struct {
	store      store.ExecutionStore
	dispatcher Dispatcher
	publisher  Publisher
	broker     *EventBroker
	mailbox    *mailbox
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher forwards lifecycle events to p in addition to the in-process broker.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator that persists through s and dispatches through d.
func New(s store.ExecutionStore, d Dispatcher, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      s,
		dispatcher: d,
		broker:     NewEventBroker(),
		mailbox:    newMailbox(),
		logger:     logger.With("component", "orchestrator"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Broker returns the event broker for streaming subscriptions.
func (o *Orchestrator) Broker() *EventBroker {
	return o.broker
}

// Wait blocks until all queued step processing has finished.
func (o *Orchestrator) Wait() {
	o.mailbox.wait()
}

// ActiveExecutions returns the number of executions with queued or running work.
func (o *Orchestrator) ActiveExecutions() int {
	return o.mailbox.pending()
}

// CreateExecution stores a new pending execution.
func (o *Orchestrator) CreateExecution(ctx context.Context, spec model.ExecutionSpec) (*model.Execution, error) {
	e, err := o.store.CreateExecution(ctx, spec)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "execution created", "execution_id", e.ID, "name", e.Name, "steps", len(e.Steps))
	o.emit(ctx, model.NewExecutionEvent(model.EventExecutionCreated, e, o.now().UTC()))
	return e, nil
}

// StartExecution moves an execution to running and schedules step
// processing. It returns once the status change is stored; steps are
// dispatched in the background. Without force, running and finished
// executions are rejected.
func (o *Orchestrator) StartExecution(ctx context.Context, id string, force bool) (*model.Execution, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.StartExecution", trace.WithAttributes(
		attribute.String("execution.id", id),
		attribute.Bool("force", force),
	))
	defer span.End()

	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !force {
		switch {
		case e.Status == model.StatusRunning:
			return nil, spanError(span, fmt.Errorf("start %s: %w", id, ErrAlreadyRunning))
		case model.IsTerminal(e.Status):
			return nil, spanError(span, fmt.Errorf("start %s (%s): %w", id, e.Status, ErrTerminal))
		}
	}

	started, err := o.run(ctx, e, force)
	if err != nil {
		return nil, spanError(span, err)
	}
	return started, nil
}

// ResumeExecution runs an execution that a retry moved back to pending.
func (o *Orchestrator) ResumeExecution(ctx context.Context, id string) (*model.Execution, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ResumeExecution", trace.WithAttributes(
		attribute.String("execution.id", id),
	))
	defer span.End()

	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, spanError(span, err)
	}
	if e.Status != model.StatusPending {
		return nil, spanError(span, fmt.Errorf("resume %s (%s): %w", id, e.Status, ErrNotResumable))
	}

	resumed, err := o.run(ctx, e, false)
	if err != nil {
		return nil, spanError(span, err)
	}
	return resumed, nil
}

func (o *Orchestrator) run(ctx context.Context, e *model.Execution, force bool) (*model.Execution, error) {
	progress := e.ComputeProgress()
	updated, err := o.store.UpdateExecutionStatus(ctx, e.ID, store.StatusUpdate{
		Status:   model.StatusRunning,
		Progress: &progress,
		Force:    force,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", e.ID, err)
	}

	executionsStartedTotal.Inc()
	o.broker.Reopen(e.ID)
	o.logger.InfoContext(ctx, "execution started",
		"execution_id", e.ID,
		"retry_count", updated.RetryCount,
		"timeout_at", updated.TimeoutAt,
	)
	o.emit(ctx, model.NewExecutionEvent(model.EventExecutionStarted, updated, o.now().UTC()))
	o.schedule(ctx, e.ID)
	return updated, nil
}

// CancelExecution skips every unfinished step, marks the execution cancelled
// and asks nodes with running steps to abandon them. Results that arrive
// afterwards are ignored.
func (o *Orchestrator) CancelExecution(ctx context.Context, id, reason string) (*model.Execution, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.CancelExecution", trace.WithAttributes(
		attribute.String("execution.id", id),
	))
	defer span.End()

	e, err := o.store.CancelExecution(ctx, id, reason)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("cancel %s: %w", id, err))
	}

	o.finish(ctx, e)
	o.abandonSkippedSteps(ctx, e, model.CodeCancelled, e.Error.Message)
	return e, nil
}

// RetryExecution prepares a failed or timed out execution to run again. It
// does not start it; call ResumeExecution for that.
func (o *Orchestrator) RetryExecution(ctx context.Context, id string, resetSteps bool) (*model.Execution, error) {
	e, err := o.store.RetryExecution(ctx, id, resetSteps)
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	o.broker.Reopen(id)
	o.logger.InfoContext(ctx, "execution retried",
		"execution_id", id,
		"retry_count", e.RetryCount,
		"max_retries", e.MaxRetries,
		"reset_steps", resetSteps,
	)
	o.emit(ctx, model.NewExecutionEvent(model.EventExecutionRetried, e, o.now().UTC()))
	return e, nil
}

// HandleExecutionTimeout force-ends a running execution whose deadline is at
// or before now: unfinished steps are skipped with a TIMEOUT error and the
// execution moves to timeout. It reports whether it timed the execution out.
// Executions that finished, or were restarted with a later deadline, since
// they were found are left alone.
func (o *Orchestrator) HandleExecutionTimeout(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleExecutionTimeout", trace.WithAttributes(
		attribute.String("execution.id", id),
	))
	defer span.End()

	before, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return false, spanError(span, err)
	}
	if model.IsTerminal(before.Status) {
		return false, nil
	}

	e, err := o.store.TerminateExecution(ctx, id, store.Termination{
		Status: model.StatusTimeout,
		StepError: model.ExecutionError{
			Code:    model.CodeTimeout,
			Message: "step did not finish before the execution deadline",
		},
		Error: model.ExecutionError{
			Code:    model.CodeExecutionTimeout,
			Message: fmt.Sprintf("execution exceeded its %ds timeout", before.TimeoutSeconds),
		},
		ExpiredBy: now,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		o.logger.DebugContext(ctx, "timeout no longer applies", "execution_id", id, "reason", err)
		return false, nil
	}
	if err != nil {
		return false, spanError(span, fmt.Errorf("time out %s: %w", id, err))
	}

	o.finish(ctx, e)
	o.abandonSkippedSteps(ctx, e, model.CodeTimeout, "execution timed out")
	return true, nil
}

// HandleCommandAck records a node's acknowledgment of a dispatched step.
func (o *Orchestrator) HandleCommandAck(ctx context.Context, executionID string, stepIndex int, ackMessageID string) error {
	_, err := o.store.UpdateStep(ctx, executionID, stepIndex, store.StepPatch{
		AckMessageID: &ackMessageID,
		OnlyIf:       []string{model.StepRunning},
	})
	if errors.Is(err, store.ErrStepPrecondition) {
		return nil
	}
	return err
}

// HandleProgressUpdate records interim progress of a running step.
func (o *Orchestrator) HandleProgressUpdate(ctx context.Context, executionID string, stepIndex int, progress int) error {
	e, err := o.store.UpdateStep(ctx, executionID, stepIndex, store.StepPatch{
		Progress: &progress,
		OnlyIf:   []string{model.StepRunning},
	})
	if errors.Is(err, store.ErrStepPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	o.emit(ctx, model.NewStepEvent(e, stepIndex, o.now().UTC()))
	return nil
}

// HandleCommandResult applies a node-reported step outcome and schedules the
// next round of step processing. Results for steps that are no longer
// running, or that answer an older dispatch, are ignored.
func (o *Orchestrator) HandleCommandResult(ctx context.Context, executionID string, stepIndex int, res model.StepResult) error {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleCommandResult", trace.WithAttributes(
		attribute.String("execution.id", executionID),
		attribute.Int("step.index", stepIndex),
		attribute.Bool("success", res.Success),
	))
	defer span.End()

	patch := store.StepPatch{
		OnlyIf:         []string{model.StepRunning},
		MatchMessageID: res.OriginalMessageID,
	}
	if res.MessageID != "" {
		msgID := res.MessageID
		patch.ResultMessageID = &msgID
	}
	if res.Success {
		status := model.StepCompleted
		progress := 100
		patch.Status = &status
		patch.Progress = &progress
		patch.Result = res.Result
	} else {
		status := model.StepFailed
		patch.Status = &status
		patch.Progress = res.Progress
		patch.Result = res.Result
		patch.Error = stepError(res, stepIndex)
	}

	e, err := o.store.UpdateStep(ctx, executionID, stepIndex, patch)
	if errors.Is(err, store.ErrStepPrecondition) {
		duplicateResultsTotal.Inc()
		o.logger.DebugContext(ctx, "ignoring command result",
			"execution_id", executionID,
			"step", stepIndex,
			"original_message_id", res.OriginalMessageID,
			"reason", err,
		)
		return nil
	}
	if err != nil {
		return spanError(span, fmt.Errorf("apply result for %s step %d: %w", executionID, stepIndex, err))
	}

	if !res.Success {
		stepFailuresTotal.WithLabelValues(patch.Error.Code).Inc()
		o.logger.WarnContext(ctx, "step failed",
			"execution_id", executionID,
			"step", stepIndex,
			"node_id", res.NodeID,
			"code", patch.Error.Code,
			"error", patch.Error.Message,
		)
	}
	o.emit(ctx, model.NewStepEvent(e, stepIndex, o.now().UTC()))
	o.schedule(ctx, executionID)
	return nil
}

func stepError(res model.StepResult, stepIndex int) *model.ExecutionError {
	se := model.ExecutionError{Code: model.CodeWorkerError, Message: "worker reported failure"}
	if res.Error != nil {
		se = *res.Error
	}
	if se.StepIndex == nil {
		idx := stepIndex
		se.StepIndex = &idx
	}
	if se.NodeID == "" {
		se.NodeID = res.NodeID
	}
	return &se
}

// schedule queues a processing pass behind any work already queued for the
// execution. The pass outlives the triggering request.
func (o *Orchestrator) schedule(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	o.mailbox.submit(id, func() {
		o.processReadySteps(ctx, id)
	})
}

// processReadySteps dispatches every ready step of a freshly loaded
// execution concurrently. Steps that settle without a node round-trip make
// others ready, so the pass repeats until nothing settles synchronously.
// When no step is ready the execution is checked for completion.
func (o *Orchestrator) processReadySteps(ctx context.Context, id string) {
	ctx, span := tracer.Start(ctx, "orchestrator.processReadySteps", trace.WithAttributes(
		attribute.String("execution.id", id),
	))
	defer span.End()

	for {
		e, err := o.store.GetExecution(ctx, id)
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to load execution", "execution_id", id, "error", spanError(span, err))
			return
		}
		if e.Status != model.StatusRunning {
			return
		}

		ready := store.GetReadySteps(e)
		if len(ready) == 0 {
			o.checkAndFinalize(ctx, id)
			return
		}

		var settled atomic.Bool
		var wg sync.WaitGroup
		for _, idx := range ready {
			wg.Go(func() {
				if o.executeStep(ctx, e, idx) {
					settled.Store(true)
				}
			})
		}
		wg.Wait()

		if !settled.Load() {
			return
		}
	}
}

// executeStep claims a pending step and either completes it, fails it or
// dispatches its command. It reports whether the step reached a terminal
// status without waiting for a node.
func (o *Orchestrator) executeStep(ctx context.Context, e *model.Execution, idx int) bool {
	step := e.Steps[idx]
	nodeID := e.StepNode(idx)

	running := model.StepRunning
	claim := store.StepPatch{Status: &running, OnlyIf: []string{model.StepPending}}
	if nodeID != "" {
		claim.NodeID = &nodeID
	}
	claimed, err := o.store.UpdateStep(ctx, e.ID, idx, claim)
	if err != nil {
		if !errors.Is(err, store.ErrStepPrecondition) {
			o.logger.ErrorContext(ctx, "failed to start step", "execution_id", e.ID, "step", idx, "error", err)
		}
		return false
	}
	o.emit(ctx, model.NewStepEvent(claimed, idx, o.now().UTC()))

	if step.Command == nil {
		o.completeStep(ctx, e.ID, idx)
		return true
	}
	if nodeID == "" {
		o.failStep(ctx, e.ID, idx, model.ExecutionError{
			Code:    model.CodeConfiguration,
			Message: fmt.Sprintf("step %q has no node assigned", step.Name),
		})
		return true
	}

	msgID, err := o.dispatcher.SendCommandToNode(ctx, nodeID, *step.Command, model.CommandMetadata{
		ExecutionID: e.ID,
		StepIndex:   &idx,
		Timeout:     step.TimeoutSeconds,
	})
	if err != nil {
		o.failStep(ctx, e.ID, idx, model.ExecutionError{
			Code:    model.CodeStepExecutionFailed,
			Message: err.Error(),
			NodeID:  nodeID,
		})
		return true
	}
	stepsDispatchedTotal.WithLabelValues(step.Command.Type).Inc()

	_, err = o.store.UpdateStep(ctx, e.ID, idx, store.StepPatch{
		MessageID: &msgID,
		OnlyIf:    []string{model.StepRunning},
	})
	switch {
	case errors.Is(err, store.ErrStepPrecondition):
		o.dispatchRaced(ctx, e.ID, idx, nodeID, msgID)
		return false
	case err != nil:
		o.logger.ErrorContext(ctx, "failed to record dispatch", "execution_id", e.ID, "step", idx, "message_id", msgID, "error", err)
	}
	o.logger.DebugContext(ctx, "step dispatched",
		"execution_id", e.ID,
		"step", idx,
		"node_id", nodeID,
		"command", step.Command.Type,
		"message_id", msgID,
	)
	return false
}

func (o *Orchestrator) completeStep(ctx context.Context, id string, idx int) {
	status := model.StepCompleted
	progress := 100
	e, err := o.store.UpdateStep(ctx, id, idx, store.StepPatch{
		Status:   &status,
		Progress: &progress,
		OnlyIf:   []string{model.StepRunning},
	})
	if err != nil {
		if !errors.Is(err, store.ErrStepPrecondition) {
			o.logger.ErrorContext(ctx, "failed to complete step", "execution_id", id, "step", idx, "error", err)
		}
		return
	}
	o.emit(ctx, model.NewStepEvent(e, idx, o.now().UTC()))
}

func (o *Orchestrator) failStep(ctx context.Context, id string, idx int, stepErr model.ExecutionError) {
	i := idx
	stepErr.StepIndex = &i
	status := model.StepFailed
	e, err := o.store.UpdateStep(ctx, id, idx, store.StepPatch{
		Status: &status,
		Error:  &stepErr,
		OnlyIf: []string{model.StepRunning},
	})
	if err != nil {
		if !errors.Is(err, store.ErrStepPrecondition) {
			o.logger.ErrorContext(ctx, "failed to record step failure", "execution_id", id, "step", idx, "error", err)
		}
		return
	}
	stepFailuresTotal.WithLabelValues(stepErr.Code).Inc()
	o.logger.WarnContext(ctx, "step failed",
		"execution_id", id,
		"step", idx,
		"node_id", stepErr.NodeID,
		"code", stepErr.Code,
		"error", stepErr.Message,
	)
	o.emit(ctx, model.NewStepEvent(e, idx, o.now().UTC()))
}

// checkAndFinalize decides the outcome of a running execution once no step
// is running or ready.
func (o *Orchestrator) checkAndFinalize(ctx context.Context, id string) {
	for range finalizeAttempts {
		err := o.finalize(ctx, id)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrConflict) {
			o.logger.ErrorContext(ctx, "failed to finalize execution", "execution_id", id, "error", err)
			return
		}
	}
	o.logger.WarnContext(ctx, "execution not finalized after repeated conflicts", "execution_id", id)
}

func (o *Orchestrator) finalize(ctx context.Context, id string) error {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.StatusRunning {
		return nil
	}
	sum := e.Summarize()
	if sum.Running > 0 || len(store.GetReadySteps(e)) > 0 {
		return nil
	}

	// Nothing runs and nothing is ready, so any pending step waits on a
	// failed dependency and can never run.
	if sum.Pending > 0 {
		if e, err = o.skipBlocked(ctx, e); err != nil {
			return err
		}
	}

	update, err := outcome(e)
	if err != nil {
		return err
	}
	update.ExpectedVersion = e.Version
	final, err := o.store.UpdateExecutionStatus(ctx, id, update)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	o.finish(ctx, final)
	return nil
}

func (o *Orchestrator) skipBlocked(ctx context.Context, e *model.Execution) (*model.Execution, error) {
	skipped := model.StepSkipped
	for i, step := range e.Steps {
		if step.Status != model.StepPending {
			continue
		}
		idx := i
		updated, err := o.store.UpdateStep(ctx, e.ID, i, store.StepPatch{
			Status: &skipped,
			Error: &model.ExecutionError{
				Code:      model.CodeDependencyFailed,
				Message:   fmt.Sprintf("step %d cannot run because a required dependency failed", i),
				StepIndex: &idx,
				NodeID:    e.StepNode(i),
			},
			OnlyIf: []string{model.StepPending},
		})
		if errors.Is(err, store.ErrStepPrecondition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.emit(ctx, model.NewStepEvent(updated, i, o.now().UTC()))
	}
	return o.store.GetExecution(ctx, e.ID)
}

// executionSummary is the result stored on a completed execution.
type executionSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// outcome returns the terminal transition for an execution whose steps are
// all terminal: failed if a required step failed, completed otherwise.
func outcome(e *model.Execution) (store.StatusUpdate, error) {
	for i, step := range e.Steps {
		if step.Status != model.StepFailed || step.Optional {
			continue
		}
		idx := i
		msg := fmt.Sprintf("step %d (%s) failed", i, step.Name)
		if step.Error != nil && step.Error.Message != "" {
			msg += ": " + step.Error.Message
		}
		return store.StatusUpdate{
			Status: model.StatusFailed,
			Error: &model.ExecutionError{
				Code:      model.CodeExecutionFailed,
				Message:   msg,
				StepIndex: &idx,
				NodeID:    e.StepNode(i),
			},
		}, nil
	}

	sum := e.Summarize()
	result, err := json.Marshal(executionSummary{
		Total:     sum.Total,
		Completed: sum.Completed,
		Skipped:   sum.Skipped,
		Failed:    sum.Failed,
	})
	if err != nil {
		return store.StatusUpdate{}, fmt.Errorf("marshal execution summary: %w", err)
	}
	return store.StatusUpdate{Status: model.StatusCompleted, Result: result}, nil
}

// dispatchRaced handles a step that left running between its claim and the
// recording of its message id. A result that already arrived needs nothing
// more; a step skipped by a cancel or timeout never had its id recorded, so
// its node is told to abandon the command here.
func (o *Orchestrator) dispatchRaced(ctx context.Context, id string, idx int, nodeID, msgID string) {
	e, err := o.store.GetExecution(ctx, id)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to reload raced dispatch", "execution_id", id, "step", idx, "error", err)
		return
	}
	step := e.Steps[idx]
	if step.Status != model.StepSkipped {
		return
	}
	reason := "execution stopped"
	if step.Error != nil {
		reason = step.Error.Message
	}
	o.sendCancel(ctx, id, idx, nodeID, msgID, reason)
}

// abandonSkippedSteps asks the nodes of steps that the termination of e
// skipped while their command was in flight to stop work whose result will
// be ignored. Steps skipped by an earlier run are left alone.
func (o *Orchestrator) abandonSkippedSteps(ctx context.Context, e *model.Execution, code, reason string) {
	for i, step := range e.Steps {
		if step.Status != model.StepSkipped || step.MessageID == "" {
			continue
		}
		if step.Error == nil || step.Error.Code != code {
			continue
		}
		if step.CompletedAt == nil || e.CompletedAt == nil || !step.CompletedAt.Equal(*e.CompletedAt) {
			continue
		}
		o.sendCancel(ctx, e.ID, i, e.StepNode(i), step.MessageID, reason)
	}
}

func (o *Orchestrator) sendCancel(ctx context.Context, id string, idx int, nodeID, msgID, reason string) {
	cmd, err := model.NewCommand(
		model.Resource{Type: "execution", ID: id},
		model.CancelPayload{OriginalMessageID: msgID, Reason: reason},
	)
	if err != nil {
		return
	}
	_, err = o.dispatcher.SendCommandToNode(ctx, nodeID, *cmd, model.CommandMetadata{
		Priority:    gateway.PriorityHigh,
		ExecutionID: id,
		StepIndex:   &idx,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to notify node of cancellation",
			"execution_id", id,
			"step", idx,
			"node_id", nodeID,
			"error", err,
		)
	}
}

func (o *Orchestrator) finish(ctx context.Context, e *model.Execution) {
	executionsFinishedTotal.WithLabelValues(e.Status).Inc()
	attrs := []any{"execution_id", e.ID, "status", e.Status, "progress", e.Progress}
	if e.Error != nil {
		attrs = append(attrs, "code", e.Error.Code, "error", e.Error.Message)
	}
	o.logger.InfoContext(ctx, "execution finished", attrs...)
	o.emit(ctx, model.NewExecutionEvent(model.StatusEventType(e.Status), e, o.now().UTC()))
}

func (o *Orchestrator) emit(ctx context.Context, ev model.Event) {
	o.broker.Publish(ev)
	if ev.Terminal() {
		o.broker.Close(ev.ExecutionID)
	}
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.WarnContext(ctx, "failed to publish event", "execution_id", ev.ExecutionID, "type", ev.Type, "error", err)
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
