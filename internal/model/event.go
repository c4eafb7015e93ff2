package model

import "time"

// Lifecycle event types.
const (
	EventExecutionCreated   = "execution.created"
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
	EventExecutionTimeout   = "execution.timeout"
	EventExecutionRetried   = "execution.retried"
	EventStepUpdated        = "step.updated"
)

// Event is a lifecycle notification for an execution or one of its steps.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	StepIndex   *int            `json:"step_index,omitempty"`
	StepStatus  string          `json:"step_status,omitempty"`
	NodeID      string          `json:"node_id,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	Time        time.Time       `json:"time"`
}

// Terminal reports whether the event ends the execution's current run.
func (ev Event) Terminal() bool {
	return ev.StepIndex == nil && IsTerminal(ev.Status)
}

// StatusEventType maps an execution status to the event announcing it.
func StatusEventType(status string) string {
	switch status {
	case StatusRunning:
		return EventExecutionStarted
	case StatusCompleted:
		return EventExecutionCompleted
	case StatusFailed:
		return EventExecutionFailed
	case StatusCancelled:
		return EventExecutionCancelled
	case StatusTimeout:
		return EventExecutionTimeout
	case StatusPending:
		return EventExecutionRetried
	}
	return ""
}

// NewExecutionEvent describes the execution's current status.
func NewExecutionEvent(typ string, e *Execution, at time.Time) Event {
	return Event{
		ID:          NewID(),
		Type:        typ,
		ExecutionID: e.ID,
		Status:      e.Status,
		Progress:    e.Progress,
		NodeID:      e.NodeID,
		Error:       e.Error,
		Time:        at,
	}
}

// NewStepEvent describes the current state of step index.
func NewStepEvent(e *Execution, index int, at time.Time) Event {
	ev := NewExecutionEvent(EventStepUpdated, e, at)
	idx := index
	ev.StepIndex = &idx
	if index >= 0 && index < len(e.Steps) {
		ev.StepStatus = e.Steps[index].Status
		ev.NodeID = e.StepNode(index)
		ev.Error = e.Steps[index].Error
	}
	return ev
}
