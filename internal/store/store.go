package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

var (
	// ErrNotFound is returned when an execution or node is not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStep is returned when a step index is out of range.
	ErrInvalidStep = errors.New("invalid step index")
	// ErrInvalidSpec is returned when an execution spec is malformed.
	ErrInvalidSpec = errors.New("invalid execution spec")
	// ErrInvalidTransition is returned when an execution status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryExhausted is returned when an execution has used its retry budget.
	ErrRetryExhausted = errors.New("retry limit reached")
	// ErrStepPrecondition is returned when a step patch expects a status the step is not in.
	ErrStepPrecondition = errors.New("step status precondition failed")
	// ErrConflict is returned when an optimistic update keeps losing to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// ExecutionFilter selects executions in List. Empty fields match everything.
type ExecutionFilter struct {
	Status            string
	Category          string
	Type              string
	ResourceType      string
	ResourceID        string
	NodeID            string
	ParentExecutionID string
	Limit             int
	Offset            int
}

// StatusUpdate is an execution-level status transition.
type StatusUpdate struct {
	Status   string
	Progress *int
	Result   json.RawMessage
	Error    *model.ExecutionError
	// Force skips transition validation.
	Force bool
	// ExpectedVersion, when non-zero, rejects the update with ErrConflict if
	// the stored version differs.
	ExpectedVersion int64
}

// StepPatch is a field-level update of one step. Nil fields are left alone.
type StepPatch struct {
	Status       *string
	Progress     *int
	NodeID       *string
	Result       json.RawMessage
	Error        *model.ExecutionError
	MessageID    *string
	AckMessageID *string

	// ResultMessageID is recorded in the execution's received message ids
	// without touching the step's ack id.
	ResultMessageID *string

	// MatchMessageID rejects the patch with ErrStepPrecondition when the step
	// has a recorded dispatch message id that differs.
	MatchMessageID string

	// OnlyIf rejects the patch with ErrStepPrecondition unless the step is
	// currently in one of these statuses.
	OnlyIf []string
}

// Termination force-ends an execution: every pending or running step is
// skipped with StepError and the execution moves to Status with Error.
type Termination struct {
	Status    string
	StepError model.ExecutionError
	Error     model.ExecutionError
	// ExpiredBy, when set, rejects the termination with ErrInvalidTransition
	// unless the stored deadline is at or before it.
	ExpiredBy time.Time
}

// ExecutionStats holds aggregate execution counts.
type ExecutionStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByCategory map[string]int `json:"count_by_category"`
}

// ExecutionStore defines the persistence operations for executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, spec model.ExecutionSpec) (*model.Execution, error)
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id string, u StatusUpdate) (*model.Execution, error)
	UpdateStep(ctx context.Context, id string, index int, p StepPatch) (*model.Execution, error)
	RecalculateProgress(ctx context.Context, id string) (*model.Execution, error)
	FindTimedOut(ctx context.Context, now time.Time) ([]*model.Execution, error)
	TerminateExecution(ctx context.Context, id string, t Termination) (*model.Execution, error)
	CancelExecution(ctx context.Context, id, reason string) (*model.Execution, error)
	RetryExecution(ctx context.Context, id string, resetSteps bool) (*model.Execution, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
}

// NodeStore defines the persistence operations for worker nodes.
type NodeStore interface {
	UpsertNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	SetNodeStatus(ctx context.Context, id, status string, at time.Time) error
}

// Store combines execution and node persistence.
type Store interface {
	ExecutionStore
	NodeStore
	Close() error
}
