package model

import (
	"encoding/json"
	"time"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Step status constants. Pending, running, completed and failed share their
// values with the execution statuses of the same name.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Error codes recorded on steps and executions.
const (
	CodeConfiguration       = "CONFIGURATION_ERROR"
	CodeStepExecutionFailed = "STEP_EXECUTION_FAILED"
	CodeWorkerError         = "WORKER_ERROR"
	CodeDependencyFailed    = "DEPENDENCY_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeExecutionTimeout    = "EXECUTION_TIMEOUT"
	CodeCancelled           = "CANCELLED"
	CodeExecutionFailed     = "EXECUTION_FAILED"
)

// validTransitions maps each execution status to the set of statuses it may
// transition to without force.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusTimeout: {
		StatusPending: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether an execution status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsStepTerminal reports whether a step status is final.
func IsStepTerminal(status string) bool {
	switch status {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// ExecutionError describes why a step or execution failed.
type ExecutionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	StepIndex *int   `json:"step_index,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

func (e *ExecutionError) Error() string {
	return e.Code + ": " + e.Message
}

// Step is one unit of work inside an Execution. Index is its stable identity.
type Step struct {
	Index          int             `json:"index"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	Command        *Command        `json:"command,omitempty"`
	NodeID         string          `json:"node_id,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	AckMessageID   string          `json:"ack_message_id,omitempty"`
	DependsOn      []int           `json:"depends_on,omitempty"`
	Optional       bool            `json:"optional,omitempty"`
}

// StepSpec is the caller-supplied description of a step at creation time.
type StepSpec struct {
	Name           string   `json:"name" validate:"required"`
	Description    string   `json:"description,omitempty"`
	Command        *Command `json:"command,omitempty"`
	NodeID         string   `json:"node_id,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" validate:"gte=0"`
	DependsOn      []int    `json:"depends_on,omitempty" validate:"dive,gte=0"`
	Optional       bool     `json:"optional,omitempty"`
}

// ExecutionSpec is the caller-supplied description of a new execution.
type ExecutionSpec struct {
	Name              string         `json:"name" validate:"required"`
	Category          string         `json:"category" validate:"required"`
	Type              string         `json:"type" validate:"required"`
	NodeID            string         `json:"node_id,omitempty"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	ResourceType      string         `json:"resource_type,omitempty"`
	ResourceID        string         `json:"resource_id,omitempty"`
	CreatedBy         string         `json:"created_by,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Steps             []StepSpec     `json:"steps" validate:"required,min=1,dive"`
	TimeoutSeconds    int            `json:"timeout_seconds,omitempty" validate:"gte=0"`
	MaxRetries        *int           `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// Execution is one workflow instance composed of ordered steps.
type Execution struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Category           string          `json:"category"`
	Type               string          `json:"type"`
	Status             string          `json:"status"`
	Progress           int             `json:"progress"`
	Steps              []Step          `json:"steps"`
	NodeID             string          `json:"node_id,omitempty"`
	NodeIDs            []string        `json:"node_ids,omitempty"`
	ParentExecutionID  string          `json:"parent_execution_id,omitempty"`
	ResourceType       string          `json:"resource_type,omitempty"`
	ResourceID         string          `json:"resource_id,omitempty"`
	CreatedBy          string          `json:"created_by,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	TimeoutSeconds     int             `json:"timeout_seconds"`
	TimeoutAt          time.Time       `json:"timeout_at"`
	RetryCount         int             `json:"retry_count"`
	MaxRetries         int             `json:"max_retries"`
	RetryTimestamps    []time.Time     `json:"retry_timestamps,omitempty"`
	SentMessageIDs     []string        `json:"sent_message_ids,omitempty"`
	ReceivedMessageIDs []string        `json:"received_message_ids,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              *ExecutionError `json:"error,omitempty"`
	Version            int64           `json:"version"`
}

// StepNode returns the worker a step should be dispatched to: the step's own
// assignment, falling back to the execution's primary worker.
func (e *Execution) StepNode(index int) string {
	if index < 0 || index >= len(e.Steps) {
		return ""
	}
	if id := e.Steps[index].NodeID; id != "" {
		return id
	}
	return e.NodeID
}

// AddNode records a worker as touched by this execution.
func (e *Execution) AddNode(nodeID string) {
	if nodeID == "" {
		return
	}
	for _, id := range e.NodeIDs {
		if id == nodeID {
			return
		}
	}
	e.NodeIDs = append(e.NodeIDs, nodeID)
}

// ComputeProgress returns the rounded mean of step progress values.
func (e *Execution) ComputeProgress() int {
	if len(e.Steps) == 0 {
		return 0
	}
	sum := 0
	for _, s := range e.Steps {
		sum += s.Progress
	}
	n := len(e.Steps)
	return (sum*2 + n) / (2 * n)
}

// StepSummary counts steps by status.
type StepSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
	Pending   int `json:"pending"`
}

// Summarize returns step counts by status.
func (e *Execution) Summarize() StepSummary {
	sum := StepSummary{Total: len(e.Steps)}
	for _, s := range e.Steps {
		switch s.Status {
		case StepCompleted:
			sum.Completed++
		case StepFailed:
			sum.Failed++
		case StepSkipped:
			sum.Skipped++
		case StepRunning:
			sum.Running++
		case StepPending:
			sum.Pending++
		}
	}
	return sum
}
