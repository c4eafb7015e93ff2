package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"

	_ "modernc.org/sqlite"
)

const (
	// DefaultTimeoutSeconds is the execution budget when a spec sets none.
	DefaultTimeoutSeconds = 3600
	// DefaultMaxRetries is the retry ceiling when a spec sets none.
	DefaultMaxRetries = 3

	// maxUpdateAttempts bounds the optimistic read-modify-write loop.
	maxUpdateAttempts = 16
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    category            TEXT NOT NULL,
    type                TEXT NOT NULL,
    status              TEXT NOT NULL,
    progress            INTEGER NOT NULL DEFAULT 0,
    node_id             TEXT,
    parent_execution_id TEXT,
    resource_type       TEXT,
    resource_id         TEXT,
    timeout_at          INTEGER NOT NULL,
    retry_count         INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    version             INTEGER NOT NULL,
    document            TEXT NOT NULL
)`

var createExecutionIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_executions_status_created ON executions (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions (parent_execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_resource ON executions (resource_type, resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_node_status ON executions (node_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_timeout ON executions (timeout_at)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite. Each execution is stored as a
// JSON document alongside the columns used for filtering. Writes use an
// optimistic version check so concurrent step updates never overwrite each other.
type SQLiteStore struct {
	db                *sql.DB
	defaultTimeout    int
	defaultMaxRetries int
	now               func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDefaultTimeout sets the timeout budget applied when a spec has none.
func WithDefaultTimeout(seconds int) Option {
	return func(s *SQLiteStore) {
		if seconds > 0 {
			s.defaultTimeout = seconds
		}
	}
}

// WithDefaultMaxRetries sets the retry ceiling applied when a spec has none.
func WithDefaultMaxRetries(n int) Option {
	return func(s *SQLiteStore) {
		if n >= 0 {
			s.defaultMaxRetries = n
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	migrations := append([]string{createExecutionsTable, createNodesTable}, createExecutionIndexes...)
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	s := &SQLiteStore{
		db:                db,
		defaultTimeout:    DefaultTimeoutSeconds,
		defaultMaxRetries: DefaultMaxRetries,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution expands spec into an execution with indexed pending steps,
// assigns an id, computes the deadline and inserts it.
func (s *SQLiteStore) CreateExecution(ctx context.Context, spec model.ExecutionSpec) (*model.Execution, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidSpec)
	}
	for i, st := range spec.Steps {
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= len(spec.Steps) || dep == i {
				return nil, fmt.Errorf("%w: step %d depends on invalid index %d", ErrInvalidSpec, i, dep)
			}
		}
	}
	if i, ok := findCycle(spec.Steps); ok {
		return nil, fmt.Errorf("%w: step %d is part of a dependency cycle", ErrInvalidSpec, i)
	}

	now := s.now().UTC()
	e := &model.Execution{
		ID:                model.NewID(),
		Name:              spec.Name,
		Category:          spec.Category,
		Type:              spec.Type,
		Status:            model.StatusPending,
		NodeID:            spec.NodeID,
		ParentExecutionID: spec.ParentExecutionID,
		ResourceType:      spec.ResourceType,
		ResourceID:        spec.ResourceID,
		CreatedBy:         spec.CreatedBy,
		Metadata:          spec.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
		TimeoutSeconds:    spec.TimeoutSeconds,
		MaxRetries:        s.defaultMaxRetries,
		Version:           1,
	}
	if e.TimeoutSeconds <= 0 {
		e.TimeoutSeconds = s.defaultTimeout
	}
	if spec.MaxRetries != nil {
		e.MaxRetries = *spec.MaxRetries
	}
	e.TimeoutAt = now.Add(time.Duration(e.TimeoutSeconds) * time.Second)

	e.Steps = make([]model.Step, len(spec.Steps))
	for i, st := range spec.Steps {
		e.Steps[i] = model.Step{
			Index:          i,
			Name:           st.Name,
			Description:    st.Description,
			Status:         model.StepPending,
			Command:        st.Command,
			NodeID:         st.NodeID,
			TimeoutSeconds: st.TimeoutSeconds,
			DependsOn:      st.DependsOn,
			Optional:       st.Optional,
		}
	}
	e.AddNode(e.NodeID)

	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, name, category, type, status, progress, node_id, parent_execution_id,
			resource_type, resource_id, timeout_at, retry_count, created_at, updated_at,
			version, document
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Category, e.Type, e.Status, e.Progress, e.NodeID, e.ParentExecutionID,
		e.ResourceType, e.ResourceID, e.TimeoutAt.UnixNano(), e.RetryCount, e.CreatedAt.UnixNano(),
		e.UpdatedAt.UnixNano(), e.Version, string(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return e, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM executions WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return decodeExecution(doc)
}

func decodeExecution(doc string) (*model.Execution, error) {
	e := &model.Execution{}
	if err := json.Unmarshal([]byte(doc), e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a filtered, paginated list of executions ordered by
// created_at DESC, along with the total count of matching executions.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*model.Execution, int, error) {
	var where []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("status", f.Status)
	add("category", f.Category)
	add("type", f.Type)
	add("resource_type", f.ResourceType)
	add("resource_id", f.ResourceID)
	add("node_id", f.NodeID)
	add("parent_execution_id", f.ParentExecutionID)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT document FROM executions"+clause+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	executions, err := scanDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	return executions, total, nil
}

func scanDocuments(rows *sql.Rows) ([]*model.Execution, error) {
	var out []*model.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e, err := decodeExecution(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// UpdateExecutionStatus transitions an execution. It stamps started_at on the
// first move to running and completed_at on any terminal status. A move to
// running after a retry, or a forced restart of a finished execution,
// restarts the deadline from now.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, u StatusUpdate) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution, now time.Time) error {
		if u.ExpectedVersion != 0 && e.Version != u.ExpectedVersion {
			return fmt.Errorf("execution %s version %d, expected %d: %w", id, e.Version, u.ExpectedVersion, ErrConflict)
		}
		if !u.Force && !model.ValidTransition(e.Status, u.Status) {
			return fmt.Errorf("%s -> %s: %w", e.Status, u.Status, ErrInvalidTransition)
		}

		prev := e.Status
		e.Status = u.Status
		switch {
		case u.Status == model.StatusRunning:
			restart := model.IsTerminal(prev)
			if e.StartedAt == nil {
				e.StartedAt = &now
				restart = restart || e.RetryCount > 0
			}
			if restart {
				e.TimeoutAt = now.Add(time.Duration(e.TimeoutSeconds) * time.Second)
			}
			if model.IsTerminal(prev) {
				e.CompletedAt = nil
				e.Error = nil
			}
		case model.IsTerminal(u.Status):
			e.CompletedAt = &now
		}
		if u.Progress != nil {
			e.Progress = clampProgress(*u.Progress)
		}
		if u.Result != nil {
			e.Result = u.Result
		}
		if u.Error != nil {
			e.Error = u.Error
		}
		return nil
	})
}

// UpdateStep applies p to the step at index, stamps step timestamps, records
// message ids on the execution and recomputes execution progress. Step
// progress never decreases.
func (s *SQLiteStore) UpdateStep(ctx context.Context, id string, index int, p StepPatch) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution, now time.Time) error {
		if index < 0 || index >= len(e.Steps) {
			return fmt.Errorf("execution %s step %d: %w", id, index, ErrInvalidStep)
		}
		step := &e.Steps[index]
		if len(p.OnlyIf) > 0 && !slices.Contains(p.OnlyIf, step.Status) {
			return fmt.Errorf("execution %s step %d is %s: %w", id, index, step.Status, ErrStepPrecondition)
		}
		if p.MatchMessageID != "" && step.MessageID != "" && step.MessageID != p.MatchMessageID {
			return fmt.Errorf("execution %s step %d dispatched as %s, not %s: %w", id, index, step.MessageID, p.MatchMessageID, ErrStepPrecondition)
		}

		if p.Status != nil && *p.Status != step.Status {
			step.Status = *p.Status
			switch {
			case step.Status == model.StepRunning:
				step.StartedAt = &now
			case model.IsStepTerminal(step.Status):
				step.CompletedAt = &now
			}
		}
		if p.Progress != nil {
			if v := clampProgress(*p.Progress); v > step.Progress {
				step.Progress = v
			}
		}
		if p.NodeID != nil {
			step.NodeID = *p.NodeID
			e.AddNode(*p.NodeID)
		}
		if p.Result != nil {
			step.Result = p.Result
		}
		if p.Error != nil {
			step.Error = p.Error
		}
		if p.MessageID != nil {
			step.MessageID = *p.MessageID
			e.SentMessageIDs = append(e.SentMessageIDs, *p.MessageID)
		}
		if p.AckMessageID != nil {
			step.AckMessageID = *p.AckMessageID
			e.ReceivedMessageIDs = append(e.ReceivedMessageIDs, *p.AckMessageID)
		}
		if p.ResultMessageID != nil {
			e.ReceivedMessageIDs = append(e.ReceivedMessageIDs, *p.ResultMessageID)
		}
		e.Progress = e.ComputeProgress()
		return nil
	})
}

// RecalculateProgress sets execution progress to the rounded mean of step progress.
func (s *SQLiteStore) RecalculateProgress(ctx context.Context, id string) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution, _ time.Time) error {
		e.Progress = e.ComputeProgress()
		return nil
	})
}

// FindTimedOut returns running executions whose deadline is at or before now.
func (s *SQLiteStore) FindTimedOut(ctx context.Context, now time.Time) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT document FROM executions WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at",
		model.StatusRunning, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("find timed out: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// TerminateExecution skips every pending or running step and moves the
// execution to t.Status in one write. Already-terminal executions, and
// executions whose deadline is later than t.ExpiredBy, are rejected with
// ErrInvalidTransition.
func (s *SQLiteStore) TerminateExecution(ctx context.Context, id string, t Termination) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution, now time.Time) error {
		if !model.ValidTransition(e.Status, t.Status) {
			return fmt.Errorf("%s -> %s: %w", e.Status, t.Status, ErrInvalidTransition)
		}
		if !t.ExpiredBy.IsZero() && e.TimeoutAt.After(t.ExpiredBy) {
			return fmt.Errorf("deadline %s not reached at %s: %w",
				e.TimeoutAt.Format(time.RFC3339), t.ExpiredBy.Format(time.RFC3339), ErrInvalidTransition)
		}
		for i := range e.Steps {
			step := &e.Steps[i]
			if model.IsStepTerminal(step.Status) {
				continue
			}
			stepErr := t.StepError
			idx := i
			stepErr.StepIndex = &idx
			if stepErr.NodeID == "" {
				stepErr.NodeID = e.StepNode(i)
			}
			step.Status = model.StepSkipped
			step.Error = &stepErr
			step.CompletedAt = &now
		}
		execErr := t.Error
		e.Status = t.Status
		e.Error = &execErr
		e.CompletedAt = &now
		e.Progress = e.ComputeProgress()
		return nil
	})
}

// CancelExecution skips all non-terminal steps and marks the execution cancelled.
func (s *SQLiteStore) CancelExecution(ctx context.Context, id, reason string) (*model.Execution, error) {
	if reason == "" {
		reason = "execution cancelled"
	}
	return s.TerminateExecution(ctx, id, Termination{
		Status:    model.StatusCancelled,
		StepError: model.ExecutionError{Code: model.CodeCancelled, Message: reason},
		Error:     model.ExecutionError{Code: model.CodeCancelled, Message: reason},
	})
}

// RetryExecution prepares a failed or timed out execution to run again. With
// resetSteps every step returns to pending. Otherwise only failed steps, and
// steps skipped because of a timeout or a failed dependency, are reset.
func (s *SQLiteStore) RetryExecution(ctx context.Context, id string, resetSteps bool) (*model.Execution, error) {
	return s.mutate(ctx, id, func(e *model.Execution, now time.Time) error {
		if e.Status != model.StatusFailed && e.Status != model.StatusTimeout {
			return fmt.Errorf("retry from %s: %w", e.Status, ErrInvalidTransition)
		}
		if e.RetryCount >= e.MaxRetries {
			return fmt.Errorf("execution %s retried %d of %d: %w", id, e.RetryCount, e.MaxRetries, ErrRetryExhausted)
		}

		e.RetryCount++
		e.RetryTimestamps = append(e.RetryTimestamps, now)
		e.Status = model.StatusPending
		e.StartedAt = nil
		e.CompletedAt = nil
		e.Error = nil
		e.Result = nil

		for i := range e.Steps {
			if resetSteps || needsRerun(e.Steps[i]) {
				resetStep(&e.Steps[i])
			}
		}
		e.Progress = e.ComputeProgress()
		return nil
	})
}

func needsRerun(step model.Step) bool {
	if step.Status == model.StepFailed {
		return true
	}
	if step.Status == model.StepSkipped && step.Error != nil {
		return step.Error.Code == model.CodeTimeout || step.Error.Code == model.CodeDependencyFailed
	}
	return false
}

func resetStep(step *model.Step) {
	step.Status = model.StepPending
	step.Progress = 0
	step.StartedAt = nil
	step.CompletedAt = nil
	step.Result = nil
	step.Error = nil
	step.MessageID = ""
	step.AckMessageID = ""
}

// GetExecutionStats returns execution counts grouped by status and category.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus:   make(map[string]int),
		CountByCategory: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "category", stats.CountByCategory); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, col string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+col+", COUNT(*) FROM executions GROUP BY "+col)
	if err != nil {
		return fmt.Errorf("count by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", col, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// mutate loads an execution, applies fn and writes it back if nobody else
// wrote in between. It retries on a lost race.
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(e *model.Execution, now time.Time) error) (*model.Execution, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		prevVersion := e.Version
		now := s.now().UTC()
		if err := fn(e, now); err != nil {
			return nil, err
		}
		e.Version = prevVersion + 1
		e.UpdatedAt = now

		ok, err := s.write(ctx, e, prevVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			return e, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update execution %s: %w", id, ErrConflict)
}

func (s *SQLiteStore) write(ctx context.Context, e *model.Execution, prevVersion int64) (bool, error) {
	doc, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal execution: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, progress = ?, node_id = ?, timeout_at = ?,
			retry_count = ?, updated_at = ?, version = ?, document = ?
		WHERE id = ? AND version = ?`,
		e.Status, e.Progress, e.NodeID, e.TimeoutAt.UnixNano(), e.RetryCount,
		e.UpdatedAt.UnixNano(), e.Version, string(doc), e.ID, prevVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
