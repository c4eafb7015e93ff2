// Package monitor reclaims executions that overran their deadline. A cron
// driven sweep hands each one to the orchestrator for termination and can
// optionally retry it.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

const (
	// DefaultInterval is the sweep period when none is configured.
	DefaultInterval = 30 * time.Second
	// DefaultMaxAutoRetries bounds monitor-driven retries per execution.
	DefaultMaxAutoRetries = 1
)

var (
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_monitor_sweeps_total",
			Help: "Total number of timeout sweeps run.",
		},
	)

	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_monitor_timeouts_total",
			Help: "Total number of executions terminated for exceeding their deadline.",
		},
	)

	autoRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_monitor_auto_retries_total",
			Help: "Total number of timed out executions retried by the monitor.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepsTotal)
	prometheus.MustRegister(timeoutsTotal)
	prometheus.MustRegister(autoRetriesTotal)
}

// Finder locates executions past their deadline.
type Finder interface {
	FindTimedOut(ctx context.Context, now time.Time) ([]*model.Execution, error)
}

// Executor carries out timeout handling and retries. HandleExecutionTimeout
// reports false when the execution no longer qualified by the time it was
// handled.
type Executor interface {
	HandleExecutionTimeout(ctx context.Context, id string, now time.Time) (bool, error)
	RetryExecution(ctx context.Context, id string, resetSteps bool) (*model.Execution, error)
	ResumeExecution(ctx context.Context, id string) (*model.Execution, error)
}

// Config holds monitor settings.
type Config struct {
	Interval       time.Duration
	Enabled        bool
	AutoRetry      bool
	MaxAutoRetries int
}

// Status is a snapshot of the monitor's settings and last sweep.
type Status struct {
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"running"`
	Interval       string    `json:"interval"`
	AutoRetry      bool      `json:"auto_retry"`
	MaxAutoRetries int       `json:"max_auto_retries"`
	LastSweepAt    time.Time `json:"last_sweep_at,omitzero"`
	LastTimedOut   int       `json:"last_timed_out"`
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Found    int `json:"found"`
	TimedOut int `json:"timed_out"`
	Retried  int `json:"retried"`
	Errors   int `json:"errors"`
}

// Monitor periodically terminates executions whose deadline has passed.
type Monitor struct {
	finder   Finder
	executor Executor
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	enabled        atomic.Bool
	autoRetry      atomic.Bool
	maxAutoRetries atomic.Int64

	mu        sync.Mutex
	cron      *cron.Cron
	lastSweep time.Time
	lastCount int
}

// New creates a monitor. It does nothing until Start is called.
func New(f Finder, ex Executor, logger *slog.Logger, cfg Config) *Monitor {
	m := &Monitor{
		finder:   f,
		executor: ex,
		logger:   logger.With("component", "monitor"),
		interval: cfg.Interval,
		now:      time.Now,
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	maxRetries := cfg.MaxAutoRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxAutoRetries
	}
	m.enabled.Store(cfg.Enabled)
	m.autoRetry.Store(cfg.AutoRetry)
	m.maxAutoRetries.Store(int64(maxRetries))
	return m
}

// Start schedules the sweep every interval. Overlapping sweeps are skipped
// and a panicking sweep does not stop the schedule.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	cl := cronLogger{m.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	if _, err := c.AddFunc("@every "+m.interval.String(), m.tick); err != nil {
		return fmt.Errorf("schedule timeout sweep: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("timeout monitor started", "interval", m.interval, "enabled", m.enabled.Load(), "auto_retry", m.autoRetry.Load())
	return nil
}

// Stop halts the schedule and waits for a sweep in progress to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("timeout monitor stopped")
}

// SetEnabled turns sweeping on or off without touching the schedule.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	m.logger.Info("timeout monitor toggled", "enabled", enabled)
}

// SetAutoRetry configures monitor-driven retries. A non-positive max leaves
// the current ceiling unchanged.
func (m *Monitor) SetAutoRetry(enabled bool, maxRetries int) {
	m.autoRetry.Store(enabled)
	if maxRetries > 0 {
		m.maxAutoRetries.Store(int64(maxRetries))
	}
}

// Status returns the current settings and last sweep outcome.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Enabled:        m.enabled.Load(),
		Running:        m.cron != nil,
		Interval:       m.interval.String(),
		AutoRetry:      m.autoRetry.Load(),
		MaxAutoRetries: int(m.maxAutoRetries.Load()),
		LastSweepAt:    m.lastSweep,
		LastTimedOut:   m.lastCount,
	}
}

func (m *Monitor) tick() {
	if !m.enabled.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Error("timeout sweep failed", "error", err)
	}
}

// Sweep terminates every running execution past its deadline. A failure on
// one execution is logged and the sweep moves on to the next. Executions that
// finished or were restarted after being found are neither counted nor
// retried.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	sweepsTotal.Inc()
	var res SweepResult

	now := m.now().UTC()
	expired, err := m.finder.FindTimedOut(ctx, now)
	if err != nil {
		return res, fmt.Errorf("find timed out executions: %w", err)
	}
	res.Found = len(expired)

	autoRetry := m.autoRetry.Load()
	maxRetries := int(m.maxAutoRetries.Load())
	for _, e := range expired {
		timedOut, err := m.executor.HandleExecutionTimeout(ctx, e.ID, now)
		if err != nil {
			res.Errors++
			m.logger.Error("failed to time out execution", "execution_id", e.ID, "error", err)
			continue
		}
		if !timedOut {
			m.logger.Debug("execution changed since the sweep found it", "execution_id", e.ID)
			continue
		}
		res.TimedOut++
		timeoutsTotal.Inc()
		m.logger.Warn("execution timed out", "execution_id", e.ID, "timeout_at", e.TimeoutAt, "retry_count", e.RetryCount)

		if !autoRetry || e.RetryCount >= maxRetries || e.RetryCount >= e.MaxRetries {
			continue
		}
		if err := m.retry(ctx, e.ID); err != nil {
			res.Errors++
			m.logger.Error("auto retry failed", "execution_id", e.ID, "error", err)
			continue
		}
		res.Retried++
		autoRetriesTotal.Inc()
	}

	m.mu.Lock()
	m.lastSweep = now
	m.lastCount = res.TimedOut
	m.mu.Unlock()

	if res.Found > 0 {
		m.logger.Info("timeout sweep finished", "found", res.Found, "timed_out", res.TimedOut, "retried", res.Retried, "errors", res.Errors)
	}
	return res, nil
}

// retry keeps completed steps and resumes the execution right away.
func (m *Monitor) retry(ctx context.Context, id string) error {
	e, err := m.executor.RetryExecution(ctx, id, false)
	if err != nil {
		return err
	}
	if _, err := m.executor.ResumeExecution(ctx, id); err != nil {
		return err
	}
	m.logger.Info("execution auto retried", "execution_id", id, "retry_count", e.RetryCount)
	return nil
}

// cronLogger routes cron's scheduler logs through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
