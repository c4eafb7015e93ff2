package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/gateway"
	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// Error codes reported in failed command results.
const (
	CodeUnsupported    = "UNSUPPORTED_COMMAND"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeTimeout        = "COMMAND_TIMEOUT"
	CodeExitStatus     = "EXIT_STATUS"
	CodeSimulated      = "SIMULATED_FAILURE"
)

// maxOutput caps the stdout and stderr kept for a shell.exec result.
const maxOutput = 64 << 10

// Task is a command handed to a Handler.
type Task struct {
	MessageID string
	Type      string
	Resource  model.Resource
	Data      json.RawMessage
	Logger    *slog.Logger

	progress func(pct int, note string)
}

// Progress reports partial completion to the controller.
func (t *Task) Progress(pct int, note string) {
	if t.progress != nil {
		t.progress(pct, note)
	}
}

// Handler runs one command. The returned value is marshalled into the
// result; an error fails the step.
type Handler func(ctx context.Context, t *Task) (any, error)

// CommandError carries an error code through to the controller.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

func resultError(err error) *gateway.ResultError {
	var ce *CommandError
	if errors.As(err, &ce) {
		return &gateway.ResultError{Code: ce.Code, Message: ce.Message}
	}
	return &gateway.ResultError{Message: err.Error()}
}

// ShellResult is the result of a shell.exec command.
type ShellResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

// ShellExec runs the process described by a ShellExecPayload and fails the
// step on a non-zero exit status.
func ShellExec(ctx context.Context, t *Task) (any, error) {
	var p model.ShellExecPayload
	if len(t.Data) > 0 {
		if err := json.Unmarshal(t.Data, &p); err != nil {
			return nil, &CommandError{Code: CodeInvalidPayload, Message: err.Error()}
		}
	}
	if p.Command == "" {
		return nil, &CommandError{Code: CodeInvalidPayload, Message: "command is required"}
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Code: CodeExitStatus, Message: fmt.Sprintf("start %s: %v", p.Command, err)}
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Go(func() { collectLines(t.Logger, stdoutPipe, &stdout) })
	wg.Go(func() { collectLines(t.Logger, stderrPipe, &stderr) })
	wg.Wait()

	waitErr := cmd.Wait()
	res := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr == nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Command, err)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	msg := fmt.Sprintf("%s exited with status %d", p.Command, res.ExitCode)
	if tail := lastLine(res.Stderr); tail != "" {
		msg += ": " + tail
	}
	return nil, &CommandError{Code: CodeExitStatus, Message: msg}
}

// collectLines copies r into out line by line, keeping at most maxOutput bytes.
func collectLines(logger *slog.Logger, r io.Reader, out *strings.Builder) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if logger != nil {
			logger.Debug("output", "line", line)
		}
		if out.Len()+len(line)+1 <= maxOutput {
			out.WriteString(line + "\n")
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// SimulatedResult is the result of a simulated command.
type SimulatedResult struct {
	Simulated bool           `json:"simulated"`
	Type      string         `json:"type"`
	Resource  model.Resource `json:"resource"`
	Echo      map[string]any `json:"echo,omitempty"`
}

// Simulated returns a handler that reports progress in steps equal parts,
// pausing delay between them. A payload with "simulate_failure": true fails
// after the first part.
func Simulated(steps int, delay time.Duration) Handler {
	if steps < 1 {
		steps = 1
	}
	return func(ctx context.Context, t *Task) (any, error) {
		var echo map[string]any
		if len(t.Data) > 0 {
			if err := json.Unmarshal(t.Data, &echo); err != nil {
				return nil, &CommandError{Code: CodeInvalidPayload, Message: err.Error()}
			}
		}
		fail, _ := echo["simulate_failure"].(bool)

		for i := 1; i <= steps; i++ {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fail {
				return nil, &CommandError{Code: CodeSimulated, Message: t.Type + " failed on request"}
			}
			if i < steps {
				t.Progress(i*100/steps, fmt.Sprintf("%s %d/%d", t.Type, i, steps))
			}
		}
		return SimulatedResult{Simulated: true, Type: t.Type, Resource: t.Resource, Echo: echo}, nil
	}
}
