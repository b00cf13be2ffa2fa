package fiji

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"fijibatch/internal/logging"
)

// AuditEventType identifies a runner audit event.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent describes a macro execution lifecycle event.
type AuditEvent struct {
	Type      AuditEventType
	Timestamp time.Time
	RunID     string
	Macro     string
	Result    *ExecutionResult
}

// ExecutionResult captures the outcome of a single macro run.
type ExecutionResult struct {
	// Success means the runner infrastructure worked; a macro that exited
	// non-zero still has Success=true with the exit code recorded.
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string

	Killed     bool
	KillReason string

	Truncated      bool
	TruncatedBytes int64

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	Error string
}

// Failed reports whether the macro run should count as a document failure.
func (r *ExecutionResult) Failed() bool {
	return !r.Success || r.Killed || r.ExitCode != 0
}

// FailureReason returns a human-readable failure description, or "".
func (r *ExecutionResult) FailureReason() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Killed:
		return r.KillReason
	case r.ExitCode != 0:
		return fmt.Sprintf("fiji exited with code %d", r.ExitCode)
	default:
		return ""
	}
}

// RunnerConfig controls macro execution.
type RunnerConfig struct {
	FijiPath       string
	DefaultTimeout time.Duration
	MaxOutputBytes int64
	ExtraArgs      []string
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig(fijiPath string) RunnerConfig {
	return RunnerConfig{
		FijiPath:       fijiPath,
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 1 << 20, // 1 MiB per stream
	}
}

// Runner executes macro scripts against the Fiji executable, one at a time.
type Runner struct {
	mu     sync.RWMutex
	config RunnerConfig

	auditCallback func(AuditEvent)
}

// NewRunner creates a runner for the given Fiji executable.
func NewRunner(config RunnerConfig) *Runner {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Minute
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 1 << 20
	}
	logging.FijiDebug("creating runner: fiji=%s timeout=%s", config.FijiPath, config.DefaultTimeout)
	return &Runner{config: config}
}

// SetAuditCallback sets the callback for audit events.
func (r *Runner) SetAuditCallback(callback func(AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditCallback = callback
}

func (r *Runner) emitAudit(event AuditEvent) {
	r.mu.RLock()
	callback := r.auditCallback
	r.mu.RUnlock()
	if callback != nil {
		callback(event)
	}
}

// RunMacro writes macroCode to a temporary .ijm file and executes
// `<fiji> -macro <file>` with the configured extra arguments. The temp file
// is removed afterwards. The context bounds the whole run in addition to the
// configured timeout.
func (r *Runner) RunMacro(ctx context.Context, runID, macroCode string) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryFiji, "macro execution")
	defer timer.Stop()

	if r.config.FijiPath == "" {
		return nil, fmt.Errorf("fiji path not configured")
	}

	macroFile, err := os.CreateTemp("", "fijibatch-*.ijm")
	if err != nil {
		return nil, fmt.Errorf("create macro file: %w", err)
	}
	macroPath := macroFile.Name()
	defer os.Remove(macroPath)

	if _, err := macroFile.WriteString(macroCode); err != nil {
		macroFile.Close()
		return nil, fmt.Errorf("write macro file: %w", err)
	}
	if err := macroFile.Close(); err != nil {
		return nil, fmt.Errorf("close macro file: %w", err)
	}

	logging.Fiji("running macro %s (%d bytes) via %s", runID, len(macroCode), r.config.FijiPath)

	result := &ExecutionResult{ExitCode: -1}

	r.emitAudit(AuditEvent{
		Type:      AuditEventStart,
		Timestamp: time.Now(),
		RunID:     runID,
		Macro:     macroPath,
	})

	execCtx, cancel := context.WithTimeout(ctx, r.config.DefaultTimeout)
	defer cancel()

	args := append([]string{"-macro", macroPath}, r.config.ExtraArgs...)
	cmd := exec.CommandContext(execCtx, r.config.FijiPath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: r.config.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: r.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result.StartedAt = time.Now()
	runErr := cmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if stdout.truncated || stderr.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdout.discarded + stderr.discarded
		logging.FijiWarn("macro %s output truncated: %d bytes discarded", runID, result.TruncatedBytes)
	}

	switch {
	case runErr == nil:
		result.Success = true
		result.ExitCode = 0
		logging.FijiDebug("macro %s completed: exit=0 duration=%s", runID, result.Duration)

	case execCtx.Err() == context.DeadlineExceeded:
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", r.config.DefaultTimeout)
		result.Success = true // The runner worked; the macro was killed.
		logging.FijiWarn("macro %s killed: %s", runID, result.KillReason)
		r.emitAudit(AuditEvent{
			Type: AuditEventKilled, Timestamp: time.Now(), RunID: runID, Result: result,
		})

	case execCtx.Err() == context.Canceled:
		result.Killed = true
		result.KillReason = "context canceled"
		result.Success = true
		logging.FijiDebug("macro %s canceled", runID)
		r.emitAudit(AuditEvent{
			Type: AuditEventKilled, Timestamp: time.Now(), RunID: runID, Result: result,
		})

	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
			logging.FijiDebug("macro %s exited non-zero: %d", runID, result.ExitCode)
		} else {
			result.Success = false
			result.Error = runErr.Error()
			logging.FijiError("macro %s failed to run: %v", runID, runErr)
			r.emitAudit(AuditEvent{
				Type: AuditEventError, Timestamp: time.Now(), RunID: runID, Result: result,
			})
			return result, nil
		}
	}

	r.emitAudit(AuditEvent{
		Type: AuditEventComplete, Timestamp: time.Now(), RunID: runID, Result: result,
	})

	logging.Fiji("macro %s done: exit=%d duration=%s stdout=%d bytes",
		runID, result.ExitCode, result.Duration, len(result.Stdout))
	return result, nil
}

// RunBatch executes macros sequentially and stops on the first failure.
func (r *Runner) RunBatch(ctx context.Context, runID string, macros []string) ([]*ExecutionResult, error) {
	results := make([]*ExecutionResult, 0, len(macros))
	for i, macro := range macros {
		logging.Fiji("batch %s: macro %d/%d", runID, i+1, len(macros))
		result, err := r.RunMacro(ctx, fmt.Sprintf("%s-%d", runID, i+1), macro)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.Failed() {
			logging.FijiWarn("batch %s: macro %d failed, stopping", runID, i+1)
			break
		}
	}
	return results, nil
}

// ToFijiPath converts a filesystem path for embedding in macro text.
// ImageJ macros accept forward slashes on every platform.
func ToFijiPath(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it to keep the pipe flowing.
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Original length avoids short-write errors upstream.
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
