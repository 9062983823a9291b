package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"time"

	"fixbot/pkg/logx"
)

// hostRunCommands maps languages to host interpreters for degraded execution.
// Compiled languages are intentionally absent; the local fallback only covers
// what a bare host can plausibly run.
var hostRunCommands = map[string]string{
	"python":     "python3 %s",
	"javascript": "node %s",
	"ruby":       "ruby %s",
	"php":        "php %s",
}

// LocalExecutor runs specs as plain host subprocesses. It exists only as a
// fallback when no container runtime is reachable: no filesystem, network, or
// privilege isolation applies, and every Outcome it returns reports
// Sandboxed=false so callers can surface the reduced guarantees.
type LocalExecutor struct {
	logger   *logx.Logger
	opts     Options
	runtimes *RuntimeSet
}

// NewLocalExecutor creates the degraded host-subprocess executor.
func NewLocalExecutor(opts Options, runtimes *RuntimeSet) *LocalExecutor {
	return &LocalExecutor{
		logger:   logx.NewLogger("sandbox-local"),
		opts:     opts,
		runtimes: runtimes,
	}
}

// Name implements Executor.
func (l *LocalExecutor) Name() string { return "local" }

// Available implements Executor. Subprocess execution always works; whether
// the language's interpreter is installed surfaces at run time.
func (l *LocalExecutor) Available() bool { return true }

// Execute implements Executor.
func (l *LocalExecutor) Execute(ctx context.Context, spec Spec) (Outcome, error) {
	l.logger.Warn("executing without isolation: container runtime unavailable")

	start := time.Now()
	rt := l.runtimes.For(spec.Language)

	workDir, err := os.MkdirTemp("", "fixbot-local-")
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			l.logger.Warn("failed to remove workspace %s: %v", workDir, rmErr)
		}
	}()

	if spec.RepoDir != "" {
		if err := copyTree(spec.RepoDir, workDir); err != nil {
			return Outcome{}, fmt.Errorf("failed to copy checkout: %w", err)
		}
		if err := applyPatches(workDir, spec.PatchFiles); err != nil {
			return Outcome{}, err
		}
	}
	if err := writeWorkspace(workDir, rt.Filename, spec); err != nil {
		return Outcome{}, err
	}

	shell := spec.TestCommand
	if shell == "" {
		format, ok := hostRunCommands[spec.Language]
		if !ok {
			format = hostRunCommands["python"]
		}
		shell = fmt.Sprintf(format, rt.Filename)
	}

	execCtx := ctx
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	stdout, stderr, exitCode, runErr := l.runInDir(execCtx, workDir, shell)
	duration := time.Since(start)

	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Success:   false,
			Stdout:    Truncate(stdout, l.opts.OutputCap),
			Stderr:    fmt.Sprintf("execution timed out after %s", l.opts.Timeout),
			ExitCode:  exitCode,
			Duration:  duration,
			Executor:  l.Name(),
			Sandboxed: false,
		}, nil
	}
	if runErr != nil {
		return Outcome{}, fmt.Errorf("failed to start local process: %w", runErr)
	}

	return Outcome{
		Success:   exitCode == 0,
		Stdout:    Truncate(stdout, l.opts.OutputCap),
		Stderr:    Truncate(stderr, l.opts.OutputCap),
		ExitCode:  exitCode,
		Duration:  duration,
		Executor:  l.Name(),
		Sandboxed: false,
	}, nil
}

// runInDir executes a shell command with the workspace as working directory.
func (l *LocalExecutor) runInDir(ctx context.Context, dir, shell string) (string, string, int, error) {
	cmd := osexec.CommandContext(ctx, "sh", "-c", shell)
	cmd.Dir = dir
	return runCommand(cmd)
}
