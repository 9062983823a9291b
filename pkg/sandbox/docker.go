package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fixbot/pkg/logx"
	"fixbot/pkg/recovery"
)

// Docker reports exit code 125 when the daemon or CLI itself fails, as
// opposed to the contained program failing.
const dockerDaemonExitCode = 125

// runFunc abstracts subprocess execution so tests can simulate the docker
// CLI without a daemon.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

// DockerExecutor runs specs in throwaway hardened containers.
type DockerExecutor struct {
	logger    *logx.Logger
	dockerCmd string
	opts      Options
	runtimes  *RuntimeSet
	run       runFunc
}

// NewDockerExecutor creates a Docker-backed executor. podman is used when it
// is installed and docker is not.
func NewDockerExecutor(opts Options, runtimes *RuntimeSet) *DockerExecutor {
	dockerCmd := "docker"
	if _, err := osexec.LookPath("podman"); err == nil {
		if _, err := osexec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}

	return &DockerExecutor{
		logger:    logx.NewLogger("sandbox-docker"),
		dockerCmd: dockerCmd,
		opts:      opts,
		runtimes:  runtimes,
		run:       runSubprocess,
	}
}

// Name implements Executor.
func (d *DockerExecutor) Name() string { return "docker" }

// Available reports whether the container runtime is reachable.
func (d *DockerExecutor) Available() bool {
	if _, err := osexec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("container command not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, exitCode, err := d.run(ctx, d.dockerCmd, "ps", "-q")
	if err != nil || exitCode != 0 {
		d.logger.Debug("container daemon not available: %v", err)
		return false
	}
	return true
}

// Execute implements Executor. The container is destroyed on every exit path;
// teardown failures are logged and swallowed.
func (d *DockerExecutor) Execute(ctx context.Context, spec Spec) (Outcome, error) {
	start := time.Now()
	rt := d.runtimes.For(spec.Language)

	workDir, err := os.MkdirTemp("", "fixbot-sandbox-")
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			d.logger.Warn("failed to remove workspace %s: %v", workDir, rmErr)
		}
	}()

	if err := writeWorkspace(workDir, rt.Filename, spec); err != nil {
		return Outcome{}, err
	}

	shell := buildShellCommand(rt, spec, workDir)

	containerName := "fixbot-exec-" + uuid.NewString()[:8]
	args := d.buildDockerArgs(containerName, workDir, rt.Image, shell, false)

	execCtx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	// Destroy the container on every exit path, including panics below us.
	defer d.destroy(containerName)

	d.logger.Debug("running container %s: %s %s", containerName, d.dockerCmd, strings.Join(args, " "))
	stdout, stderr, exitCode, runErr := d.run(execCtx, d.dockerCmd, args...)
	duration := time.Since(start)

	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Success:   false,
			Stdout:    Truncate(stdout, d.opts.OutputCap),
			Stderr:    fmt.Sprintf("execution timed out after %s", d.opts.Timeout),
			ExitCode:  exitCode,
			Duration:  duration,
			Executor:  d.Name(),
			Sandboxed: true,
		}, nil
	}

	if runErr != nil || exitCode == dockerDaemonExitCode {
		cause := runErr
		if cause == nil {
			cause = fmt.Errorf("container runtime error: %s", strings.TrimSpace(stderr))
		}
		return Outcome{}, &recovery.InfraError{Backend: d.dockerCmd, Err: cause}
	}

	return Outcome{
		Success:   exitCode == 0,
		Stdout:    Truncate(stdout, d.opts.OutputCap),
		Stderr:    Truncate(stderr, d.opts.OutputCap),
		ExitCode:  exitCode,
		Duration:  duration,
		Executor:  d.Name(),
		Sandboxed: true,
	}, nil
}

// buildDockerArgs assembles the hardened docker run invocation. Network stays
// disabled unless the caller legitimately needs to fetch dependencies.
func (d *DockerExecutor) buildDockerArgs(containerName, workDir, image, shell string, networkEnabled bool) []string {
	args := []string{
		"run", "--rm", "--name", containerName,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
	}

	if !networkEnabled {
		args = append(args, "--network", "none")
	}

	if d.opts.Limits.CPUs != "" {
		args = append(args, "--cpus", d.opts.Limits.CPUs)
	}
	if d.opts.Limits.Memory != "" {
		args = append(args, "--memory", d.opts.Limits.Memory)
	}
	if d.opts.Limits.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(d.opts.Limits.PIDs, 10))
	}

	// Unprivileged execution identity.
	args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))

	args = append(args,
		"--volume", fmt.Sprintf("%s:/workspace:rw", workDir),
		"--workdir", "/workspace",
		"--tmpfs", "/tmp:exec,nodev,nosuid,size=100m",
		"--env", "CI=true",
	)

	args = append(args, image, "sh", "-c", shell)
	return args
}

// destroy stops and removes the container. Failure here is logged, never
// propagated: the --rm flag already covers the normal path and a leaked stop
// error must not mask the execution result.
func (d *DockerExecutor) destroy(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, _, err := d.run(ctx, d.dockerCmd, "stop", containerName); err != nil {
		d.logger.Debug("failed to stop container %s: %v", containerName, err)
	}
	if _, _, _, err := d.run(ctx, d.dockerCmd, "rm", "-f", containerName); err != nil {
		d.logger.Debug("failed to remove container %s: %v", containerName, err)
	}
}

// writeWorkspace materializes the spec's files into the workspace directory.
func writeWorkspace(dir, entryFilename string, spec Spec) error {
	if spec.Code != "" {
		if err := writeFile(dir, entryFilename, spec.Code); err != nil {
			return err
		}
	}
	for name, content := range spec.Files {
		if err := writeFile(dir, name, content); err != nil {
			return err
		}
	}
	for name, content := range spec.Dependencies {
		if err := writeFile(dir, name, content); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// buildShellCommand combines the optional dependency install step with the
// run (or test) command. An install failure is surfaced on stderr but does
// not preempt the run itself.
func buildShellCommand(rt Runtime, spec Spec, workDir string) string {
	run := spec.TestCommand
	if run == "" {
		run = rt.RunCommand()
	}

	for _, manifest := range rt.InstallOrder {
		if _, declared := spec.Dependencies[manifest]; !declared {
			if _, err := os.Stat(filepath.Join(workDir, manifest)); err != nil {
				continue
			}
		}
		install := rt.Installers[manifest]
		return fmt.Sprintf("(%s || echo 'dependency install failed' >&2); %s", install, run)
	}
	return run
}

// runSubprocess is the production runFunc: execute the command, capture both
// streams, and fold non-zero exits into the exit code rather than the error.
func runSubprocess(ctx context.Context, name string, args ...string) (string, string, int, error) {
	return runCommand(osexec.CommandContext(ctx, name, args...))
}

func runCommand(cmd *osexec.Cmd) (string, string, int, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	return stdout.String(), stderr.String(), exitCode, err
}
