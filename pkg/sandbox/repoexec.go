package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fixbot/pkg/logx"
	"fixbot/pkg/recovery"
)

// RepoExecutor runs a repository's test suite inside a container after
// applying candidate patch files to a private copy of the checkout. The
// original checkout is never mutated, so a rejected patch leaves nothing to
// clean up. Unlike the snippet executor the network stays enabled: dependency
// installation for a real project needs its package registry.
type RepoExecutor struct {
	logger   *logx.Logger
	docker   *DockerExecutor
	runtimes *RuntimeSet
}

// NewRepoExecutor creates a repository-aware executor layered on the docker
// executor's container plumbing.
func NewRepoExecutor(docker *DockerExecutor, runtimes *RuntimeSet) *RepoExecutor {
	return &RepoExecutor{
		logger:   logx.NewLogger("sandbox-repo"),
		docker:   docker,
		runtimes: runtimes,
	}
}

// Name implements Executor.
func (r *RepoExecutor) Name() string { return "docker-repo" }

// Available implements Executor.
func (r *RepoExecutor) Available() bool { return r.docker.Available() }

// Execute implements Executor. The spec must carry RepoDir and TestCommand.
func (r *RepoExecutor) Execute(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.RepoDir == "" {
		return Outcome{}, fmt.Errorf("repo executor requires a checkout directory")
	}
	if spec.TestCommand == "" {
		return Outcome{}, fmt.Errorf("repo executor requires a test command")
	}

	start := time.Now()
	rt := r.runtimes.For(spec.Language)

	workDir, err := os.MkdirTemp("", "fixbot-repo-")
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			r.logger.Warn("failed to remove workspace %s: %v", workDir, rmErr)
		}
	}()

	if err := copyTree(spec.RepoDir, workDir); err != nil {
		return Outcome{}, fmt.Errorf("failed to copy checkout: %w", err)
	}
	if err := applyPatches(workDir, spec.PatchFiles); err != nil {
		return Outcome{}, err
	}

	shell := spec.TestCommand
	if install := installCommandFor(rt, workDir); install != "" {
		shell = fmt.Sprintf("(%s || echo 'dependency install failed' >&2); %s", install, shell)
	}

	containerName := "fixbot-repo-" + uuid.NewString()[:8]
	args := r.docker.buildDockerArgs(containerName, workDir, rt.Image, shell, true)

	execCtx := ctx
	if r.docker.opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.docker.opts.Timeout)
		defer cancel()
	}

	defer r.docker.destroy(containerName)

	r.logger.Debug("running repo tests in %s", containerName)
	stdout, stderr, exitCode, runErr := r.docker.run(execCtx, r.docker.dockerCmd, args...)
	duration := time.Since(start)

	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Success:   false,
			Stdout:    Truncate(stdout, r.docker.opts.OutputCap),
			Stderr:    fmt.Sprintf("test run timed out after %s", r.docker.opts.Timeout),
			ExitCode:  exitCode,
			Duration:  duration,
			Executor:  r.Name(),
			Sandboxed: true,
		}, nil
	}

	if runErr != nil || exitCode == dockerDaemonExitCode {
		cause := runErr
		if cause == nil {
			cause = fmt.Errorf("container runtime error: %s", strings.TrimSpace(stderr))
		}
		return Outcome{}, &recovery.InfraError{Backend: r.docker.dockerCmd, Err: cause}
	}

	return Outcome{
		Success:   exitCode == 0,
		Stdout:    Truncate(stdout, r.docker.opts.OutputCap),
		Stderr:    Truncate(stderr, r.docker.opts.OutputCap),
		ExitCode:  exitCode,
		Duration:  duration,
		Executor:  r.Name(),
		Sandboxed: true,
	}, nil
}

// installCommandFor returns the manifest-keyed install command for the first
// manifest present in the workspace, or "" when the project declares none.
func installCommandFor(rt Runtime, workDir string) string {
	for _, manifest := range rt.InstallOrder {
		if _, err := os.Stat(filepath.Join(workDir, manifest)); err == nil {
			return rt.Installers[manifest]
		}
	}
	return ""
}

// copyTree copies a checkout into dst, skipping version control metadata.
// Symlinks are skipped rather than followed so a hostile checkout cannot
// reach outside its own tree.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// applyPatches overwrites files in the workspace with patched content.
// Relative paths escaping the workspace are rejected.
func applyPatches(workDir string, patches map[string]string) error {
	for name, content := range patches {
		clean := filepath.Clean(name)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("patch path escapes workspace: %s", name)
		}
		if err := writeFile(workDir, clean, content); err != nil {
			return fmt.Errorf("failed to apply patch %s: %w", name, err)
		}
	}
	return nil
}
