// Package sandbox executes untrusted code and tests in isolated environments
// with resource limits, returning exit status and bounded captured output.
//
// Three executor variants implement one capability interface: a Docker-backed
// isolated executor, a degraded local-subprocess fallback, and a
// repository-aware executor that patches a working copy and runs its test
// suite. A Selector probes the environment once at startup and routes each
// execution to the right variant, bounding total concurrency.
package sandbox

import (
	"context"
	"time"

	"fixbot/pkg/config"
)

// Spec describes one execution request.
type Spec struct {
	// Code is the program text to execute (entry file content).
	Code string
	// Language selects the runtime environment.
	Language string
	// TestCommand overrides the runtime's default run command when set.
	TestCommand string
	// Dependencies maps auxiliary filenames to content, e.g. a requirements
	// file emitted alongside the patch.
	Dependencies map[string]string
	// Files are additional support files written into the workspace.
	Files map[string]string

	// RepoDir, when set, switches to repository-aware execution: PatchFiles
	// are applied onto a private copy of the checkout and TestCommand runs
	// inside it.
	RepoDir    string
	PatchFiles map[string]string
}

// Outcome is the result of one sandboxed execution.
type Outcome struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Executor names the variant that ran this spec.
	Executor string
	// Sandboxed is false when the degraded local fallback was used; callers
	// must be able to detect reduced isolation guarantees.
	Sandboxed bool
}

// Executor is the capability interface all variants implement.
type Executor interface {
	// Execute runs the spec and returns its outcome. A failing program is a
	// successful execution with Outcome.Success=false; an error return means
	// the backend itself misbehaved.
	Execute(ctx context.Context, spec Spec) (Outcome, error)

	// Name identifies the executor variant.
	Name() string

	// Available reports whether this executor can run in this environment.
	Available() bool
}

// Options carries the limits shared by the docker-backed executors.
type Options struct {
	Timeout   time.Duration
	Limits    config.ResourceLimits
	OutputCap int
}

// OptionsFromConfig extracts executor options from the sandbox config section.
func OptionsFromConfig(cfg *config.SandboxConfig) Options {
	return Options{
		Timeout:   cfg.Timeout,
		Limits:    cfg.Limits,
		OutputCap: cfg.OutputCap,
	}
}
