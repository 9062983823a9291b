package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"fixbot/pkg/config"
	"fixbot/pkg/logx"
	"fixbot/pkg/metrics"
	"fixbot/pkg/recovery"
)

// Selector probes the environment once at startup and routes each execution
// to the right executor variant. It also bounds total concurrent executions
// with a semaphore so a burst of tasks cannot exhaust the host.
type Selector struct {
	logger  *logx.Logger
	docker  *DockerExecutor
	repo    *RepoExecutor
	local   *LocalExecutor
	rec     *metrics.Recorder
	sem     chan struct{}
	degrade atomic.Bool
}

// NewSelector builds the executor set for the configured sandbox type.
// Requesting "docker" fails hard when no container runtime is reachable;
// "auto" degrades to the local executor with a visible warning instead.
func NewSelector(cfg *config.SandboxConfig, rec *metrics.Recorder) (*Selector, error) {
	logger := logx.NewLogger("sandbox")
	opts := OptionsFromConfig(cfg)
	runtimes := NewRuntimeSet()

	docker := NewDockerExecutor(opts, runtimes)
	s := &Selector{
		logger: logger,
		docker: docker,
		repo:   NewRepoExecutor(docker, runtimes),
		local:  NewLocalExecutor(opts, runtimes),
		rec:    rec,
		sem:    make(chan struct{}, max(1, cfg.MaxConcurrent)),
	}

	switch cfg.Type {
	case config.ExecutorDocker:
		if !docker.Available() {
			return nil, fmt.Errorf("sandbox type %q requested but no container runtime is available", cfg.Type)
		}
	case config.ExecutorLocal:
		s.degrade.Store(true)
		logger.Warn("sandbox explicitly configured for non-isolated local execution")
	case config.ExecutorAuto, "":
		if !docker.Available() {
			s.degrade.Store(true)
			logger.Warn("no container runtime available, degrading to non-isolated local execution")
		}
	default:
		return nil, fmt.Errorf("unknown sandbox type %q", cfg.Type)
	}

	return s, nil
}

// Degraded reports whether isolation has been lost for this process.
func (s *Selector) Degraded() bool { return s.degrade.Load() }

// Name implements Executor.
func (s *Selector) Name() string {
	if s.Degraded() {
		return s.local.Name()
	}
	return s.docker.Name()
}

// Available implements Executor.
func (s *Selector) Available() bool { return true }

// Execute implements Executor. When the container backend fails mid-flight
// the execution is transparently retried on the degraded local executor; the
// substitution is visible through Outcome.Sandboxed, the logs, and the
// fallback counter, and it does not surface as an error to the caller.
func (s *Selector) Execute(ctx context.Context, spec Spec) (Outcome, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	outcome, err := s.route(spec).Execute(ctx, spec)

	var infra *recovery.InfraError
	if err != nil && errors.As(err, &infra) {
		s.logger.Warn("container backend %s failed (%v), falling back to local execution", infra.Backend, infra.Err)
		s.degrade.Store(true)
		s.rec.ObserveFallback()
		outcome, err = s.local.Execute(ctx, spec)
	}

	if err == nil {
		s.rec.ObserveSandboxRun(outcome.Executor, outcome.Success, outcome.Duration)
	}
	return outcome, err
}

func (s *Selector) route(spec Spec) Executor {
	if s.Degraded() {
		return s.local
	}
	if spec.RepoDir != "" {
		return s.repo
	}
	return s.docker
}
