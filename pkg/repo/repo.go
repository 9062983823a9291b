// Package repo provides repository context for fix generation: a shallow
// clone with timeout, structural analysis of the checkout, bounded file
// reads, and capped keyword search. Everything here is advisory context for
// prompts; a failed clone degrades the context, it never blocks the task.
package repo

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"

	"fixbot/pkg/config"
	"fixbot/pkg/logx"
	"fixbot/pkg/recovery"
)

// gitRunFunc abstracts the git subprocess for tests.
type gitRunFunc func(ctx context.Context, args ...string) (stderr string, err error)

// Provider performs all repository operations for one process.
type Provider struct {
	logger *logx.Logger
	cfg    *config.RepoConfig
	git    gitRunFunc
}

// NewProvider creates a repository context provider.
func NewProvider(cfg *config.RepoConfig) *Provider {
	return &Provider{
		logger: logx.NewLogger("repo"),
		cfg:    cfg,
		git:    runGit,
	}
}

// Checkout is one task's exclusive working copy.
type Checkout struct {
	Dir    string
	logger *logx.Logger
}

// Close removes the working copy. Safe to call more than once.
func (c *Checkout) Close() {
	if c == nil || c.Dir == "" {
		return
	}
	if err := os.RemoveAll(c.Dir); err != nil {
		c.logger.Warn("failed to remove checkout %s: %v", c.Dir, err)
	}
	c.Dir = ""
}

// Clone fetches a shallow single-branch copy of the repository into a
// temporary directory. Authentication failures come back as a RepoError with
// Auth set so the workflow can treat them as terminal; every other failure is
// an ordinary recoverable RepoError.
func (p *Provider) Clone(ctx context.Context, url, branch string) (*Checkout, error) {
	dir, err := os.MkdirTemp("", "fixbot-checkout-")
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout directory: %w", err)
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)

	cloneCtx := ctx
	if p.cfg.CloneTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, p.cfg.CloneTimeout)
		defer cancel()
	}

	p.logger.Info("cloning %s (branch %q)", url, branch)
	stderr, err := p.git(cloneCtx, args...)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.logger.Warn("failed to remove partial checkout %s: %v", dir, rmErr)
		}
		if cloneCtx.Err() == context.DeadlineExceeded {
			return nil, &recovery.RepoError{Op: "clone", Err: fmt.Errorf("clone timed out after %s: %w", p.cfg.CloneTimeout, recovery.ErrTimeout)}
		}
		return nil, &recovery.RepoError{
			Op:   "clone",
			Auth: isAuthFailure(stderr),
			Err:  fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(stderr), err),
		}
	}

	return &Checkout{Dir: dir, logger: p.logger}, nil
}

// isAuthFailure recognizes the git error text for missing or rejected
// credentials across https and ssh transports.
func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"permission denied (publickey",
		"access denied",
		"http basic: access denied",
		"invalid credentials",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// runGit is the production gitRunFunc. Terminal prompts are disabled so a
// private repository fails fast instead of hanging on a password prompt.
func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := osexec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}
