// Package recovery classifies step failures and suggests how to respond.
//
// The strategy here is advisory only: the workflow engine owns the attempt
// ceiling and the final retry decision. This package answers two questions —
// what kind of failure was this, and what would a sensible response be — and
// never loops or sleeps itself.
package recovery

import (
	"errors"
	"fmt"
	"time"
)

// Category groups failures by what subsystem produced them.
type Category string

const (
	CategoryLLM        Category = "llm"
	CategorySandbox    Category = "sandbox_infrastructure"
	CategoryRepository Category = "repository"
	CategoryTimeout    Category = "timeout"
	CategoryValidation Category = "validation"
	CategoryGeneric    Category = "generic"
)

// Action is the suggested response to a failure.
type Action string

const (
	ActionRetry           Action = "retry"
	ActionRetryBackoff    Action = "retry_with_backoff"
	ActionRetrySimplify   Action = "retry_with_simplified_input"
	ActionFallbackBackend Action = "substitute_fallback_backend"
	ActionAbort           Action = "abort"
)

// Backoff shape for ActionRetryBackoff: base 60s doubling per attempt,
// capped at 5 minutes.
const (
	backoffBase = 60 * time.Second
	backoffCap  = 300 * time.Second
)

// Context carries the information a decision depends on.
type Context struct {
	// Attempts is how many times the failing step has already been tried.
	Attempts int
	// Err is the failure being classified.
	Err error
}

// Decision is the strategy's advice for one failure.
type Decision struct {
	// Recoverable reports whether continuing makes sense at all.
	Recoverable bool
	Action      Action
	// Delay is set for backoff actions, zero otherwise.
	Delay time.Duration
	// Reason is a human-readable explanation for logs.
	Reason string
}

// Typed errors the classifier recognizes. Components wrap their failures in
// these so classification does not depend on string matching alone.

// ValidationError marks a malformed request. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Msg)
}

// InfraError marks a sandbox backend failure (daemon unreachable, image
// missing) as opposed to the patched code failing its tests.
type InfraError struct {
	Backend string
	Err     error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// RepoError marks a repository operation failure. Auth failures are terminal
// for the task; everything else degrades context instead of aborting.
type RepoError struct {
	Op   string
	Auth bool
	Err  error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("repository %s failed: %v", e.Op, e.Err)
}

func (e *RepoError) Unwrap() error { return e.Err }

// ErrTimeout is wrapped by components whose step exceeded its deadline.
var ErrTimeout = errors.New("operation timed out")

// Strategy maps (category, context) to a recovery decision.
type Strategy struct {
	maxLLMRetries int
}

// NewStrategy creates a Strategy. maxLLMRetries bounds the retry advice for
// LLM failures; it mirrors the gateway's own retry budget.
func NewStrategy(maxLLMRetries int) *Strategy {
	if maxLLMRetries < 1 {
		maxLLMRetries = 3
	}
	return &Strategy{maxLLMRetries: maxLLMRetries}
}

// BackoffDelay computes the exponential delay for the given attempt count.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// Decide returns the suggested response for a failure in the given category.
func (s *Strategy) Decide(category Category, rctx Context) Decision {
	switch category {
	case CategoryLLM:
		return s.decideLLM(rctx)
	case CategorySandbox:
		return Decision{
			Recoverable: true,
			Action:      ActionFallbackBackend,
			Reason:      "sandbox backend unavailable, substitute degraded executor",
		}
	case CategoryRepository:
		var repoErr *RepoError
		if errors.As(rctx.Err, &repoErr) && repoErr.Auth {
			return Decision{
				Recoverable: false,
				Action:      ActionAbort,
				Reason:      "repository requires credentials",
			}
		}
		return Decision{
			Recoverable: true,
			Action:      ActionRetrySimplify,
			Reason:      "repository access failed, proceed with degraded context",
		}
	case CategoryTimeout:
		return Decision{
			Recoverable: true,
			Action:      ActionRetryBackoff,
			Delay:       BackoffDelay(rctx.Attempts),
			Reason:      "step timed out, retry with backoff",
		}
	case CategoryValidation:
		return Decision{
			Recoverable: false,
			Action:      ActionAbort,
			Reason:      "request is malformed, nothing to retry",
		}
	default:
		if rctx.Attempts < s.maxLLMRetries {
			return Decision{
				Recoverable: true,
				Action:      ActionRetry,
				Reason:      fmt.Sprintf("unclassified error, retry %d/%d", rctx.Attempts+1, s.maxLLMRetries),
			}
		}
		return Decision{
			Recoverable: false,
			Action:      ActionAbort,
			Reason:      "unclassified error persisted across retries",
		}
	}
}

func (s *Strategy) decideLLM(rctx Context) Decision {
	if rctx.Err != nil && isRateLimited(rctx.Err) {
		return Decision{
			Recoverable: true,
			Action:      ActionRetryBackoff,
			Delay:       BackoffDelay(rctx.Attempts),
			Reason:      "rate limited, retry with backoff",
		}
	}
	if rctx.Err != nil && errors.Is(rctx.Err, ErrTimeout) {
		return Decision{
			Recoverable: true,
			Action:      ActionRetrySimplify,
			Reason:      "model timed out, retry with a simplified prompt",
		}
	}
	if rctx.Attempts < s.maxLLMRetries {
		return Decision{
			Recoverable: true,
			Action:      ActionRetry,
			Reason:      fmt.Sprintf("model call failed, retry %d/%d", rctx.Attempts+1, s.maxLLMRetries),
		}
	}
	return Decision{
		Recoverable: false,
		Action:      ActionAbort,
		Reason:      "model failures exceeded retry budget",
	}
}
