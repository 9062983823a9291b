package recovery

import (
	"context"
	"errors"
	"strings"
)

// Classify maps an error to its failure category. Typed errors take priority;
// string matching covers errors surfaced by SDKs and subprocesses that we do
// not control.
func Classify(err error) Category {
	if err == nil {
		return CategoryGeneric
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return CategoryValidation
	}
	var infraErr *InfraError
	if errors.As(err, &infraErr) {
		return CategorySandbox
	}
	var repoErr *RepoError
	if errors.As(err, &repoErr) {
		return CategoryRepository
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "quota"):
		return CategoryLLM
	case strings.Contains(msg, "docker"), strings.Contains(msg, "daemon"),
		strings.Contains(msg, "container"):
		return CategorySandbox
	case strings.Contains(msg, "clone"), strings.Contains(msg, "git"),
		strings.Contains(msg, "repository"):
		return CategoryRepository
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline"):
		return CategoryTimeout
	default:
		return CategoryGeneric
	}
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "quota")
}

// Retryable reports whether an error in the given category is worth retrying
// at the call site. The LLM gateway uses this to gate its in-call retries.
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryValidation:
		return false
	case CategoryRepository:
		var repoErr *RepoError
		if errors.As(err, &repoErr) && repoErr.Auth {
			return false
		}
		return true
	case CategoryLLM, CategoryTimeout, CategorySandbox:
		return true
	default:
		msg := strings.ToLower(err.Error())
		// Server-side and connection failures are transient.
		if strings.Contains(msg, "connection") || strings.Contains(msg, "temporar") ||
			strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
			strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
			strings.Contains(msg, "empty response") {
			return true
		}
		return false
	}
}
