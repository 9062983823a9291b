package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"fixbot/pkg/recovery"
)

// RetryConfig shapes the in-call retry loop of RetryableClient.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig provides reasonable defaults for transient API failures.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
}

// RetryableClient wraps a Client with bounded retries. Retryability is decided
// by the recovery package so there is a single classification authority; the
// workflow's attempt ceiling is a separate, outer bound that this wrapper
// never interacts with.
type RetryableClient struct {
	client Client
	config RetryConfig
}

// NewRetryableClient wraps client with the given retry configuration.
func NewRetryableClient(client Client, config RetryConfig) *RetryableClient {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = DefaultRetryConfig.BackoffFactor
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	return &RetryableClient{client: client, config: config}
}

// Name implements Client.
func (r *RetryableClient) Name() string { return r.client.Name() }

// Complete implements Client with retry on transient failures.
func (r *RetryableClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}

		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !recovery.Retryable(err) {
			break
		}
	}

	return Response{}, fmt.Errorf("completion failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

func (r *RetryableClient) delay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	return delay
}
