package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/logx"
	"agentrun/pkg/tools"
)

// RetryConfig defines exponential backoff behavior for provider errors.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides reasonable defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableClient wraps an LLMClient with classified retry. Retryable error
// types back off and try again; auth and bad-prompt errors fail immediately.
type RetryableClient struct {
	client LLMClient
	config RetryConfig
	logger *logx.Logger
}

var _ LLMClient = (*RetryableClient)(nil)

// NewRetryableClient wraps client.
func NewRetryableClient(client LLMClient, config RetryConfig) *RetryableClient {
	return &RetryableClient{
		client: client,
		config: config,
		logger: logx.NewLogger("llm-retry"),
	}
}

// Query implements LLMClient.
func (r *RetryableClient) Query(ctx context.Context, msgs []dialog.Message, specs []tools.ToolSpec) (dialog.Message, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Warn("llm query attempt %d/%d failed (%v), retrying in %s",
				attempt, r.config.MaxRetries, lastErr, delay)
			select {
			case <-ctx.Done():
				return dialog.Message{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		msg, err := r.client.Query(ctx, msgs, specs)
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return dialog.Message{}, ctx.Err()
		}
		if !llmerrors.Classify(err).Retryable() {
			break
		}
	}

	return dialog.Message{}, fmt.Errorf("llm query failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// ModelName implements LLMClient.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

func (r *RetryableClient) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if r.config.Jitter {
		// Up to ±10% to spread concurrent agents apart.
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
		delay += jitter
		if delay < 0 {
			delay = r.config.InitialDelay
		}
	}
	return delay
}
