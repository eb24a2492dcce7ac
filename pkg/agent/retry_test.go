package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/pkg/agent/llmerrors"
	"agentrun/pkg/dialog"
	"agentrun/pkg/tools"
)

// flakyLLM fails the first failures queries, then succeeds.
type flakyLLM struct {
	failures int
	failWith error
	calls    int
}

func (f *flakyLLM) Query(_ context.Context, _ []dialog.Message, _ []tools.ToolSpec) (dialog.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return dialog.Message{}, f.failWith
	}
	return dialog.NewAssistantMessage("recovered", nil, 0), nil
}

func (f *flakyLLM) ModelName() string { return "flaky" }

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryableClientRecoversFromTransientErrors(t *testing.T) {
	inner := &flakyLLM{
		failures: 2,
		failWith: llmerrors.New("flaky", llmerrors.ErrorTypeTransient, "connection reset", nil),
	}
	client := NewRetryableClient(inner, fastRetryConfig())

	msg, err := client.Query(context.Background(), []dialog.Message{dialog.NewUserMessage("hi", 0)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", msg.Content)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryableClientGivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyLLM{
		failures: 100,
		failWith: llmerrors.New("flaky", llmerrors.ErrorTypeRateLimit, "429 too many requests", nil),
	}
	client := NewRetryableClient(inner, fastRetryConfig())

	_, err := client.Query(context.Background(), []dialog.Message{dialog.NewUserMessage("hi", 0)}, nil)
	require.Error(t, err)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 4, inner.calls)
}

func TestRetryableClientDoesNotRetryAuthErrors(t *testing.T) {
	inner := &flakyLLM{
		failures: 100,
		failWith: llmerrors.New("flaky", llmerrors.ErrorTypeAuth, "invalid api key", nil),
	}
	client := NewRetryableClient(inner, fastRetryConfig())

	_, err := client.Query(context.Background(), []dialog.Message{dialog.NewUserMessage("hi", 0)}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)

	var provErr *llmerrors.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llmerrors.ErrorTypeAuth, provErr.Type)
}

func TestRetryableClientHonorsContextDuringBackoff(t *testing.T) {
	inner := &flakyLLM{
		failures: 100,
		failWith: llmerrors.New("flaky", llmerrors.ErrorTypeTransient, "503", nil),
	}
	client := NewRetryableClient(inner, RetryConfig{
		MaxRetries:    5,
		InitialDelay:  time.Hour,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Query(ctx, []dialog.Message{dialog.NewUserMessage("hi", 0)}, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryableClientModelName(t *testing.T) {
	client := NewRetryableClient(&flakyLLM{}, DefaultRetryConfig)
	assert.Equal(t, "flaky", client.ModelName())
}
