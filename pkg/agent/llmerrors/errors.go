// Package llmerrors classifies LLM provider failures for retry decisions.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes provider errors.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit covers 429s and quota exhaustion.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, timeouts, EOF, connection resets.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers HTTP 200 with no content.
	ErrorTypeEmptyResponse

	// Non-retryable error types.

	// ErrorTypeAuth covers 401/403 and bad API keys.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed or policy-rejected requests.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the label used in logs and metrics.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether the error type is worth another attempt.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Type     ErrorType
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s provider error (%s): %s: %v", e.Provider, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classified provider error.
func New(provider string, errType ErrorType, message string, cause error) *Error {
	return &Error{Type: errType, Provider: provider, Message: message, Cause: cause}
}

// Classify maps a raw provider error onto the taxonomy using message
// heuristics, the way SDK errors actually surface in practice.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "overloaded"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "authentication"):
		return ErrorTypeAuth
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "context length") || strings.Contains(msg, "too long"):
		return ErrorTypeBadPrompt
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "temporarily"):
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}
