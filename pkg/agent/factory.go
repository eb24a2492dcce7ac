package agent

import (
	"fmt"
	"os"
	"strings"

	anthropicimpl "agentrun/pkg/agent/internal/llmimpl/anthropic"
	googleimpl "agentrun/pkg/agent/internal/llmimpl/google"
	ollamaimpl "agentrun/pkg/agent/internal/llmimpl/ollama"
	openaiimpl "agentrun/pkg/agent/internal/llmimpl/openai"
)

// ProviderConfig selects and configures an LLM backend.
type ProviderConfig struct {
	// Provider is "anthropic", "openai", "google", or "ollama".
	Provider string
	// Model is the provider-specific model identifier.
	Model string
	// APIKey overrides the provider's environment variable when set.
	// Ollama needs no key.
	APIKey string
	// BaseURL points at the Ollama server; empty means the local default.
	BaseURL string
	// Retry tunes the transient-failure retry loop. Zero value means
	// DefaultRetryConfig.
	Retry RetryConfig
}

const (
	anthropicKeyEnv = "ANTHROPIC_API_KEY"
	openaiKeyEnv    = "OPENAI_API_KEY"
	googleKeyEnv    = "GEMINI_API_KEY"
)

// NewLLMClient builds a provider client wrapped with retry handling.
func NewLLMClient(cfg ProviderConfig) (LLMClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialDelay == 0 {
		retry = DefaultRetryConfig
	}

	var inner LLMClient
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		key, err := resolveKey(cfg.APIKey, anthropicKeyEnv)
		if err != nil {
			return nil, err
		}
		inner = anthropicimpl.New(key, cfg.Model)
	case "openai":
		key, err := resolveKey(cfg.APIKey, openaiKeyEnv)
		if err != nil {
			return nil, err
		}
		inner = openaiimpl.New(key, cfg.Model)
	case "google":
		key, err := resolveKey(cfg.APIKey, googleKeyEnv)
		if err != nil {
			return nil, err
		}
		inner = googleimpl.New(key, cfg.Model)
	case "ollama":
		inner = ollamaimpl.New(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic, openai, google, or ollama)", cfg.Provider)
	}

	return NewRetryableClient(inner, retry), nil
}

func resolveKey(explicit, envVar string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no API key: set %s or provide one in config", envVar)
}
