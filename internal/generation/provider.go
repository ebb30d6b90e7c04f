package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Provider names accepted by NewCompleter.
const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig selects and configures a model backend.
type ProviderConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewCompleter builds the configured backend. ProviderNone yields a nil Completer, which makes
// every Client operation fall back.
func NewCompleter(ctx context.Context, cfg ProviderConfig) (Completer, error) {
	var (
		completer Completer
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		var openAI *OpenAICompleter
		openAI, err = NewOpenAICompleter(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, HTTPClient: cfg.HTTPClient})
		completer = openAI
	case ProviderGemini:
		var gemini *GeminiCompleter
		gemini, err = NewGeminiCompleter(ctx, GeminiConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, HTTPClient: cfg.HTTPClient})
		completer = gemini
	case ProviderAnthropic:
		var claude *AnthropicCompleter
		claude, err = NewAnthropicCompleter(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, HTTPClient: cfg.HTTPClient})
		completer = claude
	default:
		return nil, fmt.Errorf("generation: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("generation: %s: %w", cfg.Provider, err)
	}
	return completer, nil
}
