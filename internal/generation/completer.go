package generation

import (
	"context"
	"errors"
)

var (
	// ErrNoCompleter reports that no model backend is configured.
	ErrNoCompleter = errors.New("generation: no completer configured")
	// ErrEmptyCompletion reports a completion without usable text.
	ErrEmptyCompletion = errors.New("generation: empty completion")
)

// CompletionRequest is one single-turn call to a model.
type CompletionRequest struct {
	System string
	Prompt string
	// JSON asks the backend for a JSON object response.
	JSON bool
}

// Completer performs exactly one model call. Implementations do not retry.
type Completer interface {
	Complete(ctx context.Context, request CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, request CompletionRequest) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, request CompletionRequest) (string, error) {
	return f(ctx, request)
}
