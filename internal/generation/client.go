package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"go.uber.org/zap"
)

// Fixed fallbacks returned whenever a model call fails.
const (
	FallbackCelebration = "Great job! Kindness makes the world go round! 🌍❤️"
	FallbackJoke        = "Why did the cookie go to the hospital? Because he felt crummy! 🍪"
	FallbackFact        = "Smile! You make the world brighter. ☀️"
	FallbackHomework    = "I'm having a little trouble thinking right now. Try asking again!"
	FallbackReading     = "I couldn't read that text clearly. Can you try pasting it again?"

	defaultCallTimeout = 30 * time.Second
)

const (
	opPolish    = "generation.polish_request"
	opCelebrate = "generation.celebrate"
	opSmile     = "generation.joke_or_fact"
	opHomework  = "generation.explain_homework"
	opReading   = "generation.analyze_reading"
)

// Kind selects between a joke and a fun fact.
type Kind string

const (
	KindJoke Kind = "joke"
	KindFact Kind = "fact"
)

// ParseKind maps input onto a Kind. Anything other than "fact" is a joke.
func ParseKind(raw string) Kind {
	if strings.EqualFold(strings.TrimSpace(raw), string(KindFact)) {
		return KindFact
	}
	return KindJoke
}

// PolishedRequest is the structured rewrite of a help request.
type PolishedRequest struct {
	PolishedText string             `json:"polishedText"`
	Category     community.Category `json:"category"`
	Emoji        string             `json:"emoji"`
}

// VocabularyItem is one word explained by the reading helper.
type VocabularyItem struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
}

// ReadingAnalysis is the structured simplification of a reading passage.
type ReadingAnalysis struct {
	Summary    string           `json:"summary"`
	Vocabulary []VocabularyItem `json:"vocabulary"`
	Questions  []string         `json:"questions"`
}

// ClientConfig wires the model backend. A nil Completer makes every operation fall back.
type ClientConfig struct {
	Completer Completer
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Client exposes the content operations. No method returns an error: failures are logged and
// replaced by the operation's fallback.
type Client struct {
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{completer: cfg.Completer, timeout: timeout, logger: logger}
}

// PolishRequestText rewrites a help request politely and classifies it.
func (c *Client) PolishRequestText(ctx context.Context, raw string) PolishedRequest {
	fallback := PolishedRequest{PolishedText: raw, Category: community.CategoryOther, Emoji: community.DefaultEmoji}
	text, err := c.complete(ctx, opPolish, CompletionRequest{
		System: "Return a JSON object with polishedText, category (Physical | Social | School | Community | Other), and emoji.",
		Prompt: fmt.Sprintf("Rewrite politely and categorize: %q.", raw),
		JSON:   true,
	})
	if err != nil {
		return fallback
	}

	var parsed struct {
		PolishedText string `json:"polishedText"`
		Category     string `json:"category"`
		Emoji        string `json:"emoji"`
	}
	if err := decodeObject(text, &parsed); err != nil {
		c.logError(opPolish, "malformed_response", err)
		return fallback
	}
	result := PolishedRequest{
		PolishedText: strings.TrimSpace(parsed.PolishedText),
		Category:     community.ParseCategory(parsed.Category),
		Emoji:        strings.TrimSpace(parsed.Emoji),
	}
	if result.PolishedText == "" {
		result.PolishedText = raw
	}
	if result.Emoji == "" {
		result.Emoji = community.DefaultEmoji
	}
	return result
}

// Celebrate writes a short cheer for a kind act. Any non-empty text is returned as-is.
func (c *Client) Celebrate(ctx context.Context, action string) string {
	text, err := c.complete(ctx, opCelebrate, CompletionRequest{
		System: "Be excited, brief, and supportive for elementary students.",
		Prompt: fmt.Sprintf("Celebrate this kind act in 2 sentences max with emojis: %q.", action),
	})
	if err != nil {
		return FallbackCelebration
	}
	return text
}

// GenerateJokeOrFact returns a kid-friendly joke or fun fact.
func (c *Client) GenerateJokeOrFact(ctx context.Context, kind Kind) string {
	fallback := FallbackJoke
	prompt := "Tell a clean, simple joke for kids about kindness, friendship, or school. Just the joke."
	if kind == KindFact {
		fallback = FallbackFact
		prompt = "Share a short, awesome fun fact about animals or nature that kids would love."
	}
	text, err := c.complete(ctx, opSmile, CompletionRequest{
		System: "Be playful and concise for elementary students.",
		Prompt: prompt,
	})
	if err != nil {
		return fallback
	}
	return text
}

// ExplainHomework gives step-by-step hints without the final answer.
func (c *Client) ExplainHomework(ctx context.Context, question, subject string) string {
	text, err := c.complete(ctx, opHomework, CompletionRequest{
		System: "You are a friendly 4th-grade tutor. Give hints, not final answers.",
		Prompt: fmt.Sprintf("Subject: %s. Question: %q. Explain steps simply, no final answer.", subject, question),
	})
	if err != nil {
		return FallbackHomework
	}
	return text
}

// AnalyzeReading summarizes a passage, explains vocabulary and suggests questions.
func (c *Client) AnalyzeReading(ctx context.Context, passage string) ReadingAnalysis {
	fallback := ReadingAnalysis{Summary: FallbackReading, Vocabulary: []VocabularyItem{}, Questions: []string{}}
	text, err := c.complete(ctx, opReading, CompletionRequest{
		System: "Return JSON with summary, vocabulary (array of {word, definition}), and questions (array).",
		Prompt: "Analyze for a 4th grader:\n" + passage,
		JSON:   true,
	})
	if err != nil {
		return fallback
	}

	var parsed ReadingAnalysis
	if err := decodeObject(text, &parsed); err != nil {
		c.logError(opReading, "malformed_response", err)
		return fallback
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		c.logError(opReading, "missing_summary", ErrEmptyCompletion)
		return fallback
	}
	if parsed.Vocabulary == nil {
		parsed.Vocabulary = []VocabularyItem{}
	}
	if parsed.Questions == nil {
		parsed.Questions = []string{}
	}
	return parsed
}

// complete runs one bounded model call and returns trimmed, non-empty text.
func (c *Client) complete(ctx context.Context, operation string, request CompletionRequest) (string, error) {
	if c.completer == nil {
		c.logError(operation, "not_configured", ErrNoCompleter)
		return "", ErrNoCompleter
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.completer.Complete(callCtx, request)
	if err != nil {
		c.logError(operation, "call_failed", err)
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.logError(operation, "empty_response", ErrEmptyCompletion)
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (c *Client) logError(operation, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Error("generation error", fields...)
}
