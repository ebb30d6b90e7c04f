package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func failingCompleter(err error) Completer {
	return CompleterFunc(func(context.Context, CompletionRequest) (string, error) {
		return "", err
	})
}

func fixedCompleter(text string) (Completer, *[]CompletionRequest) {
	var seen []CompletionRequest
	return CompleterFunc(func(_ context.Context, request CompletionRequest) (string, error) {
		seen = append(seen, request)
		return text, nil
	}), &seen
}

func TestEveryOperationReturnsItsFallbackOnFailure(t *testing.T) {
	ctx := context.Background()
	for name, completer := range map[string]Completer{
		"unconfigured": nil,
		"unreachable":  failingCompleter(errors.New("dial tcp: connection refused")),
		"empty":        CompleterFunc(func(context.Context, CompletionRequest) (string, error) { return "  ", nil }),
	} {
		t.Run(name, func(t *testing.T) {
			client := NewClient(ClientConfig{Completer: completer})

			require.Equal(t, PolishedRequest{PolishedText: "need help tying shoes", Category: community.CategoryOther, Emoji: "📝"},
				client.PolishRequestText(ctx, "need help tying shoes"))
			require.Equal(t, FallbackCelebration, client.Celebrate(ctx, "shared my lunch"))
			require.Equal(t, FallbackJoke, client.GenerateJokeOrFact(ctx, KindJoke))
			require.Equal(t, FallbackFact, client.GenerateJokeOrFact(ctx, KindFact))
			require.Equal(t, FallbackHomework, client.ExplainHomework(ctx, "what is 7x8?", "Math"))
			require.Equal(t, ReadingAnalysis{Summary: FallbackReading, Vocabulary: []VocabularyItem{}, Questions: []string{}},
				client.AnalyzeReading(ctx, "The fox ran."))
		})
	}
}

func TestFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	client := NewClient(ClientConfig{Completer: failingCompleter(errors.New("boom")), Logger: zap.New(core)})

	client.Celebrate(context.Background(), "held the door")

	entries := logs.FilterMessage("generation error").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, opCelebrate, fields["operation"])
	require.Equal(t, "call_failed", fields["reason"])
}

func TestCelebrationTextIsUsedAsIs(t *testing.T) {
	completer, seen := fixedCompleter("You are a superstar! 🌟 Sharing is caring!")
	client := NewClient(ClientConfig{Completer: completer})

	require.Equal(t, "You are a superstar! 🌟 Sharing is caring!", client.Celebrate(context.Background(), "shared my lunch"))
	require.Len(t, *seen, 1)
	require.False(t, (*seen)[0].JSON)
	require.Contains(t, (*seen)[0].Prompt, "shared my lunch")
}

func TestCelebrationDoesNotParseJSON(t *testing.T) {
	completer, _ := fixedCompleter("{not json")
	client := NewClient(ClientConfig{Completer: completer})
	require.Equal(t, "{not json", client.Celebrate(context.Background(), "shared my lunch"))
}

func TestPolishParsesStructuredResponse(t *testing.T) {
	completer, seen := fixedCompleter("```json\n{\"polishedText\":\"Could someone help me tie my shoes?\",\"category\":\"physical\",\"emoji\":\"👟\"}\n```")
	client := NewClient(ClientConfig{Completer: completer})

	polished := client.PolishRequestText(context.Background(), "need help tying shoes")
	require.Equal(t, "Could someone help me tie my shoes?", polished.PolishedText)
	require.Equal(t, community.CategoryPhysical, polished.Category)
	require.Equal(t, "👟", polished.Emoji)
	require.True(t, (*seen)[0].JSON)
}

func TestPolishCoercesPartialResponse(t *testing.T) {
	completer, _ := fixedCompleter(`{"polishedText":"","category":"Gardening"}`)
	client := NewClient(ClientConfig{Completer: completer})

	polished := client.PolishRequestText(context.Background(), "water plants")
	require.Equal(t, "water plants", polished.PolishedText)
	require.Equal(t, community.CategoryOther, polished.Category)
	require.Equal(t, community.DefaultEmoji, polished.Emoji)
}

func TestStructuredCallsFallBackOnMalformedJSON(t *testing.T) {
	completer, _ := fixedCompleter("Sure! Here is a summary without any JSON.")
	client := NewClient(ClientConfig{Completer: completer})

	require.Equal(t, FallbackReading, client.AnalyzeReading(context.Background(), "text").Summary)
	require.Equal(t, "raw", client.PolishRequestText(context.Background(), "raw").PolishedText)
}

func TestAnalyzeReadingParsesResponse(t *testing.T) {
	completer, _ := fixedCompleter(`{"summary":"A fox runs.","vocabulary":[{"word":"fox","definition":"a wild dog"}]}`)
	client := NewClient(ClientConfig{Completer: completer})

	analysis := client.AnalyzeReading(context.Background(), "The quick fox ran.")
	require.Equal(t, "A fox runs.", analysis.Summary)
	require.Equal(t, []VocabularyItem{{Word: "fox", Definition: "a wild dog"}}, analysis.Vocabulary)
	require.NotNil(t, analysis.Questions)
	require.Empty(t, analysis.Questions)
}

func TestParseKindDefaultsToJoke(t *testing.T) {
	require.Equal(t, KindFact, ParseKind(" FACT "))
	require.Equal(t, KindJoke, ParseKind("joke"))
	require.Equal(t, KindJoke, ParseKind("riddle"))
	require.Equal(t, KindJoke, ParseKind(""))
}

func TestDecodeObject(t *testing.T) {
	var target map[string]any
	require.NoError(t, decodeObject(`{"a":1}`, &target))
	require.NoError(t, decodeObject("prefix {\"a\":2} suffix", &target))
	require.EqualValues(t, 2, target["a"])
	require.ErrorIs(t, decodeObject("   ", &target), ErrEmptyCompletion)
	require.ErrorIs(t, decodeObject("no braces", &target), errNoJSONObject)
}
