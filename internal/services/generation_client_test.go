// internal/services/generation_client_test.go
package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	var calls int32
	h.provider.setResponder(func(llm.CompletionRequest) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", llm.NewStatusError("OpenAI", http.StatusTooManyRequests, nil)
		}
		return "recovered", nil
	})

	result, err := h.client.Generate(context.Background(), GenerationRequest{Stage: 1, Context: "idea"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, "openai/gpt-4o-mini", result.Model)
}

func TestGenerateDoesNotRetryAuth(t *testing.T) {
	h := newHarness(t)
	var calls int32
	h.provider.setResponder(func(llm.CompletionRequest) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", llm.NewStatusError("OpenAI", http.StatusUnauthorized, []byte("invalid key"))
	})

	_, err := h.client.Generate(context.Background(), GenerationRequest{Stage: 2, Context: "idea"})
	require.Error(t, err)
	kind, ok := apperrors.FailureKindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.FailureAuth, kind)
	assert.Equal(t, int32(1), calls)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 2, appErr.Stage)
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	h.provider.setResponder(func(llm.CompletionRequest) (string, error) { return "   ", nil })

	_, err := h.client.Generate(context.Background(), GenerationRequest{Stage: 1, Context: "idea"})
	assert.True(t, apperrors.IsGenerationFailure(err))
}

func TestGenerateBuildsPrompt(t *testing.T) {
	h := newHarness(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := h.client.Generate(context.Background(), GenerationRequest{
		Stage:        StageSceneBreakdown,
		Context:      "CONTEXT",
		Detail:       "DETAIL",
		Instructions: "INSTRUCTIONS",
		Expect:       ExpectStructured,
		Model:        "anthropic/claude-sonnet",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set ANTHROPIC_API_KEY")

	result, err := h.client.Generate(context.Background(), GenerationRequest{
		Stage:        StageSceneBreakdown,
		Context:      "CONTEXT",
		Detail:       "DETAIL",
		Instructions: "INSTRUCTIONS",
		Expect:       ExpectStructured,
	})
	require.NoError(t, err)
	assert.JSONEq(t, sampleOutlinesJSON, string(result.JSON))

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CONTEXT\n\nDETAIL\n\nInstructions:\nINSTRUCTIONS", calls[0].Prompt)
	assert.Contains(t, calls[0].SystemPrompt, "(Scene breakdown)")
	assert.Contains(t, calls[0].SystemPrompt, "Respond with valid JSON only.")
	assert.False(t, calls[0].JSONMode, "json_object mode cannot return arrays")
	assert.Equal(t, "gpt-4o-mini", calls[0].Model)
}

func TestStreamForwardsChunks(t *testing.T) {
	h := newHarness(t)
	h.provider.chunks = []string{"a", "b"}

	stream, err := h.client.Stream(context.Background(), GenerationRequest{Stage: StageChapters, Context: "ctx"})
	require.NoError(t, err)
	text, err := Collect(context.Background(), stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestStreamClosesAfterErrorChunk(t *testing.T) {
	h := newHarness(t)
	h.provider.chunks = []string{"partial "}
	h.provider.streamErr = llm.NewStatusError("OpenAI", http.StatusUnauthorized, nil)

	stream, err := h.client.Stream(context.Background(), GenerationRequest{Stage: StageChapters, Context: "ctx"})
	require.NoError(t, err)
	text, err := Collect(context.Background(), stream, nil)
	assert.Equal(t, "partial ", text)
	kind, ok := apperrors.FailureKindOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperrors.FailureAuth, kind)

	select {
	case _, ok := <-stream:
		assert.False(t, ok, "nothing is forwarded after an error")
	case <-time.After(time.Second):
		t.Fatal("stream was not closed after the error chunk")
	}
}

func TestBuildContextFlattensFanOut(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "context", 9)
	story.WritingStyle = "lyrical"

	ctx := BuildContext(story, h.registry, 9)
	assert.Contains(t, ctx, "Original story idea: a clockmaker who can rewind one minute")
	assert.Contains(t, ctx, "One-sentence summary: A clockmaker rewinds time")
	assert.Contains(t, ctx, "Character charts:\nAda: Ada's chart\n\nBram: Bram's chart")
	assert.Contains(t, ctx, "Scene 2: 'Scene 2' (POV: Bram)\n  Goal: original goal 2")
	assert.Contains(t, ctx, "Writing style: lyrical")
	assert.NotContains(t, ctx, `"record"`)

	partial := BuildContext(story, h.registry, 2)
	assert.NotContains(t, partial, "Character summaries")
}

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "héll...", truncate("héllo", 3))
	assert.Equal(t, "héllo", truncate("héllo", 5))
}
