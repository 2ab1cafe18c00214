// internal/services/fanout_coordinator_test.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateKeys(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "keys", 9)

	keys, err := h.fanout.EnumerateKeys(story, StageCharacterCharts)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada", "Bram"}, keys)

	keys, err = h.fanout.EnumerateKeys(story, StageSceneExpansions)
	require.NoError(t, err)
	assert.Equal(t, []string{"scene_1", "scene_2", "scene_3"}, keys)

	keys, err = h.fanout.EnumerateKeys(story, StageChapters)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter_1", "chapter_2", "chapter_3"}, keys)

	_, err = h.fanout.EnumerateKeys(story, 4)
	assert.True(t, apperrors.IsInvalidTarget(err))
}

func TestMissingKeys(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "missing", 9)

	missing, err := h.fanout.MissingKeys(story, StageCharacterCharts)
	require.NoError(t, err)
	assert.Empty(t, missing)

	missing, err = h.fanout.MissingKeys(story, StageChapters)
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter_1", "chapter_2", "chapter_3"}, missing)

	partial := h.seedStory(t, "missing-partial", 6)
	require.NoError(t, partial.MergeItems(StageCharacterCharts, map[string]models.SubItem{
		"Ada": models.TextItem("Ada's chart"),
	}))
	missing, err = h.fanout.MissingKeys(partial, StageCharacterCharts)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bram"}, missing)
}

func TestEnumerateKeysMissingDependency(t *testing.T) {
	h := newHarness(t)

	early := h.seedStory(t, "early", 2)
	_, err := h.fanout.EnumerateKeys(early, StageCharacterCharts)
	assert.True(t, apperrors.IsMissingDependency(err))

	broken := h.seedStory(t, "broken", 2)
	require.NoError(t, broken.SetStage(3, models.Scalar("Ada and Bram, no json here")))
	_, err = h.fanout.EnumerateKeys(broken, StageCharacterCharts)
	assert.True(t, apperrors.IsMissingDependency(err))
}

// failingScenes 指定场景返回无法解析的输出
func failingScenes(registry *StageRegistry, bad map[int]bool) responder {
	base := defaultResponder(registry)
	return func(req llm.CompletionRequest) (string, error) {
		if stageOf(registry, req) == StageSceneExpansions && bad[sceneFromPrompt(req)] {
			return "{scene: broken", nil
		}
		return base(req)
	}
}

func TestRunPartialFailure(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "partial", 8)
	h.provider.setResponder(failingScenes(h.registry, map[int]bool{2: true}))

	result, err := h.fanout.Run(context.Background(), story.ID, StageSceneExpansions)
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Len(t, result.Accepted, 2)
	assert.Contains(t, result.Accepted, "scene_1")
	assert.Contains(t, result.Accepted, "scene_3")
	assert.Equal(t, []string{"scene 2: UnparseableOutput"}, result.Errors)
	assert.Equal(t, []string{"scene_2"}, result.FailedKeys)

	// 运行本身不写入故事
	assert.Equal(t, 8, h.load(t, story.ID).CurrentStage())
}

func TestRunAcceptedPlusErrorsEqualsKeys(t *testing.T) {
	tests := []struct {
		bad     map[int]bool
		success bool
	}{
		{map[int]bool{}, true},
		{map[int]bool{1: true}, true},
		{map[int]bool{1: true, 3: true}, true},
		{map[int]bool{1: true, 2: true, 3: true}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d failures", len(tt.bad)), func(t *testing.T) {
			h := newHarness(t)
			story := h.seedStory(t, "counts", 8)
			h.provider.setResponder(failingScenes(h.registry, tt.bad))

			result, err := h.fanout.Run(context.Background(), story.ID, StageSceneExpansions)
			require.NoError(t, err)
			assert.Len(t, result.Accepted, 3-len(tt.bad))
			assert.Len(t, result.Errors, len(tt.bad))
			assert.Equal(t, tt.success, result.Success())
		})
	}
}

func TestRunGenerationFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "charts", 6)
	base := defaultResponder(h.registry)
	h.provider.setResponder(func(req llm.CompletionRequest) (string, error) {
		if stageOf(h.registry, req) == StageCharacterCharts && strings.Contains(req.Prompt, "Character: Bram") {
			return "", llm.NewStatusError("OpenAI", 401, []byte("bad key"))
		}
		return base(req)
	})

	result, err := h.fanout.Run(context.Background(), story.ID, StageCharacterCharts)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bram: AuthError"}, result.Errors)
	require.Contains(t, result.Accepted, "Ada")
	assert.Equal(t, "generated stage 7", result.Accepted["Ada"].Text)
}

func TestRunForcesOutlineFields(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "forced", 8)

	result, err := h.fanout.RunKeys(context.Background(), story.ID, StageSceneExpansions, []string{"scene_2"})
	require.NoError(t, err)
	require.Contains(t, result.Accepted, "scene_2")

	exp := decodeExpansion(t, result.Accepted["scene_2"])
	assert.Equal(t, 2, exp.SceneNumber)
	assert.Equal(t, "Bram", exp.POVCharacter, "pov comes from the scene breakdown")
	assert.Equal(t, 4, exp.EstimatedPages)

	_, err = h.fanout.RunKeys(context.Background(), story.ID, StageSceneExpansions, []string{"scene_9"})
	assert.True(t, apperrors.IsInvalidTarget(err))
}

func TestRunRequiresEarlierStages(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "too-early", 3)

	_, err := h.fanout.Run(context.Background(), story.ID, StageSceneExpansions)
	assert.True(t, apperrors.IsNotReady(err))
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "cancelled", 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.fanout.Run(ctx, story.ID, StageSceneExpansions)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcceptMergesWithoutTruncation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "merge", 9)

	updated, err := h.fanout.Accept(ctx, story.ID, StageCharacterCharts, map[string]models.SubItem{
		"Ada": models.TextItem("Ada's new chart"),
	})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.CurrentStage(), "merging into an earlier fan-out stage keeps later stages")
	charts, _ := updated.Stage(StageCharacterCharts)
	assert.Equal(t, "Ada's new chart", charts.Items["Ada"].Text)
	assert.Equal(t, "Bram's chart", charts.Items["Bram"].Text)
	assertContiguous(t, updated)
}

func TestAcceptPartialSubsetCompletesStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "subset", 8)
	h.provider.setResponder(failingScenes(h.registry, map[int]bool{2: true}))

	result, err := h.fanout.Run(ctx, story.ID, StageSceneExpansions)
	require.NoError(t, err)

	updated, err := h.fanout.Accept(ctx, story.ID, StageSceneExpansions, result.Accepted)
	require.NoError(t, err)
	assert.Equal(t, 9, updated.CurrentStage())
	expansions, _ := updated.Stage(StageSceneExpansions)
	assert.Equal(t, []string{"scene_1", "scene_3"}, expansions.Keys())
}

func TestAcceptValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "accept-validation", 6)

	_, err := h.fanout.Accept(ctx, story.ID, StageCharacterCharts, map[string]models.SubItem{
		"Zed": models.TextItem("unknown character"),
	})
	assert.True(t, apperrors.IsInvalidTarget(err))

	_, err = h.fanout.Accept(ctx, story.ID, StageSceneExpansions, map[string]models.SubItem{
		"scene_1": models.TextItem("too early"),
	})
	assert.True(t, apperrors.IsInvalidTarget(err))

	_, err = h.fanout.Accept(ctx, story.ID, 4, map[string]models.SubItem{"x": models.TextItem("y")})
	assert.True(t, apperrors.IsInvalidTarget(err))

	unchanged, err := h.fanout.Accept(ctx, story.ID, StageCharacterCharts, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, unchanged.CurrentStage())
}

// scriptedReviewer 按键返回预设决定并记录调用
type scriptedReviewer struct {
	mu        sync.Mutex
	decisions map[string]ReviewDecision
	seen      map[string][]bool
}

func (r *scriptedReviewer) Review(_ context.Context, key string, _ models.SubItem, canRegenerate bool) (ReviewDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string][]bool)
	}
	r.seen[key] = append(r.seen[key], canRegenerate)
	return r.decisions[key], nil
}

func TestReviewRegeneratesAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "review", 6)

	result, err := h.fanout.Run(ctx, story.ID, StageCharacterCharts)
	require.NoError(t, err)
	h.provider.Reset()

	reviewer := &scriptedReviewer{decisions: map[string]ReviewDecision{
		"Ada":  DecisionRegenerate,
		"Bram": DecisionReject,
	}}
	accepted, err := h.fanout.Review(ctx, story.ID, result, reviewer)
	require.NoError(t, err)

	assert.Empty(t, accepted, "a second regenerate request is treated as a rejection")
	assert.Equal(t, []bool{true, false}, reviewer.seen["Ada"])
	assert.Equal(t, []bool{true}, reviewer.seen["Bram"])
	assert.Len(t, h.provider.Calls(), 1, "only one regeneration call for Ada")
}

func TestReviewAcceptsSubset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "review-subset", 6)

	result, err := h.fanout.Run(ctx, story.ID, StageCharacterCharts)
	require.NoError(t, err)

	reviewer := &scriptedReviewer{decisions: map[string]ReviewDecision{
		"Ada":  DecisionAccept,
		"Bram": DecisionReject,
	}}
	accepted, err := h.fanout.Review(ctx, story.ID, result, reviewer)
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	updated, err := h.fanout.Accept(ctx, story.ID, StageCharacterCharts, accepted)
	require.NoError(t, err)
	charts, _ := updated.Stage(StageCharacterCharts)
	assert.Equal(t, []string{"Ada"}, charts.Keys(), "rejected keys are simply absent")
}
