// internal/services/story_service_test.go
package services

import (
	"context"
	"testing"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareSlugs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	story, err := h.stories.Prepare(ctx, "Crème Brûlée Heist!", "idea")
	require.NoError(t, err)
	assert.Equal(t, "creme-brulee-heist", story.Slug)

	_, err = h.stories.Prepare(ctx, "!!!", "idea")
	assert.True(t, apperrors.IsValidationError(err))

	first := h.seedStory(t, "", 1)
	second := h.seedStory(t, "", 1)
	assert.NotEqual(t, first.Slug, second.Slug, "derived slugs get a suffix instead of conflicting")
	assert.Contains(t, second.Slug, first.Slug+"-")
}

func TestGetByIDOrSlug(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "lookup", 2)

	byID, err := h.stories.Get(ctx, story.ID)
	require.NoError(t, err)
	bySlug, err := h.stories.Get(ctx, "lookup")
	require.NoError(t, err)
	assert.Equal(t, byID.ID, bySlug.ID)

	// 返回的是副本
	byID.StoryIdea = "mutated"
	again, err := h.stories.Get(ctx, story.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.StoryIdea)

	_, err = h.stories.Get(ctx, "missing")
	assert.True(t, apperrors.IsNotFoundError(err))
	_, err = h.stories.Get(ctx, "")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestListAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedStory(t, "one", 1)
	two := h.seedStory(t, "two", 3)

	list, err := h.stories.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, h.stories.Delete(ctx, "two"))
	_, err = h.stories.Get(ctx, two.ID)
	assert.True(t, apperrors.IsNotFoundError(err))

	list, err = h.stories.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetWritingStyle(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "style", 1)

	updated, err := h.stories.SetWritingStyle(context.Background(), story.Slug, "  noir  ")
	require.NoError(t, err)
	assert.Equal(t, "noir", updated.WritingStyle)
	assert.Equal(t, "noir", h.load(t, story.ID).WritingStyle)
}
