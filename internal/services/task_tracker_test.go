// internal/services/task_tracker_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTask(t *testing.T, tracker *TaskTracker, id string) models.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := tracker.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestTaskTrackerCompletes(t *testing.T) {
	tracker := NewTaskTracker(nil)
	task := tracker.Create("advance", "story-1")
	assert.Equal(t, models.TaskPending, task.Status)

	require.NoError(t, tracker.Run(task.ID, time.Second, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		progress(ProgressValidated, "validated")
		progress(0.2, "ignored, progress never decreases")
		progress(ProgressGenerated, "generated")
		return "done", nil
	}))

	final := waitTask(t, tracker, task.ID)
	assert.Equal(t, models.TaskCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, "done", final.Result)
	assert.True(t, final.Status.IsTerminal())

	// 终态任务不能再次运行
	assert.Error(t, tracker.Run(task.ID, 0, func(context.Context, ProgressFunc) (interface{}, error) { return nil, nil }))
}

func TestTaskTrackerFailure(t *testing.T) {
	tracker := NewTaskTracker(nil)
	task := tracker.Create("analyze", "story-1")
	require.NoError(t, tracker.Run(task.ID, 0, func(context.Context, ProgressFunc) (interface{}, error) {
		return nil, errors.New("boom")
	}))

	final := waitTask(t, tracker, task.ID)
	assert.Equal(t, models.TaskFailed, final.Status)
	assert.Equal(t, "boom", final.Error)
	assert.Less(t, final.Progress, 1.0)
}

func TestTaskTrackerCancel(t *testing.T) {
	tracker := NewTaskTracker(nil)
	task := tracker.Create("improve", "story-1")
	started := make(chan struct{})
	stopped := make(chan struct{})

	require.NoError(t, tracker.Run(task.ID, 0, func(ctx context.Context, _ ProgressFunc) (interface{}, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	}))
	<-started
	require.NoError(t, tracker.Cancel(task.ID))

	final := waitTask(t, tracker, task.ID)
	assert.Equal(t, models.TaskFailed, final.Status)
	assert.Equal(t, "cancelled", final.Error)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("task context was not cancelled")
	}

	// 终态任务上的取消不做任何事
	require.NoError(t, tracker.Cancel(task.ID))
	assert.Error(t, tracker.Cancel("missing"))
}

func TestTaskTrackerSubscribe(t *testing.T) {
	tracker := NewTaskTracker(nil)
	task := tracker.Create("advance", "story-1")
	release := make(chan struct{})

	updates, ok := tracker.Subscribe(task.ID)
	require.True(t, ok)
	first := <-updates
	assert.Equal(t, models.TaskPending, first.Status)

	require.NoError(t, tracker.Run(task.ID, 0, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		<-release
		return 42, nil
	}))
	close(release)

	var last models.Task
	for u := range updates {
		last = u
	}
	assert.Equal(t, models.TaskCompleted, last.Status)

	_, ok = tracker.Subscribe("missing")
	assert.False(t, ok)

	// 订阅已结束的任务只收到一次快照
	done, ok := tracker.Subscribe(task.ID)
	require.True(t, ok)
	snapshot, open := <-done
	assert.True(t, open)
	assert.Equal(t, models.TaskCompleted, snapshot.Status)
	_, open = <-done
	assert.False(t, open)
}

func TestTaskTrackerCleanup(t *testing.T) {
	tracker := NewTaskTracker(nil)
	finished := tracker.Create("advance", "a")
	pending := tracker.Create("advance", "b")
	require.NoError(t, tracker.Run(finished.ID, 0, func(context.Context, ProgressFunc) (interface{}, error) { return nil, nil }))
	waitTask(t, tracker, finished.ID)

	assert.Equal(t, 1, tracker.Cleanup(0))
	_, ok := tracker.Get(finished.ID)
	assert.False(t, ok)
	_, ok = tracker.Get(pending.ID)
	assert.True(t, ok)
	assert.Len(t, tracker.List(), 1)
}

func TestStoryTasksAdvance(t *testing.T) {
	h := newHarness(t)
	story := h.seedStory(t, "task-advance", 3)

	task, err := h.tasks.StartAdvance(context.Background(), story.Slug)
	require.NoError(t, err)
	assert.Equal(t, story.ID, task.StoryID)

	final := waitTask(t, h.tracker, task.ID)
	require.Equal(t, models.TaskCompleted, final.Status, final.Error)
	proposal, ok := final.Result.(*Proposal)
	require.True(t, ok)
	assert.Equal(t, 4, proposal.Stage)
	assert.Equal(t, 3, h.load(t, story.ID).CurrentStage())

	_, err = h.tasks.StartAdvance(context.Background(), "missing-story")
	assert.Error(t, err)
}

func TestStoryTasksImproveNeedsSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	story := h.seedStory(t, "task-improve", 9)
	require.NoError(t, h.stories.SaveAnalysis(ctx, story.ID, &models.AnalysisReport{
		Recommendations: models.Recommendations{HighPriority: []string{"Tighten the ending"}},
	}))

	task, err := h.tasks.StartImprove(ctx, story.ID, "")
	require.NoError(t, err)
	final := waitTask(t, h.tracker, task.ID)
	assert.Equal(t, models.TaskFailed, final.Status)
	assert.Contains(t, final.Error, "select scenes manually")

	task, err = h.tasks.StartImprove(ctx, story.ID, "1-2")
	require.NoError(t, err)
	final = waitTask(t, h.tracker, task.ID)
	require.Equal(t, models.TaskCompleted, final.Status, final.Error)
	result := final.Result.(*ImprovementResult)
	assert.Equal(t, []int{1, 2}, result.Updated)
}
