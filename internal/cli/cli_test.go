// internal/cli/cli_test.go
package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider 按阶段名返回固定输出
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	failing map[string]bool
}

// failFor 让指定角色的人物档案生成失败
func (p *stubProvider) failFor(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = make(map[string]bool, len(names))
	for _, n := range names {
		p.failing[n] = true
	}
}

func (p *stubProvider) Initialize(map[string]string) error { return nil }
func (p *stubProvider) GetName() string                    { return "Stub" }
func (p *stubProvider) GetSupportedModels() []string       { return []string{"stub"} }

func (p *stubProvider) CompleteText(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	failing := p.failing
	p.mu.Unlock()

	for name := range failing {
		if strings.Contains(req.Prompt, "Character: "+name+"\n") {
			return nil, errors.New("upstream exploded")
		}
	}

	switch {
	case strings.Contains(req.SystemPrompt, "(Character summaries)"),
		strings.Contains(req.SystemPrompt, "(Character synopses)"):
		return &llm.CompletionResponse{Text: "```json\n{\"Ada\": \"A clockmaker.\"}\n```"}, nil
	case strings.Contains(req.SystemPrompt, "(Character charts)"):
		return &llm.CompletionResponse{Text: "Ada Quill, 34, clockmaker."}, nil
	default:
		return &llm.CompletionResponse{Text: "A clockmaker rewinds one minute."}, nil
	}
}

func (p *stubProvider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	ch := make(chan llm.StreamResponse)
	go func() {
		defer close(ch)
		for _, c := range []string{"It was ", "a dark night."} {
			select {
			case ch <- llm.StreamResponse{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamResponse{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type testCLI struct {
	dir      string
	settings string
	provider *stubProvider
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("STORYFORGE_MODEL", "")
	t.Setenv("CONFIG_SECRET", "")

	dir := t.TempDir()
	settings := filepath.Join(dir, "storyforge.yaml")
	yaml := "data_dir: " + filepath.Join(dir, "stories") + "\n" +
		"state_dir: " + filepath.Join(dir, "state") + "\n" +
		"log_level: error\n" +
		"concurrency: 2\n"
	require.NoError(t, os.WriteFile(settings, []byte(yaml), 0644))
	return &testCLI{dir: dir, settings: settings, provider: &stubProvider{}}
}

// run 执行一条命令，stdin 为交互输入
func (c *testCLI) run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := NewApp(strings.NewReader(stdin), &out, &errOut,
		services.WithProviderFactory(func(string, map[string]string) (llm.Provider, error) { return c.provider, nil }),
		services.WithRetryConfig(llm.RetryConfig{MaxAttempts: 1}),
	)
	code := a.Run(context.Background(), append([]string{"--config", c.settings}, args...))
	return code, out.String(), errOut.String()
}

func (c *testCLI) store(t *testing.T) *storage.FileStorage {
	t.Helper()
	store, err := storage.NewFileStorage(filepath.Join(c.dir, "stories"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func (c *testCLI) load(t *testing.T, slug string) *models.Story {
	t.Helper()
	story, err := c.store(t).GetBySlug(context.Background(), slug)
	require.NoError(t, err)
	return story
}

func TestStateStore(t *testing.T) {
	s := NewStateStore(filepath.Join(t.TempDir(), ".storyforge"))

	state, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, state.CurrentStory)

	require.NoError(t, s.SetCurrent("story-1"))
	state, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "story-1", state.CurrentStory)
	assert.False(t, state.UpdatedAt.IsZero())

	require.NoError(t, s.Clear())
	state, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, state.CurrentStory)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{broken"), 0644))
	_, err = s.Load()
	assert.Error(t, err)
}

func TestPrompterConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := NewPrompter(strings.NewReader(tt.input), &out).Confirm("Accept?")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "Accept? [y/N]: ")
	}
}

func TestPromptReviewer(t *testing.T) {
	var out bytes.Buffer
	r := &promptReviewer{
		prompter: NewPrompter(strings.NewReader("maybe\ng\ng\nr\n"), &out),
		out:      &out,
		stage:    "Scene expansions",
	}
	item, err := models.RecordItem(models.SceneExpansion{SceneNumber: 2, Title: "The Shop"})
	require.NoError(t, err)

	decision, err := r.Review(context.Background(), "scene_2", item, true)
	require.NoError(t, err)
	assert.Equal(t, services.DecisionRegenerate, decision)
	assert.Contains(t, out.String(), "unrecognised answer: maybe")
	assert.Contains(t, out.String(), "Scene expansions: scene 2")
	assert.Contains(t, out.String(), `"title": "The Shop"`)

	// 已经重新生成过的子项不再接受 g
	decision, err = r.Review(context.Background(), "scene_2", item, false)
	require.NoError(t, err)
	assert.Equal(t, services.DecisionReject, decision)
	assert.Contains(t, out.String(), "unrecognised answer: g")
}

func TestStoryLifecycle(t *testing.T) {
	c := newTestCLI(t)

	code, out, errOut := c.run(t, "", "new", "clock-heist", "A", "clockmaker", "who", "rewinds", "time")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "A clockmaker rewinds one minute.")
	assert.Contains(t, out, "created and active")

	story := c.load(t, "clock-heist")
	assert.Equal(t, "A clockmaker who rewinds time", story.StoryIdea)
	state, err := NewStateStore(filepath.Join(c.dir, "state")).Load()
	require.NoError(t, err)
	assert.Equal(t, story.ID, state.CurrentStory)

	code, out, _ = c.run(t, "n\n", "next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Rejected. Staying on stage 1.")
	assert.Equal(t, 1, c.load(t, "clock-heist").CurrentStage())

	code, out, _ = c.run(t, "y\n", "next")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Saved as stage 2.")

	code, out, _ = c.run(t, "", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "* clock-heist")
	assert.Contains(t, out, "stage 2/10")

	code, out, _ = c.run(t, "", "show")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Stage 2: Paragraph summary")
	assert.Contains(t, out, "generates stage 3 (Character summaries)")

	code, out, _ = c.run(t, "", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "openai/gpt-4o-mini")
	assert.Contains(t, out, "sk-t")
	assert.NotContains(t, out, "sk-test-0123456789")
	assert.Contains(t, out, "<- next")

	code, out, _ = c.run(t, "", "edit", "--stage", "1", "A", "new", "premise.")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Stages 2-2 were discarded.")
	story = c.load(t, "clock-heist")
	assert.Equal(t, 1, story.CurrentStage())
	content, _ := story.Stage(1)
	assert.Equal(t, "A new premise.", content.Text)

	code, _, errOut = c.run(t, "", "rollback", "5")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "InvalidTarget")

	code, out, _ = c.run(t, "y\n", "refine", "make", "it", "darker")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Refinement saved for stage 1.")
}

func TestNextReviewsFanOutStage(t *testing.T) {
	c := newTestCLI(t)
	code, _, errOut := c.run(t, "", "new", "charts", "Two rival clockmakers")
	require.Equal(t, 0, code, errOut)

	code, _, errOut = c.run(t, "", "next", "--yes")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = c.run(t, "", "next", "--yes")
	require.Equal(t, 0, code, errOut)

	code, _, errOut = c.run(t, "", "edit", "--stage", "4", "Plot.")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = c.run(t, "", "edit", "--stage", "5", `{"Ada": "Ada wants the shop."}`)
	require.Equal(t, 0, code, errOut)
	code, _, errOut = c.run(t, "", "edit", "--stage", "6", "Detailed plot.")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := c.run(t, "a\n", "next")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Character charts: Ada")
	assert.Contains(t, out, "Saved 1 of 1 items for stage 7.")

	story := c.load(t, "charts")
	charts, ok := story.Stage(services.StageCharacterCharts)
	require.True(t, ok)
	assert.Equal(t, "Ada Quill, 34, clockmaker.", charts.Items["Ada"].Text)
}

func TestNextFillsMissingFanOutItems(t *testing.T) {
	c := newTestCLI(t)
	require.Equal(t, 0, first(c.run(t, "", "new", "partial", "Two rival clockmakers")))
	require.Equal(t, 0, first(c.run(t, "", "next", "--yes")))
	require.Equal(t, 0, first(c.run(t, "", "next", "--yes")))
	for _, edit := range [][]string{
		{"--stage", "3", `{"Ada": "A clockmaker.", "Bram": "Her rival."}`},
		{"--stage", "4", "Plot."},
		{"--stage", "5", `{"Ada": "Ada wants the shop.", "Bram": "Bram wants it too."}`},
		{"--stage", "6", "Detailed plot."},
	} {
		code, _, errOut := c.run(t, "", append([]string{"edit"}, edit...)...)
		require.Equal(t, 0, code, errOut)
	}

	c.provider.failFor("Bram")
	code, out, errOut := c.run(t, "", "next", "--yes")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Bram: Other")
	assert.Contains(t, out, "Saved 1 of 2 items for stage 7.")
	assert.Contains(t, out, "storyforge fanout --stage 7 Bram")

	story := c.load(t, "partial")
	assert.Equal(t, services.StageCharacterCharts, story.CurrentStage())
	charts, _ := story.Stage(services.StageCharacterCharts)
	assert.Equal(t, []string{"Ada"}, charts.Keys())

	c.provider.failFor()
	code, out, errOut = c.run(t, "y\na\n", "next")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "missing 1 item(s): Bram")
	assert.Contains(t, out, "Saved 1 of 1 items for stage 7.")

	story = c.load(t, "partial")
	assert.Equal(t, services.StageCharacterCharts, story.CurrentStage(), "filling items does not advance")
	charts, _ = story.Stage(services.StageCharacterCharts)
	assert.Equal(t, []string{"Ada", "Bram"}, charts.Keys())
	assert.Equal(t, "Ada Quill, 34, clockmaker.", charts.Items["Bram"].Text)

	code, out, errOut = c.run(t, "", "fanout")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "has every item")

	code, out, errOut = c.run(t, "", "fanout", "--yes", "Ada")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Saved 1 of 1 items for stage 7.")

	code, _, errOut = c.run(t, "", "fanout", "--stage", "4")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "InvalidTarget")

	_, out, _ = c.run(t, "", "next")
	assert.NotContains(t, out, "missing")
	assert.Contains(t, out, "Generating stage 8 (Scene breakdown)")
}

func TestEditRejectsInvalidJSON(t *testing.T) {
	c := newTestCLI(t)
	code, _, errOut := c.run(t, "", "new", "json-check", "An idea")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = c.run(t, "", "next", "-y")
	require.Equal(t, 0, code, errOut)

	code, _, errOut = c.run(t, "", "edit", "--stage", "3", "not json at all")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "UnparseableOutput")
	assert.Equal(t, 2, c.load(t, "json-check").CurrentStage())
}

func TestCommandsRequireCurrentStory(t *testing.T) {
	c := newTestCLI(t)
	for _, args := range [][]string{{"current"}, {"next"}, {"analyze"}, {"write", "1"}} {
		code, _, errOut := c.run(t, "", args...)
		assert.Equal(t, 1, code, args)
		assert.Contains(t, errOut, "no current story", args)
	}

	code, out, _ := c.run(t, "", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No stories yet")
}

func TestSwitchAndDelete(t *testing.T) {
	c := newTestCLI(t)
	require.Equal(t, 0, first(c.run(t, "", "new", "first", "First idea")))
	require.Equal(t, 0, first(c.run(t, "", "new", "second", "Second idea")))

	code, out, _ := c.run(t, "", "switch", "first")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Switched to story 'first'")

	code, out, _ = c.run(t, "n\n", "delete", "first")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Delete cancelled.")

	code, out, _ = c.run(t, "y\n", "delete", "first")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Story 'first' deleted.")

	state, err := NewStateStore(filepath.Join(c.dir, "state")).Load()
	require.NoError(t, err)
	assert.Empty(t, state.CurrentStory)

	code, _, errOut := c.run(t, "", "switch", "first")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "NotFound")
}

func first(code int, _, _ string) int { return code }

func TestWriteStreamsAndSavesChapter(t *testing.T) {
	c := newTestCLI(t)
	store := c.store(t)

	story := models.NewStory("story-write", "write-me", "A heist")
	for k := 1; k <= 6; k++ {
		require.NoError(t, story.SetStage(k, models.Scalar("stage text")))
	}
	require.NoError(t, story.SetStage(7, models.FanOut(map[string]models.SubItem{"Ada": models.TextItem("chart")})))
	require.NoError(t, story.SetStage(8, models.Scalar(`[{"scene_number": 1, "pov_character": "Ada", "scene_description": "Ada opens the shop."}]`)))
	scene, err := models.RecordItem(models.SceneExpansion{SceneNumber: 1, Title: "Opening", POVCharacter: "Ada"})
	require.NoError(t, err)
	require.NoError(t, story.SetStage(9, models.FanOut(map[string]models.SubItem{"scene_1": scene})))
	require.NoError(t, store.Create(context.Background(), story))

	require.Equal(t, 0, first(c.run(t, "", "switch", "write-me")))

	code, out, errOut := c.run(t, "", "write", "1", "--dry-run")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "It was a dark night.")
	assert.Contains(t, out, "not saved")
	_, saved := c.load(t, "write-me").Stage(services.StageChapters)
	assert.False(t, saved)

	code, out, errOut = c.run(t, "", "write", "1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Chapter 1 saved")
	chapters, ok := c.load(t, "write-me").Stage(services.StageChapters)
	require.True(t, ok)
	assert.Equal(t, "It was a dark night.", chapters.Items["chapter_1"].Text)

	code, _, errOut = c.run(t, "", "write", "2")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "InvalidTarget")

	code, _, errOut = c.run(t, "", "improve", "all")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "NotFound")
}

func TestSetModelAndModels(t *testing.T) {
	c := newTestCLI(t)

	code, out, errOut := c.run(t, "", "set-model", "anthropic/claude-3-5-haiku-latest")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Default model set to: anthropic/claude-3-5-haiku-latest")
	assert.Contains(t, out, "export ANTHROPIC_API_KEY=")

	code, _, errOut = c.run(t, "", "set-model", "--stage", "9", "openai/gpt-4o")
	require.Equal(t, 0, code, errOut)

	code, _, errOut = c.run(t, "", "set-model", "--stage", "42", "openai/gpt-4o")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "InvalidTarget")

	code, out, errOut = c.run(t, "", "models", "--all")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "anthropic/claude-3-5-haiku-latest")
	assert.Contains(t, out, "stage 9 (Scene expansions):")
	assert.Contains(t, out, "openai/gpt-4o")
	assert.Contains(t, out, "sk-t")
	assert.NotContains(t, out, "sk-test-0123456789")

	code, out, errOut = c.run(t, "", "set-key", "anthropic", "sk-ant-abcdefghijkl")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "sk-a")
	assert.NotContains(t, out, "sk-ant-abcdefghijkl")

	code, _, errOut = c.run(t, "", "set-key", "nope", "k")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Validation")
}
