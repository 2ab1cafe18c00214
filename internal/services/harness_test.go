// internal/services/harness_test.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/stretchr/testify/require"
)

// responder 根据请求返回脚本化的输出
type responder func(req llm.CompletionRequest) (string, error)

// scriptedProvider 记录请求并按脚本响应的假提供者
type scriptedProvider struct {
	mu        sync.Mutex
	respond   responder
	chunks    []string
	streamErr error
	calls     []llm.CompletionRequest
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "Scripted" }
func (p *scriptedProvider) GetSupportedModels() []string       { return []string{"scripted"} }

func (p *scriptedProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	respond := p.respond
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text, ModelName: req.Model}, nil
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	chunks := append([]string(nil), p.chunks...)
	streamErr := p.streamErr
	p.mu.Unlock()

	ch := make(chan llm.StreamResponse)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- llm.StreamResponse{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			// 错误之后仍有残余输出
			for _, msg := range []llm.StreamResponse{{Err: streamErr}, {Text: "late"}} {
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				}
			}
			return
		}
		select {
		case ch <- llm.StreamResponse{Done: true, FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) setResponder(r responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = r
}

func (p *scriptedProvider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.calls...)
}

func (p *scriptedProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// harness 一组连接到假提供者和临时存储的服务
type harness struct {
	provider *scriptedProvider
	registry *StageRegistry
	stories  *StoryService
	client   *GenerationClient
	workflow *WorkflowEngine
	fanout   *FanOutCoordinator
	analysis *AnalysisEngine
	improver *ImprovementCoordinator
	chapters *ChapterService
	tracker  *TaskTracker
	tasks    *StoryTasks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")

	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	locks := NewLockManager()
	t.Cleanup(func() {
		locks.Stop()
		_ = store.Close()
	})

	registry := MustStageRegistry()
	provider := &scriptedProvider{}
	provider.respond = defaultResponder(registry)

	client := NewGenerationClient(registry,
		WithProviderFactory(func(string, map[string]string) (llm.Provider, error) { return provider, nil }),
		WithRetryConfig(llm.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 2 * time.Millisecond}),
	)
	stories := NewStoryService(store, locks)

	h := &harness{
		provider: provider,
		registry: registry,
		stories:  stories,
		client:   client,
		workflow: NewWorkflowEngine(stories, registry, client),
		fanout:   NewFanOutCoordinator(stories, registry, client, 3),
		analysis: NewAnalysisEngine(stories, registry, client),
		improver: NewImprovementCoordinator(stories, registry, client, 2),
		chapters: NewChapterService(stories, registry, client),
		tracker:  NewTaskTracker(nil),
	}
	h.tasks = NewStoryTasks(h.tracker, stories, h.workflow, h.fanout, h.analysis, h.improver, time.Minute)
	return h
}

// stageOf 从系统提示中识别阶段
func stageOf(registry *StageRegistry, req llm.CompletionRequest) int {
	for _, def := range registry.All() {
		if strings.Contains(req.SystemPrompt, "("+def.Name+")") {
			return def.Index
		}
	}
	return 0
}

// sceneFromPrompt 从请求中识别场景编号
func sceneFromPrompt(req llm.CompletionRequest) int {
	for _, marker := range []string{"Expand scene ", "Current expansion of scene "} {
		if i := strings.Index(req.Prompt, marker); i >= 0 {
			var n int
			fmt.Sscanf(req.Prompt[i+len(marker):], "%d", &n)
			return n
		}
	}
	return 0
}

const analysisMarker = "developmental editor"

func defaultResponder(registry *StageRegistry) responder {
	return func(req llm.CompletionRequest) (string, error) {
		if strings.Contains(req.SystemPrompt, analysisMarker) {
			return sampleAnalysisJSON, nil
		}
		switch stage := stageOf(registry, req); stage {
		case StageCharacters, 5:
			return "```json\n{\"Ada\": \"A clockmaker.\", \"Bram\": \"Her rival.\",}\n```", nil
		case StageSceneBreakdown:
			return sampleOutlinesJSON, nil
		case StageSceneExpansions:
			n := sceneFromPrompt(req)
			return fmt.Sprintf(`{"scene_number": %d, "title": "Generated %d", "pov_character": "Ada", "scene_goal": "goal %d", "key_beats": ["a", "b"]}`, n, n, n), nil
		case 0:
			return "", fmt.Errorf("unexpected request")
		default:
			return fmt.Sprintf("generated stage %d", stage), nil
		}
	}
}

const sampleOutlinesJSON = `[
  {"scene_number": 1, "pov_character": "Ada", "scene_description": "Ada repairs the tower clock during the storm", "estimated_pages": 5},
  {"scene_number": 2, "pov_character": "Bram", "scene_description": "Bram sabotages the guild archive at midnight", "estimated_pages": 4},
  {"scene_number": 3, "pov_character": "Ada", "scene_description": "Ada confronts Bram at the harbor", "estimated_pages": 6}
]`

const sampleAnalysisJSON = `{
  "recommendations": {
    "high_priority": ["Scene 2 needs a clearer stake", "Ada's motivation is thin"],
    "medium_priority": ["The tower clock storm imagery should recur"],
    "low_priority": ["Tighten dialogue"]
  },
  "overall_assessment": {"readiness_score": 0.6}
}`

func expansion(n int, pov, title string) models.SubItem {
	item, _ := models.RecordItem(models.SceneExpansion{
		SceneNumber:  n,
		Title:        title,
		POVCharacter: pov,
		SceneGoal:    fmt.Sprintf("original goal %d", n),
	})
	return item
}

// seedStory 直接写入完成到 upTo 阶段的故事
func (h *harness) seedStory(t *testing.T, slug string, upTo int) *models.Story {
	t.Helper()
	story, err := h.stories.Prepare(context.Background(), slug, "a clockmaker who can rewind one minute")
	require.NoError(t, err)

	contents := map[int]models.StageContent{
		1: models.Scalar("A clockmaker rewinds time to save her brother."),
		2: models.Scalar("Paragraph summary."),
		3: models.Scalar(`{"Ada": "A clockmaker.", "Bram": "Her rival."}`),
		4: models.Scalar("Plot summary."),
		5: models.Scalar(`{"Ada": "Ada's synopsis.", "Bram": "Bram's synopsis."}`),
		6: models.Scalar("Detailed synopsis."),
		7: models.FanOut(map[string]models.SubItem{
			"Ada":  models.TextItem("Ada's chart"),
			"Bram": models.TextItem("Bram's chart"),
		}),
		8: models.Scalar(sampleOutlinesJSON),
		9: models.FanOut(map[string]models.SubItem{
			"scene_1": expansion(1, "Ada", "The Storm"),
			"scene_2": expansion(2, "Bram", "Scene 2"),
			"scene_3": expansion(3, "Ada", "Harbor"),
		}),
		10: models.FanOut(map[string]models.SubItem{
			"chapter_1": models.TextItem("Chapter one prose."),
		}),
	}
	for k := 1; k <= upTo; k++ {
		require.NoError(t, story.SetStage(k, contents[k]))
	}
	require.NoError(t, h.stories.Create(context.Background(), story))
	return story
}

func (h *harness) load(t *testing.T, id string) *models.Story {
	t.Helper()
	story, err := h.stories.Get(context.Background(), id)
	require.NoError(t, err)
	return story
}

func decodeExpansion(t *testing.T, item models.SubItem) models.SceneExpansion {
	t.Helper()
	var exp models.SceneExpansion
	require.NoError(t, json.Unmarshal(item.Record, &exp))
	return exp
}
