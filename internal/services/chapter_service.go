// internal/services/chapter_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
)

const styleSampleLimit = 2000

// ChapterService 生成第十阶段的章节正文
type ChapterService struct {
	stories  *StoryService
	registry *StageRegistry
	client   *GenerationClient
	logger   *utils.Logger
}

// NewChapterService 创建章节服务
func NewChapterService(stories *StoryService, registry *StageRegistry, client *GenerationClient) *ChapterService {
	return &ChapterService{
		stories:  stories,
		registry: registry,
		client:   client,
		logger:   utils.GetLogger(),
	}
}

// buildChapterRequest 构建章节请求，包含场景扩写、写作风格和上一章的样例
func buildChapterRequest(story *models.Story, registry *StageRegistry, chapter int, instructions string) (GenerationRequest, error) {
	expansions, ok := story.Stage(StageSceneExpansions)
	if !ok {
		return GenerationRequest{}, apperrors.NewNotReadyError("章节需要先完成场景扩写").WithStage(StageChapters)
	}
	item, ok := expansions.Items[models.SceneKey(chapter)]
	if !ok {
		return GenerationRequest{}, apperrors.NewInvalidTargetError(fmt.Sprintf("场景 %d 没有扩写，无法写第 %d 章", chapter, chapter)).
			WithStage(StageChapters).WithKey(models.ChapterKey(chapter))
	}

	var detail strings.Builder
	scene := string(item.Record)
	if len(item.Record) > 0 {
		var exp models.SceneExpansion
		if err := item.Decode(&exp); err == nil {
			if pretty, err := json.MarshalIndent(exp, "", "  "); err == nil {
				scene = string(pretty)
			}
		}
	} else {
		scene = item.Text
	}
	fmt.Fprintf(&detail, "Write chapter %d from this scene expansion:\n%s", chapter, scene)

	if story.WritingStyle != "" {
		fmt.Fprintf(&detail, "\n\nWriting style: %s", story.WritingStyle)
	}
	if chapters, ok := story.Stage(StageChapters); ok {
		if prev, ok := chapters.Items[models.ChapterKey(chapter-1)]; ok && prev.Text != "" {
			fmt.Fprintf(&detail, "\n\nMatch the voice of the previous chapter:\n%s", truncate(prev.Text, styleSampleLimit))
		}
	}

	return GenerationRequest{
		Stage:        StageChapters,
		Context:      BuildContext(story, registry, StageSceneExpansions),
		Detail:       detail.String(),
		Instructions: instructions,
		Expect:       ExpectText,
	}, nil
}

// Stream 流式生成章节，调用方拼接完整文本后通过扇出接受保存
func (s *ChapterService) Stream(ctx context.Context, storyID string, chapter int) (<-chan StreamChunk, error) {
	story, err := s.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	req, err := buildChapterRequest(story, s.registry, chapter, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("chapter stream started", map[string]interface{}{
		"story_id": story.ID,
		"stage":    StageChapters,
		"key":      models.ChapterKey(chapter),
	})
	return s.client.Stream(ctx, req)
}

// Generate 非流式生成章节
func (s *ChapterService) Generate(ctx context.Context, storyID string, chapter int) (string, error) {
	story, err := s.stories.Get(ctx, storyID)
	if err != nil {
		return "", err
	}
	req, err := buildChapterRequest(story, s.registry, chapter, "")
	if err != nil {
		return "", err
	}

	started := time.Now()
	result, err := s.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	s.logger.Info("chapter generated", map[string]interface{}{
		"story_id": story.ID,
		"key":      models.ChapterKey(chapter),
		"duration": time.Since(started).String(),
	})
	return result.Text, nil
}

// Collect 读取流直到结束，返回完整文本
func Collect(ctx context.Context, chunks <-chan StreamChunk, onChunk func(string)) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return b.String(), nil
			}
			if chunk.Err != nil {
				return b.String(), chunk.Err
			}
			if chunk.Text != "" {
				b.WriteString(chunk.Text)
				if onChunk != nil {
					onChunk(chunk.Text)
				}
			}
			if chunk.Done {
				return b.String(), nil
			}
		}
	}
}
