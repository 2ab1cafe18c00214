// internal/services/story_service.go
package services

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/google/uuid"
)

const (
	maxSlugLength  = 48
	slugIdeaWords  = 6
	storyCacheSize = 64
)

// StoryService 管理故事记录，所有写操作经过故事锁
type StoryService struct {
	store  storage.StoryStore
	cache  *storage.StoryCache
	locks  *LockManager
	logger *utils.Logger
}

// NewStoryService 创建故事服务
func NewStoryService(store storage.StoryStore, locks *LockManager) *StoryService {
	if locks == nil {
		locks = NewLockManager()
	}
	return &StoryService{
		store:  store,
		cache:  storage.NewStoryCache(storyCacheSize, 5*time.Minute),
		locks:  locks,
		logger: utils.GetLogger(),
	}
}

// Locks 返回故事锁管理器
func (s *StoryService) Locks() *LockManager {
	return s.locks
}

// Prepare 校验创意并分配 ID 和 slug，不写入存储
func (s *StoryService) Prepare(ctx context.Context, slug, idea string) (*models.Story, error) {
	idea = strings.TrimSpace(idea)
	if idea == "" {
		return nil, apperrors.NewValidationError("故事创意不能为空", nil)
	}

	explicit := strings.TrimSpace(slug) != ""
	if explicit {
		slug = utils.Slugify(slug)
		if slug == "" {
			return nil, apperrors.NewValidationError("slug 只能包含字母、数字、- 和 _", nil)
		}
	} else {
		slug = slugFromIdea(idea)
	}
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}

	id := uuid.NewString()
	if _, err := s.store.GetBySlug(ctx, slug); err == nil {
		if explicit {
			return nil, apperrors.NewConflictError("slug 已被使用: "+slug, nil)
		}
		slug = slug + "-" + id[:8]
	} else if !apperrors.IsNotFoundError(err) {
		return nil, err
	}

	return models.NewStory(id, slug, idea), nil
}

// slugFromIdea 取创意的前几个词生成 slug
func slugFromIdea(idea string) string {
	words := strings.Fields(idea)
	if len(words) > slugIdeaWords {
		words = words[:slugIdeaWords]
	}
	slug := utils.Slugify(strings.Join(words, " "))
	if slug == "" {
		slug = "story"
	}
	return slug
}

// Create 保存新故事
func (s *StoryService) Create(ctx context.Context, story *models.Story) error {
	if err := s.store.Create(ctx, story); err != nil {
		return err
	}
	s.cache.Put(story)
	s.logger.Info("story created", map[string]interface{}{
		"story_id": story.ID,
		"slug":     story.Slug,
		"stage":    story.CurrentStage(),
	})
	return nil
}

// Get 按 UUID 或 slug 读取故事，返回副本
func (s *StoryService) Get(ctx context.Context, idOrSlug string) (*models.Story, error) {
	idOrSlug = strings.TrimSpace(idOrSlug)
	if idOrSlug == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}
	if _, err := uuid.Parse(idOrSlug); err != nil {
		return s.store.GetBySlug(ctx, idOrSlug)
	}

	if cached, ok := s.cache.Get(idOrSlug); ok {
		return cached, nil
	}
	story, err := s.store.Get(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	s.cache.Put(story)
	return story, nil
}

// List 列出故事摘要，最近更新的在前
func (s *StoryService) List(ctx context.Context) ([]models.StorySummary, error) {
	return s.store.List(ctx)
}

// Delete 删除故事及其分析结果
func (s *StoryService) Delete(ctx context.Context, idOrSlug string) error {
	story, err := s.Get(ctx, idOrSlug)
	if err != nil {
		return err
	}
	return s.locks.ExecuteWithStoryLock(story.ID, func() error {
		if err := s.store.Delete(ctx, story.ID); err != nil {
			return err
		}
		s.cache.Delete(story.ID)
		s.logger.Info("story deleted", map[string]interface{}{"story_id": story.ID})
		return nil
	})
}

// Update 在故事锁内重新读取故事并执行 fn，fn 返回 true 时保存
func (s *StoryService) Update(ctx context.Context, idOrSlug string, fn func(story *models.Story) (bool, error)) (*models.Story, error) {
	resolved, err := s.Get(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}

	var updated *models.Story
	err = s.locks.ExecuteWithStoryLock(resolved.ID, func() error {
		story, err := s.store.Get(ctx, resolved.ID)
		if err != nil {
			return err
		}
		changed, err := fn(story)
		if err != nil {
			return err
		}
		if changed {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.store.Save(ctx, story); err != nil {
				return err
			}
		}
		s.cache.Put(story)
		updated = story
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// SetWritingStyle 设置章节写作风格
func (s *StoryService) SetWritingStyle(ctx context.Context, idOrSlug, style string) (*models.Story, error) {
	return s.Update(ctx, idOrSlug, func(story *models.Story) (bool, error) {
		style = strings.TrimSpace(style)
		if story.WritingStyle == style {
			return false, nil
		}
		story.WritingStyle = style
		story.UpdatedAt = time.Now().UTC()
		return true, nil
	})
}

// SaveAnalysis 保存分析报告，覆盖之前的报告
func (s *StoryService) SaveAnalysis(ctx context.Context, storyID string, report *models.AnalysisReport) error {
	return s.store.SaveAnalysis(ctx, storyID, report)
}

// LoadAnalysis 读取最近一次分析报告
func (s *StoryService) LoadAnalysis(ctx context.Context, idOrSlug string) (*models.AnalysisReport, error) {
	story, err := s.Get(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	return s.store.LoadAnalysis(ctx, story.ID)
}
