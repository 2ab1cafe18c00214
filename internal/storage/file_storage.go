// internal/storage/file_storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
)

const (
	storiesDir   = "stories"
	storyFile    = "story.json"
	analysisFile = "analysis.json"
)

// FileStorage 每个故事一个目录的文件存储
type FileStorage struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map

	cache *StoryCache
}

// NewFileStorage 创建文件存储服务
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, storiesDir), 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	return &FileStorage{
		BaseDir: baseDir,
		cache:   NewStoryCache(200, 5*time.Minute),
	}, nil
}

// 获取文件锁
func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (fs *FileStorage) storyDir(id string) string {
	return filepath.Join(fs.BaseDir, storiesDir, id)
}

// saveJSON 原子写入：先写临时文件，同步后再重命名
func (fs *FileStorage) saveJSON(fullPath string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("failed to clean up temporary file", map[string]interface{}{
				"path":  tempPath,
				"error": removeErr.Error(),
			})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

func (fs *FileStorage) loadJSON(fullPath string, v interface{}) error {
	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// Create 保存新故事，ID 或 slug 重复时返回冲突
func (fs *FileStorage) Create(ctx context.Context, story *models.Story) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(fs.storyDir(story.ID)); err == nil {
		return apperrors.NewConflictError(fmt.Sprintf("故事已存在: %s", story.ID), nil)
	}
	if existing, err := fs.GetBySlug(ctx, story.Slug); err == nil && existing != nil {
		return apperrors.NewConflictError(fmt.Sprintf("slug 已被使用: %s", story.Slug), nil)
	}
	return fs.Save(ctx, story)
}

// Get 按 ID 读取故事，返回副本
func (fs *FileStorage) Get(ctx context.Context, id string) (*models.Story, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", id), nil)
	}
	if story, ok := fs.cache.Get(id); ok {
		return story, nil
	}

	var story models.Story
	if err := fs.loadJSON(filepath.Join(fs.storyDir(id), storyFile), &story); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", id), nil)
		}
		return nil, apperrors.NewProcessingError("读取故事失败", err)
	}
	if story.Stages == nil {
		story.Stages = make(map[int]models.StageContent)
	}
	fs.cache.Put(&story)
	return story.Clone(), nil
}

// GetBySlug 按 slug 查找故事
func (fs *FileStorage) GetBySlug(ctx context.Context, slug string) (*models.Story, error) {
	ids, err := fs.listIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		story, err := fs.Get(ctx, id)
		if err != nil {
			continue
		}
		if story.Slug == slug {
			return story, nil
		}
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", slug), nil)
}

// Save 持久化整个故事
func (fs *FileStorage) Save(ctx context.Context, story *models.Story) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validID(story.ID) {
		return apperrors.NewValidationError("故事ID无效", nil)
	}
	if err := fs.saveJSON(filepath.Join(fs.storyDir(story.ID), storyFile), story); err != nil {
		fs.cache.Delete(story.ID)
		return apperrors.NewProcessingError("保存故事失败", err)
	}
	fs.cache.Put(story)
	return nil
}

// List 按更新时间倒序列出故事摘要
func (fs *FileStorage) List(ctx context.Context) ([]models.StorySummary, error) {
	ids, err := fs.listIDs()
	if err != nil {
		return nil, err
	}

	summaries := make([]models.StorySummary, 0, len(ids))
	for _, id := range ids {
		story, err := fs.Get(ctx, id)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				continue
			}
			utils.GetLogger().Warn("skipping unreadable story", map[string]interface{}{
				"story_id": id,
				"error":    err.Error(),
			})
			continue
		}
		summaries = append(summaries, story.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete 删除故事目录及其分析报告
func (fs *FileStorage) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validID(id) {
		return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", id), nil)
	}
	dir := fs.storyDir(id)

	lock := fs.getFileLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", id), nil)
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.NewProcessingError("删除故事失败", err)
	}
	fs.cache.Delete(id)
	return nil
}

// SaveAnalysis 保存最近一次分析报告
func (fs *FileStorage) SaveAnalysis(ctx context.Context, storyID string, report *models.AnalysisReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := fs.Get(ctx, storyID); err != nil {
		return err
	}
	if err := fs.saveJSON(filepath.Join(fs.storyDir(storyID), analysisFile), report); err != nil {
		return apperrors.NewProcessingError("保存分析报告失败", err)
	}
	return nil
}

// LoadAnalysis 读取分析报告
func (fs *FileStorage) LoadAnalysis(ctx context.Context, storyID string) (*models.AnalysisReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(storyID) {
		return nil, apperrors.NewNotFoundError("分析报告不存在", nil)
	}
	var report models.AnalysisReport
	if err := fs.loadJSON(filepath.Join(fs.storyDir(storyID), analysisFile), &report); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFoundError("分析报告不存在", nil)
		}
		return nil, apperrors.NewProcessingError("读取分析报告失败", err)
	}
	return &report, nil
}

// Close 文件存储没有需要释放的资源
func (fs *FileStorage) Close() error {
	fs.cache.Clear()
	return nil
}

// listIDs 列出 stories 目录下的所有子目录
func (fs *FileStorage) listIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, storiesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// validID 拒绝可能逃逸存储目录的 ID
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

var _ StoryStore = (*FileStorage)(nil)
