// internal/storage/store.go
package storage

import (
	"context"

	"github.com/Corphon/StoryForge/internal/models"
)

// StoryStore 故事持久化接口，Save 在返回前完成落盘
type StoryStore interface {
	Create(ctx context.Context, story *models.Story) error
	Get(ctx context.Context, id string) (*models.Story, error)
	GetBySlug(ctx context.Context, slug string) (*models.Story, error)
	Save(ctx context.Context, story *models.Story) error
	List(ctx context.Context) ([]models.StorySummary, error)
	Delete(ctx context.Context, id string) error

	SaveAnalysis(ctx context.Context, storyID string, report *models.AnalysisReport) error
	LoadAnalysis(ctx context.Context, storyID string) (*models.AnalysisReport, error)

	Close() error
}
