// internal/storage/sqlite/store.go
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const timeFormat = time.RFC3339Nano

// Store 基于 SQLite 的故事存储
type Store struct {
	sqlDB *sql.DB
}

// Open 打开 path 处的数据库并执行迁移
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写连接，避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Create 插入新故事
func (s *Store) Create(ctx context.Context, story *models.Story) error {
	stages, err := json.Marshal(story.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO stories (id, slug, story_idea, writing_style, stages, current_stage, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.Slug, story.StoryIdea, story.WritingStyle, string(stages), story.CurrentStage(),
		story.CreatedAt.UTC().Format(timeFormat), story.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(fmt.Sprintf("故事已存在: %s", story.Slug), err)
		}
		return apperrors.NewProcessingError("保存故事失败", err)
	}
	return nil
}

const selectStory = `SELECT id, slug, story_idea, writing_style, stages, created_at, updated_at FROM stories`

// Get 按 ID 读取故事
func (s *Store) Get(ctx context.Context, id string) (*models.Story, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectStory+` WHERE id = ?`, id)
	return scanStory(row, id)
}

// GetBySlug 按 slug 读取故事
func (s *Store) GetBySlug(ctx context.Context, slug string) (*models.Story, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectStory+` WHERE slug = ?`, slug)
	return scanStory(row, slug)
}

// Save 整体更新故事，故事必须已存在
func (s *Store) Save(ctx context.Context, story *models.Story) error {
	stages, err := json.Marshal(story.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE stories
SET slug = ?, story_idea = ?, writing_style = ?, stages = ?, current_stage = ?, updated_at = ?
WHERE id = ?`,
		story.Slug, story.StoryIdea, story.WritingStyle, string(stages), story.CurrentStage(),
		story.UpdatedAt.UTC().Format(timeFormat), story.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(fmt.Sprintf("slug 已被使用: %s", story.Slug), err)
		}
		return apperrors.NewProcessingError("保存故事失败", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewProcessingError("保存故事失败", err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", story.ID), nil)
	}
	return nil
}

// List 按更新时间倒序列出摘要
func (s *Store) List(ctx context.Context) ([]models.StorySummary, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, slug, story_idea, current_stage, created_at, updated_at
FROM stories
ORDER BY updated_at DESC`)
	if err != nil {
		return nil, apperrors.NewProcessingError("查询故事失败", err)
	}
	defer rows.Close()

	var summaries []models.StorySummary
	for rows.Next() {
		var (
			sum                  models.StorySummary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Slug, &sum.StoryIdea, &sum.CurrentStage, &createdAt, &updatedAt); err != nil {
			return nil, apperrors.NewProcessingError("读取故事失败", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewProcessingError("读取故事失败", err)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete 删除故事，分析报告级联删除
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return apperrors.NewProcessingError("删除故事失败", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", id), nil)
	}
	return nil
}

// SaveAnalysis 覆盖保存分析报告
func (s *Store) SaveAnalysis(ctx context.Context, storyID string, report *models.AnalysisReport) error {
	var exists int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM stories WHERE id = ?`, storyID).Scan(&exists); err != nil {
		return apperrors.NewProcessingError("查询故事失败", err)
	}
	if exists == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), nil)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	analyzedAt := report.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now().UTC()
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO analyses (story_id, report, analyzed_at) VALUES (?, ?, ?)
ON CONFLICT (story_id) DO UPDATE SET report = excluded.report, analyzed_at = excluded.analyzed_at`,
		storyID, string(data), analyzedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		var sqliteErr *msqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
			return apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", storyID), err)
		}
		return apperrors.NewProcessingError("保存分析报告失败", err)
	}
	return nil
}

// LoadAnalysis 读取分析报告
func (s *Store) LoadAnalysis(ctx context.Context, storyID string) (*models.AnalysisReport, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT report FROM analyses WHERE story_id = ?`, storyID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("分析报告不存在", nil)
	}
	if err != nil {
		return nil, apperrors.NewProcessingError("读取分析报告失败", err)
	}
	var report models.AnalysisReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, apperrors.NewProcessingError("解析分析报告失败", err)
	}
	return &report, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStory(row rowScanner, ref string) (*models.Story, error) {
	var (
		story                models.Story
		stages               string
		createdAt, updatedAt string
	)
	err := row.Scan(&story.ID, &story.Slug, &story.StoryIdea, &story.WritingStyle, &stages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("故事不存在: %s", ref), nil)
	}
	if err != nil {
		return nil, apperrors.NewProcessingError("读取故事失败", err)
	}
	story.Stages = make(map[int]models.StageContent)
	if err := json.Unmarshal([]byte(stages), &story.Stages); err != nil {
		return nil, apperrors.NewProcessingError("解析故事阶段失败", err)
	}
	story.CreatedAt = parseTime(createdAt)
	story.UpdatedAt = parseTime(updatedAt)
	return &story, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// applyMigrations 依次执行未应用过的迁移文件的 Up 部分
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var count int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUpMigration 取出 "-- +migrate Up" 与 "-- +migrate Down" 之间的语句
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	downIdx := strings.Index(content, "-- +migrate Down")
	if upIdx == -1 {
		return content
	}
	start := upIdx + len("-- +migrate Up")
	if downIdx == -1 || downIdx < start {
		return strings.TrimSpace(content[start:])
	}
	return strings.TrimSpace(content[start:downIdx])
}

var _ storage.StoryStore = (*Store)(nil)
