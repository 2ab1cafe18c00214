// internal/models/story.go
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ContentKind 阶段内容的类型标签
type ContentKind string

const (
	// ContentScalar 单次生成的文本
	ContentScalar ContentKind = "scalar"
	// ContentFanOut 按子项独立生成的集合
	ContentFanOut ContentKind = "fanout"
)

// SubItem 扇出阶段的一个子项，文本或结构化记录二选一
type SubItem struct {
	Text   string          `json:"text,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// TextItem 创建文本子项
func TextItem(text string) SubItem {
	return SubItem{Text: text}
}

// RecordItem 将结构化记录序列化为子项
func RecordItem(v interface{}) (SubItem, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return SubItem{}, fmt.Errorf("marshal sub-item: %w", err)
	}
	return SubItem{Record: data}, nil
}

// IsEmpty 子项是否没有内容
func (s SubItem) IsEmpty() bool {
	return s.Text == "" && len(s.Record) == 0
}

// Decode 将结构化记录解码到 v
func (s SubItem) Decode(v interface{}) error {
	if len(s.Record) == 0 {
		return fmt.Errorf("sub-item has no structured record")
	}
	return json.Unmarshal(s.Record, v)
}

// StageContent 阶段内容：Scalar(text) | FanOut(items)
type StageContent struct {
	Kind  ContentKind        `json:"kind"`
	Text  string             `json:"text,omitempty"`
	Items map[string]SubItem `json:"items,omitempty"`
}

// Scalar 创建单值内容
func Scalar(text string) StageContent {
	return StageContent{Kind: ContentScalar, Text: text}
}

// FanOut 创建集合内容，复制传入的映射
func FanOut(items map[string]SubItem) StageContent {
	cp := make(map[string]SubItem, len(items))
	for k, v := range items {
		cp[k] = v
	}
	return StageContent{Kind: ContentFanOut, Items: cp}
}

// IsEmpty 内容是否为空
func (c StageContent) IsEmpty() bool {
	switch c.Kind {
	case ContentScalar:
		return c.Text == ""
	case ContentFanOut:
		return len(c.Items) == 0
	default:
		return true
	}
}

// Keys 按字典序返回子项键
func (c StageContent) Keys() []string {
	keys := make([]string, 0, len(c.Items))
	for k := range c.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 深拷贝内容
func (c StageContent) Clone() StageContent {
	if c.Kind == ContentFanOut {
		return FanOut(c.Items)
	}
	return c
}

// Story 故事聚合根
type Story struct {
	ID           string               `json:"id"`
	Slug         string               `json:"slug"`
	StoryIdea    string               `json:"story_idea"`
	Stages       map[int]StageContent `json:"stages"`
	WritingStyle string               `json:"writing_style,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// StorySummary 列表展示用的摘要
type StorySummary struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	StoryIdea    string    `json:"story_idea"`
	CurrentStage int       `json:"current_stage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewStory 创建空故事
func NewStory(id, slug, idea string) *Story {
	now := time.Now().UTC()
	return &Story{
		ID:        id,
		Slug:      slug,
		StoryIdea: idea,
		Stages:    make(map[int]StageContent),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentStage 返回连续完成的最高阶段，没有内容时为 0
func (s *Story) CurrentStage() int {
	k := 0
	for {
		c, ok := s.Stages[k+1]
		if !ok || c.IsEmpty() {
			return k
		}
		k++
	}
}

// FirstGap 返回连续前缀之后仍有内容的阶段，0 表示没有空洞
func (s *Story) FirstGap() int {
	current := s.CurrentStage()
	gap := 0
	for k, c := range s.Stages {
		if k > current+1 && !c.IsEmpty() && (gap == 0 || k < gap) {
			gap = k
		}
	}
	return gap
}

// Stage 获取阶段内容
func (s *Story) Stage(k int) (StageContent, bool) {
	c, ok := s.Stages[k]
	if !ok || c.IsEmpty() {
		return StageContent{}, false
	}
	return c, true
}

// SetStage 写入阶段 k 并丢弃 k 之后的所有阶段
func (s *Story) SetStage(k int, content StageContent) error {
	current := s.CurrentStage()
	if k < 1 || k > current+1 {
		return fmt.Errorf("stage %d out of range (current %d)", k, current)
	}
	if content.IsEmpty() {
		return fmt.Errorf("stage %d content is empty", k)
	}
	if s.Stages == nil {
		s.Stages = make(map[int]StageContent)
	}
	s.Stages[k] = content.Clone()
	s.truncateAfter(k)
	s.touch()
	return nil
}

// MergeItems 将子项合并进扇出阶段 k，整张映射原子替换，不影响后续阶段
func (s *Story) MergeItems(k int, items map[string]SubItem) error {
	current := s.CurrentStage()
	if k < 1 || k > current+1 {
		return fmt.Errorf("stage %d out of range (current %d)", k, current)
	}
	merged := make(map[string]SubItem)
	if existing, ok := s.Stages[k]; ok {
		if existing.Kind != ContentFanOut && !existing.IsEmpty() {
			return fmt.Errorf("stage %d is not a fan-out stage", k)
		}
		for key, v := range existing.Items {
			merged[key] = v
		}
	}
	for key, v := range items {
		if v.IsEmpty() {
			continue
		}
		merged[key] = v
	}
	if len(merged) == 0 {
		return nil
	}
	if s.Stages == nil {
		s.Stages = make(map[int]StageContent)
	}
	s.Stages[k] = StageContent{Kind: ContentFanOut, Items: merged}
	s.touch()
	return nil
}

// Truncate 丢弃 target 之后的所有阶段
func (s *Story) Truncate(target int) {
	s.truncateAfter(target)
	s.touch()
}

func (s *Story) truncateAfter(k int) {
	for idx := range s.Stages {
		if idx > k {
			delete(s.Stages, idx)
		}
	}
}

func (s *Story) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Summary 生成摘要
func (s *Story) Summary() StorySummary {
	return StorySummary{
		ID:           s.ID,
		Slug:         s.Slug,
		StoryIdea:    s.StoryIdea,
		CurrentStage: s.CurrentStage(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Clone 深拷贝故事，服务层在锁外工作时使用快照
func (s *Story) Clone() *Story {
	cp := *s
	cp.Stages = make(map[int]StageContent, len(s.Stages))
	for k, v := range s.Stages {
		cp.Stages[k] = v.Clone()
	}
	return &cp
}
