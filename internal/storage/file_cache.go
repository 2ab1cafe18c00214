// internal/storage/file_cache.go
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/models"
)

// StoryCache 故事的内存缓存，保存和读取都使用副本
type StoryCache struct {
	cache      map[string]*storyCacheEntry
	mutex      sync.RWMutex
	maxSize    int           // 最大缓存条目数
	expiration time.Duration // 缓存过期时间
}

type storyCacheEntry struct {
	story     *models.Story
	CreatedAt time.Time
	LastRead  time.Time
}

// NewStoryCache 创建故事缓存
func NewStoryCache(maxSize int, expiration time.Duration) *StoryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if expiration <= 0 {
		expiration = 5 * time.Minute
	}
	return &StoryCache{
		cache:      make(map[string]*storyCacheEntry),
		maxSize:    maxSize,
		expiration: expiration,
	}
}

// Get 读取未过期的缓存
func (s *StoryCache) Get(id string) (*models.Story, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.cache[id]
	if !exists {
		return nil, false
	}
	if time.Since(entry.CreatedAt) > s.expiration {
		delete(s.cache, id)
		return nil, false
	}
	entry.LastRead = time.Now()
	return entry.story.Clone(), true
}

// Put 写入缓存，超出容量时清理最少使用的条目
func (s *StoryCache) Put(story *models.Story) {
	now := time.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cache[story.ID] = &storyCacheEntry{
		story:     story.Clone(),
		CreatedAt: now,
		LastRead:  now,
	}
	if len(s.cache) > s.maxSize {
		s.cleanupLRU(max(1, s.maxSize/5))
	}
}

// Delete 从缓存中删除条目
func (s *StoryCache) Delete(id string) {
	s.mutex.Lock()
	delete(s.cache, id)
	s.mutex.Unlock()
}

// Clear 清空缓存
func (s *StoryCache) Clear() {
	s.mutex.Lock()
	s.cache = make(map[string]*storyCacheEntry)
	s.mutex.Unlock()
}

// Len 当前条目数
func (s *StoryCache) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.cache)
}

// 清理最少使用的条目
func (s *StoryCache) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.cache))
	for k, v := range s.cache {
		entries = append(entries, keyAge{k, v.LastRead})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(s.cache, entries[i].key)
	}
}
