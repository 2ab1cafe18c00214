// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按故事串行化写操作
type LockManager struct {
	storyLocks    map[string]*LockInfo
	globalLock    sync.Mutex
	lockTTL       time.Duration
	maxLocks      int
	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.Mutex
	LastUsed time.Time
	refs     int // 正在持有或等待的调用数，大于 0 时不会被清理
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		storyLocks: make(map[string]*LockInfo),
		lockTTL:    30 * time.Minute,
		maxLocks:   200,
		stop:       make(chan struct{}),
	}

	lm.startCleanup()
	return lm
}

func (lm *LockManager) acquire(storyID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.storyLocks[storyID]
	if !exists {
		info = &LockInfo{Mutex: &sync.Mutex{}}
		lm.storyLocks[storyID] = info
	}
	info.refs++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.globalLock.Lock()
	info.refs--
	info.LastUsed = time.Now()
	lm.globalLock.Unlock()
}

// ExecuteWithStoryLock 在故事锁保护下执行操作
func (lm *LockManager) ExecuteWithStoryLock(storyID string, fn func() error) error {
	info := lm.acquire(storyID)
	defer lm.release(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// Size 当前持有的锁数量
func (lm *LockManager) Size() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.storyLocks)
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() {
		close(lm.stop)
		lm.cleanupTicker.Stop()
	})
}

// 定期清理未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks(false)
			case <-lm.stop:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks(force bool) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 只有在锁数量过多时才清理
	if !force && len(lm.storyLocks) <= lm.maxLocks {
		return
	}
	now := time.Now()
	for storyID, info := range lm.storyLocks {
		if info.refs == 0 && (force || now.Sub(info.LastUsed) > lm.lockTTL) {
			delete(lm.storyLocks, storyID)
		}
	}
}
