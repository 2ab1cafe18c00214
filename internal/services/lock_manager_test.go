// internal/services/lock_manager_test.go
package services

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecuteWithStoryLockSerializes(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.ExecuteWithStoryLock("story", func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestLocksAreCleanedUp(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	for _, id := range []string{"a", "b", "c"} {
		assert.NoError(t, lm.ExecuteWithStoryLock(id, func() error { return nil }))
	}
	assert.Equal(t, 3, lm.Size())

	lm.cleanupUnusedLocks(true)
	assert.Zero(t, lm.Size())
}
