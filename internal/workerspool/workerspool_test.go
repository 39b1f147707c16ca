package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	assert.Equal(t, runtime.NumCPU(), pool.MaxParallelism())
	wantParallelism := 3
	pool.SetMaxParallelism(wantParallelism)

	var running, maxRunning, done atomic.Int32
	const numTasks = 20
	for range numTasks {
		pool.WaitToStart(func() {
			current := running.Add(1)
			for {
				prev := maxRunning.Load()
				if current <= prev || maxRunning.CompareAndSwap(prev, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), done.Load())
	assert.LessOrEqual(t, int(maxRunning.Load()), wantParallelism)
}

func TestPool_Inline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	var count int
	pool.WaitToStart(func() { count++ })
	// Ran inline: no synchronization needed.
	assert.Equal(t, 1, count)
	pool.Wait()
}

func TestPool_Unlimited(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(-1)
	assert.Equal(t, -1, pool.MaxParallelism())

	// All tasks must be running at the same time for any of them to finish.
	const numTasks = 10
	var started atomic.Int32
	release := make(chan struct{})
	for range numTasks {
		pool.WaitToStart(func() {
			if started.Add(1) == numTasks {
				close(release)
			}
			<-release
		})
	}
	pool.Wait()
	assert.Equal(t, int32(numTasks), started.Load())
}
