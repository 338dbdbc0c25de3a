package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StrictlyIncreasing(t *testing.T) {
	c := NewClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestClock_WallClockGoingBackwards(t *testing.T) {
	wall := time.UnixMicro(1_000_000)
	c := &Clock{wall: func() time.Time { return wall }}

	first := c.Now()
	wall = time.UnixMicro(500)
	second := c.Now()

	assert.Equal(t, int64(1_000_000), first)
	assert.Equal(t, int64(1_000_001), second)
}

func TestClock_Observe(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMicro()
	c := NewClock()
	c.Observe(future)
	assert.Greater(t, c.Now(), future)

	c.Observe(future + 1000)
	assert.Greater(t, c.Now(), future+1000)

	before := c.Now()
	c.Observe(1)
	assert.Greater(t, c.Now(), before)
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := NewClock()
	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ts := c.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}
