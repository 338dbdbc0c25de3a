package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/memory"
)

func TestDeterministicClock_StartsAtZero(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())
}

func TestDeterministicClock_NowIncrementsMonotonically(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, int64(1), clock.Now())
	assert.Equal(t, int64(1), clock.Current())

	assert.Equal(t, int64(2), clock.Now())
	assert.Equal(t, int64(3), clock.Now())
	assert.Equal(t, int64(3), clock.Current())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()

	clock.Now()
	clock.Now()
	clock.Reset()
	assert.Equal(t, int64(0), clock.Current())
	assert.Equal(t, int64(1), clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make([][]int64, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		results[i] = make([]int64, callsPerGoroutine)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				results[idx][j] = clock.Now()
			}
		}(i)
	}
	wg.Wait()

	allValues := make(map[int64]bool)
	for i := range results {
		for _, val := range results[i] {
			require.False(t, allValues[val], "duplicate value %d", val)
			allValues[val] = true
		}
	}
	assert.Len(t, allValues, numGoroutines*callsPerGoroutine)
}

func TestDeterministicClock_StampsStorageWrites(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithClock(NewDeterministicClock()))
	in, err := s.CreateInstance(ctx, storage.Params{DatabaseName: "db", CollectionName: "c"})
	require.NoError(t, err)
	defer in.Close()

	res, err := in.BulkWrite(ctx, []storage.WriteRow{
		{Document: doc.State{Document: doc.Document{ID: "a"}}},
		{Document: doc.State{Document: doc.Document{ID: "b"}}},
	}, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Success["a"].Meta.LWT)
	assert.Equal(t, int64(2), res.Success["b"].Meta.LWT)
}
