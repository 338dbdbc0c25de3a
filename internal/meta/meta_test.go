package meta

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/memory"
	"github.com/roach88/forksync/internal/storage/sqlite"
)

func openStore(t *testing.T, st storage.Storage, identifier string) *Store {
	t.Helper()
	s, err := Open(context.Background(), st, "app", "todos", identifier)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New(), "r1")

	cp, err := s.Checkpoint(ctx, Push)
	require.NoError(t, err)
	assert.Nil(t, cp, "fresh identity starts from the beginning")

	require.NoError(t, s.SetCheckpoint(ctx, Push, json.RawMessage(`{"lwt":10,"id":"a"}`)))
	require.NoError(t, s.SetCheckpoint(ctx, Push, json.RawMessage(`{"lwt":20,"id":"b"}`)))
	require.NoError(t, s.SetCheckpoint(ctx, Pull, json.RawMessage(`"remote-7"`)))

	push, err := s.Checkpoint(ctx, Push)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lwt":20,"id":"b"}`, string(push))

	pull, err := s.Checkpoint(ctx, Pull)
	require.NoError(t, err)
	assert.JSONEq(t, `"remote-7"`, string(pull))
}

func TestSetCheckpoint_NilIsIgnored(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New(), "r1")

	require.NoError(t, s.SetCheckpoint(ctx, Pull, json.RawMessage(`1`)))
	require.NoError(t, s.SetCheckpoint(ctx, Pull, nil))

	cp, err := s.Checkpoint(ctx, Pull)
	require.NoError(t, err)
	assert.Equal(t, "1", string(cp))
}

func TestAssumedMasters_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.New(), "r1")

	require.NoError(t, s.PutAssumedMasters(ctx, []AssumedMaster{
		{
			Document:   doc.Document{ID: "a", Data: doc.Data{"v": 1, "tags": []any{"x"}}},
			Checkpoint: json.RawMessage(`{"lwt":5,"id":"a"}`),
		},
		{Document: doc.Document{ID: "b", Deleted: true}},
		{
			Document:            doc.Document{ID: "c", Data: doc.Data{"v": 3}},
			ResolvedConflictRev: doc.MustParseRevision("3-fork"),
		},
	}))

	got, err := s.AssumedMasters(ctx, []string{"a", "b", "c", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 1, "tags": []any{"x"}}, got["a"].Document.Data))
	assert.True(t, got["a"].ResolvedConflictRev.IsZero())
	assert.JSONEq(t, `{"lwt":5,"id":"a"}`, string(got["a"].Checkpoint))
	assert.Nil(t, got["b"].Checkpoint)
	assert.True(t, got["b"].Document.Deleted)
	assert.Equal(t, "3-fork", got["c"].ResolvedConflictRev.String())
	assert.NotContains(t, got, "missing")

	// Overwrite clears the resolved conflict marker.
	require.NoError(t, s.PutAssumedMasters(ctx, []AssumedMaster{
		{Document: doc.Document{ID: "c", Data: doc.Data{"v": 4}}},
	}))
	got, err = s.AssumedMasters(ctx, []string{"c"})
	require.NoError(t, err)
	assert.True(t, got["c"].ResolvedConflictRev.IsZero())
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 4}, got["c"].Document.Data))
}

func TestIdentities_AreIsolated(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	one := openStore(t, st, "one")
	two := openStore(t, st, "two")
	assert.NotEqual(t, one.Key(), two.Key())

	require.NoError(t, one.SetCheckpoint(ctx, Push, json.RawMessage(`1`)))
	cp, err := two.Checkpoint(ctx, Push)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta.db")

	st1, err := sqlite.Open(path)
	require.NoError(t, err)
	s1, err := Open(ctx, st1, "app", "todos", "r1")
	require.NoError(t, err)
	require.NoError(t, s1.SetCheckpoint(ctx, Pull, json.RawMessage(`{"seq":4}`)))
	require.NoError(t, s1.PutAssumedMasters(ctx, []AssumedMaster{{Document: doc.Document{ID: "a", Data: doc.Data{"v": 1}}}}))
	require.NoError(t, s1.Close())
	require.NoError(t, st1.Close())

	st2, err := sqlite.Open(path)
	require.NoError(t, err)
	defer st2.Close()
	s2 := openStore(t, st2, "r1")

	cp, err := s2.Checkpoint(ctx, Pull)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":4}`, string(cp))

	got, err := s2.AssumedMasters(ctx, []string{"a"})
	require.NoError(t, err)
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 1}, got["a"].Document.Data))
}

func TestUpsert_ConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	s := openStore(t, st, "r1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.PutAssumedMasters(ctx, []AssumedMaster{
				{Document: doc.Document{ID: "a", Data: doc.Data{"writer": i}}},
			}))
		}(i)
	}
	wg.Wait()

	got, err := s.AssumedMasters(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Contains(t, got, "a")
}

func TestClose_RejectsLaterCalls(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, memory.New(), "app", "todos", "r1")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Checkpoint(ctx, Push)
	assert.True(t, errors.Is(err, storage.ErrClosed))
	err = s.SetCheckpoint(ctx, Push, json.RawMessage(`1`))
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

func TestRemove_DropsEverything(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	s, err := Open(ctx, st, "app", "todos", "r1")
	require.NoError(t, err)
	require.NoError(t, s.SetCheckpoint(ctx, Push, json.RawMessage(`1`)))
	require.NoError(t, s.PutAssumedMasters(ctx, []AssumedMaster{{Document: doc.Document{ID: "a"}}}))
	require.NoError(t, s.Remove(ctx))

	again := openStore(t, st, "r1")
	cp, err := again.Checkpoint(ctx, Push)
	require.NoError(t, err)
	assert.Nil(t, cp)
	got, err := again.AssumedMasters(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
