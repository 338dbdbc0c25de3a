// Package storagetest is the contract test suite every storage backend must
// pass. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// Factory creates a fresh, empty Storage that stamps lwt with clock.
// A nil clock means the backend's default clock.
type Factory func(t *testing.T, clock storage.Timestamper) storage.Storage

// FixedClock returns the same timestamp on every call. It violates the
// Timestamper contract on purpose to exercise the id tie-break.
type FixedClock int64

// Now implements storage.Timestamper.
func (c FixedClock) Now() int64 { return int64(c) }

// Run executes the contract suite against the backend.
func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStorage Factory)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"UpdateRequiresCurrentRevision", testUpdateRequiresCurrentRevision},
		{"InsertOverTombstone", testInsertOverTombstone},
		{"BatchIsOneEventBulk", testBatchIsOneEventBulk},
		{"FindDocumentsByID", testFindDocumentsByID},
		{"Query", testQuery},
		{"ChangeFeedOrder", testChangeFeedOrder},
		{"ChangeFeedTieBreak", testChangeFeedTieBreak},
		{"ChangeFeedEmptyKeepsCheckpoint", testChangeFeedEmptyKeepsCheckpoint},
		{"ChangeFeedResumableUnderConcurrentWrites", testChangeFeedResumableUnderConcurrentWrites},
		{"EchoMetaPersisted", testEchoMetaPersisted},
		{"PayloadRoundTrip", testPayloadRoundTrip},
		{"SharedBetweenInstances", testSharedBetweenInstances},
		{"Cleanup", testCleanup},
		{"CloseAndRemove", testCloseAndRemove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage)
		})
	}
}

func createInstance(t *testing.T, s storage.Storage, collection string) storage.Instance {
	t.Helper()
	in, err := s.CreateInstance(context.Background(), storage.Params{
		DatabaseName:   "testdb",
		CollectionName: collection,
	})
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })
	return in
}

func newInstance(t *testing.T, newStorage Factory) storage.Instance {
	t.Helper()
	return createInstance(t, newStorage(t, nil), "docs")
}

func state(id string, data doc.Data) doc.State {
	return doc.State{Document: doc.Document{ID: id, Data: data}}
}

// Insert writes fresh documents and fails the test on any error.
func Insert(t *testing.T, in storage.Instance, docs ...doc.State) map[string]doc.State {
	t.Helper()
	rows := make([]storage.WriteRow, len(docs))
	for i, d := range docs {
		rows[i] = storage.WriteRow{Document: d}
	}
	res, err := in.BulkWrite(context.Background(), rows, "test")
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	return res.Success
}

func update(t *testing.T, in storage.Instance, prev doc.State, data doc.Data, deleted bool) doc.State {
	t.Helper()
	next := doc.NewState(doc.Document{ID: prev.ID, Data: data, Deleted: deleted}, &prev)
	res, err := in.BulkWrite(context.Background(), []storage.WriteRow{{Document: next, Previous: &prev}}, "test")
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	return res.Success[prev.ID]
}

func testInsertAndFind(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	written := Insert(t, in, state("a", doc.Data{"v": 1}))
	a := written["a"]
	assert.Equal(t, 1, a.Rev.Height)
	assert.Equal(t, in.Token(), a.Rev.Origin)
	assert.NotZero(t, a.Meta.LWT)

	got, err := storage.Find(ctx, in, "a", false)
	require.NoError(t, err)
	assert.Equal(t, a.Rev, got.Rev)
	assert.Equal(t, a.Meta.LWT, got.Meta.LWT)
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 1}, got.Data))

	_, err = storage.Find(ctx, in, "missing", true)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testUpdateRequiresCurrentRevision(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	a1 := Insert(t, in, state("a", doc.Data{"v": 1}))["a"]
	a2 := update(t, in, a1, doc.Data{"v": 2}, false)
	assert.Equal(t, 2, a2.Rev.Height)

	// Stale previous.
	res, err := in.BulkWrite(ctx, []storage.WriteRow{{
		Document: state("a", doc.Data{"v": 3}),
		Previous: &a1,
	}}, "test")
	require.NoError(t, err)
	assert.Empty(t, res.Success)
	werr := res.Errors["a"]
	require.NotNil(t, werr)
	assert.True(t, werr.IsConflict())
	require.NotNil(t, werr.DocumentInDB)
	assert.Equal(t, a2.Rev, werr.DocumentInDB.Rev)
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 2}, werr.DocumentInDB.Data))

	// Missing previous over a live document.
	res, err = in.BulkWrite(ctx, []storage.WriteRow{{Document: state("a", doc.Data{"v": 4})}}, "test")
	require.NoError(t, err)
	require.Contains(t, res.Errors, "a")

	// Retrying with the state from the conflict succeeds.
	a3 := update(t, in, *werr.DocumentInDB, doc.Data{"v": 3}, false)
	assert.Equal(t, 3, a3.Rev.Height)
}

func testInsertOverTombstone(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)

	a1 := Insert(t, in, state("a", doc.Data{"v": 1}))["a"]
	tomb := update(t, in, a1, doc.Data{"v": 1}, true)
	assert.True(t, tomb.Deleted)

	again := Insert(t, in, state("a", doc.Data{"v": 5}))["a"]
	assert.False(t, again.Deleted)
	assert.Equal(t, 3, again.Rev.Height)
}

func testBatchIsOneEventBulk(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	sub := in.Changes()
	defer sub.Close()

	existing := Insert(t, in, state("x", nil))["x"]
	first := receive(t, sub)
	require.Len(t, first.Events, 1)
	assert.Equal(t, storage.OpInsert, first.Events[0].Operation)

	res, err := in.BulkWrite(context.Background(), []storage.WriteRow{
		{Document: state("a", doc.Data{"v": 1})},
		{Document: state("b", doc.Data{"v": 1})},
		{Document: state("x", nil)}, // conflict: x is live
	}, "my-context")
	require.NoError(t, err)
	require.Len(t, res.Success, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, existing.Rev, res.Errors["x"].DocumentInDB.Rev)

	b := receive(t, sub)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "my-context", b.Context)
	require.Len(t, b.Events, 2)
	assert.Equal(t, "a", b.Events[0].DocumentID)
	assert.Equal(t, "b", b.Events[1].DocumentID)
	require.NotNil(t, b.Checkpoint)
	assert.Equal(t, storage.CheckpointOf(res.Success["b"]), *b.Checkpoint)

	// Fully rejected batches publish nothing.
	res, err = in.BulkWrite(context.Background(), []storage.WriteRow{{Document: state("a", nil)}}, "test")
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	Insert(t, in, state("c", nil))
	assert.Equal(t, "c", receive(t, sub).Events[0].DocumentID)
}

func testFindDocumentsByID(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	written := Insert(t, in, state("a", nil), state("b", nil))
	update(t, in, written["b"], nil, true)

	live, err := in.FindDocumentsByID(ctx, []string{"b", "a", "zz"}, false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].ID)

	all, err := in.FindDocumentsByID(ctx, []string{"b", "a", "zz"}, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.True(t, all[0].Deleted)
	assert.Equal(t, "a", all[1].ID)

	none, err := in.FindDocumentsByID(ctx, nil, true)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testQuery(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	written := Insert(t, in,
		state("c", doc.Data{"status": "open"}),
		state("a", doc.Data{"status": "open"}),
		state("b", doc.Data{"status": "done"}),
		state("d", doc.Data{"status": "open"}),
	)
	update(t, in, written["d"], doc.Data{"status": "open"}, true)

	open, err := in.Query(ctx, storage.Query{Selector: map[string]any{"status": "open"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(open))

	withDeleted, err := in.Query(ctx, storage.Query{Selector: map[string]any{"status": "open"}, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, ids(withDeleted))

	paged, err := in.Query(ctx, storage.Query{Skip: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(paged))
}

func testChangeFeedOrder(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	first := Insert(t, in, state("b", nil))
	Insert(t, in, state("a", nil))
	update(t, in, first["b"], nil, true)

	changed, err := in.ChangedDocumentsSince(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(changed.Documents))
	assert.True(t, changed.Documents[1].Deleted, "tombstones are part of the feed")
	require.NotNil(t, changed.Checkpoint)
	assert.Equal(t, storage.CheckpointOf(changed.Documents[1]), *changed.Checkpoint)

	page, err := in.ChangedDocumentsSince(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(page.Documents))

	rest, err := in.ChangedDocumentsSince(ctx, 10, page.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(rest.Documents))

	_, err = in.ChangedDocumentsSince(ctx, 0, nil)
	assert.Error(t, err)
}

func testChangeFeedTieBreak(t *testing.T, newStorage Factory) {
	s := newStorage(t, FixedClock(1000))
	in := createInstance(t, s, "ties")
	ctx := context.Background()

	Insert(t, in, state("c", nil), state("a", nil), state("b", nil))

	var seen []string
	var cp *storage.Checkpoint
	for {
		page, err := in.ChangedDocumentsSince(ctx, 1, cp)
		require.NoError(t, err)
		if len(page.Documents) == 0 {
			assert.Equal(t, cp, page.Checkpoint)
			break
		}
		seen = append(seen, page.Documents[0].ID)
		cp = page.Checkpoint
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func testChangeFeedEmptyKeepsCheckpoint(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	empty, err := in.ChangedDocumentsSince(ctx, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Documents)
	assert.Nil(t, empty.Checkpoint)

	cp := &storage.Checkpoint{LWT: 1 << 60, ID: "zzz"}
	after, err := in.ChangedDocumentsSince(ctx, 5, cp)
	require.NoError(t, err)
	assert.Empty(t, after.Documents)
	assert.Equal(t, cp, after.Checkpoint)
}

func testChangeFeedResumableUnderConcurrentWrites(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%03d", w, i)
				_, err := in.BulkWrite(ctx, []storage.WriteRow{{Document: state(id, doc.Data{"i": i})}}, "test")
				assert.NoError(t, err)
			}
		}(w)
	}

	seen := make(map[string]int)
	var cp *storage.Checkpoint
	drain := func() {
		for {
			page, err := in.ChangedDocumentsSince(ctx, 7, cp)
			require.NoError(t, err)
			for _, d := range page.Documents {
				seen[d.ID]++
			}
			cp = page.Checkpoint
			if len(page.Documents) < 7 {
				return
			}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			drain()
		}
	}
	drain()

	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, "document %s enumerated %d times", id, n)
	}
}

func testEchoMetaPersisted(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)

	marked := state("a", doc.Data{"v": 1}).WithEcho("replication-x", 1)
	written := Insert(t, in, marked)["a"]

	got, err := storage.Find(context.Background(), in, "a", false)
	require.NoError(t, err)
	h, ok := got.EchoHeight("replication-x")
	require.True(t, ok)
	assert.Equal(t, written.Rev.Height, h)
}

func testPayloadRoundTrip(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)

	payload := doc.Data{
		"title":  "héllo <world>",
		"count":  42,
		"ratio":  0.25,
		"tags":   []any{"x", "y"},
		"nested": map[string]any{"ok": true, "none": nil},
	}
	Insert(t, in, state("a", payload))

	got, err := storage.Find(context.Background(), in, "a", false)
	require.NoError(t, err)
	assert.True(t, doc.CanonicalEqual(payload, got.Data), "payload changed: %v", got.Data)
}

func testSharedBetweenInstances(t *testing.T, newStorage Factory) {
	s := newStorage(t, nil)
	first := createInstance(t, s, "shared")
	second := createInstance(t, s, "shared")
	other := createInstance(t, s, "other")
	assert.NotEqual(t, first.Token(), second.Token())

	sub := second.Changes()
	defer sub.Close()

	Insert(t, first, state("a", nil))

	got, err := second.FindDocumentsByID(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "a", receive(t, sub).Events[0].DocumentID)

	none, err := other.FindDocumentsByID(context.Background(), []string{"a"}, true)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCleanup(t *testing.T, newStorage Factory) {
	in := newInstance(t, newStorage)
	ctx := context.Background()

	written := Insert(t, in, state("live", nil), state("dead", nil))
	update(t, in, written["dead"], nil, true)

	// Retention longer than the tombstone's age keeps it.
	done, err := in.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.True(t, done)
	all, err := in.FindDocumentsByID(ctx, []string{"live", "dead"}, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	time.Sleep(5 * time.Millisecond)
	done, err = in.Cleanup(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, done)

	all, err = in.FindDocumentsByID(ctx, []string{"live", "dead"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids(all))
}

func testCloseAndRemove(t *testing.T, newStorage Factory) {
	s := newStorage(t, nil)
	ctx := context.Background()

	in := createInstance(t, s, "gone")
	Insert(t, in, state("a", nil))
	sub := in.Changes()

	require.NoError(t, in.Remove(ctx))

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "subscription should end on remove")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after remove")
	}

	_, err := in.BulkWrite(ctx, []storage.WriteRow{{Document: state("b", nil)}}, "test")
	assert.True(t, errors.Is(err, storage.ErrClosed))
	_, err = in.FindDocumentsByID(ctx, []string{"a"}, true)
	assert.True(t, errors.Is(err, storage.ErrClosed))
	assert.NoError(t, in.Close(), "Close after Remove is a no-op")

	fresh := createInstance(t, s, "gone")
	got, err := fresh.FindDocumentsByID(ctx, []string{"a"}, true)
	require.NoError(t, err)
	assert.Empty(t, got)

	closed := createInstance(t, s, "closed")
	require.NoError(t, closed.Close())
	_, err = closed.ChangedDocumentsSince(ctx, 1, nil)
	assert.True(t, errors.Is(err, storage.ErrClosed))
	_, err = closed.Query(ctx, storage.Query{})
	assert.True(t, errors.Is(err, storage.ErrClosed))
}

func receive(t *testing.T, sub *storage.Subscription) storage.EventBulk {
	t.Helper()
	select {
	case b, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event bulk")
		return storage.EventBulk{}
	}
}

func ids(states []doc.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.ID
	}
	return out
}

// SortedIDs returns the ids of states in byte-wise order.
func SortedIDs(states []doc.State) []string {
	out := ids(states)
	sort.Strings(out)
	return out
}
