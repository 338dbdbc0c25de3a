package replication

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/meta"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/memory"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fixture is a fork and a master instance, each in its own storage.
type fixture struct {
	forkStorage *memory.Storage
	fork        storage.Instance
	master      storage.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	forkStorage := memory.New()
	fork, err := forkStorage.CreateInstance(ctx, storage.Params{DatabaseName: "app", CollectionName: "todos"})
	require.NoError(t, err)
	master, err := memory.New().CreateInstance(ctx, storage.Params{DatabaseName: "server", CollectionName: "todos"})
	require.NoError(t, err)

	t.Cleanup(func() {
		fork.Close()
		master.Close()
	})
	return &fixture{forkStorage: forkStorage, fork: fork, master: master}
}

// replicate builds a replication of the fixture's fork. Fork, MetaStorage
// and Logger are filled in when unset.
func (f *fixture) replicate(t *testing.T, opts Options) *Replication {
	t.Helper()
	if opts.Fork == nil {
		opts.Fork = f.fork
	}
	if opts.MetaStorage == nil {
		opts.MetaStorage = f.forkStorage
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Cancel(ctx)
	})
	return r
}

// runToCompletion starts a non-live replication and waits until it stopped.
func runToCompletion(t *testing.T, r *Replication) {
	t.Helper()
	require.NoError(t, r.Start(context.Background()))
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replication did not finish")
	}
	require.NoError(t, r.Err())
}

func put(t *testing.T, in storage.Instance, id string, data doc.Data) doc.State {
	t.Helper()
	ctx := context.Background()
	var prev *doc.State
	if cur, err := storage.Find(ctx, in, id, true); err == nil {
		prev = &cur
	}
	res, err := in.BulkWrite(ctx, []storage.WriteRow{{
		Document: doc.NewState(doc.Document{ID: id, Data: data}, prev),
		Previous: prev,
	}}, "test")
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	return res.Success[id]
}

func find(t *testing.T, in storage.Instance, id string) doc.State {
	t.Helper()
	s, err := storage.Find(context.Background(), in, id, true)
	require.NoError(t, err)
	return s
}

func openMeta(t *testing.T, f *fixture, identifier string) *meta.Store {
	t.Helper()
	s, err := meta.Open(context.Background(), f.forkStorage, "app", "todos", identifier)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingPush records every push call and forwards it to inner.
type recordingPush struct {
	mu    sync.Mutex
	inner PushHandler
	err   error
	calls [][]PushRow
}

func (p *recordingPush) Push(ctx context.Context, rows []PushRow) ([]doc.Document, error) {
	p.mu.Lock()
	p.calls = append(p.calls, rows)
	err := p.err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if p.inner == nil {
		return nil, nil
	}
	return p.inner.Push(ctx, rows)
}

func (p *recordingPush) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *recordingPush) pushedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, call := range p.calls {
		for _, row := range call {
			ids = append(ids, row.NewDocumentState.ID)
		}
	}
	return ids
}

// pagedPull serves a fixed list of master documents. The checkpoint is the
// index of the next document.
type pagedPull struct {
	mu          sync.Mutex
	docs        []doc.Document
	checkpoints []string
}

func (p *pagedPull) Pull(_ context.Context, checkpoint json.RawMessage, batchSize int) (PullBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints = append(p.checkpoints, string(checkpoint))

	start := 0
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &start); err != nil {
			return PullBatch{}, err
		}
	}
	end := min(start+batchSize, len(p.docs))
	next, _ := json.Marshal(end)
	return PullBatch{Documents: append([]doc.Document(nil), p.docs[start:end]...), Checkpoint: next}, nil
}

func (p *pagedPull) add(docs ...doc.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs = append(p.docs, docs...)
}

func (p *pagedPull) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checkpoints...)
}

// vanishingFork loses every document on point reads, which no correct
// backend does.
type vanishingFork struct {
	storage.Instance
}

func (vanishingFork) FindDocumentsByID(context.Context, []string, bool) ([]doc.State, error) {
	return nil, nil
}
