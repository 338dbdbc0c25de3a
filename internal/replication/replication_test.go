package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/forksync/internal/conflict"
	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/meta"
	"github.com/roach88/forksync/internal/metrics"
	"github.com/roach88/forksync/internal/storage"
	"github.com/roach88/forksync/internal/storage/memory"
	"github.com/roach88/forksync/internal/testutil"
)

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	push := &PushOptions{Handler: &recordingPush{}}

	tests := []struct {
		name string
		opts Options
	}{
		{"missing identifier", Options{Fork: f.fork, MetaStorage: f.forkStorage, Push: push}},
		{"missing fork", Options{Identifier: "r", MetaStorage: f.forkStorage, Push: push}},
		{"missing meta storage", Options{Identifier: "r", Fork: f.fork, Push: push}},
		{"no direction", Options{Identifier: "r", Fork: f.fork, MetaStorage: f.forkStorage}},
		{"pull without handler", Options{Identifier: "r", Fork: f.fork, MetaStorage: f.forkStorage, Pull: &PullOptions{}}},
		{"push without handler", Options{Identifier: "r", Fork: f.fork, MetaStorage: f.forkStorage, Push: &PushOptions{}}},
		{"negative retry", Options{Identifier: "r", Fork: f.fork, MetaStorage: f.forkStorage, Push: push, RetryTime: -1}},
		{"negative event buffer", Options{Identifier: "r", Fork: f.fork, MetaStorage: f.forkStorage, Push: push, EventBuffer: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	push := &PushOptions{Handler: &recordingPush{}}
	r := f.replicate(t, Options{Identifier: "r", Push: push})

	assert.Equal(t, DefaultRetryTime, r.opts.RetryTime)
	assert.Equal(t, DefaultBatchSize, r.opts.Push.BatchSize)
	assert.Equal(t, DefaultEventBuffer, r.opts.EventBuffer)
	assert.NotNil(t, r.opts.ConflictHandler)
	assert.Zero(t, push.BatchSize, "caller options untouched")
	assert.Equal(t, doc.IdentityKey("app", "todos", "r"), r.Key())
	assert.Equal(t, StateCreated, r.State())
}

func TestPull_WritesMasterDocumentsWithEchoMark(t *testing.T) {
	f := newFixture(t)
	put(t, f.master, "a", doc.Data{"title": "from master"})

	r := f.replicate(t, Options{Identifier: "r", Pull: &PullOptions{Handler: NewInstanceHandler(f.master)}})
	runToCompletion(t, r)

	received := testutil.Drain(t, r.Received())
	require.Len(t, received, 1)
	assert.Equal(t, "a", received[0].ID)

	s := find(t, f.fork, "a")
	assert.Equal(t, "from master", s.Data["title"])
	echo, ok := s.EchoHeight(r.Key())
	require.True(t, ok)
	assert.Equal(t, s.Rev.Height, echo)
}

func TestPull_LeavesLocalChangesToPush(t *testing.T) {
	f := newFixture(t)
	put(t, f.fork, "a", doc.Data{"v": "local"})
	put(t, f.master, "a", doc.Data{"v": "master"})
	put(t, f.master, "b", doc.Data{"v": "master"})

	r := f.replicate(t, Options{
		Identifier: "r",
		Live:       true,
		RetryTime:  time.Hour,
		Pull:       &PullOptions{Handler: NewInstanceHandler(f.master)},
		Push:       &PushOptions{Handler: &recordingPush{err: errors.New("offline")}},
	})
	require.NoError(t, r.Start(context.Background()))

	testutil.Eventually(t, func() bool {
		_, err := storage.Find(context.Background(), f.fork, "b", false)
		return err == nil
	}, "pull writes b")

	assert.Equal(t, "local", find(t, f.fork, "a").Data["v"], "local change not overwritten")
	assert.Equal(t, "master", find(t, f.fork, "b").Data["v"])
}

func TestPullOnly_ResolvesLocalChanges(t *testing.T) {
	f := newFixture(t)
	handler := NewInstanceHandler(f.master)
	opts := Options{Identifier: "r", Pull: &PullOptions{Handler: handler}}

	put(t, f.master, "a", doc.Data{"v": 1})
	runToCompletion(t, f.replicate(t, opts))
	require.True(t, doc.CanonicalEqual(doc.Data{"v": 1}, find(t, f.fork, "a").Data))

	put(t, f.fork, "a", doc.Data{"v": 2})
	put(t, f.master, "a", doc.Data{"v": 3})

	r := f.replicate(t, opts)
	runToCompletion(t, r)

	s := find(t, f.fork, "a")
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 3}, s.Data), "master wins without a push direction")
	assert.Equal(t, 3, s.Rev.Height)
	echo, ok := s.EchoHeight(r.Key())
	require.True(t, ok)
	assert.Equal(t, s.Rev.Height, echo)

	assumed, err := openMeta(t, f, "r").AssumedMasters(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.True(t, doc.CanonicalEqual(doc.Data{"v": 3}, assumed["a"].Document.Data))
	assert.NotEmpty(t, assumed["a"].Checkpoint)
}

func TestPullOnly_MergesWithThreeWayMerge(t *testing.T) {
	f := newFixture(t)
	opts := Options{
		Identifier:      "r",
		ConflictHandler: conflict.ThreeWayMerge,
		Pull:            &PullOptions{Handler: NewInstanceHandler(f.master)},
	}

	put(t, f.master, "a", doc.Data{"title": "draft", "done": false})
	runToCompletion(t, f.replicate(t, opts))

	put(t, f.fork, "a", doc.Data{"title": "final", "done": false})
	put(t, f.master, "a", doc.Data{"title": "draft", "done": true})

	r := f.replicate(t, opts)
	runToCompletion(t, r)

	assert.True(t, doc.CanonicalEqual(doc.Data{"title": "final", "done": true}, find(t, f.fork, "a").Data))
	received := testutil.Drain(t, r.Received())
	require.Len(t, received, 1)
	assert.True(t, doc.CanonicalEqual(doc.Data{"title": "final", "done": true}, received[0].Data))
}

func TestPull_OverwritesStateMatchingAssumedMaster(t *testing.T) {
	f := newFixture(t)
	handler := NewInstanceHandler(f.master)
	put(t, f.fork, "a", doc.Data{"v": 1})
	runToCompletion(t, f.replicate(t, Options{Identifier: "r", Push: &PushOptions{Handler: handler}}))

	put(t, f.master, "a", doc.Data{"v": 2})
	runToCompletion(t, f.replicate(t, Options{Identifier: "r", Pull: &PullOptions{Handler: handler}}))

	s := find(t, f.fork, "a")
	assert.EqualValues(t, 2, s.Data["v"])
	assert.Equal(t, 2, s.Rev.Height)
}

func TestPullThenPush_NoEcho(t *testing.T) {
	f := newFixture(t)
	put(t, f.master, "a", doc.Data{"v": 1})
	handler := NewInstanceHandler(f.master)

	push := &recordingPush{inner: handler}
	runToCompletion(t, f.replicate(t, Options{
		Identifier: "r",
		Pull:       &PullOptions{Handler: handler},
		Push:       &PushOptions{Handler: push},
	}))

	again := &recordingPush{inner: handler}
	runToCompletion(t, f.replicate(t, Options{Identifier: "r", Push: &PushOptions{Handler: again}}))

	assert.Empty(t, push.pushedIDs())
	assert.Empty(t, again.pushedIDs(), "pulled document is never pushed back")
	assert.Equal(t, 1, find(t, f.master, "a").Rev.Height)
}

func TestPull_ResumesFromStoredCheckpoint(t *testing.T) {
	f := newFixture(t)
	pull := &pagedPull{docs: []doc.Document{
		{ID: "a", Data: doc.Data{"n": 1}},
		{ID: "b", Data: doc.Data{"n": 2}},
		{ID: "c", Data: doc.Data{"n": 3}},
	}}
	opts := Options{Identifier: "r", BatchSize: 2, Pull: &PullOptions{Handler: pull}}
	runToCompletion(t, f.replicate(t, opts))
	assert.Equal(t, []string{"", "2"}, pull.seen())

	pull.add(doc.Document{ID: "d", Data: doc.Data{"n": 4}})
	runToCompletion(t, f.replicate(t, opts))
	assert.Equal(t, []string{"", "2", "3"}, pull.seen())

	for _, id := range []string{"a", "b", "c", "d"} {
		find(t, f.fork, id)
	}
}

func TestPull_ModifierAndDuplicates(t *testing.T) {
	f := newFixture(t)
	pull := PullHandlerFunc(func(_ context.Context, cp json.RawMessage, _ int) (PullBatch, error) {
		if len(cp) > 0 {
			return PullBatch{Checkpoint: cp}, nil
		}
		return PullBatch{
			Documents: []doc.Document{
				{ID: "a", Data: doc.Data{"v": 1}},
				{ID: "a", Data: doc.Data{"v": 2}},
			},
			Checkpoint: json.RawMessage(`"end"`),
		}, nil
	})
	upper := func(d doc.Document) (doc.Document, error) {
		d.Data["pulled"] = true
		return d, nil
	}
	runToCompletion(t, f.replicate(t, Options{Identifier: "r", Pull: &PullOptions{Handler: pull, Modifier: upper}}))

	s := find(t, f.fork, "a")
	assert.EqualValues(t, 2, s.Data["v"], "last state of a duplicated id wins")
	assert.Equal(t, true, s.Data["pulled"])
}

func TestPush_ContractViolationIsRetried(t *testing.T) {
	f := newFixture(t)
	put(t, f.fork, "a", doc.Data{"v": 1})

	calls := 0
	handler := PushHandlerFunc(func(_ context.Context, rows []PushRow) ([]doc.Document, error) {
		calls++
		if calls == 1 {
			return []doc.Document{{ID: "ghost"}}, nil
		}
		return nil, nil
	})
	r := f.replicate(t, Options{Identifier: "r", RetryTime: 10 * time.Millisecond, Push: &PushOptions{Handler: handler}})
	runToCompletion(t, r)

	errs := testutil.Drain(t, r.Errors())
	require.Len(t, errs, 1)
	assert.True(t, IsContractViolation(errs[0]))
	assert.Equal(t, []string{"a"}, errs[0].DocumentIDs)
	assert.Equal(t, 2, calls)
}

func TestPush_ModifierMustKeepID(t *testing.T) {
	f := newFixture(t)
	put(t, f.fork, "a", doc.Data{"v": 1})

	push := &recordingPush{}
	rename := func(d doc.Document) (doc.Document, error) {
		d.ID = "b"
		return d, nil
	}
	r := f.replicate(t, Options{Identifier: "r", Live: true, RetryTime: time.Hour, Push: &PushOptions{Handler: push, Modifier: rename}})
	require.NoError(t, r.Start(context.Background()))

	e := testutil.Receive(t, r.Errors())
	assert.True(t, IsContractViolation(e))
	assert.Zero(t, push.callCount())
}

func TestPush_InvariantViolationStops(t *testing.T) {
	f := newFixture(t)
	put(t, f.fork, "a", doc.Data{"v": 1})

	handler := PushHandlerFunc(func(_ context.Context, rows []PushRow) ([]doc.Document, error) {
		return []doc.Document{{ID: rows[0].NewDocumentState.ID, Data: doc.Data{"v": 9}}}, nil
	})
	r := f.replicate(t, Options{
		Identifier: "r",
		Fork:       vanishingFork{f.fork},
		Live:       true,
		Push:       &PushOptions{Handler: handler},
	})
	require.NoError(t, r.Start(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replication kept running after an invariant violation")
	}
	assert.True(t, IsInvariantViolation(r.Err()))
	assert.Equal(t, StateStopped, r.State())

	errs := testutil.Drain(t, r.Errors())
	require.NotEmpty(t, errs)
	assert.Equal(t, ErrCodeInvariantViolation, errs[len(errs)-1].Code)

	err := r.Cancel(context.Background())
	assert.True(t, IsInvariantViolation(err))
	assert.True(t, IsInvariantViolation(r.AwaitInSync(context.Background())))
}

func TestLeadership_StartWaitsForPromotion(t *testing.T) {
	f := newFixture(t)
	pull := &pagedPull{docs: []doc.Document{{ID: "a", Data: doc.Data{"v": 1}}}}
	gate := NewGate(false)
	r := f.replicate(t, Options{
		Identifier:        "r",
		WaitForLeadership: true,
		Leadership:        gate,
		Pull:              &PullOptions{Handler: pull},
	})

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCreated, r.State())
	assert.Empty(t, pull.seen())

	gate.Promote()
	require.NoError(t, testutil.Receive(t, started))
	<-r.Done()
	assert.Len(t, pull.seen(), 1)
}

func TestLeadership_NonLeaderDoesNotStart(t *testing.T) {
	f := newFixture(t)
	gate := NewGate(false)
	pull := &pagedPull{}
	r := f.replicate(t, Options{
		Identifier: "r",
		Leadership: gate,
		Pull:       &PullOptions{Handler: pull},
	})

	assert.ErrorIs(t, r.Start(context.Background()), ErrNotLeader)
	assert.Equal(t, StateCreated, r.State())
	assert.Empty(t, pull.seen())

	gate.Promote()
	runToCompletion(t, r)
	assert.Len(t, pull.seen(), 1)
}

func TestLeadership_CancelReleasesWait(t *testing.T) {
	f := newFixture(t)
	r := f.replicate(t, Options{
		Identifier:        "r",
		WaitForLeadership: true,
		Leadership:        NewGate(false),
		Pull:              &PullOptions{Handler: &pagedPull{}},
	})

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, r.Cancel(context.Background()))
	assert.ErrorIs(t, testutil.Receive(t, started), ErrStopped)
	assert.Equal(t, StateStopped, r.State())
	assert.ErrorIs(t, r.Start(context.Background()), ErrStopped)
}

func TestPull_ModifierError(t *testing.T) {
	f := newFixture(t)
	pull := &pagedPull{docs: []doc.Document{{ID: "a", Data: doc.Data{"v": 1}}}}
	reject := func(doc.Document) (doc.Document, error) {
		return doc.Document{}, errors.New("bad payload")
	}
	r := f.replicate(t, Options{
		Identifier: "r",
		Live:       true,
		RetryTime:  time.Hour,
		Pull:       &PullOptions{Handler: pull, Modifier: reject},
	})
	require.NoError(t, r.Start(context.Background()))

	e := testutil.Receive(t, r.Errors())
	assert.Equal(t, ErrCodeModifierFailed, e.Code)
	assert.Equal(t, meta.Pull, e.Direction)
	assert.Equal(t, []string{"a"}, e.DocumentIDs)
	assert.EqualError(t, errors.Unwrap(e), "bad payload")
	assert.False(t, IsHandlerError(e))
}

func TestEvents_UnreadChannelsStayBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		put(t, f.fork, fmt.Sprintf("doc-%02d", i), doc.Data{"n": i})
	}
	before := runtime.NumGoroutine()

	r := f.replicate(t, Options{
		Identifier:  "r",
		Live:        true,
		EventBuffer: 4,
		Push:        &PushOptions{Handler: NewInstanceHandler(f.master), BatchSize: 5},
	})
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.AwaitInSync(ctx))
	require.NoError(t, r.Cancel(ctx))

	assert.Len(t, testutil.Drain(t, r.Sent()), 4, "events beyond the buffer are dropped")
	assert.Equal(t, []bool{true}, testutil.Drain(t, r.Canceled()))
	testutil.Eventually(t, func() bool { return runtime.NumGoroutine() <= before }, "no goroutines left after cancel")
}

func TestCancel_BeforeStartClosesChannels(t *testing.T) {
	f := newFixture(t)
	r := f.replicate(t, Options{Identifier: "r", Push: &PushOptions{Handler: &recordingPush{}}})

	require.NoError(t, r.Cancel(context.Background()))
	assert.Equal(t, []bool{true}, testutil.Drain(t, r.Canceled()))
	assert.Empty(t, testutil.Drain(t, r.Sent()))
	assert.Empty(t, testutil.Drain(t, r.Received()))
	assert.Empty(t, testutil.Drain(t, r.Errors()))
	assert.Empty(t, testutil.Drain(t, r.Active()))
}

func TestActive_ReportsTransitions(t *testing.T) {
	f := newFixture(t)
	put(t, f.fork, "a", doc.Data{"v": 1})
	r := f.replicate(t, Options{Identifier: "r", Push: &PushOptions{Handler: &recordingPush{}}})
	runToCompletion(t, r)

	active := testutil.Drain(t, r.Active())
	require.NotEmpty(t, active)
	assert.True(t, active[0])
	assert.False(t, active[len(active)-1])
	for i := 1; i < len(active); i++ {
		assert.NotEqual(t, active[i-1], active[i], "only transitions are reported")
	}
}

func TestRemove_ResetsCheckpoints(t *testing.T) {
	f := newFixture(t)
	pull := &pagedPull{docs: []doc.Document{{ID: "a", Data: doc.Data{"v": 1}}}}
	opts := Options{Identifier: "r", Pull: &PullOptions{Handler: pull}}

	r := f.replicate(t, opts)
	runToCompletion(t, r)
	require.NoError(t, r.Remove(context.Background()))

	runToCompletion(t, f.replicate(t, opts))
	assert.Equal(t, []string{"", ""}, pull.seen(), "second run starts from scratch")
}

func TestLive_ReSyncPullsAgain(t *testing.T) {
	f := newFixture(t)
	r := f.replicate(t, Options{Identifier: "r", Live: true, Pull: &PullOptions{Handler: NewInstanceHandler(f.master)}})
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.AwaitInitialReplication(ctx))

	put(t, f.master, "late", doc.Data{"v": 1})
	r.ReSync()
	require.NoError(t, r.AwaitInSync(ctx))

	find(t, f.fork, "late")
	assert.Equal(t, StateRunning, r.State())
}

func TestLive_TwoForksConvergeThroughMaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newFixture(t)
	b := &fixture{forkStorage: memory.New(), master: a.master}
	fork, err := b.forkStorage.CreateInstance(ctx, storage.Params{DatabaseName: "app", CollectionName: "todos"})
	require.NoError(t, err)
	b.fork = fork
	t.Cleanup(func() { fork.Close() })

	reg := metrics.NewRegistry()
	live := func(f *fixture) *Replication {
		h := NewInstanceHandler(f.master)
		r := f.replicate(t, Options{
			Identifier: "sync",
			Live:       true,
			RetryTime:  10 * time.Millisecond,
			Pull:       &PullOptions{Handler: h, Stream: h.Stream(ctx)},
			Push:       &PushOptions{Handler: h},
			Metrics:    reg,
		})
		require.NoError(t, r.Start(ctx))
		require.NoError(t, r.AwaitInitialReplication(ctx))
		return r
	}
	ra, rb := live(a), live(b)

	put(t, a.fork, "x", doc.Data{"title": "hello"})
	testutil.Eventually(t, func() bool {
		s, err := storage.Find(ctx, b.fork, "x", false)
		return err == nil && s.Data["title"] == "hello"
	}, "b receives a's insert")
	require.NoError(t, rb.AwaitInSync(ctx))

	put(t, b.fork, "x", doc.Data{"title": "edited"})
	testutil.Eventually(t, func() bool {
		s, err := storage.Find(ctx, a.fork, "x", false)
		return err == nil && s.Data["title"] == "edited"
	}, "a receives b's update")

	require.NoError(t, ra.AwaitInSync(ctx))
	require.NoError(t, rb.AwaitInSync(ctx))

	settled := find(t, a.master, "x").Rev
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, find(t, a.master, "x").Rev, "no write ping-pong")
	assert.Equal(t, 2, settled.Height)

	require.NoError(t, ra.Cancel(ctx))
	require.NoError(t, rb.Cancel(ctx))
}

func TestNoEchoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("pulled documents are never pushed back", prop.ForAll(
		func(values []int, batchSize int) bool {
			f := newFixture(t)
			for i, v := range values {
				put(t, f.master, string(rune('a'+i%26))+string(rune('a'+i/26)), doc.Data{"v": v})
			}
			handler := NewInstanceHandler(f.master)

			first := &recordingPush{inner: handler}
			runToCompletion(t, f.replicate(t, Options{
				Identifier: "r",
				BatchSize:  batchSize,
				Pull:       &PullOptions{Handler: handler},
				Push:       &PushOptions{Handler: first},
			}))
			second := &recordingPush{inner: handler}
			runToCompletion(t, f.replicate(t, Options{
				Identifier: "r",
				BatchSize:  batchSize,
				Push:       &PushOptions{Handler: second},
			}))

			forkDocs, err := f.fork.Query(context.Background(), storage.Query{})
			if err != nil || len(forkDocs) != len(values) {
				return false
			}
			return len(first.pushedIDs()) == 0 && len(second.pushedIDs()) == 0
		},
		gen.SliceOfN(30, gen.IntRange(0, 5)),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	e := newHandlerError("push", nil, []string{"a"}, cause)

	assert.ErrorIs(t, e, cause)
	assert.True(t, IsHandlerError(e))
	assert.False(t, IsContractViolation(e))
	assert.Contains(t, e.Error(), "boom")
}
