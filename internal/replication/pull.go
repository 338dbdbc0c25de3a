package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/forksync/internal/conflict"
	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/meta"
	"github.com/roach88/forksync/internal/storage"
)

// runPull drives the pull direction. After draining the master it waits for
// stream events or ReSync, unless the replication is not live.
func (r *Replication) runPull(ctx context.Context) error {
	stream := r.opts.Pull.Stream

	for r.stopCtx.Err() == nil {
		drained, err := r.pullIteration(ctx)
		if err != nil {
			if fatal := r.handleFailure(meta.Pull, err); fatal != nil {
				return fatal
			}
			continue
		}
		if !drained {
			continue
		}

		r.markDrained(meta.Pull)
		if !r.opts.Live {
			return nil
		}

	wait:
		for {
			select {
			case <-r.stopCtx.Done():
				return nil
			case <-r.resync:
				break wait
			case ev, ok := <-stream:
				if !ok {
					stream = nil
					continue
				}
				r.markPending(meta.Pull)
				if ev.Resync {
					break wait
				}
				if err := r.applyStreamEvent(ctx, ev); err != nil {
					if fatal := r.handleFailure(meta.Pull, err); fatal != nil {
						return fatal
					}
					// The event is lost; a full pull catches up.
					break wait
				}
				r.markDrained(meta.Pull)
			}
		}
	}
	return nil
}

// pullIteration pulls and applies one batch from the pull handler. It
// reports drained when the handler returned less than a full batch.
func (r *Replication) pullIteration(ctx context.Context) (bool, error) {
	r.setBusy(meta.Pull, true)
	defer r.setBusy(meta.Pull, false)

	store := r.metaStore()
	raw, err := store.Checkpoint(ctx, meta.Pull)
	if err != nil {
		return false, err
	}
	if r.stopCtx.Err() != nil {
		return true, nil
	}

	batchSize := r.opts.Pull.BatchSize
	r.log.Debug("pull batch", "checkpoint", string(raw), "batch_size", batchSize)
	batch, err := r.opts.Pull.Handler.Pull(ctx, raw, batchSize)
	if err != nil {
		return false, newHandlerError(meta.Pull, raw, nil, err)
	}
	if r.stopCtx.Err() != nil {
		return true, nil
	}

	if err := r.applyPulled(ctx, store, batch.Documents, batch.Checkpoint, raw); err != nil {
		return false, err
	}
	return len(batch.Documents) < batchSize, nil
}

func (r *Replication) applyStreamEvent(ctx context.Context, ev PullStreamEvent) error {
	r.setBusy(meta.Pull, true)
	defer r.setBusy(meta.Pull, false)

	r.log.Debug("pull stream event", "documents", len(ev.Documents), "checkpoint", string(ev.Checkpoint))
	return r.applyPulled(ctx, r.metaStore(), ev.Documents, ev.Checkpoint, nil)
}

// applyPulled writes master documents into the fork and advances the pull
// checkpoint to next.
//
// A master document is written unless the fork already equals it, or the
// fork holds local changes the master has not acknowledged. Push surfaces
// those as conflicts; without push they are resolved here. Written states
// carry the Echo Guard mark.
func (r *Replication) applyPulled(
	ctx context.Context,
	store *meta.Store,
	docs []doc.Document,
	next json.RawMessage,
	from json.RawMessage,
) error {
	if err := checkPullResult(docs, next, from); err != nil {
		return err
	}
	masters, err := r.preparePulled(docs, from)
	if err != nil {
		return err
	}
	if len(masters) == 0 {
		return store.SetCheckpoint(ctx, meta.Pull, next)
	}

	ids := documentIDs(masters)
	current, err := r.opts.Fork.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return err
	}
	forkStates := make(map[string]doc.State, len(current))
	for _, s := range current {
		forkStates[s.ID] = s
	}
	assumed, err := store.AssumedMasters(ctx, ids)
	if err != nil {
		return err
	}

	type pulledWrite struct {
		master  doc.Document
		written doc.Document
	}
	var (
		refresh   []meta.AssumedMaster
		writes    []storage.WriteRow
		pending   []pulledWrite
		conflicts int
	)
	for _, master := range masters {
		fork, inFork := forkStates[master.ID]
		target := master
		var prev *doc.State
		height := 1

		if inFork {
			equal, err := conflict.IsEqual(ctx, r.opts.ConflictHandler, fork.Document, master)
			if err != nil {
				return fmt.Errorf("compare %s with master state: %w", master.ID, err)
			}
			if equal {
				refresh = append(refresh, meta.AssumedMaster{Document: master, Checkpoint: next})
				continue
			}

			am, known := assumed[master.ID]
			local, err := r.hasLocalChanges(ctx, fork, am, known)
			if err != nil {
				return err
			}
			if local {
				if r.opts.Push != nil {
					continue
				}
				resolved, write, err := r.resolvePulled(ctx, fork, am, known, master)
				if err != nil {
					return err
				}
				conflicts++
				if !write {
					refresh = append(refresh, meta.AssumedMaster{Document: master, Checkpoint: next})
					continue
				}
				target = resolved
			}

			p := fork
			prev = &p
			height = fork.Rev.Height + 1
		}

		writes = append(writes, storage.WriteRow{
			Document: doc.NewState(target, prev).WithEcho(r.key, height),
			Previous: prev,
		})
		pending = append(pending, pulledWrite{master: master, written: target})
	}

	if len(writes) > 0 {
		res, err := r.opts.Fork.BulkWrite(ctx, writes, r.writeContext(meta.Pull))
		if err != nil {
			return err
		}
		r.opts.Metrics.RecordWrites(len(res.Success), len(res.Errors))

		for _, w := range pending {
			if _, failed := res.Errors[w.master.ID]; failed {
				// A local write raced us; push or the next pull resolves it.
				continue
			}
			refresh = append(refresh, meta.AssumedMaster{Document: w.master, Checkpoint: next})
			r.received.emit(w.written)
		}
		r.opts.Metrics.RecordDocuments(string(meta.Pull), len(res.Success))
	}
	if conflicts > 0 {
		r.opts.Metrics.RecordConflicts(conflicts)
	}

	if err := store.PutAssumedMasters(ctx, refresh); err != nil {
		return err
	}
	return store.SetCheckpoint(ctx, meta.Pull, next)
}

// resolvePulled resolves a master state against local fork changes when no
// push direction exists to do it. It reports false when the handler found
// both sides equal.
func (r *Replication) resolvePulled(
	ctx context.Context,
	fork doc.State,
	am meta.AssumedMaster,
	known bool,
	master doc.Document,
) (doc.Document, bool, error) {
	var assumedState *doc.Document
	if known {
		d := am.Document
		assumedState = &d
	}
	out, err := r.opts.ConflictHandler.Resolve(ctx, conflict.Input{
		NewDocumentState:   fork.Document,
		AssumedMasterState: assumedState,
		RealMasterState:    master,
	})
	if err != nil {
		return doc.Document{}, false, fmt.Errorf("resolve conflict of %s: %w", master.ID, err)
	}
	if out.IsEqual || out.DocumentData == nil {
		return doc.Document{}, false, nil
	}
	resolved := out.DocumentData.Clone()
	resolved.ID = master.ID
	return resolved, true, nil
}

// hasLocalChanges reports whether the fork state holds changes the master
// has not acknowledged.
func (r *Replication) hasLocalChanges(ctx context.Context, fork doc.State, am meta.AssumedMaster, known bool) (bool, error) {
	// The fork state is our own pull write; the meta store may lag it
	// after a crash.
	if h, ok := fork.EchoHeight(r.key); ok && h == fork.Rev.Height {
		return false, nil
	}
	if !known || am.ResolvedConflictRev == fork.Rev {
		return true, nil
	}
	equal, err := conflict.IsEqual(ctx, r.opts.ConflictHandler, fork.Document, am.Document)
	if err != nil {
		return false, fmt.Errorf("compare %s with assumed master state: %w", fork.ID, err)
	}
	return !equal, nil
}

// preparePulled applies the pull modifier and keeps the last state of ids
// that appear more than once.
func (r *Replication) preparePulled(docs []doc.Document, checkpoint json.RawMessage) ([]doc.Document, error) {
	index := make(map[string]int, len(docs))
	out := make([]doc.Document, 0, len(docs))
	for _, d := range docs {
		d = d.Clone()
		if mod := r.opts.Pull.Modifier; mod != nil {
			modified, err := mod(d)
			if err != nil {
				return nil, newModifierError(meta.Pull, checkpoint, d.ID, err)
			}
			if modified.ID != d.ID {
				return nil, newContractError(meta.Pull, checkpoint, []string{d.ID}, "pull modifier changed document id to %q", modified.ID)
			}
			d = modified
		}
		if i, ok := index[d.ID]; ok {
			out[i] = d
			continue
		}
		index[d.ID] = len(out)
		out = append(out, d)
	}
	return out, nil
}
