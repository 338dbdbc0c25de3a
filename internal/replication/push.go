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

// runPush drives the push direction until the replication stops, or, for a
// non-live replication, until the fork is drained.
func (r *Replication) runPush(ctx context.Context) error {
	for r.stopCtx.Err() == nil {
		drained, err := r.pushIteration(ctx)
		if err != nil {
			if fatal := r.handleFailure(meta.Push, err); fatal != nil {
				return fatal
			}
			continue
		}
		if !drained {
			continue
		}

		r.markDrained(meta.Push)
		if !r.opts.Live {
			return nil
		}
		select {
		case <-r.stopCtx.Done():
			return nil
		case <-r.forkChanged:
		}
	}
	return nil
}

// pushIteration pushes one batch of fork changes. It reports drained when
// the batch was the last one and no conflict requires another pass.
func (r *Replication) pushIteration(ctx context.Context) (bool, error) {
	r.setBusy(meta.Push, true)
	defer r.setBusy(meta.Push, false)

	store := r.metaStore()
	raw, err := store.Checkpoint(ctx, meta.Push)
	if err != nil {
		return false, err
	}
	cp, err := storage.DecodeCheckpoint(raw)
	if err != nil {
		return false, newInvariantError(meta.Push, nil, "stored push checkpoint is unreadable: %v", err)
	}

	batchSize := r.opts.Push.BatchSize
	changed, err := r.opts.Fork.ChangedDocumentsSince(ctx, batchSize, cp)
	if err != nil {
		return false, err
	}
	if len(changed.Documents) == 0 {
		return true, nil
	}
	drained := len(changed.Documents) < batchSize

	next, err := storage.EncodeCheckpoint(changed.Checkpoint)
	if err != nil {
		return false, err
	}

	ids := make([]string, len(changed.Documents))
	for i, s := range changed.Documents {
		ids[i] = s.ID
	}
	assumed, err := store.AssumedMasters(ctx, ids)
	if err != nil {
		return false, err
	}

	rows, forkDocs, err := r.pushRows(ctx, changed.Documents, assumed, raw)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		r.log.Debug("push batch skipped", "documents", len(changed.Documents))
		return drained, store.SetCheckpoint(ctx, meta.Push, next)
	}

	if r.stopCtx.Err() != nil {
		return true, nil
	}

	rowIDs := make([]string, len(rows))
	for i, row := range rows {
		rowIDs[i] = row.NewDocumentState.ID
	}
	r.log.Debug("push batch", "documents", len(rows), "checkpoint", string(raw))

	conflicts, err := r.opts.Push.Handler.Push(ctx, rows)
	if err != nil {
		return false, newHandlerError(meta.Push, raw, rowIDs, err)
	}
	if r.stopCtx.Err() != nil {
		// Stopped while the handler ran; the batch is pushed again on the
		// next start and absorbed by the assumed master states.
		return true, nil
	}
	if err := checkPushResult(rows, conflicts, raw); err != nil {
		return false, err
	}

	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.ID] = true
	}
	accepted := make([]meta.AssumedMaster, 0, len(rows))
	var sent []doc.Document
	for _, row := range rows {
		id := row.NewDocumentState.ID
		if conflicted[id] {
			continue
		}
		accepted = append(accepted, meta.AssumedMaster{Document: forkDocs[id], Checkpoint: next})
		sent = append(sent, row.NewDocumentState)
	}
	if err := store.PutAssumedMasters(ctx, accepted); err != nil {
		return false, err
	}
	for _, d := range sent {
		r.sent.emit(d)
	}
	r.opts.Metrics.RecordDocuments(string(meta.Push), len(sent))

	if len(conflicts) > 0 {
		if err := r.resolvePushConflicts(ctx, store, conflicts, assumed, raw); err != nil {
			return false, err
		}
		// The checkpoint stays; the next pass re-reads the batch and skips
		// what is now in sync.
		return false, nil
	}

	return drained, store.SetCheckpoint(ctx, meta.Push, next)
}

// pushRows filters changed fork states down to the rows the master needs.
func (r *Replication) pushRows(
	ctx context.Context,
	states []doc.State,
	assumed map[string]meta.AssumedMaster,
	checkpoint json.RawMessage,
) ([]PushRow, map[string]doc.Document, error) {
	rows := make([]PushRow, 0, len(states))
	forkDocs := make(map[string]doc.Document, len(states))

	for _, s := range states {
		// Echo Guard: this exact revision was written by our own pull.
		if h, ok := s.EchoHeight(r.key); ok && h == s.Rev.Height {
			continue
		}

		am, known := assumed[s.ID]
		if known && am.ResolvedConflictRev != s.Rev {
			equal, err := conflict.IsEqual(ctx, r.opts.ConflictHandler, s.Document, am.Document)
			if err != nil {
				return nil, nil, fmt.Errorf("compare %s with assumed master state: %w", s.ID, err)
			}
			if equal {
				continue
			}
		}

		d := s.Document.Clone()
		if mod := r.opts.Push.Modifier; mod != nil {
			modified, err := mod(d)
			if err != nil {
				return nil, nil, newModifierError(meta.Push, checkpoint, s.ID, err)
			}
			if modified.ID != s.ID {
				return nil, nil, newContractError(meta.Push, checkpoint, []string{s.ID}, "push modifier changed document id to %q", modified.ID)
			}
			d = modified
		}

		row := PushRow{NewDocumentState: d}
		if known {
			m := am.Document.Clone()
			row.AssumedMasterState = &m
		}
		rows = append(rows, row)
		forkDocs[s.ID] = s.Document
	}
	return rows, forkDocs, nil
}

// resolvePushConflicts resolves every conflict against the current fork
// state and writes the outcome back into the fork.
//
// A resolution equal to the master state is stamped by the Echo Guard, so
// it is not pushed back. A merged resolution is recorded as the assumed
// master's resolved conflict revision, so the next pass pushes it.
func (r *Replication) resolvePushConflicts(
	ctx context.Context,
	store *meta.Store,
	conflicts []doc.Document,
	assumed map[string]meta.AssumedMaster,
	checkpoint json.RawMessage,
) error {
	ids := documentIDs(conflicts)
	current, err := r.opts.Fork.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return err
	}
	forkStates := make(map[string]doc.State, len(current))
	for _, s := range current {
		forkStates[s.ID] = s
	}

	masters := make(map[string]meta.AssumedMaster, len(conflicts))
	merged := make(map[string]bool)
	var writes []storage.WriteRow

	for _, master := range conflicts {
		fork, ok := forkStates[master.ID]
		if !ok {
			return newInvariantError(meta.Push, []string{master.ID},
				"document %q was read from the change feed but is missing from the fork", master.ID)
		}

		var assumedState *doc.Document
		if am, ok := assumed[master.ID]; ok {
			d := am.Document
			assumedState = &d
		}

		out, err := r.opts.ConflictHandler.Resolve(ctx, conflict.Input{
			NewDocumentState:   fork.Document,
			AssumedMasterState: assumedState,
			RealMasterState:    master,
		})
		if err != nil {
			return fmt.Errorf("resolve conflict of %s: %w", master.ID, err)
		}

		masters[master.ID] = meta.AssumedMaster{Document: master, Checkpoint: checkpoint}
		if out.IsEqual || out.DocumentData == nil {
			continue
		}

		resolved := out.DocumentData.Clone()
		resolved.ID = master.ID
		next := doc.NewState(resolved, &fork)
		if conflict.Equal(resolved, master) {
			next = next.WithEcho(r.key, fork.Rev.Height+1)
		} else {
			merged[master.ID] = true
		}
		prev := fork
		writes = append(writes, storage.WriteRow{Document: next, Previous: &prev})
	}

	if len(writes) > 0 {
		res, err := r.opts.Fork.BulkWrite(ctx, writes, r.writeContext(meta.Push))
		if err != nil {
			return err
		}
		r.opts.Metrics.RecordWrites(len(res.Success), len(res.Errors))

		// Rows lost to a racing local write keep the plain master state as
		// assumed master; the next pass pushes the newer local state
		// against it.
		for id, s := range res.Success {
			if merged[id] {
				am := masters[id]
				am.ResolvedConflictRev = s.Rev
				masters[id] = am
			}
		}
	}

	updates := make([]meta.AssumedMaster, 0, len(conflicts))
	for _, master := range conflicts {
		updates = append(updates, masters[master.ID])
	}
	if err := store.PutAssumedMasters(ctx, updates); err != nil {
		return err
	}

	r.opts.Metrics.RecordConflicts(len(conflicts))
	r.log.Debug("push conflicts resolved", "conflicts", len(conflicts), "rewritten", len(writes))
	return nil
}
