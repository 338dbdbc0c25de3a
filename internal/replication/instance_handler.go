package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/forksync/internal/conflict"
	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/storage"
)

// InstanceHandler serves a storage instance as master. It implements both
// PullHandler and PushHandler, and Stream turns the instance's change feed
// into pull stream events.
//
// Pull checkpoints are the instance's own change-feed checkpoints encoded
// as JSON.
type InstanceHandler struct {
	master storage.Instance
}

var (
	_ PullHandler = (*InstanceHandler)(nil)
	_ PushHandler = (*InstanceHandler)(nil)
)

// NewInstanceHandler creates a handler serving master.
func NewInstanceHandler(master storage.Instance) *InstanceHandler {
	return &InstanceHandler{master: master}
}

// Pull implements PullHandler.
func (h *InstanceHandler) Pull(ctx context.Context, checkpoint json.RawMessage, batchSize int) (PullBatch, error) {
	cp, err := storage.DecodeCheckpoint(checkpoint)
	if err != nil {
		return PullBatch{}, err
	}
	changed, err := h.master.ChangedDocumentsSince(ctx, batchSize, cp)
	if err != nil {
		return PullBatch{}, err
	}
	next, err := storage.EncodeCheckpoint(changed.Checkpoint)
	if err != nil {
		return PullBatch{}, err
	}

	docs := make([]doc.Document, len(changed.Documents))
	for i, s := range changed.Documents {
		docs[i] = s.Document
	}
	return PullBatch{Documents: docs, Checkpoint: next}, nil
}

// Push implements PushHandler.
//
// A row is rejected when the master holds the document and the row's
// assumed master state is missing or differs from it. Rejected rows return
// the master's current state.
func (h *InstanceHandler) Push(ctx context.Context, rows []PushRow) ([]doc.Document, error) {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.NewDocumentState.ID
	}
	current, err := h.master.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return nil, fmt.Errorf("read master states: %w", err)
	}
	masterStates := make(map[string]doc.State, len(current))
	for _, s := range current {
		masterStates[s.ID] = s
	}

	var (
		conflicts []doc.Document
		writes    []storage.WriteRow
	)
	for _, row := range rows {
		id := row.NewDocumentState.ID
		m, exists := masterStates[id]
		if exists && (row.AssumedMasterState == nil || !conflict.Equal(*row.AssumedMasterState, m.Document)) {
			conflicts = append(conflicts, m.Document)
			continue
		}

		var prev *doc.State
		if exists {
			p := m
			prev = &p
		}
		writes = append(writes, storage.WriteRow{
			Document: doc.NewState(row.NewDocumentState, prev),
			Previous: prev,
		})
	}

	if len(writes) > 0 {
		res, err := h.master.BulkWrite(ctx, writes, "replication-master")
		if err != nil {
			return nil, fmt.Errorf("write master states: %w", err)
		}
		for _, row := range writes {
			if werr, ok := res.Errors[row.Document.ID]; ok && werr.DocumentInDB != nil {
				conflicts = append(conflicts, werr.DocumentInDB.Document)
			}
		}
	}
	return conflicts, nil
}

// Stream forwards the master's change feed until ctx is done or the master
// is closed. The returned channel is closed afterwards.
func (h *InstanceHandler) Stream(ctx context.Context) <-chan PullStreamEvent {
	sub := h.master.Changes()
	out := make(chan PullStreamEvent)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case bulk, ok := <-sub.C():
				if !ok {
					return
				}
				ev, err := streamEvent(bulk)
				if err != nil {
					ev = PullStreamEvent{Resync: true}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func streamEvent(bulk storage.EventBulk) (PullStreamEvent, error) {
	cp, err := storage.EncodeCheckpoint(bulk.Checkpoint)
	if err != nil {
		return PullStreamEvent{}, err
	}
	docs := make([]doc.Document, len(bulk.Events))
	for i, ev := range bulk.Events {
		docs[i] = ev.Document.Document
	}
	return PullStreamEvent{Documents: docs, Checkpoint: cp}, nil
}
