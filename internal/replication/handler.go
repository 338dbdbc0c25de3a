package replication

import (
	"context"
	"encoding/json"

	"github.com/roach88/forksync/internal/doc"
	"github.com/roach88/forksync/internal/meta"
)

// PullBatch is one page of master changes.
type PullBatch struct {
	// Documents are master states, tombstones included.
	Documents []doc.Document

	// Checkpoint is the handler's opaque position after Documents. The
	// engine stores it and hands it back on the next call.
	Checkpoint json.RawMessage
}

// PullHandler fetches master changes.
type PullHandler interface {
	// Pull returns up to batchSize master documents changed after
	// checkpoint. A nil checkpoint means from the beginning. Returning
	// fewer than batchSize documents signals that the master is drained.
	Pull(ctx context.Context, checkpoint json.RawMessage, batchSize int) (PullBatch, error)
}

// PullHandlerFunc adapts a function to PullHandler.
type PullHandlerFunc func(ctx context.Context, checkpoint json.RawMessage, batchSize int) (PullBatch, error)

// Pull implements PullHandler.
func (f PullHandlerFunc) Pull(ctx context.Context, checkpoint json.RawMessage, batchSize int) (PullBatch, error) {
	return f(ctx, checkpoint, batchSize)
}

// PullStreamEvent is one live update from the master. Resync asks the
// engine to run a full pull instead of applying Documents.
type PullStreamEvent struct {
	Documents  []doc.Document
	Checkpoint json.RawMessage
	Resync     bool
}

// PushRow is one fork document sent to the master.
type PushRow struct {
	NewDocumentState doc.Document

	// AssumedMasterState is what the fork believes the master holds, or nil
	// if the document was never replicated. Masters compare it with their
	// current state to detect conflicts.
	AssumedMasterState *doc.Document
}

// PushHandler sends fork changes to the master.
type PushHandler interface {
	// Push writes rows to the master. For every row the master did not
	// accept it returns the master's current state as a conflict. Rows
	// without a returned conflict count as accepted.
	Push(ctx context.Context, rows []PushRow) ([]doc.Document, error)
}

// PushHandlerFunc adapts a function to PushHandler.
type PushHandlerFunc func(ctx context.Context, rows []PushRow) ([]doc.Document, error)

// Push implements PushHandler.
func (f PushHandlerFunc) Push(ctx context.Context, rows []PushRow) ([]doc.Document, error) {
	return f(ctx, rows)
}

// Modifier transforms a document on its way between fork and master.
type Modifier func(doc.Document) (doc.Document, error)

// checkPushResult verifies that every conflict belongs to a distinct row of
// the batch.
func checkPushResult(rows []PushRow, conflicts []doc.Document, checkpoint json.RawMessage) error {
	sent := make(map[string]bool, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		sent[r.NewDocumentState.ID] = true
		ids[i] = r.NewDocumentState.ID
	}

	seen := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		switch {
		case c.ID == "":
			return newContractError(meta.Push, checkpoint, ids, "push handler returned a conflict without id")
		case !sent[c.ID]:
			return newContractError(meta.Push, checkpoint, ids, "push handler returned a conflict for %q which was not pushed", c.ID)
		case seen[c.ID]:
			return newContractError(meta.Push, checkpoint, ids, "push handler returned more than one conflict for %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// checkPullResult verifies that pulled documents have ids and come with a
// checkpoint.
func checkPullResult(docs []doc.Document, next, checkpoint json.RawMessage) error {
	for _, d := range docs {
		if d.ID == "" {
			return newContractError(meta.Pull, checkpoint, nil, "pull handler returned a document without id")
		}
	}
	if len(docs) > 0 && len(next) == 0 {
		return newContractError(meta.Pull, checkpoint, documentIDs(docs), "pull handler returned documents without a checkpoint")
	}
	return nil
}

func documentIDs(docs []doc.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
