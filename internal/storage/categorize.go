package storage

import (
	"github.com/roach88/forksync/internal/doc"
)

// Categorized is the backend-independent outcome of a BulkWrite: which
// states to persist, which rows failed, and the events to publish.
//
// Backends persist Writes (insert-or-replace by id) in one transaction, then
// publish Bulk if it has events.
type Categorized struct {
	// Writes holds the stamped states of accepted rows in input order.
	Writes []doc.State

	// Result is returned to the caller as is.
	Result BulkWriteResult

	// Bulk carries one event per accepted row.
	Bulk EventBulk
}

// CategorizeBulkWrite decides, for every row, whether it is accepted or a
// Conflict, and stamps accepted rows.
//
// inDB holds the current states of the rows' ids (tombstones included);
// missing ids mean the document was never written. Rows are processed in
// order and later rows see the states accepted earlier in the same batch.
//
// A row conflicts when a current state exists and either Previous is nil
// while the current state is not deleted, or Previous.Rev differs from the
// current revision.
func CategorizeBulkWrite(
	token string,
	inDB map[string]doc.State,
	rows []WriteRow,
	clock Timestamper,
	bulkID string,
	writeContext string,
) Categorized {
	out := Categorized{
		Writes: make([]doc.State, 0, len(rows)),
		Result: BulkWriteResult{
			Success: make(map[string]doc.State, len(rows)),
			Errors:  make(map[string]*WriteError),
		},
		Bulk: EventBulk{
			ID:      bulkID,
			Context: writeContext,
			Events:  make([]ChangeEvent, 0, len(rows)),
		},
	}

	current := make(map[string]doc.State, len(inDB))
	for id, s := range inDB {
		current[id] = s
	}

	for _, row := range rows {
		id := row.Document.ID
		existing, exists := current[id]

		if exists && isConflict(existing, row.Previous) {
			inDBCopy := existing.Clone()
			out.Result.Errors[id] = &WriteError{
				Status:       StatusConflict,
				DocumentID:   id,
				Row:          row,
				DocumentInDB: &inDBCopy,
			}
			continue
		}

		var base doc.Revision
		switch {
		case exists:
			base = existing.Rev
		case row.Previous != nil:
			// Previous points at a state that cleanup already removed.
			base = row.Previous.Rev
		}

		next := row.Document.Clone()
		next.Rev = base.Next(token)
		next.Meta.LWT = clock.Now()

		var prev *doc.State
		if exists {
			p := existing.Clone()
			prev = &p
		}

		out.Writes = append(out.Writes, next)
		out.Result.Success[id] = next
		out.Bulk.Events = append(out.Bulk.Events, ChangeEvent{
			Operation:  operationOf(prev, next),
			DocumentID: id,
			Document:   next,
			Previous:   prev,
		})
		current[id] = next
	}

	if n := len(out.Writes); n > 0 {
		cp := CheckpointOf(out.Writes[n-1])
		out.Bulk.Checkpoint = &cp
	}

	return out
}

func isConflict(existing doc.State, previous *doc.State) bool {
	if previous == nil {
		return !existing.Deleted
	}
	return previous.Rev != existing.Rev
}

func operationOf(prev *doc.State, next doc.State) Operation {
	switch {
	case next.Deleted:
		return OpDelete
	case prev == nil || prev.Deleted:
		return OpInsert
	default:
		return OpUpdate
	}
}
