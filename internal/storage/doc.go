// Package storage defines the contract every pluggable storage backend must
// honor, together with the backend-independent pieces of it.
//
// # Contract
//
// Revisioned writes: BulkWrite accepts a row only if its Previous state
// matches the current state (or there is no live current state and no
// Previous). Accepted rows are stamped with Revision previous.Height+1 and a
// fresh last-write time. Rejected rows come back as Conflict WriteErrors that
// carry the current state, so callers can re-resolve without another read.
//
// Atomic batches: rows of one BulkWrite call are categorized first, then
// applied as a single unit. Readers never observe half a batch.
//
// Change feed: ChangedDocumentsSince orders by (lwt, id) ascending, including
// tombstones. Ties on lwt break by byte-wise id order, so a crashed consumer
// resuming from its last Checkpoint sees a stable suffix.
//
// Tombstones: deletes are flagged writes. Deleted states stay visible to the
// change feed until Cleanup removes those older than the retention window.
//
// CategorizeBulkWrite implements the row categorization so backends only
// supply the "read current states" and "apply the result" halves.
package storage
