// Package replication synchronizes a fork storage instance with a remote
// master reached only through pull and push handlers.
//
// A Replication runs two independent loops. Push reads the fork's change
// feed since the push checkpoint, drops documents the Echo Guard marks as
// pull-originated or that already match the assumed master state, sends the
// rest to the push handler and resolves returned conflicts. Pull asks the
// pull handler for master changes since the pull checkpoint and writes them
// into the fork through the ordinary conflict-aware write path.
//
// Checkpoints and assumed master states live in a meta store keyed by the
// replication identity, so a restarted replication resumes where it left
// off. Checkpoints advance only after confirmed success; a crash replays
// at most one batch, and replayed batches are absorbed because every write
// is revision checked.
//
// Lifecycle:
//
//	created -> running <-> retry-wait -> stopped
//
// Handler failures are published on Errors and retried after RetryTime for
// as long as the replication runs. Only invariant violations stop it.
package replication
