// Package conflict resolves divergent fork and master states.
//
// Handlers must be pure and deterministic: two replicas resolving the same
// input independently must reach the same document, otherwise they would
// keep overwriting each other.
package conflict

import (
	"context"

	"github.com/roach88/forksync/internal/doc"
)

// Input is one conflict to resolve.
type Input struct {
	// NewDocumentState is the fork's state.
	NewDocumentState doc.Document

	// AssumedMasterState is the master state the fork last synced with,
	// or nil if the document was never replicated.
	AssumedMasterState *doc.Document

	// RealMasterState is the master's actual current state.
	RealMasterState doc.Document
}

// Output is the resolution.
type Output struct {
	// IsEqual reports that both sides already hold the same document and
	// no write is needed.
	IsEqual bool

	// DocumentData is the resolved document when IsEqual is false.
	DocumentData *doc.Document
}

// Handler resolves conflicts.
type Handler interface {
	Resolve(ctx context.Context, in Input) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (Output, error)

// Resolve implements Handler.
func (f HandlerFunc) Resolve(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Equal reports whether a and b hold the same payload and deleted flag.
// Ids are not compared. Payloads compare by canonical encoding, so key order
// and numeric representation do not matter.
func Equal(a, b doc.Document) bool {
	if a.Deleted != b.Deleted {
		return false
	}
	return doc.CanonicalEqual(payload(a.Data), payload(b.Data))
}

// payload maps a nil payload to an empty object so that a tombstone without
// data equals one with {}.
func payload(d doc.Data) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

// IsEqual asks h whether a and b are the same document.
func IsEqual(ctx context.Context, h Handler, a, b doc.Document) (bool, error) {
	out, err := h.Resolve(ctx, Input{NewDocumentState: a, RealMasterState: b})
	if err != nil {
		return false, err
	}
	return out.IsEqual, nil
}

// MasterWins is the default handler: the master's state replaces the fork's.
var MasterWins Handler = HandlerFunc(func(_ context.Context, in Input) (Output, error) {
	if Equal(in.NewDocumentState, in.RealMasterState) {
		return Output{IsEqual: true}, nil
	}
	resolved := in.RealMasterState.Clone()
	return Output{DocumentData: &resolved}, nil
})

// ThreeWayMerge keeps top-level fields the fork changed relative to the
// assumed master state as long as the master did not change the same field.
// Everything else, deletions included, follows the master. Without an
// assumed master state it behaves like MasterWins.
var ThreeWayMerge Handler = HandlerFunc(func(_ context.Context, in Input) (Output, error) {
	fork, master := in.NewDocumentState, in.RealMasterState
	if Equal(fork, master) {
		return Output{IsEqual: true}, nil
	}

	base := in.AssumedMasterState
	if base == nil || fork.Deleted || master.Deleted || base.Deleted {
		resolved := master.Clone()
		return Output{DocumentData: &resolved}, nil
	}

	merged := master.Clone()
	if merged.Data == nil {
		merged.Data = doc.Data{}
	}
	for _, field := range changedFields(base.Data, fork.Data) {
		if !fieldEqual(base.Data, master.Data, field) {
			continue // both sides changed it
		}
		if v, ok := fork.Data[field]; ok {
			merged.Data[field] = v
		} else {
			delete(merged.Data, field)
		}
	}
	return Output{DocumentData: &merged}, nil
})

// changedFields returns the top-level fields whose value differs between
// base and next, including added and removed ones.
func changedFields(base, next doc.Data) []string {
	var out []string
	for k := range base {
		if !fieldEqual(base, next, k) {
			out = append(out, k)
		}
	}
	for k := range next {
		if _, ok := base[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func fieldEqual(a, b doc.Data, field string) bool {
	av, aok := a[field]
	bv, bok := b[field]
	if aok != bok {
		return false
	}
	return doc.CanonicalEqual(av, bv)
}
