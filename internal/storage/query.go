package storage

import (
	"github.com/roach88/forksync/internal/doc"
)

// Query selects documents by top-level field equality.
//
// This is deliberately minimal: query planning belongs to the layer above
// the storage contract. Backends may evaluate Selector in memory.
type Query struct {
	// Selector maps field names to required values. Values compare by
	// canonical encoding. An empty selector matches every document.
	Selector map[string]any

	IncludeDeleted bool

	// Skip and Limit page through the id-ordered result. Limit <= 0 means
	// no limit.
	Skip  int
	Limit int
}

// Matches reports whether s satisfies the selector and deletion filter.
func (q Query) Matches(s doc.State) bool {
	if s.Deleted && !q.IncludeDeleted {
		return false
	}
	for field, want := range q.Selector {
		got, ok := s.Data[field]
		if !ok || !doc.CanonicalEqual(got, want) {
			return false
		}
	}
	return true
}

// Page applies Skip and Limit to an already filtered, id-ordered slice.
func (q Query) Page(states []doc.State) []doc.State {
	if q.Skip > 0 {
		if q.Skip >= len(states) {
			return []doc.State{}
		}
		states = states[q.Skip:]
	}
	if q.Limit > 0 && len(states) > q.Limit {
		states = states[:q.Limit]
	}
	return states
}
