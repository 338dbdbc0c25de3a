package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/forksync/internal/doc"
)

// Checkpoint marks a position in an instance's change feed.
//
// Ordering is (LWT, ID) ascending. A nil *Checkpoint means "from the
// beginning". Consumers treat checkpoints as opaque and only hand them back
// to the instance that produced them.
type Checkpoint struct {
	LWT int64  `json:"lwt"`
	ID  string `json:"id"`
}

// CheckpointOf returns the checkpoint positioned at s.
func CheckpointOf(s doc.State) Checkpoint {
	return Checkpoint{LWT: s.Meta.LWT, ID: s.ID}
}

// Compare returns -1, 0 or 1 as c sorts before, equal to or after other.
func (c Checkpoint) Compare(other Checkpoint) int {
	switch {
	case c.LWT < other.LWT:
		return -1
	case c.LWT > other.LWT:
		return 1
	}
	return strings.Compare(c.ID, other.ID)
}

// After reports whether s lies strictly after the checkpoint c.
// A nil checkpoint precedes every state.
func After(s doc.State, c *Checkpoint) bool {
	if c == nil {
		return true
	}
	return CheckpointOf(s).Compare(*c) > 0
}

// EncodeCheckpoint serializes c for persistence. A nil checkpoint encodes
// to nil.
func EncodeCheckpoint(c *Checkpoint) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return raw, nil
}

// DecodeCheckpoint parses a checkpoint produced by EncodeCheckpoint.
// Empty input and JSON null decode to nil.
func DecodeCheckpoint(raw json.RawMessage) (*Checkpoint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &c, nil
}
