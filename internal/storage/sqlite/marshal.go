package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/forksync/internal/doc"
)

// storedMeta is the JSON layout of the meta column. lwt has its own column
// because the change feed orders by it.
type storedMeta struct {
	Echo map[string]int `json:"echo,omitempty"`
}

// marshalState serializes the payload and meta columns.
func marshalState(s doc.State) (dataJSON, metaJSON string, err error) {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return "", "", fmt.Errorf("marshal data: %w", err)
	}
	meta, err := json.Marshal(storedMeta{Echo: s.Meta.Echo})
	if err != nil {
		return "", "", fmt.Errorf("marshal meta: %w", err)
	}
	return string(data), string(meta), nil
}

// scanState scans one row of (id, data, deleted, rev, lwt, meta).
func scanState(rows *sql.Rows) (doc.State, error) {
	var (
		s        doc.State
		dataJSON string
		metaJSON string
		revStr   string
	)
	if err := rows.Scan(&s.ID, &dataJSON, &s.Deleted, &revStr, &s.Meta.LWT, &metaJSON); err != nil {
		return doc.State{}, fmt.Errorf("scan document: %w", err)
	}

	if err := json.Unmarshal([]byte(dataJSON), &s.Data); err != nil {
		return doc.State{}, fmt.Errorf("unmarshal data of %s: %w", s.ID, err)
	}

	var meta storedMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return doc.State{}, fmt.Errorf("unmarshal meta of %s: %w", s.ID, err)
	}
	s.Meta.Echo = meta.Echo

	rev, err := doc.ParseRevision(revStr)
	if err != nil {
		return doc.State{}, fmt.Errorf("document %s: %w", s.ID, err)
	}
	s.Rev = rev

	return s, nil
}
