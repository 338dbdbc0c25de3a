package doc

import "maps"

// Data is a JSON-compatible document payload.
//
// Values are nil, bool, string, numbers (int, int64, float64, json.Number),
// []any, map[string]any or nested Data.
type Data map[string]any

// Clone returns a deep copy of d. Nested maps and slices are copied; scalar
// values are shared.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Data:
		return val.Clone()
	case map[string]any:
		return map[string]any(Data(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Document is the transport-facing form of a document: payload plus the
// deleted flag, without revision or storage metadata.
type Document struct {
	ID      string `json:"id"`
	Data    Data   `json:"data,omitempty"`
	Deleted bool   `json:"_deleted"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{ID: d.ID, Data: d.Data.Clone(), Deleted: d.Deleted}
}

// Meta is storage-owned metadata attached to every State.
type Meta struct {
	// LWT is the last-write time in microseconds. It is assigned by the
	// storage instance and never repeats within one process.
	LWT int64 `json:"lwt"`

	// Echo maps a replication echo key to the revision height that
	// replication wrote. See EchoHeight.
	Echo map[string]int `json:"echo,omitempty"`
}

// Clone returns a copy of the metadata with its own Echo map.
func (m Meta) Clone() Meta {
	return Meta{LWT: m.LWT, Echo: maps.Clone(m.Echo)}
}

// State is the current state of one document inside a storage instance.
type State struct {
	Document
	Rev  Revision `json:"_rev"`
	Meta Meta     `json:"_meta"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{Document: s.Document.Clone(), Rev: s.Rev, Meta: s.Meta.Clone()}
}

// EchoHeight returns the height recorded under key and whether one exists.
func (s State) EchoHeight(key string) (int, bool) {
	h, ok := s.Meta.Echo[key]
	return h, ok
}

// WithEcho returns a copy of s that records height under key.
func (s State) WithEcho(key string, height int) State {
	out := s.Clone()
	if out.Meta.Echo == nil {
		out.Meta.Echo = make(map[string]int, 1)
	}
	out.Meta.Echo[key] = height
	return out
}

// NewState builds an unwritten State for doc carrying over the echo marks
// of prev, if any. Revision and LWT are left for the storage instance.
func NewState(d Document, prev *State) State {
	s := State{Document: d.Clone()}
	if prev != nil {
		s.Meta.Echo = maps.Clone(prev.Meta.Echo)
	}
	return s
}
