package doc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Revision is the optimistic-concurrency token of a document state.
//
// Its string form is "<height>-<origin>". Height strictly increases with
// every accepted write of the same document; origin identifies the storage
// instance that accepted the write.
type Revision struct {
	Height int
	Origin string
}

// ParseRevision parses the "<height>-<origin>" form.
// The empty string parses to the zero Revision.
func ParseRevision(s string) (Revision, error) {
	if s == "" {
		return Revision{}, nil
	}
	heightPart, origin, ok := strings.Cut(s, "-")
	if !ok {
		return Revision{}, fmt.Errorf("invalid revision %q: missing separator", s)
	}
	height, err := strconv.Atoi(heightPart)
	if err != nil {
		return Revision{}, fmt.Errorf("invalid revision %q: height: %w", s, err)
	}
	if height < 1 {
		return Revision{}, fmt.Errorf("invalid revision %q: height must be positive", s)
	}
	if origin == "" {
		return Revision{}, fmt.Errorf("invalid revision %q: empty origin", s)
	}
	return Revision{Height: height, Origin: origin}, nil
}

// MustParseRevision is like ParseRevision but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustParseRevision(s string) Revision {
	r, err := ParseRevision(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the "<height>-<origin>" form, or "" for the zero Revision.
func (r Revision) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.Itoa(r.Height) + "-" + r.Origin
}

// IsZero reports whether r is the revision of a document never written.
func (r Revision) IsZero() bool {
	return r.Height == 0 && r.Origin == ""
}

// Next returns the revision an accepted write on top of r receives.
func (r Revision) Next(origin string) Revision {
	return Revision{Height: r.Height + 1, Origin: origin}
}

// MarshalJSON encodes the revision as its string form.
func (r Revision) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes the string form.
func (r *Revision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("revision: %w", err)
	}
	parsed, err := ParseRevision(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
