// Package doc defines the document model shared by storage backends and the
// replication engine.
//
// A document is identified by its primary key and carries a JSON-compatible
// payload. Storage instances wrap it into a State by stamping a Revision and
// a monotonic last-write time (lwt). Handlers talking to the master only see
// the bare Document: payload plus the deleted flag.
//
// # Canonical Encoding
//
// Equality of payloads and all content-addressed keys go through
// MarshalCanonical, an RFC 8785 style encoding:
//   - Object keys sorted by UTF-16 code units
//   - Strings NFC normalized, no HTML escaping
//   - Integral numbers printed without exponent or fraction
//
// Two payloads are equal if and only if their canonical encodings are equal,
// regardless of which backend decoded them (int64 vs float64).
package doc
