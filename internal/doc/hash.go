package doc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainReplicationIdentity = "forksync/replication-identity/v1"
	DomainPayload             = "forksync/payload/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdentityKey computes the stable key of a replication identity.
//
// Checkpoints and assumed master states are stored under this key, so it
// must not change across restarts for the same
// (databaseName, collectionName, replicationIdentifier) triple.
func IdentityKey(databaseName, collectionName, identifier string) string {
	// An array keeps the three parts unambiguous ("a-b","c" vs "a","b-c").
	canonical, err := MarshalCanonical([]any{databaseName, collectionName, identifier})
	if err != nil {
		// Strings always encode.
		panic(fmt.Sprintf("IdentityKey: %v", err))
	}
	return hashWithDomain(DomainReplicationIdentity, canonical)
}

// PayloadHash returns the content hash of a document's payload and deleted
// flag. Documents with equal payloads hash equally across backends.
func PayloadHash(d Document) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"data":     map[string]any(d.Data),
		"_deleted": d.Deleted,
	})
	if err != nil {
		return "", fmt.Errorf("PayloadHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}
