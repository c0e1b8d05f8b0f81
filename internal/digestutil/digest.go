// Package digestutil computes the 256-bit content digests used throughout
// Converge as object identifiers (C1, §3). It wraps
// github.com/opencontainers/go-digest the way the teacher's blobStore.put
// wraps digest.FromBytes, stripping the algorithm prefix to produce the
// bare 64-character hex ID spec.md's grammar requires.
package digestutil

import (
	"encoding/json"
	"fmt"

	"github.com/converge/converge/internal/model"
	"github.com/opencontainers/go-digest"
)

// FromBytes hashes p and returns the bare hex digest (no "sha256:" prefix).
func FromBytes(p []byte) model.ObjectID {
	d := digest.SHA256.FromBytes(p)
	return model.ObjectID(d.Encoded())
}

// Verify recomputes the digest of p and compares it to want, returning an
// error if they differ. This is the hash-on-read/hash-on-write check
// required by §4.1.
func Verify(want model.ObjectID, p []byte) error {
	got := FromBytes(p)
	if got != want {
		return fmt.Errorf("digest mismatch: want %s, got %s", want, got)
	}
	return nil
}

// CanonicalJSON serializes v the way every content-addressed structured
// kind (recipe, manifest, snap) must be serialized before hashing: compact,
// stable key order from encoding/json's struct-field order. Converge does
// not need map-key canonicalization because every hashed structure is a
// struct with a fixed field order, not a map.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// HashStruct serializes v canonically and returns its digest, the pattern
// used to compute recipe/manifest/snap IDs (§3: "ID = hash(serialized
// recipe)", etc).
func HashStruct(v any) (model.ObjectID, []byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	return FromBytes(b), b, nil
}
