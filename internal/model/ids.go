// Package model holds the content-addressed data model shared by every
// component of the publication-flow engine: object identifiers, manifests,
// snaps, gate graphs, and the repository aggregate.
package model

import (
	"fmt"
	"regexp"
)

// ObjectID is a 64-character lowercase hex digest identifying a blob,
// recipe, manifest, or snap by content hash.
type ObjectID string

var objectIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Valid reports whether id matches the object/snap/bundle identifier
// grammar (§6: `^[0-9a-f]{64}$`).
func (id ObjectID) Valid() bool {
	return objectIDPattern.MatchString(string(id))
}

func (id ObjectID) String() string { return string(id) }

// identifierPattern matches gate, scope, lane, and repo IDs: `[a-z][a-z0-9-]*`,
// length 1-64.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidateIdentifier enforces the §6 grammar for gate/scope/lane/repo IDs.
func ValidateIdentifier(id string) error {
	if len(id) == 0 || len(id) > 64 {
		return fmt.Errorf("identifier %q must be 1-64 characters", id)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("identifier %q must match [a-z][a-z0-9-]*", id)
	}
	return nil
}

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateChannel enforces the §6 release channel grammar.
func ValidateChannel(name string) error {
	if name == "" || !channelPattern.MatchString(name) {
		return fmt.Errorf("channel name %q must match [A-Za-z0-9._-]+", name)
	}
	return nil
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateHandle enforces the §6 user handle grammar.
func ValidateHandle(name string) error {
	if name == "" || !handlePattern.MatchString(name) {
		return fmt.Errorf("user handle %q must match [A-Za-z0-9._-]+", name)
	}
	return nil
}

// Identity is a dual-indexed actor reference: a human-readable handle plus
// a stable user ID that survives handle renames (§4.8, §9 "Identifier dual
// indexing"). UserID may be empty for legacy records hydrated before a
// stable ID was assigned to the handle.
type Identity struct {
	Handle string `json:"handle"`
	UserID string `json:"user_id,omitempty"`
}

// Kind enumerates the object-store content kinds (§4.1, §6).
type Kind string

const (
	KindBlob     Kind = "blobs"
	KindRecipe   Kind = "recipes"
	KindManifest Kind = "manifests"
	KindSnap     Kind = "snaps"
)
