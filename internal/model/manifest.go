package model

import "sort"

// Recipe is the canonical serialization of a chunked file: an ordered
// sequence of (blob, size) chunk references plus the total size. Its
// ObjectID is the hash of its canonical JSON encoding (§3, §4.1).
type Recipe struct {
	Version int           `json:"version"`
	Size    uint64        `json:"size"`
	Chunks  []RecipeChunk `json:"chunks"`
}

// RecipeChunk is one fixed-size (except possibly the last) chunk of a
// chunked file.
type RecipeChunk struct {
	Blob ObjectID `json:"blob"`
	Size uint64   `json:"size"`
}

// TotalChunkSize sums the recipe's chunk sizes, used to validate the
// recipe invariant "sum of chunk sizes = total size".
func (r *Recipe) TotalChunkSize() uint64 {
	var total uint64
	for _, c := range r.Chunks {
		total += c.Size
	}
	return total
}

// EntryKind tags the variant a ManifestEntry carries.
type EntryKind string

const (
	EntryFile          EntryKind = "file"
	EntryFileChunks    EntryKind = "file_chunks"
	EntryDir           EntryKind = "dir"
	EntrySymlink       EntryKind = "symlink"
	EntrySuperposition EntryKind = "superposition"
)

// Manifest is an ordered sequence of named entries — a directory's
// contents, content-addressed by the hash of its canonical JSON encoding.
type Manifest struct {
	Version int             `json:"version"`
	Entries []*ManifestEntry `json:"entries"`
}

// SortedCopy returns a copy of the manifest with entries ordered by name,
// the canonical order used before hashing and for deterministic merges.
func (m *Manifest) SortedCopy() *Manifest {
	out := &Manifest{Version: m.Version, Entries: append([]*ManifestEntry(nil), m.Entries...)}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })
	return out
}

// Lookup returns the entry named `name`, or nil.
func (m *Manifest) Lookup(name string) *ManifestEntry {
	for _, e := range m.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// ManifestEntry is one named child of a manifest: exactly one of the
// Kind-tagged fields below is populated, selected by Kind.
type ManifestEntry struct {
	Name string    `json:"name"`
	Kind EntryKind `json:"type"`

	// EntryFile
	Blob ObjectID `json:"blob,omitempty"`
	Mode uint32   `json:"mode,omitempty"`
	Size uint64   `json:"size,omitempty"`

	// EntryFileChunks
	Recipe ObjectID `json:"recipe,omitempty"`

	// EntryDir
	DirManifest ObjectID `json:"manifest,omitempty"`

	// EntrySymlink
	Target string `json:"target,omitempty"`

	// EntrySuperposition
	Variants []SuperpositionVariant `json:"variants,omitempty"`
}

// SuperpositionVariant is one unresolved candidate value for an entry that
// differed between the inputs being merged (§3, §4.6).
type SuperpositionVariant struct {
	Source string                `json:"source"`
	Key    string                `json:"key"`
	Kind   SuperpositionKind     `json:"kind"`
	Blob   ObjectID              `json:"blob,omitempty"`
	Recipe ObjectID              `json:"recipe,omitempty"`
	Mode   uint32                `json:"mode,omitempty"`
	Size   uint64                `json:"size,omitempty"`
	Target string                `json:"target,omitempty"`
}

// SuperpositionKind mirrors EntryKind for the leaf variants a superposition
// may carry, plus a tombstone (the path was absent on one side).
type SuperpositionKind string

const (
	VariantFile       SuperpositionKind = "file"
	VariantFileChunks SuperpositionKind = "file_chunks"
	VariantSymlink    SuperpositionKind = "symlink"
	VariantTombstone  SuperpositionKind = "tombstone"
)

// IdentityKey returns the (source, key) pair that must be unique among a
// superposition's variants per the manifest invariant in §3. Uniqueness of
// the human-readable `source` label itself is explicitly not assumed
// (§9 Open Questions).
func (v SuperpositionVariant) IdentityKey() string {
	return v.Source + "\x00" + v.Key
}

// toEntryKind derives the EntryKind this variant would produce if chosen
// as a resolution.
func (v SuperpositionVariant) toEntryKind() EntryKind {
	switch v.Kind {
	case VariantFile:
		return EntryFile
	case VariantFileChunks:
		return EntryFileChunks
	case VariantSymlink:
		return EntrySymlink
	default:
		return EntryKind(v.Kind)
	}
}
