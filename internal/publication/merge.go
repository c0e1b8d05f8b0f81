package publication

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/converge/converge/internal/model"
)

// Storer is the subset of *objectstore.Store the merge engine needs:
// reading existing manifests and persisting newly merged ones.
type Storer interface {
	Get(kind model.Kind, id model.ObjectID) ([]byte, error)
	Put(kind model.Kind, p []byte) (model.ObjectID, error)
}

// mergeManifests recursively unions the named manifests into one root,
// ordered by entry name (§4.3 step 3). sourceIDs labels each input for
// the superposition variants it may contribute to — the publication ID
// that manifest came from.
func mergeManifests(store Storer, sourceIDs []string, manifests []*model.Manifest) (*model.Manifest, error) {
	names := map[string]bool{}
	for _, m := range manifests {
		for _, e := range m.Entries {
			names[e.Name] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := &model.Manifest{Version: 1}
	for _, name := range sorted {
		entries := make([]*model.ManifestEntry, len(manifests))
		for i, m := range manifests {
			entries[i] = m.Lookup(name)
		}
		merged, err := mergeEntry(store, name, sourceIDs, entries)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, merged)
	}
	return out, nil
}

func mergeEntry(store Storer, name string, sourceIDs []string, entries []*model.ManifestEntry) (*model.ManifestEntry, error) {
	allPresent := true
	allDirs := true
	for _, e := range entries {
		if e == nil {
			allPresent = false
			allDirs = false
			continue
		}
		if e.Kind != model.EntryDir {
			allDirs = false
		}
	}

	if allPresent && allDirs {
		subs := make([]*model.Manifest, len(entries))
		for i, e := range entries {
			raw, err := store.Get(model.KindManifest, e.DirManifest)
			if err != nil {
				return nil, fmt.Errorf("load dir manifest for %q: %w", name, err)
			}
			var sub model.Manifest
			if err := json.Unmarshal(raw, &sub); err != nil {
				return nil, fmt.Errorf("decode dir manifest for %q: %w", name, err)
			}
			subs[i] = &sub
		}
		mergedSub, err := mergeManifests(store, sourceIDs, subs)
		if err != nil {
			return nil, err
		}
		id, err := persistManifest(store, mergedSub)
		if err != nil {
			return nil, err
		}
		return &model.ManifestEntry{Name: name, Kind: model.EntryDir, DirManifest: id}, nil
	}

	if allPresent && allLeavesEqual(entries) {
		out := *entries[0]
		out.Name = name
		return &out, nil
	}

	variants := make([]model.SuperpositionVariant, 0, len(entries))
	for i, e := range entries {
		variants = append(variants, entryToVariant(sourceIDs[i], e))
	}
	return &model.ManifestEntry{Name: name, Kind: model.EntrySuperposition, Variants: variants}, nil
}

// allLeavesEqual reports whether every (present) entry is identical —
// same kind and same content fields. Callers have already established
// every entry is present.
func allLeavesEqual(entries []*model.ManifestEntry) bool {
	first := entries[0]
	for _, e := range entries[1:] {
		if !entriesEqual(first, e) {
			return false
		}
	}
	return true
}

func entriesEqual(a, b *model.ManifestEntry) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case model.EntryFile:
		return a.Blob == b.Blob && a.Mode == b.Mode && a.Size == b.Size
	case model.EntryFileChunks:
		return a.Recipe == b.Recipe && a.Mode == b.Mode && a.Size == b.Size
	case model.EntrySymlink:
		return a.Target == b.Target
	case model.EntryDir:
		return a.DirManifest == b.DirManifest
	default:
		return false
	}
}

// entryToVariant converts a (possibly absent) manifest entry into its
// superposition variant form. A nil entry becomes a tombstone variant —
// the path is absent on that side (§4.3 step 3, §9 glossary).
func entryToVariant(source string, e *model.ManifestEntry) model.SuperpositionVariant {
	if e == nil {
		return model.SuperpositionVariant{Source: source, Key: "tombstone", Kind: model.VariantTombstone}
	}
	switch e.Kind {
	case model.EntryFile:
		return model.SuperpositionVariant{Source: source, Key: string(e.Blob), Kind: model.VariantFile, Blob: e.Blob, Mode: e.Mode, Size: e.Size}
	case model.EntryFileChunks:
		return model.SuperpositionVariant{Source: source, Key: string(e.Recipe), Kind: model.VariantFileChunks, Recipe: e.Recipe, Mode: e.Mode, Size: e.Size}
	case model.EntrySymlink:
		return model.SuperpositionVariant{Source: source, Key: e.Target, Kind: model.VariantSymlink, Target: e.Target}
	default:
		// A Dir or nested Superposition disagreeing with some other kind at
		// the same path: represented as a tombstone-shaped variant carrying
		// no resolvable leaf content, since superposition variants model
		// only file/chunked-file/symlink/tombstone leaves (§3).
		return model.SuperpositionVariant{Source: source, Key: "tombstone", Kind: model.VariantTombstone}
	}
}

func persistManifest(store Storer, m *model.Manifest) (model.ObjectID, error) {
	sorted := m.SortedCopy()
	b, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return store.Put(model.KindManifest, b)
}
