// Package superposition implements the superposition engine (C9, §4.6):
// enumerating unresolved variant entries in a manifest tree, validating
// a proposed resolution against that enumeration, and applying a
// resolution to produce a new, conflict-free manifest root. Grounded on
// manifest/manifestlist's variant/platform-list modeling and
// internal/manifestgraph's DAG-walking idiom.
package superposition

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/publication"
)

// Storer is the object-store surface the engine needs.
type Storer = publication.Storer

// Decision selects a variant at a path either by its index in the
// enumeration or by its (source,key) identity — exactly one of Index
// (≥0) or Key should be set; a Key match takes precedence when both are
// present.
type Decision struct {
	Index int
	Key   string // matches SuperpositionVariant.IdentityKey()
}

// EnumerateVariants walks the manifest DAG rooted at root and returns an
// ordered map (slice of entries, keyed by slash-joined path) of every
// unresolved Superposition node (§4.6 item 1).
func EnumerateVariants(store Storer, root model.ObjectID) ([]PathVariants, error) {
	var out []PathVariants
	if err := enumerate(store, root, "", &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// PathVariants is one enumerated Superposition entry, at its full
// slash-joined path.
type PathVariants struct {
	Path     string
	Variants []model.SuperpositionVariant
}

func enumerate(store Storer, root model.ObjectID, prefix string, out *[]PathVariants) error {
	raw, err := store.Get(model.KindManifest, root)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", root, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode manifest %s: %w", root, err)
	}

	for _, e := range m.Entries {
		path := joinPath(prefix, e.Name)
		switch e.Kind {
		case model.EntrySuperposition:
			*out = append(*out, PathVariants{Path: path, Variants: e.Variants})
		case model.EntryDir:
			if err := enumerate(store, e.DirManifest, path, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Report is the §4.6 item 2 validation output: four disjoint diagnostic
// lists plus an overall verdict.
type Report struct {
	Missing     []string
	Extraneous  []string
	OutOfRange  []string
	InvalidKeys []string
	OK          bool
}

// ValidateResolution checks decisions against the root's enumeration.
// `ok` holds iff Missing, OutOfRange, and InvalidKeys are all empty —
// Extraneous entries are non-fatal warnings (§4.6 item 2).
func ValidateResolution(store Storer, root model.ObjectID, decisions map[string]Decision) (*Report, error) {
	enumerated, err := EnumerateVariants(store, root)
	if err != nil {
		return nil, err
	}
	byPath := map[string]PathVariants{}
	for _, pv := range enumerated {
		byPath[pv.Path] = pv
	}

	report := &Report{}

	for _, pv := range enumerated {
		d, has := decisions[pv.Path]
		if !has {
			report.Missing = append(report.Missing, pv.Path)
			continue
		}
		if d.Key != "" {
			found := false
			for _, v := range pv.Variants {
				if v.IdentityKey() == d.Key {
					found = true
					break
				}
			}
			if !found {
				report.InvalidKeys = append(report.InvalidKeys, pv.Path)
			}
			continue
		}
		if d.Index < 0 || d.Index >= len(pv.Variants) {
			report.OutOfRange = append(report.OutOfRange, pv.Path)
		}
	}

	for path := range decisions {
		if _, ok := byPath[path]; !ok {
			report.Extraneous = append(report.Extraneous, path)
		}
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Extraneous)
	sort.Strings(report.OutOfRange)
	sort.Strings(report.InvalidKeys)

	report.OK = len(report.Missing) == 0 && len(report.OutOfRange) == 0 && len(report.InvalidKeys) == 0
	return report, nil
}

// ApplyResolution produces a new manifest root with every Superposition
// entry replaced by its decision's chosen variant (§4.6 item 3). Callers
// should only apply a resolution that ValidateResolution reported ok.
func ApplyResolution(store Storer, root model.ObjectID, decisions map[string]Decision) (model.ObjectID, error) {
	return applyAt(store, root, "", decisions)
}

func applyAt(store Storer, root model.ObjectID, prefix string, decisions map[string]Decision) (model.ObjectID, error) {
	raw, err := store.Get(model.KindManifest, root)
	if err != nil {
		return "", fmt.Errorf("load manifest %s: %w", root, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("decode manifest %s: %w", root, err)
	}

	changed := false
	out := &model.Manifest{Version: m.Version}
	for _, e := range m.Entries {
		path := joinPath(prefix, e.Name)
		switch e.Kind {
		case model.EntrySuperposition:
			resolved, omit, err := resolveEntry(e, decisions[path])
			if err != nil {
				return "", fmt.Errorf("resolve %q: %w", path, err)
			}
			if !omit {
				out.Entries = append(out.Entries, resolved)
			}
			changed = true
		case model.EntryDir:
			newSub, err := applyAt(store, e.DirManifest, path, decisions)
			if err != nil {
				return "", err
			}
			if newSub != e.DirManifest {
				changed = true
			}
			entry := *e
			entry.DirManifest = newSub
			out.Entries = append(out.Entries, &entry)
		default:
			entry := *e
			out.Entries = append(out.Entries, &entry)
		}
	}

	if !changed {
		return root, nil
	}

	sorted := out.SortedCopy()
	b, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	return store.Put(model.KindManifest, b)
}

// resolveEntry converts a resolved superposition entry's chosen variant
// into its materialized form. omit is true when the chosen variant is a
// tombstone — the resolution is "this path should not exist" — in which
// case the caller drops the entry from the output manifest entirely
// rather than materializing a placeholder.
func resolveEntry(e *model.ManifestEntry, d Decision) (out *model.ManifestEntry, omit bool, err error) {
	var chosen *model.SuperpositionVariant
	if d.Key != "" {
		for i := range e.Variants {
			if e.Variants[i].IdentityKey() == d.Key {
				chosen = &e.Variants[i]
				break
			}
		}
	} else if d.Index >= 0 && d.Index < len(e.Variants) {
		chosen = &e.Variants[d.Index]
	}
	if chosen == nil {
		return nil, false, fmt.Errorf("no matching decision for superposition entry %q", e.Name)
	}

	switch chosen.Kind {
	case model.VariantFile:
		return &model.ManifestEntry{Name: e.Name, Kind: model.EntryFile, Blob: chosen.Blob, Mode: chosen.Mode, Size: chosen.Size}, false, nil
	case model.VariantFileChunks:
		return &model.ManifestEntry{Name: e.Name, Kind: model.EntryFileChunks, Recipe: chosen.Recipe, Mode: chosen.Mode, Size: chosen.Size}, false, nil
	case model.VariantSymlink:
		return &model.ManifestEntry{Name: e.Name, Kind: model.EntrySymlink, Target: chosen.Target}, false, nil
	case model.VariantTombstone:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("unknown variant kind %q", chosen.Kind)
	}
}
