// Package diffengine implements the diff engine (C12, §4.9): flattening
// two manifest trees to path→signature maps, computing their
// added/deleted/modified set-difference, and an optional rename-detection
// pass over the unconsumed additions and deletions. Grounded on
// original_source/src/diff's tree flatten/diff_trees split and
// manifest/schema2's content-addressed entry modeling.
package diffengine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/converge/converge/internal/manifestgraph"
	"github.com/converge/converge/internal/model"
)

// Per-blob and per-recipe size caps for the rename-detection passes (§5
// "Resource budgets").
const (
	maxBlobBytesForRename  = 1 << 20 // 1 MiB
	maxChunksForRename     = 2048
	minMatchedBytesForSmall = 8
)

// SigKind enumerates the four flattened entry shapes (§4.9 "Flatten").
type SigKind string

const (
	SigFile          SigKind = "file"
	SigFileChunks    SigKind = "file_chunks"
	SigSymlink       SigKind = "symlink"
	SigSuperposition SigKind = "superposition"
)

// Signature is a path's flattened content descriptor. Directories are
// never emitted; their children's paths carry the tree structure
// implicitly.
type Signature struct {
	Kind     SigKind
	Blob     model.ObjectID
	Recipe   model.ObjectID
	Mode     uint32
	Size     uint64
	Target   string
	Variants int
}

func (s Signature) equal(o Signature) bool {
	return s.Kind == o.Kind && s.Blob == o.Blob && s.Recipe == o.Recipe &&
		s.Mode == o.Mode && s.Size == o.Size && s.Target == o.Target && s.Variants == o.Variants
}

func signatureFor(e *model.ManifestEntry) (Signature, error) {
	switch e.Kind {
	case model.EntryFile:
		return Signature{Kind: SigFile, Blob: e.Blob, Mode: e.Mode, Size: e.Size}, nil
	case model.EntryFileChunks:
		return Signature{Kind: SigFileChunks, Recipe: e.Recipe, Mode: e.Mode, Size: e.Size}, nil
	case model.EntrySymlink:
		return Signature{Kind: SigSymlink, Target: e.Target}, nil
	case model.EntrySuperposition:
		return Signature{Kind: SigSuperposition, Variants: len(e.Variants)}, nil
	default:
		return Signature{}, fmt.Errorf("entry %q has unflattenable kind %q", e.Name, e.Kind)
	}
}

// Flatten walks the manifest tree rooted at root and returns a path→
// signature map (§4.9 "Flatten").
func Flatten(loader manifestgraph.Loader, root model.ObjectID) (map[string]Signature, error) {
	out := map[string]Signature{}
	if err := flattenInto(loader, root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(loader manifestgraph.Loader, root model.ObjectID, prefix string, out map[string]Signature) error {
	raw, err := loader.Get(model.KindManifest, root)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", root, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode manifest %s: %w", root, err)
	}

	for _, e := range m.Entries {
		path := joinPath(prefix, e.Name)
		if e.Kind == model.EntryDir {
			if err := flattenInto(loader, e.DirManifest, path, out); err != nil {
				return err
			}
			continue
		}
		sig, err := signatureFor(e)
		if err != nil {
			return err
		}
		out[path] = sig
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// EntryKind distinguishes the four possible diff-line shapes, used for
// the final stable sort (§4.9 "sorted by (kind_key, path)").
type EntryKind string

const (
	KindAdded    EntryKind = "added"
	KindDeleted  EntryKind = "deleted"
	KindModified EntryKind = "modified"
	KindRenamed  EntryKind = "renamed"
)

func kindOrder(k EntryKind) int {
	switch k {
	case KindAdded:
		return 0
	case KindDeleted:
		return 1
	case KindModified:
		return 2
	case KindRenamed:
		return 3
	default:
		return 4
	}
}

// DiffEntry is one Added/Deleted/Modified line.
type DiffEntry struct {
	Kind EntryKind
	Path string
	From *Signature
	To   *Signature
}

// RenameEntry is one matched rename, optionally carrying content changes
// (§4.9 "rename detection").
type RenameEntry struct {
	From     string
	To       string
	Modified bool
}

// Result is the diff engine's full output (§4.9).
type Result struct {
	Added    []DiffEntry
	Deleted  []DiffEntry
	Modified []DiffEntry
	Renamed  []RenameEntry
}

// Line is one element of Result.Lines, which flattens Result into one
// sorted slice for display, with Renamed entries represented at their
// "from" path (§4.9 final sort order: Added < Deleted < Modified <
// Renamed, then by path).
type Line struct {
	Kind   EntryKind
	Path   string
	Rename *RenameEntry
	Entry  *DiffEntry
}

func (r *Result) Lines() []Line {
	var lines []Line
	for i := range r.Added {
		lines = append(lines, Line{Kind: KindAdded, Path: r.Added[i].Path, Entry: &r.Added[i]})
	}
	for i := range r.Deleted {
		lines = append(lines, Line{Kind: KindDeleted, Path: r.Deleted[i].Path, Entry: &r.Deleted[i]})
	}
	for i := range r.Modified {
		lines = append(lines, Line{Kind: KindModified, Path: r.Modified[i].Path, Entry: &r.Modified[i]})
	}
	for i := range r.Renamed {
		lines = append(lines, Line{Kind: KindRenamed, Path: r.Renamed[i].From, Rename: &r.Renamed[i]})
	}
	sort.Slice(lines, func(i, j int) bool {
		if kindOrder(lines[i].Kind) != kindOrder(lines[j].Kind) {
			return kindOrder(lines[i].Kind) < kindOrder(lines[j].Kind)
		}
		return lines[i].Path < lines[j].Path
	})
	return lines
}

// Diff computes the set-difference between base and current (§4.9
// "Diff"). Added/Deleted/Modified entries are each sorted by path.
func Diff(base, current map[string]Signature) *Result {
	result := &Result{}

	for path, fromSig := range base {
		toSig, ok := current[path]
		if !ok {
			f := fromSig
			result.Deleted = append(result.Deleted, DiffEntry{Kind: KindDeleted, Path: path, From: &f})
			continue
		}
		if !fromSig.equal(toSig) {
			f, t := fromSig, toSig
			result.Modified = append(result.Modified, DiffEntry{Kind: KindModified, Path: path, From: &f, To: &t})
		}
	}
	for path, toSig := range current {
		if _, ok := base[path]; !ok {
			t := toSig
			result.Added = append(result.Added, DiffEntry{Kind: KindAdded, Path: path, To: &t})
		}
	}

	sortByPath(result.Added)
	sortByPath(result.Deleted)
	sortByPath(result.Modified)
	return result
}

func sortByPath(entries []DiffEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

// BlobLoader is the object-store surface rename detection needs to read
// file and recipe content. manifestgraph.Loader already matches this
// shape — the diff engine's blob/recipe loads share the same Get(kind,id)
// call as its manifest loads.
type BlobLoader = manifestgraph.Loader

// DetectRenames runs the three-pass rename match (§4.9 "Rename
// detection") over result's unconsumed Added/Deleted entries and
// populates result.Renamed, removing matched entries from Added/Deleted.
func DetectRenames(loader BlobLoader, result *Result) error {
	consumedDeleted := map[string]bool{}
	consumedAdded := map[string]bool{}

	matchExactIdentity(result.Deleted, result.Added, consumedDeleted, consumedAdded, result)

	if err := matchBlobEdits(loader, result.Deleted, result.Added, consumedDeleted, consumedAdded, result); err != nil {
		return err
	}
	if err := matchRecipeEdits(loader, result.Deleted, result.Added, consumedDeleted, consumedAdded, result); err != nil {
		return err
	}

	result.Deleted = filterUnconsumed(result.Deleted, consumedDeleted)
	result.Added = filterUnconsumed(result.Added, consumedAdded)
	return nil
}

func filterUnconsumed(entries []DiffEntry, consumed map[string]bool) []DiffEntry {
	var out []DiffEntry
	for _, e := range entries {
		if !consumed[e.Path] {
			out = append(out, e)
		}
	}
	return out
}

// identityKey returns the exact-match identity for a signature, or ""
// when the kind has no single-value identity (Superposition).
func identityKey(s Signature) string {
	switch s.Kind {
	case SigFile:
		return "blob:" + string(s.Blob)
	case SigFileChunks:
		return "recipe:" + string(s.Recipe)
	case SigSymlink:
		return "symlink:" + s.Target
	default:
		return ""
	}
}

// matchExactIdentity implements pass 1: an identity key present on
// exactly one deleted and one added path is an unambiguous rename
// (§4.9 item 1).
func matchExactIdentity(deleted, added []DiffEntry, consumedDeleted, consumedAdded map[string]bool, result *Result) {
	delByKey := map[string][]string{}
	for _, d := range deleted {
		if k := identityKey(*d.From); k != "" {
			delByKey[k] = append(delByKey[k], d.Path)
		}
	}
	addByKey := map[string][]string{}
	for _, a := range added {
		if k := identityKey(*a.To); k != "" {
			addByKey[k] = append(addByKey[k], a.Path)
		}
	}

	var keys []string
	for k := range delByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		dPaths := delByKey[k]
		aPaths := addByKey[k]
		if len(dPaths) != 1 || len(aPaths) != 1 {
			continue
		}
		from, to := dPaths[0], aPaths[0]
		result.Renamed = append(result.Renamed, RenameEntry{From: from, To: to, Modified: false})
		consumedDeleted[from] = true
		consumedAdded[to] = true
	}
}

// matchBlobEdits implements pass 2 (§4.9 item 2).
func matchBlobEdits(loader BlobLoader, deleted, added []DiffEntry, consumedDeleted, consumedAdded map[string]bool, result *Result) error {
	type candidate struct {
		path string
		data []byte
	}
	var dels, adds []candidate

	for _, d := range deleted {
		if consumedDeleted[d.Path] || d.From.Kind != SigFile || d.From.Size > maxBlobBytesForRename {
			continue
		}
		raw, err := loader.Get(model.KindBlob, d.From.Blob)
		if err != nil {
			return fmt.Errorf("load blob %s for rename detection: %w", d.From.Blob, err)
		}
		dels = append(dels, candidate{path: d.Path, data: raw})
	}
	for _, a := range added {
		if consumedAdded[a.Path] || a.To.Kind != SigFile || a.To.Size > maxBlobBytesForRename {
			continue
		}
		raw, err := loader.Get(model.KindBlob, a.To.Blob)
		if err != nil {
			return fmt.Errorf("load blob %s for rename detection: %w", a.To.Blob, err)
		}
		adds = append(adds, candidate{path: a.Path, data: raw})
	}

	used := map[int]bool{}
	for len(dels) > 0 {
		bestDel, bestAdd, bestScore := -1, -1, -1.0
		for di, d := range dels {
			if consumedDeleted[d.path] {
				continue
			}
			for ai, a := range adds {
				if used[ai] || consumedAdded[a.path] {
					continue
				}
				score, ok := blobSimilarity(d.data, a.data)
				if ok && score > bestScore {
					bestScore, bestDel, bestAdd = score, di, ai
				}
			}
		}
		if bestDel < 0 {
			break
		}
		result.Renamed = append(result.Renamed, RenameEntry{From: dels[bestDel].path, To: adds[bestAdd].path, Modified: true})
		consumedDeleted[dels[bestDel].path] = true
		consumedAdded[adds[bestAdd].path] = true
		used[bestAdd] = true
		dels = append(dels[:bestDel], dels[bestDel+1:]...)
	}
	return nil
}

// blobSimilarity scores two byte slices by common-prefix+suffix length
// over the longer length, applying the size-adaptive acceptance
// threshold and size-delta rejection rule (§4.9 item 2). ok is false when
// the pair should be rejected outright.
func blobSimilarity(a, b []byte) (float64, bool) {
	sizeA, sizeB := len(a), len(b)
	larger, smaller := sizeA, sizeB
	if smaller > larger {
		larger, smaller = smaller, larger
	}
	if larger == 0 {
		return 0, false
	}

	delta := sizeA - sizeB
	if delta < 0 {
		delta = -delta
	}
	if delta > 8*1024 && float64(delta) > 0.20*float64(larger) {
		return 0, false
	}

	prefix := commonPrefixLen(a, b)
	suffix := commonSuffixLen(a, b, prefix)
	matched := prefix + suffix
	if matched < minMatchedBytesForSmall && larger > minMatchedBytesForSmall {
		return 0, false
	}

	score := float64(matched) / float64(larger)
	if score < similarityThreshold(larger) {
		return 0, false
	}
	return score, true
}

// similarityThreshold interpolates the size-adaptive threshold named in
// §4.9 item 2: 0.65 at ≤512 B, 0.85 at >16 KiB, linear in between.
func similarityThreshold(size int) float64 {
	const (
		lowSize   = 512
		highSize  = 16 * 1024
		lowThresh = 0.65
		highThresh = 0.85
	)
	if size <= lowSize {
		return lowThresh
	}
	if size >= highSize {
		return highThresh
	}
	frac := float64(size-lowSize) / float64(highSize-lowSize)
	return lowThresh + frac*(highThresh-lowThresh)
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b []byte, prefixLen int) int {
	i, j := len(a)-1, len(b)-1
	count := 0
	for i >= prefixLen && j >= prefixLen && a[i] == b[j] {
		i--
		j--
		count++
	}
	return count
}

// matchRecipeEdits implements pass 3, analogous to matchBlobEdits but
// over chunk-digest sequences instead of bytes (§4.9 item 3).
func matchRecipeEdits(loader BlobLoader, deleted, added []DiffEntry, consumedDeleted, consumedAdded map[string]bool, result *Result) error {
	type candidate struct {
		path   string
		chunks []model.ObjectID
	}
	var dels, adds []candidate

	for _, d := range deleted {
		if consumedDeleted[d.Path] || d.From.Kind != SigFileChunks {
			continue
		}
		chunks, err := loadChunkDigests(loader, d.From.Recipe)
		if err != nil {
			return err
		}
		if len(chunks) > maxChunksForRename {
			continue
		}
		dels = append(dels, candidate{path: d.Path, chunks: chunks})
	}
	for _, a := range added {
		if consumedAdded[a.Path] || a.To.Kind != SigFileChunks {
			continue
		}
		chunks, err := loadChunkDigests(loader, a.To.Recipe)
		if err != nil {
			return err
		}
		if len(chunks) > maxChunksForRename {
			continue
		}
		adds = append(adds, candidate{path: a.Path, chunks: chunks})
	}

	used := map[int]bool{}
	for len(dels) > 0 {
		bestDel, bestAdd, bestScore := -1, -1, -1.0
		for di, d := range dels {
			if consumedDeleted[d.path] {
				continue
			}
			for ai, a := range adds {
				if used[ai] || consumedAdded[a.path] {
					continue
				}
				score, ok := recipeSimilarity(d.chunks, a.chunks)
				if ok && score > bestScore {
					bestScore, bestDel, bestAdd = score, di, ai
				}
			}
		}
		if bestDel < 0 {
			break
		}
		result.Renamed = append(result.Renamed, RenameEntry{From: dels[bestDel].path, To: adds[bestAdd].path, Modified: true})
		consumedDeleted[dels[bestDel].path] = true
		consumedAdded[adds[bestAdd].path] = true
		used[bestAdd] = true
		dels = append(dels[:bestDel], dels[bestDel+1:]...)
	}
	return nil
}

func loadChunkDigests(loader BlobLoader, recipeID model.ObjectID) ([]model.ObjectID, error) {
	raw, err := loader.Get(model.KindRecipe, recipeID)
	if err != nil {
		return nil, fmt.Errorf("load recipe %s for rename detection: %w", recipeID, err)
	}
	var r model.Recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode recipe %s: %w", recipeID, err)
	}
	chunks := make([]model.ObjectID, len(r.Chunks))
	for i, c := range r.Chunks {
		chunks[i] = c.Blob
	}
	return chunks, nil
}

// recipeSimilarity is the chunk-sequence analogue of blobSimilarity,
// using the §4.9 item 3 thresholds (0.60/0.75/0.90 by chunk count) and
// chunk-count delta rejection rule.
func recipeSimilarity(a, b []model.ObjectID) (float64, bool) {
	larger, smaller := len(a), len(b)
	if smaller > larger {
		larger, smaller = smaller, larger
	}
	if larger == 0 {
		return 0, false
	}

	delta := len(a) - len(b)
	if delta < 0 {
		delta = -delta
	}
	if delta > 4 && float64(delta) > 0.20*float64(larger) {
		return 0, false
	}

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	i, j := len(a)-1, len(b)-1
	for i >= prefix && j >= prefix && a[i] == b[j] {
		i--
		j--
		suffix++
	}

	matched := prefix + suffix
	score := float64(matched) / float64(larger)
	if score < recipeSimilarityThreshold(larger) {
		return 0, false
	}
	return score, true
}

// recipeSimilarityThreshold interpolates the §4.9 item 3 thresholds:
// 0.60 at ≤4 chunks, 0.90 at ≥64 chunks, passing through 0.75 near the
// midpoint of that range.
func recipeSimilarityThreshold(chunkCount int) float64 {
	const (
		lowCount   = 4
		highCount  = 64
		lowThresh  = 0.60
		highThresh = 0.90
	)
	if chunkCount <= lowCount {
		return lowThresh
	}
	if chunkCount >= highCount {
		return highThresh
	}
	frac := float64(chunkCount-lowCount) / float64(highCount-lowCount)
	return lowThresh + frac*(highThresh-lowThresh)
}
