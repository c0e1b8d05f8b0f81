package diffengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/objectstore"
)

func newTestStore(t *testing.T) *objectstore.Store {
	t.Helper()
	return objectstore.New(filepath.Join(os.TempDir(), "converge-diffengine-test", t.Name()))
}

func putManifest(t *testing.T, store *objectstore.Store, m *model.Manifest) model.ObjectID {
	t.Helper()
	b, _, err := objectstore.EncodeManifest(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	id, err := store.Put(model.KindManifest, b)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return id
}

func TestFlattenOmitsDirsAndNestsPaths(t *testing.T) {
	store := newTestStore(t)
	leafBlob, _ := store.Put(model.KindBlob, []byte("leaf content"))
	subRoot := putManifest(t, store, &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "leaf.txt", Kind: model.EntryFile, Blob: leafBlob, Size: 12},
	}})
	rootBlob, _ := store.Put(model.KindBlob, []byte("root content"))
	root := putManifest(t, store, &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "root.txt", Kind: model.EntryFile, Blob: rootBlob, Size: 12},
		{Name: "sub", Kind: model.EntryDir, DirManifest: subRoot},
	}})

	sigs, err := Flatten(store, root)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if _, ok := sigs["sub"]; ok {
		t.Fatalf("expected dir entries to be omitted from flattening")
	}
	if _, ok := sigs["sub/leaf.txt"]; !ok {
		t.Fatalf("expected nested path sub/leaf.txt in flattened map, got %+v", sigs)
	}
	if _, ok := sigs["root.txt"]; !ok {
		t.Fatalf("expected root.txt in flattened map")
	}
}

func TestDiffClassifiesAddedDeletedModified(t *testing.T) {
	base := map[string]Signature{
		"unchanged.txt": {Kind: SigFile, Blob: "a", Size: 1},
		"removed.txt":   {Kind: SigFile, Blob: "b", Size: 1},
		"edited.txt":    {Kind: SigFile, Blob: "c", Size: 1},
	}
	current := map[string]Signature{
		"unchanged.txt": {Kind: SigFile, Blob: "a", Size: 1},
		"edited.txt":    {Kind: SigFile, Blob: "c2", Size: 2},
		"new.txt":       {Kind: SigFile, Blob: "d", Size: 1},
	}

	result := Diff(base, current)
	if len(result.Added) != 1 || result.Added[0].Path != "new.txt" {
		t.Fatalf("expected new.txt added, got %+v", result.Added)
	}
	if len(result.Deleted) != 1 || result.Deleted[0].Path != "removed.txt" {
		t.Fatalf("expected removed.txt deleted, got %+v", result.Deleted)
	}
	if len(result.Modified) != 1 || result.Modified[0].Path != "edited.txt" {
		t.Fatalf("expected edited.txt modified, got %+v", result.Modified)
	}
}

func TestDetectRenamesExactIdentity(t *testing.T) {
	store := newTestStore(t)
	blob, _ := store.Put(model.KindBlob, []byte("moved file content"))

	result := &Result{
		Deleted: []DiffEntry{{Kind: KindDeleted, Path: "old/path.txt", From: &Signature{Kind: SigFile, Blob: blob, Size: 19}}},
		Added:   []DiffEntry{{Kind: KindAdded, Path: "new/path.txt", To: &Signature{Kind: SigFile, Blob: blob, Size: 19}}},
	}

	if err := DetectRenames(store, result); err != nil {
		t.Fatalf("detect renames: %v", err)
	}
	if len(result.Renamed) != 1 {
		t.Fatalf("expected one rename, got %+v", result.Renamed)
	}
	r := result.Renamed[0]
	if r.From != "old/path.txt" || r.To != "new/path.txt" || r.Modified {
		t.Fatalf("expected unmodified rename old->new, got %+v", r)
	}
	if len(result.Deleted) != 0 || len(result.Added) != 0 {
		t.Fatalf("expected exact-identity match to consume both sides, got deleted=%+v added=%+v", result.Deleted, result.Added)
	}
}

func TestDetectRenamesBlobEditSimilarity(t *testing.T) {
	store := newTestStore(t)
	original := bytes.Repeat([]byte("x"), 1000)
	edited := append(append([]byte{}, original[:990]...), []byte("YYYYYYYYYY")...)

	oldBlob, _ := store.Put(model.KindBlob, original)
	newBlob, _ := store.Put(model.KindBlob, edited)

	result := &Result{
		Deleted: []DiffEntry{{Kind: KindDeleted, Path: "doc-old.txt", From: &Signature{Kind: SigFile, Blob: oldBlob, Size: uint64(len(original))}}},
		Added:   []DiffEntry{{Kind: KindAdded, Path: "doc-new.txt", To: &Signature{Kind: SigFile, Blob: newBlob, Size: uint64(len(edited))}}},
	}

	if err := DetectRenames(store, result); err != nil {
		t.Fatalf("detect renames: %v", err)
	}
	if len(result.Renamed) != 1 {
		t.Fatalf("expected one blob-edit rename, got %+v renamed, deleted=%+v added=%+v", result.Renamed, result.Deleted, result.Added)
	}
	if !result.Renamed[0].Modified {
		t.Fatalf("expected blob-edit rename to be marked modified")
	}
}

func TestDetectRenamesRejectsUnrelatedContent(t *testing.T) {
	store := newTestStore(t)
	oldBlob, _ := store.Put(model.KindBlob, []byte("completely different content A"))
	newBlob, _ := store.Put(model.KindBlob, []byte("nothing whatsoever in common Z"))

	result := &Result{
		Deleted: []DiffEntry{{Kind: KindDeleted, Path: "a.txt", From: &Signature{Kind: SigFile, Blob: oldBlob, Size: 31}}},
		Added:   []DiffEntry{{Kind: KindAdded, Path: "b.txt", To: &Signature{Kind: SigFile, Blob: newBlob, Size: 30}}},
	}

	if err := DetectRenames(store, result); err != nil {
		t.Fatalf("detect renames: %v", err)
	}
	if len(result.Renamed) != 0 {
		t.Fatalf("expected no rename match for unrelated content, got %+v", result.Renamed)
	}
	if len(result.Deleted) != 1 || len(result.Added) != 1 {
		t.Fatalf("expected both entries left unconsumed, got deleted=%+v added=%+v", result.Deleted, result.Added)
	}
}

func TestLinesOrdersByKindThenPath(t *testing.T) {
	result := &Result{
		Added:    []DiffEntry{{Kind: KindAdded, Path: "z-added.txt"}},
		Deleted:  []DiffEntry{{Kind: KindDeleted, Path: "a-deleted.txt"}},
		Modified: []DiffEntry{{Kind: KindModified, Path: "m-modified.txt"}},
		Renamed:  []RenameEntry{{From: "r-from.txt", To: "r-to.txt"}},
	}
	lines := result.Lines()
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	wantOrder := []EntryKind{KindAdded, KindDeleted, KindModified, KindRenamed}
	for i, want := range wantOrder {
		if lines[i].Kind != want {
			t.Fatalf("line %d: expected kind %s, got %s", i, want, lines[i].Kind)
		}
	}
}
