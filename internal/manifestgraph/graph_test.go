package manifestgraph

import (
	"encoding/json"
	"testing"

	"github.com/converge/converge/internal/model"
)

// memLoader is an in-memory Loader for tests.
type memLoader map[string][]byte

func key(kind model.Kind, id model.ObjectID) string { return string(kind) + "/" + string(id) }

func (m memLoader) Get(kind model.Kind, id model.ObjectID) ([]byte, error) {
	b, ok := m[key(kind, id)]
	if !ok {
		return nil, errNotFound(id)
	}
	return b, nil
}

type errNotFound model.ObjectID

func (e errNotFound) Error() string { return "not found: " + string(e) }

func putManifest(loader memLoader, id model.ObjectID, m *model.Manifest) {
	b, _ := json.Marshal(m)
	loader[key(model.KindManifest, id)] = b
}

func putRecipe(loader memLoader, id model.ObjectID, r *model.Recipe) {
	b, _ := json.Marshal(r)
	loader[key(model.KindRecipe, id)] = b
}

func blobID(n string) model.ObjectID { return model.ObjectID(pad(n)) }

func pad(s string) string {
	out := s
	for len(out) < 64 {
		out += "0"
	}
	return out
}

func TestWalkCollectsReachableObjects(t *testing.T) {
	loader := memLoader{}

	childManifest := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "leaf.txt", Kind: model.EntryFile, Blob: blobID("b1")},
	}}
	putManifest(loader, blobID("child"), childManifest)

	recipe := &model.Recipe{Version: 1, Size: 8, Chunks: []model.RecipeChunk{
		{Blob: blobID("c1"), Size: 4}, {Blob: blobID("c2"), Size: 4},
	}}
	putRecipe(loader, blobID("recipe1"), recipe)

	rootManifest := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "dir", Kind: model.EntryDir, DirManifest: blobID("child")},
		{Name: "big.bin", Kind: model.EntryFileChunks, Recipe: blobID("recipe1")},
		{Name: "link", Kind: model.EntrySymlink, Target: "leaf.txt"},
		{Name: "conflict", Kind: model.EntrySuperposition, Variants: []model.SuperpositionVariant{
			{Source: "a", Key: "a", Kind: model.VariantFile, Blob: blobID("v1")},
			{Source: "b", Key: "b", Kind: model.VariantTombstone},
		}},
	}}
	putManifest(loader, blobID("root"), rootManifest)

	closure := NewClosure()
	if err := Walk(loader, blobID("root"), closure); err != nil {
		t.Fatalf("walk: %v", err)
	}

	for _, want := range []model.ObjectID{blobID("root"), blobID("child")} {
		if !closure.Manifests[want] {
			t.Errorf("expected manifest %s in closure", want)
		}
	}
	for _, want := range []model.ObjectID{blobID("b1"), blobID("c1"), blobID("c2"), blobID("v1")} {
		if !closure.Blobs[want] {
			t.Errorf("expected blob %s in closure", want)
		}
	}
	if !closure.Recipes[blobID("recipe1")] {
		t.Errorf("expected recipe in closure")
	}
}

func TestDetectCycleFindsSelfReferencingDirs(t *testing.T) {
	loader := memLoader{}

	a := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "b", Kind: model.EntryDir, DirManifest: blobID("b")},
	}}
	b := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "a", Kind: model.EntryDir, DirManifest: blobID("a")},
	}}
	putManifest(loader, blobID("a"), a)
	putManifest(loader, blobID("b"), b)

	_, found, err := DetectCycle(loader, blobID("a"))
	if err != nil {
		t.Fatalf("detect cycle: %v", err)
	}
	if !found {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestDetectCycleAcceptsAcyclicTree(t *testing.T) {
	loader := memLoader{}
	leaf := &model.Manifest{Version: 1}
	putManifest(loader, blobID("leaf"), leaf)
	root := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "leaf", Kind: model.EntryDir, DirManifest: blobID("leaf")},
	}}
	putManifest(loader, blobID("root"), root)

	_, found, err := DetectCycle(loader, blobID("root"))
	if err != nil {
		t.Fatalf("detect cycle: %v", err)
	}
	if found {
		t.Fatalf("expected no cycle")
	}
}
