package superposition

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/objectstore"
)

func newTestStore(t *testing.T) *objectstore.Store {
	t.Helper()
	return objectstore.New(filepath.Join(os.TempDir(), "converge-superposition-test", t.Name()))
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

func conflictRoot(t *testing.T, store *objectstore.Store) (model.ObjectID, model.SuperpositionVariant, model.SuperpositionVariant) {
	t.Helper()
	blobA, _ := store.Put(model.KindBlob, []byte("alice's version"))
	blobB, _ := store.Put(model.KindBlob, []byte("bob's version, which is longer"))
	va := model.SuperpositionVariant{Source: "p-alice", Key: string(blobA), Kind: model.VariantFile, Blob: blobA, Size: 16}
	vb := model.SuperpositionVariant{Source: "p-bob", Key: string(blobB), Kind: model.VariantFile, Blob: blobB, Size: 31}
	root := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "README.md", Kind: model.EntrySuperposition, Variants: []model.SuperpositionVariant{va, vb}},
		{Name: "stable.txt", Kind: model.EntryFile, Blob: blobA},
	}}
	return putManifest(t, store, root), va, vb
}

func TestEnumerateVariantsFindsTopLevelConflict(t *testing.T) {
	store := newTestStore(t)
	rootID, _, _ := conflictRoot(t, store)

	found, err := EnumerateVariants(store, rootID)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(found) != 1 || found[0].Path != "README.md" {
		t.Fatalf("expected one conflict at README.md, got %+v", found)
	}
	if len(found[0].Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(found[0].Variants))
	}
}

func TestValidateResolutionReportsMissingAndExtraneous(t *testing.T) {
	store := newTestStore(t)
	rootID, _, _ := conflictRoot(t, store)

	report, err := ValidateResolution(store, rootID, map[string]Decision{
		"nonexistent.txt": {Index: 0},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.OK {
		t.Fatalf("expected not ok: missing decision for README.md")
	}
	if len(report.Missing) != 1 || report.Missing[0] != "README.md" {
		t.Fatalf("expected README.md missing, got %v", report.Missing)
	}
	if len(report.Extraneous) != 1 || report.Extraneous[0] != "nonexistent.txt" {
		t.Fatalf("expected nonexistent.txt extraneous, got %v", report.Extraneous)
	}
}

func TestValidateResolutionAcceptsCompleteDecisionSet(t *testing.T) {
	store := newTestStore(t)
	rootID, va, _ := conflictRoot(t, store)

	report, err := ValidateResolution(store, rootID, map[string]Decision{
		"README.md": {Key: va.IdentityKey()},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected ok, got %+v", report)
	}
}

func TestApplyResolutionClearsEnumeration(t *testing.T) {
	store := newTestStore(t)
	rootID, va, _ := conflictRoot(t, store)

	decisions := map[string]Decision{"README.md": {Key: va.IdentityKey()}}
	report, err := ValidateResolution(store, rootID, decisions)
	if err != nil || !report.OK {
		t.Fatalf("expected ok validation, got %+v err=%v", report, err)
	}

	resolvedRoot, err := ApplyResolution(store, rootID, decisions)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	remaining, err := EnumerateVariants(store, resolvedRoot)
	if err != nil {
		t.Fatalf("enumerate resolved: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no remaining superpositions, got %+v", remaining)
	}

	raw, err := store.Get(model.KindManifest, resolvedRoot)
	if err != nil {
		t.Fatalf("get resolved manifest: %v", err)
	}
	var resolved model.Manifest
	if err := json.Unmarshal(raw, &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry := resolved.Lookup("README.md")
	if entry == nil || entry.Kind != model.EntryFile || entry.Blob != va.Blob {
		t.Fatalf("expected README.md resolved to alice's blob, got %+v", entry)
	}
}

func TestApplyResolutionOmitsTombstoneChoice(t *testing.T) {
	store := newTestStore(t)
	blobA, _ := store.Put(model.KindBlob, []byte("only on one side"))
	tomb := model.SuperpositionVariant{Source: "p-b", Key: "tombstone", Kind: model.VariantTombstone}
	present := model.SuperpositionVariant{Source: "p-a", Key: string(blobA), Kind: model.VariantFile, Blob: blobA}
	root := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "only-on-a.txt", Kind: model.EntrySuperposition, Variants: []model.SuperpositionVariant{present, tomb}},
	}}
	rootID := putManifest(t, store, root)

	resolvedID, err := ApplyResolution(store, rootID, map[string]Decision{
		"only-on-a.txt": {Key: tomb.IdentityKey()},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	raw, err := store.Get(model.KindManifest, resolvedID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var resolved model.Manifest
	if err := json.Unmarshal(raw, &resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resolved.Lookup("only-on-a.txt") != nil {
		t.Fatalf("expected tombstone resolution to omit the entry entirely")
	}
}
