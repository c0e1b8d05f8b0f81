package publication

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/objectstore"
)

type fakeRepo struct {
	snaps  map[model.ObjectID]bool
	scopes map[string]bool
	gates  map[string]*model.GateDef
}

func (r *fakeRepo) HasSnap(id model.ObjectID) bool   { return r.snaps[id] }
func (r *fakeRepo) HasScope(scope string) bool       { return r.scopes[scope] }
func (r *fakeRepo) GateByID(id string) *model.GateDef { return r.gates[id] }

func newTestStore(t *testing.T) *objectstore.Store {
	t.Helper()
	return objectstore.New(filepath.Join(os.TempDir(), "converge-pub-test", t.Name()))
}

func putSnapWithManifest(t *testing.T, store *objectstore.Store, createdAt string, m *model.Manifest) model.ObjectID {
	t.Helper()
	b, _, err := objectstore.EncodeManifest(m)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	rootID, err := store.Put(model.KindManifest, b)
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	snapID := objectstore.ComputeSnapID(createdAt, rootID)
	sn := &model.Snap{ID: snapID, Version: 1, CreatedAt: createdAt, RootManifest: rootID}
	sb, err := json.Marshal(sn)
	if err != nil {
		t.Fatalf("marshal snap: %v", err)
	}
	if err := store.PutExpected(model.KindSnap, snapID, sb); err != nil {
		t.Fatalf("put snap: %v", err)
	}
	return snapID
}

func TestCreatePublicationRejectsUnknownScope(t *testing.T) {
	repo := &fakeRepo{snaps: map[model.ObjectID]bool{"s": true}, scopes: map[string]bool{}, gates: map[string]*model.GateDef{"g1": {ID: "g1"}}}
	_, err := CreatePublication(repo, CreatePublicationRequest{SnapID: "s", Scope: "main", Gate: "g1"})
	if err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}

func TestCreateBundleMergesIdenticalManifests(t *testing.T) {
	store := newTestStore(t)
	blobID, err := store.Put(model.KindBlob, []byte("hello world"))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	m := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "README.md", Kind: model.EntryFile, Blob: blobID, Size: 11},
	}}
	snap1 := putSnapWithManifest(t, store, "2026-01-01T00:00:00Z", m)
	snap2 := putSnapWithManifest(t, store, "2026-01-01T00:00:01Z", m)

	pub1 := &model.Publication{ID: "p1", SnapID: snap1, Scope: "main", Gate: "g1"}
	pub2 := &model.Publication{ID: "p2", SnapID: snap2, Scope: "main", Gate: "g1"}
	gate := &model.GateDef{ID: "g1", Name: "Gate 1", AllowReleases: true}

	bundle, err := CreateBundle(store, store, gate, CreateBundleRequest{
		ID: "b1", Scope: "main", Gate: "g1",
		InputPublications: []*model.Publication{pub1, pub2},
		CreatedAt:         "2026-01-01T00:00:02Z",
	})
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if !bundle.Promotable {
		t.Fatalf("expected promotable bundle with no approvals required, got reasons %v", bundle.Reasons)
	}

	raw, err := store.Get(model.KindManifest, bundle.RootManifest)
	if err != nil {
		t.Fatalf("get merged manifest: %v", err)
	}
	var merged model.Manifest
	if err := json.Unmarshal(raw, &merged); err != nil {
		t.Fatalf("decode merged manifest: %v", err)
	}
	if len(merged.Entries) != 1 || merged.Entries[0].Kind != model.EntryFile {
		t.Fatalf("expected single collapsed file entry, got %+v", merged.Entries)
	}
}

func TestCreateBundleProducesSuperpositionOnConflict(t *testing.T) {
	store := newTestStore(t)
	blobA, _ := store.Put(model.KindBlob, []byte("version a"))
	blobB, _ := store.Put(model.KindBlob, []byte("version b, longer content"))

	m1 := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "README.md", Kind: model.EntryFile, Blob: blobA, Size: 9},
	}}
	m2 := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "README.md", Kind: model.EntryFile, Blob: blobB, Size: 26},
	}}
	snap1 := putSnapWithManifest(t, store, "2026-01-01T00:00:00Z", m1)
	snap2 := putSnapWithManifest(t, store, "2026-01-01T00:00:01Z", m2)

	pub1 := &model.Publication{ID: "p1", SnapID: snap1, Scope: "main", Gate: "g1"}
	pub2 := &model.Publication{ID: "p2", SnapID: snap2, Scope: "main", Gate: "g1"}
	gate := &model.GateDef{ID: "g1", Name: "Gate 1", AllowReleases: true}

	bundle, err := CreateBundle(store, store, gate, CreateBundleRequest{
		ID: "b2", Scope: "main", Gate: "g1",
		InputPublications: []*model.Publication{pub1, pub2},
		CreatedAt:         "2026-01-01T00:00:02Z",
	})
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if bundle.Promotable {
		t.Fatalf("expected unpromotable bundle due to superposition")
	}
	if len(bundle.Reasons) != 1 || bundle.Reasons[0] != "superpositions_present" {
		t.Fatalf("expected superpositions_present reason, got %v", bundle.Reasons)
	}

	gate.AllowSuperpositions = true
	if err := RecomputePromotability(bundle, store, gate); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !bundle.Promotable {
		t.Fatalf("expected promotable once gate allows superpositions, reasons=%v", bundle.Reasons)
	}
}

func TestApproveBundleIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	blobID, _ := store.Put(model.KindBlob, []byte("content"))
	m := &model.Manifest{Version: 1, Entries: []*model.ManifestEntry{
		{Name: "a.txt", Kind: model.EntryFile, Blob: blobID, Size: 7},
	}}
	snap := putSnapWithManifest(t, store, "2026-01-01T00:00:00Z", m)
	pub := &model.Publication{ID: "p1", SnapID: snap, Scope: "main", Gate: "g1"}
	gate := &model.GateDef{ID: "g1", Name: "Gate 1", RequiredApprovals: 1}

	bundle, err := CreateBundle(store, store, gate, CreateBundleRequest{
		ID: "b3", Scope: "main", Gate: "g1",
		InputPublications: []*model.Publication{pub},
		CreatedAt:         "2026-01-01T00:00:01Z",
	})
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if bundle.Promotable {
		t.Fatalf("expected approvals_missing before any approval")
	}

	alice := model.Identity{Handle: "alice", UserID: "u-1"}
	if err := ApproveBundle(bundle, alice, store, gate); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !bundle.Promotable {
		t.Fatalf("expected promotable after approval, reasons=%v", bundle.Reasons)
	}
	if err := ApproveBundle(bundle, alice, store, gate); err != nil {
		t.Fatalf("approve again: %v", err)
	}
	if len(bundle.Approvals) != 1 {
		t.Fatalf("expected idempotent approval, got %v", bundle.Approvals)
	}
}
