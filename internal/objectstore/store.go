package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/converge/converge/internal/digestutil"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/uuid"
	"github.com/converge/converge/metrics"
)

// Store persists blobs, recipes, manifests, and snaps keyed by content
// digest under a single per-repo root directory (C2, §4.1). All writes are
// atomic (write-temp, rename); all reads recompute and verify the digest
// before returning bytes (hash-on-read), and for structured kinds also
// decode and validate the per-entity invariants.
type Store struct {
	layout *layout
}

// New returns a Store rooted at root (normally <data_dir>/<repo_id>).
func New(root string) *Store {
	return &Store{layout: newLayout(root)}
}

func (s *Store) ensureDir(kind model.Kind) error {
	return os.MkdirAll(s.layout.dir(kind), 0o755)
}

// Exists reports whether an object of the given kind and id is present.
func (s *Store) Exists(kind model.Kind, id model.ObjectID) (bool, error) {
	p, err := s.layout.path(kind, id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Put computes p's digest and stores it, returning the digest. Writing the
// same digest twice is a no-op (idempotent put, §4.1).
func (s *Store) Put(kind model.Kind, p []byte) (model.ObjectID, error) {
	id := digestutil.FromBytes(p)
	if err := s.PutExpected(kind, id, p); err != nil {
		return "", err
	}
	return id, nil
}

// PutExpected stores p under the declared id, failing with a digest
// mismatch error if hash(p) != id (hash-on-write, §4.1).
func (s *Store) PutExpected(kind model.Kind, id model.ObjectID, p []byte) error {
	if err := digestutil.Verify(id, p); err != nil {
		return HashMismatch{Kind: kind, ID: id, Err: err}
	}

	if ok, err := s.Exists(kind, id); err != nil {
		return err
	} else if ok {
		// Idempotent: another writer already committed this digest.
		metrics.ObjectsPut.WithValues(string(kind)).Inc(1)
		return nil
	}

	if err := s.ensureDir(kind); err != nil {
		return err
	}

	finalPath, err := s.layout.path(kind, id)
	if err != nil {
		return err
	}

	tmp := s.layout.tempPath(kind, id, uuid.NewString())
	defer os.Remove(tmp) // no-op once renamed away

	if err := os.WriteFile(tmp, p, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmp, finalPath); err != nil {
		// Another concurrent writer may have already renamed an identical
		// payload into place; a racing, already-existent target is fine.
		if ok, existsErr := s.Exists(kind, id); existsErr == nil && ok {
			metrics.ObjectsPut.WithValues(string(kind)).Inc(1)
			return nil
		}
		return err
	}

	metrics.ObjectsPut.WithValues(string(kind)).Inc(1)
	return nil
}

// Get retrieves and hash-verifies the object, additionally decoding and
// validating structured kinds (recipe/manifest/snap version and
// per-entity invariants).
func (s *Store) Get(kind model.Kind, id model.ObjectID) ([]byte, error) {
	p, err := s.layout.path(kind, id)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound{Kind: kind, ID: id}
		}
		return nil, err
	}

	if err := digestutil.Verify(id, b); err != nil {
		return nil, IntegrityError{Kind: kind, ID: id, Err: err}
	}

	if err := validateStructured(kind, b); err != nil {
		return nil, IntegrityError{Kind: kind, ID: id, Err: err}
	}

	metrics.ObjectsGet.WithValues(string(kind)).Inc(1)
	return b, nil
}

// List enumerates all object IDs present for kind, streaming directory
// entries without buffering beyond one readdir call (§5 resource budget).
func (s *Store) List(kind model.Kind) ([]model.ObjectID, error) {
	entries, err := os.ReadDir(s.layout.dir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []model.ObjectID
	ext := s.layout.ext(kind)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue // temp file
		}
		stem := strings.TrimSuffix(name, ext)
		if stem == name && ext != "" {
			continue // wrong extension
		}
		if model.ObjectID(stem).Valid() {
			ids = append(ids, model.ObjectID(stem))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Delete removes the object. Used only by the garbage collector (C10);
// every other write path is append-only/write-once (§3 lifecycles).
func (s *Store) Delete(kind model.Kind, id model.ObjectID) error {
	p, err := s.layout.path(kind, id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Root returns the store's root directory, used by components (e.g. GC)
// that need to enumerate object directories directly.
func (s *Store) Root() string { return s.layout.root }

// ObjectDir returns the on-disk directory for kind.
func (s *Store) ObjectDir(kind model.Kind) string { return s.layout.dir(kind) }

// ErrNotFound is returned by Get when the object file is absent.
type ErrNotFound struct {
	Kind model.Kind
	ID   model.ObjectID
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IntegrityError is returned by Get when stored bytes fail hash
// verification or structural validation.
type IntegrityError struct {
	Kind model.Kind
	ID   model.ObjectID
	Err  error
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("%s %s failed integrity check: %v", e.Kind, e.ID, e.Err)
}

func (e IntegrityError) Unwrap() error { return e.Err }

// HashMismatch is returned by PutExpected when hash(bytes) != the
// declared id (§4.1, §6, §7).
type HashMismatch struct {
	Kind model.Kind
	ID   model.ObjectID
	Err  error
}

func (e HashMismatch) Error() string {
	return fmt.Sprintf("put %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e HashMismatch) Unwrap() error { return e.Err }

// validateStructured decodes and checks version/invariants for recipe,
// manifest, and snap kinds. Blobs are opaque and skip this step.
func validateStructured(kind model.Kind, b []byte) error {
	switch kind {
	case model.KindBlob:
		return nil
	case model.KindRecipe:
		var r model.Recipe
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		return validateRecipe(&r)
	case model.KindManifest:
		var m model.Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		return validateManifest(&m)
	case model.KindSnap:
		var sn model.Snap
		if err := json.Unmarshal(b, &sn); err != nil {
			return err
		}
		return validateSnap(&sn, b)
	default:
		return fmt.Errorf("unknown object kind %q", kind)
	}
}

func validateRecipe(r *model.Recipe) error {
	if r.Version != 1 {
		return fmt.Errorf("unsupported recipe version %d", r.Version)
	}
	if r.TotalChunkSize() != r.Size {
		return fmt.Errorf("recipe chunk sizes sum to %d, want %d", r.TotalChunkSize(), r.Size)
	}
	return nil
}

func validateManifest(m *model.Manifest) error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	seen := map[string]bool{}
	for _, e := range m.Entries {
		if seen[e.Name] {
			return fmt.Errorf("duplicate entry name %q", e.Name)
		}
		seen[e.Name] = true

		if e.Kind == model.EntrySuperposition {
			variantKeys := map[string]bool{}
			for _, v := range e.Variants {
				k := v.IdentityKey()
				if variantKeys[k] {
					return fmt.Errorf("entry %q has duplicate superposition variant (source=%s,key=%s)", e.Name, v.Source, v.Key)
				}
				variantKeys[k] = true
			}
		}
	}
	return nil
}

func validateSnap(sn *model.Snap, raw []byte) error {
	if sn.Version != 1 {
		return fmt.Errorf("unsupported snap version %d", sn.Version)
	}
	want := ComputeSnapID(sn.CreatedAt, sn.RootManifest)
	if sn.ID != want {
		return fmt.Errorf("snap id %s does not match hash(created_at||root_manifest) %s", sn.ID, want)
	}
	_ = raw
	return nil
}

// ComputeSnapID implements §3's snap ID rule: hash(created_at ||
// root_manifest).
func ComputeSnapID(createdAt string, rootManifest model.ObjectID) model.ObjectID {
	return digestutil.FromBytes([]byte(createdAt + string(rootManifest)))
}

// EncodeManifest, EncodeRecipe, EncodeSnap produce the canonical JSON bytes
// used both to compute an object's digest and to persist it, so callers
// never have two different serializations of the same value in flight.
func EncodeManifest(m *model.Manifest) ([]byte, model.ObjectID, error) {
	sorted := m.SortedCopy()
	b, err := digestutil.CanonicalJSON(sorted)
	if err != nil {
		return nil, "", err
	}
	return b, digestutil.FromBytes(b), nil
}

func EncodeRecipe(r *model.Recipe) ([]byte, model.ObjectID, error) {
	b, err := digestutil.CanonicalJSON(r)
	if err != nil {
		return nil, "", err
	}
	return b, digestutil.FromBytes(b), nil
}

func EncodeSnap(sn *model.Snap) ([]byte, error) {
	return digestutil.CanonicalJSON(sn)
}
