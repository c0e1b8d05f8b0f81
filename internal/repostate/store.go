package repostate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/objectstore"
)

// Store is the top-level collection of per-repo aggregates (§6 persisted
// layout: one `<data_dir>/<repo_id>/` directory per repo, containing
// `repo.json`, the repo's own object store (`objects/{blobs,recipes,
// manifests,snaps}/`), and the per-record directories `bundles/`,
// `promotions/`, and `releases/` that back §4.8's disk-recovery
// hydration). Repos are hydrated lazily on first access and cached
// thereafter.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	repos   map[string]*Repo
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir, repos: map[string]*Repo{}}
}

func (s *Store) repoDir(id string) string  { return filepath.Join(s.dataDir, id) }
func (s *Store) repoPath(id string) string { return filepath.Join(s.repoDir(id), "repo.json") }

// CreateRepo creates a brand-new repo owned by owner, returning
// errcode.Conflict if a repo with this id already exists (§9
// "bootstrap/bootstrap-once semantics": a repo ID is a unique
// constraint, just like the identity store's one-time admin bootstrap).
func (s *Store) CreateRepo(id string, owner model.Identity) (*Repo, error) {
	if err := model.ValidateIdentifier(id); err != nil {
		return nil, errcode.New(errcode.BadRequest, "%s", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repos[id]; ok {
		return nil, errcode.New(errcode.Conflict, "repo %q already exists", id)
	}
	if _, err := os.Stat(s.repoPath(id)); err == nil {
		return nil, errcode.New(errcode.Conflict, "repo %q already exists", id)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	repo, err := Hydrate(s.repoPath(id), id, owner)
	if err != nil {
		return nil, err
	}
	s.repos[id] = repo
	return repo, nil
}

// Open returns the repo with the given id, hydrating it from disk on
// first access, or errcode.NotFound if it has never been created.
func (s *Store) Open(id string) (*Repo, error) {
	s.mu.RLock()
	if r, ok := s.repos[id]; ok {
		s.mu.RUnlock()
		return r, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[id]; ok {
		return r, nil
	}

	if _, err := os.Stat(s.repoPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "no such repo %q", id)
		}
		return nil, err
	}

	repo, err := Hydrate(s.repoPath(id), id, model.Identity{})
	if err != nil {
		return nil, err
	}
	s.repos[id] = repo
	return repo, nil
}

// ObjectStore returns the content-addressed object store for repo id,
// rooted alongside its state file (§6: `objects/{blobs,recipes,
// manifests,snaps}/` under the repo's own directory).
func (s *Store) ObjectStore(id string) *objectstore.Store {
	return objectstore.New(s.repoDir(id))
}

// RepoIDs lists every repo this Store has created or opened since
// process start. It does not scan dataDir, since a repo with no activity
// this process lifetime carries no in-memory state to report on — callers
// needing the full on-disk catalog should track repo IDs in their own
// index (out of scope here, §1 "no catalog/discovery endpoint").
func (s *Store) RepoIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.repos))
	for id := range s.repos {
		ids = append(ids, id)
	}
	return ids
}
