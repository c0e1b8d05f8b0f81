// Package repostate wraps the persisted per-repo aggregate (model.Repo)
// behind a reader-writer lock (C11, §4.8), grounded on
// storagedriver/inmemory's mutex-guarded map idiom and
// internal/objectstore's atomic write-temp-then-rename persistence.
// Every mutation to a Repo happens through this package so callers never
// touch model.Repo's maps directly while a concurrent reader might be
// iterating them.
package repostate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/converge/converge/internal/gc"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/objectstore"
	"github.com/converge/converge/internal/promotion"
	"github.com/converge/converge/internal/uuid"
)

// Repo is the in-memory, lock-guarded handle onto one repository's
// aggregate state. Hydrate loads (or synthesizes) one from disk; every
// subsequent mutation is persisted back through Save before the method
// returns, so a crash between calls never leaves a torn state file.
type Repo struct {
	mu    sync.RWMutex
	path  string
	dir   string
	state *model.Repo
}

// Hydrate loads the repo state file at path if present, or synthesizes a
// fresh aggregate owned by owner if this is the repo's first use (§4.8
// "hydration on first touch"). Either way, snaps/bundles/promotions/
// releases are then re-derived from the per-record files and object store
// under dir, replacing the repo.json-embedded copies wherever the disk
// scan finds anything non-empty (§4.8 "backward-compatible recovery") —
// the per-record files are the durable source of truth; repo.json's
// arrays exist to serve pre-recovery state files and fresh reads.
func Hydrate(path string, id string, owner model.Identity) (*Repo, error) {
	dir := filepath.Dir(path)

	raw, err := os.ReadFile(path)
	var state *model.Repo
	fresh := false
	switch {
	case err == nil:
		state = &model.Repo{}
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("decode repo state %s: %w", path, err)
		}
	case os.IsNotExist(err):
		state = model.NewRepo(id, owner)
		fresh = true
	default:
		return nil, err
	}

	if err := rehydrateFromDisk(dir, state); err != nil {
		return nil, fmt.Errorf("rehydrate repo state %s: %w", path, err)
	}

	r := &Repo{path: path, dir: dir, state: state}
	if fresh {
		if err := r.save(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// rehydrateFromDisk re-derives the snaps set from the repo's object store
// and the bundles/promotions/releases logs from their per-record files,
// sorting each newest-first and rebuilding promotion_state, per §4.8.
func rehydrateFromDisk(dir string, state *model.Repo) error {
	snapIDs, err := objectstore.New(dir).List(model.KindSnap)
	if err != nil {
		return err
	}
	if len(snapIDs) > 0 {
		snaps := make(map[string]bool, len(snapIDs))
		for _, id := range snapIDs {
			snaps[string(id)] = true
		}
		state.Snaps = snaps
	}

	bundles, err := loadRecords[model.Bundle](filepath.Join(dir, "bundles"))
	if err != nil {
		return err
	}
	if len(bundles) > 0 {
		sort.Slice(bundles, func(i, j int) bool { return bundles[i].CreatedAt > bundles[j].CreatedAt })
		state.Bundles = bundles
	}

	promotions, err := loadRecords[model.Promotion](filepath.Join(dir, "promotions"))
	if err != nil {
		return err
	}
	if len(promotions) > 0 {
		sort.Slice(promotions, func(i, j int) bool { return promotions[i].PromotedAt > promotions[j].PromotedAt })
		state.Promotions = promotions
		state.PromotionState = promotion.Rebuild(promotions)
	}

	releases, err := loadRecords[model.Release](filepath.Join(dir, "releases"))
	if err != nil {
		return err
	}
	if len(releases) > 0 {
		sort.Slice(releases, func(i, j int) bool { return releases[i].ReleasedAt > releases[j].ReleasedAt })
		state.Releases = releases
	}

	return nil
}

// loadRecords decodes every *.json file directly under dir into a T,
// returning nil (not an error) if dir does not exist yet.
func loadRecords[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*T
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// writeRecord atomically writes v as <dir>/<subdir>/<id>.json (write-temp,
// rename), the §6 per-record persisted layout that rehydrateFromDisk reads
// back on recovery.
func (r *Repo) writeRecord(subdir, id string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	recordDir := filepath.Join(r.dir, subdir)
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(recordDir, id+".json")
	tmp := final + "." + uuid.NewString() + ".tmp"
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// save persists the current state atomically (write-temp, rename). Callers
// must hold the write lock.
func (r *Repo) save() error {
	b, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + "." + uuid.NewString() + ".tmp"
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// View runs fn with the read lock held, for callers composing a read-only
// snapshot (e.g. gc.RepoSnapshot) or answering RepoView queries.
func (r *Repo) View(fn func(*model.Repo)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.state)
}

// Mutate runs fn with the write lock held and persists the result
// afterward. If fn returns an error, the in-memory state is left as fn
// mutated it but is not persisted — callers should treat a Mutate error as
// fatal to the repo handle's process and reload from disk before retrying.
func (r *Repo) Mutate(fn func(*model.Repo) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := fn(r.state); err != nil {
		return err
	}
	return r.save()
}

// --- ACL (§3 "dual-capability model": read/publish, plus owner/admin) ---

// IsOwner reports whether identity is the repo's owner.
func (r *Repo) IsOwner(identity model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return matchesIdentity(r.state.Owner, identity)
}

// HasReadAccess reports whether identity may read the repo: the owner
// always can; otherwise membership in Readers or Publishers (every
// publisher can also read) by handle or user ID. Admin status is not
// consulted here.
func (r *Repo) HasReadAccess(identity model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if matchesIdentity(r.state.Owner, identity) {
		return true
	}
	return inSet(r.state.Readers, r.state.ReaderUserIDs, identity) ||
		inSet(r.state.Publishers, r.state.PublisherUserIDs, identity)
}

// HasPublishAccess reports whether identity may publish: owners always
// can; otherwise membership in Publishers by handle or user ID.
func (r *Repo) HasPublishAccess(identity model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if matchesIdentity(r.state.Owner, identity) {
		return true
	}
	return inSet(r.state.Publishers, r.state.PublisherUserIDs, identity)
}

func matchesIdentity(a, b model.Identity) bool {
	if a.Handle != "" && a.Handle == b.Handle {
		return true
	}
	return a.UserID != "" && a.UserID == b.UserID
}

func inSet(byHandle, byUserID map[string]bool, identity model.Identity) bool {
	if byHandle[identity.Handle] {
		return true
	}
	return identity.UserID != "" && byUserID[identity.UserID]
}

// GrantRead adds identity to the readers set, indexed by both handle and
// user ID (§9 "Identifier dual indexing").
func (r *Repo) GrantRead(identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Readers[identity.Handle] = true
		if identity.UserID != "" {
			s.ReaderUserIDs[identity.UserID] = true
		}
		return nil
	})
}

// GrantPublish adds identity to the publishers set.
func (r *Repo) GrantPublish(identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Publishers[identity.Handle] = true
		if identity.UserID != "" {
			s.PublisherUserIDs[identity.UserID] = true
		}
		return nil
	})
}

// RevokeRead removes identity from the readers set under both indices.
func (r *Repo) RevokeRead(identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		delete(s.Readers, identity.Handle)
		if identity.UserID != "" {
			delete(s.ReaderUserIDs, identity.UserID)
		}
		return nil
	})
}

// RevokePublish removes identity from the publishers set under both
// indices.
func (r *Repo) RevokePublish(identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		delete(s.Publishers, identity.Handle)
		if identity.UserID != "" {
			delete(s.PublisherUserIDs, identity.UserID)
		}
		return nil
	})
}

// --- RepoView (consumed by internal/publication) ---

// HasSnap reports whether id has been recorded in this repo's snap set.
func (r *Repo) HasSnap(id model.ObjectID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Snaps[string(id)]
}

// HasScope reports whether scope has been declared on this repo.
func (r *Repo) HasScope(scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Scopes[scope]
}

// GateByID returns the named gate definition, or nil.
func (r *Repo) GateByID(id string) *model.GateDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GateGraph.ByID(id)
}

// RecordSnap marks id as known to the repo (called once a snap object has
// been written to the object store, §4.8).
func (r *Repo) RecordSnap(id model.ObjectID) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Snaps[string(id)] = true
		return nil
	})
}

// DeclareScope adds scope to the repo's known scopes, idempotently.
func (r *Repo) DeclareScope(scope string) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Scopes[scope] = true
		return nil
	})
}

// BundleByID returns the bundle with the given id, or nil.
func (r *Repo) BundleByID(id string) *model.Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.BundleByID(id)
}

// PublicationByID returns the publication with the given id, or nil.
func (r *Repo) PublicationByID(id string) *model.Publication {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.PublicationByID(id)
}

// AddPublication appends a newly created publication (§4.3).
func (r *Repo) AddPublication(p *model.Publication) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Publications = append(s.Publications, p)
		return nil
	})
}

// AddBundle appends a newly created bundle (§4.3.1) and persists it to its
// own record file (§6 `bundles/<bundle_id>.json`) alongside repo.json.
func (r *Repo) AddBundle(b *model.Bundle) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Bundles = append(s.Bundles, b)
		return r.writeRecord("bundles", b.ID, b)
	})
}

// PinBundle marks id as pinned, exempting it from garbage collection
// regardless of promotion/release/lane reachability (§4.7).
func (r *Repo) PinBundle(id string) error {
	return r.Mutate(func(s *model.Repo) error {
		s.PinnedBundles[id] = true
		return nil
	})
}

// UnpinBundle removes id from the pinned set.
func (r *Repo) UnpinBundle(id string) error {
	return r.Mutate(func(s *model.Repo) error {
		delete(s.PinnedBundles, id)
		return nil
	})
}

// AddPromotion appends a promotion record, folds it into the derived
// promotion-state index (§4.4), and persists it to its own record file
// (§6 `promotions/<promotion_id>.json`).
func (r *Repo) AddPromotion(p *model.Promotion) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Promotions = append(s.Promotions, p)
		if s.PromotionState[p.Scope] == nil {
			s.PromotionState[p.Scope] = map[string]string{}
		}
		s.PromotionState[p.Scope][p.ToGate] = p.BundleID
		return r.writeRecord("promotions", p.ID, p)
	})
}

// AddRelease appends a new release record (§4.5) and persists it to its
// own record file (§6 `releases/<release_id>.json`).
func (r *Repo) AddRelease(rel *model.Release) error {
	return r.Mutate(func(s *model.Repo) error {
		s.Releases = append(s.Releases, rel)
		return r.writeRecord("releases", rel.ID, rel)
	})
}

// LaneByID returns the named lane, creating and persisting an empty one if
// it does not yet exist (§3 lanes are implicitly created on first publish).
func (r *Repo) LaneByID(id string) (*model.Lane, error) {
	var lane *model.Lane
	err := r.Mutate(func(s *model.Repo) error {
		if existing, ok := s.Lanes[id]; ok {
			lane = existing
			return nil
		}
		lane = model.NewLane(id)
		s.Lanes[id] = lane
		return nil
	})
	return lane, err
}

// AddLaneMember adds identity to lane's member set under both handle and
// user-ID indices in the same critical section (§9 "lane membership
// dual-write"), creating the lane if it does not yet exist.
func (r *Repo) AddLaneMember(laneID string, identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		lane, ok := s.Lanes[laneID]
		if !ok {
			lane = model.NewLane(laneID)
			s.Lanes[laneID] = lane
		}
		lane.Members[identity.Handle] = true
		if identity.UserID != "" {
			lane.MemberUserIDs[identity.UserID] = true
		}
		return nil
	})
}

// RemoveLaneMember removes identity from lane's member set under both
// indices. A lane with no such member is left unchanged.
func (r *Repo) RemoveLaneMember(laneID string, identity model.Identity) error {
	return r.Mutate(func(s *model.Repo) error {
		lane, ok := s.Lanes[laneID]
		if !ok {
			return nil
		}
		delete(lane.Members, identity.Handle)
		if identity.UserID != "" {
			delete(lane.MemberUserIDs, identity.UserID)
		}
		return nil
	})
}

// PushLaneHead records a new head for identity within lane, creating the
// lane if needed, and bounds its prior-head history (§3, model.Lane.PushHead).
func (r *Repo) PushLaneHead(laneID string, identity string, head model.LaneHead) error {
	return r.Mutate(func(s *model.Repo) error {
		lane, ok := s.Lanes[laneID]
		if !ok {
			lane = model.NewLane(laneID)
			s.Lanes[laneID] = lane
		}
		lane.PushHead(identity, head)
		return nil
	})
}

// SetGateGraph replaces the repo's gate graph wholesale, the only
// supported way to mutate it (§4.2 "configure once, validate before
// accepting").
func (r *Repo) SetGateGraph(g model.GateGraph) error {
	return r.Mutate(func(s *model.Repo) error {
		s.GateGraph = g
		return nil
	})
}

// Snapshot builds the read-only view gc.Run needs to compute Phase R
// (§4.7). Callers still need to pass a RetentionConfig and Now themselves,
// since those are workspace-level policy, not per-repo state.
func (r *Repo) Snapshot() gc.RepoSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allBundles := make(map[string]*model.Bundle, len(r.state.Bundles))
	for _, b := range r.state.Bundles {
		allBundles[b.ID] = b
	}
	publications := make(map[string]*model.Publication, len(r.state.Publications))
	for _, p := range r.state.Publications {
		publications[p.ID] = p
	}

	var pinned []*model.Bundle
	pinnedIDs := make([]string, 0, len(r.state.PinnedBundles))
	for id := range r.state.PinnedBundles {
		pinnedIDs = append(pinnedIDs, id)
	}
	sort.Strings(pinnedIDs)
	for _, id := range pinnedIDs {
		if b := allBundles[id]; b != nil {
			pinned = append(pinned, b)
		}
	}

	var lanes []*model.Lane
	laneIDs := make([]string, 0, len(r.state.Lanes))
	for id := range r.state.Lanes {
		laneIDs = append(laneIDs, id)
	}
	sort.Strings(laneIDs)
	for _, id := range laneIDs {
		lanes = append(lanes, r.state.Lanes[id])
	}

	return gc.RepoSnapshot{
		PinnedBundles:  pinned,
		Releases:       append([]*model.Release(nil), r.state.Releases...),
		PromotionState: r.state.PromotionState,
		AllBundles:     allBundles,
		Publications:   publications,
		Lanes:          lanes,
	}
}
