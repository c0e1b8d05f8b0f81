// Package api declares the capability-table interface the core exposes to
// a transport (§6): Go interfaces, not HTTP handlers, so the publication/
// promotion/release/superposition/gc engines stay reachable from any
// front end. Grounded on the teacher's own top-level `distribution`
// package (registry.go's Registry/Repository interfaces) — this plays the
// same "transport-agnostic capability surface above the storage layer"
// role, generalized from a container registry's tag/manifest/blob
// surface to Converge's publication-flow capability table.
package api

import (
	"context"
	"encoding/json"

	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/gategraph"
	"github.com/converge/converge/internal/gc"
	"github.com/converge/converge/internal/manifestgraph"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/notify"
	"github.com/converge/converge/internal/objectstore"
	"github.com/converge/converge/internal/promotion"
	"github.com/converge/converge/internal/publication"
	"github.com/converge/converge/internal/release"
	"github.com/converge/converge/internal/repostate"
	"github.com/converge/converge/internal/superposition"
)

// PutOptions mirrors the §6 `put_object` opts argument.
type PutOptions struct {
	// AllowMissingBlobs skips the referenced-content existence check for
	// recipes (chunk blobs) and manifests (sub-manifests/blobs), for
	// clients uploading a tree bottom-up isn't otherwise possible with.
	AllowMissingBlobs bool
}

// MissingObjectsRequest mirrors the §6 `missing_objects` argument.
type MissingObjectsRequest struct {
	Blobs     []model.ObjectID
	Recipes   []model.ObjectID
	Manifests []model.ObjectID
	Snaps     []model.ObjectID
}

// MissingObjectsResult lists, per kind, the ids from the request absent
// from local storage.
type MissingObjectsResult struct {
	Blobs     []model.ObjectID
	Recipes   []model.ObjectID
	Manifests []model.ObjectID
	Snaps     []model.ObjectID
}

// Service is the full §6 capability table. One Service serves every repo
// a Store knows about; repoID selects which.
type Service interface {
	CreateRepo(ctx context.Context, repoID string, owner model.Identity) (*repostate.Repo, error)

	PutObject(ctx context.Context, repoID string, kind model.Kind, id model.ObjectID, body []byte, opts PutOptions) error
	GetObject(ctx context.Context, repoID string, kind model.Kind, id model.ObjectID) ([]byte, error)
	MissingObjects(ctx context.Context, repoID string, req MissingObjectsRequest) (MissingObjectsResult, error)

	CreatePublication(ctx context.Context, repoID string, req publication.CreatePublicationRequest) (*model.Publication, error)
	CreateBundle(ctx context.Context, repoID string, req publication.CreateBundleRequest) (*model.Bundle, error)
	ApproveBundle(ctx context.Context, repoID, bundleID string, approver model.Identity) (*model.Bundle, error)

	CreatePromotion(ctx context.Context, repoID string, req promotion.CreatePromotionRequest) (*model.Promotion, error)
	CreateRelease(ctx context.Context, repoID string, req release.CreateRequest) (*model.Release, error)

	ListBundles(ctx context.Context, repoID, scope string) ([]*model.Bundle, error)
	GetBundle(ctx context.Context, repoID, bundleID string) (*model.Bundle, error)
	ListPublications(ctx context.Context, repoID, scope string) ([]*model.Publication, error)
	ListPromotions(ctx context.Context, repoID, scope string) ([]*model.Promotion, error)
	ListReleases(ctx context.Context, repoID, channel string) ([]*model.Release, error)
	GetLatestRelease(ctx context.Context, repoID, channel string) (*model.Release, error)

	EnumerateVariants(ctx context.Context, repoID string, root model.ObjectID) ([]superposition.PathVariants, error)
	ValidateResolution(ctx context.Context, repoID string, root model.ObjectID, decisions map[string]superposition.Decision) (*superposition.Report, error)
	ApplyResolution(ctx context.Context, repoID string, root model.ObjectID, decisions map[string]superposition.Decision) (model.ObjectID, error)

	ValidateGateGraph(ctx context.Context, graph model.GateGraph) []gategraph.Issue
	PutGateGraph(ctx context.Context, repoID string, graph model.GateGraph) error

	GC(ctx context.Context, repoID string, opts gc.Options) (*gc.Report, error)
}

// service is the default Service, wired to a repostate.Store for
// per-repo state and an optional notify.Bridge for lifecycle events.
type service struct {
	repos  *repostate.Store
	bridge *notify.Bridge
}

// New returns a Service backed by repos. bridge may be nil, in which case
// lifecycle events are simply not published.
func New(repos *repostate.Store, bridge *notify.Bridge) Service {
	return &service{repos: repos, bridge: bridge}
}

func (s *service) publish(ev notify.Event) {
	if s.bridge != nil {
		s.bridge.Publish(ev)
	}
}

func (s *service) CreateRepo(_ context.Context, repoID string, owner model.Identity) (*repostate.Repo, error) {
	return s.repos.CreateRepo(repoID, owner)
}

func (s *service) PutObject(_ context.Context, repoID string, kind model.Kind, id model.ObjectID, body []byte, opts PutOptions) error {
	store := s.repos.ObjectStore(repoID)
	if err := store.PutExpected(kind, id, body); err != nil {
		return err
	}
	if opts.AllowMissingBlobs {
		return nil
	}

	switch kind {
	case model.KindRecipe:
		var r model.Recipe
		if err := json.Unmarshal(body, &r); err != nil {
			return errcode.New(errcode.BadRequest, "decode recipe %s: %s", id, err)
		}
		chunker := objectstore.NewChunker(store, objectstore.ChunkingConfig{})
		if err := chunker.VerifyRecipe(&r, false); err != nil {
			return errcode.New(errcode.BadRequest, "recipe %s: %s", id, err)
		}
	case model.KindManifest:
		if _, err := manifestgraph.CollectReachable(store, []model.ObjectID{id}); err != nil {
			return errcode.New(errcode.BadRequest, "manifest %s references missing content: %s", id, err)
		}
	case model.KindSnap:
		var sn model.Snap
		if err := json.Unmarshal(body, &sn); err != nil {
			return errcode.New(errcode.BadRequest, "decode snap %s: %s", id, err)
		}
		if _, err := manifestgraph.CollectReachable(store, []model.ObjectID{sn.RootManifest}); err != nil {
			return errcode.New(errcode.BadRequest, "snap %s references missing content: %s", id, err)
		}
		repo, err := s.repos.Open(repoID)
		if err != nil {
			return err
		}
		if err := repo.RecordSnap(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) GetObject(_ context.Context, repoID string, kind model.Kind, id model.ObjectID) ([]byte, error) {
	return s.repos.ObjectStore(repoID).Get(kind, id)
}

func (s *service) MissingObjects(_ context.Context, repoID string, req MissingObjectsRequest) (MissingObjectsResult, error) {
	store := s.repos.ObjectStore(repoID)
	return MissingObjectsResult{
		Blobs:     missingOf(store, model.KindBlob, req.Blobs),
		Recipes:   missingOf(store, model.KindRecipe, req.Recipes),
		Manifests: missingOf(store, model.KindManifest, req.Manifests),
		Snaps:     missingOf(store, model.KindSnap, req.Snaps),
	}, nil
}

func missingOf(store *objectstore.Store, kind model.Kind, ids []model.ObjectID) []model.ObjectID {
	var out []model.ObjectID
	for _, id := range ids {
		ok, err := store.Exists(kind, id)
		if err != nil || !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *service) CreatePublication(_ context.Context, repoID string, req publication.CreatePublicationRequest) (*model.Publication, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	pub, err := publication.CreatePublication(repo, req)
	if err != nil {
		return nil, err
	}
	if err := repo.AddPublication(pub); err != nil {
		return nil, err
	}
	s.publish(notify.Event{
		Kind: notify.KindPublicationCreated, RepoID: repoID, Scope: pub.Scope,
		Subject: pub.ID, Actor: pub.Publisher.Handle, OccurredAt: pub.CreatedAt,
	})
	return pub, nil
}

func (s *service) CreateBundle(_ context.Context, repoID string, req publication.CreateBundleRequest) (*model.Bundle, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	gate := repo.GateByID(req.Gate)
	store := s.repos.ObjectStore(repoID)
	bundle, err := publication.CreateBundle(store, store, gate, req)
	if err != nil {
		return nil, err
	}
	if err := repo.AddBundle(bundle); err != nil {
		return nil, err
	}
	s.publish(notify.Event{
		Kind: notify.KindBundleCreated, RepoID: repoID, Scope: bundle.Scope,
		Subject: bundle.ID, Actor: bundle.CreatedBy.Handle, OccurredAt: bundle.CreatedAt,
	})
	return bundle, nil
}

func (s *service) ApproveBundle(_ context.Context, repoID, bundleID string, approver model.Identity) (*model.Bundle, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	store := s.repos.ObjectStore(repoID)

	var result *model.Bundle
	err = repo.Mutate(func(st *model.Repo) error {
		bundle := st.BundleByID(bundleID)
		if bundle == nil {
			return errcode.New(errcode.NotFound, "bundle %q not found", bundleID)
		}
		gate := st.GateGraph.ByID(bundle.Gate)
		if gate == nil {
			return errcode.New(errcode.NotFound, "gate %q not found", bundle.Gate)
		}
		if err := publication.ApproveBundle(bundle, approver, store, gate); err != nil {
			return err
		}
		result = bundle
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(notify.Event{
		Kind: notify.KindBundleApproved, RepoID: repoID, Scope: result.Scope,
		Subject: result.ID, Actor: approver.Handle,
	})
	return result, nil
}

func (s *service) CreatePromotion(_ context.Context, repoID string, req promotion.CreatePromotionRequest) (*model.Promotion, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}

	var result *model.Promotion
	err = repo.Mutate(func(st *model.Repo) error {
		bundle := st.BundleByID(req.BundleID)
		if bundle == nil {
			return errcode.New(errcode.NotFound, "bundle %q not found", req.BundleID)
		}
		p, err := promotion.Create(bundle, st.Promotions, &st.GateGraph, req)
		if err != nil {
			return err
		}
		st.Promotions = append(st.Promotions, p)
		if st.PromotionState[p.Scope] == nil {
			st.PromotionState[p.Scope] = map[string]string{}
		}
		st.PromotionState[p.Scope][p.ToGate] = p.BundleID
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(notify.Event{
		Kind: notify.KindPromotion, RepoID: repoID, Scope: result.Scope,
		Subject: result.BundleID, Actor: result.PromotedBy.Handle, OccurredAt: result.PromotedAt,
	})
	return result, nil
}

func (s *service) CreateRelease(_ context.Context, repoID string, req release.CreateRequest) (*model.Release, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}

	var result *model.Release
	err = repo.Mutate(func(st *model.Repo) error {
		bundle := st.BundleByID(req.BundleID)
		if bundle == nil {
			return errcode.New(errcode.NotFound, "bundle %q not found", req.BundleID)
		}
		rel, err := release.Create(bundle, st.Promotions, &st.GateGraph, req)
		if err != nil {
			return err
		}
		st.Releases = append(st.Releases, rel)
		result = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(notify.Event{
		Kind: notify.KindRelease, RepoID: repoID, Scope: result.Scope,
		Subject: result.BundleID, Actor: result.ReleasedBy.Handle, OccurredAt: result.ReleasedAt,
	})
	return result, nil
}

func (s *service) ListBundles(_ context.Context, repoID, scope string) ([]*model.Bundle, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	var out []*model.Bundle
	repo.View(func(st *model.Repo) {
		for _, b := range st.Bundles {
			if scope == "" || b.Scope == scope {
				out = append(out, b)
			}
		}
	})
	return out, nil
}

func (s *service) GetBundle(_ context.Context, repoID, bundleID string) (*model.Bundle, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	if b := repo.BundleByID(bundleID); b != nil {
		return b, nil
	}
	return nil, errcode.New(errcode.NotFound, "bundle %q not found", bundleID)
}

func (s *service) ListPublications(_ context.Context, repoID, scope string) ([]*model.Publication, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	var out []*model.Publication
	repo.View(func(st *model.Repo) {
		for _, p := range st.Publications {
			if scope == "" || p.Scope == scope {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

func (s *service) ListPromotions(_ context.Context, repoID, scope string) ([]*model.Promotion, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	var out []*model.Promotion
	repo.View(func(st *model.Repo) {
		for _, p := range st.Promotions {
			if scope == "" || p.Scope == scope {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

func (s *service) ListReleases(_ context.Context, repoID, channel string) ([]*model.Release, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	var out []*model.Release
	repo.View(func(st *model.Repo) {
		for _, r := range st.Releases {
			if channel == "" || r.Channel == channel {
				out = append(out, r)
			}
		}
	})
	return out, nil
}

func (s *service) GetLatestRelease(_ context.Context, repoID, channel string) (*model.Release, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	var rel *model.Release
	repo.View(func(st *model.Repo) {
		rel = release.Latest(st.Releases, channel)
	})
	if rel == nil {
		return nil, errcode.New(errcode.NotFound, "no release on channel %q", channel)
	}
	return rel, nil
}

func (s *service) EnumerateVariants(_ context.Context, repoID string, root model.ObjectID) ([]superposition.PathVariants, error) {
	return superposition.EnumerateVariants(s.repos.ObjectStore(repoID), root)
}

func (s *service) ValidateResolution(_ context.Context, repoID string, root model.ObjectID, decisions map[string]superposition.Decision) (*superposition.Report, error) {
	return superposition.ValidateResolution(s.repos.ObjectStore(repoID), root, decisions)
}

func (s *service) ApplyResolution(_ context.Context, repoID string, root model.ObjectID, decisions map[string]superposition.Decision) (model.ObjectID, error) {
	return superposition.ApplyResolution(s.repos.ObjectStore(repoID), root, decisions)
}

func (s *service) ValidateGateGraph(_ context.Context, graph model.GateGraph) []gategraph.Issue {
	return gategraph.Validate(&graph)
}

func (s *service) PutGateGraph(_ context.Context, repoID string, graph model.GateGraph) error {
	if issues := gategraph.Validate(&graph); len(issues) > 0 {
		anyIssues := make([]any, len(issues))
		for i, iss := range issues {
			anyIssues[i] = iss
		}
		return errcode.New(errcode.ValidationFailed, "gate graph %q failed validation", repoID).WithIssues(anyIssues)
	}
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return err
	}
	return repo.SetGateGraph(graph)
}

func (s *service) GC(_ context.Context, repoID string, opts gc.Options) (*gc.Report, error) {
	repo, err := s.repos.Open(repoID)
	if err != nil {
		return nil, err
	}
	store := s.repos.ObjectStore(repoID)
	report, err := gc.Run(store, repo.Snapshot(), opts)
	if err != nil {
		return nil, err
	}
	s.publish(notify.Event{Kind: notify.KindSweep, RepoID: repoID, Subject: "gc", OccurredAt: opts.Now})
	return report, nil
}
