// Package gc implements the garbage collector (C10, §4.7): a two-phase
// mark/sweep over a repo's object store, rooted at the union of pinned
// bundles, release bundles, promotion-state heads, lane heads/history,
// and pinned snaps. Grounded on registry/storage/garbagecollect.go's
// mark phase and registry/storage/vacuum.go's per-path best-effort
// deletion idiom.
package gc

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/converge/converge/internal/manifestgraph"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/release"
	"github.com/converge/converge/metrics"
)

// Store is the object-store surface GC needs: structured reads for
// traversal, directory listing for sweep, and deletion.
type Store interface {
	Get(kind model.Kind, id model.ObjectID) ([]byte, error)
	List(kind model.Kind) ([]model.ObjectID, error)
	Delete(kind model.Kind, id model.ObjectID) error
}

// RepoSnapshot is the read-only slice of repo state GC needs to compute
// retained roots (§4.7 Phase R). internal/repostate.Repo builds one
// under its reader lock before calling Run.
type RepoSnapshot struct {
	PinnedBundles  []*model.Bundle
	Releases       []*model.Release
	PromotionState map[string]map[string]string // scope -> gate -> bundle id
	AllBundles     map[string]*model.Bundle      // bundle id -> bundle, for promotion-state/release lookups
	Publications   map[string]*model.Publication // publication id -> publication, for input-publication snap retention
	Lanes          []*model.Lane
}

// RetentionConfig is the workspace-side snap retention policy (§4.7).
type RetentionConfig struct {
	KeepLast *uint64
	KeepDays *uint64
	Pinned   []model.ObjectID
}

// Options controls one GC run (§6 `gc(repo, opts)`).
type Options struct {
	DryRun bool

	// PruneMetadata, when set, applies Retention's policy to snaps not
	// reachable from any retained root and sweeps the ones it rejects;
	// when false, every on-disk snap survives regardless of Retention.
	PruneMetadata bool
	Retention     RetentionConfig

	// PruneReleasesKeepLast, when set, drops all but the newest n
	// releases per channel before Phase R runs, so their bundles stop
	// contributing retained roots (§4.7 "optionally prune release
	// history per channel before Phase R").
	PruneReleasesKeepLast *int

	// Now is an RFC3339 timestamp used for KeepDays; supplied by the
	// caller since this package must not call time.Now for reproducible
	// tests.
	Now string
}

// Report is the §6 `GcReport{kept, deleted}` output, broken out per kind
// so callers can report e.g. "deleted_blobs" as the seed scenario asks.
type Report struct {
	KeptBlobs     int
	DeletedBlobs  int
	KeptManifests int
	DeletedManifests int
	KeptRecipes   int
	DeletedRecipes int
	KeptSnaps     int
	DeletedSnaps  int
	Errors        []SweepError
}

// SweepError names one file GC could not delete (§7, §4.7 "best-effort").
type SweepError struct {
	Kind model.Kind
	ID   model.ObjectID
	Err  error
}

func (e SweepError) Error() string {
	return fmt.Sprintf("sweep %s %s: %v", e.Kind, e.ID, e.Err)
}

// Run executes Phase R (mark) then Phase S (sweep) and returns a report.
// In dry-run mode no files are deleted; only counted.
func Run(store Store, snapshot RepoSnapshot, opts Options) (*Report, error) {
	if opts.PruneReleasesKeepLast != nil {
		snapshot.Releases = release.PruneKeepLast(snapshot.Releases, *opts.PruneReleasesKeepLast)
	}

	retainedSnaps, err := collectRetainedSnaps(store, opts.Retention, opts.Now)
	if err != nil {
		return nil, err
	}

	retainedRoots, allRetainedSnaps, err := collectRetainedManifestRoots(store, snapshot, retainedSnaps)
	if err != nil {
		return nil, err
	}

	closure, err := manifestgraph.CollectReachable(store, retainedRoots)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	sweepKind(store, model.KindBlob, closure.Blobs, opts.DryRun, report, &report.KeptBlobs, &report.DeletedBlobs)
	sweepKind(store, model.KindManifest, closure.Manifests, opts.DryRun, report, &report.KeptManifests, &report.DeletedManifests)
	sweepKind(store, model.KindRecipe, closure.Recipes, opts.DryRun, report, &report.KeptRecipes, &report.DeletedRecipes)

	if opts.PruneMetadata {
		sweepKind(store, model.KindSnap, allRetainedSnaps, opts.DryRun, report, &report.KeptSnaps, &report.DeletedSnaps)
	} else {
		allSnaps, err := store.List(model.KindSnap)
		if err != nil {
			return nil, err
		}
		report.KeptSnaps = len(allSnaps)
	}

	return report, nil
}

func sweepKind(store Store, kind model.Kind, keep map[model.ObjectID]bool, dryRun bool, report *Report, kept, deleted *int) {
	ids, err := store.List(kind)
	if err != nil {
		report.Errors = append(report.Errors, SweepError{Kind: kind, Err: err})
		return
	}
	for _, id := range ids {
		if keep[id] {
			*kept++
			metrics.GCKept.WithValues(string(kind)).Inc(1)
			continue
		}
		*deleted++
		if dryRun {
			continue
		}
		if err := store.Delete(kind, id); err != nil {
			report.Errors = append(report.Errors, SweepError{Kind: kind, ID: id, Err: err})
			metrics.GCSweepErrors.Inc(1)
			continue
		}
		metrics.GCDeleted.WithValues(string(kind)).Inc(1)
	}
}

// collectRetainedSnaps applies the retention policy (§4.7 "Retention
// configuration") over every on-disk snap to determine which survive
// metadata pruning, falling back to "keep at least the newest snap" if
// no rule selects anything.
func collectRetainedSnaps(store Store, retention RetentionConfig, now string) (map[model.ObjectID]bool, error) {
	keep := map[model.ObjectID]bool{}
	for _, id := range retention.Pinned {
		keep[id] = true
	}

	ids, err := store.List(model.KindSnap)
	if err != nil {
		return nil, err
	}

	type snapRecord struct {
		id        model.ObjectID
		createdAt string
	}
	var snaps []snapRecord
	for _, id := range ids {
		raw, err := store.Get(model.KindSnap, id)
		if err != nil {
			continue
		}
		var sn model.Snap
		if err := json.Unmarshal(raw, &sn); err != nil {
			continue
		}
		snaps = append(snaps, snapRecord{id: id, createdAt: sn.CreatedAt})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].createdAt > snaps[j].createdAt })

	if retention.KeepLast != nil {
		n := int(*retention.KeepLast)
		for i, s := range snaps {
			if i >= n {
				break
			}
			keep[s.id] = true
		}
	}

	if retention.KeepDays != nil && now != "" {
		if nowTime, err := time.Parse(time.RFC3339, now); err == nil {
			cutoff := nowTime.AddDate(0, 0, -int(*retention.KeepDays))
			for _, s := range snaps {
				createdTime, err := time.Parse(time.RFC3339, s.createdAt)
				if err == nil && !createdTime.Before(cutoff) {
					keep[s.id] = true
				}
			}
		}
	}

	if len(keep) == 0 && len(snaps) > 0 {
		keep[snaps[0].id] = true // newest snap always survives when no rule selects anything
	}

	return keep, nil
}

// collectRetainedManifestRoots implements Phase R: it gathers every root
// manifest that must stay reachable — from pinned bundles, release
// bundles, promotion-state heads, their input publications' snaps, lane
// heads/history snaps, and pinned snaps — and returns their manifest IDs
// for traversal. Snap lookups require the caller's store since snaps
// themselves are objects.
func collectRetainedManifestRoots(store Store, snapshot RepoSnapshot, retainedSnapIDs map[model.ObjectID]bool) ([]model.ObjectID, map[model.ObjectID]bool, error) {
	bundleIDs := map[string]bool{}
	for _, b := range snapshot.PinnedBundles {
		bundleIDs[b.ID] = true
	}
	for _, r := range snapshot.Releases {
		bundleIDs[r.BundleID] = true
	}
	for _, gates := range snapshot.PromotionState {
		for _, bundleID := range gates {
			bundleIDs[bundleID] = true
		}
	}

	snapIDs := map[model.ObjectID]bool{}
	for id := range retainedSnapIDs {
		snapIDs[id] = true
	}

	ids := make([]string, 0, len(bundleIDs))
	for id := range bundleIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var roots []model.ObjectID
	for _, bundleID := range ids {
		bundle := snapshot.AllBundles[bundleID]
		if bundle == nil {
			continue // retained reference to a bundle not present in this snapshot; ignore
		}
		roots = append(roots, bundle.RootManifest)
		for _, pubID := range bundle.InputPublications {
			if pub := snapshot.Publications[pubID]; pub != nil {
				snapIDs[pub.SnapID] = true
			}
		}
	}

	for _, lane := range snapshot.Lanes {
		for _, head := range lane.Heads {
			snapIDs[head.SnapID] = true
		}
		for _, history := range lane.HeadHistory {
			for _, h := range history {
				snapIDs[h.SnapID] = true
			}
		}
	}

	snapList := make([]model.ObjectID, 0, len(snapIDs))
	for id := range snapIDs {
		snapList = append(snapList, id)
	}
	sort.Slice(snapList, func(i, j int) bool { return snapList[i] < snapList[j] })

	for _, snapID := range snapList {
		raw, err := store.Get(model.KindSnap, snapID)
		if err != nil {
			continue // a referenced snap missing from the store is not GC's concern to repair
		}
		var sn model.Snap
		if err := json.Unmarshal(raw, &sn); err != nil {
			continue
		}
		roots = append(roots, sn.RootManifest)
	}

	return roots, snapIDs, nil
}
