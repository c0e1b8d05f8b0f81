// Package release implements the release registry (C8, §4.5): recording
// releases of promoted bundles onto named channels and answering
// "latest per channel", grounded on registry/storage/tagstore.go's
// tag-to-manifest lookup idiom.
package release

import (
	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/model"
	"github.com/converge/converge/internal/promotion"
)

// CreateRequest mirrors the §4.5 "create release" inputs.
type CreateRequest struct {
	ID         string
	Channel    string
	BundleID   string
	ReleasedBy model.Identity
	ReleasedAt string
	Notes      *string
}

// Create validates the §4.5 preconditions and returns the new Release
// record. The bundle's current gate (under the most-recent-promotion
// model, §9) must either have been promoted there across an edge into a
// release-allowing gate, or the bundle's creation gate itself allows
// releases.
func Create(bundle *model.Bundle, promotions []*model.Promotion, graph *model.GateGraph, req CreateRequest) (*model.Release, error) {
	if err := model.ValidateChannel(req.Channel); err != nil {
		return nil, errcode.New(errcode.BadRequest, "%v", err)
	}

	currentGate := promotion.CurrentGate(bundle, promotions)
	gate := graph.ByID(currentGate)
	if gate == nil {
		return nil, errcode.New(errcode.NotFound, "gate %q not found", currentGate)
	}
	if !gate.AllowReleases {
		return nil, errcode.New(errcode.PolicyViolation, "gate %q does not allow releases", currentGate)
	}

	return &model.Release{
		ID:         req.ID,
		Channel:    req.Channel,
		BundleID:   req.BundleID,
		Scope:      bundle.Scope,
		Gate:       currentGate,
		ReleasedBy: req.ReleasedBy,
		ReleasedAt: req.ReleasedAt,
		Notes:      req.Notes,
	}, nil
}

// Latest returns the release on channel with the greatest released_at
// (lex-compare on RFC3339 strings, tie-break by release ID), or nil if
// the channel has no releases (§4.5 "query latest").
func Latest(releases []*model.Release, channel string) *model.Release {
	var best *model.Release
	for _, r := range releases {
		if r.Channel != channel {
			continue
		}
		if best == nil || isNewer(r, best) {
			best = r
		}
	}
	return best
}

func isNewer(a, b *model.Release) bool {
	if a.ReleasedAt != b.ReleasedAt {
		return a.ReleasedAt > b.ReleasedAt
	}
	return a.ID > b.ID
}

// PruneKeepLast keeps, per channel, only the newest n releases (by
// released_at then ID), returning the surviving set in their original
// relative order. Used optionally by GC before Phase R (§4.7).
func PruneKeepLast(releases []*model.Release, n int) []*model.Release {
	if n <= 0 {
		return releases
	}
	byChannel := map[string][]*model.Release{}
	for _, r := range releases {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}

	keep := map[*model.Release]bool{}
	for _, rs := range byChannel {
		sorted := append([]*model.Release(nil), rs...)
		sortByNewestFirst(sorted)
		if len(sorted) > n {
			sorted = sorted[:n]
		}
		for _, r := range sorted {
			keep[r] = true
		}
	}

	var out []*model.Release
	for _, r := range releases {
		if keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func sortByNewestFirst(rs []*model.Release) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && isNewer(rs[j], rs[j-1]); j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
