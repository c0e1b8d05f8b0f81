// Package promotion maintains the derived promotion-state index
// (C7, §4.4): for each (scope, gate), the most recently promoted bundle,
// rebuilt from the ordered promotions log rather than carried as
// independent mutable state — the write-through-cache idiom SPEC_FULL.md
// §9 calls out, grounded on registry/storage/tagstore.go's "latest tag"
// derived index.
package promotion

import (
	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/model"
)

// State is scope -> gate -> bundle id, the promotion_state aggregate
// field (§3).
type State map[string]map[string]string

// NewState returns an empty promotion state.
func NewState() State { return State{} }

// Rebuild recomputes the state from scratch by scanning every promotion
// and retaining, per (scope, to_gate), the one with the lexicographically
// greatest promoted_at, tie-broken by promotion ID (§4.4). The input
// order does not matter — this is a pure function of the log's contents.
func Rebuild(promotions []*model.Promotion) State {
	s := NewState()
	latest := map[[2]string]*model.Promotion{}
	for _, p := range promotions {
		key := [2]string{p.Scope, p.ToGate}
		cur, ok := latest[key]
		if !ok || isNewer(p, cur) {
			latest[key] = p
		}
	}
	for key, p := range latest {
		scope, gate := key[0], key[1]
		if s[scope] == nil {
			s[scope] = map[string]string{}
		}
		s[scope][gate] = p.BundleID
	}
	return s
}

// isNewer reports whether a supersedes b under the §4.4 tie-break rule:
// greater promoted_at (RFC3339 strings lex-compare correctly), ties
// broken by the greater promotion ID.
func isNewer(a, b *model.Promotion) bool {
	if a.PromotedAt != b.PromotedAt {
		return a.PromotedAt > b.PromotedAt
	}
	return a.ID > b.ID
}

// Apply folds a single newly appended promotion into an existing state
// in place, the incremental-maintenance path used after CreatePromotion
// persists the log entry (kept consistent with Rebuild by construction:
// Apply never removes an entry Rebuild would also keep).
func (s State) Apply(p *model.Promotion) {
	if s[p.Scope] == nil {
		s[p.Scope] = map[string]string{}
	}
	s[p.Scope][p.ToGate] = p.BundleID
}

// BundleAt returns the bundle id currently promoted to (scope, gate), or
// "" if none.
func (s State) BundleAt(scope, gate string) string {
	if s[scope] == nil {
		return ""
	}
	return s[scope][gate]
}

// CurrentGate resolves a bundle's reference gate under the most-recent-
// promotion model (§9 Open Questions: "tests in §8 assume the
// most-recent-promotion model for chained promotions" — this is the
// decision DESIGN.md records). It scans every promotion of the bundle
// and returns the to_gate of the one with the greatest promoted_at
// (ties broken by ID); if the bundle has never been promoted, its
// creation gate is the reference point.
func CurrentGate(bundle *model.Bundle, promotions []*model.Promotion) string {
	var latest *model.Promotion
	for _, p := range promotions {
		if p.BundleID != bundle.ID {
			continue
		}
		if latest == nil || isNewer(p, latest) {
			latest = p
		}
	}
	if latest == nil {
		return bundle.Gate
	}
	return latest.ToGate
}

// CreatePromotionRequest mirrors the §4.4 "create promotion" inputs.
type CreatePromotionRequest struct {
	ID         string
	BundleID   string
	ToGate     string
	PromotedBy model.Identity
	PromotedAt string
}

// Create validates the §4.4 preconditions and returns the new Promotion
// record. The caller appends it to the repo's log, calls Apply on the
// in-memory index, and persists both under the repo writer lock.
func Create(bundle *model.Bundle, promotions []*model.Promotion, graph *model.GateGraph, req CreatePromotionRequest) (*model.Promotion, error) {
	if !bundle.Promotable {
		return nil, errcode.New(errcode.PolicyViolation, "bundle %s is not promotable: %v", bundle.ID, bundle.Reasons)
	}
	toGate := graph.ByID(req.ToGate)
	if toGate == nil {
		return nil, errcode.New(errcode.NotFound, "gate %q not found", req.ToGate)
	}

	fromGate := CurrentGate(bundle, promotions)
	if !containsString(toGate.Upstream, fromGate) {
		return nil, errcode.New(errcode.PolicyViolation, "gate %q does not have %q as an upstream", req.ToGate, fromGate)
	}

	return &model.Promotion{
		ID:         req.ID,
		BundleID:   req.BundleID,
		Scope:      bundle.Scope,
		FromGate:   fromGate,
		ToGate:     req.ToGate,
		PromotedBy: req.PromotedBy,
		PromotedAt: req.PromotedAt,
	}, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
