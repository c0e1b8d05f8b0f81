package promotion

import (
	"testing"

	"github.com/converge/converge/internal/model"
)

func TestRebuildKeepsLatestPerScopeGate(t *testing.T) {
	promotions := []*model.Promotion{
		{ID: "p1", BundleID: "b1", Scope: "main", ToGate: "g2", PromotedAt: "2026-01-01T00:00:00Z"},
		{ID: "p2", BundleID: "b2", Scope: "main", ToGate: "g2", PromotedAt: "2026-01-02T00:00:00Z"},
		{ID: "p3", BundleID: "b3", Scope: "main", ToGate: "g3", PromotedAt: "2026-01-01T00:00:00Z"},
	}
	state := Rebuild(promotions)
	if state.BundleAt("main", "g2") != "b2" {
		t.Fatalf("expected b2 at (main,g2), got %s", state.BundleAt("main", "g2"))
	}
	if state.BundleAt("main", "g3") != "b3" {
		t.Fatalf("expected b3 at (main,g3), got %s", state.BundleAt("main", "g3"))
	}
}

func TestRebuildTieBreaksByPromotionID(t *testing.T) {
	promotions := []*model.Promotion{
		{ID: "p-a", BundleID: "older-id-wins-by-id", Scope: "main", ToGate: "g2", PromotedAt: "2026-01-01T00:00:00Z"},
		{ID: "p-b", BundleID: "newer-id-wins-by-id", Scope: "main", ToGate: "g2", PromotedAt: "2026-01-01T00:00:00Z"},
	}
	state := Rebuild(promotions)
	if state.BundleAt("main", "g2") != "newer-id-wins-by-id" {
		t.Fatalf("expected tie-break by greater promotion id, got %s", state.BundleAt("main", "g2"))
	}
}

func TestRebuildIsOrderIndependent(t *testing.T) {
	a := []*model.Promotion{
		{ID: "p1", BundleID: "b1", Scope: "s", ToGate: "g", PromotedAt: "2026-01-01T00:00:00Z"},
		{ID: "p2", BundleID: "b2", Scope: "s", ToGate: "g", PromotedAt: "2026-01-02T00:00:00Z"},
	}
	b := []*model.Promotion{a[1], a[0]}
	if Rebuild(a).BundleAt("s", "g") != Rebuild(b).BundleAt("s", "g") {
		t.Fatalf("rebuild should be independent of input order")
	}
}

func TestCreateRequiresPromotableBundle(t *testing.T) {
	bundle := &model.Bundle{ID: "b1", Scope: "main", Gate: "g1", Promotable: false, Reasons: []string{"approvals_missing"}}
	graph := &model.GateGraph{Version: 1, Gates: []model.GateDef{
		model.DefaultGateDef("g1", "G1", nil),
		model.DefaultGateDef("g2", "G2", []string{"g1"}),
	}}
	_, err := Create(bundle, nil, graph, CreatePromotionRequest{ID: "pr1", BundleID: "b1", ToGate: "g2"})
	if err == nil {
		t.Fatalf("expected error promoting a non-promotable bundle")
	}
}

func TestCreateRejectsNonUpstreamEdge(t *testing.T) {
	bundle := &model.Bundle{ID: "b1", Scope: "main", Gate: "g1", Promotable: true}
	graph := &model.GateGraph{Version: 1, Gates: []model.GateDef{
		model.DefaultGateDef("g1", "G1", nil),
		model.DefaultGateDef("g3", "G3", nil), // g3 does not list g1 as upstream
	}}
	_, err := Create(bundle, nil, graph, CreatePromotionRequest{ID: "pr1", BundleID: "b1", ToGate: "g3"})
	if err == nil {
		t.Fatalf("expected error promoting across a non-upstream edge")
	}
}

func TestCreateUsesMostRecentPromotionAsFromGate(t *testing.T) {
	bundle := &model.Bundle{ID: "b1", Scope: "main", Gate: "g1", Promotable: true}
	graph := &model.GateGraph{Version: 1, Gates: []model.GateDef{
		model.DefaultGateDef("g1", "G1", nil),
		model.DefaultGateDef("g2", "G2", []string{"g1"}),
		model.DefaultGateDef("g3", "G3", []string{"g2"}),
	}}
	priorPromotions := []*model.Promotion{
		{ID: "pr1", BundleID: "b1", Scope: "main", FromGate: "g1", ToGate: "g2", PromotedAt: "2026-01-01T00:00:00Z"},
	}
	// bundle.Gate is still "g1" (never rewritten, §4.4), but the most
	// recent promotion already moved it to g2 — promoting to g3 must
	// succeed using that as the reference point.
	promo, err := Create(bundle, priorPromotions, graph, CreatePromotionRequest{ID: "pr2", BundleID: "b1", ToGate: "g3"})
	if err != nil {
		t.Fatalf("create promotion: %v", err)
	}
	if promo.FromGate != "g2" {
		t.Fatalf("expected from_gate g2 (most recent promotion), got %s", promo.FromGate)
	}
}
