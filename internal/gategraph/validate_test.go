package gategraph

import "testing"

import "github.com/converge/converge/internal/model"

func linearGraph() *model.GateGraph {
	return &model.GateGraph{
		Version: 1,
		Gates: []model.GateDef{
			model.DefaultGateDef("dev", "Development", nil),
			model.DefaultGateDef("staging", "Staging", []string{"dev"}),
			model.DefaultGateDef("prod", "Production", []string{"staging"}),
		},
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	issues := Validate(linearGraph())
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestValidateRejectsUnknownUpstream(t *testing.T) {
	g := linearGraph()
	g.Gates[0].Upstream = []string{"ghost"}
	issues := Validate(g)
	if len(issues) != 1 || issues[0].Code != "unknown_upstream" {
		t.Fatalf("expected single unknown_upstream issue, got %+v", issues)
	}
}

func TestValidateRejectsDuplicateGateID(t *testing.T) {
	g := linearGraph()
	g.Gates = append(g.Gates, model.DefaultGateDef("dev", "Development Again", nil))
	issues := Validate(g)
	found := false
	for _, iss := range issues {
		if iss.Code == "duplicate_gate_id" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate_gate_id issue, got %+v", issues)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	g := &model.GateGraph{
		Version: 1,
		Gates: []model.GateDef{
			model.DefaultGateDef("a", "A", []string{"b"}),
			model.DefaultGateDef("b", "B", []string{"a"}),
		},
	}
	issues := Validate(g)
	if len(issues) != 1 || issues[0].Code != "cycle_detected" {
		t.Fatalf("expected single cycle_detected issue, got %+v", issues)
	}
}

func TestReachabilityPhaseDetectsUnreachableGate(t *testing.T) {
	g := linearGraph()
	// island's only upstream edge points at a gate id that doesn't exist,
	// so it is neither a root nor ever visited from one. Validate stops at
	// the structural phase for such a graph (unknown_upstream), so the
	// reachability phase is run on its own here.
	g.Gates = append(g.Gates, model.DefaultGateDef("island", "Island", []string{"ghost"}))
	var issues []Issue
	runReachability(g, &issues)
	found := false
	for _, iss := range issues {
		if iss.Code == "unreachable_gates" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unreachable_gates issue, got %+v", issues)
	}
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	issues := Validate(&model.GateGraph{Version: 1})
	if len(issues) != 1 || issues[0].Code != "no_gates" {
		t.Fatalf("expected single no_gates issue, got %+v", issues)
	}
}
