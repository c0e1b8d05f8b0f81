// Package gategraph validates a gate graph in three phases — structural,
// cycle, and reachability — short-circuiting after the first phase that
// reports any issue, per C5 (§4.2). Grounded on
// original_source/src/bin/converge_server/gate_graph_validation/{mod,structural,reachability}.rs;
// cycle detection follows the same white/gray/black DFS idiom used by
// internal/manifestgraph.DetectCycle since the original's cycles.rs was not
// retrieved into the pack.
package gategraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/converge/converge/internal/model"
)

// Issue is one structural, cycle, or reachability problem found in a gate
// graph, in the shape the original validator's GateGraphIssue struct takes.
type Issue struct {
	Code     string  `json:"code"`
	Message  string  `json:"message"`
	Gate     *string `json:"gate,omitempty"`
	Upstream *string `json:"upstream,omitempty"`
}

func issue(code, message string, gate, upstream *string) Issue {
	return Issue{Code: code, Message: message, Gate: gate, Upstream: upstream}
}

func ptr(s string) *string { return &s }

// Validate runs the full three-phase pipeline and returns every issue
// found. A zero-length result means the graph is structurally valid,
// acyclic, and every gate is reachable from some root — the precondition
// internal/repostate.Repo.SetGateGraph requires before swapping a repo's
// gate graph pointer (SPEC_FULL §9).
func Validate(g *model.GateGraph) []Issue {
	var issues []Issue

	if !runStructural(g, &issues) {
		return issues
	}
	if !runCycles(g, &issues) {
		return issues
	}
	runReachability(g, &issues)
	return issues
}

func runStructural(g *model.GateGraph, issues *[]Issue) bool {
	if g.Version != 1 {
		*issues = append(*issues, issue("unsupported_version", "unsupported gate graph version", nil, nil))
		return false
	}
	if len(g.Gates) == 0 {
		*issues = append(*issues, issue("no_gates", "gate graph must contain at least one gate", nil, nil))
		return false
	}

	ids := map[string]bool{}
	for _, gate := range g.Gates {
		gateID := gate.ID
		if err := model.ValidateIdentifier(gate.ID); err != nil {
			*issues = append(*issues, issue("invalid_gate_id", err.Error(), ptr(gateID), nil))
		}
		if strings.TrimSpace(gate.Name) == "" {
			*issues = append(*issues, issue("empty_gate_name", "gate name cannot be empty", ptr(gateID), nil))
		}
		if ids[gate.ID] {
			*issues = append(*issues, issue("duplicate_gate_id", fmt.Sprintf("duplicate gate id %s", gate.ID), ptr(gateID), nil))
		}
		ids[gate.ID] = true
	}

	for _, gate := range g.Gates {
		gateID := gate.ID
		for _, up := range gate.Upstream {
			upstream := up
			if err := model.ValidateIdentifier(up); err != nil {
				*issues = append(*issues, issue("invalid_upstream_id", err.Error(), ptr(gateID), ptr(upstream)))
				continue
			}
			if !ids[up] {
				*issues = append(*issues, issue("unknown_upstream", fmt.Sprintf("gate %s references unknown upstream %s", gate.ID, up), ptr(gateID), ptr(upstream)))
			}
		}
	}

	return len(*issues) == 0
}

func runCycles(g *model.GateGraph, issues *[]Issue) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	byID := map[string]*model.GateDef{}
	for i := range g.Gates {
		byID[g.Gates[i].ID] = &g.Gates[i]
	}

	var cyclic *string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		gate := byID[id]
		if gate != nil {
			for _, up := range gate.Upstream {
				if byID[up] == nil {
					continue // already reported as unknown_upstream
				}
				switch color[up] {
				case gray:
					g := up
					cyclic = &g
					return true
				case black:
					continue
				default:
					if visit(up) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(g.Gates))
	for _, gate := range g.Gates {
		ids = append(ids, gate.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white && visit(id) {
			break
		}
	}

	if cyclic != nil {
		*issues = append(*issues, issue("cycle_detected", fmt.Sprintf("gate graph contains a cycle involving %s", *cyclic), cyclic, nil))
		return false
	}
	return true
}

func runReachability(g *model.GateGraph, issues *[]Issue) {
	var roots []string
	for _, gate := range g.Gates {
		if len(gate.Upstream) == 0 {
			roots = append(roots, gate.ID)
		}
	}
	if len(roots) == 0 {
		*issues = append(*issues, issue("no_root_gate", "gate graph must contain at least one root gate (a gate with no upstream)", nil, nil))
		return
	}

	byID := map[string]bool{}
	downstream := map[string][]string{}
	for _, gate := range g.Gates {
		byID[gate.ID] = true
		for _, up := range gate.Upstream {
			downstream[up] = append(downstream[up], gate.ID)
		}
	}

	stack := append([]string(nil), roots...)
	reachable := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		for _, next := range downstream[id] {
			if byID[next] {
				stack = append(stack, next)
			}
		}
	}

	if len(reachable) != len(g.Gates) {
		var missing []string
		for _, gate := range g.Gates {
			if !reachable[gate.ID] {
				missing = append(missing, gate.ID)
			}
		}
		sort.Strings(missing)
		*issues = append(*issues, issue("unreachable_gates", fmt.Sprintf("unreachable gates (not reachable from any root): %s", strings.Join(missing, ", ")), nil, nil))
	}
}
