package model

// GateDef describes one quality gate in the gate graph: its upstream
// edges and the policy applied to bundles sitting at it (§3, §4.2).
type GateDef struct {
	ID                           string   `json:"id"`
	Name                         string   `json:"name"`
	Upstream                     []string `json:"upstream"`
	AllowReleases                bool     `json:"allow_releases"`
	AllowSuperpositions          bool     `json:"allow_superpositions"`
	AllowMetadataOnlyPublications bool    `json:"allow_metadata_only_publications"`
	RequiredApprovals            uint32   `json:"required_approvals"`
}

// DefaultGateDef returns a gate definition with the §3 defaults applied:
// allow_releases=true, everything else false/zero.
func DefaultGateDef(id, name string, upstream []string) GateDef {
	return GateDef{
		ID:            id,
		Name:          name,
		Upstream:      append([]string(nil), upstream...),
		AllowReleases: true,
	}
}

// GateGraph is the versioned DAG of gates (§3).
type GateGraph struct {
	Version int       `json:"version"`
	Gates   []GateDef `json:"gates"`
}

// ByID returns the gate with the given id, or nil.
func (g *GateGraph) ByID(id string) *GateDef {
	for i := range g.Gates {
		if g.Gates[i].ID == id {
			return &g.Gates[i]
		}
	}
	return nil
}
