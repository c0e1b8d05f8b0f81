package model

// PublicationResolution attaches a pre-resolved root manifest to a
// publication derived from a bundle whose root had superpositions.
// Recovered from the original source's `PublicationResolution` (dropped
// from spec.md's prose, kept here per SPEC_FULL.md §3).
type PublicationResolution struct {
	BundleID            string   `json:"bundle_id"`
	RootManifest        ObjectID `json:"root_manifest"`
	ResolvedRootManifest ObjectID `json:"resolved_root_manifest"`
	CreatedAt           string   `json:"created_at"`
}

// Publication is an immutable claim that a snap belongs to a
// (scope, gate) at a point in time, made by an identity (§3).
type Publication struct {
	ID            string                 `json:"id"`
	SnapID        ObjectID               `json:"snap_id"`
	Scope         string                 `json:"scope"`
	Gate          string                 `json:"gate"`
	Publisher     Identity               `json:"publisher"`
	CreatedAt     string                 `json:"created_at"`
	MetadataOnly  bool                   `json:"metadata_only,omitempty"`
	Resolution    *PublicationResolution `json:"resolution,omitempty"`
}

// Bundle is an immutable composition of publications at a gate, with a
// merged root manifest and derived promotability fields (§3, §4.3.1).
type Bundle struct {
	ID                string   `json:"id"`
	Scope             string   `json:"scope"`
	Gate              string   `json:"gate"`
	RootManifest      ObjectID `json:"root_manifest"`
	InputPublications []string `json:"input_publications"`
	CreatedBy         Identity `json:"created_by"`
	CreatedAt         string   `json:"created_at"`

	Promotable bool     `json:"promotable"`
	Reasons    []string `json:"reasons"`

	Approvals     []string   `json:"approvals"`
	ApprovalUsers []Identity `json:"approval_identities,omitempty"`
}

// HasApproval reports whether identity has already approved the bundle,
// matched by handle (approve is idempotent per handle, §4.3.1).
func (b *Bundle) HasApproval(handle string) bool {
	for _, a := range b.Approvals {
		if a == handle {
			return true
		}
	}
	return false
}

// Promotion moves a bundle from an upstream gate to a downstream gate
// (§3, §4.4).
type Promotion struct {
	ID          string   `json:"id"`
	BundleID    string   `json:"bundle_id"`
	Scope       string   `json:"scope"`
	FromGate    string   `json:"from_gate"`
	ToGate      string   `json:"to_gate"`
	PromotedBy  Identity `json:"promoted_by"`
	PromotedAt  string   `json:"promoted_at"`
}

// Release places a promoted bundle on a named channel (§3, §4.5).
type Release struct {
	ID         string   `json:"id"`
	Channel    string   `json:"channel"`
	BundleID   string   `json:"bundle_id"`
	Scope      string   `json:"scope"`
	Gate       string   `json:"gate"`
	ReleasedBy Identity `json:"released_by"`
	ReleasedAt string   `json:"released_at"`
	Notes      *string  `json:"notes,omitempty"`
}
