// Package publication implements the publication pipeline (C6, §4.3):
// creating publications, composing bundles from publication sets via
// recursive manifest merge, and evaluating/approving bundle
// promotability. Grounded on registry/storage/manifeststore.go's
// manifest-assembly idiom and registry/storage/tagstore.go's
// create-then-recompute-derived-fields pattern.
package publication

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/digestutil"
	"github.com/converge/converge/internal/manifestgraph"
	"github.com/converge/converge/internal/model"
)

// CreatePublicationRequest mirrors the §4.3 "create publication" inputs.
type CreatePublicationRequest struct {
	ID           string
	SnapID       model.ObjectID
	Scope        string
	Gate         string
	MetadataOnly bool
	Resolution   *model.PublicationResolution
	Publisher    model.Identity
	CreatedAt    string
}

// RepoView is the slice of repository state CreatePublication/CreateBundle
// need read access to; internal/repostate.Repo satisfies it.
type RepoView interface {
	HasSnap(id model.ObjectID) bool
	HasScope(scope string) bool
	GateByID(id string) *model.GateDef
}

// CreatePublication validates and constructs a Publication record. The
// caller (internal/repostate) is responsible for appending it to the
// repo's publication list and persisting under the repo writer lock.
func CreatePublication(repo RepoView, req CreatePublicationRequest) (*model.Publication, error) {
	if !repo.HasSnap(req.SnapID) {
		return nil, errcode.New(errcode.NotFound, "snap %s not found", req.SnapID)
	}
	if !repo.HasScope(req.Scope) {
		return nil, errcode.New(errcode.NotFound, "scope %q not found", req.Scope)
	}
	gate := repo.GateByID(req.Gate)
	if gate == nil {
		return nil, errcode.New(errcode.NotFound, "gate %q not found", req.Gate)
	}
	if req.MetadataOnly && !gate.AllowMetadataOnlyPublications {
		return nil, errcode.New(errcode.PolicyViolation, "gate %q does not allow metadata-only publications", req.Gate)
	}

	return &model.Publication{
		ID:           req.ID,
		SnapID:       req.SnapID,
		Scope:        req.Scope,
		Gate:         req.Gate,
		Publisher:    req.Publisher,
		CreatedAt:    req.CreatedAt,
		MetadataOnly: req.MetadataOnly,
		Resolution:   req.Resolution,
	}, nil
}

// CreateBundleRequest mirrors the §4.3 "create bundle" inputs.
type CreateBundleRequest struct {
	ID                string
	Scope             string
	Gate              string
	InputPublications []*model.Publication
	CreatedBy         model.Identity
	CreatedAt         string
}

// CreateBundle merges the root manifests of every input publication into
// one tree (recursive union producing superpositions on disagreement),
// persists the merged subtree, computes the bundle ID, and evaluates
// initial promotability.
func CreateBundle(store Storer, loader manifestgraph.Loader, gate *model.GateDef, req CreateBundleRequest) (*model.Bundle, error) {
	if gate == nil {
		return nil, errcode.New(errcode.NotFound, "gate %q not found", req.Gate)
	}
	if len(req.InputPublications) == 0 {
		return nil, errcode.New(errcode.BadRequest, "bundle requires at least one input publication")
	}

	pubIDs := make([]string, 0, len(req.InputPublications))
	manifests := make([]*model.Manifest, 0, len(req.InputPublications))
	for _, pub := range req.InputPublications {
		if pub.Scope != req.Scope || pub.Gate != req.Gate {
			return nil, errcode.New(errcode.BadRequest, "publication %s is not at (%s, %s)", pub.ID, req.Scope, req.Gate)
		}
		root := pub.SnapID
		raw, err := loader.Get(model.KindSnap, root)
		if err != nil {
			return nil, fmt.Errorf("load snap %s: %w", root, err)
		}
		var sn model.Snap
		if err := json.Unmarshal(raw, &sn); err != nil {
			return nil, fmt.Errorf("decode snap %s: %w", root, err)
		}
		mraw, err := loader.Get(model.KindManifest, sn.RootManifest)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", sn.RootManifest, err)
		}
		var m model.Manifest
		if err := json.Unmarshal(mraw, &m); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", sn.RootManifest, err)
		}

		pubIDs = append(pubIDs, pub.ID)
		manifests = append(manifests, &m)
	}

	merged, err := mergeManifests(store, pubIDs, manifests)
	if err != nil {
		return nil, err
	}
	rootID, err := persistManifest(store, merged)
	if err != nil {
		return nil, err
	}

	sortedPubs := append([]string(nil), pubIDs...)
	sort.Strings(sortedPubs)
	id, err := computeBundleID(req.Scope, req.Gate, rootID, sortedPubs, req.CreatedAt)
	if err != nil {
		return nil, err
	}

	bundle := &model.Bundle{
		ID:                id,
		Scope:             req.Scope,
		Gate:              req.Gate,
		RootManifest:      rootID,
		InputPublications: pubIDs,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         req.CreatedAt,
	}

	if err := RecomputePromotability(bundle, loader, gate); err != nil {
		return nil, err
	}
	return bundle, nil
}

// computeBundleID implements §4.3 step 5: hash(scope || gate ||
// root_manifest || sorted input_publications || created_at).
func computeBundleID(scope, gate string, root model.ObjectID, sortedPubs []string, createdAt string) (string, error) {
	var b strings.Builder
	b.WriteString(scope)
	b.WriteByte(0)
	b.WriteString(gate)
	b.WriteByte(0)
	b.WriteString(string(root))
	b.WriteByte(0)
	b.WriteString(strings.Join(sortedPubs, ","))
	b.WriteByte(0)
	b.WriteString(createdAt)
	return string(digestutil.FromBytes([]byte(b.String()))), nil
}

// RecomputePromotability implements §4.3.1: (promotable, reasons) is a
// pure function of the gate's policy, whether the bundle's tree still
// contains unresolved superpositions, and its current approval count.
// Recomputed on load and on every approval.
func RecomputePromotability(bundle *model.Bundle, loader manifestgraph.Loader, gate *model.GateDef) error {
	var reasons []string

	if !gate.AllowSuperpositions {
		has, err := manifestgraph.HasSuperposition(loader, bundle.RootManifest)
		if err != nil {
			return err
		}
		if has {
			reasons = append(reasons, "superpositions_present")
		}
	}

	if uint32(len(bundle.Approvals)) < gate.RequiredApprovals {
		reasons = append(reasons, "approvals_missing")
	}

	bundle.Reasons = reasons
	bundle.Promotable = len(reasons) == 0
	return nil
}

// ApproveBundle appends handle's approval if not already present
// (idempotent) and recomputes derived fields.
func ApproveBundle(bundle *model.Bundle, approver model.Identity, loader manifestgraph.Loader, gate *model.GateDef) error {
	if !bundle.HasApproval(approver.Handle) {
		bundle.Approvals = append(bundle.Approvals, approver.Handle)
		bundle.ApprovalUsers = append(bundle.ApprovalUsers, approver)
	}
	return RecomputePromotability(bundle, loader, gate)
}
