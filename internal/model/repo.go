package model

// Repo is the persisted, serializable shape of the per-repo aggregate
// (§3). It carries no synchronization of its own — internal/repostate.Repo
// wraps one of these behind a reader-writer lock and owns every mutation.
type Repo struct {
	ID    string `json:"id"`
	Owner Identity `json:"owner"`

	Readers    map[string]bool `json:"readers"`
	Publishers map[string]bool `json:"publishers"`

	// Dual indices by stable user ID, kept in sync with Readers/Publishers
	// on every mutation (§4.8, §9 "Identifier dual indexing").
	ReaderUserIDs    map[string]bool `json:"reader_user_ids,omitempty"`
	PublisherUserIDs map[string]bool `json:"publisher_user_ids,omitempty"`

	Lanes     map[string]*Lane `json:"lanes"`
	GateGraph GateGraph        `json:"gate_graph"`
	Scopes    map[string]bool  `json:"scopes"`

	Snaps        map[string]bool `json:"snaps"`
	Publications []*Publication  `json:"publications"`

	Bundles       []*Bundle       `json:"bundles"`
	PinnedBundles map[string]bool `json:"pinned_bundles,omitempty"`

	Promotions     []*Promotion             `json:"promotions"`
	PromotionState map[string]map[string]string `json:"promotion_state"`

	Releases []*Release `json:"releases,omitempty"`
}

// NewRepo returns a repo aggregate with every map/slice initialized, owned
// by owner.
func NewRepo(id string, owner Identity) *Repo {
	return &Repo{
		ID:               id,
		Owner:            owner,
		Readers:          map[string]bool{},
		Publishers:       map[string]bool{},
		ReaderUserIDs:    map[string]bool{},
		PublisherUserIDs: map[string]bool{},
		Lanes:            map[string]*Lane{},
		GateGraph:        GateGraph{Version: 1},
		Scopes:           map[string]bool{},
		Snaps:            map[string]bool{},
		PinnedBundles:    map[string]bool{},
		PromotionState:   map[string]map[string]string{},
	}
}

// BundleByID returns the bundle with the given id, or nil.
func (r *Repo) BundleByID(id string) *Bundle {
	for _, b := range r.Bundles {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// PublicationByID returns the publication with the given id, or nil.
func (r *Repo) PublicationByID(id string) *Publication {
	for _, p := range r.Publications {
		if p.ID == id {
			return p
		}
	}
	return nil
}
