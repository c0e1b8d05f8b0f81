package model

// LaneHeadHistoryKeepLast bounds how many prior heads are retained per
// identity in a lane, newest first (§3, §8 scenario 6), grounded on the
// original source's `LANE_HEAD_HISTORY_KEEP_LAST`.
const LaneHeadHistoryKeepLast = 5

// LaneHead is one published position for a single identity within a lane.
type LaneHead struct {
	SnapID    ObjectID `json:"snap_id"`
	UpdatedAt string   `json:"updated_at"`
	ClientID  *string  `json:"client_id,omitempty"`
}

// Lane is a collaboration channel for unpublished work: one head per
// member identity, plus a bounded history of prior heads per identity
// (§3).
type Lane struct {
	ID           string                  `json:"id"`
	Members      map[string]bool         `json:"members"`
	MemberUserIDs map[string]bool        `json:"member_user_ids,omitempty"`
	Heads        map[string]LaneHead     `json:"heads"`
	HeadHistory  map[string][]LaneHead   `json:"head_history,omitempty"`
}

// NewLane creates an empty lane with initialized maps.
func NewLane(id string) *Lane {
	return &Lane{
		ID:            id,
		Members:       map[string]bool{},
		MemberUserIDs: map[string]bool{},
		Heads:         map[string]LaneHead{},
		HeadHistory:   map[string][]LaneHead{},
	}
}

// PushHead records a new head for identity. The new head is prepended to
// that identity's bounded history (newest first, keep-last
// LaneHeadHistoryKeepLast) and becomes the current head. §8 scenario 6:
// after 7 successive pushes the history holds pushes 7,6,5,4,3, newest
// first.
func (l *Lane) PushHead(identity string, head LaneHead) {
	hist := append([]LaneHead{head}, l.HeadHistory[identity]...)
	if len(hist) > LaneHeadHistoryKeepLast {
		hist = hist[:LaneHeadHistoryKeepLast]
	}
	l.HeadHistory[identity] = hist
	l.Heads[identity] = head
}
