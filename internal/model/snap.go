package model

// SnapStats summarizes the content a snap points to, grounded on the
// original source's `SnapStats{files,dirs,symlinks,bytes}`.
type SnapStats struct {
	Files    uint64 `json:"files"`
	Dirs     uint64 `json:"dirs"`
	Symlinks uint64 `json:"symlinks"`
	Bytes    uint64 `json:"bytes"`
}

// Snap is a named root: a point-in-time reference to a manifest tree,
// content-addressed by hash(created_at || root_manifest) (§3).
type Snap struct {
	ID           ObjectID  `json:"id"`
	Version      int       `json:"version"`
	CreatedAt    string    `json:"created_at"`
	RootManifest ObjectID  `json:"root_manifest"`
	Message      *string   `json:"message,omitempty"`
	Stats        SnapStats `json:"stats"`
}
