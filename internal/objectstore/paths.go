package objectstore

import (
	"fmt"
	"path/filepath"

	"github.com/converge/converge/internal/model"
)

// layout mirrors the §6 persisted layout:
//
//	<data_dir>/<repo_id>/objects/<kind>/<64hex>[.json]
//
// grounded on registry/storage/paths.go's pathFor(spec) dispatch,
// generalized from the teacher's blob/manifest/layer-link path specs to a
// flat kind-keyed directory.
type layout struct {
	root string
}

func newLayout(root string) *layout { return &layout{root: root} }

func (l *layout) dir(kind model.Kind) string {
	return filepath.Join(l.root, "objects", string(kind))
}

func (l *layout) ext(kind model.Kind) string {
	if kind == model.KindBlob {
		return ""
	}
	return ".json"
}

func (l *layout) path(kind model.Kind, id model.ObjectID) (string, error) {
	if !id.Valid() {
		return "", fmt.Errorf("invalid object id %q", id)
	}
	return filepath.Join(l.dir(kind), string(id)+l.ext(kind)), nil
}

func (l *layout) tempPath(kind model.Kind, id model.ObjectID, unique string) string {
	return filepath.Join(l.dir(kind), fmt.Sprintf(".%s.%s.tmp", id, unique))
}
