// Package manifestgraph walks the manifest DAG rooted at a manifest
// object, collecting the transitive closure of blobs, recipes, and
// sub-manifests it references, and detects structural cycles by
// post-order DFS (C4, §4.3 design notes). It is shared by the garbage
// collector (C10) and by superposition resolution (C9), grounded on
// registry/storage/garbagecollect.go's mark phase and
// registry/storage/manifeststore.go's manifest walking.
package manifestgraph

import (
	"encoding/json"
	"fmt"

	"github.com/converge/converge/internal/model"
)

// Loader resolves an object by kind+id; satisfied by *objectstore.Store.
type Loader interface {
	Get(kind model.Kind, id model.ObjectID) ([]byte, error)
}

// Closure is the transitive set of objects reachable from one or more
// manifest roots (§4.7 Phase R).
type Closure struct {
	Manifests map[model.ObjectID]bool
	Blobs     map[model.ObjectID]bool
	Recipes   map[model.ObjectID]bool
}

// NewClosure returns an empty closure.
func NewClosure() *Closure {
	return &Closure{
		Manifests: map[model.ObjectID]bool{},
		Blobs:     map[model.ObjectID]bool{},
		Recipes:   map[model.ObjectID]bool{},
	}
}

// Merge folds other into c.
func (c *Closure) Merge(other *Closure) {
	for id := range other.Manifests {
		c.Manifests[id] = true
	}
	for id := range other.Blobs {
		c.Blobs[id] = true
	}
	for id := range other.Recipes {
		c.Recipes[id] = true
	}
}

// Walk traverses the manifest tree rooted at root, adding every
// sub-manifest, blob, and recipe it reaches into c. FileChunks entries
// additionally pull in their recipe's referenced chunk blobs;
// Superposition variants contribute their own kind-specific references
// (§4.7 Phase R).
func Walk(loader Loader, root model.ObjectID, into *Closure) error {
	if into.Manifests[root] {
		return nil // already visited; manifest DAG is acyclic by construction
	}
	into.Manifests[root] = true

	raw, err := loader.Get(model.KindManifest, root)
	if err != nil {
		return fmt.Errorf("walk manifest %s: %w", root, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode manifest %s: %w", root, err)
	}

	for _, e := range m.Entries {
		if err := walkEntry(loader, e, into); err != nil {
			return err
		}
	}
	return nil
}

func walkEntry(loader Loader, e *model.ManifestEntry, into *Closure) error {
	switch e.Kind {
	case model.EntryFile:
		into.Blobs[e.Blob] = true
	case model.EntryFileChunks:
		into.Recipes[e.Recipe] = true
		if err := walkRecipe(loader, e.Recipe, into); err != nil {
			return err
		}
	case model.EntryDir:
		if err := Walk(loader, e.DirManifest, into); err != nil {
			return err
		}
	case model.EntrySymlink:
		// no content reference
	case model.EntrySuperposition:
		for _, v := range e.Variants {
			if err := walkVariant(loader, v, into); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("entry %q has unknown kind %q", e.Name, e.Kind)
	}
	return nil
}

func walkVariant(loader Loader, v model.SuperpositionVariant, into *Closure) error {
	switch v.Kind {
	case model.VariantFile:
		into.Blobs[v.Blob] = true
	case model.VariantFileChunks:
		into.Recipes[v.Recipe] = true
		return walkRecipe(loader, v.Recipe, into)
	case model.VariantSymlink, model.VariantTombstone:
		// no content reference
	default:
		return fmt.Errorf("superposition variant has unknown kind %q", v.Kind)
	}
	return nil
}

func walkRecipe(loader Loader, id model.ObjectID, into *Closure) error {
	raw, err := loader.Get(model.KindRecipe, id)
	if err != nil {
		return fmt.Errorf("walk recipe %s: %w", id, err)
	}
	var r model.Recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode recipe %s: %w", id, err)
	}
	for _, ch := range r.Chunks {
		into.Blobs[ch.Blob] = true
	}
	return nil
}

// CollectReachable walks every root manifest and returns their merged
// closure, the shape the garbage collector needs from a set of retained
// roots.
func CollectReachable(loader Loader, roots []model.ObjectID) (*Closure, error) {
	closure := NewClosure()
	for _, root := range roots {
		if err := Walk(loader, root, closure); err != nil {
			return nil, err
		}
	}
	return closure, nil
}

// HasSuperposition reports whether any manifest reachable from root
// contains an unresolved Superposition entry, the question bundle
// promotability evaluation (§4.3.1) asks of a bundle's merged root.
func HasSuperposition(loader Loader, root model.ObjectID) (bool, error) {
	raw, err := loader.Get(model.KindManifest, root)
	if err != nil {
		return false, fmt.Errorf("load manifest %s: %w", root, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, fmt.Errorf("decode manifest %s: %w", root, err)
	}
	for _, e := range m.Entries {
		switch e.Kind {
		case model.EntrySuperposition:
			return true, nil
		case model.EntryDir:
			found, err := HasSuperposition(loader, e.DirManifest)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
	}
	return false, nil
}

// DetectCycle performs a post-order DFS over dir-manifest edges starting
// at root and reports the first manifest ID found to close a cycle. The
// manifest DAG is acyclic by construction (content-addressed IDs cannot
// reference their own future hash), so this exists as a defensive check
// over externally-supplied or corrupted data rather than a reachable
// runtime state (§9 Design Notes: "Cyclic structures").
func DetectCycle(loader Loader, root model.ObjectID) (model.ObjectID, bool, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[model.ObjectID]int{}

	var visit func(id model.ObjectID) (model.ObjectID, bool, error)
	visit = func(id model.ObjectID) (model.ObjectID, bool, error) {
		color[id] = gray
		raw, err := loader.Get(model.KindManifest, id)
		if err != nil {
			return "", false, err
		}
		var m model.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return "", false, err
		}
		for _, e := range m.Entries {
			if e.Kind != model.EntryDir {
				continue
			}
			switch color[e.DirManifest] {
			case gray:
				return e.DirManifest, true, nil
			case black:
				continue
			default:
				if found, ok, err := visit(e.DirManifest); err != nil || ok {
					return found, ok, err
				}
			}
		}
		color[id] = black
		return "", false, nil
	}

	return visit(root)
}
