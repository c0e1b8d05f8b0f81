package objectstore

import (
	"fmt"
	"io"

	"github.com/converge/converge/internal/model"
)

// Chunking policy defaults (§4.1): files are chunked once their size
// reaches Threshold, split into fixed ChunkSize pieces (last piece may be
// shorter), with a floor of MinChunkSize to keep the recipe from
// degenerating into one chunk per byte.
const (
	DefaultChunkSize  = 4 << 20 // 4 MiB
	DefaultThreshold  = 8 << 20 // 8 MiB
	MinChunkSize      = 64 << 10 // 64 KiB
)

// ChunkingConfig is the workspace-side knob set referenced by §4.1.
type ChunkingConfig struct {
	ChunkSize uint64
	Threshold uint64
}

// DefaultChunkingConfig returns the §4.1 defaults.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{ChunkSize: DefaultChunkSize, Threshold: DefaultThreshold}
}

// Normalize clamps a configured chunk size to MinChunkSize and fills in
// defaults for unset fields.
func (c ChunkingConfig) Normalize() ChunkingConfig {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < MinChunkSize {
		c.ChunkSize = MinChunkSize
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// ShouldChunk reports whether a file of the given size should be chunked
// rather than stored as a single blob (§4.1: "chunked iff size >= threshold").
func (c ChunkingConfig) ShouldChunk(size uint64) bool {
	return size >= c.Normalize().Threshold
}

// Chunker splits a reader's content into fixed-size chunks, storing each
// chunk blob and assembling the resulting Recipe. It does not itself write
// the recipe object — callers persist the returned recipe via
// Store.Put(model.KindRecipe, ...) so the recipe's digest can be reported
// alongside the chunk blobs that were newly written.
type Chunker struct {
	store  *Store
	config ChunkingConfig
}

// NewChunker returns a Chunker that writes chunk blobs into store.
func NewChunker(store *Store, config ChunkingConfig) *Chunker {
	return &Chunker{store: store, config: config.Normalize()}
}

// Split reads r to completion, storing chunks of the configured ChunkSize
// (the last may be shorter) as blobs and returning the recipe describing
// them in order.
func (c *Chunker) Split(r io.Reader) (*model.Recipe, error) {
	buf := make([]byte, c.config.ChunkSize)
	recipe := &model.Recipe{Version: 1}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			id, putErr := c.store.Put(model.KindBlob, buf[:n])
			if putErr != nil {
				return nil, putErr
			}
			recipe.Chunks = append(recipe.Chunks, model.RecipeChunk{Blob: id, Size: uint64(n)})
			recipe.Size += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return recipe, nil
}

// VerifyRecipe checks the recipe invariant (sum of chunk sizes equals
// total size) and, unless allowMissingBlobs is set, that every chunk blob
// exists in the store (§3 Recipe invariant, §6 `allow_missing_blobs`).
func (c *Chunker) VerifyRecipe(r *model.Recipe, allowMissingBlobs bool) error {
	if r.TotalChunkSize() != r.Size {
		return fmt.Errorf("recipe chunk sizes sum to %d, want %d", r.TotalChunkSize(), r.Size)
	}
	if allowMissingBlobs {
		return nil
	}
	for _, ch := range r.Chunks {
		ok, err := c.store.Exists(model.KindBlob, ch.Blob)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("recipe references missing blob %s", ch.Blob)
		}
	}
	return nil
}
