// Package cached decorates an embedder with a bounded in-process cache so
// repeated text (common for search queries) is embedded once.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-history/history"
)

// Embedder caches the vectors produced by an inner embedder, keyed by text.
type Embedder struct {
	inner history.Embedder
	cache *ristretto.Cache
}

var _ history.Embedder = (*Embedder)(nil)

// New wraps inner with a cache holding up to maxEntries vectors.
func New(inner history.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, computing it on a miss.
// Callers must not modify the returned slice.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v.([]float32), nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close stops the cache's background goroutines.
func (e *Embedder) Close() {
	e.cache.Close()
}
