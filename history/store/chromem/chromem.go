// Package chromem implements history.Index on chromem-go, a pure Go embedded
// vector database. Each scope gets its own collection.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-history/history"
)

// Config configures the chromem store.
type Config struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool
}

// Store wraps chromem-go for vector storage.
type Store struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection // Per-scope collections
	mu          sync.RWMutex
}

var _ history.Index = (*Store)(nil)

// New creates a chromem-backed store, reopening any persisted collections.
func New(cfg Config) (*Store, error) {
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db %s: %w", cfg.Path, err)
		}
	}

	return &Store{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collection returns the collection for a scope, or nil when it does not exist
// and create is false.
func (s *Store) collection(scope string, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[scope]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[scope]; exists {
		return col, nil
	}

	// No embedding func: the manager always provides embeddings.
	if col = s.db.GetCollection(scope, nil); col == nil {
		if !create {
			return nil, nil
		}
		var err error
		col, err = s.db.CreateCollection(scope, map[string]string{"scope": scope}, nil)
		if err != nil {
			return nil, fmt.Errorf("create collection: %w", err)
		}
	}

	s.collections[scope] = col
	return col, nil
}

// Upsert stores or replaces the vector for id.
func (s *Store) Upsert(ctx context.Context, scope, id string, vector []float32, payload map[string]string) error {
	col, err := s.collection(scope, true)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        id,
		Embedding: vector,
		Metadata:  payload,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, scope, id string) error {
	col, err := s.collection(scope, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// DeleteScope drops the scope's collection.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, scope)
	if err := s.db.DeleteCollection(scope); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	log.Printf("[CHROMEM] Dropped collection for scope=%s", scope)
	return nil
}

// TopK returns the k nearest entries by cosine similarity.
func (s *Store) TopK(ctx context.Context, scope string, vector []float32, k int) ([]history.Match, error) {
	col, err := s.collection(scope, false)
	if err != nil || col == nil {
		return nil, err
	}

	// chromem-go requires nResults <= collection size
	if n := col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]history.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, history.Match{ID: r.ID, Score: r.Similarity})
	}
	return matches, nil
}

// ListScopes returns scopes whose collection holds at least one entry.
func (s *Store) ListScopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var scopes []string
	for name, col := range s.db.ListCollections() {
		if col.Count() > 0 {
			scopes = append(scopes, name)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Count returns the number of entries in scope.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	col, err := s.collection(scope, false)
	if err != nil || col == nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close releases resources.
func (s *Store) Close() error {
	// Persistent collections are written through on every change.
	return nil
}
