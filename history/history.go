package history

import (
	"context"
)

// Journal is the durable, ordered append log of records.
// Implementations: badger.Journal (local and production).
//
// The journal is the source of truth: the index is rebuilt from it on recovery,
// so journal entries carry their embedding.
type Journal interface {
	// Append persists a record. Seq must be unique within the scope.
	Append(ctx context.Context, rec *Record) error

	// Remove deletes the record with the given sequence number.
	// Removing a missing record is not an error.
	Remove(ctx context.Context, scope string, seq uint64) error

	// Load returns every record of a scope in ascending Seq order.
	Load(ctx context.Context, scope string) ([]*Record, error)

	// DeleteScope removes all records of a scope.
	DeleteScope(ctx context.Context, scope string) error

	// Scopes lists scopes holding at least one record.
	Scopes(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// Match is a single similarity hit returned by an Index.
type Match struct {
	ID    string
	Score float32
}

// Index is the persistent vector store backend.
// Implementations: chromem.Store (local), postgres.Store (production).
//
// The Manager is the sole writer; ids are record ids.
type Index interface {
	// Upsert inserts or replaces the vector for id within scope.
	Upsert(ctx context.Context, scope, id string, vector []float32, payload map[string]string) error

	// Delete removes a single entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, scope, id string) error

	// DeleteScope removes every entry of a scope.
	DeleteScope(ctx context.Context, scope string) error

	// TopK returns up to k entries of scope ordered by descending similarity.
	TopK(ctx context.Context, scope string, vector []float32, k int) ([]Match, error)

	// ListScopes enumerates scopes holding at least one entry.
	ListScopes(ctx context.Context) ([]string, error)

	// Count returns the number of entries in scope.
	Count(ctx context.Context, scope string) (int, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: hashing.Embedder (local), openai.Embedder (remote),
// cached.Embedder (decorator).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}
