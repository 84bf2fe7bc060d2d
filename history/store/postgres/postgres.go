// Package postgres implements history.Index on PostgreSQL with the pgvector
// extension.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/becomeliminal/nim-history/history"
)

// Store persists history vectors in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Index = (*Store)(nil)

// New connects to databaseURL and creates the schema when missing.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS history_vectors (
			scope TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding vector NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (scope, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_vectors_scope ON history_vectors (scope);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert inserts or replaces the vector for id.
func (s *Store) Upsert(ctx context.Context, scope, id string, vector []float32, payload map[string]string) error {
	if payload == nil {
		payload = map[string]string{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO history_vectors (scope, id, embedding, payload)
		 VALUES ($1, $2, $3::vector, $4)
		 ON CONFLICT (scope, id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`,
		scope,
		id,
		FormatVector(vector),
		payloadJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, scope, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM history_vectors WHERE scope=$1 AND id=$2`, scope, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// DeleteScope removes every entry of scope in one statement.
func (s *Store) DeleteScope(ctx context.Context, scope string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM history_vectors WHERE scope=$1`, scope); err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	return nil
}

// TopK returns the k nearest entries by cosine similarity.
func (s *Store) TopK(ctx context.Context, scope string, vector []float32, k int) ([]history.Match, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $2::vector) AS score
		 FROM history_vectors WHERE scope=$1
		 ORDER BY embedding <=> $2::vector LIMIT $3`,
		scope,
		FormatVector(vector),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query nearest vectors: %w", err)
	}
	defer rows.Close()

	matches := make([]history.Match, 0, k)
	for rows.Next() {
		var (
			m     history.Match
			score float64
		)
		if err := rows.Scan(&m.ID, &score); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		m.Score = float32(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return matches, nil
}

// ListScopes returns scopes with at least one entry.
func (s *Store) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT scope FROM history_vectors ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope row: %w", err)
		}
		scopes = append(scopes, scope)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope rows: %w", err)
	}
	return scopes, nil
}

// Count returns the number of entries in scope.
func (s *Store) Count(ctx context.Context, scope string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM history_vectors WHERE scope=$1`, scope).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// FormatVector renders v in pgvector's text input format, e.g. "[0.1,0.2]".
func FormatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
