package history

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one stored user/assistant exchange.
// Records are immutable once created.
type Record struct {
	ID                string    `json:"id"`
	Scope             string    `json:"scope"`
	Seq               uint64    `json:"seq"`
	Timestamp         time.Time `json:"timestamp"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	Embedding         []float32 `json:"embedding,omitempty"`
}

// newRecord creates a record with a fresh id. The embedding is set by the Manager.
func newRecord(scope string, seq uint64, ts time.Time, userMessage, assistantResponse string) *Record {
	return &Record{
		ID:                uuid.New().String(),
		Scope:             scope,
		Seq:               seq,
		Timestamp:         ts.UTC(),
		UserMessage:       userMessage,
		AssistantResponse: assistantResponse,
	}
}

// FormatForEmbedding returns the canonical text the embedding is computed from.
func (r *Record) FormatForEmbedding() string {
	return EmbeddingText(r.UserMessage, r.AssistantResponse)
}

// EmbeddingText is the canonical text representation of an exchange.
func EmbeddingText(userMessage, assistantResponse string) string {
	return fmt.Sprintf("User: %s\nAssistant: %s", userMessage, assistantResponse)
}

// Payload is the metadata stored alongside the vector in an Index.
func (r *Record) Payload() map[string]string {
	return map[string]string{
		"scope":     r.Scope,
		"seq":       strconv.FormatUint(r.Seq, 10),
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
	}
}

// Format renders the record as one context paragraph.
func (r *Record) Format() string {
	return fmt.Sprintf("[%s] User: %s\nAssistant: %s",
		r.Timestamp.Format("2006-01-02 15:04"),
		strings.TrimSpace(r.UserMessage),
		strings.TrimSpace(r.AssistantResponse))
}

// clone returns a copy safe to hand to callers.
func (r *Record) clone() *Record {
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	return &c
}

// SearchResult pairs a record with its similarity to the query.
type SearchResult struct {
	Record *Record `json:"record"`
	Score  float32 `json:"score"`
}

// Stats is a read-only aggregate over a scope's current records.
// Timestamps are nil when the scope is empty.
type Stats struct {
	TotalMessages   int        `json:"total_messages"`
	OldestTimestamp *time.Time `json:"oldest_timestamp"`
	NewestTimestamp *time.Time `json:"newest_timestamp"`
}

// RecentQuery filters GetRecentHistory. Zero values disable a filter.
// HoursAgo is applied first, then Limit keeps the most recent records.
type RecentQuery struct {
	Limit    int
	HoursAgo int
}

// NormalizeScope case-normalizes a scope name.
func NormalizeScope(scope string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(scope))
	if s == "" || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return s, nil
}
