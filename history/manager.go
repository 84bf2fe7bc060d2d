package history

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-history/observability"
)

const defaultSearchResults = 5

// maxHoursAgo is the largest window expressible as a time.Duration. Longer
// windows reach before any record and are treated as no filter.
const maxHoursAgo = int(math.MaxInt64 / int64(time.Hour))

// Manager owns the per-scope ordered logs and their vector index.
//
// One Manager is constructed at startup and shared by every caller.
// Operations on different scopes run in parallel; operations on the same
// scope are serialized.
type Manager struct {
	journal  Journal
	index    Index
	embedder Embedder
	config   Config

	maxHistory atomic.Int64
	now        func() time.Time
	metrics    *observability.Metrics

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// Option configures the manager.
type Option func(*Manager)

// WithClock overrides the clock used for timestamps and temporal filtering.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics records operation counters and latencies.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a Manager over the given journal, index and embedder.
// A nil config uses DefaultConfig.
func NewManager(journal Journal, index Index, embedder Embedder, config *Config, opts ...Option) (*Manager, error) {
	if journal == nil || index == nil || embedder == nil {
		return nil, errors.New("history: journal, index and embedder are required")
	}
	if config == nil {
		config = DefaultConfig
	}
	if err := validateMaxHistory(config.MaxHistory); err != nil {
		return nil, err
	}

	m := &Manager{
		journal:  journal,
		index:    index,
		embedder: embedder,
		config:   *config,
		now:      time.Now,
		scopes:   make(map[string]*scopeState),
	}
	m.maxHistory.Store(int64(config.MaxHistory))
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MaxHistory returns the current per-scope bound.
func (m *Manager) MaxHistory() int {
	return int(m.maxHistory.Load())
}

// SetMaxHistory updates the per-scope bound. Values outside [1,100] are
// rejected with ErrConfig and the previous value is kept.
//
// Scopes are not trimmed retroactively; the new bound is enforced on the
// next insertion into each scope.
func (m *Manager) SetMaxHistory(n int) error {
	if err := validateMaxHistory(n); err != nil {
		return err
	}
	old := m.maxHistory.Swap(int64(n))
	log.Printf("[HISTORY] max_history updated: %d -> %d", old, n)
	return nil
}

// AddMessage embeds and stores one exchange, then evicts the oldest records
// of the scope until it is within the bound. If eviction fails the exchange
// is still stored: the record is returned together with the error.
func (m *Manager) AddMessage(ctx context.Context, scope, userMessage, assistantResponse string) (rec *Record, err error) {
	defer m.observe("add", time.Now(), &err)

	scope, err = NormalizeScope(scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	embedding, err := m.embedder.Embed(ctx, EmbeddingText(userMessage, assistantResponse))
	if err != nil {
		return nil, storageErr("embed exchange", err)
	}

	st, unlock, err := m.lockScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ts := m.now().UTC()
	if last := st.last(); last != nil && ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	rec = newRecord(scope, st.nextSeq, ts, userMessage, assistantResponse)
	rec.Embedding = embedding

	if err := m.journal.Append(ctx, rec); err != nil {
		st.dirty = true
		return nil, storageErr("append journal", err)
	}
	if err := m.index.Upsert(ctx, scope, rec.ID, rec.Embedding, rec.Payload()); err != nil {
		m.rollbackAppend(ctx, rec)
		st.dirty = true
		return nil, storageErr("index exchange", err)
	}
	st.records = append(st.records, rec)
	st.nextSeq++

	if _, err := m.evict(ctx, scope, st); err != nil {
		// Stored but over the bound until the next access reloads the scope.
		return rec.clone(), err
	}

	log.Printf("[HISTORY] Stored exchange: scope=%s, id=%s, count=%d", scope, rec.ID, len(st.records))
	return rec.clone(), nil
}

// GetRecentHistory returns the scope's records oldest first, filtered to the
// last q.HoursAgo hours and then truncated to the q.Limit most recent.
// An unknown scope yields an empty slice.
func (m *Manager) GetRecentHistory(ctx context.Context, scope string, q RecentQuery) (out []*Record, err error) {
	defer m.observe("recent", time.Now(), &err)

	scope, err = NormalizeScope(scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	st, unlock, err := m.rlockScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	records := st.records
	if q.HoursAgo > 0 && q.HoursAgo <= maxHoursAgo {
		cutoff := m.now().UTC().Add(-time.Duration(q.HoursAgo) * time.Hour)
		start := sort.Search(len(records), func(i int) bool {
			return !records[i].Timestamp.Before(cutoff)
		})
		records = records[start:]
	}
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[len(records)-q.Limit:]
	}

	out = make([]*Record, 0, len(records))
	for _, r := range records {
		out = append(out, r.clone())
	}
	return out, nil
}

// GetHistoryContext builds a prompt-ready summary of the most recent limit
// exchanges. It returns "" when the scope has no history.
func (m *Manager) GetHistoryContext(ctx context.Context, scope string, limit int) (string, error) {
	if limit <= 0 {
		limit = m.config.ContextLimit
	}
	if limit <= 0 {
		limit = defaultSearchResults
	}
	records, err := m.GetRecentHistory(ctx, scope, RecentQuery{Limit: limit})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return formatContext(records[0].Scope, records), nil
}

// SearchHistory returns up to nResults records of the scope most similar to
// query, by descending score; ties go to the more recent record.
func (m *Manager) SearchHistory(ctx context.Context, scope, query string, nResults int) (results []SearchResult, err error) {
	defer m.observe("search", time.Now(), &err)

	scope, err = NormalizeScope(scope)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if nResults <= 0 {
		nResults = defaultSearchResults
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, storageErr("embed query", err)
	}
	if isZeroVector(vector) {
		return []SearchResult{}, nil
	}

	st, unlock, err := m.rlockScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if len(st.records) == 0 {
		return []SearchResult{}, nil
	}
	// Rank the whole scope so ties at the cut are broken by recency, not by
	// whichever equal-score entries the index happened to return.
	k := len(st.records)
	matches, err := m.index.TopK(ctx, scope, vector, k)
	if err != nil {
		return nil, storageErr("query index", err)
	}

	byID := make(map[string]*Record, len(st.records))
	for _, r := range st.records {
		byID[r.ID] = r
	}
	results = make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		r, ok := byID[match.ID]
		if !ok {
			log.Printf("[HISTORY] Skipping index hit without journal entry: scope=%s, id=%s", scope, match.ID)
			continue
		}
		results = append(results, SearchResult{Record: r.clone(), Score: match.Score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.Timestamp.Equal(b.Record.Timestamp) {
			return a.Record.Timestamp.After(b.Record.Timestamp)
		}
		return a.Record.Seq > b.Record.Seq
	})
	if len(results) > nResults {
		results = results[:nResults]
	}

	log.Printf("[HISTORY] Search scope=%s query=%q returned %d results", scope, truncateLog(query, 50), len(results))
	return results, nil
}

// ClearHistory deletes every record and index entry of the scope.
// Clearing an unknown or empty scope succeeds.
func (m *Manager) ClearHistory(ctx context.Context, scope string) (err error) {
	defer m.observe("clear", time.Now(), &err)

	scope, err = NormalizeScope(scope)
	if err != nil {
		return err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	st := m.acquire(scope)
	st.mu.Lock()
	defer m.unlocker(scope, st, st.mu.Unlock)()

	// Journal first: an index left behind is dropped on the next load.
	if err := m.journal.DeleteScope(ctx, scope); err != nil {
		st.dirty = true
		return storageErr("clear journal", err)
	}
	if err := m.index.DeleteScope(ctx, scope); err != nil {
		st.dirty = true
		return storageErr("clear index", err)
	}
	st.reset()

	log.Printf("[HISTORY] Cleared scope=%s", scope)
	return nil
}

// GetStats reports the record count and timestamp range of the scope.
func (m *Manager) GetStats(ctx context.Context, scope string) (stats Stats, err error) {
	defer m.observe("stats", time.Now(), &err)

	scope, err = NormalizeScope(scope)
	if err != nil {
		return Stats{}, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	st, unlock, err := m.rlockScope(ctx, scope)
	if err != nil {
		return Stats{}, err
	}
	defer unlock()

	stats.TotalMessages = len(st.records)
	if len(st.records) > 0 {
		oldest := st.records[0].Timestamp
		newest := st.records[len(st.records)-1].Timestamp
		stats.OldestTimestamp = &oldest
		stats.NewestTimestamp = &newest
	}
	return stats, nil
}

// ListScopes enumerates scopes currently holding at least one record,
// sorted by name.
func (m *Manager) ListScopes(ctx context.Context) (scopes []string, err error) {
	defer m.observe("list", time.Now(), &err)

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	fromJournal, err := m.journal.Scopes(ctx)
	if err != nil {
		return nil, storageErr("list journal scopes", err)
	}
	fromIndex, err := m.index.ListScopes(ctx)
	if err != nil {
		return nil, storageErr("list index scopes", err)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, name := range append(fromJournal, fromIndex...) {
		normalized, err := NormalizeScope(name)
		if err != nil || normalized != name {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	// Loading a scope reconciles it, so stale index-only scopes drop out here.
	counts := make([]int, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			st, unlock, err := m.rlockScope(gctx, name)
			if err != nil {
				return err
			}
			counts[i] = len(st.records)
			unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scopes = make([]string, 0, len(names))
	for i, name := range names {
		if counts[i] > 0 {
			scopes = append(scopes, name)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.config.OpTimeout)
}

func (m *Manager) observe(op string, start time.Time, errp *error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrStorageTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	m.metrics.ObserveOperation(op, result, time.Since(start))
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
