package history

import (
	"context"
	"log"
	"sync"
	"time"
)

const rollbackTimeout = 5 * time.Second

// scopeState is the in-memory view of one scope's ordered log.
// All fields except refs are guarded by mu; refs is guarded by Manager.mu.
type scopeState struct {
	mu sync.RWMutex

	loaded  bool
	dirty   bool // a mutation failed part-way; reload before the next use
	records []*Record
	nextSeq uint64

	refs int
}

func (s *scopeState) ready() bool {
	return s.loaded && !s.dirty
}

// idle reports whether the state holds nothing the journal cannot rebuild.
func (s *scopeState) idle() bool {
	return !s.dirty && len(s.records) == 0
}

func (s *scopeState) last() *Record {
	if len(s.records) == 0 {
		return nil
	}
	return s.records[len(s.records)-1]
}

func (s *scopeState) reset() {
	s.records = nil
	s.nextSeq = 1
	s.loaded = true
	s.dirty = false
}

// acquire returns the state for scope, creating it lazily, and pins it
// until the matching release.
func (m *Manager) acquire(scope string) *scopeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.scopes[scope]
	if !ok {
		st = &scopeState{nextSeq: 1}
		m.scopes[scope] = st
	}
	st.refs++
	return st
}

// release unpins st. Unpinned idle states are dropped so lookups of unknown
// scopes leave nothing behind; the next use reloads from the journal.
func (m *Manager) release(scope string, st *scopeState, idle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.refs--
	if st.refs == 0 && idle && m.scopes[scope] == st {
		delete(m.scopes, scope)
	}
}

// unlocker wraps unlock so that it also releases st.
func (m *Manager) unlocker(scope string, st *scopeState, unlock func()) func() {
	return func() {
		idle := st.idle()
		unlock()
		m.release(scope, st, idle)
	}
}

// lockScope returns the scope state write-locked and loaded, with the
// matching unlock func.
func (m *Manager) lockScope(ctx context.Context, scope string) (*scopeState, func(), error) {
	st := m.acquire(scope)
	st.mu.Lock()
	unlock := m.unlocker(scope, st, st.mu.Unlock)
	if err := m.ensureLoaded(ctx, scope, st); err != nil {
		unlock()
		return nil, nil, err
	}
	return st, unlock, nil
}

// rlockScope returns the scope state locked for reading and loaded, with the
// matching unlock func. Loading upgrades to the write lock.
func (m *Manager) rlockScope(ctx context.Context, scope string) (*scopeState, func(), error) {
	st := m.acquire(scope)
	st.mu.RLock()
	if st.ready() {
		return st, m.unlocker(scope, st, st.mu.RUnlock), nil
	}
	st.mu.RUnlock()

	st.mu.Lock()
	unlock := m.unlocker(scope, st, st.mu.Unlock)
	if err := m.ensureLoaded(ctx, scope, st); err != nil {
		unlock()
		return nil, nil, err
	}
	return st, unlock, nil
}

// ensureLoaded (re)builds the scope from the journal, reconciles the index
// against it and enforces the current bound. Caller holds st.mu for writing.
func (m *Manager) ensureLoaded(ctx context.Context, scope string, st *scopeState) error {
	if st.ready() {
		return nil
	}

	records, err := m.journal.Load(ctx, scope)
	if err != nil {
		return storageErr("load journal", err)
	}
	if err := m.reconcile(ctx, scope, records); err != nil {
		return err
	}

	recovered := st.dirty
	st.records = records
	st.nextSeq = 1
	if last := st.last(); last != nil {
		st.nextSeq = last.Seq + 1
	}
	st.loaded = true
	st.dirty = false

	if _, err := m.evict(ctx, scope, st); err != nil {
		return err
	}
	if recovered {
		log.Printf("[HISTORY] Recovered scope=%s after failed write (count=%d)", scope, len(st.records))
	}
	return nil
}

// reconcile makes the index hold exactly the journal's records.
func (m *Manager) reconcile(ctx context.Context, scope string, records []*Record) error {
	count, err := m.index.Count(ctx, scope)
	if err != nil {
		return storageErr("count index", err)
	}

	if len(records) == 0 {
		if count == 0 {
			return nil
		}
		if err := m.index.DeleteScope(ctx, scope); err != nil {
			return storageErr("drop orphaned index", err)
		}
		m.recovered(scope, "dropped %d orphaned index entries", count)
		return nil
	}

	indexed := make(map[string]struct{}, count)
	if sample := sampleVector(records); count > 0 && sample != nil {
		// k == count enumerates the whole scope.
		matches, err := m.index.TopK(ctx, scope, sample, count)
		if err != nil {
			return storageErr("scan index", err)
		}
		for _, match := range matches {
			indexed[match.ID] = struct{}{}
		}
	}

	journaled := make(map[string]struct{}, len(records))
	for _, r := range records {
		journaled[r.ID] = struct{}{}
	}

	for id := range indexed {
		if _, ok := journaled[id]; ok {
			continue
		}
		if err := m.index.Delete(ctx, scope, id); err != nil {
			return storageErr("delete orphaned index entry", err)
		}
		m.recovered(scope, "deleted orphaned index entry %s", id)
	}

	for _, r := range records {
		if _, ok := indexed[r.ID]; ok {
			continue
		}
		if len(r.Embedding) == 0 {
			log.Printf("[HISTORY] Journal entry without embedding: scope=%s, id=%s", scope, r.ID)
			continue
		}
		if err := m.index.Upsert(ctx, scope, r.ID, r.Embedding, r.Payload()); err != nil {
			return storageErr("reindex journal entry", err)
		}
		m.recovered(scope, "reindexed journal entry %s", r.ID)
	}
	return nil
}

func sampleVector(records []*Record) []float32 {
	for i := len(records) - 1; i >= 0; i-- {
		if len(records[i].Embedding) > 0 {
			return records[i].Embedding
		}
	}
	return nil
}

// evict removes the oldest records until the scope is within the bound.
// Index first, then journal: a crash in between leaves a journal entry that
// the next load reindexes and evicts again.
func (m *Manager) evict(ctx context.Context, scope string, st *scopeState) (int, error) {
	limit := m.MaxHistory()
	evicted := 0
	for len(st.records) > limit {
		oldest := st.records[0]
		if err := m.index.Delete(ctx, scope, oldest.ID); err != nil {
			st.dirty = true
			return evicted, storageErr("evict index entry", err)
		}
		if err := m.journal.Remove(ctx, scope, oldest.Seq); err != nil {
			st.dirty = true
			return evicted, storageErr("evict journal entry", err)
		}
		st.records[0] = nil
		st.records = st.records[1:]
		evicted++
	}
	if evicted > 0 {
		log.Printf("[HISTORY] Evicted %d records from scope=%s (max_history=%d)", evicted, scope, limit)
		if m.metrics != nil {
			m.metrics.Evictions.Add(float64(evicted))
		}
	}
	return evicted, nil
}

// rollbackAppend removes a journal entry whose index write failed. It runs
// detached from ctx, which may already be expired.
func (m *Manager) rollbackAppend(ctx context.Context, rec *Record) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := m.journal.Remove(rbCtx, rec.Scope, rec.Seq); err != nil {
		log.Printf("[HISTORY] Rollback failed: scope=%s, seq=%d: %v", rec.Scope, rec.Seq, err)
	}
	if err := m.index.Delete(rbCtx, rec.Scope, rec.ID); err != nil {
		log.Printf("[HISTORY] Rollback of index entry failed: scope=%s, id=%s: %v", rec.Scope, rec.ID, err)
	}
}

func (m *Manager) recovered(scope, format string, args ...any) {
	log.Printf("[HISTORY] Recovery scope=%s: "+format, append([]any{scope}, args...)...)
	if m.metrics != nil {
		m.metrics.Recoveries.Inc()
	}
}
