// Package history provides bounded, per-scope conversational memory.
//
// Every scope (one per game or topic) owns an ordered log of user/assistant
// exchanges. Each exchange is embedded once at insertion and indexed for
// similarity search. The number of exchanges kept per scope is bounded by a
// single, runtime-adjustable max history setting; older exchanges are evicted
// first.
//
// Architecture:
//   - Journal: durable ordered log, the source of truth (badger for local use)
//   - Index: vector store keyed by scope (chromem-go locally, pgvector in production)
//   - Embedder: text-to-vector conversion (feature hashing locally, OpenAI remotely)
//   - Manager: orchestrates insertion, eviction, temporal retrieval, search and recovery
//
// Consistency:
//   - Operations on different scopes run in parallel; operations on the same
//     scope are serialized by a per-scope lock.
//   - A scope is (re)loaded from the journal on first access, or after a
//     failed mutation, and the index is reconciled against it.
package history
