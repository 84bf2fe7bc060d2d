// Package badger implements history.Journal on BadgerDB.
//
// Records are keyed by scope and sequence number so that a prefix scan
// yields a scope's log in insertion order:
//
//	r/<scope>\x00<seq, big-endian uint64>  ->  JSON record
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/becomeliminal/nim-history/history"
)

// Config holds configuration for the journal's BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Verbose forwards BadgerDB's internal warnings and errors to the log.
	Verbose bool
}

// DefaultConfig returns durable defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Journal is a BadgerDB-backed ordered log.
type Journal struct {
	db *badger.DB
}

var _ history.Journal = (*Journal)(nil)

// badgerLogger adapts the standard logger to BadgerDB's Logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[BADGER] ERROR "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("[BADGER] WARN "+format, args...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

// Open opens the journal database.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Verbose {
		opts = opts.WithLogger(badgerLogger{})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	return &Journal{db: db}, nil
}

const keyPrefix = "r/"

func scopePrefix(scope string) []byte {
	return append([]byte(keyPrefix+scope), 0)
}

func recordKey(scope string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(scopePrefix(scope), seq)
}

// Append persists rec.
func (j *Journal) Append(ctx context.Context, rec *history.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Scope, rec.Seq), value)
	})
}

// Remove deletes a record by sequence number.
func (j *Journal) Remove(ctx context.Context, scope string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(scope, seq))
	})
}

// Load returns the scope's records in Seq order. Entries that cannot be
// decoded are removed so they neither count toward the bound nor keep the
// scope listed.
func (j *Journal) Load(ctx context.Context, scope string) ([]*history.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*history.Record
	var unreadable [][]byte
	prefix := scopePrefix(scope)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec history.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				log.Printf("[BADGER] Unreadable journal entry %x: %v", it.Item().Key(), err)
				unreadable = append(unreadable, it.Item().KeyCopy(nil))
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scope, err)
	}

	if len(unreadable) > 0 {
		err := j.db.Update(func(txn *badger.Txn) error {
			for _, key := range unreadable {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("remove unreadable entries of %s: %w", scope, err)
		}
		log.Printf("[BADGER] Removed %d unreadable journal entries from scope=%s", len(unreadable), scope)
	}
	return records, nil
}

// DeleteScope removes every record of the scope in one transaction.
func (j *Journal) DeleteScope(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := scopePrefix(scope)
	err := j.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop scope %s: %w", scope, err)
	}
	return nil
}

// Scopes lists scopes holding at least one record.
func (j *Journal) Scopes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var scopes []string
	prefix := []byte(keyPrefix)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		for it.ValidForPrefix(prefix) {
			key := it.Item().KeyCopy(nil)
			end := bytes.IndexByte(key, 0)
			if end < 0 {
				it.Next()
				continue
			}
			scope := string(key[len(prefix):end])
			scopes = append(scopes, scope)

			// Skip the rest of this scope: 0x01 sorts after the 0x00 separator.
			next := append([]byte(keyPrefix+scope), 1)
			it.Seek(next)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
