package badger

import (
	badger "github.com/dgraph-io/badger/v4"
)

// PutRaw stores value under the record key without encoding it.
func (j *Journal) PutRaw(scope string, seq uint64, value []byte) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(scope, seq), value)
	})
}
