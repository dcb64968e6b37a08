package fingerprint

import (
	"context"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/metric"
)

// BadgerStore is an LSM-backed Store, an alternative to BoltStore for
// workloads dominated by writes (fresh fingerprints on every run) rather
// than reads. Grounded on the blockchain package's KV store: same
// DefaultOptions-at-path open, same Update/View transaction shape.
type BadgerStore struct {
	db     *badger.DB
	writes metric.Int64Counter
}

// OpenBadgerStore opens (creating if absent) a Badger database at path.
func OpenBadgerStore(path string, meter metric.Meter) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	var writes metric.Int64Counter
	if meter != nil {
		writes, _ = meter.Int64Counter("buildgraph_fingerprint_writes_total")
	}
	return &BadgerStore{db: db, writes: writes}, nil
}

func (s *BadgerStore) Load(_ context.Context, uid string) ([]byte, bool, error) {
	var fp []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(uid))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		fp, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return fp, fp != nil, nil
}

func (s *BadgerStore) Save(ctx context.Context, uid string, fp []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(uid), fp)
	})
	if err == nil && s.writes != nil {
		s.writes.Add(ctx, 1)
	}
	return err
}

func (s *BadgerStore) Delete(_ context.Context, uid string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(uid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
