package fingerprint

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var bucketFingerprints = []byte("fingerprints")

// BoltStore persists fingerprints in a BoltDB file, namespaced by bucket so
// multiple unrelated DAGs sharing a process don't collide. Grounded on the
// orchestrator's WorkflowStore: same bounded-open, create-bucket-on-open,
// Update/View transaction shape.
type BoltStore struct {
	db   *bbolt.DB
	ns   []byte
	read metric.Float64Histogram
	write metric.Float64Histogram
}

// OpenBoltStore opens (creating if absent) a BoltDB file at path and
// ensures a bucket named namespace exists for fingerprint keys.
func OpenBoltStore(path, namespace string, meter metric.Meter) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	ns := append(append([]byte(nil), bucketFingerprints...), []byte(":"+namespace)...)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fingerprint bucket: %w", err)
	}

	var read, write metric.Float64Histogram
	if meter != nil {
		read, _ = meter.Float64Histogram("buildgraph_fingerprint_read_ms")
		write, _ = meter.Float64Histogram("buildgraph_fingerprint_write_ms")
	}

	return &BoltStore{db: db, ns: ns, read: read, write: write}, nil
}

func (s *BoltStore) Load(ctx context.Context, uid string) ([]byte, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.read, start, "load")

	var fp []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.ns)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(uid))
		if v != nil {
			fp = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load fingerprint %s: %w", uid, err)
	}
	return fp, fp != nil, nil
}

func (s *BoltStore) Save(ctx context.Context, uid string, fp []byte) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.write, start, "save")

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.ns)
		if b == nil {
			return fmt.Errorf("fingerprint bucket missing")
		}
		return b.Put([]byte(uid), fp)
	})
}

func (s *BoltStore) Delete(ctx context.Context, uid string) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.write, start, "delete")

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.ns)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(uid))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attribute.String("operation", op)))
}
