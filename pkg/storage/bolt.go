package storage

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

var bucketName = []byte("leptos_sync")

// BoltStore is the "durable-native" tier (§4.2 tier 1): a persistent
// file-backed store targeted when running outside a browser runtime,
// grounded on the same B+tree single-file embedded-db shape syncbase's
// cgo leveldb tier filled (services/syncbase/store/leveldb/db.go), but
// using the pack's pure-Go go.etcd.io/bbolt instead of cgo.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(ctx context.Context, path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "open bbolt store", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "create bbolt bucket", err)
	}
	s := &BoltStore{db: db}
	if err := selfTest(ctx, s); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Tier() Tier { return TierDurableNative }

func (s *BoltStore) Get(_ context.Context, key string) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.StorageUnavailable, "bbolt get", err)
	}
	return value, ok, nil
}

func (s *BoltStore) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "bbolt put", err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "bbolt delete", err)
	}
	return nil
}

func (s *BoltStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			out = append(out, Entry{Key: string(k), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "bbolt scan", err)
	}
	return out, nil
}

func (s *BoltStore) Batch(_ context.Context, ops []BatchOp) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "bbolt batch", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bbolt store: %w", err)
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
