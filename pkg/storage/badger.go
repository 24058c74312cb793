package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// BadgerStore is the "durable-web-primary" tier analogue (§4.2 tier 2):
// the fastest durable tier when its underlying storage is available,
// grounded on nornicdb's BadgerEngine (pkg/storage/badger.go) and wired
// to badger/v4's LSM-tree transactional API the same way.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(ctx context.Context, dataDir string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir).WithLogger(nil)
	if inMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "open badger store", err)
	}
	s := &BadgerStore{db: db}
	if err := selfTest(ctx, s); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Tier() Tier { return TierDurableWebPrimary }

func (s *BadgerStore) Get(_ context.Context, key string) (value []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.StorageUnavailable, "badger get", err)
	}
	return value, ok, nil
}

func (s *BadgerStore) Put(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "badger put", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "badger delete", err)
	}
	return nil
}

func (s *BadgerStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			if err := item.Value(func(v []byte) error {
				out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "badger scan", err)
	}
	return out, nil
}

func (s *BadgerStore) Batch(_ context.Context, ops []BatchOp) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, op := range ops {
		var err error
		if op.Delete {
			err = wb.Delete([]byte(op.Key))
		} else {
			err = wb.Set([]byte(op.Key), op.Value)
		}
		if err != nil {
			return xerrors.Wrap(xerrors.StorageUnavailable, "badger batch stage", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "badger batch flush", err)
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
