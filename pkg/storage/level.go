package storage

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// LevelStore is the "durable-web-secondary" tier analogue (§4.2 tier 3): a
// universal structured key-value store. It re-grounds syncbase's cgo
// leveldb tier (services/syncbase/store/leveldb/db.go) on the pack's
// pure-Go syndtr/goleveldb port instead of linking against the C library,
// keeping the same Get/Put/Delete/Scan shape.
type LevelStore struct {
	db *leveldb.DB
}

func OpenLevelStore(ctx context.Context, path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "open goleveldb store", err)
	}
	s := &LevelStore{db: db}
	if err := selfTest(ctx, s); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) Tier() Tier { return TierDurableWebSecondary }

func (s *LevelStore) Get(_ context.Context, key string) (value []byte, ok bool, err error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.StorageUnavailable, "goleveldb get", err)
	}
	return v, true, nil
}

func (s *LevelStore) Put(_ context.Context, key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "goleveldb put", err)
	}
	return nil
}

func (s *LevelStore) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "goleveldb delete", err)
	}
	return nil
}

func (s *LevelStore) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		out = append(out, Entry{
			Key:   string(append([]byte(nil), iter.Key()...)),
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Wrap(xerrors.StorageUnavailable, "goleveldb scan", err)
	}
	return out, nil
}

func (s *LevelStore) Batch(_ context.Context, ops []BatchOp) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Delete {
			batch.Delete([]byte(op.Key))
			continue
		}
		batch.Put([]byte(op.Key), op.Value)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "goleveldb batch", err)
	}
	return nil
}

func (s *LevelStore) Close() error { return s.db.Close() }
