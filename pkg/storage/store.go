// Package storage implements the key-value storage fabric: a tiered
// KeyValueStore contract (§4.2) with five concrete tiers and a HybridStore
// that probes, binds, and demotes between them, the way syncbase's
// store.Store/StoreReader/StoreWriter/Snapshot/Transaction family defines
// one contract implemented by a cgo leveldb backend and an in-memory
// backend (services/syncbase/store, store/leveldb, store/test).
package storage

import (
	"context"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// Entry is a single (key, value) pair yielded by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// BatchOp is one write in an atomic Batch call.
type BatchOp struct {
	Delete bool
	Key    string
	Value  []byte
}

// KeyValueStore is the semantic container every storage tier implements
// (spec.md §4.2). Keys are case-sensitive UTF-8 strings; Get reports
// ok=false (not an error) for an absent key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
	Batch(ctx context.Context, ops []BatchOp) error
	// Tier reports this store's tier name for diagnostics (§4.2 "the
	// bound tier MUST be observable through a tier() accessor").
	Tier() Tier
	Close() error
}

// Tier names the five failover-ordered storage backends (§4.2).
type Tier string

const (
	TierDurableNative      Tier = "durable-native"
	TierDurableWebPrimary  Tier = "durable-web-primary"
	TierDurableWebSecondary Tier = "durable-web-secondary"
	TierDurableWebFallback Tier = "durable-web-fallback"
	TierVolatile           Tier = "volatile"
)

func storageFullErr() error {
	return xerrors.New(xerrors.StorageUnavailable, "fallback tier at capacity")
}

// selfTest performs the put-get-delete round trip §4.2 requires before a
// tier is bound at construction.
func selfTest(ctx context.Context, s KeyValueStore) error {
	const probeKey = "__leptos_sync_probe__"
	probeVal := []byte("ok")
	if err := s.Put(ctx, probeKey, probeVal); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "probe put failed", err)
	}
	got, ok, err := s.Get(ctx, probeKey)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "probe get failed", err)
	}
	if !ok || string(got) != string(probeVal) {
		return xerrors.New(xerrors.StorageUnavailable, "probe round-trip mismatch")
	}
	if err := s.Delete(ctx, probeKey); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "probe delete failed", err)
	}
	return nil
}
