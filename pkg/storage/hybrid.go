package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// HybridConfig configures HybridStore's demotion policy (§4.2 "Hybrid
// policy").
type HybridConfig struct {
	// ConsecutiveFailureThreshold is N: the bound tier demotes after this
	// many consecutive write failures. Default 3.
	ConsecutiveFailureThreshold int
	// MigrationBackoff governs retries of a failed best-effort key
	// migration after a demotion.
	MigrationBackoff backoff.BackOff
}

func (c HybridConfig) withDefaults() HybridConfig {
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = 3
	}
	if c.MigrationBackoff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		eb.MaxInterval = 2 * time.Second
		eb.MaxElapsedTime = 30 * time.Second
		c.MigrationBackoff = eb
	}
	return c
}

// HybridStore probes tiers in failover order at construction, binds the
// first that passes selfTest, and demotes to the next tier after
// ConsecutiveFailureThreshold consecutive write failures, migrating live
// keys to the new tier best-effort in the background (§4.2).
type HybridStore struct {
	cfg HybridConfig

	mu      sync.RWMutex
	tiers   []KeyValueStore // remaining failover chain, tiers[0] is bound
	fails   int
	migrate sync.WaitGroup
}

// NewHybridStore probes candidates in order and binds the first that
// passes a round-trip self-test. candidates MUST be given in failover
// order; the final candidate SHOULD be a MemoryStore, which always
// passes.
func NewHybridStore(ctx context.Context, cfg HybridConfig, candidates ...KeyValueStore) (*HybridStore, error) {
	cfg = cfg.withDefaults()
	for i, c := range candidates {
		if err := selfTest(ctx, c); err == nil {
			return &HybridStore{cfg: cfg, tiers: candidates[i:]}, nil
		}
	}
	return nil, xerrors.New(xerrors.StorageUnavailable, "no storage tier passed its self-test")
}

// Tier reports the currently bound tier (§4.2 "observable through a
// tier() accessor").
func (h *HybridStore) Tier() Tier {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tiers[0].Tier()
}

func (h *HybridStore) bound() KeyValueStore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tiers[0]
}

func (h *HybridStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return h.bound().Get(ctx, key)
}

func (h *HybridStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	return h.bound().ScanPrefix(ctx, prefix)
}

func (h *HybridStore) Put(ctx context.Context, key string, value []byte) error {
	return h.writeThrough(ctx, func(s KeyValueStore) error { return s.Put(ctx, key, value) })
}

func (h *HybridStore) Delete(ctx context.Context, key string) error {
	return h.writeThrough(ctx, func(s KeyValueStore) error { return s.Delete(ctx, key) })
}

func (h *HybridStore) Batch(ctx context.Context, ops []BatchOp) error {
	return h.writeThrough(ctx, func(s KeyValueStore) error { return s.Batch(ctx, ops) })
}

// writeThrough runs fn against the bound tier, demoting on
// ConsecutiveFailureThreshold consecutive failures and retrying fn once
// against the newly-bound tier so the caller's write still lands.
func (h *HybridStore) writeThrough(ctx context.Context, fn func(KeyValueStore) error) error {
	bound := h.bound()
	err := fn(bound)
	if err == nil {
		h.mu.Lock()
		h.fails = 0
		h.mu.Unlock()
		return nil
	}

	h.mu.Lock()
	h.fails++
	demote := h.fails >= h.cfg.ConsecutiveFailureThreshold && len(h.tiers) > 1
	if demote {
		old := h.tiers[0]
		h.tiers = h.tiers[1:]
		h.fails = 0
		h.scheduleMigration(old, h.tiers[0])
	}
	next := h.tiers[0]
	h.mu.Unlock()

	if !demote {
		return err
	}
	return fn(next)
}

// scheduleMigration copies live keys from the demoted tier into the newly
// bound one in the background, retried with exponential backoff per key
// batch (§4.2 "migrate live keys best-effort in the background; failed
// migrations are retried with exponential backoff").
func (h *HybridStore) scheduleMigration(from, to KeyValueStore) {
	h.migrate.Add(1)
	go func() {
		defer h.migrate.Done()
		ctx := context.Background()
		entries, err := from.ScanPrefix(ctx, "")
		if err != nil {
			return
		}
		op := func() error {
			for _, e := range entries {
				if err := to.Put(ctx, e.Key, e.Value); err != nil {
					return err
				}
			}
			return nil
		}
		_ = backoff.Retry(op, h.cfg.MigrationBackoff)
	}()
}

// WaitForMigrations blocks until any in-flight background migration has
// finished; tests use this to observe a deterministic post-demotion
// state.
func (h *HybridStore) WaitForMigrations() { h.migrate.Wait() }

func (h *HybridStore) Close() error {
	h.migrate.Wait()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tiers[0].Close()
}
