package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
)

// flakyStore wraps a KeyValueStore and fails every write until its
// failure budget is exhausted, modelling induced consecutive write
// failures without touching a real disk-backed tier.
type flakyStore struct {
	storage.KeyValueStore
	failuresLeft int
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("injected failure")
	}
	return f.KeyValueStore.Put(ctx, key, value)
}

func (f *flakyStore) Batch(ctx context.Context, ops []storage.BatchOp) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("injected failure")
	}
	return f.KeyValueStore.Batch(ctx, ops)
}

// induce 3 consecutive write failures on the bound tier; the third
// put() succeeds via the next tier; the key that already existed is
// migrated to the new tier; subsequent get() returns via the new tier.
func TestHybridStoreDemotesAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	primary := storage.NewMemoryStore()
	require.NoError(t, primary.Put(ctx, "existing", []byte("v1")))

	flaky := &flakyStore{KeyValueStore: primary}
	secondary := storage.NewMemoryStore()

	h, err := storage.NewHybridStore(ctx, storage.HybridConfig{ConsecutiveFailureThreshold: 3}, flaky, secondary)
	require.NoError(t, err)
	require.Equal(t, storage.TierVolatile, h.Tier())

	flaky.failuresLeft = 3
	for i := 0; i < 2; i++ {
		err := h.Put(ctx, "k", []byte("x"))
		require.Error(t, err)
	}
	// Third failure triggers demotion and a retried write against secondary.
	require.NoError(t, h.Put(ctx, "k", []byte("x")))

	h.WaitForMigrations()

	v, ok, err := secondary.Get(ctx, "existing")
	require.NoError(t, err)
	require.True(t, ok, "existing key must have migrated to the new tier")
	require.Equal(t, "v1", string(v))

	v, ok, err = h.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))
}
