package replica_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/replica"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/syncengine"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/transport"
)

func openPair(t *testing.T) (*replica.Replica, *replica.Replica) {
	t.Helper()
	bus := transport.NewInMemoryBus(2)
	ctx := context.Background()

	a, err := replica.Open(ctx, replica.Options{Storage: storage.NewMemoryStore(), Transport: bus[0]})
	require.NoError(t, err)
	b, err := replica.Open(ctx, replica.Options{Storage: storage.NewMemoryStore(), Transport: bus[1]})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b
}

func TestReplicaCollectionIsLazyAndCached(t *testing.T) {
	a, _ := openPair(t)
	ctx := context.Background()

	c1, err := a.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)
	c2, err := a.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestReplicaPropagatesInsertToPeer(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	ca, err := a.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)
	cb, err := b.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)

	require.NoError(t, ca.Insert(ctx, "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		val, _ := json.Marshal("hello")
		return crdt.LwwMapDelta{Key: "rec-1", Value: val, Stamp: stamp}, nil
	}))

	require.Eventually(t, func() bool {
		v, ok := cb.Get("rec-1")
		if !ok {
			return false
		}
		raw, present := v.(*crdt.LwwMap).Get("rec-1")
		if !present {
			return false
		}
		var got string
		_ = json.Unmarshal(raw, &got)
		return got == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplicaIDIsStable(t *testing.T) {
	a, _ := openPair(t)
	require.NotEqual(t, ids.ReplicaId{}, a.ID())
}

func TestReplicaEngineExposesPeerTableAfterPresence(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()
	_, err := a.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)
	_, err = b.Collection(ctx, "widgets", crdt.VariantLwwMap)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, s := range a.Engine().Peers() {
			if s == syncengine.PeerConnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
