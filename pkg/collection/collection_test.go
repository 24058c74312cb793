package collection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/collection"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage/codec"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/syncengine"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func setDelta(t *testing.T, key, value string, stamp ids.OperationId) crdt.LwwMapDelta {
	return crdt.LwwMapDelta{Key: key, Value: mustJSON(t, value), Stamp: stamp}
}

func newTestCollection(t *testing.T, store storage.KeyValueStore, self ids.ReplicaId) *collection.Collection {
	t.Helper()
	registry := crdt.DefaultRegistry()
	clock := ids.NewClock(ids.LogicalTimestamp(0))
	c, err := collection.New(context.Background(), "widgets", crdt.VariantLwwMap, registry, store, nil, self, clock, collection.Config{})
	require.NoError(t, err)
	return c
}

func TestCollectionInsertPersistsAndNotifies(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	c := newTestCollection(t, store, self)

	var events []collection.ChangeEvent
	c.Subscribe(collection.ChangeSinkFunc(func(e collection.ChangeEvent) {
		events = append(events, e)
	}))

	err := c.Insert(context.Background(), "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return setDelta(t, "rec-1", "hello", stamp), nil
	})
	require.NoError(t, err)

	v, ok := c.Get("rec-1")
	require.True(t, ok)
	m := v.(*crdt.LwwMap)
	val, present := m.Get("rec-1")
	require.True(t, present)
	var got string
	require.NoError(t, json.Unmarshal(val, &got))
	require.Equal(t, "hello", got)

	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, collection.CauseLocal, events[0].Cause)
}

func TestCollectionSurvivesReloadFromStorage(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	c := newTestCollection(t, store, self)

	require.NoError(t, c.Insert(context.Background(), "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return setDelta(t, "rec-1", "persisted", stamp), nil
	}))

	reopened := newTestCollection(t, store, self)
	v, ok := reopened.Get("rec-1")
	require.True(t, ok)
	val, present := v.(*crdt.LwwMap).Get("rec-1")
	require.True(t, present)
	var got string
	require.NoError(t, json.Unmarshal(val, &got))
	require.Equal(t, "persisted", got)
}

func TestCollectionApplyRemoteOpAndServesResumeCatchUp(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	peer := ids.NewReplicaId()
	c := newTestCollection(t, store, self)

	stamp := ids.OperationId{Replica: peer, Timestamp: 1}
	body, err := json.Marshal(setDelta(t, "rec-9", "from-peer", stamp))
	require.NoError(t, err)

	note, err := c.Apply(context.Background(), syncengine.WireOp{
		Collection: c.Name(), Variant: crdt.VariantLwwMap, RecordID: "rec-9",
		ID: stamp, Origin: peer, Body: body,
	})
	require.NoError(t, err)
	require.True(t, note.Applied)

	v, ok := c.Get("rec-9")
	require.True(t, ok)
	val, present := v.(*crdt.LwwMap).Get("rec-9")
	require.True(t, present)
	var got string
	require.NoError(t, json.Unmarshal(val, &got))
	require.Equal(t, "from-peer", got)

	require.NoError(t, c.Insert(context.Background(), "rec-self", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return setDelta(t, "rec-self", "mine", stamp), nil
	}))

	ops := c.OpsSince("widgets", ids.Zero)
	require.Len(t, ops, 1)
	require.Equal(t, "rec-self", ops[0].RecordID)
	require.Equal(t, self, ops[0].Origin)
}

func TestCollectionAcknowledgedCompactsTombstone(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	c := newTestCollection(t, store, self)

	require.NoError(t, c.Insert(context.Background(), "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return setDelta(t, "rec-1", "hello", stamp), nil
	}))

	var deleteStamp ids.OperationId
	require.NoError(t, c.Remove(context.Background(), "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		deleteStamp = stamp
		return crdt.LwwMapDelta{Key: "rec-1", Tombstone: true, Stamp: stamp}, nil
	}))

	registry := crdt.DefaultRegistry()
	entry, ok := registry.Lookup(crdt.VariantLwwMap)
	require.True(t, ok)
	body, err := entry.EncodeOperation(crdt.LwwMapDelta{Key: "rec-1", Tombstone: true, Stamp: deleteStamp})
	require.NoError(t, err)

	v, ok := c.Get("rec-1")
	require.True(t, ok)
	require.Contains(t, v.(*crdt.LwwMap).Tombstones(), "rec-1")

	c.Acknowledged(syncengine.WireOp{
		Collection: c.Name(), Variant: crdt.VariantLwwMap, RecordID: "rec-1",
		ID: deleteStamp, Origin: self, Body: body,
	})

	v, ok = c.Get("rec-1")
	require.True(t, ok)
	require.Empty(t, v.(*crdt.LwwMap).Tombstones())
}

func TestCollectionAcknowledgedIgnoresNonSelfOrigin(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	peer := ids.NewReplicaId()
	c := newTestCollection(t, store, self)

	stamp := ids.OperationId{Replica: peer, Timestamp: 1}
	registry := crdt.DefaultRegistry()
	entry, ok := registry.Lookup(crdt.VariantLwwMap)
	require.True(t, ok)
	body, err := entry.EncodeOperation(crdt.LwwMapDelta{Key: "rec-9", Tombstone: true, Stamp: stamp})
	require.NoError(t, err)

	note, err := c.Apply(context.Background(), syncengine.WireOp{
		Collection: c.Name(), Variant: crdt.VariantLwwMap, RecordID: "rec-9",
		ID: stamp, Origin: peer, Body: body,
	})
	require.NoError(t, err)
	require.True(t, note.Applied)

	// Acknowledged only compacts tombstones this replica originated; a
	// peer-originated delete is left for that peer's own ack tracking.
	c.Acknowledged(syncengine.WireOp{
		Collection: c.Name(), Variant: crdt.VariantLwwMap, RecordID: "rec-9",
		ID: stamp, Origin: peer, Body: body,
	})

	v, ok := c.Get("rec-9")
	require.True(t, ok)
	require.Contains(t, v.(*crdt.LwwMap).Tombstones(), "rec-9")
}

func TestCollectionMigratesRecordsOnCodecMismatch(t *testing.T) {
	store := storage.NewMemoryStore()
	self := ids.NewReplicaId()
	registry := crdt.DefaultRegistry()
	clock := ids.NewClock(ids.LogicalTimestamp(0))

	c1, err := collection.New(context.Background(), "widgets", crdt.VariantLwwMap, registry, store, nil, self, clock, collection.Config{Codec: codec.JSON})
	require.NoError(t, err)
	require.NoError(t, c1.Insert(context.Background(), "rec-1", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return setDelta(t, "rec-1", "v1", stamp), nil
	}))

	c2, err := collection.New(context.Background(), "widgets", crdt.VariantLwwMap, registry, store, nil, self, clock, collection.Config{Codec: codec.MsgPack})
	require.NoError(t, err)

	v, ok := c2.Get("rec-1")
	require.True(t, ok)
	val, present := v.(*crdt.LwwMap).Get("rec-1")
	require.True(t, present)
	var got string
	require.NoError(t, json.Unmarshal(val, &got))
	require.Equal(t, "v1", got)
}
