// Package collection implements the typed Collection API (spec.md §4.5):
// a named record map backed by one CRDT variant, wired to pkg/storage for
// persistence and pkg/syncengine for outbound dispatch and inbound apply.
// It plays the role syncbase's nosql Database/Table pair plays (a named
// collection owning its own record map, mutated only through well-defined
// entry points), pulled out of syncbase's RPC-exposed server into a local
// Go API driven by the registry-based CRDT set instead of syncbase's
// single-writer DAG.
package collection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/metrics"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage/codec"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/syncengine"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// Cause distinguishes where a ChangeEvent originated (spec.md §4.5).
type Cause int

const (
	CauseLocal Cause = iota
	CauseRemote
)

func (c Cause) String() string {
	if c == CauseRemote {
		return "remote"
	}
	return "local"
}

// ChangeEvent is delivered to subscribers after a mutation commits.
type ChangeEvent struct {
	Collection string
	RecordID   string
	Cause      Cause
	Peer       ids.ReplicaId // zero when Cause == CauseLocal
}

// ChangeSink receives coalesced ChangeEvents (spec.md §4.5 "subscribe").
type ChangeSink interface {
	OnChange(ChangeEvent)
}

// ChangeSinkFunc adapts a plain function to ChangeSink.
type ChangeSinkFunc func(ChangeEvent)

func (f ChangeSinkFunc) OnChange(e ChangeEvent) { f(e) }

// MutateFunc computes the delta to apply to a record given its current
// value (nil if absent) and a freshly stamped OperationId. The returned
// delta is whatever the collection's registered variant's Apply/Encode
// pair expects (spec.md §4.5 "update(record_id, mutator)").
type MutateFunc func(current crdt.Value, stamp ids.OperationId) (delta any, err error)

// Entry pairs a record id with its current observable value, as yielded
// by Iter.
type Entry struct {
	RecordID string
	Value    crdt.Value
}

// Config tunes a Collection's coalescing window and storage codec.
type Config struct {
	CoalesceWindow time.Duration // default 16ms, per §4.5
	Codec          codec.Codec   // default codec.MsgPack
	Logger         *zap.Logger
	Metrics        *metrics.Collector // optional; nil-safe (spec.md §6)
}

func (c Config) withDefaults() Config {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 16 * time.Millisecond
	}
	if c.Codec == nil {
		c.Codec = codec.MsgPack
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// storedOp is one entry in a record's persisted operation log -- records
// are event-sourced rather than snapshotted, so a codec migration or a
// registry upgrade only ever has to re-decode/re-encode flat (id, body)
// pairs instead of opaque variant-specific Value structs.
type storedOp struct {
	ID   ids.OperationId `msgpack:"id" json:"id"`
	Body []byte          `msgpack:"body" json:"body"`
}

// Collection is the typed record-map view over one CRDT variant. It
// implements syncengine.OperationSink so the engine can apply inbound
// Sync ops and serve Resume catch-up directly against it.
type Collection struct {
	cfg      Config
	name     string
	variant  crdt.VariantTag
	registry *crdt.Registry
	store    storage.KeyValueStore
	engine   *syncengine.Engine
	self     ids.ReplicaId
	clock    *ids.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	records map[string]crdt.Value
	selfLog []syncengine.WireOp // this replica's own ops, for Resume catch-up

	subMu       sync.Mutex
	subscribers []ChangeSink
	pending     map[string]ChangeEvent
	flushTimer  *time.Timer
}

// New opens (or creates) a collection named name over variant, persisted
// through store and, if engine is non-nil, wired into its dispatch.
func New(ctx context.Context, name string, variant crdt.VariantTag, registry *crdt.Registry, store storage.KeyValueStore, engine *syncengine.Engine, self ids.ReplicaId, clock *ids.Clock, cfg Config) (*Collection, error) {
	if _, ok := registry.Lookup(variant); !ok {
		return nil, fmt.Errorf("collection: unregistered variant %s", variant)
	}
	cfg = cfg.withDefaults()
	c := &Collection{
		cfg:      cfg,
		name:     name,
		variant:  variant,
		registry: registry,
		store:    store,
		engine:   engine,
		self:     self,
		clock:    clock,
		logger:   cfg.Logger.With(zap.String("collection", name)),
		records:  make(map[string]crdt.Value),
		pending:  make(map[string]ChangeEvent),
	}
	if err := c.ensureHeaderAndMigrate(ctx); err != nil {
		return nil, err
	}
	if err := c.loadAll(ctx); err != nil {
		return nil, err
	}
	if engine != nil {
		engine.RegisterSink(name, c)
	}
	return c, nil
}

func (c *Collection) headerKey() string { return "c/" + c.name + "/header" }
func (c *Collection) recordKey(id string) string { return "c/" + c.name + "/r/" + id }
func (c *Collection) recordPrefix() string { return "c/" + c.name + "/r/" }

// ensureHeaderAndMigrate stamps this collection's codec identity and, if
// the stamp on disk names a different codec, rewrites every record under
// the new one before accepting any mutation (spec.md §4.2 "a mismatch
// triggers a conservative migration pass").
//
// The header itself is always JSON so it can be bootstrapped without
// already knowing which codec wrote it.
func (c *Collection) ensureHeaderAndMigrate(ctx context.Context) error {
	raw, ok, err := c.store.Get(ctx, c.headerKey())
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "read collection header", err)
	}
	if !ok {
		return c.writeHeader(ctx)
	}
	var hdr codec.Header
	if err := codec.JSON.Decode(raw, &hdr); err != nil {
		return xerrors.Wrap(xerrors.StorageCorruption, "decode collection header", err)
	}
	if !codec.NeedsMigration(hdr.Codec, c.cfg.Codec.Name()) {
		return nil
	}
	oldCodec, err := codec.For(hdr.Codec, false)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageCorruption, "select codec for migration", err)
	}
	c.logger.Info("codec mismatch, migrating records",
		zap.String("stored_codec", string(hdr.Codec)), zap.String("target_codec", string(c.cfg.Codec.Name())))
	if err := c.migrateRecords(ctx, oldCodec); err != nil {
		return err
	}
	return c.writeHeader(ctx)
}

func (c *Collection) writeHeader(ctx context.Context) error {
	raw, err := codec.JSON.Encode(codec.Header{Codec: c.cfg.Codec.Name()})
	if err != nil {
		return fmt.Errorf("collection: encode header: %w", err)
	}
	if err := c.store.Put(ctx, c.headerKey(), raw); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "write collection header", err)
	}
	return nil
}

func (c *Collection) migrateRecords(ctx context.Context, oldCodec codec.Codec) error {
	entries, err := c.store.ScanPrefix(ctx, c.recordPrefix())
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "scan records for migration", err)
	}
	var ops []storage.BatchOp
	for _, e := range entries {
		var decoded []storedOp
		if err := oldCodec.Decode(e.Value, &decoded); err != nil {
			return xerrors.Wrap(xerrors.StorageCorruption, "decode record under old codec", err)
		}
		rewritten, err := c.cfg.Codec.Encode(decoded)
		if err != nil {
			return fmt.Errorf("collection: re-encode record during migration: %w", err)
		}
		ops = append(ops, storage.BatchOp{Key: e.Key, Value: rewritten})
	}
	if len(ops) == 0 {
		return nil
	}
	if err := c.store.Batch(ctx, ops); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "write migrated records", err)
	}
	return nil
}

func (c *Collection) loadAll(ctx context.Context) error {
	entries, err := c.store.ScanPrefix(ctx, c.recordPrefix())
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "scan records", err)
	}
	entry, _ := c.registry.Lookup(c.variant)
	prefix := c.recordPrefix()
	for _, e := range entries {
		recordID := e.Key[len(prefix):]
		var stored []storedOp
		if err := c.cfg.Codec.Decode(e.Value, &stored); err != nil {
			return xerrors.Wrap(xerrors.StorageCorruption, "decode record "+recordID, err)
		}
		value := entry.New(c.self)
		for _, op := range stored {
			delta, err := entry.DecodeOperation(op.Body)
			if err != nil {
				return xerrors.Wrap(xerrors.StorageCorruption, "decode stored op", err)
			}
			entry.Apply(value, delta)
			c.clock.Observe(op.ID.Timestamp) // reload the clock past every op we ever saw
			if op.ID.Replica == c.self {
				c.selfLog = append(c.selfLog, syncengine.WireOp{
					Collection: c.name, Variant: c.variant, RecordID: recordID,
					ID: op.ID, Origin: c.self, Body: op.Body,
				})
			}
		}
		c.records[recordID] = value
	}
	return nil
}

// Insert stamps a fresh op for a record that does not yet exist locally
// (spec.md §4.5 "insert"). If the record already exists, delta is still
// applied as a regular mutation -- insert is just Update against an
// absent starting value.
func (c *Collection) Insert(ctx context.Context, recordID string, mutate MutateFunc) error {
	return c.mutate(ctx, recordID, mutate)
}

// Update performs a read-modify-write against recordID (spec.md §4.5
// "update").
func (c *Collection) Update(ctx context.Context, recordID string, mutate MutateFunc) error {
	return c.mutate(ctx, recordID, mutate)
}

// Remove applies a tombstoning delta to recordID; a no-op if the record
// is absent and mutate itself handles that (spec.md §4.5 "remove").
func (c *Collection) Remove(ctx context.Context, recordID string, mutate MutateFunc) error {
	return c.mutate(ctx, recordID, mutate)
}

func (c *Collection) mutate(ctx context.Context, recordID string, mutate MutateFunc) error {
	entry, ok := c.registry.Lookup(c.variant)
	if !ok {
		return fmt.Errorf("collection: unregistered variant %s", c.variant)
	}

	c.mu.Lock()
	value, existed := c.records[recordID]
	if !existed {
		value = entry.New(c.self)
	}
	stamp := ids.OperationId{Replica: c.self, Timestamp: c.clock.Tick()}
	delta, err := mutate(value, stamp)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	note := entry.Apply(value, delta)
	c.cfg.Metrics.Merge(c.variant.String())
	if !note.Applied || note.Conflict != nil {
		c.mu.Unlock()
		if note.Conflict != nil {
			c.cfg.Metrics.Conflict(note.Conflict.Kind)
			return xerrors.New(xerrors.InvariantViolation, note.Conflict.Detail)
		}
		return nil
	}
	c.records[recordID] = value
	body, err := entry.EncodeOperation(delta)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("collection: encode operation: %w", err)
	}
	op := storedOp{ID: stamp, Body: body}
	wireOp := syncengine.WireOp{
		Collection: c.name, Variant: c.variant, RecordID: recordID,
		ID: stamp, Origin: c.self, Body: body,
	}
	c.selfLog = append(c.selfLog, wireOp)
	c.mu.Unlock()

	// Persist before the outbound enqueue and subscriber notification
	// (spec.md §3, §4.5 "storage write, outbound enqueue, subscriber
	// notification, in that order").
	if err := c.appendStoredOp(ctx, recordID, op); err != nil {
		return err
	}
	if c.engine != nil {
		c.engine.EnqueueLocal(wireOp)
	}
	c.notify(ChangeEvent{Collection: c.name, RecordID: recordID, Cause: CauseLocal})
	return nil
}

func (c *Collection) appendStoredOp(ctx context.Context, recordID string, op storedOp) error {
	key := c.recordKey(recordID)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "read record for append", err)
	}
	var stored []storedOp
	if ok {
		if err := c.cfg.Codec.Decode(raw, &stored); err != nil {
			return xerrors.Wrap(xerrors.StorageCorruption, "decode record for append", err)
		}
	}
	stored = append(stored, op)
	encoded, err := c.cfg.Codec.Encode(stored)
	if err != nil {
		return fmt.Errorf("collection: encode record: %w", err)
	}
	if err := c.store.Put(ctx, key, encoded); err != nil {
		return xerrors.Wrap(xerrors.StorageUnavailable, "write record", err)
	}
	return nil
}

// Get returns a snapshot clone of recordID's current value.
func (c *Collection) Get(recordID string) (crdt.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.records[recordID]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Iter returns a finite snapshot of every record matching predicate, NOT
// a live view (spec.md §4.5 "iter").
func (c *Collection) Iter(predicate func(recordID string, v crdt.Value) bool) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.records))
	for id, v := range c.records {
		if predicate == nil || predicate(id, v) {
			out = append(out, Entry{RecordID: id, Value: v.Clone()})
		}
	}
	return out
}

// Subscribe registers sink for coalesced ChangeEvents; the returned func
// unsubscribes it.
func (c *Collection) Subscribe(sink ChangeSink) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, sink)
	idx := len(c.subscribers) - 1
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if idx < len(c.subscribers) {
			c.subscribers[idx] = nil
		}
	}
}

// notify buffers ev in the coalescing window (default 16ms) keyed by
// record id, so a burst of mutations on one record produces one
// notification instead of one per op.
func (c *Collection) notify(ev ChangeEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.pending[ev.RecordID] = ev
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.cfg.CoalesceWindow, c.flush)
	}
}

func (c *Collection) flush() {
	c.subMu.Lock()
	pending := c.pending
	c.pending = make(map[string]ChangeEvent)
	c.flushTimer = nil
	subscribers := append([]ChangeSink(nil), c.subscribers...)
	c.subMu.Unlock()

	for _, ev := range pending {
		for _, s := range subscribers {
			if s != nil {
				s.OnChange(ev)
			}
		}
	}
}

// Apply implements syncengine.OperationSink: it decodes and applies an
// inbound op from another replica (spec.md §4.4 "On Sync(ops)").
func (c *Collection) Apply(ctx context.Context, op syncengine.WireOp) (crdt.ChangeNotification, error) {
	entry, ok := c.registry.Lookup(op.Variant)
	if !ok {
		return crdt.ChangeNotification{}, fmt.Errorf("collection: unregistered variant %s", op.Variant)
	}
	delta, err := entry.DecodeOperation(op.Body)
	if err != nil {
		return crdt.ChangeNotification{}, xerrors.Wrap(xerrors.DecodeError, "decode inbound op", err)
	}

	c.mu.Lock()
	value, existed := c.records[op.RecordID]
	if !existed {
		value = entry.New(c.self)
		c.records[op.RecordID] = value
	}
	note := entry.Apply(value, delta)
	c.mu.Unlock()
	c.cfg.Metrics.Merge(op.Variant.String())
	if note.Conflict != nil {
		c.cfg.Metrics.Conflict(note.Conflict.Kind)
	}

	if !note.Applied {
		return note, nil
	}
	stored := storedOp{ID: op.ID, Body: op.Body}
	if err := c.appendStoredOp(ctx, op.RecordID, stored); err != nil {
		return note, err
	}
	c.notify(ChangeEvent{Collection: c.name, RecordID: op.RecordID, Cause: CauseRemote, Peer: op.Origin})
	return note, nil
}

// Acknowledged implements syncengine.OperationSink: once a locally
// originated delete has been acked by every peer known when it was sent,
// compact the tombstone it left behind (spec.md §9 Q3).
func (c *Collection) Acknowledged(op syncengine.WireOp) {
	if op.Origin != c.self {
		return
	}
	entry, ok := c.registry.Lookup(op.Variant)
	if !ok {
		return
	}
	delta, err := entry.DecodeOperation(op.Body)
	if err != nil {
		return
	}
	d, ok := delta.(crdt.LwwMapDelta)
	if !ok || !d.Tombstone {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.records[op.RecordID]
	if !ok {
		return
	}
	compactable, ok := value.(crdt.Compactable)
	if !ok {
		return
	}
	compactable.Compact(d.Key)
}

// OpsSince implements syncengine.OperationSink: it serves a Resume
// catch-up request by replaying this replica's own operation log for
// collection (spec.md §4.4 "Receiver replies by streaming all operations
// with OperationId > cursor").
func (c *Collection) OpsSince(collectionName string, after ids.OperationId) []syncengine.WireOp {
	if collectionName != c.name {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []syncengine.WireOp
	for _, op := range c.selfLog {
		if after.Less(op.ID) {
			out = append(out, op)
		}
	}
	// selfLog is rebuilt in storage scan order on reload, so order here.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Name reports the collection's name.
func (c *Collection) Name() string { return c.name }
