// Package replica wires the CRDT registry, storage fabric, transport
// fabric and sync engine together into one participant (spec.md §2, §3):
// a Replica holds a full copy of a set of named collections, mutates them
// locally with zero network dependency, and converges with other
// replicas through the sync engine. Structurally this is syncbase's
// `server.service` (services/syncbase/server/service.go): a singleton
// that opens a storage engine, owns a `sync.Server`, and lazily vends
// per-name children (apps/databases there, collections here).
package replica

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/collection"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/metrics"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage/codec"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/syncengine"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/transport"
)

// CollectionSpec declares one named collection a Replica serves, and the
// CRDT variant its records are built over.
type CollectionSpec struct {
	Name    string
	Variant crdt.VariantTag
}

// Options configures a Replica. Storage and Transport are required; every
// other field has a sensible default (ServiceOptions in syncbase's
// server.go plays the same "everything but engine/root-dir is optional"
// role).
type Options struct {
	Self      ids.ReplicaId // default: freshly generated
	Storage   storage.KeyValueStore
	Transport transport.Transport
	Registry  *crdt.Registry // default crdt.DefaultRegistry()

	SyncConfig       syncengine.Config
	CollectionConfig collection.Config
	Metrics          *metrics.Collector

	Logger *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Storage == nil {
		return o, fmt.Errorf("replica: Storage is required")
	}
	if o.Transport == nil {
		return o, fmt.Errorf("replica: Transport is required")
	}
	if o.Self == (ids.ReplicaId{}) {
		o.Self = ids.NewReplicaId()
	}
	if o.Registry == nil {
		o.Registry = crdt.DefaultRegistry()
	}
	if o.CollectionConfig.Codec == nil {
		o.CollectionConfig.Codec = codec.MsgPack
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.SyncConfig.Self = o.Self
	if o.Metrics != nil {
		o.SyncConfig.Metrics = o.Metrics
		o.CollectionConfig.Metrics = o.Metrics
	}
	return o, nil
}

// Replica is one participant: id, clock, storage, transport, sync engine,
// and the set of collections it has opened (spec.md §3 "Replica").
type Replica struct {
	opts    Options
	self    ids.ReplicaId
	clock   *ids.Clock
	store   storage.KeyValueStore
	tr      transport.Transport
	engine  *syncengine.Engine
	logger  *zap.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	collections map[string]*collection.Collection

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// Open constructs a Replica and starts its sync engine's background
// tasks. Call Close to stop them and release storage/transport.
func Open(ctx context.Context, opts Options) (*Replica, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	clock := ids.NewClock(ids.LogicalTimestamp(0))
	engine := syncengine.New(opts.SyncConfig, opts.Transport)

	r := &Replica{
		opts:        opts,
		self:        opts.Self,
		clock:       clock,
		store:       opts.Storage,
		tr:          opts.Transport,
		engine:      engine,
		logger:      opts.Logger.With(zap.String("replica_id", opts.Self.String())),
		metrics:     opts.Metrics,
		collections: make(map[string]*collection.Collection),
	}

	if err := r.tr.Connect(ctx); err != nil {
		return nil, fmt.Errorf("replica: connect transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.runCancel = cancel
	r.runDone = make(chan struct{})
	go func() {
		defer close(r.runDone)
		if err := r.engine.Run(runCtx); err != nil {
			r.logger.Warn("sync engine stopped", zap.Error(err))
		}
	}()

	return r, nil
}

// ID reports this replica's identity.
func (r *Replica) ID() ids.ReplicaId { return r.self }

// Engine exposes the bound sync engine for diagnostics (peer table,
// conflict ring) and for tests that need to drive it directly.
func (r *Replica) Engine() *syncengine.Engine { return r.engine }

// Collection opens (creating on first access, per spec.md §3's
// "Collection: created lazily on first access") the named collection
// over variant, and registers it with the sync engine.
func (r *Replica) Collection(ctx context.Context, name string, variant crdt.VariantTag) (*collection.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.collections[name]; ok {
		return c, nil
	}
	c, err := collection.New(ctx, name, variant, r.opts.Registry, r.store, r.engine, r.self, r.clock, r.opts.CollectionConfig)
	if err != nil {
		return nil, fmt.Errorf("replica: open collection %q: %w", name, err)
	}
	r.collections[name] = c
	return c, nil
}

// Collections opens every spec at once, useful for process start-up
// wiring in cmd/replicad.
func (r *Replica) Collections(ctx context.Context, specs []CollectionSpec) (map[string]*collection.Collection, error) {
	out := make(map[string]*collection.Collection, len(specs))
	for _, s := range specs {
		c, err := r.Collection(ctx, s.Name, s.Variant)
		if err != nil {
			return nil, err
		}
		out[s.Name] = c
	}
	return out, nil
}

// Close stops the sync engine's background tasks, disconnects the
// transport and closes storage.
func (r *Replica) Close(ctx context.Context) error {
	if r.runCancel != nil {
		r.runCancel()
		<-r.runDone
	}
	if err := r.tr.Disconnect(ctx); err != nil {
		r.logger.Warn("disconnect transport", zap.Error(err))
	}
	return r.store.Close()
}
