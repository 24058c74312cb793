// Package syncengine drives replica-to-replica synchronization (spec.md
// §4.4): it owns the outbound queue and peer table, dispatches Sync/Ack/
// Presence/Heartbeat/Resume messages over a transport.Transport, and
// arbitrates conflicts by escalating invariant violations the CRDT layer
// could not resolve by construction into a bounded ConflictReport ring
// buffer. Structurally this plays the role syncbase's vsync package plays
// (per-peer goroutines draining a shared work queue, a peer table keyed
// by identity, a watcher loop over transport status), generalized past
// syncbase's single-writer DAG toward this module's registry-driven CRDT
// set.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/metrics"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/transport"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// OperationSink is implemented by pkg/collection: it applies a decoded
// operation to the named collection/record and reports what happened.
type OperationSink interface {
	Apply(ctx context.Context, op WireOp) (crdt.ChangeNotification, error)
	// OpsSince returns this replica's own operations on collection with
	// OperationId greater than after, in OperationId order, to serve a
	// Resume request targeted at us.
	OpsSince(collection string, after ids.OperationId) []WireOp
	// Acknowledged is called once a locally originated op has been acked
	// by every peer known at the time it was sent, so the sink can
	// compact a tombstone it was waiting on (spec.md §9 Q3).
	Acknowledged(op WireOp)
}

// Config tunes the engine's retry, heartbeat and quarantine policy
// (spec.md §4.4 "Failure semantics").
type Config struct {
	Self ids.ReplicaId

	HeartbeatInterval    time.Duration // default 30s
	MissedHeartbeatLimit int           // default 3

	SendRetryCap   int           // default 5 attempts
	SendBackoffCap time.Duration // default 5s

	DecodeErrorThreshold int           // default 16
	DecodeErrorWindow    time.Duration // default 60s

	ConflictRingSize int // default 256

	ApplyConcurrency int64 // bound on concurrent op applies, default 8

	Metrics *metrics.Collector // optional; nil-safe (spec.md §6)
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = 3
	}
	if c.SendRetryCap <= 0 {
		c.SendRetryCap = 5
	}
	if c.SendBackoffCap <= 0 {
		c.SendBackoffCap = 5 * time.Second
	}
	if c.DecodeErrorThreshold <= 0 {
		c.DecodeErrorThreshold = 16
	}
	if c.DecodeErrorWindow <= 0 {
		c.DecodeErrorWindow = 60 * time.Second
	}
	if c.ConflictRingSize <= 0 {
		c.ConflictRingSize = DefaultConflictRingSize
	}
	if c.ApplyConcurrency <= 0 {
		c.ApplyConcurrency = 8
	}
	return c
}

// Engine is the sync engine instance bound to one Transport.
type Engine struct {
	cfg   Config
	tr    transport.Transport
	clock *ids.Clock

	mu    sync.RWMutex
	sinks map[string]OperationSink
	peers map[ids.ReplicaId]*peerInfo

	ackMu       sync.Mutex
	pendingAcks map[ids.OperationId]*ackTracker

	outbound  chan envelopeAndWire
	conflicts *conflictRing
	applySem  *semaphore.Weighted
}

// ackTracker records which peers known at send time still owe an Ack for
// op, so the engine can tell when it has been acknowledged by all of them
// (spec.md §4.4 "mark op as acknowledged by sender; once every known peer
// has acknowledged, the op is eligible for compaction").
type ackTracker struct {
	op      WireOp
	pending map[ids.ReplicaId]bool
}

type envelopeAndWire struct {
	kind    Kind
	payload any
}

func New(cfg Config, tr transport.Transport) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		tr:          tr,
		clock:       ids.NewClock(ids.LogicalTimestamp(0)),
		sinks:       make(map[string]OperationSink),
		peers:       make(map[ids.ReplicaId]*peerInfo),
		pendingAcks: make(map[ids.OperationId]*ackTracker),
		outbound:    make(chan envelopeAndWire, 1024),
		conflicts:   newConflictRing(cfg.ConflictRingSize),
		applySem:    semaphore.NewWeighted(cfg.ApplyConcurrency),
	}
}

// RegisterSink wires a collection's OperationSink into the engine so
// inbound Sync ops for that collection can be applied.
func (e *Engine) RegisterSink(collection string, sink OperationSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks[collection] = sink
}

func (e *Engine) sinkFor(collection string) (OperationSink, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sinks[collection]
	return s, ok
}

func (e *Engine) peer(id ids.ReplicaId) *peerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		p = newPeerInfo(id)
		e.peers[id] = p
	}
	return p
}

// Peers returns a snapshot of every known peer's state.
func (e *Engine) Peers() map[ids.ReplicaId]PeerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[ids.ReplicaId]PeerState, len(e.peers))
	for id, p := range e.peers {
		s, _ := p.snapshot()
		out[id] = s
	}
	return out
}

// Conflicts returns the buffered ConflictReports, oldest first.
func (e *Engine) Conflicts() []ConflictReport { return e.conflicts.Snapshot() }

// EnqueueLocal is called by a collection when a local op is appended
// (spec.md §4.4 "Drive dispatch... enqueue a Sync(ops=[op]) to every
// known peer").
func (e *Engine) EnqueueLocal(op WireOp) {
	e.trackPendingAck(op)
	e.outbound <- envelopeAndWire{kind: KindSync, payload: syncPayload{Ops: []WireOp{op}}}
}

// trackPendingAck registers op against every peer known right now, so a
// later Ack from each of them can be attributed and the op's compaction
// eligibility detected once none remain outstanding. A locally originated
// op sent while no peer is known yet is vacuously acked by all of them.
func (e *Engine) trackPendingAck(op WireOp) {
	e.mu.RLock()
	pending := make(map[ids.ReplicaId]bool, len(e.peers))
	for id, p := range e.peers {
		pending[id] = true
		p.addPendingAck(op.ID)
	}
	e.mu.RUnlock()

	if len(pending) == 0 {
		e.fireAcknowledged(op)
		return
	}
	e.ackMu.Lock()
	e.pendingAcks[op.ID] = &ackTracker{op: op, pending: pending}
	e.ackMu.Unlock()
}

// recordAck attributes an Ack for opID to replica and reports the op
// (zero value, false if untracked or still outstanding against another
// peer) once every peer it was sent to has acknowledged it.
func (e *Engine) recordAck(replica ids.ReplicaId, opID ids.OperationId) (WireOp, bool) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	tracker, ok := e.pendingAcks[opID]
	if !ok {
		return WireOp{}, false
	}
	delete(tracker.pending, replica)
	if len(tracker.pending) > 0 {
		return WireOp{}, false
	}
	delete(e.pendingAcks, opID)
	return tracker.op, true
}

func (e *Engine) fireAcknowledged(op WireOp) {
	if sink, ok := e.sinkFor(op.Collection); ok {
		sink.Acknowledged(op)
	}
}

// Run starts the engine's dispatcher tasks and blocks until ctx is
// cancelled or a fatal task error occurs.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.inboundLoop(ctx) })
	g.Go(func() error { return e.outboundLoop(ctx) })
	g.Go(func() error { return e.heartbeatLoop(ctx) })
	g.Go(func() error { return e.connWatcher(ctx) })
	return g.Wait()
}

// inboundLoop demultiplexes transport.Receive() by envelope Kind.
func (e *Engine) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-e.tr.Receive():
			if !ok {
				return nil
			}
			e.cfg.Metrics.BytesIn(len(msg.Body))
			e.handleInbound(ctx, msg.Body)
		}
	}
}

func (e *Engine) handleInbound(ctx context.Context, body []byte) {
	kind, payload, err := decodeEnvelope(body)
	if err != nil {
		// Origin is unknown for an undecodable envelope; there is no
		// peer to charge the bad message against.
		return
	}
	switch kind {
	case KindSync:
		e.handleSync(ctx, payload)
	case KindAck:
		e.handleAck(payload)
	case KindPresence:
		e.handlePresence(payload)
	case KindHeartbeat:
		e.handleHeartbeat(payload)
	case KindResume:
		e.handleResume(payload)
	}
}

func (e *Engine) handleSync(ctx context.Context, raw []byte) {
	var p syncPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return
	}
	for _, op := range p.Ops {
		op := op
		if op.Origin == e.cfg.Self {
			continue // our own op looped back over a broadcast transport
		}
		peer := e.peer(op.Origin)
		if peer.isQuarantined() {
			continue
		}
		peer.touch(time.Now())
		go e.applyOne(ctx, peer, op)
	}
}

func (e *Engine) applyOne(ctx context.Context, peer *peerInfo, op WireOp) {
	if err := e.applySem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.applySem.Release(1)

	sink, ok := e.sinkFor(op.Collection)
	if !ok {
		return
	}
	start := time.Now()
	note, err := sink.Apply(ctx, op)
	e.cfg.Metrics.ObserveApplyLatencyMS(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		if kind, ok := xerrors.KindOf(err); ok && kind == xerrors.DecodeError {
			e.chargeBadMessage(peer)
		}
		return
	}
	if note.Conflict != nil {
		e.conflicts.push(ConflictReport{Collection: op.Collection, RecordID: op.RecordID, OpID: op.ID, Info: *note.Conflict})
		e.cfg.Metrics.Conflict(note.Conflict.Kind)
	}
	if note.Buffered && !note.Applied {
		e.cfg.Metrics.OpBuffered(op.Collection)
		return // Ack withheld until the op is actually applied (§4.4).
	}
	e.cfg.Metrics.OpApplied(op.Collection)
	peer.advanceCursor(op.ID)
	e.outbound <- envelopeAndWire{kind: KindAck, payload: ackPayload{Replica: e.cfg.Self, OpID: op.ID}}
}

func (e *Engine) chargeBadMessage(peer *peerInfo) {
	peer.recordBadMessage(time.Now(), e.cfg.DecodeErrorWindow, e.cfg.DecodeErrorThreshold)
}

func (e *Engine) handleAck(raw []byte) {
	var p ackPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return
	}
	if p.Replica == e.cfg.Self {
		return
	}
	e.peer(p.Replica).ack(p.OpID)
	if op, done := e.recordAck(p.Replica, p.OpID); done {
		e.fireAcknowledged(op)
	}
}

func (e *Engine) handlePresence(raw []byte) {
	var p presencePayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return
	}
	if p.Presence.Replica == e.cfg.Self {
		return
	}
	peer := e.peer(p.Presence.Replica)
	if p.Presence.Online {
		peer.touch(time.Now())
		// A peer announcing itself is asked for what it originated past
		// our cursor for it.
		e.outbound <- envelopeAndWire{kind: KindResume, payload: resumePayload{Requester: e.cfg.Self, Target: p.Presence.Replica, Cursor: peer.cursorValue()}}
	} else {
		peer.markOffline()
	}
}

func (e *Engine) handleHeartbeat(raw []byte) {
	var p heartbeatPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return
	}
	if p.Replica == e.cfg.Self {
		return
	}
	e.peer(p.Replica).touch(time.Now())
}

func (e *Engine) handleResume(raw []byte) {
	var p resumePayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return
	}
	if p.Target != e.cfg.Self {
		return
	}
	e.mu.RLock()
	sinks := make(map[string]OperationSink, len(e.sinks))
	for k, v := range e.sinks {
		sinks[k] = v
	}
	e.mu.RUnlock()
	for collection, sink := range sinks {
		ops := sink.OpsSince(collection, p.Cursor)
		if len(ops) == 0 {
			continue
		}
		e.outbound <- envelopeAndWire{kind: KindSync, payload: syncPayload{Ops: ops}}
	}
}

// outboundLoop is the single outbound dispatcher task: it serializes the
// envelope and sends it, retrying with capped exponential backoff up to
// SendRetryCap attempts (§4.4 "Failure semantics").
func (e *Engine) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-e.outbound:
			if !ok {
				return nil
			}
			e.sendWithRetry(ctx, item)
		}
	}
}

func (e *Engine) sendWithRetry(ctx context.Context, item envelopeAndWire) {
	body, err := encodeEnvelope(item.kind, item.payload)
	if err != nil {
		return
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = e.cfg.SendBackoffCap
	b := backoff.WithMaxRetries(eb, uint64(e.cfg.SendRetryCap-1))

	start := time.Now()
	op := func() error {
		return e.tr.Send(ctx, transport.Message{Body: body})
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err == nil {
		e.cfg.Metrics.BytesOut(len(body))
		e.cfg.Metrics.OpSent(string(item.kind))
		e.cfg.Metrics.ObserveSendLatencyMS(float64(time.Since(start).Microseconds()) / 1000)
	}
	e.cfg.Metrics.SetQueueDepth(len(e.outbound))
}

// heartbeatLoop periodically broadcasts this replica's Heartbeat and
// demotes peers that have missed MissedHeartbeatLimit intervals to
// Offline (§4.4 "if absent for 3 intervals, transition peer to Offline").
func (e *Engine) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.outbound <- envelopeAndWire{kind: KindHeartbeat, payload: heartbeatPayload{Replica: e.cfg.Self, At: e.clock.Tick()}}
			e.evictStalePeers()
		}
	}
}

func (e *Engine) evictStalePeers() {
	deadline := time.Duration(e.cfg.MissedHeartbeatLimit) * e.cfg.HeartbeatInterval
	e.mu.RLock()
	peers := make([]*peerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.RUnlock()
	now := time.Now()
	online := 0
	for _, p := range peers {
		state, lastSeen := p.snapshot()
		if state == PeerOffline || state == PeerUnknown || lastSeen.IsZero() {
			continue
		}
		if now.Sub(lastSeen) >= deadline {
			p.markOffline()
			continue
		}
		online++
	}
	e.cfg.Metrics.SetPeersOnline(online)
}

// connWatcher sends Presence(online) and per-peer Resume requests
// whenever the transport becomes Connected (spec.md §4.4 "On connect").
// A transport already Connected when Run starts yields no transition, so
// Presence is announced once up front in that case.
func (e *Engine) connWatcher(ctx context.Context) error {
	changes := e.tr.StatusChanges()
	if e.tr.Status() == transport.Connected {
		e.outbound <- envelopeAndWire{kind: KindPresence, payload: presencePayload{Presence: Presence{Replica: e.cfg.Self, Online: true}}}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-changes:
			if !ok {
				return nil
			}
			if s != transport.Connected {
				continue
			}
			e.onConnected()
		}
	}
}

func (e *Engine) onConnected() {
	e.outbound <- envelopeAndWire{kind: KindPresence, payload: presencePayload{Presence: Presence{Replica: e.cfg.Self, Online: true}}}

	e.mu.RLock()
	targets := make([]ids.ReplicaId, 0, len(e.peers))
	cursors := make(map[ids.ReplicaId]ids.OperationId, len(e.peers))
	for id, p := range e.peers {
		targets = append(targets, id)
		cursors[id] = p.cursorValue()
	}
	e.mu.RUnlock()

	for _, target := range targets {
		e.outbound <- envelopeAndWire{
			kind: KindResume,
			payload: resumePayload{
				Requester: e.cfg.Self,
				Target:    target,
				Cursor:    cursors[target],
			},
		}
	}
}

// ResetQuarantine manually clears a peer's quarantine flag (spec.md §4.4
// "until manual reset").
func (e *Engine) ResetQuarantine(peer ids.ReplicaId) {
	e.peer(peer).resetQuarantine()
}

// IsQuarantined reports whether peer currently has sends rejected.
func (e *Engine) IsQuarantined(peer ids.ReplicaId) bool {
	return e.peer(peer).isQuarantined()
}

func unmarshalPayload(raw []byte, v any) error {
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("syncengine: decode payload: %w", err)
	}
	return nil
}
