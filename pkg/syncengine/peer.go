package syncengine

import (
	"sync"
	"time"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// PeerState is the per-peer state machine (spec.md §4.4):
// Unknown -> (first Presence/Heartbeat) -> Connecting -> Connected <->
// Degraded -> Offline -> Unknown (on eviction).
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDegraded
	PeerOffline
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDegraded:
		return "degraded"
	case PeerOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// peerInfo is the engine's bookkeeping for one remote replica.
type peerInfo struct {
	mu sync.Mutex

	id       ids.ReplicaId
	state    PeerState
	lastSeen time.Time
	cursor   ids.OperationId // highest OperationId known to have originated from this peer

	// pendingAcks tracks ops sent to this peer awaiting its Ack, so a
	// transition to Offline can flush them back to "pending" rather than
	// silently losing track of what still needs delivery.
	pendingAcks map[ids.OperationId]bool

	// badMessages is a sliding window of DecodeError timestamps used for
	// quarantine detection (default threshold 16 within 60s).
	badMessages []time.Time
	quarantined bool
}

func newPeerInfo(id ids.ReplicaId) *peerInfo {
	return &peerInfo{id: id, state: PeerUnknown, pendingAcks: make(map[ids.OperationId]bool)}
}

func (p *peerInfo) touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = now
	if p.state == PeerUnknown {
		p.state = PeerConnecting
	}
	if p.state == PeerConnecting || p.state == PeerOffline {
		p.state = PeerConnected
	}
}

func (p *peerInfo) markOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PeerOffline
}

func (p *peerInfo) snapshot() (PeerState, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.lastSeen
}

func (p *peerInfo) addPendingAck(id ids.OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingAcks[id] = true
}

func (p *peerInfo) ack(id ids.OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingAcks, id)
}

func (p *peerInfo) cursorValue() ids.OperationId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// advanceCursor records id as seen from this peer if it is newer than the
// current cursor, so a future reconnect's Resume request starts from the
// right place.
func (p *peerInfo) advanceCursor(id ids.OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor.Less(id) {
		p.cursor = id
	}
}

// recordBadMessage appends now to the sliding window, drops entries older
// than window, and reports whether the peer should be (or already is)
// quarantined.
func (p *peerInfo) recordBadMessage(now time.Time, window time.Duration, threshold int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-window)
	kept := p.badMessages[:0]
	for _, t := range p.badMessages {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	p.badMessages = kept
	if len(p.badMessages) >= threshold {
		p.quarantined = true
	}
	return p.quarantined
}

func (p *peerInfo) isQuarantined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined
}

// ResetQuarantine clears a peer's quarantine flag (spec.md §4.4: "until
// manual reset").
func (p *peerInfo) resetQuarantine() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quarantined = false
	p.badMessages = nil
}
