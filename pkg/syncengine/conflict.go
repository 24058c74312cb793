package syncengine

import (
	"sync"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// ConflictReport records an escalated InvariantViolation the engine could
// not resolve by construction (spec.md §4.4 "Conflict arbitration").
type ConflictReport struct {
	Collection string
	RecordID   string
	OpID       ids.OperationId
	Info       crdt.ConflictInfo
}

// DefaultConflictRingSize is the ring buffer's default capacity (§4.4
// "bounded ring buffer (default 256 entries)").
const DefaultConflictRingSize = 256

// conflictRing is a fixed-capacity ring buffer of the most recent
// ConflictReports, observable by external collaborators.
type conflictRing struct {
	mu    sync.Mutex
	buf   []ConflictReport
	cap   int
	start int
	size  int
}

func newConflictRing(capacity int) *conflictRing {
	if capacity <= 0 {
		capacity = DefaultConflictRingSize
	}
	return &conflictRing{buf: make([]ConflictReport, capacity), cap: capacity}
}

func (r *conflictRing) push(c ConflictReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % r.cap
	r.buf[idx] = c
	if r.size < r.cap {
		r.size++
	} else {
		r.start = (r.start + 1) % r.cap
	}
}

// Snapshot returns the buffered reports oldest-first.
func (r *conflictRing) Snapshot() []ConflictReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConflictReport, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%r.cap]
	}
	return out
}
