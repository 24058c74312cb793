// Package ids defines the identity and logical-time primitives every other
// package builds on: ReplicaId, LogicalTimestamp, and OperationId.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// ReplicaId is a stable 128-bit identity for a replica, generated once per
// participant instance and never reused (spec.md §3).
type ReplicaId uuid.UUID

// NewReplicaId generates a fresh, random ReplicaId.
func NewReplicaId() ReplicaId {
	return ReplicaId(uuid.New())
}

// ParseReplicaId parses a canonical UUID string form.
func ParseReplicaId(s string) (ReplicaId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ReplicaId{}, fmt.Errorf("ids: parse replica id %q: %w", s, err)
	}
	return ReplicaId(u), nil
}

func (r ReplicaId) String() string {
	return uuid.UUID(r).String()
}

// Compare gives a lexicographic total order over ReplicaIds, used as the
// LWW tie-breaker when two LogicalTimestamps are equal (spec.md §4.1a).
func (r ReplicaId) Compare(other ReplicaId) int {
	a, b := uuid.UUID(r), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LogicalTimestamp is a monotonically nondecreasing per-replica counter.
// Every locally originated operation stamps one (spec.md §3).
type LogicalTimestamp uint64

// OperationId uniquely identifies an Operation across all replicas
// (spec.md §3): no two origins ever produce the same pair.
type OperationId struct {
	Replica   ReplicaId
	Timestamp LogicalTimestamp
}

// Zero is the OperationId used as the "no operation" sentinel, e.g. the
// implicit tombstone-origin of an absent LwwMap key (spec.md §4.1b).
var Zero = OperationId{}

// Less implements the total order from spec.md §4.1a: compare
// LogicalTimestamp first, then ReplicaId. Ties are impossible between
// distinct origins since each replica stamps its own timestamps, but Less
// is still a strict total order over any two values including equal ones
// (returns false for equal).
func (id OperationId) Less(other OperationId) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	return id.Replica.Compare(other.Replica) < 0
}

// Greater reports whether id strictly follows other in the total order,
// i.e. id wins an LWW comparison against other.
func (id OperationId) Greater(other OperationId) bool {
	return other.Less(id)
}

func (id OperationId) IsZero() bool {
	return id == Zero
}

func (id OperationId) String() string {
	return fmt.Sprintf("%s@%d", id.Replica, id.Timestamp)
}
