package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// GCounter is a grow-only counter: a mapping ReplicaId -> uint64 of
// increments only (spec.md §4.1c). Its value is the sum over all
// replicas; merge is pointwise max, which is trivially idempotent,
// commutative and associative.
//
// Grounded on cshekharsharma-go-crdt's gcounter.go for the per-replica
// shard shape, and other_examples' crdt.go files for the merge-as-max
// idiom; decrements are rejected with InvariantViolation per §4.1's
// failure semantics.
type GCounter struct {
	owner  ids.ReplicaId
	shards map[ids.ReplicaId]uint64
}

func NewGCounter(owner ids.ReplicaId) *GCounter {
	return &GCounter{owner: owner, shards: make(map[ids.ReplicaId]uint64)}
}

func (c *GCounter) Variant() VariantTag { return VariantGCounter }

func (c *GCounter) Clone() Value {
	cp := &GCounter{owner: c.owner, shards: make(map[ids.ReplicaId]uint64, len(c.shards))}
	for k, v := range c.shards {
		cp.shards[k] = v
	}
	return cp
}

func (c *GCounter) Merge(remote Value) {
	other, ok := remote.(*GCounter)
	if !ok {
		return
	}
	for replica, v := range other.shards {
		if v > c.shards[replica] {
			c.shards[replica] = v
		}
	}
}

// Value sums every replica's shard.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.shards {
		total += v
	}
	return total
}

// Increment bumps this replica's own shard by delta, which must be
// non-negative; a negative delta is rejected as an InvariantViolation
// (spec.md §4.1 failure semantics: "GCounter: rejects negative increments
// with InvariantViolation").
func (c *GCounter) Increment(delta int64) error {
	if delta < 0 {
		return xerrors.New(xerrors.InvariantViolation, "gcounter: negative increment")
	}
	c.shards[c.owner] += uint64(delta)
	return nil
}

type GCounterDelta struct {
	Replica ids.ReplicaId `json:"replica"`
	Shard   uint64        `json:"shard"`
}

func registerGCounter(r *Registry) {
	r.Register(VariantGCounter, RegistryEntry{
		New: func(owner ids.ReplicaId) Value { return NewGCounter(owner) },
		DecodeOperation: func(body []byte) (any, error) {
			var d GCounterDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode gcounter op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			c := v.(*GCounter)
			d := delta.(GCounterDelta)
			if d.Shard > c.shards[d.Replica] {
				c.shards[d.Replica] = d.Shard
			}
			return ChangeNotification{Applied: true}
		},
	})
}
