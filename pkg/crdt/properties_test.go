package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

func randomOpId(t *rapid.T, replica ids.ReplicaId, label string) ids.OperationId {
	return ids.OperationId{Replica: replica, Timestamp: ids.LogicalTimestamp(rapid.Uint64Range(1, 1000).Draw(t, label))}
}

// Merge laws for GCounter: associative, commutative, idempotent.
func TestGCounterMergeLaws(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		replicas := []ids.ReplicaId{ids.NewReplicaId(), ids.NewReplicaId(), ids.NewReplicaId()}
		build := func() *crdt.GCounter {
			c := crdt.NewGCounter(replicas[0])
			for _, r := range replicas {
				shard := rapid.Uint64Range(0, 20).Draw(rt, "shard")
				other := crdt.NewGCounter(r)
				require.NoError(rt, other.Increment(int64(shard)))
				c.Merge(other)
			}
			return c
		}
		a, b, c := build(), build(), build()

		ab := a.Clone().(*crdt.GCounter)
		ab.Merge(b)
		ba := b.Clone().(*crdt.GCounter)
		ba.Merge(a)
		require.Equal(rt, ab.Value(), ba.Value(), "commutative")

		left := a.Clone().(*crdt.GCounter)
		left.Merge(b)
		left.Merge(c)
		right := b.Clone().(*crdt.GCounter)
		right.Merge(c)
		rightFull := a.Clone().(*crdt.GCounter)
		rightFull.Merge(right)
		require.Equal(rt, left.Value(), rightFull.Value(), "associative")

		idem := a.Clone().(*crdt.GCounter)
		idem.Merge(a)
		require.Equal(rt, a.Value(), idem.Value(), "idempotent")
	})
}

// Merge laws for LwwRegister: associative, commutative, idempotent.
func TestLwwRegisterMergeLaws(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mk := func(label string) *crdt.LwwRegister {
			reg := crdt.NewLwwRegister()
			val := rapid.StringN(1, 8, -1).Draw(rt, label+"-val")
			// Each register comes from its own replica so no two stamps
			// are equal, as OperationIds are unique across writers.
			ts := randomOpId(rt, ids.NewReplicaId(), label+"-ts")
			reg.Merge(&crdt.LwwRegister{Value: []byte(val), Stamp: ts})
			return reg
		}
		a, b, c := mk("a"), mk("b"), mk("c")

		ab := a.Clone().(*crdt.LwwRegister)
		ab.Merge(b)
		ba := b.Clone().(*crdt.LwwRegister)
		ba.Merge(a)
		require.Equal(rt, ab.Value, ba.Value, "commutative")
		require.Equal(rt, ab.Stamp, ba.Stamp)

		left := a.Clone().(*crdt.LwwRegister)
		left.Merge(b)
		left.Merge(c)
		right := b.Clone().(*crdt.LwwRegister)
		right.Merge(c)
		rightFull := a.Clone().(*crdt.LwwRegister)
		rightFull.Merge(right)
		require.Equal(rt, left.Value, rightFull.Value, "associative")

		idem := a.Clone().(*crdt.LwwRegister)
		idem.Merge(a)
		require.Equal(rt, a.Value, idem.Value, "idempotent")
	})
}

// For any permutation of a finite operation set, applying it yields
// the same CrdtValue. Exercised on RGA, whose result depends on causal
// buffering order.
func TestRGAConvergesUnderAnyApplyOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		replica := ids.NewReplicaId()
		n := rapid.IntRange(1, 8).Draw(rt, "n")

		type op struct {
			pred ids.OperationId
			id   ids.OperationId
			char rune
		}
		ops := make([]op, 0, n)
		prev := ids.Zero
		for i := 0; i < n; i++ {
			id := ids.OperationId{Replica: replica, Timestamp: ids.LogicalTimestamp(i + 1)}
			ops = append(ops, op{pred: prev, id: id, char: rune('a' + i%26)})
			prev = id
		}

		order := rapid.Permutation(indices(n)).Draw(rt, "order")

		seq := crdt.NewRGA(replica)
		for _, idx := range order {
			o := ops[idx]
			seq.InsertAfter(o.pred, o.char, o.id)
		}

		want := make([]rune, n)
		for i, o := range ops {
			want[i] = o.char
		}
		require.Equal(rt, want, seq.Value())
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
