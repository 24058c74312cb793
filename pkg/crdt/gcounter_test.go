package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// GCounter merge. R1 increments three times, R2 increments twice;
// after exchange value() = 5 on both.
func TestGCounterScenarioS2(t *testing.T) {
	r1, r2 := ids.NewReplicaId(), ids.NewReplicaId()
	c1, c2 := crdt.NewGCounter(r1), crdt.NewGCounter(r2)

	for i := 0; i < 3; i++ {
		require.NoError(t, c1.Increment(1))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, c2.Increment(1))
	}

	c1.Merge(c2)
	c2.Merge(c1)

	require.EqualValues(t, 5, c1.Value())
	require.EqualValues(t, 5, c2.Value())
}

func TestGCounterRejectsNegativeIncrement(t *testing.T) {
	c := crdt.NewGCounter(ids.NewReplicaId())
	err := c.Increment(-1)
	require.Error(t, err)
	kind, ok := asXerrorsKind(err)
	require.True(t, ok)
	require.Equal(t, "invariant_violation", kind)
}
