package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// A concurrent add and remove of the same vertex, where the remover never
// observed the add's tag, must resolve to the vertex surviving (spec.md
// §4.1g: "concurrent add+remove resolve to add if neither dominates
// causally") under AddWins.
func TestGraphConcurrentAddSurvivesUnobservedRemove(t *testing.T) {
	r1, r2 := ids.NewReplicaId(), ids.NewReplicaId()

	a := crdt.NewGraph(r1, crdt.AddWins)
	b := crdt.NewGraph(r2, crdt.AddWins)

	// b already holds a prior generation of "x" and removes it locally,
	// without ever having observed a's concurrent re-add.
	oldTag := ids.OperationId{Replica: r2, Timestamp: 1}
	b.AddVertex("x", oldTag)
	removedTags, note := b.RemoveVertex("x")
	require.True(t, note.Applied)
	require.Equal(t, []ids.OperationId{oldTag}, removedTags)
	require.False(t, b.HasVertex("x"))

	newTag := ids.OperationId{Replica: r1, Timestamp: 5}
	a.AddVertex("x", newTag)
	require.True(t, a.HasVertex("x"))

	// Exchange: merge a's add into b, and ship b's remove (with its
	// observed tag set) into a.
	b.Merge(a)
	a.ApplyVertexRemoval("x", removedTags)

	require.True(t, a.HasVertex("x"), "a's own concurrent add must survive the old remove")
	require.True(t, b.HasVertex("x"), "b must also converge to the vertex surviving")
}

func TestGraphRemoveWinsFavorsDeletionUnlessStrictlyNewerAdd(t *testing.T) {
	owner := ids.NewReplicaId()
	g := crdt.NewGraph(owner, crdt.RemoveWins)

	early := ids.OperationId{Replica: owner, Timestamp: 1}
	g.AddVertex("y", early)
	_, note := g.RemoveVertex("y")
	require.True(t, note.Applied)
	require.False(t, g.HasVertex("y"), "remove-wins drops the vertex once removed")

	later := ids.OperationId{Replica: owner, Timestamp: 2}
	g.AddVertex("y", later)
	require.True(t, g.HasVertex("y"), "a strictly later add resurrects under remove-wins")
}

func TestGraphEdgeLifecycleAndNeighbors(t *testing.T) {
	owner := ids.NewReplicaId()
	g := crdt.NewGraph(owner, crdt.AddWins)

	stamp := ids.OperationId{Replica: owner, Timestamp: 1}
	g.AddVertex("a", stamp)
	g.AddVertex("b", ids.OperationId{Replica: owner, Timestamp: 2})
	g.AddEdge("a", "b", []byte("w1"), ids.OperationId{Replica: owner, Timestamp: 3})

	require.True(t, g.HasEdge("a", "b"))
	require.ElementsMatch(t, []string{"b"}, g.Neighbors("a"))

	tags, note := g.RemoveEdge("a", "b")
	require.True(t, note.Applied)
	require.NotEmpty(t, tags)
	require.False(t, g.HasEdge("a", "b"))
	require.Empty(t, g.Neighbors("a"))
}

func TestGraphMergeIsIdempotent(t *testing.T) {
	owner := ids.NewReplicaId()
	mk := func() *crdt.Graph {
		g := crdt.NewGraph(owner, crdt.AddWins)
		g.AddVertex("a", ids.OperationId{Replica: owner, Timestamp: 1})
		g.AddVertex("b", ids.OperationId{Replica: owner, Timestamp: 2})
		g.AddEdge("a", "b", nil, ids.OperationId{Replica: owner, Timestamp: 3})
		return g
	}
	a := mk()

	idem := a.Clone().(*crdt.Graph)
	idem.Merge(a)
	require.Equal(t, a.HasVertex("a"), idem.HasVertex("a"))
	require.Equal(t, a.HasEdge("a", "b"), idem.HasEdge("a", "b"))
}
