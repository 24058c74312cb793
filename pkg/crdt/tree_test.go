package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// Tree = root -> n1 -> n2. Move(n1, parent=n2) would create a
// cycle. The move is rejected, the tree is unchanged, and a Conflict
// notification with kind "tree-cycle" is emitted; the resulting state is
// still identical across replicas that observe the same op set.
func TestTreeScenarioS4CyclePrevented(t *testing.T) {
	owner := ids.NewReplicaId()
	root := ids.OperationId{Replica: owner, Timestamp: 1}
	n1 := ids.OperationId{Replica: owner, Timestamp: 2}
	n2 := ids.OperationId{Replica: owner, Timestamp: 3}

	build := func() *crdt.OrderedTree {
		tr := crdt.NewOrderedTree(owner)
		tr.Add(ids.Zero, false, crdt.Between(nil, nil), []byte("root"), root)
		tr.Add(root, true, crdt.Between(nil, nil), []byte("n1"), n1)
		tr.Add(n1, true, crdt.Between(nil, nil), []byte("n2"), n2)
		return tr
	}

	for _, replica := range []*crdt.OrderedTree{build(), build()} {
		note := replica.Move(n1, n2, crdt.Between(nil, nil))
		require.NotNil(t, note.Conflict)
		require.Equal(t, "tree-cycle", note.Conflict.Kind)

		var order []ids.OperationId
		replica.Walk(func(v crdt.TreeNodeView) { order = append(order, v.Id) })
		require.Equal(t, []ids.OperationId{root, n1, n2}, order, "tree must be unchanged after a rejected move")
	}
}

func TestTreeMoveReparentsWithoutCycle(t *testing.T) {
	owner := ids.NewReplicaId()
	root := ids.OperationId{Replica: owner, Timestamp: 1}
	n1 := ids.OperationId{Replica: owner, Timestamp: 2}
	n2 := ids.OperationId{Replica: owner, Timestamp: 3}

	tr := crdt.NewOrderedTree(owner)
	tr.Add(ids.Zero, false, crdt.Between(nil, nil), nil, root)
	tr.Add(root, true, crdt.Between(nil, nil), nil, n1)
	tr.Add(root, true, crdt.Between(nil, nil), nil, n2)

	note := tr.Move(n2, n1, crdt.Between(nil, nil))
	require.Nil(t, note.Conflict)

	var views []crdt.TreeNodeView
	tr.Walk(func(v crdt.TreeNodeView) { views = append(views, v) })
	require.Len(t, views, 3)
	require.Equal(t, n1, views[2].Parent)
}

func TestTreeBuffersAddOnUnknownParent(t *testing.T) {
	owner := ids.NewReplicaId()
	root := ids.OperationId{Replica: owner, Timestamp: 1}
	child := ids.OperationId{Replica: owner, Timestamp: 2}

	tr := crdt.NewOrderedTree(owner)
	note := tr.Add(root, true, crdt.Between(nil, nil), nil, child)
	require.True(t, note.Buffered)

	var before []ids.OperationId
	tr.Walk(func(v crdt.TreeNodeView) { before = append(before, v.Id) })
	require.Empty(t, before)

	tr.Add(ids.Zero, false, crdt.Between(nil, nil), nil, root)
	var after []ids.OperationId
	tr.Walk(func(v crdt.TreeNodeView) { after = append(after, v.Id) })
	require.Equal(t, []ids.OperationId{root, child}, after)
}
