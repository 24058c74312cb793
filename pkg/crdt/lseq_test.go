package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

func TestLSEQOrdersByDenseId(t *testing.T) {
	owner := ids.NewReplicaId()
	seq := crdt.NewLSEQ(owner)

	first := crdt.Between(nil, nil)
	second := crdt.Between(first, nil)
	between := crdt.Between(first, second)

	seq.Insert(first, []byte("a"), ids.OperationId{Replica: owner, Timestamp: 1})
	seq.Insert(second, []byte("c"), ids.OperationId{Replica: owner, Timestamp: 2})
	seq.Insert(between, []byte("b"), ids.OperationId{Replica: owner, Timestamp: 3})

	got := seq.Value()
	require.Len(t, got, 3)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)
}

func TestLSEQMergeIsIdempotent(t *testing.T) {
	owner := ids.NewReplicaId()
	mk := func() *crdt.LSEQ {
		s := crdt.NewLSEQ(owner)
		pos := crdt.Between(nil, nil)
		s.Insert(pos, []byte("x"), ids.OperationId{Replica: owner, Timestamp: 1})
		return s
	}
	a := mk()
	idem := a.Clone().(*crdt.LSEQ)
	idem.Merge(a)
	require.Equal(t, a.Value(), idem.Value())
}

func TestLSEQDeleteTombstonesWithoutRemovingIdentity(t *testing.T) {
	owner := ids.NewReplicaId()
	seq := crdt.NewLSEQ(owner)
	pos := crdt.Between(nil, nil)
	id := ids.OperationId{Replica: owner, Timestamp: 1}
	seq.Insert(pos, []byte("gone"), id)
	seq.Delete(id)
	require.Empty(t, seq.Value())
}
