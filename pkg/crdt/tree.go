package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// OrderedTree is a Yjs-style rooted forest (spec.md §4.1f): nodes carry an
// OperationId, an optional parent, a dense sibling position, and a
// tombstone flag. Reparent (Move) is permitted; cycles are prevented on
// apply. Sibling order uses the same dense-identifier mechanism as LSEQ.
//
// Grounded on sync/dag.go's node table keyed by (object, version) with
// parent references and an in-memory graft bookkeeping map, generalized
// here from a single-parent version DAG to a tree with live reparenting
// and explicit cycle rejection instead of dag.go's "create a resolution
// node with two parents" strategy.
type OrderedTree struct {
	owner    ids.ReplicaId
	nodes    map[ids.OperationId]*treeNode
	children map[ids.OperationId]*btree.BTreeG[lseqKey]
	pending  map[ids.OperationId][]pendingTreeAdd
}

type treeNode struct {
	id        ids.OperationId
	parent    ids.OperationId // Zero means "root"
	hasParent bool
	pos       DenseId
	payload   []byte
	tombstone bool
}

type pendingTreeAdd struct {
	parent    ids.OperationId
	hasParent bool
	id        ids.OperationId
	pos       DenseId
	payload   []byte
}

func NewOrderedTree(owner ids.ReplicaId) *OrderedTree {
	return &OrderedTree{
		owner:    owner,
		nodes:    make(map[ids.OperationId]*treeNode),
		children: make(map[ids.OperationId]*btree.BTreeG[lseqKey]),
		pending:  make(map[ids.OperationId][]pendingTreeAdd),
	}
}

func (t *OrderedTree) Variant() VariantTag { return VariantOrderedTree }

func (t *OrderedTree) Clone() Value {
	cp := NewOrderedTree(t.owner)
	for id, n := range t.nodes {
		ncp := *n
		cp.nodes[id] = &ncp
	}
	for parent, tr := range t.children {
		ntr := btree.NewG(32, lseqLess)
		tr.Ascend(func(k lseqKey) bool {
			ntr.ReplaceOrInsert(k)
			return true
		})
		cp.children[parent] = ntr
	}
	for parent, ps := range t.pending {
		cp.pending[parent] = append([]pendingTreeAdd(nil), ps...)
	}
	return cp
}

func (t *OrderedTree) childTree(parent ids.OperationId) *btree.BTreeG[lseqKey] {
	tr, ok := t.children[parent]
	if !ok {
		tr = btree.NewG(32, lseqLess)
		t.children[parent] = tr
	}
	return tr
}

func (t *OrderedTree) knownParent(parent ids.OperationId, hasParent bool) bool {
	if !hasParent {
		return true // root attachment always valid
	}
	_, ok := t.nodes[parent]
	return ok
}

// Add inserts a new node as a child of parent (hasParent=false for a root
// node) at sibling position pos. Buffers if parent is not yet known.
func (t *OrderedTree) Add(parent ids.OperationId, hasParent bool, pos DenseId, payload []byte, id ids.OperationId) ChangeNotification {
	if _, already := t.nodes[id]; already {
		return ChangeNotification{Applied: true}
	}
	if !t.knownParent(parent, hasParent) {
		t.pending[parent] = append(t.pending[parent], pendingTreeAdd{parent, hasParent, id, pos, payload})
		return ChangeNotification{Buffered: true}
	}
	t.addNode(parent, hasParent, pos, payload, id)
	t.drainPendingFor(id)
	return ChangeNotification{Applied: true}
}

func (t *OrderedTree) addNode(parent ids.OperationId, hasParent bool, pos DenseId, payload []byte, id ids.OperationId) {
	t.nodes[id] = &treeNode{id: id, parent: parent, hasParent: hasParent, pos: pos, payload: payload}
	t.childTree(parent).ReplaceOrInsert(lseqKey{pos: pos, id: id})
}

func (t *OrderedTree) drainPendingFor(id ids.OperationId) {
	waiting, ok := t.pending[id]
	if !ok {
		return
	}
	delete(t.pending, id)
	for _, p := range waiting {
		t.addNode(p.parent, p.hasParent, p.pos, p.payload, p.id)
		t.drainPendingFor(p.id)
	}
}

// Move reparents node n to newParent at the given sibling position. If
// this would create a cycle (n is an ancestor of newParent, or n ==
// newParent), the move is rejected: the tree is left unchanged and a
// Conflict notification with kind "tree-cycle" is returned (spec.md §4.1
// failure semantics). The move is otherwise a no-op for
// convergence purposes -- the originating op is still considered applied
// (acknowledged), its effect is simply skipped, which is what keeps all
// replicas at an identical, deterministic state regardless of delivery
// order.
func (t *OrderedTree) Move(n, newParent ids.OperationId, pos DenseId) ChangeNotification {
	node, ok := t.nodes[n]
	if !ok {
		// Move targets a node not yet observed locally; silently
		// dropped rather than buffered since the node's own Add,
		// once it arrives, already places it at its original
		// position -- a later Move for the same op would need
		// explicit causal buffering this variant skips.
		return ChangeNotification{Applied: true}
	}
	if n == newParent || t.isAncestor(n, newParent) {
		return ChangeNotification{
			Applied: true,
			Conflict: &ConflictInfo{
				Kind:   "tree-cycle",
				Detail: fmt.Sprintf("move %s under %s would create a cycle", n, newParent),
			},
		}
	}
	// Detach from old parent's sibling index, reattach under the new one.
	old := t.childTree(node.parent)
	old.Delete(lseqKey{pos: node.pos, id: node.id})
	node.parent = newParent
	node.hasParent = true
	node.pos = pos
	t.childTree(newParent).ReplaceOrInsert(lseqKey{pos: pos, id: n})
	return ChangeNotification{Applied: true}
}

// isAncestor walks newParent's ancestor chain looking for n, bounding the
// walk by the node count to tolerate any already-corrupt cycle rather than
// looping forever.
func (t *OrderedTree) isAncestor(n, newParent ids.OperationId) bool {
	cur := newParent
	for i := 0; i <= len(t.nodes); i++ {
		node, ok := t.nodes[cur]
		if !ok || !node.hasParent {
			return false
		}
		if node.parent == n {
			return true
		}
		cur = node.parent
	}
	return true // ran out of budget walking what must be a pre-existing cycle
}

func (t *OrderedTree) Delete(id ids.OperationId) ChangeNotification {
	n, ok := t.nodes[id]
	if !ok {
		return ChangeNotification{Applied: true}
	}
	n.tombstone = true
	return ChangeNotification{Applied: true}
}

func (t *OrderedTree) Merge(remote Value) {
	other, ok := remote.(*OrderedTree)
	if !ok {
		return
	}
	for id, n := range other.nodes {
		if _, have := t.nodes[id]; !have {
			t.Add(n.parent, n.hasParent, n.pos, n.payload, id)
		}
		if n.tombstone {
			t.Delete(id)
		}
	}
}

// TreeNodeView is a read-only snapshot of one node, for iter/get.
type TreeNodeView struct {
	Id        ids.OperationId
	Parent    ids.OperationId
	HasParent bool
	Payload   []byte
	Tombstone bool
}

// Walk visits every live node in depth-first, sibling-ordered order
// starting from the roots.
func (t *OrderedTree) Walk(visit func(TreeNodeView)) {
	t.walk(ids.Zero, false, visit)
}

func (t *OrderedTree) walk(parent ids.OperationId, hasParent bool, visit func(TreeNodeView)) {
	tr, ok := t.children[parent]
	if !ok {
		return
	}
	tr.Ascend(func(k lseqKey) bool {
		n := t.nodes[k.id]
		if !n.tombstone {
			visit(TreeNodeView{Id: n.id, Parent: n.parent, HasParent: n.hasParent, Payload: n.payload})
		}
		t.walk(n.id, true, visit)
		return true
	})
}

type TreeDelta struct {
	Op        string          `json:"op"` // "add" | "move" | "delete"
	Parent    ids.OperationId `json:"parent,omitempty"`
	HasParent bool            `json:"has_parent,omitempty"`
	Pos       DenseId         `json:"pos,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Id        ids.OperationId `json:"id"`
}

func registerOrderedTree(r *Registry) {
	r.Register(VariantOrderedTree, RegistryEntry{
		New: func(owner ids.ReplicaId) Value { return NewOrderedTree(owner) },
		DecodeOperation: func(body []byte) (any, error) {
			var d TreeDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode tree op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			tree := v.(*OrderedTree)
			d := delta.(TreeDelta)
			switch d.Op {
			case "move":
				return tree.Move(d.Id, d.Parent, d.Pos)
			case "delete":
				return tree.Delete(d.Id)
			default:
				return tree.Add(d.Parent, d.HasParent, d.Pos, []byte(d.Payload), d.Id)
			}
		},
	})
}
