package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// RGA is a Replicated Growable Array for character sequences (spec.md
// §4.1d). Nodes are keyed by OperationId with a "caused-by" predecessor
// OperationId; siblings sharing a predecessor order by OperationId
// descending. Deletion is tombstone-based. An insertion whose predecessor
// is not yet known is buffered until that predecessor arrives (§4.1
// failure semantics).
//
// Sibling ordering is indexed with a google/btree.BTreeG per predecessor
// so traversal doesn't re-sort on every read; grounded on erigon's use of
// google/btree for ordered in-memory indices.
type RGA struct {
	owner         ids.ReplicaId
	nodes         map[ids.OperationId]*rgaNode
	children      map[ids.OperationId]*btree.BTreeG[ids.OperationId]
	pending       map[ids.OperationId][]pendingRGAInsert
	pendingDelete map[ids.OperationId]bool
}

type rgaNode struct {
	id          ids.OperationId
	predecessor ids.OperationId
	char        rune
	tombstone   bool
}

type pendingRGAInsert struct {
	predecessor ids.OperationId
	id          ids.OperationId
	char        rune
}

// descending orders OperationIds from greatest to least, matching "siblings
// order by (OperationId descending)".
func descending(a, b ids.OperationId) bool {
	return b.Less(a)
}

func NewRGA(owner ids.ReplicaId) *RGA {
	return &RGA{
		owner:         owner,
		nodes:         make(map[ids.OperationId]*rgaNode),
		children:      make(map[ids.OperationId]*btree.BTreeG[ids.OperationId]),
		pending:       make(map[ids.OperationId][]pendingRGAInsert),
		pendingDelete: make(map[ids.OperationId]bool),
	}
}

func (s *RGA) Variant() VariantTag { return VariantRGA }

func (s *RGA) Clone() Value {
	cp := NewRGA(s.owner)
	for id, n := range s.nodes {
		ncp := *n
		cp.nodes[id] = &ncp
	}
	for pred, tr := range s.children {
		ntr := btree.NewG(32, descending)
		tr.Ascend(func(id ids.OperationId) bool {
			ntr.ReplaceOrInsert(id)
			return true
		})
		cp.children[pred] = ntr
	}
	for pred, ps := range s.pending {
		cp.pending[pred] = append([]pendingRGAInsert(nil), ps...)
	}
	for id := range s.pendingDelete {
		cp.pendingDelete[id] = true
	}
	return cp
}

func (s *RGA) childTree(predecessor ids.OperationId) *btree.BTreeG[ids.OperationId] {
	tr, ok := s.children[predecessor]
	if !ok {
		tr = btree.NewG(32, descending)
		s.children[predecessor] = tr
	}
	return tr
}

// knownAnchor reports whether predecessor is a position this RGA can
// attach children to: either the root sentinel or an already-seen node.
func (s *RGA) knownAnchor(predecessor ids.OperationId) bool {
	if predecessor.IsZero() {
		return true
	}
	_, ok := s.nodes[predecessor]
	return ok
}

// InsertAfter observes a single character insertion after predecessor
// (ids.Zero for "at the head"). Returns Buffered=true if predecessor is
// not yet known.
func (s *RGA) InsertAfter(predecessor ids.OperationId, char rune, id ids.OperationId) ChangeNotification {
	if _, already := s.nodes[id]; already {
		return ChangeNotification{Applied: true} // observe is idempotent by op id
	}
	if !s.knownAnchor(predecessor) {
		s.pending[predecessor] = append(s.pending[predecessor], pendingRGAInsert{predecessor, id, char})
		return ChangeNotification{Buffered: true}
	}
	s.insertNode(predecessor, id, char)
	s.drainPendingFor(id)
	return ChangeNotification{Applied: true}
}

func (s *RGA) insertNode(predecessor, id ids.OperationId, char rune) {
	n := &rgaNode{id: id, predecessor: predecessor, char: char}
	if s.pendingDelete[id] {
		n.tombstone = true
		delete(s.pendingDelete, id)
	}
	s.nodes[id] = n
	s.childTree(predecessor).ReplaceOrInsert(id)
}

// drainPendingFor applies any buffered inserts whose predecessor is id,
// recursively, since draining one may unblock further descendants.
func (s *RGA) drainPendingFor(id ids.OperationId) {
	waiting, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	for _, p := range waiting {
		s.insertNode(p.predecessor, p.id, p.char)
		s.drainPendingFor(p.id)
	}
}

// Delete tombstones id. A delete of a node not yet observed is buffered
// the same way an insert would be, since the node it targets may still be
// in flight.
func (s *RGA) Delete(id ids.OperationId) ChangeNotification {
	n, ok := s.nodes[id]
	if !ok {
		// Buffer as a delete-after-insert continuation: once id's insert
		// arrives, insertNode consults pendingDelete and tombstones it
		// immediately.
		s.pendingDelete[id] = true
		return ChangeNotification{Buffered: true}
	}
	n.tombstone = true
	return ChangeNotification{Applied: true}
}

// Merge folds a whole remote RGA by replaying its nodes and tombstones
// through the same buffering machinery, so the result does not depend on
// replay order: nodes whose predecessor is locally unknown simply
// buffer until their predecessor (also being replayed) arrives.
func (s *RGA) Merge(remote Value) {
	other, ok := remote.(*RGA)
	if !ok {
		return
	}
	for id, n := range other.nodes {
		if _, have := s.nodes[id]; !have {
			s.InsertAfter(n.predecessor, n.char, id)
		}
		if n.tombstone {
			s.Delete(id)
		}
	}
}

// Value renders the converged, tombstone-filtered character sequence.
func (s *RGA) Value() []rune {
	var out []rune
	s.walk(ids.Zero, &out)
	return out
}

func (s *RGA) walk(predecessor ids.OperationId, out *[]rune) {
	tr, ok := s.children[predecessor]
	if !ok {
		return
	}
	tr.Ascend(func(id ids.OperationId) bool {
		n := s.nodes[id]
		if !n.tombstone {
			*out = append(*out, n.char)
		}
		s.walk(id, out)
		return true
	})
}

type RGADelta struct {
	Op          string          `json:"op"` // "insert" | "delete"
	Predecessor ids.OperationId `json:"predecessor"`
	Char        rune            `json:"char,omitempty"`
	Id          ids.OperationId `json:"id"`
}

func registerRGA(r *Registry) {
	r.Register(VariantRGA, RegistryEntry{
		New: func(owner ids.ReplicaId) Value { return NewRGA(owner) },
		DecodeOperation: func(body []byte) (any, error) {
			var d RGADelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode rga op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			seq := v.(*RGA)
			d := delta.(RGADelta)
			if d.Op == "delete" {
				return seq.Delete(d.Id)
			}
			return seq.InsertAfter(d.Predecessor, d.Char, d.Id)
		},
	})
}
