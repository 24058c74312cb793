package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/btree"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// DenseId is a Logoot-style dense fractional identifier: a byte path
// where each path element is densely allocatable between any two
// neighbors (spec.md §4.1e). Comparison is lexicographic over the path.
type DenseId []byte

func (d DenseId) Compare(other DenseId) int {
	return bytes.Compare(d, other)
}

// Between allocates a new DenseId strictly between lo and hi (lo may be
// nil for "no lower bound", hi may be nil for "no upper bound"). It walks
// the two paths digit by digit, copying lo's digit while the bounds leave
// no gap, and appends the midpoint at the first digit where they do,
// guaranteeing density: there is always room for another insertion
// between any two distinct identifiers.
func Between(lo, hi DenseId) DenseId {
	const lowBound, highBound = 0, 255
	var out []byte
	for i := 0; ; i++ {
		lb := lowBound
		if i < len(lo) {
			lb = int(lo[i])
		}
		hb := highBound + 1 // hi is exclusive/absent past its own length
		if i < len(hi) {
			hb = int(hi[i])
		}
		if hb-lb > 1 {
			out = append(out, byte(lb+(hb-lb)/2))
			return out
		}
		// No room at this digit: carry lb forward and try the next
		// digit, where hi no longer constrains us (we're still
		// strictly below it because we matched its prefix exactly).
		out = append(out, byte(lb))
	}
}

// LSEQ is a Logoot-style ordered sequence (spec.md §4.1e). Each element
// carries a unique DenseId plus an OperationId tie-break; identifiers
// never change once assigned. merge is set union with tombstone removal;
// traversal orders by DenseId, then OperationId.
//
// Every element, tombstoned ones included, is indexed in a google/btree
// ordered by (DenseId, OperationId) so Value() is a single ascending scan
// that skips tombstones instead of a sort on every read.
type LSEQ struct {
	owner    ids.ReplicaId
	elements map[ids.OperationId]*lseqElem
	order    *btree.BTreeG[lseqKey]
}

type lseqElem struct {
	pos       DenseId
	id        ids.OperationId
	value     []byte
	tombstone bool
}

type lseqKey struct {
	pos DenseId
	id  ids.OperationId
}

func lseqLess(a, b lseqKey) bool {
	if c := a.pos.Compare(b.pos); c != 0 {
		return c < 0
	}
	return a.id.Less(b.id)
}

func NewLSEQ(owner ids.ReplicaId) *LSEQ {
	return &LSEQ{
		owner:    owner,
		elements: make(map[ids.OperationId]*lseqElem),
		order:    btree.NewG(32, lseqLess),
	}
}

func (s *LSEQ) Variant() VariantTag { return VariantLSEQ }

func (s *LSEQ) Clone() Value {
	cp := NewLSEQ(s.owner)
	for id, e := range s.elements {
		ecp := *e
		cp.elements[id] = &ecp
		cp.order.ReplaceOrInsert(lseqKey{pos: e.pos, id: e.id})
	}
	return cp
}

// Insert places value at pos, tagged with id. Identifiers are assigned by
// the caller via Between so they remain valid regardless of delivery
// order (unlike RGA, LSEQ has no causal predecessor to wait on).
func (s *LSEQ) Insert(pos DenseId, value []byte, id ids.OperationId) ChangeNotification {
	if _, ok := s.elements[id]; ok {
		return ChangeNotification{Applied: true}
	}
	s.elements[id] = &lseqElem{pos: pos, id: id, value: value}
	s.order.ReplaceOrInsert(lseqKey{pos: pos, id: id})
	return ChangeNotification{Applied: true}
}

func (s *LSEQ) Delete(id ids.OperationId) ChangeNotification {
	e, ok := s.elements[id]
	if !ok {
		// LSEQ elements are self-describing (position is assigned up
		// front), so there is nothing to wait on; a delete for an
		// unknown id is simply dropped.
		return ChangeNotification{Applied: true}
	}
	e.tombstone = true
	return ChangeNotification{Applied: true}
}

func (s *LSEQ) Merge(remote Value) {
	other, ok := remote.(*LSEQ)
	if !ok {
		return
	}
	for id, e := range other.elements {
		if _, have := s.elements[id]; !have {
			s.Insert(e.pos, e.value, id)
		}
		if e.tombstone {
			s.Delete(id)
		}
	}
}

// Value renders the converged, tombstone-filtered element list in
// DenseId order.
func (s *LSEQ) Value() [][]byte {
	var out [][]byte
	s.order.Ascend(func(k lseqKey) bool {
		e := s.elements[k.id]
		if !e.tombstone {
			out = append(out, e.value)
		}
		return true
	})
	return out
}

type LSEQDelta struct {
	Op    string          `json:"op"` // "insert" | "delete"
	Pos   DenseId         `json:"pos,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Id    ids.OperationId `json:"id"`
}

func registerLSEQ(r *Registry) {
	r.Register(VariantLSEQ, RegistryEntry{
		New: func(owner ids.ReplicaId) Value { return NewLSEQ(owner) },
		DecodeOperation: func(body []byte) (any, error) {
			var d LSEQDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode lseq op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			seq := v.(*LSEQ)
			d := delta.(LSEQDelta)
			if d.Op == "delete" {
				return seq.Delete(d.Id)
			}
			return seq.Insert(d.Pos, []byte(d.Value), d.Id)
		},
	})
}
