// Package crdt implements the value algebra from spec.md §4.1: LWW
// register/map, G-counter, RGA and LSEQ sequences, an ordered tree, and an
// add-wins graph. Every variant's merge is idempotent, commutative and
// associative, giving strong eventual consistency, and each exposes the
// cross-cutting local_apply/merge/observe operations.
//
// Grounded on services/syncbase/sync/dag.go's node-table/graft/conflict
// vocabulary, generalized from "single DAG with an invoked resolver" to a
// family of deterministic CRDTs that never need to invoke one.
package crdt

import "github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"

// VariantTag identifies a CRDT algebra variant on the wire (spec.md §6,
// Operation.variant_tag) and in the registry (spec.md §9).
type VariantTag uint8

const (
	VariantLwwRegister VariantTag = iota + 1
	VariantLwwMap
	VariantGCounter
	VariantRGA
	VariantLSEQ
	VariantOrderedTree
	VariantGraph
)

func (t VariantTag) String() string {
	switch t {
	case VariantLwwRegister:
		return "lww-register"
	case VariantLwwMap:
		return "lww-map"
	case VariantGCounter:
		return "g-counter"
	case VariantRGA:
		return "rga"
	case VariantLSEQ:
		return "lseq"
	case VariantOrderedTree:
		return "ordered-tree"
	case VariantGraph:
		return "graph"
	default:
		return "unknown"
	}
}

// Value is the common interface every CRDT variant satisfies. It is
// intentionally small: variant-specific behavior (insert after position,
// move, increment) lives on the concrete type, reached via a type switch
// or a variant-specific wrapper in the collection layer.
type Value interface {
	// Merge folds a whole remote value into the receiver (spec.md §4.1
	// "merge(remote_value)"), used during bulk catch-up. It MUST be
	// idempotent, commutative and associative.
	Merge(remote Value)
	// Clone returns a deep copy, used so callers can snapshot without
	// racing the writer lock that protects the live value (spec.md §5).
	Clone() Value
	// Variant reports which algebra this value belongs to.
	Variant() VariantTag
}

// ChangeNotification describes the effect of applying a single Operation,
// returned by local_apply/observe so callers can build a ChangeEvent
// (spec.md §4.5) without re-deriving what changed.
type ChangeNotification struct {
	// Applied is false when the operation was buffered (CausalPending);
	// callers must not ack or notify subscribers in that case. An op
	// whose effect was rejected (e.g. an OrderedTree cycle) still reports
	// Applied true, with Conflict set.
	Applied bool
	// Buffered is true when the op is waiting on an unseen predecessor.
	Buffered bool
	// Conflict is set when applying the op triggered a detected
	// conflict that was resolved by rejection rather than merge (e.g.
	// OrderedTree cycle), matching §4.1's Conflict notification.
	Conflict *ConflictInfo
}

// ConflictInfo mirrors the engine's ConflictReport (spec.md §4.4) at the
// point a CRDT variant detects one.
type ConflictInfo struct {
	Kind   string
	Detail string
}

// Compactable is implemented by variants that retain tombstones for
// concurrent-delete convergence and support their physical removal once
// every known peer has acknowledged the deleting OperationId (spec.md §9
// Q3, "Tombstones ... become eligible for compaction after their
// OperationId is acknowledged by all peers"). LwwMap satisfies this.
type Compactable interface {
	Tombstones() []string
	Compact(key string)
}

// Registry maps a VariantTag to the decode/apply/merge triple a
// collection needs to operate generically over any configured variant
// (spec.md §9: "Derived-trait driven CRDT registration is replaced by a
// registry mapping variant_tag -> (decoder, applier, merger) supplied at
// collection construction").
type Registry struct {
	entries map[VariantTag]RegistryEntry
}

// RegistryEntry bundles the three operations a collection needs without
// assuming anything about the concrete Go type behind Value.
type RegistryEntry struct {
	// New constructs a zero value of the variant, owned by this replica.
	New func(owner ids.ReplicaId) Value
	// DecodeOperation turns wire bytes (Operation.body) into an applyable
	// delta understood by Apply.
	DecodeOperation func(body []byte) (any, error)
	// EncodeOperation is DecodeOperation's inverse, used when emitting a
	// locally originated operation.
	EncodeOperation func(delta any) ([]byte, error)
	// Apply performs a single-op delta (observe) against an existing
	// value, idempotent by OperationId.
	Apply func(v Value, delta any) ChangeNotification
}

// NewRegistry builds an empty registry; callers register the variants
// their deployment uses via Register.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[VariantTag]RegistryEntry)}
}

func (r *Registry) Register(tag VariantTag, entry RegistryEntry) {
	r.entries[tag] = entry
}

func (r *Registry) Lookup(tag VariantTag) (RegistryEntry, bool) {
	e, ok := r.entries[tag]
	return e, ok
}

// DefaultRegistry returns a registry with all seven built-in variants
// registered under their standard encodings, suitable for most callers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerLwwRegister(r)
	registerLwwMap(r)
	registerGCounter(r)
	registerRGA(r)
	registerLSEQ(r)
	registerOrderedTree(r)
	registerGraph(r)
	return r
}
