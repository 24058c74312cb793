package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// LwwRegister is a last-write-wins register over an opaque byte payload
// (spec.md §4.1a). merge picks the operand with the greater OperationId
// under ids.OperationId's total order.
type LwwRegister struct {
	Value []byte
	Stamp ids.OperationId
}

// NewLwwRegister creates an empty register, equivalent to holding None
// with OperationId zero (spec.md §4.1b).
func NewLwwRegister() *LwwRegister {
	return &LwwRegister{}
}

func (r *LwwRegister) Variant() VariantTag { return VariantLwwRegister }

func (r *LwwRegister) Clone() Value {
	cp := make([]byte, len(r.Value))
	copy(cp, r.Value)
	return &LwwRegister{Value: cp, Stamp: r.Stamp}
}

// Merge is trivially idempotent, commutative and associative: total order
// comparison picks the same winner regardless of merge order.
func (r *LwwRegister) Merge(remote Value) {
	other, ok := remote.(*LwwRegister)
	if !ok {
		return
	}
	r.mergeRegister(other.Value, other.Stamp)
}

func (r *LwwRegister) mergeRegister(value []byte, stamp ids.OperationId) ChangeNotification {
	if stamp.Greater(r.Stamp) {
		r.Value = value
		r.Stamp = stamp
		return ChangeNotification{Applied: true}
	}
	// Equal or older stamp: no-op, which is what makes Merge idempotent
	// when applied twice with the same remote value.
	return ChangeNotification{Applied: true}
}

// LwwDelta is the wire shape of a single LwwRegister/LwwMap mutation.
type LwwDelta struct {
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Tombstom bool            `json:"tombstone,omitempty"`
	Stamp    ids.OperationId `json:"stamp"`
}

func registerLwwRegister(r *Registry) {
	r.Register(VariantLwwRegister, RegistryEntry{
		New: func(ids.ReplicaId) Value { return NewLwwRegister() },
		DecodeOperation: func(body []byte) (any, error) {
			var d LwwDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode lww-register op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			reg := v.(*LwwRegister)
			d := delta.(LwwDelta)
			return reg.mergeRegister([]byte(d.Value), d.Stamp)
		},
	})
}

// LwwMap is a mapping K -> LwwRegister<Option<V>> (spec.md §4.1b). An
// absent key behaves like a register holding None at OperationId zero;
// Delete is modeled as setting the value to a tombstone marker with a
// fresh OperationId, never removing the map entry, so convergence holds
// even when a concurrent Insert races a Delete.
type LwwMap struct {
	entries map[string]*mapEntry
}

type mapEntry struct {
	value     []byte
	stamp     ids.OperationId
	tombstone bool
}

func NewLwwMap() *LwwMap {
	return &LwwMap{entries: make(map[string]*mapEntry)}
}

func (m *LwwMap) Variant() VariantTag { return VariantLwwMap }

func (m *LwwMap) Clone() Value {
	cp := &LwwMap{entries: make(map[string]*mapEntry, len(m.entries))}
	for k, e := range m.entries {
		ecp := *e
		cp.entries[k] = &ecp
	}
	return cp
}

func (m *LwwMap) Merge(remote Value) {
	other, ok := remote.(*LwwMap)
	if !ok {
		return
	}
	for k, e := range other.entries {
		m.mergeEntry(k, e.value, e.stamp, e.tombstone)
	}
}

func (m *LwwMap) mergeEntry(key string, value []byte, stamp ids.OperationId, tombstone bool) ChangeNotification {
	cur, ok := m.entries[key]
	if ok && !stamp.Greater(cur.stamp) {
		return ChangeNotification{Applied: true}
	}
	m.entries[key] = &mapEntry{value: value, stamp: stamp, tombstone: tombstone}
	return ChangeNotification{Applied: true}
}

// Get returns the current value for key and whether it is present (i.e.
// not absent and not tombstoned).
func (m *LwwMap) Get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return e.value, true
}

// Set constructs a local Insert/Update delta for key, stamped with id.
func (m *LwwMap) Set(key string, value []byte, id ids.OperationId) ChangeNotification {
	return m.mergeEntry(key, value, id, false)
}

// Delete constructs a local tombstone delta for key, stamped with id. A
// Delete of an already-absent key is a no-op in observable terms but still
// advances the tombstone's stamp so later resurrection attempts with an
// older stamp lose.
func (m *LwwMap) Delete(key string, id ids.OperationId) ChangeNotification {
	return m.mergeEntry(key, nil, id, true)
}

// Keys returns all live (non-tombstoned) keys, for iter(predicate)
// (spec.md §4.5).
func (m *LwwMap) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			out = append(out, k)
		}
	}
	return out
}

// Tombstones exposed for compaction (spec.md §9 Q3): returns every
// tombstoned key. It takes no acknowledgement watermark; deciding which
// of them are safe to Compact is left to the caller.
func (m *LwwMap) Tombstones() []string {
	out := make([]string, 0)
	for k, e := range m.entries {
		if e.tombstone {
			out = append(out, k)
		}
	}
	return out
}

// Compact physically removes a tombstoned entry. Callers must only call
// this once every known peer has acknowledged the tombstone's OperationId;
// the map itself does not track acks.
func (m *LwwMap) Compact(key string) {
	if e, ok := m.entries[key]; ok && e.tombstone {
		delete(m.entries, key)
	}
}

type LwwMapDelta struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Stamp     ids.OperationId `json:"stamp"`
}

func registerLwwMap(r *Registry) {
	r.Register(VariantLwwMap, RegistryEntry{
		New: func(ids.ReplicaId) Value { return NewLwwMap() },
		DecodeOperation: func(body []byte) (any, error) {
			var d LwwMapDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode lww-map op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			m := v.(*LwwMap)
			d := delta.(LwwMapDelta)
			return m.mergeEntry(d.Key, []byte(d.Value), d.Stamp, d.Tombstone)
		},
	})
}
