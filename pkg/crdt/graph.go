package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// TieBreak selects how Graph resolves a concurrent add-vs-remove race on
// the same vertex/edge (spec.md §9 Q2: "AddWins" is fully specified;
// "RemoveWins" is admissible by inverting the tie rule, chosen per
// collection).
type TieBreak int

const (
	AddWins TieBreak = iota
	RemoveWins
)

// Graph is an optionally-unconstrained DAG CRDT (spec.md §4.1g) built as
// an observed-remove set (OR-Set) of vertices and edges: each add tags the
// element with a fresh OperationId; a remove carries the specific add tags
// it observed locally at the time of removal. An element is live iff it
// has at least one add tag not covered by a remove. Because a remove only
// ever removes tags it has actually seen, a concurrent add -- whose tag
// the remover could not have observed -- always survives: the canonical
// add-wins guarantee, without needing vector clocks. State is two
// grow-only tag sets per element, so merge is plain set union: trivially
// idempotent, commutative and associative.
type Graph struct {
	owner ids.ReplicaId
	tie   TieBreak

	vertexAdds    map[string]map[ids.OperationId]bool
	vertexRemoves map[string]map[ids.OperationId]bool

	edgeAdds    map[edgeKey]map[ids.OperationId]bool
	edgeRemoves map[edgeKey]map[ids.OperationId]bool
	edgeWeight  map[edgeKey]weightedTag
}

type edgeKey struct {
	from, to string
}

// weightedTag is the LWW payload carried on an edge (spec.md §4.1g: "Edge
// payload may carry a weight (LWW)").
type weightedTag struct {
	value []byte
	stamp ids.OperationId
}

func NewGraph(owner ids.ReplicaId, tie TieBreak) *Graph {
	return &Graph{
		owner:         owner,
		tie:           tie,
		vertexAdds:    make(map[string]map[ids.OperationId]bool),
		vertexRemoves: make(map[string]map[ids.OperationId]bool),
		edgeAdds:      make(map[edgeKey]map[ids.OperationId]bool),
		edgeRemoves:   make(map[edgeKey]map[ids.OperationId]bool),
		edgeWeight:    make(map[edgeKey]weightedTag),
	}
}

func (g *Graph) Variant() VariantTag { return VariantGraph }

func cloneTagSet(in map[ids.OperationId]bool) map[ids.OperationId]bool {
	out := make(map[ids.OperationId]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func (g *Graph) Clone() Value {
	cp := NewGraph(g.owner, g.tie)
	for k, v := range g.vertexAdds {
		cp.vertexAdds[k] = cloneTagSet(v)
	}
	for k, v := range g.vertexRemoves {
		cp.vertexRemoves[k] = cloneTagSet(v)
	}
	for k, v := range g.edgeAdds {
		cp.edgeAdds[k] = cloneTagSet(v)
	}
	for k, v := range g.edgeRemoves {
		cp.edgeRemoves[k] = cloneTagSet(v)
	}
	for k, w := range g.edgeWeight {
		cp.edgeWeight[k] = w
	}
	return cp
}

// liveTags decides element liveness from its add/remove tag sets under
// the configured tie-break mode. AddWins (the canonical OR-Set): live iff
// some add tag is not itself covered by a matching remove tag -- a
// concurrent add the remover never observed always survives. RemoveWins
// inverts the bias: once any remove tag exists, the element is dead
// unless a strictly later add (by the total order) has since arrived,
// since a RemoveWins collection favors deletions over any add it cannot
// prove happened afterwards.
func liveTags(tie TieBreak, adds, removes map[ids.OperationId]bool) bool {
	if tie == RemoveWins && len(removes) > 0 {
		var maxRemove ids.OperationId
		first := true
		for t := range removes {
			if first || t.Greater(maxRemove) {
				maxRemove, first = t, false
			}
		}
		for t := range adds {
			if t.Greater(maxRemove) {
				return true
			}
		}
		return false
	}
	for tag := range adds {
		if !removes[tag] {
			return true
		}
	}
	return false
}

// AddVertex tags id as present with a fresh add tag.
func (g *Graph) AddVertex(id string, stamp ids.OperationId) ChangeNotification {
	tags, ok := g.vertexAdds[id]
	if !ok {
		tags = make(map[ids.OperationId]bool)
		g.vertexAdds[id] = tags
	}
	tags[stamp] = true
	return ChangeNotification{Applied: true}
}

// RemoveVertex removes every add tag currently observed for id (add-wins:
// a concurrent AddVertex whose tag this call cannot see is unaffected).
// It returns the exact tag set removed, which the caller must ship as
// part of the outbound Operation so remote replicas apply the identical
// removal rather than whatever they happen to know locally.
func (g *Graph) RemoveVertex(id string) (tags []ids.OperationId, note ChangeNotification) {
	observed := g.vertexAdds[id]
	tags = make([]ids.OperationId, 0, len(observed))
	removes, ok := g.vertexRemoves[id]
	if !ok {
		removes = make(map[ids.OperationId]bool)
		g.vertexRemoves[id] = removes
	}
	for tag := range observed {
		if !removes[tag] {
			removes[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags, ChangeNotification{Applied: true}
}

// ApplyVertexRemoval merges an already-decided set of removed tags
// (received from the origin of the remove) into local state.
func (g *Graph) ApplyVertexRemoval(id string, tags []ids.OperationId) ChangeNotification {
	removes, ok := g.vertexRemoves[id]
	if !ok {
		removes = make(map[ids.OperationId]bool)
		g.vertexRemoves[id] = removes
	}
	for _, t := range tags {
		removes[t] = true
	}
	return ChangeNotification{Applied: true}
}

func (g *Graph) ApplyVertexAdd(id string, stamp ids.OperationId) ChangeNotification {
	return g.AddVertex(id, stamp)
}

func (g *Graph) HasVertex(id string) bool {
	return liveTags(g.tie, g.vertexAdds[id], g.vertexRemoves[id])
}

func (g *Graph) AddEdge(from, to string, weight []byte, stamp ids.OperationId) ChangeNotification {
	k := edgeKey{from, to}
	tags, ok := g.edgeAdds[k]
	if !ok {
		tags = make(map[ids.OperationId]bool)
		g.edgeAdds[k] = tags
	}
	tags[stamp] = true
	if weight != nil {
		if cur, ok := g.edgeWeight[k]; !ok || stamp.Greater(cur.stamp) {
			g.edgeWeight[k] = weightedTag{value: weight, stamp: stamp}
		}
	}
	return ChangeNotification{Applied: true}
}

func (g *Graph) RemoveEdge(from, to string) (tags []ids.OperationId, note ChangeNotification) {
	k := edgeKey{from, to}
	observed := g.edgeAdds[k]
	tags = make([]ids.OperationId, 0, len(observed))
	removes, ok := g.edgeRemoves[k]
	if !ok {
		removes = make(map[ids.OperationId]bool)
		g.edgeRemoves[k] = removes
	}
	for tag := range observed {
		if !removes[tag] {
			removes[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags, ChangeNotification{Applied: true}
}

func (g *Graph) ApplyEdgeRemoval(from, to string, tags []ids.OperationId) ChangeNotification {
	k := edgeKey{from, to}
	removes, ok := g.edgeRemoves[k]
	if !ok {
		removes = make(map[ids.OperationId]bool)
		g.edgeRemoves[k] = removes
	}
	for _, t := range tags {
		removes[t] = true
	}
	return ChangeNotification{Applied: true}
}

func (g *Graph) HasEdge(from, to string) bool {
	k := edgeKey{from, to}
	return liveTags(g.tie, g.edgeAdds[k], g.edgeRemoves[k])
}

// Neighbors lists live out-edges of id.
func (g *Graph) Neighbors(id string) []string {
	var out []string
	for k := range g.edgeAdds {
		if k.from == id && g.HasEdge(k.from, k.to) {
			out = append(out, k.to)
		}
	}
	return out
}

func (g *Graph) Merge(remote Value) {
	other, ok := remote.(*Graph)
	if !ok {
		return
	}
	for id, tags := range other.vertexAdds {
		for tag := range tags {
			g.AddVertex(id, tag)
		}
	}
	for id, tags := range other.vertexRemoves {
		for tag := range tags {
			g.ApplyVertexRemoval(id, []ids.OperationId{tag})
		}
	}
	for k, tags := range other.edgeAdds {
		for tag := range tags {
			g.AddEdge(k.from, k.to, nil, tag)
		}
	}
	for k, tags := range other.edgeRemoves {
		for tag := range tags {
			g.ApplyEdgeRemoval(k.from, k.to, []ids.OperationId{tag})
		}
	}
	for k, w := range other.edgeWeight {
		if cur, ok := g.edgeWeight[k]; !ok || w.stamp.Greater(cur.stamp) {
			g.edgeWeight[k] = w
		}
	}
}

type GraphDelta struct {
	Op     string          `json:"op"` // add_vertex | remove_vertex | add_edge | remove_edge
	Vertex string          `json:"vertex,omitempty"`
	From   string          `json:"from,omitempty"`
	To     string          `json:"to,omitempty"`
	Weight json.RawMessage `json:"weight,omitempty"`
	Stamp  ids.OperationId `json:"stamp"`
	// Tags carries the precise add-tags a remove is lifting, so every
	// replica tombstones exactly the same generation regardless of what
	// else it has learned about since (see RemoveVertex/RemoveEdge).
	Tags []ids.OperationId `json:"tags,omitempty"`
}

func registerGraph(r *Registry) {
	r.Register(VariantGraph, RegistryEntry{
		New: func(owner ids.ReplicaId) Value { return NewGraph(owner, AddWins) },
		DecodeOperation: func(body []byte) (any, error) {
			var d GraphDelta
			if err := json.Unmarshal(body, &d); err != nil {
				return nil, fmt.Errorf("crdt: decode graph op: %w", err)
			}
			return d, nil
		},
		EncodeOperation: func(delta any) ([]byte, error) {
			return json.Marshal(delta)
		},
		Apply: func(v Value, delta any) ChangeNotification {
			g := v.(*Graph)
			d := delta.(GraphDelta)
			switch d.Op {
			case "add_vertex":
				return g.ApplyVertexAdd(d.Vertex, d.Stamp)
			case "remove_vertex":
				return g.ApplyVertexRemoval(d.Vertex, d.Tags)
			case "add_edge":
				return g.AddEdge(d.From, d.To, []byte(d.Weight), d.Stamp)
			case "remove_edge":
				return g.ApplyEdgeRemoval(d.From, d.To, d.Tags)
			default:
				return ChangeNotification{Applied: true}
			}
		},
	})
}
