// Package diff computes structural change sets between two graph definitions.
package diff

import (
	"sort"

	"github.com/meikuraledutech/flowsync"
)

// Diff returns the changes that turn base into other: nodes first, then
// edges, then top-level properties. Within a group records are ordered by
// id so the output is deterministic. Diff(x, x) is empty.
func Diff(base, other flowsync.GraphDefinition) []flowsync.ChangeRecord {
	changes := []flowsync.ChangeRecord{}
	changes = append(changes, diffNodes(base.Nodes, other.Nodes)...)
	changes = append(changes, diffEdges(base.Edges, other.Edges)...)
	changes = append(changes, diffProperties(base, other)...)
	return changes
}

func diffNodes(base, other []flowsync.Node) []flowsync.ChangeRecord {
	baseByID := make(map[string]flowsync.Node, len(base))
	for _, n := range base {
		baseByID[n.ID] = n
	}
	otherByID := make(map[string]flowsync.Node, len(other))
	for _, n := range other {
		otherByID[n.ID] = n
	}

	var out []flowsync.ChangeRecord
	for _, id := range unionKeys(baseByID, otherByID) {
		b, inBase := baseByID[id]
		o, inOther := otherByID[id]
		switch {
		case !inBase:
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeNodeAdded, Path: flowsync.NodePath(id), NewValue: o})
		case !inOther:
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeNodeRemoved, Path: flowsync.NodePath(id), OldValue: b})
		case flowsync.Canonical(b) != flowsync.Canonical(o):
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeNodeModified, Path: flowsync.NodePath(id), OldValue: b, NewValue: o})
		}
	}
	return out
}

func diffEdges(base, other []flowsync.Edge) []flowsync.ChangeRecord {
	baseByID := make(map[string]flowsync.Edge, len(base))
	for _, e := range base {
		baseByID[e.ID] = e
	}
	otherByID := make(map[string]flowsync.Edge, len(other))
	for _, e := range other {
		otherByID[e.ID] = e
	}

	var out []flowsync.ChangeRecord
	for _, id := range unionKeys(baseByID, otherByID) {
		b, inBase := baseByID[id]
		o, inOther := otherByID[id]
		switch {
		case !inBase:
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeEdgeAdded, Path: flowsync.EdgePath(id), NewValue: o})
		case !inOther:
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeEdgeRemoved, Path: flowsync.EdgePath(id), OldValue: b})
		case b != o:
			out = append(out, flowsync.ChangeRecord{Type: flowsync.ChangeEdgeModified, Path: flowsync.EdgePath(id), OldValue: b, NewValue: o})
		}
	}
	return out
}

// diffProperties compares each top-level property map as a whole. A nil map
// and an empty map are equal.
func diffProperties(base, other flowsync.GraphDefinition) []flowsync.ChangeRecord {
	var out []flowsync.ChangeRecord
	for _, name := range flowsync.Properties {
		b, _ := base.Property(name)
		o, _ := other.Property(name)
		if canonicalProps(b) == canonicalProps(o) {
			continue
		}
		rec := flowsync.ChangeRecord{Type: flowsync.ChangePropertyChanged, Path: name}
		if b != nil {
			rec.OldValue = b
		}
		if o != nil {
			rec.NewValue = o
		}
		out = append(out, rec)
	}
	return out
}

func canonicalProps(p flowsync.PropertyMap) string {
	if len(p) == 0 {
		return "{}"
	}
	return flowsync.Canonical(p)
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Summary counts changes by type.
type Summary struct {
	NodesAdded        int `json:"nodesAdded"`
	NodesRemoved      int `json:"nodesRemoved"`
	NodesModified     int `json:"nodesModified"`
	EdgesAdded        int `json:"edgesAdded"`
	EdgesRemoved      int `json:"edgesRemoved"`
	EdgesModified     int `json:"edgesModified"`
	PropertiesChanged int `json:"propertiesChanged"`
}

// Summarize tallies a change set.
func Summarize(changes []flowsync.ChangeRecord) Summary {
	var s Summary
	for _, c := range changes {
		switch c.Type {
		case flowsync.ChangeNodeAdded:
			s.NodesAdded++
		case flowsync.ChangeNodeRemoved:
			s.NodesRemoved++
		case flowsync.ChangeNodeModified:
			s.NodesModified++
		case flowsync.ChangeEdgeAdded:
			s.EdgesAdded++
		case flowsync.ChangeEdgeRemoved:
			s.EdgesRemoved++
		case flowsync.ChangeEdgeModified:
			s.EdgesModified++
		case flowsync.ChangePropertyChanged:
			s.PropertiesChanged++
		}
	}
	return s
}

// Total is the number of changes summarized.
func (s Summary) Total() int {
	return s.NodesAdded + s.NodesRemoved + s.NodesModified +
		s.EdgesAdded + s.EdgesRemoved + s.EdgesModified + s.PropertiesChanged
}
