package merge

import (
	"strings"

	"github.com/meikuraledutech/flowsync"
)

// ApplyAll applies changes to a clone of base in order.
func ApplyAll(base flowsync.GraphDefinition, changes []flowsync.ChangeRecord) flowsync.GraphDefinition {
	out := base.Clone()
	for _, c := range changes {
		Apply(&out, c)
	}
	return out
}

// Apply mutates g with one change. Changes that reference ids g does not
// have are no-ops, and adding an id that already exists replaces it, so
// applying the same change twice is harmless.
func Apply(g *flowsync.GraphDefinition, c flowsync.ChangeRecord) {
	switch c.Type {
	case flowsync.ChangeNodeAdded, flowsync.ChangeNodeModified:
		n, ok := c.NewValue.(flowsync.Node)
		if !ok {
			return
		}
		i := g.NodeIndex(n.ID)
		switch {
		case i >= 0:
			g.Nodes[i] = n.Clone()
		case c.Type == flowsync.ChangeNodeAdded:
			g.Nodes = append(g.Nodes, n.Clone())
		}
	case flowsync.ChangeNodeRemoved:
		if i := g.NodeIndex(strings.TrimPrefix(c.Path, "nodes.")); i >= 0 {
			g.Nodes = append(g.Nodes[:i:i], g.Nodes[i+1:]...)
		}
	case flowsync.ChangeEdgeAdded, flowsync.ChangeEdgeModified:
		e, ok := c.NewValue.(flowsync.Edge)
		if !ok {
			return
		}
		i := g.EdgeIndex(e.ID)
		switch {
		case i >= 0:
			g.Edges[i] = e
		case c.Type == flowsync.ChangeEdgeAdded:
			g.Edges = append(g.Edges, e)
		}
	case flowsync.ChangeEdgeRemoved:
		if i := g.EdgeIndex(strings.TrimPrefix(c.Path, "edges.")); i >= 0 {
			g.Edges = append(g.Edges[:i:i], g.Edges[i+1:]...)
		}
	case flowsync.ChangePropertyChanged:
		p, _ := c.NewValue.(flowsync.PropertyMap)
		g.SetProperty(c.Path, p.Clone())
	}
}
