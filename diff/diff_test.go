package diff

import (
	"encoding/json"
	"testing"

	"github.com/meikuraledutech/flowsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() flowsync.GraphDefinition {
	return flowsync.GraphDefinition{
		Nodes: []flowsync.Node{
			{ID: "n1", Type: "start"},
			{ID: "n2", Type: "task", Data: json.RawMessage(`{"label":"Review"}`)},
		},
		Edges: []flowsync.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
		Variables: flowsync.PropertyMap{"owner": "alice"},
	}
}

func TestDiffOfIdenticalDefinitionsIsEmpty(t *testing.T) {
	g := sample()
	changes := Diff(g, g.Clone())
	assert.NotNil(t, changes)
	assert.Empty(t, changes)
}

func TestDiffIgnoresDataWhitespace(t *testing.T) {
	a := sample()
	b := sample()
	b.Nodes[1].Data = json.RawMessage(`{ "label" : "Review" }`)
	assert.Empty(t, Diff(a, b))
}

func TestDiffNilAndEmptyPropertiesAreEqual(t *testing.T) {
	a := flowsync.GraphDefinition{Settings: flowsync.PropertyMap{}}
	b := flowsync.GraphDefinition{}
	assert.Empty(t, Diff(a, b))
}

func TestDiffReportsEveryKind(t *testing.T) {
	base := sample()
	other := base.Clone()
	other.Nodes = []flowsync.Node{
		{ID: "n2", Type: "task", Data: json.RawMessage(`{"label":"Approve"}`)},
		{ID: "n3", Type: "end"},
	}
	other.Edges = []flowsync.Edge{{ID: "e2", Source: "n2", Target: "n3"}}
	other.Variables = flowsync.PropertyMap{"owner": "bob"}
	other.Settings = flowsync.PropertyMap{"timeout": 30.0}

	changes := Diff(base, other)

	var got []string
	for _, c := range changes {
		got = append(got, string(c.Type)+" "+c.Path)
	}
	assert.Equal(t, []string{
		"node_removed nodes.n1",
		"node_modified nodes.n2",
		"node_added nodes.n3",
		"edge_removed edges.e1",
		"edge_added edges.e2",
		"property_changed variables",
		"property_changed settings",
	}, got)

	require.Len(t, changes, 7)
	assert.Equal(t, base.Nodes[0], changes[0].OldValue)
	assert.Nil(t, changes[0].NewValue)
	assert.Equal(t, other.Nodes[0], changes[1].NewValue)
	assert.Nil(t, changes[6].OldValue)
	assert.Equal(t, flowsync.PropertyMap{"timeout": 30.0}, changes[6].NewValue)
}

func TestDiffEdgeModified(t *testing.T) {
	base := sample()
	base.Nodes = append(base.Nodes, flowsync.Node{ID: "n3"})
	other := base.Clone()
	other.Edges[0].Target = "n3"

	changes := Diff(base, other)
	require.Len(t, changes, 1)
	assert.Equal(t, flowsync.ChangeEdgeModified, changes[0].Type)
	assert.Equal(t, "edges.e1", changes[0].Path)
	assert.Equal(t, "n2", changes[0].OldValue.(flowsync.Edge).Target)
	assert.Equal(t, "n3", changes[0].NewValue.(flowsync.Edge).Target)
}

func TestSummarize(t *testing.T) {
	base := sample()
	other := base.Clone()
	other.Nodes = append(other.Nodes, flowsync.Node{ID: "n3"}, flowsync.Node{ID: "n4"})
	other.Edges = nil
	other.Metadata = flowsync.PropertyMap{"tag": "x"}

	s := Summarize(Diff(base, other))
	assert.Equal(t, Summary{NodesAdded: 2, EdgesRemoved: 1, PropertiesChanged: 1}, s)
	assert.Equal(t, 4, s.Total())
}
