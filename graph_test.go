package flowsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneSharesNothing(t *testing.T) {
	g := GraphDefinition{
		Nodes:     []Node{{ID: "n1", Data: json.RawMessage(`{"a":1}`)}},
		Edges:     []Edge{{ID: "e1", Source: "n1", Target: "n1"}},
		Variables: PropertyMap{"nested": map[string]any{"k": "v"}},
	}
	c := g.Clone()
	c.Nodes[0].Data[2] = 'b'
	c.Nodes[0].ID = "changed"
	c.Edges[0].Target = "x"
	c.Variables["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, `{"a":1}`, string(g.Nodes[0].Data))
	assert.Equal(t, "n1", g.Nodes[0].ID)
	assert.Equal(t, "n1", g.Edges[0].Target)
	assert.Equal(t, "v", g.Variables["nested"].(map[string]any)["k"])
}

func TestCanonicalIgnoresDataFormatting(t *testing.T) {
	a := Node{ID: "n1", Data: json.RawMessage(`{"b": 2, "a": 1}`)}
	b := Node{ID: "n1", Data: json.RawMessage(`{"a":1,"b":2}`)}
	assert.Equal(t, Canonical(a), Canonical(b))

	b.Data = json.RawMessage(`{"a":1,"b":3}`)
	assert.NotEqual(t, Canonical(a), Canonical(b))

	assert.Equal(t, "null", Canonical(nil))
	assert.Equal(t, "null", Canonical(PropertyMap(nil)))
}

func TestChangeRecordJSONKeepsValueTypes(t *testing.T) {
	in := []ChangeRecord{
		{Type: ChangeNodeModified, Path: NodePath("n1"), OldValue: Node{ID: "n1"}, NewValue: Node{ID: "n1", Type: "task"}},
		{Type: ChangeEdgeAdded, Path: EdgePath("e1"), NewValue: Edge{ID: "e1", Source: "n1", Target: "n2"}},
		{Type: ChangePropertyChanged, Path: PropertyVariables, NewValue: PropertyMap{"x": 1.0}},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out []ChangeRecord
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out, 3)

	assert.IsType(t, Node{}, out[0].NewValue)
	assert.Equal(t, "task", out[0].NewValue.(Node).Type)
	assert.Nil(t, out[1].OldValue)
	assert.Equal(t, Edge{ID: "e1", Source: "n1", Target: "n2"}, out[1].NewValue)
	assert.Equal(t, PropertyMap{"x": 1.0}, out[2].NewValue)
}

func TestPropertyAccessors(t *testing.T) {
	var g GraphDefinition
	g.SetProperty(PropertySettings, PropertyMap{"timeout": 30.0})
	g.SetProperty("unknown", PropertyMap{"x": 1.0})

	p, ok := g.Property(PropertySettings)
	assert.True(t, ok)
	assert.Equal(t, PropertyMap{"timeout": 30.0}, p)

	_, ok = g.Property("unknown")
	assert.False(t, ok)
}

func TestMergeRequestTransitions(t *testing.T) {
	assert.True(t, MergeRequestDraft.CanTransition(MergeRequestOpen))
	assert.True(t, MergeRequestOpen.CanTransition(MergeRequestMerged))
	assert.True(t, MergeRequestOpen.CanTransition(MergeRequestClosed))
	assert.False(t, MergeRequestDraft.CanTransition(MergeRequestMerged))
	assert.False(t, MergeRequestClosed.CanTransition(MergeRequestOpen))
	assert.False(t, MergeRequestMerged.CanTransition(MergeRequestClosed))
	assert.True(t, MergeRequestMerged.Terminal())
	assert.False(t, MergeRequestOpen.Terminal())
}
