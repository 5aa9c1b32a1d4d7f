package merge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/diff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, label string) flowsync.Node {
	return flowsync.Node{ID: id, Type: "task", Data: json.RawMessage(`{"label":"` + label + `"}`)}
}

func side(def flowsync.GraphDefinition, at time.Time) Side {
	return Side{Definition: def, Timestamp: at}
}

func TestFindConflictsIgnoresIdenticalChanges(t *testing.T) {
	base := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "a")}}
	left := base.Clone()
	left.Nodes[0] = node("n1", "b")
	right := left.Clone()

	assert.Empty(t, FindConflicts(diff.Diff(base, left), diff.Diff(base, right)))
}

func TestAttemptAutoMergeDisjointChangesConverge(t *testing.T) {
	base := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "start")}}

	left := base.Clone()
	left.Nodes = append(left.Nodes, node("n2", "left"))
	left.Edges = []flowsync.Edge{{ID: "e1", Source: "n1", Target: "n2"}}

	right := base.Clone()
	right.Nodes = append(right.Nodes, node("n3", "right"))
	right.Variables = flowsync.PropertyMap{"x": 1.0}

	now := time.Now()
	res, err := AttemptAutoMerge(base, side(left, now), side(right, now), StrategyAuto)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Merged)
	assert.Empty(t, res.ConflictingPaths)
	assert.Equal(t, 4, res.Applied)

	merged := *res.Merged
	assert.GreaterOrEqual(t, merged.NodeIndex("n2"), 0)
	assert.GreaterOrEqual(t, merged.NodeIndex("n3"), 0)
	assert.GreaterOrEqual(t, merged.EdgeIndex("e1"), 0)
	assert.Equal(t, flowsync.PropertyMap{"x": 1.0}, merged.Variables)

	// both sides' changes are contained in the merged result
	for _, c := range diff.Diff(base, left) {
		assert.NotContains(t, pathsOf(diff.Diff(merged, left)), c.Path)
	}
	for _, c := range diff.Diff(base, right) {
		assert.NotContains(t, pathsOf(diff.Diff(merged, right)), c.Path)
	}
}

func pathsOf(cs []flowsync.ChangeRecord) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Path
	}
	return out
}

func TestAttemptAutoMergeDoesNotMutateInputs(t *testing.T) {
	base := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "a")}}
	left := base.Clone()
	left.Nodes = append(left.Nodes, node("n2", "b"))
	right := base.Clone()

	_, err := AttemptAutoMerge(base, side(left, time.Now()), side(right, time.Now()), StrategyAuto)
	require.NoError(t, err)
	assert.Len(t, base.Nodes, 1)
	assert.Len(t, right.Nodes, 1)
}

func conflictingSides() (flowsync.GraphDefinition, flowsync.GraphDefinition, flowsync.GraphDefinition) {
	base := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "base"), node("n2", "other")}}
	left := base.Clone()
	left.Nodes[0] = node("n1", "left")
	left.Nodes = append(left.Nodes, node("n3", "extra"))
	right := base.Clone()
	right.Nodes[0] = node("n1", "right")
	return base, left, right
}

func TestAttemptAutoMergeAutoRefusesConflicts(t *testing.T) {
	base, left, right := conflictingSides()
	now := time.Now()

	res, err := AttemptAutoMerge(base, side(left, now), side(right, now), StrategyAuto)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Merged)
	assert.Equal(t, []string{"nodes.n1"}, res.ConflictingPaths)
}

func TestAttemptAutoMergeStrategies(t *testing.T) {
	base, left, right := conflictingSides()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		strategy  Strategy
		leftAt    time.Time
		rightAt   time.Time
		success   bool
		wantLabel string
	}{
		{"last writer left", StrategyLastWriterWins, t0.Add(time.Minute), t0, true, "left"},
		{"last writer right", StrategyLastWriterWins, t0, t0.Add(time.Minute), true, "right"},
		{"last writer tie goes right", StrategyLastWriterWins, t0, t0, true, "right"},
		{"first writer keeps base", StrategyFirstWriterWins, t0, t0.Add(time.Minute), true, "base"},
		{"manual keeps base", StrategyManual, t0, t0, false, "base"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := AttemptAutoMerge(base, side(left, tc.leftAt), side(right, tc.rightAt), tc.strategy)
			require.NoError(t, err)
			assert.Equal(t, tc.success, res.Success)
			require.NotNil(t, res.Merged)

			i := res.Merged.NodeIndex("n1")
			require.GreaterOrEqual(t, i, 0)
			assert.JSONEq(t, `{"label":"`+tc.wantLabel+`"}`, string(res.Merged.Nodes[i].Data))
			// the non-conflicting addition always lands
			assert.GreaterOrEqual(t, res.Merged.NodeIndex("n3"), 0)

			if tc.strategy == StrategyManual {
				assert.Equal(t, []string{"nodes.n1"}, res.ConflictingPaths)
			} else {
				assert.Empty(t, res.ConflictingPaths)
			}
		})
	}
}

func TestAttemptAutoMergeReportsDanglingEdges(t *testing.T) {
	base := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "a"), node("n2", "b")}}

	left := base.Clone()
	left.Nodes = left.Nodes[:1]

	right := base.Clone()
	right.Edges = []flowsync.Edge{{ID: "e1", Source: "n1", Target: "n2"}}

	res, err := AttemptAutoMerge(base, side(left, time.Now()), side(right, time.Now()), StrategyAuto)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ConflictingPaths, "edges.e1")
}

func TestAttemptAutoMergeRejectsBadInput(t *testing.T) {
	g := flowsync.GraphDefinition{}

	_, err := AttemptAutoMerge(g, side(g, time.Now()), side(g, time.Now()), Strategy("coin_flip"))
	assert.ErrorIs(t, err, flowsync.ErrValidation)

	bad := flowsync.GraphDefinition{Nodes: []flowsync.Node{{ID: "n1"}, {ID: "n1"}}}
	_, err = AttemptAutoMerge(g, side(bad, time.Now()), side(g, time.Now()), StrategyAuto)
	assert.ErrorIs(t, err, flowsync.ErrValidation)
}

func TestDetectConflicts(t *testing.T) {
	base, left, right := conflictingSides()
	t0 := time.Now()
	bv := flowsync.WorkflowVersion{WorkflowID: "wf", Version: 1, Definition: base}
	v1 := flowsync.WorkflowVersion{WorkflowID: "wf", Version: 2, Definition: left, AuthorID: "alice", CreatedAt: t0}
	v2 := flowsync.WorkflowVersion{WorkflowID: "wf", Version: 3, Definition: right, AuthorID: "bob", CreatedAt: t0}

	c := DetectConflicts(bv, v1, v2)
	require.NotNil(t, c)
	assert.Equal(t, "wf", c.WorkflowID)
	assert.Equal(t, 1, c.BaseVersion)
	assert.Equal(t, flowsync.ConflictPending, c.Status)
	assert.Equal(t, []string{"nodes.n1"}, c.ConflictingPaths)
	assert.Equal(t, 2, c.Versions[0].Version)
	assert.Equal(t, "bob", c.Versions[1].AuthorID)
	assert.Len(t, c.Versions[0].Changes, 2)

	assert.Nil(t, DetectConflicts(bv, v1, v1))
}

func TestApplyIsIdempotent(t *testing.T) {
	g := flowsync.GraphDefinition{Nodes: []flowsync.Node{node("n1", "a")}}
	add := flowsync.ChangeRecord{Type: flowsync.ChangeNodeAdded, Path: "nodes.n2", NewValue: node("n2", "b")}
	remove := flowsync.ChangeRecord{Type: flowsync.ChangeNodeRemoved, Path: "nodes.n1", OldValue: node("n1", "a")}

	out := ApplyAll(g, []flowsync.ChangeRecord{add, add, remove, remove})
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, "n2", out.Nodes[0].ID)
	assert.Len(t, g.Nodes, 1)
}
