package collab

import (
	"testing"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/stretchr/testify/assert"
)

func nodeOp(typ OperationType, user, id string, x, y float64, ts int64) Operation {
	return Operation{
		ID:            user + "-" + id,
		UserID:        user,
		OperationType: typ,
		Payload:       flowsync.Node{ID: id, Position: flowsync.Position{X: x, Y: y}},
		Timestamp:     ts,
	}
}

func newTestTransformer() *Transformer {
	return NewTransformer(DefaultRules(), flowsync.Position{X: 50, Y: 50}, 2*time.Second)
}

func TestTransformOffsetsOverlappingConcurrentAdds(t *testing.T) {
	tr := newTestTransformer()
	queued := nodeOp(OpNodeAdd, "alice", "a", 100, 100, 1000)
	queued.Sequence = 1
	incoming := nodeOp(OpNodeAdd, "bob", "b", 100, 100, 1500)

	out, fired := tr.Transform([]Operation{queued}, incoming)
	assert.Equal(t, []string{"offset_concurrent_add"}, fired)
	assert.Equal(t, flowsync.Position{X: 150, Y: 150}, out.Payload.(flowsync.Node).Position)
	assert.Equal(t, OpNodeAdd, out.OperationType)

	// the caller's copy is untouched
	assert.Equal(t, flowsync.Position{X: 100, Y: 100}, incoming.Payload.(flowsync.Node).Position)
}

func TestTransformLeavesDistantAddsAlone(t *testing.T) {
	tr := newTestTransformer()
	queued := nodeOp(OpNodeAdd, "alice", "a", 100, 100, 1000)
	incoming := nodeOp(OpNodeAdd, "bob", "b", 400, 100, 1500)

	out, fired := tr.Transform([]Operation{queued}, incoming)
	assert.Empty(t, fired)
	assert.Equal(t, incoming, out)
}

func TestTransformRecreatesNodeDeletedConcurrently(t *testing.T) {
	tr := newTestTransformer()
	queued := nodeOp(OpNodeDelete, "alice", "n1", 0, 0, 1000)
	incoming := nodeOp(OpNodeUpdate, "bob", "n1", 10, 20, 1200)

	out, fired := tr.Transform([]Operation{queued}, incoming)
	assert.Equal(t, []string{"recreate_deleted_node"}, fired)
	assert.Equal(t, OpNodeAdd, out.OperationType)
	assert.Equal(t, incoming.Payload, out.Payload)

	other := nodeOp(OpNodeUpdate, "bob", "n2", 10, 20, 1200)
	out, fired = tr.Transform([]Operation{queued}, other)
	assert.Empty(t, fired)
	assert.Equal(t, OpNodeUpdate, out.OperationType)
}

func TestTransformPassesThroughUnlistedPairs(t *testing.T) {
	tr := newTestTransformer()
	queued := nodeOp(OpNodeUpdate, "alice", "n1", 0, 0, 1000)
	incoming := nodeOp(OpNodeDelete, "bob", "n1", 0, 0, 1100)

	out, fired := tr.Transform([]Operation{queued}, incoming)
	assert.Empty(t, fired)
	assert.Equal(t, incoming, out)
}

func TestConcurrent(t *testing.T) {
	tr := newTestTransformer()
	base := nodeOp(OpNodeAdd, "alice", "a", 0, 0, 1000)
	base.Sequence = 5

	cases := []struct {
		name     string
		incoming Operation
		want     bool
	}{
		{"other user inside window", nodeOp(OpNodeAdd, "bob", "b", 0, 0, 2000), true},
		{"same user", nodeOp(OpNodeAdd, "alice", "b", 0, 0, 2000), false},
		{"queued is later", nodeOp(OpNodeAdd, "bob", "b", 0, 0, 900), false},
		{"outside window", nodeOp(OpNodeAdd, "bob", "b", 0, 0, 3001), false},
		{"client already saw it", func() Operation {
			o := nodeOp(OpNodeAdd, "bob", "b", 0, 0, 2000)
			o.BaseSequence = 5
			return o
		}(), false},
		{"client saw an earlier sequence", func() Operation {
			o := nodeOp(OpNodeAdd, "bob", "b", 0, 0, 2000)
			o.BaseSequence = 4
			return o
		}(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tr.Concurrent(base, tc.incoming))
		})
	}
}

func TestTransformCustomRule(t *testing.T) {
	rules := map[RuleKey]Rule{
		{Queued: OpEdgeDelete, Incoming: OpEdgeUpdate}: {
			Name: "drop_update",
			Apply: func(_ *Transformer, _ Operation, in *Operation) bool {
				in.OperationType = OpEdgeDelete
				return true
			},
		},
	}
	tr := NewTransformer(rules, flowsync.Position{}, 0)
	queued := Operation{UserID: "alice", OperationType: OpEdgeDelete, Payload: flowsync.Edge{ID: "e1"}, Timestamp: 1}
	incoming := Operation{UserID: "bob", OperationType: OpEdgeUpdate, Payload: flowsync.Edge{ID: "e1", Source: "a", Target: "b"}, Timestamp: 100000}

	out, fired := tr.Transform([]Operation{queued}, incoming)
	assert.Equal(t, []string{"drop_update"}, fired)
	assert.Equal(t, OpEdgeDelete, out.OperationType)
}
