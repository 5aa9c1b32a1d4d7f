package collab

import (
	"math"
	"time"

	"github.com/meikuraledutech/flowsync"
)

// RuleKey selects a transform: the type of an already-queued concurrent
// operation and the type of the incoming one.
type RuleKey struct {
	Queued   OperationType
	Incoming OperationType
}

// Rule adjusts incoming against one concurrent queued operation and reports
// whether it changed anything.
type Rule struct {
	Name  string
	Apply func(t *Transformer, queued Operation, incoming *Operation) bool
}

// DefaultRules is the transform table. Pairs that are not listed pass
// through unchanged. New conflict shapes are new entries.
func DefaultRules() map[RuleKey]Rule {
	return map[RuleKey]Rule{
		{Queued: OpNodeAdd, Incoming: OpNodeAdd}: {
			Name:  "offset_concurrent_add",
			Apply: offsetConcurrentAdd,
		},
		{Queued: OpNodeDelete, Incoming: OpNodeUpdate}: {
			Name:  "recreate_deleted_node",
			Apply: recreateDeletedNode,
		},
	}
}

// Transformer applies the rule table to incoming operations. It is a
// best-effort convergence aid for the two conflict shapes seen in practice,
// not a CRDT: arbitrary interleavings may still diverge.
type Transformer struct {
	rules  map[RuleKey]Rule
	offset flowsync.Position
	window time.Duration
}

// NewTransformer creates a Transformer. offset is the shift applied to a
// node added on top of a concurrently added node; window bounds how far
// apart two operations' timestamps may be to count as concurrent.
func NewTransformer(rules map[RuleKey]Rule, offset flowsync.Position, window time.Duration) *Transformer {
	return &Transformer{rules: rules, offset: offset, window: window}
}

// Concurrent reports whether queued was produced without knowledge of
// incoming's author: another user, not later than incoming, inside the
// window, and not already seen by the client.
func (t *Transformer) Concurrent(queued, incoming Operation) bool {
	if queued.UserID == incoming.UserID {
		return false
	}
	if queued.Timestamp > incoming.Timestamp {
		return false
	}
	if t.window > 0 && time.Duration(incoming.Timestamp-queued.Timestamp)*time.Millisecond > t.window {
		return false
	}
	return incoming.BaseSequence == 0 || queued.Sequence > incoming.BaseSequence
}

// Transform runs incoming against every concurrent operation in queue, in
// queue order, and returns the adjusted operation with the names of the
// rules that changed it.
func (t *Transformer) Transform(queue []Operation, incoming Operation) (Operation, []string) {
	var fired []string
	for _, q := range queue {
		if !t.Concurrent(q, incoming) {
			continue
		}
		rule, ok := t.rules[RuleKey{Queued: q.OperationType, Incoming: incoming.OperationType}]
		if !ok {
			continue
		}
		if rule.Apply(t, q, &incoming) {
			fired = append(fired, rule.Name)
		}
	}
	return incoming, fired
}

// offsetConcurrentAdd shifts a new node that would land on top of a node
// another user just added.
func offsetConcurrentAdd(t *Transformer, queued Operation, incoming *Operation) bool {
	q, ok := queued.Payload.(flowsync.Node)
	if !ok {
		return false
	}
	n, ok := incoming.Payload.(flowsync.Node)
	if !ok {
		return false
	}
	if !overlaps(n.Position.X-q.Position.X, t.offset.X) || !overlaps(n.Position.Y-q.Position.Y, t.offset.Y) {
		return false
	}
	n.Position.X += t.offset.X
	n.Position.Y += t.offset.Y
	incoming.Payload = n
	return true
}

// overlaps reports whether a coordinate delta falls inside one offset step.
func overlaps(delta, step float64) bool {
	return math.Abs(delta) < math.Max(math.Abs(step), 1)
}

// recreateDeletedNode turns an update of a node another user deleted into
// an add carrying the update's payload, so the edit survives.
func recreateDeletedNode(_ *Transformer, queued Operation, incoming *Operation) bool {
	if queued.TargetID() == "" || queued.TargetID() != incoming.TargetID() {
		return false
	}
	incoming.OperationType = OpNodeAdd
	return true
}
