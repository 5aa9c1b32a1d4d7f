package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

// fakeConn records every event sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// of returns the events of type typ received so far.
func (c *fakeConn) of(typ EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRelay records published envelopes and lets tests inject remote ones.
type fakeRelay struct {
	mu        sync.Mutex
	published []Envelope
	handler   func(Envelope)
}

func (r *fakeRelay) Publish(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, env)
	return nil
}

func (r *fakeRelay) Subscribe(h func(Envelope)) (func() error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
	return func() error { return nil }, nil
}

func (r *fakeRelay) subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

type hubFixture struct {
	store   *memstore.Store
	hub     *Hub
	metrics *Metrics
	now     time.Time
	mu      sync.Mutex
}

func (f *hubFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *hubFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// newHubFixture creates workflow "wf" owned by alice; bob may write, carol
// may only read.
func newHubFixture(t *testing.T, opts ...Option) *hubFixture {
	t.Helper()
	store := memstore.New()
	wf := &flowsync.Workflow{ID: "wf", Name: "Flow", OwnerID: "alice", Visibility: flowsync.VisibilityPrivate}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf, flowsync.GraphDefinition{}))
	store.Grant("wf", "bob", flowsync.PermissionWrite)
	store.Grant("wf", "carol", flowsync.PermissionRead)

	f := &hubFixture{
		store:   store,
		metrics: NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithMetrics(f.metrics), WithClock(f.clock)}, opts...)
	f.hub = NewHub(store, store, &seqIDs{}, opts...)
	t.Cleanup(f.hub.Close)
	return f
}

func (f *hubFixture) join(t *testing.T, connID, userID string) *fakeConn {
	t.Helper()
	c := newFakeConn(connID)
	_, err := f.hub.Join(context.Background(), c, "wf", userID, userID)
	require.NoError(t, err)
	return c
}

func TestJoinSendsActiveSessionsAndAnnounces(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")

	got := a.of(EventActiveSessions)
	require.Len(t, got, 1)
	sessions := got[0].Data.(activeSessions).Sessions
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].UserID)
	assert.Equal(t, "c1", sessions[0].ConnectionID)

	b := f.join(t, "c2", "bob")
	joined := a.of(EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, userJoined{UserID: "bob", UserName: "bob"}, joined[0].Data)
	assert.Empty(t, b.of(EventUserJoined))

	got = b.of(EventActiveSessions)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Data.(activeSessions).Sessions, 2)

	assert.Len(t, f.hub.Sessions("wf"), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Sessions))
}

func TestJoinRejections(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()

	_, err := f.hub.Join(ctx, newFakeConn("c1"), "", "alice", "")
	assert.ErrorIs(t, err, flowsync.ErrValidation)
	_, err = f.hub.Join(ctx, newFakeConn("c1"), "wf", "", "")
	assert.ErrorIs(t, err, flowsync.ErrValidation)
	_, err = f.hub.Join(ctx, newFakeConn("c1"), "wf", "mallory", "")
	assert.ErrorIs(t, err, flowsync.ErrPermission)
	assert.Empty(t, f.hub.Sessions("wf"))

	f.hub.Close()
	_, err = f.hub.Join(ctx, newFakeConn("c1"), "wf", "alice", "")
	assert.ErrorIs(t, err, flowsync.ErrState)
}

func TestLeaveNotifiesAndDropsEmptyRoom(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	f.join(t, "c2", "bob")

	assert.True(t, f.hub.Leave("c2"))
	assert.False(t, f.hub.Leave("c2"))

	left := a.of(EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, userLeft{UserID: "bob"}, left[0].Data)
	assert.Len(t, f.hub.Sessions("wf"), 1)

	assert.True(t, f.hub.Leave("c1"))
	assert.Nil(t, f.hub.room("wf"))
	assert.Empty(t, f.hub.Sessions("wf"))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Sessions))
}

func TestRejoinMovesConnection(t *testing.T) {
	f := newHubFixture(t)
	require.NoError(t, f.store.CreateWorkflow(context.Background(),
		&flowsync.Workflow{ID: "other", OwnerID: "alice"}, flowsync.GraphDefinition{}))
	c := f.join(t, "c1", "alice")

	_, err := f.hub.Join(context.Background(), c, "other", "alice", "alice")
	require.NoError(t, err)
	assert.Empty(t, f.hub.Sessions("wf"))
	assert.Len(t, f.hub.Sessions("other"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Sessions))
}

func TestCursorAndSelectionReachOthersOnly(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	b := f.join(t, "c2", "bob")

	require.NoError(t, f.hub.UpdateCursor("c1", Cursor{NodeID: "n1", X: 3, Y: 4}))
	require.NoError(t, f.hub.UpdateSelection("c1", Selection{NodeIDs: []string{"n1"}}))

	assert.Empty(t, a.of(EventCursorUpdate))
	cur := b.of(EventCursorUpdate)
	require.Len(t, cur, 1)
	assert.Equal(t, cursorMoved{UserID: "alice", Cursor: Cursor{NodeID: "n1", X: 3, Y: 4}}, cur[0].Data)

	sel := b.of(EventSelectionUpdate)
	require.Len(t, sel, 1)
	assert.Equal(t, []string{}, sel[0].Data.(selectionChanged).Selection.EdgeIDs)

	sessions := f.hub.Sessions("wf")
	require.Len(t, sessions, 2)
	require.NotNil(t, sessions[0].Cursor)
	assert.Equal(t, 3.0, sessions[0].Cursor.X)
	require.NotNil(t, sessions[0].Selection)

	err := f.hub.UpdateCursor("ghost", Cursor{})
	assert.ErrorIs(t, err, flowsync.ErrState)
}

func TestSubmitOperationBroadcastsAndAcks(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	b := f.join(t, "c2", "bob")

	out, err := f.hub.SubmitOperation("c1", Operation{
		OperationType: OpNodeAdd,
		Payload:       flowsync.Node{ID: "n1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wf", out.WorkflowID)
	assert.Equal(t, "alice", out.UserID)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, f.clock().UnixMilli(), out.Timestamp)
	assert.Equal(t, uint64(1), out.Sequence)
	assert.True(t, out.Applied)

	assert.Empty(t, a.of(EventOperation))
	ops := b.of(EventOperation)
	require.Len(t, ops, 1)
	assert.Equal(t, out, ops[0].Data)

	acks := a.of(EventOperationAck)
	require.Len(t, acks, 1)
	assert.Equal(t, operationAck{OperationID: out.ID, Sequence: 1}, acks[0].Data)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("NODE_ADD")))
}

func TestSubmitOperationTransformsConcurrentAdd(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	f.join(t, "c2", "bob")
	ts := f.clock().UnixMilli()

	_, err := f.hub.SubmitOperation("c1", Operation{
		OperationType: OpNodeAdd,
		Payload:       flowsync.Node{ID: "a", Position: flowsync.Position{X: 100, Y: 100}},
		Timestamp:     ts,
	})
	require.NoError(t, err)

	out, err := f.hub.SubmitOperation("c2", Operation{
		OperationType: OpNodeAdd,
		Payload:       flowsync.Node{ID: "b", Position: flowsync.Position{X: 100, Y: 100}},
		Timestamp:     ts + 500,
	})
	require.NoError(t, err)
	assert.Equal(t, flowsync.Position{X: 150, Y: 150}, out.Payload.(flowsync.Node).Position)
	assert.Equal(t, uint64(2), out.Sequence)

	ops := a.of(EventOperation)
	require.Len(t, ops, 1)
	assert.Equal(t, flowsync.Position{X: 150, Y: 150}, ops[0].Data.(Operation).Payload.(flowsync.Node).Position)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Transforms.WithLabelValues("offset_concurrent_add")))
}

func TestSubmitOperationTurnsUpdateOfDeletedNodeIntoAdd(t *testing.T) {
	f := newHubFixture(t)
	f.join(t, "c1", "alice")
	f.join(t, "c2", "bob")
	ts := f.clock().UnixMilli()

	_, err := f.hub.SubmitOperation("c1", Operation{OperationType: OpNodeDelete, Payload: flowsync.Node{ID: "n1"}, Timestamp: ts})
	require.NoError(t, err)
	out, err := f.hub.SubmitOperation("c2", Operation{OperationType: OpNodeUpdate, Payload: flowsync.Node{ID: "n1", Type: "task"}, Timestamp: ts + 10})
	require.NoError(t, err)
	assert.Equal(t, OpNodeAdd, out.OperationType)
}

func TestSubmitOperationRejections(t *testing.T) {
	f := newHubFixture(t)
	f.join(t, "c1", "alice")
	c := f.join(t, "c3", "carol")

	_, err := f.hub.SubmitOperation("c3", Operation{OperationType: OpNodeAdd, Payload: flowsync.Node{ID: "n1"}})
	assert.ErrorIs(t, err, flowsync.ErrPermission)
	assert.Empty(t, c.of(EventOperationAck))

	_, err = f.hub.SubmitOperation("c1", Operation{OperationType: OpEdgeAdd, Payload: flowsync.Edge{ID: "e1"}})
	assert.ErrorIs(t, err, flowsync.ErrValidation)

	_, err = f.hub.SubmitOperation("nobody", Operation{OperationType: OpNodeAdd, Payload: flowsync.Node{ID: "n1"}})
	assert.ErrorIs(t, err, flowsync.ErrState)
}

func TestOperationQueueIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLimit = 3
	f := newHubFixture(t, WithConfig(cfg))
	f.join(t, "c1", "alice")

	for i := 0; i < 5; i++ {
		_, err := f.hub.SubmitOperation("c1", Operation{OperationType: OpNodeAdd, Payload: flowsync.Node{ID: fmt.Sprintf("n%d", i)}})
		require.NoError(t, err)
	}
	r := f.hub.room("wf")
	require.NotNil(t, r)
	var seqs []uint64
	require.NoError(t, r.do(func() {
		for _, op := range r.queue {
			seqs = append(seqs, op.Sequence)
		}
	}))
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestCommitVersionBroadcastsToEveryone(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	b := f.join(t, "c2", "bob")
	c := f.join(t, "c3", "carol")
	ctx := context.Background()

	def := flowsync.GraphDefinition{Nodes: []flowsync.Node{{ID: "n1"}}}
	v, err := f.hub.CommitVersion(ctx, "c2", def, "")
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, "Saved from live session", v.ChangeLog)
	assert.Equal(t, "bob", v.AuthorID)

	for _, conn := range []*fakeConn{a, b, c} {
		got := conn.of(EventVersionCreated)
		require.Len(t, got, 1, conn.id)
		assert.Equal(t, versionCreated{WorkflowID: "wf", Version: 2, AuthorID: "bob"}, got[0].Data)
	}

	_, err = f.hub.CommitVersion(ctx, "c3", def, "")
	assert.ErrorIs(t, err, flowsync.ErrPermission)

	bad := flowsync.GraphDefinition{Edges: []flowsync.Edge{{ID: "e1", Source: "x", Target: "y"}}}
	_, err = f.hub.CommitVersion(ctx, "c1", bad, "")
	assert.ErrorIs(t, err, flowsync.ErrValidation)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	f := newHubFixture(t, WithConfig(cfg))
	a := f.join(t, "c1", "alice")
	b := f.join(t, "c2", "bob")

	f.advance(45 * time.Second)
	require.NoError(t, f.hub.UpdateCursor("c2", Cursor{X: 1}))
	f.advance(30 * time.Second)

	assert.Equal(t, 1, f.hub.Sweep())
	assert.True(t, a.isClosed())
	assert.False(t, b.isClosed())

	left := b.of(EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, userLeft{UserID: "alice"}, left[0].Data)

	sessions := f.hub.Sessions("wf")
	require.Len(t, sessions, 1)
	assert.Equal(t, "bob", sessions[0].UserID)
	assert.Equal(t, 0, f.hub.Sweep())
}

func TestCloseClosesConnections(t *testing.T) {
	f := newHubFixture(t)
	a := f.join(t, "c1", "alice")
	f.hub.Close()
	assert.True(t, a.isClosed())
	assert.Empty(t, f.hub.Sessions("wf"))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Sessions))
}

func TestRelayFansOutAndDelivers(t *testing.T) {
	relay := &fakeRelay{}
	f := newHubFixture(t, WithRelay(relay))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.hub.Run(ctx) }()
	require.Eventually(t, relay.subscribed, time.Second, 5*time.Millisecond)

	a := f.join(t, "c1", "alice")
	_, err := f.hub.SubmitOperation("c1", Operation{OperationType: OpNodeAdd, Payload: flowsync.Node{ID: "n1"}})
	require.NoError(t, err)

	relay.mu.Lock()
	var types []EventType
	for _, env := range relay.published {
		assert.Equal(t, "wf", env.WorkflowID)
		types = append(types, env.Event.Type)
	}
	handler := relay.handler
	relay.mu.Unlock()
	assert.Equal(t, []EventType{EventUserJoined, EventOperation}, types)

	// an event from another instance reaches every local member
	handler(Envelope{Origin: "elsewhere", WorkflowID: "wf", Event: Event{Type: EventCursorUpdate, Data: cursorMoved{UserID: "dave"}}})
	assert.Len(t, a.of(EventCursorUpdate), 1)

	// events for workflows without local members are dropped
	handler(Envelope{Origin: "elsewhere", WorkflowID: "nobody-here", Event: Event{Type: EventCursorUpdate}})

	cancel()
	require.NoError(t, <-done)
	assert.True(t, a.isClosed())
}
