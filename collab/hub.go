// Package collab coordinates live editing sessions. Each workflow with at
// least one connected editor gets a room: a single goroutine that owns the
// room's presence and recent operations, so events for one workflow are
// handled and delivered in one order.
package collab

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/meikuraledutech/flowsync"
	"go.uber.org/zap"
)

// Conn is one client connection as the hub sees it. Send must not block;
// transports buffer or drop. A Conn that also implements io.Closer is
// closed when the hub evicts it.
type Conn interface {
	ID() string
	Send(ev Event) error
}

// Config tunes the hub.
type Config struct {
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	ConcurrencyWindow time.Duration
	NodeOffset        flowsync.Position
	QueueLimit        int
	SendBuffer        int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		ConcurrencyWindow: 2 * time.Second,
		NodeOffset:        flowsync.Position{X: 50, Y: 50},
		QueueLimit:        256,
		SendBuffer:        64,
	}
}

// Hub routes connections to per-workflow rooms.
type Hub struct {
	versions    flowsync.VersionStore
	access      flowsync.AccessControl
	ids         flowsync.IDGenerator
	cfg         Config
	rules       map[RuleKey]Rule
	transformer *Transformer
	relay       Relay
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	rooms  map[string]*room
	joined map[string]int    // members per workflow, guarded by mu
	conns  map[string]string // connection id -> workflow id
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option { return func(h *Hub) { h.cfg = cfg } }

// WithRules replaces DefaultRules.
func WithRules(rules map[RuleKey]Rule) Option { return func(h *Hub) { h.rules = rules } }

// WithRelay fans room broadcasts out to other instances.
func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

// WithMetrics attaches collaboration metrics.
func WithMetrics(m *Metrics) Option { return func(h *Hub) { h.metrics = m } }

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l.Named("collab")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// NewHub creates a hub. versions is used for commits made from a live
// session; access gates joins, operations and commits.
func NewHub(versions flowsync.VersionStore, access flowsync.AccessControl, ids flowsync.IDGenerator, opts ...Option) *Hub {
	h := &Hub{
		versions: versions,
		access:   access,
		ids:      ids,
		cfg:      DefaultConfig(),
		rules:    DefaultRules(),
		logger:   zap.NewNop(),
		now:      time.Now,
		rooms:    make(map[string]*room),
		joined:   make(map[string]int),
		conns:    make(map[string]string),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	h.transformer = NewTransformer(h.rules, h.cfg.NodeOffset, h.cfg.ConcurrencyWindow)
	return h
}

// Config returns the hub settings.
func (h *Hub) Config() Config { return h.cfg }

// Join registers conn on workflowID. Other members see USER_JOINED and the
// joiner receives the room's active sessions, itself included. A connection
// already in a room leaves it first.
func (h *Hub) Join(ctx context.Context, conn Conn, workflowID, userID, userName string) (*Session, error) {
	const op = "join workflow"
	if workflowID == "" {
		return nil, flowsync.Validationf(op, "workflowId", "is required")
	}
	if userID == "" {
		return nil, flowsync.Validationf(op, "userId", "is required")
	}
	ok, err := h.access.HasAccess(ctx, workflowID, userID, flowsync.PermissionRead)
	if err != nil {
		return nil, fmt.Errorf("flowsync: check access: %w", err)
	}
	if !ok {
		return nil, flowsync.Permissionf(op, "user %s cannot read workflow %s", userID, workflowID)
	}
	canWrite, err := h.access.HasAccess(ctx, workflowID, userID, flowsync.PermissionWrite)
	if err != nil {
		return nil, fmt.Errorf("flowsync: check access: %w", err)
	}

	h.Leave(conn.ID())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, flowsync.Statef(op, "hub is shut down")
	}
	r, ok := h.rooms[workflowID]
	if !ok {
		r = newRoom(workflowID)
		h.rooms[workflowID] = r
	}
	h.joined[workflowID]++
	h.conns[conn.ID()] = workflowID
	h.mu.Unlock()

	s := Session{
		ID:           h.ids.NewID(),
		WorkflowID:   workflowID,
		UserID:       userID,
		UserName:     userName,
		ConnectionID: conn.ID(),
		LastActivity: h.now().UTC(),
	}
	err = r.do(func() {
		r.members[conn.ID()] = &member{conn: conn, session: s, canWrite: canWrite}
		ev := Event{Type: EventUserJoined, Data: userJoined{UserID: userID, UserName: userName}}
		r.broadcast(ev, conn.ID())
		h.publish(workflowID, ev)
		_ = conn.Send(Event{Type: EventActiveSessions, Data: activeSessions{Sessions: r.sessions()}})
	})
	if err != nil {
		return nil, flowsync.Statef(op, "hub is shut down")
	}
	h.metrics.Sessions.Inc()
	h.logger.Debug("session joined",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID()))
	return &s, nil
}

// Leave removes the connection's session, notifies the rest of the room
// and discards the room when it empties. It reports whether the
// connection had joined anything. Disconnects take the same path.
func (h *Hub) Leave(connID string) bool {
	h.mu.Lock()
	workflowID, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, connID)
	r := h.rooms[workflowID]
	h.joined[workflowID]--
	last := h.joined[workflowID] == 0
	if last {
		delete(h.rooms, workflowID)
		delete(h.joined, workflowID)
	}
	h.mu.Unlock()

	_ = r.do(func() {
		m, ok := r.members[connID]
		if !ok {
			return
		}
		delete(r.members, connID)
		ev := Event{Type: EventUserLeft, Data: userLeft{UserID: m.session.UserID}}
		r.broadcast(ev, "")
		h.publish(workflowID, ev)
	})
	if last {
		r.stop()
	}
	h.metrics.Sessions.Dec()
	h.logger.Debug("session left",
		zap.String("workflow_id", workflowID),
		zap.String("connection_id", connID))
	return true
}

// UpdateCursor stores the connection's cursor and rebroadcasts it to the
// other members.
func (h *Hub) UpdateCursor(connID string, c Cursor) error {
	return h.withMember("update cursor", connID, func(r *room, m *member) error {
		m.session.Cursor = &c
		m.session.LastActivity = h.now().UTC()
		ev := Event{Type: EventCursorUpdate, Data: cursorMoved{UserID: m.session.UserID, Cursor: c}}
		r.broadcast(ev, connID)
		h.publish(r.workflowID, ev)
		return nil
	})
}

// UpdateSelection stores the connection's selection and rebroadcasts it to
// the other members.
func (h *Hub) UpdateSelection(connID string, sel Selection) error {
	if sel.NodeIDs == nil {
		sel.NodeIDs = []string{}
	}
	if sel.EdgeIDs == nil {
		sel.EdgeIDs = []string{}
	}
	return h.withMember("update selection", connID, func(r *room, m *member) error {
		m.session.Selection = &sel
		m.session.LastActivity = h.now().UTC()
		ev := Event{Type: EventSelectionUpdate, Data: selectionChanged{UserID: m.session.UserID, Selection: sel}}
		r.broadcast(ev, connID)
		h.publish(r.workflowID, ev)
		return nil
	})
}

// SubmitOperation transforms op against the room's recent concurrent
// operations, queues it, broadcasts it to the other members and
// acknowledges it to the submitter. The room fills in workflow, user,
// sequence and, when missing, id and timestamp.
func (h *Hub) SubmitOperation(connID string, op Operation) (Operation, error) {
	const name = "submit operation"
	var out Operation
	err := h.withMember(name, connID, func(r *room, m *member) error {
		if !m.canWrite {
			return flowsync.Permissionf(name, "user %s cannot edit workflow %s", m.session.UserID, r.workflowID)
		}
		now := h.now()
		op.WorkflowID = r.workflowID
		op.UserID = m.session.UserID
		if op.ID == "" {
			op.ID = h.ids.NewID()
		}
		if op.Timestamp == 0 {
			op.Timestamp = now.UnixMilli()
		}
		if err := op.Validate(); err != nil {
			return err
		}

		applied, fired := h.transformer.Transform(r.queue, op)
		for _, rule := range fired {
			h.metrics.Transforms.WithLabelValues(rule).Inc()
		}
		if len(fired) > 0 {
			h.logger.Debug("operation transformed",
				zap.String("workflow_id", r.workflowID),
				zap.String("operation_id", applied.ID),
				zap.Strings("rules", fired))
		}
		r.seq++
		applied.Sequence = r.seq
		applied.Applied = true
		r.enqueue(applied, h.cfg.QueueLimit)
		m.session.LastActivity = now.UTC()

		ev := Event{Type: EventOperation, Data: applied}
		r.broadcast(ev, connID)
		h.publish(r.workflowID, ev)
		_ = m.conn.Send(Event{Type: EventOperationAck, Data: operationAck{OperationID: applied.ID, Sequence: applied.Sequence}})
		h.metrics.Operations.WithLabelValues(string(applied.OperationType)).Inc()
		out = applied
		return nil
	})
	return out, err
}

// CommitVersion stores def as the next version of the connection's
// workflow and tells every member, the committer included.
func (h *Hub) CommitVersion(ctx context.Context, connID string, def flowsync.GraphDefinition, changeLog string) (*flowsync.WorkflowVersion, error) {
	const op = "commit version"
	var workflowID, userID string
	err := h.withMember(op, connID, func(r *room, m *member) error {
		workflowID, userID = r.workflowID, m.session.UserID
		m.session.LastActivity = h.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flowsync.ValidateDefinition(def); err != nil {
		return nil, err
	}
	ok, err := h.access.HasAccess(ctx, workflowID, userID, flowsync.PermissionWrite)
	if err != nil {
		return nil, fmt.Errorf("flowsync: check access: %w", err)
	}
	if !ok {
		return nil, flowsync.Permissionf(op, "user %s cannot edit workflow %s", userID, workflowID)
	}
	if changeLog == "" {
		changeLog = "Saved from live session"
	}
	v, err := flowsync.RetryOnConflict(ctx, func() (*flowsync.WorkflowVersion, error) {
		return h.versions.CreateVersion(ctx, workflowID, def, changeLog, userID)
	})
	if err != nil {
		return nil, err
	}

	ev := Event{Type: EventVersionCreated, Data: versionCreated{WorkflowID: workflowID, Version: v.Version, AuthorID: userID}}
	if r := h.room(workflowID); r != nil {
		_ = r.do(func() { r.broadcast(ev, "") })
	}
	h.publish(workflowID, ev)
	h.logger.Info("version committed from session",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID),
		zap.Int("version", v.Version))
	return v, nil
}

// Sessions returns the sessions joined to workflowID on this instance.
func (h *Hub) Sessions(workflowID string) []Session {
	out := []Session{}
	if r := h.room(workflowID); r != nil {
		_ = r.do(func() { out = r.sessions() })
	}
	return out
}

// Run delivers relayed events and evicts idle sessions until ctx is done,
// then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	defer h.Close()
	if h.relay != nil {
		unsubscribe, err := h.relay.Subscribe(h.deliver)
		if err != nil {
			return fmt.Errorf("flowsync: subscribe relay: %w", err)
		}
		defer func() { _ = unsubscribe() }()
	}
	interval := h.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.Sweep()
		}
	}
}

// Sweep evicts sessions idle for longer than the configured timeout and
// returns how many it removed.
func (h *Hub) Sweep() int {
	if h.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := h.now().UTC().Add(-h.cfg.IdleTimeout)
	var idle []Conn
	for _, r := range h.snapshot() {
		_ = r.do(func() {
			for _, m := range r.members {
				if m.session.LastActivity.Before(cutoff) {
					idle = append(idle, m.conn)
				}
			}
		})
	}
	for _, c := range idle {
		if h.Leave(c.ID()) {
			h.logger.Info("evicted idle session", zap.String("connection_id", c.ID()))
		}
		if cl, ok := c.(io.Closer); ok {
			_ = cl.Close()
		}
	}
	return len(idle)
}

// Close stops every room and closes the connections in them. Later joins
// fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	h.joined = make(map[string]int)
	h.conns = make(map[string]string)
	h.mu.Unlock()

	for _, r := range rooms {
		var conns []Conn
		_ = r.do(func() {
			for _, m := range r.members {
				conns = append(conns, m.conn)
			}
		})
		r.stop()
		for _, c := range conns {
			if cl, ok := c.(io.Closer); ok {
				_ = cl.Close()
			}
		}
	}
	h.metrics.Sessions.Set(0)
}

// deliver hands an event from another instance to local members.
func (h *Hub) deliver(env Envelope) {
	r := h.room(env.WorkflowID)
	if r == nil {
		return
	}
	_ = r.do(func() { r.broadcast(env.Event, "") })
}

func (h *Hub) publish(workflowID string, ev Event) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(Envelope{WorkflowID: workflowID, Event: ev}); err != nil {
		h.logger.Warn("relay publish failed", zap.String("workflow_id", workflowID), zap.Error(err))
	}
}

func (h *Hub) room(workflowID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[workflowID]
}

func (h *Hub) snapshot() []*room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

// withMember runs fn on the room goroutine with the connection's member.
func (h *Hub) withMember(op, connID string, fn func(*room, *member) error) error {
	h.mu.Lock()
	workflowID, ok := h.conns[connID]
	r := h.rooms[workflowID]
	h.mu.Unlock()
	if !ok || r == nil {
		return flowsync.Statef(op, "connection %s has not joined a workflow", connID)
	}
	var ferr error
	err := r.do(func() {
		m, ok := r.members[connID]
		if !ok {
			ferr = flowsync.Statef(op, "connection %s has not joined a workflow", connID)
			return
		}
		ferr = fn(r, m)
	})
	if err != nil {
		return flowsync.Statef(op, "connection %s has left", connID)
	}
	return ferr
}
