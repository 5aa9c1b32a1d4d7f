package collab

import (
	"errors"
	"sort"
	"sync"
)

var errRoomClosed = errors.New("collab: room closed")

// member is a joined connection and its presence.
type member struct {
	conn     Conn
	session  Session
	canWrite bool
}

// room serializes everything that happens on one workflow. Its state is
// only touched from the run goroutine.
type room struct {
	workflowID string
	cmds       chan func()
	quit       chan struct{}
	stopOnce   sync.Once

	// owned by run
	members map[string]*member
	queue   []Operation
	seq     uint64
}

func newRoom(workflowID string) *room {
	r := &room{
		workflowID: workflowID,
		cmds:       make(chan func(), 64),
		quit:       make(chan struct{}),
		members:    make(map[string]*member),
	}
	go r.run()
	return r
}

func (r *room) run() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.quit:
			return
		}
	}
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *room) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(done) }:
	case <-r.quit:
		return errRoomClosed
	}
	select {
	case <-done:
		return nil
	case <-r.quit:
		return errRoomClosed
	}
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// broadcast sends ev to every member except the connection skip.
func (r *room) broadcast(ev Event, skip string) {
	for id, m := range r.members {
		if id == skip {
			continue
		}
		_ = m.conn.Send(ev)
	}
}

// sessions returns the room's sessions ordered by connection id.
func (r *room) sessions() []Session {
	out := make([]Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// enqueue records op, keeping at most limit operations.
func (r *room) enqueue(op Operation, limit int) {
	r.queue = append(r.queue, op)
	if limit > 0 && len(r.queue) > limit {
		r.queue = append(r.queue[:0:0], r.queue[len(r.queue)-limit:]...)
	}
}
