package collab

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the NATS subject namespace for room fan-out. Each
// workflow publishes on SubjectPrefix + "." + workflowID.
const SubjectPrefix = "flowsync.rooms"

// Envelope carries one room broadcast between instances.
type Envelope struct {
	Origin     string `json:"origin"`
	WorkflowID string `json:"workflowId"`
	Event      Event  `json:"event"`
}

// Relay fans room broadcasts out to other instances serving the same
// workflow. Implementations must not deliver an instance's own envelopes
// back to it.
type Relay interface {
	Publish(env Envelope) error
	Subscribe(handler func(Envelope)) (unsubscribe func() error, err error)
}

// NATSRelay is a Relay over core NATS subjects.
type NATSRelay struct {
	nc     *nats.Conn
	origin string
	logger *zap.Logger
}

// NewNATSRelay creates a relay publishing as origin, a value unique to
// this process.
func NewNATSRelay(nc *nats.Conn, origin string, logger *zap.Logger) *NATSRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRelay{nc: nc, origin: origin, logger: logger.Named("relay")}
}

// Subject returns the subject a workflow's events travel on.
func Subject(workflowID string) string {
	return SubjectPrefix + "." + workflowID
}

// Publish sends env stamped with this relay's origin.
func (r *NATSRelay) Publish(env Envelope) error {
	env.Origin = r.origin
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.nc.Publish(Subject(env.WorkflowID), b)
}

// Subscribe delivers envelopes published by other instances.
func (r *NATSRelay) Subscribe(handler func(Envelope)) (func() error, error) {
	sub, err := r.nc.Subscribe(SubjectPrefix+".*", func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.logger.Warn("dropping malformed envelope", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if env.Origin == r.origin {
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
