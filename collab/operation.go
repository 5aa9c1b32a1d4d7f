package collab

import (
	"encoding/json"
	"fmt"

	"github.com/meikuraledutech/flowsync"
)

// OperationType names one kind of live edit.
type OperationType string

const (
	OpNodeAdd        OperationType = "NODE_ADD"
	OpNodeUpdate     OperationType = "NODE_UPDATE"
	OpNodeDelete     OperationType = "NODE_DELETE"
	OpEdgeAdd        OperationType = "EDGE_ADD"
	OpEdgeUpdate     OperationType = "EDGE_UPDATE"
	OpEdgeDelete     OperationType = "EDGE_DELETE"
	OpWorkflowUpdate OperationType = "WORKFLOW_UPDATE"
)

// OperationTypes lists every operation type.
var OperationTypes = []OperationType{
	OpNodeAdd, OpNodeUpdate, OpNodeDelete,
	OpEdgeAdd, OpEdgeUpdate, OpEdgeDelete,
	OpWorkflowUpdate,
}

// PayloadKind returns the value kind an operation of type t carries, or ""
// for unknown types.
func (t OperationType) PayloadKind() flowsync.ValueKind {
	switch t {
	case OpNodeAdd, OpNodeUpdate, OpNodeDelete:
		return flowsync.KindNode
	case OpEdgeAdd, OpEdgeUpdate, OpEdgeDelete:
		return flowsync.KindEdge
	case OpWorkflowUpdate:
		return flowsync.KindProperty
	}
	return ""
}

// Operation is one live edit. Timestamp is Unix milliseconds as sent by the
// client. Sequence is assigned by the room; BaseSequence is the last
// sequence the client had seen when it produced the edit, 0 if unknown.
type Operation struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflowId"`
	UserID        string         `json:"userId"`
	OperationType OperationType  `json:"operationType"`
	Payload       flowsync.Value `json:"payload"`
	Timestamp     int64          `json:"timestamp"`
	Applied       bool           `json:"applied"`
	Sequence      uint64         `json:"sequence,omitempty"`
	BaseSequence  uint64         `json:"baseSequence,omitempty"`
}

// UnmarshalJSON decodes the payload into the Value implied by OperationType.
func (o *Operation) UnmarshalJSON(b []byte) error {
	type plain Operation
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	kind := aux.OperationType.PayloadKind()
	if kind == "" {
		return flowsync.Validationf("decode operation", "operationType", "unknown operation type %q", aux.OperationType)
	}
	payload, err := flowsync.DecodeValue(kind, aux.Payload)
	if err != nil {
		return flowsync.Validationf("decode operation", "payload", "%v", err)
	}
	*o = Operation(aux.plain)
	o.Payload = payload
	return nil
}

// TargetID returns the node or edge id the operation addresses, or "".
func (o Operation) TargetID() string {
	switch p := o.Payload.(type) {
	case flowsync.Node:
		return p.ID
	case flowsync.Edge:
		return p.ID
	}
	return ""
}

// Validate checks that the payload matches the operation type and names
// its target.
func (o Operation) Validate() error {
	const op = "submit operation"
	kind := o.OperationType.PayloadKind()
	if kind == "" {
		return flowsync.Validationf(op, "operationType", "unknown operation type %q", o.OperationType)
	}
	if o.Payload == nil || o.Payload.Kind() != kind {
		return flowsync.Validationf(op, "payload", "%s requires a %s payload", o.OperationType, kind)
	}
	if kind != flowsync.KindProperty && o.TargetID() == "" {
		return flowsync.Validationf(op, "payload.id", "is required")
	}
	if e, ok := o.Payload.(flowsync.Edge); ok && o.OperationType != OpEdgeDelete {
		if e.Source == "" || e.Target == "" {
			return flowsync.Validationf(op, "payload", "edge %s needs source and target", e.ID)
		}
	}
	return nil
}

func (o Operation) String() string {
	return fmt.Sprintf("%s(%s) by %s", o.OperationType, o.TargetID(), o.UserID)
}
