package collab

import (
	"time"
)

// EventType is the "type" of a real-time envelope.
type EventType string

// Events sent to clients.
const (
	EventUserJoined      EventType = "USER_JOINED"
	EventUserLeft        EventType = "USER_LEFT"
	EventCursorUpdate    EventType = "CURSOR_UPDATE"
	EventSelectionUpdate EventType = "SELECTION_UPDATE"
	EventOperation       EventType = "OPERATION"
	EventVersionCreated  EventType = "VERSION_CREATED"
	EventOperationAck    EventType = "operation-ack"
	EventActiveSessions  EventType = "active-sessions"
	EventError           EventType = "error"
)

// Messages sent by clients.
const (
	MsgJoinWorkflow    EventType = "join-workflow"
	MsgLeaveWorkflow   EventType = "leave-workflow"
	MsgCursorUpdate    EventType = "cursor-update"
	MsgSelectionUpdate EventType = "selection-update"
	MsgOperation       EventType = "operation"
	MsgCommitVersion   EventType = "commit-version"
)

// Event is the {type, data} envelope written to a connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Cursor is a pointer position on the canvas, optionally over a node.
type Cursor struct {
	NodeID string  `json:"nodeId,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Selection is the set of nodes and edges a user has selected.
type Selection struct {
	NodeIDs []string `json:"nodeIds"`
	EdgeIDs []string `json:"edgeIds"`
}

// Session is one connection's presence on a workflow.
type Session struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflowId"`
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName,omitempty"`
	ConnectionID string     `json:"connectionId"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
}

type userJoined struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type userLeft struct {
	UserID string `json:"userId"`
}

type cursorMoved struct {
	UserID string `json:"userId"`
	Cursor Cursor `json:"cursor"`
}

type selectionChanged struct {
	UserID    string    `json:"userId"`
	Selection Selection `json:"selection"`
}

type operationAck struct {
	OperationID string `json:"operationId"`
	Sequence    uint64 `json:"sequence"`
}

type activeSessions struct {
	Sessions []Session `json:"sessions"`
}

type versionCreated struct {
	WorkflowID string `json:"workflowId"`
	Version    int    `json:"version"`
	AuthorID   string `json:"authorId"`
}

type errorMessage struct {
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
}

// ErrorEvent builds the "error" event sent to a client whose request failed.
func ErrorEvent(err error, operationID string) Event {
	return Event{Type: EventError, Data: errorMessage{Message: err.Error(), OperationID: operationID}}
}
