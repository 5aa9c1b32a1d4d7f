package flowsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType classifies one structural difference between two definitions.
type ChangeType string

const (
	ChangeNodeAdded       ChangeType = "node_added"
	ChangeNodeRemoved     ChangeType = "node_removed"
	ChangeNodeModified    ChangeType = "node_modified"
	ChangeEdgeAdded       ChangeType = "edge_added"
	ChangeEdgeRemoved     ChangeType = "edge_removed"
	ChangeEdgeModified    ChangeType = "edge_modified"
	ChangePropertyChanged ChangeType = "property_changed"
)

// ValueKind returns the kind of value a change of this type carries.
func (t ChangeType) ValueKind() ValueKind {
	switch t {
	case ChangeNodeAdded, ChangeNodeRemoved, ChangeNodeModified:
		return KindNode
	case ChangeEdgeAdded, ChangeEdgeRemoved, ChangeEdgeModified:
		return KindEdge
	default:
		return KindProperty
	}
}

// ChangeRecord is one atomic difference produced by the diff engine.
// Path is "nodes.<id>", "edges.<id>" or a top-level property name.
type ChangeRecord struct {
	Type     ChangeType `json:"type"`
	Path     string     `json:"path"`
	OldValue Value      `json:"oldValue,omitempty"`
	NewValue Value      `json:"newValue,omitempty"`
}

// UnmarshalJSON decodes old and new values into the concrete Value implied by Type.
func (c *ChangeRecord) UnmarshalJSON(b []byte) error {
	var aux struct {
		Type     ChangeType      `json:"type"`
		Path     string          `json:"path"`
		OldValue json.RawMessage `json:"oldValue"`
		NewValue json.RawMessage `json:"newValue"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	kind := aux.Type.ValueKind()
	oldV, err := DecodeValue(kind, aux.OldValue)
	if err != nil {
		return fmt.Errorf("flowsync: change %s old value: %w", aux.Path, err)
	}
	newV, err := DecodeValue(kind, aux.NewValue)
	if err != nil {
		return fmt.Errorf("flowsync: change %s new value: %w", aux.Path, err)
	}
	*c = ChangeRecord{Type: aux.Type, Path: aux.Path, OldValue: oldV, NewValue: newV}
	return nil
}

// NodePath and EdgePath build the stable change paths.
func NodePath(id string) string { return "nodes." + id }
func EdgePath(id string) string { return "edges." + id }

// Visibility of a workflow.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Workflow is the record a definition belongs to.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	OwnerID     string     `json:"ownerId"`
	EngineType  string     `json:"engineType"`
	Tags        []string   `json:"tags"`
	Visibility  Visibility `json:"visibility"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// WorkflowVersion is an immutable numbered snapshot. Versions start at 1.
type WorkflowVersion struct {
	WorkflowID string          `json:"workflowId"`
	Version    int             `json:"version"`
	Definition GraphDefinition `json:"definition"`
	ChangeLog  string          `json:"changeLog,omitempty"`
	AuthorID   string          `json:"authorId"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// WorkflowFork records the lineage edge created by a fork.
// BaseVersion is the original's version at fork time.
type WorkflowFork struct {
	ID                 string    `json:"id"`
	OriginalWorkflowID string    `json:"originalWorkflowId"`
	ForkedWorkflowID   string    `json:"forkedWorkflowId"`
	UserID             string    `json:"userId"`
	BaseVersion        int       `json:"baseVersion"`
	CreatedAt          time.Time `json:"createdAt"`
}

// MergeRequestStatus is the lifecycle state of a merge request.
type MergeRequestStatus string

const (
	MergeRequestDraft  MergeRequestStatus = "DRAFT"
	MergeRequestOpen   MergeRequestStatus = "OPEN"
	MergeRequestMerged MergeRequestStatus = "MERGED"
	MergeRequestClosed MergeRequestStatus = "CLOSED"
)

// Terminal reports whether no further transition is allowed.
func (s MergeRequestStatus) Terminal() bool {
	return s == MergeRequestMerged || s == MergeRequestClosed
}

// CanTransition reports whether from→to is an edge of DRAFT → OPEN → {MERGED, CLOSED}.
func (s MergeRequestStatus) CanTransition(to MergeRequestStatus) bool {
	switch s {
	case MergeRequestDraft:
		return to == MergeRequestOpen
	case MergeRequestOpen:
		return to == MergeRequestMerged || to == MergeRequestClosed
	}
	return false
}

// Valid reports whether s is a known status.
func (s MergeRequestStatus) Valid() bool {
	switch s {
	case MergeRequestDraft, MergeRequestOpen, MergeRequestMerged, MergeRequestClosed:
		return true
	}
	return false
}

// MergeRequest proposes folding a source workflow into a target workflow.
type MergeRequest struct {
	ID               string             `json:"id"`
	SourceWorkflowID string             `json:"sourceWorkflowId"`
	TargetWorkflowID string             `json:"targetWorkflowId"`
	Title            string             `json:"title" validate:"required,max=200"`
	Description      string             `json:"description,omitempty" validate:"max=5000"`
	Status           MergeRequestStatus `json:"status"`
	CreatedBy        string             `json:"createdBy"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictRejected ConflictStatus = "rejected"
)

// ConflictingVersion is one side of a conflict.
type ConflictingVersion struct {
	Version    int             `json:"version"`
	AuthorID   string          `json:"authorId"`
	Definition GraphDefinition `json:"definition"`
	Timestamp  time.Time       `json:"timestamp"`
	Changes    []ChangeRecord  `json:"changes"`
}

// ConflictResolution records two divergent versions awaiting a decision.
type ConflictResolution struct {
	ID                 string                `json:"id"`
	WorkflowID         string                `json:"workflowId"`
	BaseVersion        int                   `json:"baseVersion"`
	Versions           [2]ConflictingVersion `json:"conflictingVersions"`
	ConflictingPaths   []string              `json:"conflictingPaths"`
	ResolvedDefinition *GraphDefinition      `json:"resolvedDefinition,omitempty"`
	Status             ConflictStatus        `json:"status"`
	CreatedAt          time.Time             `json:"createdAt"`
	ResolvedAt         *time.Time            `json:"resolvedAt,omitempty"`
	ResolvedBy         string                `json:"resolvedBy,omitempty"`
}
