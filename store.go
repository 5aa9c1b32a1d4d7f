package flowsync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// VersionStore persists the append-only version history of workflows.
type VersionStore interface {
	// CreateVersion stores def as latest+1 and bumps the workflow's current
	// version in one step. Losing a race returns an ErrConcurrency error.
	CreateVersion(ctx context.Context, workflowID string, def GraphDefinition, changeLog, authorID string) (*WorkflowVersion, error)
	// GetDefinition returns the definition of the latest version, or nil, nil.
	GetDefinition(ctx context.Context, workflowID string) (*GraphDefinition, error)
	// GetVersion returns one version, or nil, nil.
	GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error)
	// ListVersions pages through history newest first. page starts at 1.
	ListVersions(ctx context.Context, workflowID string, page, limit int) ([]WorkflowVersion, error)
}

// WorkflowStore reads and creates workflow records.
type WorkflowStore interface {
	// CreateWorkflow stores wf with def as its version 1.
	CreateWorkflow(ctx context.Context, wf *Workflow, def GraphDefinition) error
	// GetWorkflow returns the workflow, or nil, nil.
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
}

// ForkStore persists forks.
type ForkStore interface {
	// CreateFork stores wf, its first version holding def, and the fork edge
	// in one transaction.
	CreateFork(ctx context.Context, wf *Workflow, def GraphDefinition, fork *WorkflowFork) error
	ListForks(ctx context.Context, originalWorkflowID string) ([]WorkflowFork, error)
	// GetForkByForked returns the fork edge whose forked side is workflowID, or nil, nil.
	GetForkByForked(ctx context.Context, forkedWorkflowID string) (*WorkflowFork, error)
}

// MergeRequestStore persists merge requests.
type MergeRequestStore interface {
	// CreateMergeRequest fails with an ErrState error when an OPEN request
	// already exists for the same source/target pair.
	CreateMergeRequest(ctx context.Context, mr *MergeRequest) error
	// GetMergeRequest returns the request, or nil, nil.
	GetMergeRequest(ctx context.Context, id string) (*MergeRequest, error)
	// ListMergeRequests returns requests where workflowID is source or target.
	ListMergeRequests(ctx context.Context, workflowID string) ([]MergeRequest, error)
	// TransitionMergeRequest moves id from one status to another, failing
	// with ErrState when the stored status is not from.
	TransitionMergeRequest(ctx context.Context, id string, from, to MergeRequestStatus, at time.Time) (*MergeRequest, error)
	// CommitMerge creates the next version of the target and marks the
	// request MERGED atomically. The request must be OPEN.
	CommitMerge(ctx context.Context, id string, def GraphDefinition, changeLog, authorID string, at time.Time) (*WorkflowVersion, error)
}

// ConflictStore persists conflict records.
type ConflictStore interface {
	CreateConflict(ctx context.Context, c *ConflictResolution) error
	// GetConflict returns the record, or nil, nil.
	GetConflict(ctx context.Context, id string) (*ConflictResolution, error)
	ListConflicts(ctx context.Context, workflowID string) ([]ConflictResolution, error)
	// SetConflictStatus moves a pending record to resolved or rejected,
	// failing with ErrState when it is no longer pending.
	SetConflictStatus(ctx context.Context, id string, status ConflictStatus, resolved *GraphDefinition, userID string, at time.Time) (*ConflictResolution, error)
}

// Store is everything the engine persists.
type Store interface {
	VersionStore
	WorkflowStore
	ForkStore
	MergeRequestStore
	ConflictStore
}

// Permission is a capability checked by AccessControl.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
)

// AccessControl answers permission questions for workflows.
type AccessControl interface {
	HasAccess(ctx context.Context, workflowID, userID string, perm Permission) (bool, error)
	IsOwner(ctx context.Context, workflowID, userID string) (bool, error)
}

// IDGenerator produces globally unique identifiers for new records.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }
