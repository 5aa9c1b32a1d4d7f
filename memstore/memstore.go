// Package memstore keeps every flowsync record in process memory. It backs
// tests and single-node deployments that do not need durability.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meikuraledutech/flowsync"
)

// Store implements flowsync.Store with maps guarded by one mutex, so every
// method is atomic with respect to the others.
type Store struct {
	mu            sync.RWMutex
	workflows     map[string]*flowsync.Workflow
	versions      map[string][]flowsync.WorkflowVersion
	forks         []flowsync.WorkflowFork
	mergeRequests map[string]*flowsync.MergeRequest
	conflicts     map[string]*flowsync.ConflictResolution
	grants        map[string]map[string]map[flowsync.Permission]bool
	now           func() time.Time
}

var _ flowsync.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		workflows:     make(map[string]*flowsync.Workflow),
		versions:      make(map[string][]flowsync.WorkflowVersion),
		mergeRequests: make(map[string]*flowsync.MergeRequest),
		conflicts:     make(map[string]*flowsync.ConflictResolution),
		grants:        make(map[string]map[string]map[flowsync.Permission]bool),
		now:           time.Now,
	}
}

// CreateWorkflow stores wf with def as version 1.
func (s *Store) CreateWorkflow(ctx context.Context, wf *flowsync.Workflow, def flowsync.GraphDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWorkflowLocked(wf, def)
}

func (s *Store) createWorkflowLocked(wf *flowsync.Workflow, def flowsync.GraphDefinition) error {
	if _, exists := s.workflows[wf.ID]; exists {
		return flowsync.Statef("create workflow", "workflow %s already exists", wf.ID)
	}
	now := s.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = wf.CreatedAt
	wf.Version = 1
	stored := *wf
	stored.Tags = append([]string(nil), wf.Tags...)
	s.workflows[wf.ID] = &stored
	s.versions[wf.ID] = []flowsync.WorkflowVersion{{
		WorkflowID: wf.ID,
		Version:    1,
		Definition: def.Clone(),
		ChangeLog:  "Initial version",
		AuthorID:   wf.OwnerID,
		CreatedAt:  wf.CreatedAt,
	}}
	return nil
}

// GetWorkflow returns a copy of the workflow, or nil, nil.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*flowsync.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, nil
	}
	out := *wf
	out.Tags = append([]string(nil), wf.Tags...)
	return &out, nil
}

// CreateVersion appends def as the next version.
func (s *Store) CreateVersion(ctx context.Context, workflowID string, def flowsync.GraphDefinition, changeLog, authorID string) (*flowsync.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersionLocked(workflowID, def, changeLog, authorID)
}

func (s *Store) appendVersionLocked(workflowID string, def flowsync.GraphDefinition, changeLog, authorID string) (*flowsync.WorkflowVersion, error) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, flowsync.NotFoundf("create version", "workflow %s not found", workflowID)
	}
	v := flowsync.WorkflowVersion{
		WorkflowID: workflowID,
		Version:    wf.Version + 1,
		Definition: def.Clone(),
		ChangeLog:  changeLog,
		AuthorID:   authorID,
		CreatedAt:  s.now().UTC(),
	}
	s.versions[workflowID] = append(s.versions[workflowID], v)
	wf.Version = v.Version
	wf.UpdatedAt = v.CreatedAt
	out := v
	out.Definition = v.Definition.Clone()
	return &out, nil
}

// GetDefinition returns the latest definition, or nil, nil.
func (s *Store) GetDefinition(ctx context.Context, workflowID string) (*flowsync.GraphDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.versions[workflowID]
	if len(vs) == 0 {
		return nil, nil
	}
	def := vs[len(vs)-1].Definition.Clone()
	return &def, nil
}

// GetVersion returns one version, or nil, nil.
func (s *Store) GetVersion(ctx context.Context, workflowID string, version int) (*flowsync.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.versions[workflowID]
	if version < 1 || version > len(vs) {
		return nil, nil
	}
	out := vs[version-1]
	out.Definition = out.Definition.Clone()
	return &out, nil
}

// ListVersions pages newest first.
func (s *Store) ListVersions(ctx context.Context, workflowID string, page, limit int) ([]flowsync.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	vs := s.versions[workflowID]
	out := []flowsync.WorkflowVersion{}
	for i := len(vs) - 1 - (page-1)*limit; i >= 0 && len(out) < limit; i-- {
		v := vs[i]
		v.Definition = v.Definition.Clone()
		out = append(out, v)
	}
	return out, nil
}

// CreateFork stores the forked workflow, its first version and the fork edge together.
func (s *Store) CreateFork(ctx context.Context, wf *flowsync.Workflow, def flowsync.GraphDefinition, fork *flowsync.WorkflowFork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[fork.OriginalWorkflowID]; !ok {
		return flowsync.NotFoundf("create fork", "workflow %s not found", fork.OriginalWorkflowID)
	}
	if err := s.createWorkflowLocked(wf, def); err != nil {
		return err
	}
	s.forks = append(s.forks, *fork)
	return nil
}

// ListForks returns forks of a workflow, oldest first.
func (s *Store) ListForks(ctx context.Context, originalWorkflowID string) ([]flowsync.WorkflowFork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []flowsync.WorkflowFork{}
	for _, f := range s.forks {
		if f.OriginalWorkflowID == originalWorkflowID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetForkByForked returns the fork edge that created forkedWorkflowID, or nil, nil.
func (s *Store) GetForkByForked(ctx context.Context, forkedWorkflowID string) (*flowsync.WorkflowFork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.forks {
		if f.ForkedWorkflowID == forkedWorkflowID {
			out := f
			return &out, nil
		}
	}
	return nil, nil
}

// CreateMergeRequest stores mr unless an OPEN request exists for the same pair.
func (s *Store) CreateMergeRequest(ctx context.Context, mr *flowsync.MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mr.Status == flowsync.MergeRequestOpen && s.openExistsLocked(mr.SourceWorkflowID, mr.TargetWorkflowID, "") {
		return duplicateOpen(mr.SourceWorkflowID, mr.TargetWorkflowID)
	}
	stored := *mr
	s.mergeRequests[mr.ID] = &stored
	return nil
}

func (s *Store) openExistsLocked(source, target, exceptID string) bool {
	for id, mr := range s.mergeRequests {
		if id != exceptID && mr.Status == flowsync.MergeRequestOpen &&
			mr.SourceWorkflowID == source && mr.TargetWorkflowID == target {
			return true
		}
	}
	return false
}

func duplicateOpen(source, target string) error {
	return flowsync.Statef("create merge request", "an open merge request from %s to %s already exists", source, target)
}

// GetMergeRequest returns a copy of the request, or nil, nil.
func (s *Store) GetMergeRequest(ctx context.Context, id string) (*flowsync.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mr, ok := s.mergeRequests[id]
	if !ok {
		return nil, nil
	}
	out := *mr
	return &out, nil
}

// ListMergeRequests returns requests touching workflowID, newest first.
func (s *Store) ListMergeRequests(ctx context.Context, workflowID string) ([]flowsync.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []flowsync.MergeRequest{}
	for _, mr := range s.mergeRequests {
		if mr.SourceWorkflowID == workflowID || mr.TargetWorkflowID == workflowID {
			out = append(out, *mr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionMergeRequest is a compare-and-set on the request status.
func (s *Store) TransitionMergeRequest(ctx context.Context, id string, from, to flowsync.MergeRequestStatus, at time.Time) (*flowsync.MergeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mr, ok := s.mergeRequests[id]
	if !ok {
		return nil, flowsync.NotFoundf("update merge request", "merge request %s not found", id)
	}
	if mr.Status != from {
		return nil, flowsync.Statef("update merge request", "merge request %s is %s, not %s", id, mr.Status, from)
	}
	if to == flowsync.MergeRequestOpen && s.openExistsLocked(mr.SourceWorkflowID, mr.TargetWorkflowID, id) {
		return nil, duplicateOpen(mr.SourceWorkflowID, mr.TargetWorkflowID)
	}
	mr.Status = to
	mr.UpdatedAt = at
	out := *mr
	return &out, nil
}

// CommitMerge appends the target's next version and marks the request MERGED
// under one lock.
func (s *Store) CommitMerge(ctx context.Context, id string, def flowsync.GraphDefinition, changeLog, authorID string, at time.Time) (*flowsync.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mr, ok := s.mergeRequests[id]
	if !ok {
		return nil, flowsync.NotFoundf("merge", "merge request %s not found", id)
	}
	if mr.Status != flowsync.MergeRequestOpen {
		return nil, flowsync.Statef("merge", "merge request %s is %s", id, mr.Status)
	}
	v, err := s.appendVersionLocked(mr.TargetWorkflowID, def, changeLog, authorID)
	if err != nil {
		return nil, err
	}
	mr.Status = flowsync.MergeRequestMerged
	mr.UpdatedAt = at
	return v, nil
}

// CreateConflict stores a conflict record.
func (s *Store) CreateConflict(ctx context.Context, c *flowsync.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *c
	s.conflicts[c.ID] = &stored
	return nil
}

// GetConflict returns a copy of the record, or nil, nil.
func (s *Store) GetConflict(ctx context.Context, id string) (*flowsync.ConflictResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

// ListConflicts returns a workflow's conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context, workflowID string) ([]flowsync.ConflictResolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []flowsync.ConflictResolution{}
	for _, c := range s.conflicts {
		if c.WorkflowID == workflowID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetConflictStatus closes a pending conflict.
func (s *Store) SetConflictStatus(ctx context.Context, id string, status flowsync.ConflictStatus, resolved *flowsync.GraphDefinition, userID string, at time.Time) (*flowsync.ConflictResolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, flowsync.NotFoundf("update conflict", "conflict %s not found", id)
	}
	if c.Status != flowsync.ConflictPending {
		return nil, flowsync.Statef("update conflict", "conflict %s is already %s", id, c.Status)
	}
	c.Status = status
	if resolved != nil {
		def := resolved.Clone()
		c.ResolvedDefinition = &def
	}
	resolvedAt := at
	c.ResolvedAt = &resolvedAt
	c.ResolvedBy = userID
	out := *c
	return &out, nil
}
