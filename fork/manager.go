// Package fork copies workflows into independent forks and carries merge
// requests between workflows through DRAFT → OPEN → {MERGED, CLOSED}.
package fork

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/diff"
	"github.com/meikuraledutech/flowsync/merge"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics counts forks and merge request transitions.
type Metrics struct {
	Forks       prometheus.Counter
	Transitions *prometheus.CounterVec
}

// NewMetrics creates and registers the fork metrics. A nil registerer skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Forks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowsync",
			Subsystem: "fork",
			Name:      "created_total",
			Help:      "Workflows forked",
		}),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowsync",
				Subsystem: "merge_requests",
				Name:      "transitions_total",
				Help:      "Merge request status transitions",
			},
			[]string{"transition"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Forks, m.Transitions)
	}
	return m
}

// Manager implements forking and the merge request lifecycle.
type Manager struct {
	store   flowsync.Store
	access  flowsync.AccessControl
	ids     flowsync.IDGenerator
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches fork metrics.
func WithMetrics(m *Metrics) Option { return func(mg *Manager) { mg.metrics = m } }

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(mg *Manager) {
		if l != nil {
			mg.logger = l.Named("fork")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(mg *Manager) { mg.now = now } }

// NewManager creates a Manager.
func NewManager(store flowsync.Store, access flowsync.AccessControl, ids flowsync.IDGenerator, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		access: access,
		ids:    ids,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// ForkInput names the new workflow. Name defaults to "<original> (fork)".
type ForkInput struct {
	Name        string `json:"name" validate:"max=200"`
	Description string `json:"description" validate:"max=5000"`
}

// ForkResult is the new workflow and its lineage edge.
type ForkResult struct {
	Workflow flowsync.Workflow     `json:"workflow"`
	Fork     flowsync.WorkflowFork `json:"fork"`
}

// ForkWorkflow copies the original's current definition, tags and engine
// type into a new private workflow owned by userID and records the fork
// edge. Either both exist afterwards or neither does.
func (m *Manager) ForkWorkflow(ctx context.Context, originalID, userID string, in ForkInput) (*ForkResult, error) {
	const op = "fork workflow"
	if err := flowsync.ValidateStruct(op, "", in); err != nil {
		return nil, err
	}
	original, err := m.workflow(ctx, op, originalID)
	if err != nil {
		return nil, err
	}
	if err := m.requireAccess(ctx, op, originalID, userID, flowsync.PermissionRead); err != nil {
		return nil, err
	}
	def, err := m.store.GetDefinition(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: load definition: %w", err)
	}
	if def == nil {
		return nil, flowsync.NotFoundf(op, "workflow %s has no versions", originalID)
	}

	now := m.now().UTC()
	name := in.Name
	if name == "" {
		name = original.Name + " (fork)"
	}
	wf := &flowsync.Workflow{
		ID:          m.ids.NewID(),
		Name:        name,
		Description: in.Description,
		OwnerID:     userID,
		EngineType:  original.EngineType,
		Tags:        append([]string(nil), original.Tags...),
		Visibility:  flowsync.VisibilityPrivate,
		CreatedAt:   now,
	}
	f := &flowsync.WorkflowFork{
		ID:                 m.ids.NewID(),
		OriginalWorkflowID: originalID,
		ForkedWorkflowID:   wf.ID,
		UserID:             userID,
		BaseVersion:        original.Version,
		CreatedAt:          now,
	}
	if err := m.store.CreateFork(ctx, wf, def.Clone(), f); err != nil {
		return nil, fmt.Errorf("flowsync: create fork: %w", err)
	}

	m.metrics.Forks.Inc()
	m.logger.Info("workflow forked",
		zap.String("workflow_id", originalID),
		zap.String("fork_workflow_id", wf.ID),
		zap.String("user_id", userID),
		zap.Int("base_version", f.BaseVersion))
	return &ForkResult{Workflow: *wf, Fork: *f}, nil
}

// FindForksByOriginalWorkflow lists forks taken from a workflow.
func (m *Manager) FindForksByOriginalWorkflow(ctx context.Context, originalID string) ([]flowsync.WorkflowFork, error) {
	forks, err := m.store.ListForks(ctx, originalID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list forks: %w", err)
	}
	return forks, nil
}

// CreateMergeRequestInput describes a new merge request. Draft requests
// start in DRAFT, the rest in OPEN.
type CreateMergeRequestInput struct {
	SourceWorkflowID string `json:"sourceWorkflowId" validate:"required"`
	TargetWorkflowID string `json:"targetWorkflowId" validate:"required"`
	Title            string `json:"title" validate:"required,max=200"`
	Description      string `json:"description" validate:"max=5000"`
	Draft            bool   `json:"draft"`
}

// CreateMergeRequest proposes merging source into target. The caller must
// own the source and both workflows must exist. Only one OPEN request may
// exist per source/target pair.
func (m *Manager) CreateMergeRequest(ctx context.Context, userID string, in CreateMergeRequestInput) (*flowsync.MergeRequest, error) {
	const op = "create merge request"
	if err := flowsync.ValidateStruct(op, "", in); err != nil {
		return nil, err
	}
	if in.SourceWorkflowID == in.TargetWorkflowID {
		return nil, flowsync.Validationf(op, "targetWorkflowId", "must differ from the source workflow")
	}
	if _, err := m.workflow(ctx, op, in.SourceWorkflowID); err != nil {
		return nil, err
	}
	if _, err := m.workflow(ctx, op, in.TargetWorkflowID); err != nil {
		return nil, err
	}
	if err := m.requireOwner(ctx, op, in.SourceWorkflowID, userID); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	status := flowsync.MergeRequestOpen
	if in.Draft {
		status = flowsync.MergeRequestDraft
	}
	mr := &flowsync.MergeRequest{
		ID:               m.ids.NewID(),
		SourceWorkflowID: in.SourceWorkflowID,
		TargetWorkflowID: in.TargetWorkflowID,
		Title:            in.Title,
		Description:      in.Description,
		Status:           status,
		CreatedBy:        userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateMergeRequest(ctx, mr); err != nil {
		return nil, err
	}
	m.metrics.Transitions.WithLabelValues("created_" + string(status)).Inc()
	m.logger.Info("merge request created",
		zap.String("merge_request_id", mr.ID),
		zap.String("source_workflow_id", mr.SourceWorkflowID),
		zap.String("target_workflow_id", mr.TargetWorkflowID),
		zap.String("status", string(status)))
	return mr, nil
}

// GetMergeRequest returns a merge request or an ErrNotFound error.
func (m *Manager) GetMergeRequest(ctx context.Context, id string) (*flowsync.MergeRequest, error) {
	mr, err := m.store.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("flowsync: get merge request: %w", err)
	}
	if mr == nil {
		return nil, flowsync.NotFoundf("get merge request", "merge request %s not found", id)
	}
	return mr, nil
}

// FindMergeRequestsByWorkflow lists requests where the workflow is source or target.
func (m *Manager) FindMergeRequestsByWorkflow(ctx context.Context, workflowID string) ([]flowsync.MergeRequest, error) {
	mrs, err := m.store.ListMergeRequests(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list merge requests: %w", err)
	}
	return mrs, nil
}

// UpdateMergeRequestStatus moves a request along DRAFT → OPEN → CLOSED.
// Only the creator or the target's owner may do so. MERGED is reached only
// through MergeBranch. Terminal requests reject every transition.
func (m *Manager) UpdateMergeRequestStatus(ctx context.Context, id, userID string, to flowsync.MergeRequestStatus) (*flowsync.MergeRequest, error) {
	const op = "update merge request"
	if !to.Valid() {
		return nil, flowsync.Validationf(op, "status", "unknown status %q", to)
	}
	mr, err := m.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if mr.CreatedBy != userID {
		if err := m.requireOwner(ctx, op, mr.TargetWorkflowID, userID); err != nil {
			return nil, err
		}
	}
	if mr.Status.Terminal() {
		return nil, flowsync.Statef(op, "merge request %s is already %s", id, mr.Status)
	}
	if to == flowsync.MergeRequestMerged {
		return nil, flowsync.Statef(op, "merge request %s can only become MERGED by merging", id)
	}
	if !mr.Status.CanTransition(to) {
		return nil, flowsync.Statef(op, "merge request %s cannot move from %s to %s", id, mr.Status, to)
	}

	updated, err := m.store.TransitionMergeRequest(ctx, id, mr.Status, to, m.now().UTC())
	if err != nil {
		return nil, err
	}
	m.metrics.Transitions.WithLabelValues(string(mr.Status) + "_to_" + string(to)).Inc()
	m.logger.Info("merge request status changed",
		zap.String("merge_request_id", id),
		zap.String("from", string(mr.Status)),
		zap.String("to", string(to)),
		zap.String("user_id", userID))
	return updated, nil
}

// MergeResult is the version created by a merge and the changes it carried.
type MergeResult struct {
	MergeRequest flowsync.MergeRequest    `json:"mergeRequest"`
	Version      flowsync.WorkflowVersion `json:"version"`
	Summary      diff.Summary             `json:"summary"`
}

// MergeBranch folds the source's current definition into the target. The
// target's current definition is the base and the source replaces its
// node and edge content for this increment; no recorded ancestor is used.
// The new target version and the MERGED status are committed together,
// retrying lost version races.
func (m *Manager) MergeBranch(ctx context.Context, id, userID string) (*MergeResult, error) {
	const op = "merge"
	mr, err := m.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.requireOwner(ctx, op, mr.TargetWorkflowID, userID); err != nil {
		return nil, err
	}
	if mr.Status != flowsync.MergeRequestOpen {
		return nil, flowsync.Statef(op, "merge request %s is %s, not OPEN", id, mr.Status)
	}

	var summary diff.Summary
	v, err := flowsync.RetryOnConflict(ctx, func() (*flowsync.WorkflowVersion, error) {
		target, err := m.definition(ctx, op, mr.TargetWorkflowID)
		if err != nil {
			return nil, err
		}
		source, err := m.definition(ctx, op, mr.SourceWorkflowID)
		if err != nil {
			return nil, err
		}
		if err := flowsync.ValidateDefinition(*source); err != nil {
			return nil, err
		}
		changes := diff.Diff(*target, *source)
		summary = diff.Summarize(changes)
		merged := merge.ApplyAll(*target, changes)
		changeLog := fmt.Sprintf("Merged %s from workflow %s (%d changes)", mr.Title, mr.SourceWorkflowID, summary.Total())
		return m.store.CommitMerge(ctx, id, merged, changeLog, userID, m.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	mr.Status = flowsync.MergeRequestMerged
	mr.UpdatedAt = v.CreatedAt
	m.metrics.Transitions.WithLabelValues("OPEN_to_MERGED").Inc()
	m.logger.Info("merge request merged",
		zap.String("merge_request_id", id),
		zap.String("workflow_id", mr.TargetWorkflowID),
		zap.Int("version", v.Version),
		zap.Int("changes", summary.Total()))
	return &MergeResult{MergeRequest: *mr, Version: *v, Summary: summary}, nil
}

// MergePreview shows what merging a request would change and which paths
// the two sides both changed since their common ancestor.
type MergePreview struct {
	AncestorVersion int                     `json:"ancestorVersion,omitempty"`
	Changes         []flowsync.ChangeRecord `json:"changes"`
	Summary         diff.Summary            `json:"summary"`
	Conflicts       []merge.Conflict        `json:"conflicts"`
}

// PreviewMerge is read-only. When the source is a fork of the target, the
// target's version at fork time is the ancestor for a three-way check;
// otherwise the target's current state is the ancestor and nothing conflicts.
func (m *Manager) PreviewMerge(ctx context.Context, id, userID string) (*MergePreview, error) {
	const op = "preview merge"
	mr, err := m.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.requireAccess(ctx, op, mr.TargetWorkflowID, userID, flowsync.PermissionRead); err != nil {
		return nil, err
	}
	target, err := m.definition(ctx, op, mr.TargetWorkflowID)
	if err != nil {
		return nil, err
	}
	source, err := m.definition(ctx, op, mr.SourceWorkflowID)
	if err != nil {
		return nil, err
	}

	changes := diff.Diff(*target, *source)
	preview := &MergePreview{Changes: changes, Summary: diff.Summarize(changes), Conflicts: []merge.Conflict{}}

	f, err := m.store.GetForkByForked(ctx, mr.SourceWorkflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: load fork: %w", err)
	}
	if f == nil || f.OriginalWorkflowID != mr.TargetWorkflowID {
		return preview, nil
	}
	ancestor, err := m.store.GetVersion(ctx, mr.TargetWorkflowID, f.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("flowsync: load ancestor: %w", err)
	}
	if ancestor == nil {
		return preview, nil
	}
	preview.AncestorVersion = ancestor.Version
	preview.Conflicts = merge.FindConflicts(
		diff.Diff(ancestor.Definition, *target),
		diff.Diff(ancestor.Definition, *source),
	)
	if preview.Conflicts == nil {
		preview.Conflicts = []merge.Conflict{}
	}
	return preview, nil
}

func (m *Manager) workflow(ctx context.Context, op, id string) (*flowsync.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("flowsync: load workflow: %w", err)
	}
	if wf == nil {
		return nil, flowsync.NotFoundf(op, "workflow %s not found", id)
	}
	return wf, nil
}

func (m *Manager) definition(ctx context.Context, op, workflowID string) (*flowsync.GraphDefinition, error) {
	def, err := m.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: load definition: %w", err)
	}
	if def == nil {
		return nil, flowsync.NotFoundf(op, "workflow %s not found", workflowID)
	}
	return def, nil
}

func (m *Manager) requireAccess(ctx context.Context, op, workflowID, userID string, perm flowsync.Permission) error {
	ok, err := m.access.HasAccess(ctx, workflowID, userID, perm)
	if err != nil {
		return fmt.Errorf("flowsync: check access: %w", err)
	}
	if !ok {
		return flowsync.Permissionf(op, "user %s lacks %s access to workflow %s", userID, perm, workflowID)
	}
	return nil
}

func (m *Manager) requireOwner(ctx context.Context, op, workflowID, userID string) error {
	ok, err := m.access.IsOwner(ctx, workflowID, userID)
	if err != nil {
		return fmt.Errorf("flowsync: check owner: %w", err)
	}
	if !ok {
		return flowsync.Permissionf(op, "user %s does not own workflow %s", userID, workflowID)
	}
	return nil
}
