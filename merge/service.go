package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics counts merge attempts by strategy and outcome.
type Metrics struct {
	Attempts  *prometheus.CounterVec
	Conflicts *prometheus.CounterVec
}

// NewMetrics creates and registers the merge metrics. A nil registerer skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowsync",
				Subsystem: "merge",
				Name:      "attempts_total",
				Help:      "Merge attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flowsync",
				Subsystem: "merge",
				Name:      "conflicts_total",
				Help:      "Conflict records by status transition",
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Conflicts)
	}
	return m
}

// Service records conflicts and drives their manual resolution.
type Service struct {
	versions  flowsync.VersionStore
	conflicts flowsync.ConflictStore
	access    flowsync.AccessControl
	ids       flowsync.IDGenerator
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches merge metrics.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("merge")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a merge service.
func NewService(versions flowsync.VersionStore, conflicts flowsync.ConflictStore, access flowsync.AccessControl, ids flowsync.IDGenerator, opts ...Option) *Service {
	s := &Service{
		versions:  versions,
		conflicts: conflicts,
		access:    access,
		ids:       ids,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// AttemptAutoMerge runs the merge engine and records the outcome.
func (s *Service) AttemptAutoMerge(base flowsync.GraphDefinition, left, right Side, strategy Strategy) (Result, error) {
	res, err := AttemptAutoMerge(base, left, right, strategy)
	outcome := "merged"
	switch {
	case err != nil:
		outcome = "invalid"
	case !res.Success:
		outcome = "conflict"
	}
	s.metrics.Attempts.WithLabelValues(string(strategy), outcome).Inc()
	if err == nil && !res.Success {
		s.logger.Debug("merge left conflicts",
			zap.String("strategy", string(strategy)),
			zap.Strings("paths", res.ConflictingPaths))
	}
	return res, err
}

// DetectConflicts loads three stored versions of a workflow, compares the
// two against base, and stores a pending conflict record when they disagree.
// It returns nil, nil when there is nothing to resolve.
func (s *Service) DetectConflicts(ctx context.Context, workflowID string, baseVersion, v1, v2 int, userID string) (*flowsync.ConflictResolution, error) {
	const op = "detect conflicts"
	if err := s.require(ctx, op, workflowID, userID, flowsync.PermissionRead); err != nil {
		return nil, err
	}

	loaded := make([]flowsync.WorkflowVersion, 0, 3)
	for _, n := range []int{baseVersion, v1, v2} {
		v, err := s.versions.GetVersion(ctx, workflowID, n)
		if err != nil {
			return nil, fmt.Errorf("flowsync: load version %d: %w", n, err)
		}
		if v == nil {
			return nil, flowsync.NotFoundf(op, "workflow %s has no version %d", workflowID, n)
		}
		loaded = append(loaded, *v)
	}
	return s.RecordConflicts(ctx, loaded[0], loaded[1], loaded[2])
}

// RecordConflicts compares v1 and v2 against base and stores the pending
// conflict record if there is one.
func (s *Service) RecordConflicts(ctx context.Context, base, v1, v2 flowsync.WorkflowVersion) (*flowsync.ConflictResolution, error) {
	for _, v := range []flowsync.WorkflowVersion{base, v1, v2} {
		if err := flowsync.ValidateDefinition(v.Definition); err != nil {
			return nil, fmt.Errorf("version %d: %w", v.Version, err)
		}
	}

	c := DetectConflicts(base, v1, v2)
	if c == nil {
		return nil, nil
	}
	c.ID = s.ids.NewID()
	c.CreatedAt = s.now().UTC()
	if err := s.conflicts.CreateConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("flowsync: store conflict: %w", err)
	}
	s.metrics.Conflicts.WithLabelValues(string(flowsync.ConflictPending)).Inc()
	s.logger.Info("conflict recorded",
		zap.String("conflict_id", c.ID),
		zap.String("workflow_id", c.WorkflowID),
		zap.Strings("paths", c.ConflictingPaths))
	return c, nil
}

// ResolveConflictManually stores the definition a person chose for a pending
// conflict. A record resolves exactly once; later calls fail with ErrState.
// Committing the resolved definition as a version is left to the caller
// (see CommitResolution).
func (s *Service) ResolveConflictManually(ctx context.Context, conflictID string, resolved flowsync.GraphDefinition, userID string) (*flowsync.ConflictResolution, error) {
	const op = "resolve conflict"
	if err := flowsync.ValidateDefinition(resolved); err != nil {
		return nil, err
	}
	return s.transition(ctx, op, conflictID, flowsync.ConflictResolved, &resolved, userID)
}

// RejectConflict closes a pending conflict without a resolution.
func (s *Service) RejectConflict(ctx context.Context, conflictID, userID string) (*flowsync.ConflictResolution, error) {
	return s.transition(ctx, "reject conflict", conflictID, flowsync.ConflictRejected, nil, userID)
}

func (s *Service) transition(ctx context.Context, op, conflictID string, to flowsync.ConflictStatus, resolved *flowsync.GraphDefinition, userID string) (*flowsync.ConflictResolution, error) {
	c, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, op, c.WorkflowID, userID, flowsync.PermissionWrite); err != nil {
		return nil, err
	}
	if c.Status != flowsync.ConflictPending {
		return nil, flowsync.Statef(op, "conflict %s is already %s", conflictID, c.Status)
	}

	updated, err := s.conflicts.SetConflictStatus(ctx, conflictID, to, resolved, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.Conflicts.WithLabelValues(string(to)).Inc()
	s.logger.Info("conflict closed",
		zap.String("conflict_id", conflictID),
		zap.String("status", string(to)),
		zap.String("user_id", userID))
	return updated, nil
}

// CommitResolution writes the resolved definition of a conflict as the next
// version of its workflow, retrying lost version races.
func (s *Service) CommitResolution(ctx context.Context, conflictID, userID string) (*flowsync.WorkflowVersion, error) {
	const op = "commit resolution"
	c, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status != flowsync.ConflictResolved || c.ResolvedDefinition == nil {
		return nil, flowsync.Statef(op, "conflict %s is %s, not resolved", conflictID, c.Status)
	}
	if err := s.require(ctx, op, c.WorkflowID, userID, flowsync.PermissionWrite); err != nil {
		return nil, err
	}
	changeLog := fmt.Sprintf("Resolved conflict %s between versions %d and %d", c.ID, c.Versions[0].Version, c.Versions[1].Version)
	return flowsync.RetryOnConflict(ctx, func() (*flowsync.WorkflowVersion, error) {
		return s.versions.CreateVersion(ctx, c.WorkflowID, *c.ResolvedDefinition, changeLog, userID)
	})
}

// GetConflict returns a conflict record or an ErrNotFound error.
func (s *Service) GetConflict(ctx context.Context, conflictID string) (*flowsync.ConflictResolution, error) {
	c, err := s.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: get conflict: %w", err)
	}
	if c == nil {
		return nil, flowsync.NotFoundf("get conflict", "conflict %s not found", conflictID)
	}
	return c, nil
}

// GetWorkflowConflicts lists the conflict records of a workflow.
func (s *Service) GetWorkflowConflicts(ctx context.Context, workflowID string) ([]flowsync.ConflictResolution, error) {
	out, err := s.conflicts.ListConflicts(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list conflicts: %w", err)
	}
	return out, nil
}

func (s *Service) require(ctx context.Context, op, workflowID, userID string, perm flowsync.Permission) error {
	ok, err := s.access.HasAccess(ctx, workflowID, userID, perm)
	if err != nil {
		return fmt.Errorf("flowsync: check access: %w", err)
	}
	if !ok {
		return flowsync.Permissionf(op, "user %s lacks %s access to workflow %s", userID, perm, workflowID)
	}
	return nil
}
