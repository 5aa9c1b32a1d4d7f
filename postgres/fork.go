package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/flowsync"
)

// CreateFork stores the forked workflow, its first version and the fork
// edge in one transaction.
func (s *PGStore) CreateFork(ctx context.Context, wf *flowsync.Workflow, def flowsync.GraphDefinition, fork *flowsync.WorkflowFork) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flowsync: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, fork.OriginalWorkflowID).Scan(&exists); err != nil {
		return fmt.Errorf("flowsync: check workflow: %w", err)
	}
	if !exists {
		return flowsync.NotFoundf("create fork", "workflow %s not found", fork.OriginalWorkflowID)
	}
	if err := insertWorkflow(ctx, tx, wf, def); err != nil {
		return err
	}
	if fork.CreatedAt.IsZero() {
		fork.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflow_forks (id, original_workflow_id, forked_workflow_id, user_id, base_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		fork.ID, fork.OriginalWorkflowID, fork.ForkedWorkflowID, fork.UserID, fork.BaseVersion, fork.CreatedAt,
	); err != nil {
		return fmt.Errorf("flowsync: insert fork: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("flowsync: commit: %w", err)
	}
	return nil
}

const forkColumns = `id, original_workflow_id, forked_workflow_id, user_id, base_version, created_at`

// ListForks returns the forks of a workflow, oldest first.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListForks(ctx context.Context, originalWorkflowID string) ([]flowsync.WorkflowFork, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+forkColumns+` FROM workflow_forks WHERE original_workflow_id = $1 ORDER BY created_at`, originalWorkflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list forks: %w", err)
	}
	defer rows.Close()

	forks := []flowsync.WorkflowFork{}
	for rows.Next() {
		var f flowsync.WorkflowFork
		if err := rows.Scan(&f.ID, &f.OriginalWorkflowID, &f.ForkedWorkflowID, &f.UserID, &f.BaseVersion, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("flowsync: scan fork: %w", err)
		}
		forks = append(forks, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowsync: rows forks: %w", err)
	}
	return forks, nil
}

// GetForkByForked returns the fork edge that created forkedWorkflowID.
// Returns nil, nil if the workflow is not a fork.
func (s *PGStore) GetForkByForked(ctx context.Context, forkedWorkflowID string) (*flowsync.WorkflowFork, error) {
	var f flowsync.WorkflowFork
	err := s.db.QueryRow(ctx,
		`SELECT `+forkColumns+` FROM workflow_forks WHERE forked_workflow_id = $1`, forkedWorkflowID,
	).Scan(&f.ID, &f.OriginalWorkflowID, &f.ForkedWorkflowID, &f.UserID, &f.BaseVersion, &f.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get fork: %w", err)
	}
	return &f, nil
}
