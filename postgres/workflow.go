package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/flowsync"
)

// CreateWorkflow stores wf and its version 1 in one transaction.
func (s *PGStore) CreateWorkflow(ctx context.Context, wf *flowsync.Workflow, def flowsync.GraphDefinition) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flowsync: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertWorkflow(ctx, tx, wf, def); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("flowsync: commit: %w", err)
	}
	return nil
}

func insertWorkflow(ctx context.Context, q querier, wf *flowsync.Workflow, def flowsync.GraphDefinition) error {
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	wf.UpdatedAt = wf.CreatedAt
	wf.Version = 1
	if wf.Tags == nil {
		wf.Tags = []string{}
	}
	if wf.Visibility == "" {
		wf.Visibility = flowsync.VisibilityPrivate
	}

	_, err := q.Exec(ctx,
		`INSERT INTO workflows (id, name, description, owner_id, engine_type, tags, visibility, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		wf.ID, wf.Name, wf.Description, wf.OwnerID, wf.EngineType, wf.Tags, string(wf.Visibility), wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "workflows_pkey") {
			return flowsync.Statef("create workflow", "workflow %s already exists", wf.ID)
		}
		return fmt.Errorf("flowsync: insert workflow: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, definition, change_log, author_id, created_at)
		 VALUES ($1, 1, $2, $3, $4, $5)`,
		wf.ID, def, "Initial version", wf.OwnerID, wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowsync: insert version: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetWorkflow(ctx context.Context, workflowID string) (*flowsync.Workflow, error) {
	var (
		wf         flowsync.Workflow
		visibility string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, owner_id, engine_type, tags, visibility, version, created_at, updated_at
		 FROM workflows WHERE id = $1`, workflowID,
	).Scan(&wf.ID, &wf.Name, &wf.Description, &wf.OwnerID, &wf.EngineType, &wf.Tags, &visibility, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get workflow: %w", err)
	}
	wf.Visibility = flowsync.Visibility(visibility)
	return &wf, nil
}
