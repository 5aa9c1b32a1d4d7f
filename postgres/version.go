package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/meikuraledutech/flowsync"
)

// CreateVersion appends def as the workflow's next version.
func (s *PGStore) CreateVersion(ctx context.Context, workflowID string, def flowsync.GraphDefinition, changeLog, authorID string) (*flowsync.WorkflowVersion, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowsync: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	v, err := appendVersion(ctx, tx, workflowID, def, changeLog, authorID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("flowsync: commit: %w", err)
	}
	return v, nil
}

// appendVersion reads the current version and claims the next one. The
// claim is optimistic: the primary key on (workflow_id, version) and the
// guarded UPDATE turn a lost race into an ErrConcurrency error for the
// caller to retry.
func appendVersion(ctx context.Context, q querier, workflowID string, def flowsync.GraphDefinition, changeLog, authorID string) (*flowsync.WorkflowVersion, error) {
	const op = "create version"
	var current int
	err := q.QueryRow(ctx, `SELECT version FROM workflows WHERE id = $1`, workflowID).Scan(&current)
	if err != nil {
		if isNoRows(err) {
			return nil, flowsync.NotFoundf(op, "workflow %s not found", workflowID)
		}
		return nil, fmt.Errorf("flowsync: read version: %w", err)
	}

	v := &flowsync.WorkflowVersion{
		WorkflowID: workflowID,
		Version:    current + 1,
		Definition: def,
		ChangeLog:  changeLog,
		AuthorID:   authorID,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = q.Exec(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, definition, change_log, author_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.WorkflowID, v.Version, v.Definition, v.ChangeLog, v.AuthorID, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "workflow_versions_pkey") {
			return nil, flowsync.Concurrencyf(op, "version %d of workflow %s was claimed concurrently", v.Version, workflowID)
		}
		return nil, fmt.Errorf("flowsync: insert version: %w", err)
	}
	ct, err := q.Exec(ctx,
		`UPDATE workflows SET version = $2, updated_at = $3 WHERE id = $1 AND version = $4`,
		workflowID, v.Version, v.CreatedAt, current,
	)
	if err != nil {
		return nil, fmt.Errorf("flowsync: bump version: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil, flowsync.Concurrencyf(op, "workflow %s moved past version %d", workflowID, current)
	}
	return v, nil
}

// GetDefinition returns the definition of the latest version.
// Returns nil, nil if the workflow has no versions.
func (s *PGStore) GetDefinition(ctx context.Context, workflowID string) (*flowsync.GraphDefinition, error) {
	var def flowsync.GraphDefinition
	err := s.db.QueryRow(ctx,
		`SELECT definition FROM workflow_versions WHERE workflow_id = $1 ORDER BY version DESC LIMIT 1`, workflowID,
	).Scan(&def)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get definition: %w", err)
	}
	return &def, nil
}

// GetVersion fetches one version.
// Returns nil, nil if not found.
func (s *PGStore) GetVersion(ctx context.Context, workflowID string, version int) (*flowsync.WorkflowVersion, error) {
	var v flowsync.WorkflowVersion
	err := s.db.QueryRow(ctx,
		`SELECT workflow_id, version, definition, change_log, author_id, created_at
		 FROM workflow_versions WHERE workflow_id = $1 AND version = $2`, workflowID, version,
	).Scan(&v.WorkflowID, &v.Version, &v.Definition, &v.ChangeLog, &v.AuthorID, &v.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get version: %w", err)
	}
	return &v, nil
}

// ListVersions pages through a workflow's history, newest first.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListVersions(ctx context.Context, workflowID string, page, limit int) ([]flowsync.WorkflowVersion, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT workflow_id, version, definition, change_log, author_id, created_at
		 FROM workflow_versions WHERE workflow_id = $1
		 ORDER BY version DESC LIMIT $2 OFFSET $3`,
		workflowID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list versions: %w", err)
	}
	defer rows.Close()

	versions := []flowsync.WorkflowVersion{}
	for rows.Next() {
		var v flowsync.WorkflowVersion
		if err := rows.Scan(&v.WorkflowID, &v.Version, &v.Definition, &v.ChangeLog, &v.AuthorID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("flowsync: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowsync: rows versions: %w", err)
	}
	return versions, nil
}
