package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meikuraledutech/flowsync"
)

const openIndex = "uq_merge_requests_open"

const mergeRequestColumns = `id, source_workflow_id, target_workflow_id, title, description, status, created_by, created_at, updated_at`

func scanMergeRequest(row pgx.Row) (*flowsync.MergeRequest, error) {
	var (
		mr     flowsync.MergeRequest
		status string
	)
	if err := row.Scan(&mr.ID, &mr.SourceWorkflowID, &mr.TargetWorkflowID, &mr.Title, &mr.Description,
		&status, &mr.CreatedBy, &mr.CreatedAt, &mr.UpdatedAt); err != nil {
		return nil, err
	}
	mr.Status = flowsync.MergeRequestStatus(status)
	return &mr, nil
}

func duplicateOpen(mr *flowsync.MergeRequest) error {
	return flowsync.Statef("create merge request", "an open merge request from %s to %s already exists",
		mr.SourceWorkflowID, mr.TargetWorkflowID)
}

// CreateMergeRequest inserts mr. The partial unique index on OPEN pairs
// enforces one open request per source and target.
func (s *PGStore) CreateMergeRequest(ctx context.Context, mr *flowsync.MergeRequest) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO merge_requests (`+mergeRequestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		mr.ID, mr.SourceWorkflowID, mr.TargetWorkflowID, mr.Title, mr.Description,
		string(mr.Status), mr.CreatedBy, mr.CreatedAt, mr.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, openIndex) {
			return duplicateOpen(mr)
		}
		return fmt.Errorf("flowsync: insert merge request: %w", err)
	}
	return nil
}

// GetMergeRequest fetches a merge request by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetMergeRequest(ctx context.Context, id string) (*flowsync.MergeRequest, error) {
	mr, err := scanMergeRequest(s.db.QueryRow(ctx,
		`SELECT `+mergeRequestColumns+` FROM merge_requests WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get merge request: %w", err)
	}
	return mr, nil
}

// ListMergeRequests returns requests where workflowID is source or target,
// newest first.
func (s *PGStore) ListMergeRequests(ctx context.Context, workflowID string) ([]flowsync.MergeRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+mergeRequestColumns+` FROM merge_requests
		 WHERE source_workflow_id = $1 OR target_workflow_id = $1
		 ORDER BY created_at DESC, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list merge requests: %w", err)
	}
	defer rows.Close()

	out := []flowsync.MergeRequest{}
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("flowsync: scan merge request: %w", err)
		}
		out = append(out, *mr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowsync: rows merge requests: %w", err)
	}
	return out, nil
}

// TransitionMergeRequest moves a request from one status to another only
// if it is still in from.
func (s *PGStore) TransitionMergeRequest(ctx context.Context, id string, from, to flowsync.MergeRequestStatus, at time.Time) (*flowsync.MergeRequest, error) {
	const op = "update merge request"
	mr, err := scanMergeRequest(s.db.QueryRow(ctx,
		`UPDATE merge_requests SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2
		 RETURNING `+mergeRequestColumns,
		id, string(from), string(to), at))
	if err == nil {
		return mr, nil
	}
	if isUniqueViolation(err, openIndex) {
		return nil, flowsync.Statef(op, "another open merge request exists for this pair")
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("flowsync: update merge request: %w", err)
	}
	current, err := s.GetMergeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, flowsync.NotFoundf(op, "merge request %s not found", id)
	}
	return nil, flowsync.Statef(op, "merge request %s is %s, not %s", id, current.Status, from)
}

// CommitMerge appends the target's next version and marks the request
// MERGED in one transaction. The request row is locked first so two merges
// of the same request serialize.
func (s *PGStore) CommitMerge(ctx context.Context, id string, def flowsync.GraphDefinition, changeLog, authorID string, at time.Time) (*flowsync.WorkflowVersion, error) {
	const op = "merge"
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowsync: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var target, status string
	err = tx.QueryRow(ctx,
		`SELECT target_workflow_id, status FROM merge_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&target, &status)
	if err != nil {
		if isNoRows(err) {
			return nil, flowsync.NotFoundf(op, "merge request %s not found", id)
		}
		return nil, fmt.Errorf("flowsync: lock merge request: %w", err)
	}
	if flowsync.MergeRequestStatus(status) != flowsync.MergeRequestOpen {
		return nil, flowsync.Statef(op, "merge request %s is %s", id, status)
	}

	v, err := appendVersion(ctx, tx, target, def, changeLog, authorID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE merge_requests SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(flowsync.MergeRequestMerged), at,
	); err != nil {
		return nil, fmt.Errorf("flowsync: mark merged: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("flowsync: commit: %w", err)
	}
	return v, nil
}
