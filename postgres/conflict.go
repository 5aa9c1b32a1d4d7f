package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meikuraledutech/flowsync"
)

const conflictColumns = `id, workflow_id, base_version, conflicting_versions, conflicting_paths,
	resolved_definition, status, created_at, resolved_at, resolved_by`

func scanConflict(row pgx.Row) (*flowsync.ConflictResolution, error) {
	var (
		c        flowsync.ConflictResolution
		versions []byte
		resolved []byte
		status   string
	)
	if err := row.Scan(&c.ID, &c.WorkflowID, &c.BaseVersion, &versions, &c.ConflictingPaths,
		&resolved, &status, &c.CreatedAt, &c.ResolvedAt, &c.ResolvedBy); err != nil {
		return nil, err
	}
	c.Status = flowsync.ConflictStatus(status)
	if err := json.Unmarshal(versions, &c.Versions); err != nil {
		return nil, fmt.Errorf("decode conflicting versions: %w", err)
	}
	if len(resolved) > 0 {
		var def flowsync.GraphDefinition
		if err := json.Unmarshal(resolved, &def); err != nil {
			return nil, fmt.Errorf("decode resolved definition: %w", err)
		}
		c.ResolvedDefinition = &def
	}
	return &c, nil
}

// CreateConflict inserts a conflict record.
func (s *PGStore) CreateConflict(ctx context.Context, c *flowsync.ConflictResolution) error {
	versions, err := json.Marshal(c.Versions)
	if err != nil {
		return fmt.Errorf("flowsync: encode conflict: %w", err)
	}
	paths := c.ConflictingPaths
	if paths == nil {
		paths = []string{}
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_conflicts (id, workflow_id, base_version, conflicting_versions, conflicting_paths, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.WorkflowID, c.BaseVersion, versions, paths, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("flowsync: insert conflict: %w", err)
	}
	return nil
}

// GetConflict fetches a conflict record by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetConflict(ctx context.Context, id string) (*flowsync.ConflictResolution, error) {
	c, err := scanConflict(s.db.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM workflow_conflicts WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flowsync: get conflict: %w", err)
	}
	return c, nil
}

// ListConflicts returns a workflow's conflict records, oldest first.
func (s *PGStore) ListConflicts(ctx context.Context, workflowID string) ([]flowsync.ConflictResolution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+conflictColumns+` FROM workflow_conflicts WHERE workflow_id = $1 ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("flowsync: list conflicts: %w", err)
	}
	defer rows.Close()

	out := []flowsync.ConflictResolution{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("flowsync: scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flowsync: rows conflicts: %w", err)
	}
	return out, nil
}

// SetConflictStatus closes a pending record. The status guard in the
// UPDATE makes a second resolution fail instead of overwriting the first.
func (s *PGStore) SetConflictStatus(ctx context.Context, id string, status flowsync.ConflictStatus, resolved *flowsync.GraphDefinition, userID string, at time.Time) (*flowsync.ConflictResolution, error) {
	const op = "update conflict"
	var def []byte
	if resolved != nil {
		b, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("flowsync: encode resolution: %w", err)
		}
		def = b
	}
	c, err := scanConflict(s.db.QueryRow(ctx,
		`UPDATE workflow_conflicts
		 SET status = $2, resolved_definition = COALESCE($3, resolved_definition), resolved_at = $4, resolved_by = $5
		 WHERE id = $1 AND status = $6
		 RETURNING `+conflictColumns,
		id, string(status), def, at, userID, string(flowsync.ConflictPending)))
	if err == nil {
		return c, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("flowsync: update conflict: %w", err)
	}
	current, err := s.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, flowsync.NotFoundf(op, "conflict %s not found", id)
	}
	return nil, flowsync.Statef(op, "conflict %s is already %s", id, current.Status)
}
