package postgres

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/flowsync"
)

// Grant gives userID perm on workflowID. Granting twice is a no-op.
func (s *PGStore) Grant(ctx context.Context, workflowID, userID string, perm flowsync.Permission) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_grants (workflow_id, user_id, permission) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		workflowID, userID, string(perm),
	)
	if err != nil {
		return fmt.Errorf("flowsync: grant: %w", err)
	}
	return nil
}

// HasAccess implements flowsync.AccessControl: owners may do anything,
// public workflows are readable by everyone, write implies read.
func (s *PGStore) HasAccess(ctx context.Context, workflowID, userID string, perm flowsync.Permission) (bool, error) {
	perms := []string{string(perm)}
	if perm == flowsync.PermissionRead {
		perms = append(perms, string(flowsync.PermissionWrite))
	}
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM workflows w
		     WHERE w.id = $1 AND (
		         w.owner_id = $2
		         OR ($3 = 'read' AND w.visibility = 'public')
		         OR EXISTS (SELECT 1 FROM workflow_grants g
		                    WHERE g.workflow_id = w.id AND g.user_id = $2 AND g.permission = ANY($4))
		     )
		 )`,
		workflowID, userID, string(perm), perms,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("flowsync: check access: %w", err)
	}
	return ok, nil
}

// IsOwner implements flowsync.AccessControl.
func (s *PGStore) IsOwner(ctx context.Context, workflowID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1 AND owner_id = $2)`, workflowID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("flowsync: check owner: %w", err)
	}
	return ok, nil
}
