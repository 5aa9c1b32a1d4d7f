package memstore

import (
	"context"

	"github.com/meikuraledutech/flowsync"
)

// Grant gives userID perm on workflowID. Owners need no grants.
func (s *Store) Grant(workflowID, userID string, perm flowsync.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.grants[workflowID]
	if !ok {
		users = make(map[string]map[flowsync.Permission]bool)
		s.grants[workflowID] = users
	}
	perms, ok := users[userID]
	if !ok {
		perms = make(map[flowsync.Permission]bool)
		users[userID] = perms
	}
	perms[perm] = true
}

// HasAccess implements flowsync.AccessControl: owners may do anything,
// public workflows are readable by everyone, write implies read.
func (s *Store) HasAccess(ctx context.Context, workflowID, userID string, perm flowsync.Permission) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return false, nil
	}
	if wf.OwnerID == userID {
		return true, nil
	}
	if perm == flowsync.PermissionRead && wf.Visibility == flowsync.VisibilityPublic {
		return true, nil
	}
	perms := s.grants[workflowID][userID]
	if perms[perm] {
		return true, nil
	}
	return perm == flowsync.PermissionRead && perms[flowsync.PermissionWrite], nil
}

// IsOwner implements flowsync.AccessControl.
func (s *Store) IsOwner(ctx context.Context, workflowID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	return ok && wf.OwnerID == userID, nil
}
