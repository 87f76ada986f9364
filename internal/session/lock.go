package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/store"
)

// LockResult reports a lock attempt. When the lock is held by another live
// session, Success is false and LockedBy/LockedAt identify the holder.
type LockResult struct {
	Success  bool       `json:"success"`
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// Lock acquires the advisory lock on a workflow for a session. Re-locking by
// the holder is idempotent and preserves locked_at; a lock whose holder
// session has been deregistered is taken over.
func (s *Service) Lock(ctx context.Context, workflowID, sessionID string) (*LockResult, error) {
	result := &LockResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}

		if wf.LockedBySessionID != nil {
			if *wf.LockedBySessionID == sessionID {
				result.Success = true
				result.LockedAt = wf.LockedAt
				return nil
			}
			// A holder whose session row still exists keeps the lock.
			_, err := tx.GetSession(ctx, *wf.LockedBySessionID)
			if err == nil {
				result.LockedBy = *wf.LockedBySessionID
				result.LockedAt = wf.LockedAt
				return nil
			}
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			s.logger.Info("taking over stale workflow lock",
				zap.String("workflow_id", workflowID),
				zap.String("stale_session_id", *wf.LockedBySessionID),
				zap.String("session_id", sessionID))
		}

		now := time.Now().UTC()
		if err := tx.SetWorkflowLock(ctx, workflowID, &sessionID, &now); err != nil {
			return err
		}
		result.Success = true
		result.LockedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unlock releases the lock held by sessionID. Unlocking an unlocked workflow
// is idempotent; unlocking another session's lock is an error.
func (s *Service) Unlock(ctx context.Context, workflowID, sessionID string) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.LockedBySessionID == nil {
			return nil
		}
		if *wf.LockedBySessionID != sessionID {
			return apperr.Conflict("workflow is locked by session %s", *wf.LockedBySessionID)
		}
		return tx.SetWorkflowLock(ctx, workflowID, nil, nil)
	})
}

// GetLockInfo returns the workflow's lock state; the holder pid survives a
// dangling holder id.
func (s *Service) GetLockInfo(ctx context.Context, workflowID string) (*store.WorkflowLockInfo, error) {
	return s.store.GetWorkflowLockInfo(ctx, workflowID)
}

// ReleaseStaleWorkflowLocks clears every lock whose holder session is gone or
// has not heartbeated within the timeout. Returns the number cleared.
func (s *Service) ReleaseStaleWorkflowLocks(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	var cleared int
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		cleared, err = tx.ReleaseStaleWorkflowLocks(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		s.logger.Info("released stale workflow locks", zap.Int("count", cleared))
	}
	return cleared, nil
}
