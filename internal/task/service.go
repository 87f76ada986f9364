// Package task implements task-level mutations: status transitions with
// guards, claim/release, per-task replan, checkpoints, and dependency queries.
package task

import (
	"context"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides task business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates a task service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// Get returns the task, optionally with its checkpoints ordered by sequence.
// A checkpointLimit of 0 means no limit.
func (s *Service) Get(ctx context.Context, id string, includeCheckpoints bool, checkpointLimit int) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if includeCheckpoints {
		cps, err := s.store.ListCheckpoints(ctx, id, store.CheckpointFilter{Limit: checkpointLimit})
		if err != nil {
			return nil, err
		}
		task.Checkpoints = cps
	}
	return task, nil
}

// IsBlocked reports whether any blocks-predecessor of the task is still in a
// non-terminal status.
func (s *Service) IsBlocked(ctx context.Context, id string) (bool, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return false, err
	}
	n, err := s.store.CountBlockingPredecessors(ctx, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Dependencies are the edges incident to a task.
type Dependencies struct {
	Dependencies []*models.TaskDependency `json:"dependencies"`
	Dependents   []*models.TaskDependency `json:"dependents"`
}

// GetDependencies returns the task's predecessor and successor edges.
func (s *Service) GetDependencies(ctx context.Context, id string) (*Dependencies, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	deps, err := s.store.ListDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	dependents, err := s.store.ListDependents(ctx, id)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = []*models.TaskDependency{}
	}
	if dependents == nil {
		dependents = []*models.TaskDependency{}
	}
	return &Dependencies{Dependencies: deps, Dependents: dependents}, nil
}

// UpdateStatusParams carry the optional payloads required by some transitions.
type UpdateStatusParams struct {
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UpdateStatus transitions a task through the lifecycle table. Leaving
// pending or blocked for planning requires every blocks-predecessor to be
// terminal; completing requires an outcome; failing requires an error. The
// owning agent is untouched, release stays explicit.
func (s *Service) UpdateStatus(ctx context.Context, id string, target models.TaskStatus, params UpdateStatusParams) (*models.Task, error) {
	var task *models.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransitionTask(task.Status, target) {
			return apperr.InvalidState("invalid task transition %s -> %s", task.Status, target)
		}

		fromUnstarted := task.Status == models.TaskStatusPending || task.Status == models.TaskStatusBlocked
		if fromUnstarted && target == models.TaskStatusPlanning {
			blocking, err := tx.CountBlockingPredecessors(ctx, id)
			if err != nil {
				return err
			}
			if blocking > 0 {
				return apperr.InvalidState("task has %d incomplete blocking dependencies", blocking)
			}
		}

		switch target {
		case models.TaskStatusCompleted:
			if params.Outcome == "" {
				return apperr.Validation("outcome is required to complete a task")
			}
			task.Outcome = params.Outcome
		case models.TaskStatusFailed:
			if params.Error == "" {
				return apperr.Validation("error is required to fail a task")
			}
			task.OutcomeDetail = params.Error
		}

		task.Status = target
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": task.WorkflowID,
			"task_id":     task.ID,
			"status":      string(target),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SetPlan overwrites the task's plan; valid only while the task is in
// planning. A supplied context shallow-merges into the existing one.
func (s *Service) SetPlan(ctx context.Context, id, plan string, extra map[string]interface{}) (*models.Task, error) {
	var task *models.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusPlanning {
			return apperr.InvalidState("cannot set plan unless task status=planning (got %s)", task.Status)
		}
		task.Plan = plan
		if len(extra) > 0 {
			if task.Context == nil {
				task.Context = map[string]interface{}{}
			}
			for k, v := range extra {
				task.Context[k] = v
			}
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ReplanResult is the outcome of a single-task replan.
type ReplanResult struct {
	Task         *models.Task `json:"task"`
	CheckpointID string       `json:"checkpoint_id"`
}

// Replan resets a failed or in-progress task to pending with a fresh plan,
// recording the reason as a replan checkpoint and clearing prior outcomes.
func (s *Service) Replan(ctx context.Context, id, reason, newPlan string) (*ReplanResult, error) {
	result := &ReplanResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusFailed && task.Status != models.TaskStatusInProgress {
			return apperr.InvalidState("cannot replan task in status %s", task.Status)
		}

		cp := &models.Checkpoint{
			TaskID:  id,
			Type:    models.CheckpointTypeReplan,
			Summary: reason,
		}
		if err := tx.CreateCheckpoint(ctx, cp); err != nil {
			return err
		}

		task.Plan = newPlan
		task.Outcome = ""
		task.OutcomeDetail = ""
		task.Status = models.TaskStatusPending
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		result.Task = task
		result.CheckpointID = cp.ID
		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": task.WorkflowID,
			"task_id":     task.ID,
			"status":      string(task.Status),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task replanned", zap.String("task_id", id), zap.String("reason", reason))
	return result, nil
}

// GetAvailable returns pending, unclaimed, unblocked tasks ordered by
// (sequence, name), optionally scoped to one workflow.
func (s *Service) GetAvailable(ctx context.Context, workflowID string, limit int) ([]*models.Task, error) {
	tasks, err := s.store.ListAvailableTasks(ctx, store.AvailableTaskFilter{
		WorkflowID: workflowID,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return tasks, nil
}
