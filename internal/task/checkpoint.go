package task

import (
	"context"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// CheckpointParams are the inputs for AddCheckpoint.
type CheckpointParams struct {
	Type         models.CheckpointType  `json:"checkpoint_type"`
	Summary      string                 `json:"summary"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	FilesChanged []string               `json:"files_changed,omitempty"`
	TokensUsed   int                    `json:"tokens_used,omitempty"`
}

// AddCheckpoint appends a progress record to the task's ledger. The sequence
// is assigned inside the transaction so it stays monotonic per task.
func (s *Service) AddCheckpoint(ctx context.Context, taskID string, params CheckpointParams) (*models.Checkpoint, error) {
	if params.Type == "" {
		return nil, apperr.Validation("checkpoint_type is required")
	}
	if params.Summary == "" {
		return nil, apperr.Validation("checkpoint summary is required")
	}

	cp := &models.Checkpoint{
		TaskID:       taskID,
		Type:         params.Type,
		Summary:      params.Summary,
		Detail:       params.Detail,
		FilesChanged: params.FilesChanged,
		TokensUsed:   params.TokensUsed,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := tx.CreateCheckpoint(ctx, cp); err != nil {
			return err
		}
		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id":   task.WorkflowID,
			"task_id":       taskID,
			"checkpoint_id": cp.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns the task's checkpoints ordered by ascending
// sequence; filters combine with AND and an empty type array matches nothing.
func (s *Service) ListCheckpoints(ctx context.Context, taskID string, filter store.CheckpointFilter) ([]*models.Checkpoint, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	cps, err := s.store.ListCheckpoints(ctx, taskID, filter)
	if err != nil {
		return nil, err
	}
	if cps == nil {
		cps = []*models.Checkpoint{}
	}
	return cps, nil
}
