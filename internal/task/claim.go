package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// ClaimResult reports a claim attempt. On contention Success is false and
// AlreadyClaimedBy names the current holder.
type ClaimResult struct {
	Success          bool         `json:"success"`
	Task             *models.Task `json:"task,omitempty"`
	AlreadyClaimedBy string       `json:"already_claimed_by,omitempty"`
}

// Claim exclusively assigns the task to an agent. Claiming a task already
// held by the same agent is idempotent; a terminal task cannot be claimed.
// The agent transitions to busy with current_task_id set.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	result := &ClaimResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return apperr.InvalidState("cannot claim task in terminal status %s", task.Status)
		}
		if task.AssignedAgentID != nil {
			if *task.AssignedAgentID == agentID {
				result.Success = true
				result.Task = task
				return nil
			}
			result.AlreadyClaimedBy = *task.AssignedAgentID
			return nil
		}

		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.SetTaskClaim(ctx, taskID, &agentID, &now); err != nil {
			return err
		}
		task.AssignedAgentID = &agentID
		task.ClaimedAt = &now

		agent.Status = models.AgentStatusBusy
		agent.CurrentTaskID = &taskID
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		result.Success = true
		result.Task = task
		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": task.WorkflowID,
			"task_id":     taskID,
			"agent_id":    agentID,
			"claimed":     true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Success {
		s.logger.Info("task claimed",
			zap.String("task_id", taskID), zap.String("agent_id", agentID))
	}
	return result, nil
}

// Release clears the claim held by agentID on the task and returns the agent
// to online. Releasing a task the agent does not hold is an error.
func (s *Service) Release(ctx context.Context, taskID, agentID, reason string) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.AssignedAgentID == nil || *task.AssignedAgentID != agentID {
			return apperr.InvalidState("task is not claimed by agent %s", agentID)
		}

		if err := tx.SetTaskClaim(ctx, taskID, nil, nil); err != nil {
			return err
		}

		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		agent.Status = models.AgentStatusOnline
		agent.CurrentTaskID = nil
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": task.WorkflowID,
			"task_id":     taskID,
			"agent_id":    agentID,
			"released":    true,
			"reason":      reason,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("task released",
		zap.String("task_id", taskID), zap.String("agent_id", agentID), zap.String("reason", reason))
	return nil
}
