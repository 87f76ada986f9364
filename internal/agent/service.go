// Package agent implements agent registration, heartbeats, stale detection,
// and unregistration with claim release.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides agent business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates an agent service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "agent-service")),
	}
}

// RegisterParams are the inputs for Register.
type RegisterParams struct {
	Name          string                 `json:"name"`
	Runtime       string                 `json:"runtime"`
	Role          models.AgentRole       `json:"role,omitempty"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	WorkspacePath string                 `json:"workspace_path,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Register inserts an agent in status online with a fresh heartbeat.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*models.Agent, error) {
	if params.Name == "" {
		return nil, apperr.Validation("agent name is required")
	}
	if params.Runtime == "" {
		return nil, apperr.Validation("agent runtime is required")
	}
	role := params.Role
	if role == "" {
		role = models.AgentRoleWorker
	}
	if role != models.AgentRoleWorker && role != models.AgentRoleCoordinator {
		return nil, apperr.Validation("unknown agent role: %s", role)
	}

	agent := &models.Agent{
		Name:          params.Name,
		Runtime:       params.Runtime,
		Role:          role,
		Capabilities:  params.Capabilities,
		WorkspacePath: params.WorkspacePath,
		Metadata:      params.Metadata,
	}
	if params.WorkflowID != "" {
		wfID := params.WorkflowID
		agent.WorkflowID = &wfID
	}

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if agent.WorkflowID != nil {
			if _, err := tx.GetWorkflow(ctx, *agent.WorkflowID); err != nil {
				return err
			}
		}
		if err := tx.CreateAgent(ctx, agent); err != nil {
			return err
		}
		tx.Emit(events.TypeAgentRegistered, map[string]interface{}{
			"agent_id": agent.ID,
			"name":     agent.Name,
			"runtime":  agent.Runtime,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
	return agent, nil
}

// Get returns the agent by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// Heartbeat refreshes last_heartbeat and optionally updates the working
// status and current task. Offline agents must re-register instead.
func (s *Service) Heartbeat(ctx context.Context, id string, currentTaskID *string, status models.AgentStatus) (*models.Agent, error) {
	var agent *models.Agent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		agent, err = tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent.Status == models.AgentStatusOffline {
			return apperr.InvalidState("agent is offline; register again")
		}
		if status != "" {
			if status != models.AgentStatusOnline && status != models.AgentStatusBusy {
				return apperr.Validation("invalid heartbeat status: %s", status)
			}
			agent.Status = status
		}
		if currentTaskID != nil {
			if *currentTaskID == "" {
				agent.CurrentTaskID = nil
			} else {
				agent.CurrentTaskID = currentTaskID
			}
		}
		agent.LastHeartbeat = time.Now().UTC()
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}
		tx.Emit(events.TypeAgentHeartbeat, map[string]interface{}{
			"agent_id": id,
			"status":   string(agent.Status),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// UpdateParams carry the fields Update may change. Metadata shallow-merges
// into the existing map; Capabilities replaces wholesale.
type UpdateParams struct {
	Name          *string                `json:"name,omitempty"`
	Status        *models.AgentStatus    `json:"status,omitempty"`
	WorkflowID    *string                `json:"workflow_id,omitempty"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	WorkspacePath *string                `json:"workspace_path,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Update partially updates an agent.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*models.Agent, error) {
	var agent *models.Agent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		agent, err = tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if params.Name != nil {
			agent.Name = *params.Name
		}
		if params.Status != nil {
			agent.Status = *params.Status
		}
		if params.WorkflowID != nil {
			if *params.WorkflowID == "" {
				agent.WorkflowID = nil
			} else {
				agent.WorkflowID = params.WorkflowID
			}
		}
		if params.Capabilities != nil {
			agent.Capabilities = params.Capabilities
		}
		if params.WorkspacePath != nil {
			agent.WorkspacePath = *params.WorkspacePath
		}
		if len(params.Metadata) > 0 {
			if agent.Metadata == nil {
				agent.Metadata = map[string]interface{}{}
			}
			for k, v := range params.Metadata {
				agent.Metadata[k] = v
			}
		}
		return tx.UpdateAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// List returns agents matching the filter; an empty-array filter matches
// nothing.
func (s *Service) List(ctx context.Context, filter store.AgentFilter) ([]*models.Agent, error) {
	agents, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return agents, nil
}

// UnregisterResult reports the effect of Unregister.
type UnregisterResult struct {
	Success       bool `json:"success"`
	TasksReleased int  `json:"tasks_released"`
}

// Unregister takes the agent offline and releases every claim it holds on
// non-terminal tasks.
func (s *Service) Unregister(ctx context.Context, id string) (*UnregisterResult, error) {
	result := &UnregisterResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		agent, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}

		released, err := tx.ReleaseAgentClaims(ctx, id)
		if err != nil {
			return err
		}

		agent.Status = models.AgentStatusOffline
		agent.CurrentTaskID = nil
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		result.Success = true
		result.TasksReleased = released
		tx.Emit(events.TypeAgentUnregistered, map[string]interface{}{
			"agent_id":       id,
			"tasks_released": released,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent unregistered",
		zap.String("agent_id", id), zap.Int("tasks_released", result.TasksReleased))
	return result, nil
}

// GetStale returns online or busy agents whose heartbeat is older than the
// timeout.
func (s *Service) GetStale(ctx context.Context, timeout time.Duration) ([]*models.Agent, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	agents, err := s.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return agents, nil
}

// ExpireStale takes every stale agent offline and releases its claims, the
// same way Unregister would. Returns the number of agents expired.
func (s *Service) ExpireStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	var expired int
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		stale, err := tx.ListStaleAgents(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, agent := range stale {
			released, err := tx.ReleaseAgentClaims(ctx, agent.ID)
			if err != nil {
				return err
			}
			agent.Status = models.AgentStatusOffline
			agent.CurrentTaskID = nil
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return err
			}
			expired++
			tx.Emit(events.TypeAgentUnregistered, map[string]interface{}{
				"agent_id":       agent.ID,
				"tasks_released": released,
				"reason":         "heartbeat_timeout",
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Info("expired stale agents", zap.Int("count", expired))
	}
	return expired, nil
}
