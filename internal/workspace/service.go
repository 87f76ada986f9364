// Package workspace implements branch-scoped working areas tasks check code
// into.
package workspace

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides workspace business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates a workspace service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "workspace-service")),
	}
}

// CreateParams are the inputs for Create. RepositoryID and RepositoryPath are
// mutually exclusive; a path is auto-registered.
type CreateParams struct {
	WorkflowID     string                 `json:"workflow_id"`
	Path           string                 `json:"path"`
	Branch         string                 `json:"branch"`
	BaseBranch     string                 `json:"base_branch,omitempty"`
	TaskIDs        []string               `json:"task_ids,omitempty"`
	RepositoryID   string                 `json:"repository_id,omitempty"`
	RepositoryPath string                 `json:"repository_path,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// Create inserts a workspace in status active and optionally assigns it to a
// set of existing tasks; a missing task aborts the whole operation.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Workspace, error) {
	if params.WorkflowID == "" {
		return nil, apperr.Validation("workflow_id is required")
	}
	if strings.TrimSpace(params.Path) == "" {
		return nil, apperr.Validation("workspace path is required")
	}
	if params.Branch == "" {
		return nil, apperr.Validation("workspace branch is required")
	}
	if params.RepositoryID != "" && params.RepositoryPath != "" {
		return nil, apperr.Validation("repository_id and repository_path are mutually exclusive")
	}

	ws := &models.Workspace{
		WorkflowID: params.WorkflowID,
		Path:       params.Path,
		Branch:     params.Branch,
		BaseBranch: params.BaseBranch,
		Config:     params.Config,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorkflow(ctx, params.WorkflowID); err != nil {
			return err
		}
		switch {
		case params.RepositoryID != "":
			repo, err := tx.GetRepository(ctx, params.RepositoryID)
			if err != nil {
				return err
			}
			ws.RepositoryID = &repo.ID
		case params.RepositoryPath != "":
			repo, err := tx.UpsertRepositoryByPath(ctx, params.RepositoryPath, "")
			if err != nil {
				return err
			}
			ws.RepositoryID = &repo.ID
		}

		if err := tx.CreateWorkspace(ctx, ws); err != nil {
			return err
		}
		for _, taskID := range params.TaskIDs {
			task, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			task.WorkspaceID = &ws.ID
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("workspace created",
		zap.String("workspace_id", ws.ID), zap.String("workflow_id", ws.WorkflowID))
	return ws, nil
}

// Get returns the workspace by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// UpdateParams carry the fields Update may change.
type UpdateParams struct {
	Status      *models.WorkspaceStatus `json:"status,omitempty"`
	MergeCommit *string                 `json:"merge_commit,omitempty"`
	PRURL       *string                 `json:"pr_url,omitempty"`
	Config      map[string]interface{}  `json:"config,omitempty"`
}

// Update partially updates a workspace. Transitioning to merged requires a
// merge commit, either already recorded or supplied in the same call.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*models.Workspace, error) {
	var ws *models.Workspace
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		ws, err = tx.GetWorkspace(ctx, id)
		if err != nil {
			return err
		}
		if params.MergeCommit != nil {
			ws.MergeCommit = *params.MergeCommit
		}
		if params.PRURL != nil {
			ws.PRURL = *params.PRURL
		}
		if params.Config != nil {
			ws.Config = params.Config
		}
		if params.Status != nil {
			target := *params.Status
			if !models.CanTransitionWorkspace(ws.Status, target) {
				return apperr.InvalidState("invalid workspace transition %s -> %s", ws.Status, target)
			}
			if target == models.WorkspaceStatusMerged && ws.MergeCommit == "" {
				return apperr.Validation("merge_commit is required to mark a workspace merged")
			}
			ws.Status = target
		}
		return tx.UpdateWorkspace(ctx, ws)
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// AssignTask points a task at an active workspace.
func (s *Service) AssignTask(ctx context.Context, taskID, workspaceID string) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if ws.Status != models.WorkspaceStatusActive {
			return apperr.InvalidState("cannot assign task to workspace in status %s", ws.Status)
		}
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task.WorkspaceID = &ws.ID
		return tx.UpdateTask(ctx, task)
	})
}

// List returns the workflow's workspaces, oldest first, optionally narrowed
// to a status set.
func (s *Service) List(ctx context.Context, workflowID string, statuses []models.WorkspaceStatus) ([]*models.Workspace, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	workspaces, err := s.store.ListWorkspaces(ctx, workflowID, statuses)
	if err != nil {
		return nil, err
	}
	if workspaces == nil {
		workspaces = []*models.Workspace{}
	}
	return workspaces, nil
}
