package workflow

import (
	"context"
	"strings"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// AddRepository joins a repository to the workflow, registering it by path if
// needed. Exactly one of repositoryID or path must be supplied.
func (s *Service) AddRepository(ctx context.Context, workflowID, repositoryID, path string) (*models.Repository, error) {
	if (repositoryID == "") == (strings.TrimSpace(path) == "") {
		return nil, apperr.Validation("exactly one of repository_id or path is required")
	}

	var repo *models.Repository
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorkflow(ctx, workflowID); err != nil {
			return err
		}
		var err error
		if repositoryID != "" {
			repo, err = tx.GetRepository(ctx, repositoryID)
		} else {
			repo, err = tx.UpsertRepositoryByPath(ctx, path, "")
		}
		if err != nil {
			return err
		}
		return tx.AddWorkflowRepository(ctx, workflowID, repo.ID)
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// RemoveRepository detaches a repository from the workflow. Fails while any
// task or workspace of the workflow still references it.
func (s *Service) RemoveRepository(ctx context.Context, workflowID, repositoryID string) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorkflow(ctx, workflowID); err != nil {
			return err
		}
		tasks, err := tx.CountTasksByRepository(ctx, workflowID, repositoryID)
		if err != nil {
			return err
		}
		if tasks > 0 {
			return apperr.InvalidState("repository is referenced by %d task(s)", tasks)
		}
		workspaces, err := tx.CountWorkspacesByRepository(ctx, workflowID, repositoryID)
		if err != nil {
			return err
		}
		if workspaces > 0 {
			return apperr.InvalidState("repository is referenced by %d workspace(s)", workspaces)
		}
		return tx.RemoveWorkflowRepository(ctx, workflowID, repositoryID)
	})
}

// ListRepositories returns the repositories joined to the workflow.
func (s *Service) ListRepositories(ctx context.Context, workflowID string) ([]*models.Repository, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	repos, err := s.store.ListWorkflowRepositories(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if repos == nil {
		repos = []*models.Repository{}
	}
	return repos, nil
}
