package store

import (
	"context"
	"path/filepath"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

// UpsertRepositoryByPath registers a repository, returning the existing row
// when the path is already known.
func (q *queries) UpsertRepositoryByPath(ctx context.Context, path, name string) (*models.Repository, error) {
	existing, err := q.GetRepositoryByPath(ctx, path)
	if err == nil {
		return existing, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(path)
	}

	repo := &models.Repository{
		ID:   ids.New(ids.Repository),
		Path: path,
		Name: name,
	}
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	_, err = q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO repositories (id, path, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), repo.ID, repo.Path, repo.Name, repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepository retrieves a repository by ID.
func (q *queries) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	repo := &models.Repository{}
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT id, path, name, created_at, updated_at FROM repositories WHERE id = ?
	`), id).Scan(&repo.ID, &repo.Path, &repo.Name, &repo.CreatedAt, &repo.UpdatedAt)
	if IsNoRows(err) {
		return nil, apperr.NotFound("repository not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepositoryByPath retrieves a repository by its unique path.
func (q *queries) GetRepositoryByPath(ctx context.Context, path string) (*models.Repository, error) {
	repo := &models.Repository{}
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT id, path, name, created_at, updated_at FROM repositories WHERE path = ?
	`), path).Scan(&repo.ID, &repo.Path, &repo.Name, &repo.CreatedAt, &repo.UpdatedAt)
	if IsNoRows(err) {
		return nil, apperr.NotFound("repository not found: %s", path)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// AddWorkflowRepository joins a repository to a workflow; duplicates are
// ignored.
func (q *queries) AddWorkflowRepository(ctx context.Context, workflowID, repositoryID string) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT OR IGNORE INTO workflow_repositories (workflow_id, repository_id, added_at)
		VALUES (?, ?, ?)
	`), workflowID, repositoryID, time.Now().UTC())
	return err
}

// RemoveWorkflowRepository deletes the join row.
func (q *queries) RemoveWorkflowRepository(ctx context.Context, workflowID, repositoryID string) error {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		DELETE FROM workflow_repositories WHERE workflow_id = ? AND repository_id = ?
	`), workflowID, repositoryID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("repository %s is not attached to workflow %s", repositoryID, workflowID)
	}
	return nil
}

// ListWorkflowRepositories returns the repositories joined to a workflow.
func (q *queries) ListWorkflowRepositories(ctx context.Context, workflowID string) ([]*models.Repository, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(`
		SELECT r.id, r.path, r.name, r.created_at, r.updated_at
		FROM repositories r
		JOIN workflow_repositories wr ON wr.repository_id = r.id
		WHERE wr.workflow_id = ?
		ORDER BY wr.added_at, r.id
	`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*models.Repository
	for rows.Next() {
		repo := &models.Repository{}
		if err := rows.Scan(&repo.ID, &repo.Path, &repo.Name, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}
