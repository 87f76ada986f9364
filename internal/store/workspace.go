package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

const workspaceColumns = `id, workflow_id, repository_id, path, branch, base_branch, status,
	merge_commit, pr_url, config, created_at, updated_at`

// CreateWorkspace inserts a workspace row, assigning an ID and timestamps.
func (q *queries) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = ids.New(ids.Workspace)
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	if ws.Status == "" {
		ws.Status = models.WorkspaceStatusActive
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO workspaces (id, workflow_id, repository_id, path, branch, base_branch, status,
			merge_commit, pr_url, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.WorkflowID, nullStr(ws.RepositoryID), ws.Path, ws.Branch, ws.BaseBranch,
		ws.Status, ws.MergeCommit, ws.PRURL, marshalMap(ws.Config), ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetWorkspace retrieves a workspace by ID.
func (q *queries) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`), id)
	ws, err := scanWorkspace(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("workspace not found: %s", id)
	}
	return ws, err
}

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var repositoryID sql.NullString
	var config string
	err := row.Scan(&ws.ID, &ws.WorkflowID, &repositoryID, &ws.Path, &ws.Branch, &ws.BaseBranch,
		&ws.Status, &ws.MergeCommit, &ws.PRURL, &config, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ws.RepositoryID = strPtr(repositoryID)
	ws.Config = unmarshalMap(config)
	return ws, nil
}

// UpdateWorkspace writes every mutable workspace column.
func (q *queries) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE workspaces SET repository_id = ?, path = ?, branch = ?, base_branch = ?, status = ?,
			merge_commit = ?, pr_url = ?, config = ?, updated_at = ?
		WHERE id = ?
	`), nullStr(ws.RepositoryID), ws.Path, ws.Branch, ws.BaseBranch, ws.Status, ws.MergeCommit,
		ws.PRURL, marshalMap(ws.Config), ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("workspace not found: %s", ws.ID)
	}
	return nil
}

// ListWorkspaces returns a workflow's workspaces, optionally filtered by
// status, ordered by creation time.
func (q *queries) ListWorkspaces(ctx context.Context, workflowID string, statuses []models.WorkspaceStatus) ([]*models.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE workflow_id = ?`
	args := []interface{}{workflowID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// CountWorkspacesByRepository reports how many workspaces still reference a
// repository within a workflow.
func (q *queries) CountWorkspacesByRepository(ctx context.Context, workflowID, repositoryID string) (int, error) {
	var n int
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT COUNT(*) FROM workspaces WHERE workflow_id = ? AND repository_id = ?
	`), workflowID, repositoryID).Scan(&n)
	return n, err
}

// CountTasksByRepository reports how many tasks still reference a repository
// within a workflow.
func (q *queries) CountTasksByRepository(ctx context.Context, workflowID, repositoryID string) (int, error) {
	var n int
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND repository_id = ?
	`), workflowID, repositoryID).Scan(&n)
	return n, err
}
