package store

import (
	"context"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

const templateColumns = `id, name, description, template, version, created_at, updated_at`

// CreateTemplate inserts a template row; the name is unique across the store.
func (q *queries) CreateTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error {
	if tmpl.ID == "" {
		tmpl.ID = ids.New(ids.Template)
	}
	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if tmpl.Version == 0 {
		tmpl.Version = 1
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO workflow_templates (id, name, description, template, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Template, tmpl.Version, tmpl.CreatedAt, tmpl.UpdatedAt)
	return err
}

// GetTemplate retrieves a template by ID.
func (q *queries) GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`), id)
	tmpl := &models.WorkflowTemplate{}
	err := row.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.Template, &tmpl.Version,
		&tmpl.CreatedAt, &tmpl.UpdatedAt)
	if IsNoRows(err) {
		return nil, apperr.NotFound("template not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// ListTemplates returns every template ordered by name.
func (q *queries) ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(
		`SELECT `+templateColumns+` FROM workflow_templates ORDER BY name`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*models.WorkflowTemplate
	for rows.Next() {
		tmpl := &models.WorkflowTemplate{}
		if err := rows.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.Template,
			&tmpl.Version, &tmpl.CreatedAt, &tmpl.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// UpdateTemplate overwrites a template's definition and bumps its version.
func (q *queries) UpdateTemplate(ctx context.Context, id, definition string) (*models.WorkflowTemplate, error) {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE workflow_templates SET template = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`), definition, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, apperr.NotFound("template not found: %s", id)
	}
	return q.GetTemplate(ctx, id)
}
