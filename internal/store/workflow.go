package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/ids"
	"github.com/caw-dev/caw/internal/models"
)

const workflowColumns = `id, name, source_type, source_ref, source_content, status, plan_summary,
	initial_plan, max_parallel_tasks, auto_create_workspaces, config,
	locked_by_session_id, locked_at, created_at, updated_at`

// CreateWorkflow inserts a workflow row, assigning an ID and timestamps.
func (q *queries) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == "" {
		wf.ID = ids.New(ids.Workflow)
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = models.WorkflowStatusPlanning
	}
	if wf.MaxParallelTasks == 0 {
		wf.MaxParallelTasks = 1
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO workflows (id, name, source_type, source_ref, source_content, status, plan_summary,
			initial_plan, max_parallel_tasks, auto_create_workspaces, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), wf.ID, wf.Name, wf.SourceType, wf.SourceRef, wf.SourceContent, wf.Status, wf.PlanSummary,
		wf.InitialPlan, wf.MaxParallelTasks, wf.AutoCreateWorkspaces, marshalMap(wf.Config),
		wf.CreatedAt, wf.UpdatedAt)
	return err
}

// GetWorkflow retrieves a workflow by ID.
func (q *queries) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`), id)
	wf, err := scanWorkflow(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("workflow not found: %s", id)
	}
	return wf, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	wf := &models.Workflow{}
	var config string
	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(&wf.ID, &wf.Name, &wf.SourceType, &wf.SourceRef, &wf.SourceContent, &wf.Status,
		&wf.PlanSummary, &wf.InitialPlan, &wf.MaxParallelTasks, &wf.AutoCreateWorkspaces, &config,
		&lockedBy, &lockedAt, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Config = unmarshalMap(config)
	wf.LockedBySessionID = strPtr(lockedBy)
	wf.LockedAt = timePtr(lockedAt)
	return wf, nil
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	RepositoryID string
	Statuses     []models.WorkflowStatus
	Limit        int
	Offset       int
}

// ListWorkflows returns a page of workflows plus the total matching count
// before pagination, newest first.
func (q *queries) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*models.Workflow, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if f.RepositoryID != "" {
		where = append(where, `w.id IN (SELECT workflow_id FROM workflow_repositories WHERE repository_id = ?)`)
		args = append(args, f.RepositoryID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, fmt.Sprintf("w.status IN (%s)", strings.Join(placeholders, ", ")))
	}
	cond := strings.Join(where, " AND ")

	var total int
	countQuery := q.ext.Rebind(`SELECT COUNT(*) FROM workflows w WHERE ` + cond)
	if err := q.ext.QueryRowxContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	listArgs := append(append([]interface{}{}, args...), limit, f.Offset)
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(`
		SELECT `+prefixColumns("w", workflowColumns)+`
		FROM workflows w WHERE `+cond+`
		ORDER BY w.created_at DESC, w.id LIMIT ? OFFSET ?
	`), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, total, rows.Err()
}

// prefixColumns qualifies each column in list with the given table alias.
func prefixColumns(alias, list string) string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// UpdateWorkflowStatus sets the workflow status.
func (q *queries) UpdateWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus) error {
	return q.execWorkflowUpdate(ctx, id, `status = ?`, status)
}

// SetWorkflowPlanMeta records the applied plan summary and snapshot.
func (q *queries) SetWorkflowPlanMeta(ctx context.Context, id, summary, initialPlan string) error {
	return q.execWorkflowUpdate(ctx, id, `plan_summary = ?, initial_plan = ?`, summary, initialPlan)
}

// SetWorkflowPlanSummary updates only the plan summary (replan).
func (q *queries) SetWorkflowPlanSummary(ctx context.Context, id, summary string) error {
	return q.execWorkflowUpdate(ctx, id, `plan_summary = ?`, summary)
}

// UpdateWorkflowConfig overwrites the free-form config map.
func (q *queries) UpdateWorkflowConfig(ctx context.Context, id string, config map[string]interface{}) error {
	return q.execWorkflowUpdate(ctx, id, `config = ?`, marshalMap(config))
}

// SetWorkflowParallelism updates the parallelism cap and, when auto is
// non-nil, the auto-create-workspaces flag.
func (q *queries) SetWorkflowParallelism(ctx context.Context, id string, maxParallel int, auto *bool) error {
	if auto != nil {
		return q.execWorkflowUpdate(ctx, id, `max_parallel_tasks = ?, auto_create_workspaces = ?`, maxParallel, *auto)
	}
	return q.execWorkflowUpdate(ctx, id, `max_parallel_tasks = ?`, maxParallel)
}

// SetWorkflowLock sets or clears the advisory lock holder. Both pointers nil
// clears the lock.
func (q *queries) SetWorkflowLock(ctx context.Context, id string, sessionID *string, lockedAt *time.Time) error {
	return q.execWorkflowUpdate(ctx, id, `locked_by_session_id = ?, locked_at = ?`, nullStr(sessionID), nullTime(lockedAt))
}

func (q *queries) execWorkflowUpdate(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, time.Now().UTC(), id)
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`UPDATE workflows SET `+set+`, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("workflow not found: %s", id)
	}
	return nil
}

// ReleaseStaleWorkflowLocks clears lock holders whose session has stopped
// heartbeating (or whose session row no longer exists). Returns the number of
// locks cleared.
func (q *queries) ReleaseStaleWorkflowLocks(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE workflows SET locked_by_session_id = NULL, locked_at = NULL, updated_at = ?
		WHERE locked_by_session_id IS NOT NULL
		  AND locked_by_session_id NOT IN (SELECT id FROM sessions WHERE last_heartbeat >= ?)
	`), time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// WorkflowLockInfo is the lock state plus the holder's pid when the session
// row still exists.
type WorkflowLockInfo struct {
	Locked     bool       `json:"locked"`
	SessionID  *string    `json:"session_id,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	SessionPID *int       `json:"session_pid,omitempty"`
}

// GetWorkflowLockInfo reads the lock state. The pid comes via LEFT JOIN so a
// dangling holder id still reports as locked.
func (q *queries) GetWorkflowLockInfo(ctx context.Context, id string) (*WorkflowLockInfo, error) {
	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	var pid sql.NullInt64
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT w.locked_by_session_id, w.locked_at, s.pid
		FROM workflows w
		LEFT JOIN sessions s ON s.id = w.locked_by_session_id
		WHERE w.id = ?
	`), id).Scan(&lockedBy, &lockedAt, &pid)
	if IsNoRows(err) {
		return nil, apperr.NotFound("workflow not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	info := &WorkflowLockInfo{
		Locked:    lockedBy.Valid,
		SessionID: strPtr(lockedBy),
		LockedAt:  timePtr(lockedAt),
	}
	if pid.Valid {
		p := int(pid.Int64)
		info.SessionPID = &p
	}
	return info, nil
}
