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

const taskColumns = `id, workflow_id, name, description, status, sequence, parallel_group,
	assigned_agent_id, claimed_at, plan, outcome, outcome_detail, workspace_id, repository_id,
	context, created_at, updated_at`

// CreateTask inserts a task row, assigning an ID and timestamps.
func (q *queries) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = ids.New(ids.Task)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO tasks (id, workflow_id, name, description, status, sequence, parallel_group,
			assigned_agent_id, claimed_at, plan, outcome, outcome_detail, workspace_id, repository_id,
			context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.WorkflowID, task.Name, task.Description, task.Status, task.Sequence,
		nullStr(task.ParallelGroup), nullStr(task.AssignedAgentID), nullTime(task.ClaimedAt),
		task.Plan, task.Outcome, task.OutcomeDetail, nullStr(task.WorkspaceID),
		nullStr(task.RepositoryID), marshalMap(task.Context), task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (q *queries) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("task not found: %s", id)
	}
	return task, err
}

// GetTaskByName retrieves a task by its workflow-unique name.
func (q *queries) GetTaskByName(ctx context.Context, workflowID, name string) (*models.Task, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? AND name = ?`), workflowID, name)
	task, err := scanTask(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("task not found: %s", name)
	}
	return task, err
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var parallelGroup, assignedAgent, workspaceID, repositoryID sql.NullString
	var claimedAt sql.NullTime
	var taskContext string
	err := row.Scan(&task.ID, &task.WorkflowID, &task.Name, &task.Description, &task.Status,
		&task.Sequence, &parallelGroup, &assignedAgent, &claimedAt, &task.Plan, &task.Outcome,
		&task.OutcomeDetail, &workspaceID, &repositoryID, &taskContext, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.ParallelGroup = strPtr(parallelGroup)
	task.AssignedAgentID = strPtr(assignedAgent)
	task.ClaimedAt = timePtr(claimedAt)
	task.WorkspaceID = strPtr(workspaceID)
	task.RepositoryID = strPtr(repositoryID)
	task.Context = unmarshalMap(taskContext)
	return task, nil
}

func (q *queries) scanTaskRows(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTasksByWorkflow returns every task of a workflow ordered by
// (sequence, name).
func (q *queries) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*models.Task, error) {
	return q.scanTaskRows(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_id = ? ORDER BY sequence, name`, workflowID)
}

// UpdateTask writes every mutable task column.
func (q *queries) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE tasks SET name = ?, description = ?, status = ?, sequence = ?, parallel_group = ?,
			assigned_agent_id = ?, claimed_at = ?, plan = ?, outcome = ?, outcome_detail = ?,
			workspace_id = ?, repository_id = ?, context = ?, updated_at = ?
		WHERE id = ?
	`), task.Name, task.Description, task.Status, task.Sequence, nullStr(task.ParallelGroup),
		nullStr(task.AssignedAgentID), nullTime(task.ClaimedAt), task.Plan, task.Outcome,
		task.OutcomeDetail, nullStr(task.WorkspaceID), nullStr(task.RepositoryID),
		marshalMap(task.Context), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("task not found: %s", task.ID)
	}
	return nil
}

// DeleteTask removes a task row; incident dependency edges and checkpoints
// cascade.
func (q *queries) DeleteTask(ctx context.Context, id string) error {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("task not found: %s", id)
	}
	return nil
}

// ShiftTaskSequences increments the sequence of every task at or after
// fromSequence, opening a slot for an insertion.
func (q *queries) ShiftTaskSequences(ctx context.Context, workflowID string, fromSequence int) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE tasks SET sequence = sequence + 1, updated_at = ?
		WHERE workflow_id = ? AND sequence >= ?
	`), time.Now().UTC(), workflowID, fromSequence)
	return err
}

// SetTaskSequence renumbers a single task.
func (q *queries) SetTaskSequence(ctx context.Context, id string, sequence int) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`UPDATE tasks SET sequence = ?, updated_at = ? WHERE id = ?`), sequence, time.Now().UTC(), id)
	return err
}

// MaxTaskSequence returns the highest sequence in a workflow (0 when empty).
func (q *queries) MaxTaskSequence(ctx context.Context, workflowID string) (int, error) {
	var max int
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT COALESCE(MAX(sequence), 0) FROM tasks WHERE workflow_id = ?`), workflowID).Scan(&max)
	return max, err
}

// SetTaskClaim sets or clears a task's exclusive claim.
func (q *queries) SetTaskClaim(ctx context.Context, id string, agentID *string, claimedAt *time.Time) error {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE tasks SET assigned_agent_id = ?, claimed_at = ?, updated_at = ? WHERE id = ?
	`), nullStr(agentID), nullTime(claimedAt), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("task not found: %s", id)
	}
	return nil
}

// AvailableTaskFilter narrows ListAvailableTasks.
type AvailableTaskFilter struct {
	WorkflowID string
	Statuses   []models.TaskStatus
	Limit      int
}

// ListAvailableTasks returns unclaimed tasks in the given statuses that have
// no blocking predecessor in a non-terminal status, ordered by
// (sequence, name). A predecessor in any non-terminal status blocks, whatever
// its own eligibility.
func (q *queries) ListAvailableTasks(ctx context.Context, f AvailableTaskFilter) ([]*models.Task, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []models.TaskStatus{models.TaskStatusPending}
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status IN (` + strings.Join(placeholders, ", ") + `)
		  AND t.assigned_agent_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id
			  AND d.dependency_type = 'blocks'
			  AND dep.status NOT IN ('completed', 'skipped')
		  )`
	if f.WorkflowID != "" {
		query += ` AND t.workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	query += ` ORDER BY t.sequence, t.name`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	return q.scanTaskRows(ctx, query, args...)
}

// AddTaskDependency inserts a dependency edge; duplicate edges are ignored.
// Returns whether a new edge was actually written.
func (q *queries) AddTaskDependency(ctx context.Context, dep *models.TaskDependency) (bool, error) {
	if dep.DependencyType == "" {
		dep.DependencyType = models.DependencyBlocks
	}
	dep.CreatedAt = time.Now().UTC()
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id, dependency_type, created_at)
		VALUES (?, ?, ?, ?)
	`), dep.TaskID, dep.DependsOnID, dep.DependencyType, dep.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DeleteTaskDependencies removes every edge incident to the task, in either
// direction.
func (q *queries) DeleteTaskDependencies(ctx context.Context, taskID string) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(
		`DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`), taskID, taskID)
	return err
}

func (q *queries) scanDependencyRows(ctx context.Context, query string, args ...interface{}) ([]*models.TaskDependency, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*models.TaskDependency
	for rows.Next() {
		dep := &models.TaskDependency{}
		if err := rows.Scan(&dep.TaskID, &dep.DependsOnID, &dep.DependencyType, &dep.CreatedAt); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDependencies returns the edges where the task is the dependent (the
// task's predecessors).
func (q *queries) ListDependencies(ctx context.Context, taskID string) ([]*models.TaskDependency, error) {
	return q.scanDependencyRows(ctx, `
		SELECT task_id, depends_on_id, dependency_type, created_at
		FROM task_dependencies WHERE task_id = ?`, taskID)
}

// ListDependents returns the edges where the task is the predecessor.
func (q *queries) ListDependents(ctx context.Context, taskID string) ([]*models.TaskDependency, error) {
	return q.scanDependencyRows(ctx, `
		SELECT task_id, depends_on_id, dependency_type, created_at
		FROM task_dependencies WHERE depends_on_id = ?`, taskID)
}

// ListWorkflowDependencies returns every dependency edge between tasks of a
// workflow.
func (q *queries) ListWorkflowDependencies(ctx context.Context, workflowID string) ([]*models.TaskDependency, error) {
	return q.scanDependencyRows(ctx, `
		SELECT d.task_id, d.depends_on_id, d.dependency_type, d.created_at
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.workflow_id = ?`, workflowID)
}

// CountBlockingPredecessors returns how many blocks-predecessors of the task
// are still in a non-terminal status.
func (q *queries) CountBlockingPredecessors(ctx context.Context, taskID string) (int, error) {
	var n int
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(`
		SELECT COUNT(*) FROM task_dependencies d
		JOIN tasks dep ON dep.id = d.depends_on_id
		WHERE d.task_id = ? AND d.dependency_type = 'blocks'
		  AND dep.status NOT IN ('completed', 'skipped')
	`), taskID).Scan(&n)
	return n, err
}

// ListTasksByAgent returns the non-terminal tasks currently claimed by an
// agent.
func (q *queries) ListTasksByAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	return q.scanTaskRows(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_agent_id = ? AND status NOT IN ('completed', 'skipped')
		ORDER BY sequence, name`, agentID)
}
