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

const agentColumns = `id, workflow_id, name, runtime, role, status, capabilities,
	current_task_id, workspace_path, last_heartbeat, metadata, created_at, updated_at`

// CreateAgent inserts an agent row, assigning an ID and timestamps.
func (q *queries) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = ids.New(ids.Agent)
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = now
	}
	if agent.Role == "" {
		agent.Role = models.AgentRoleWorker
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusOnline
	}

	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		INSERT INTO agents (id, workflow_id, name, runtime, role, status, capabilities,
			current_task_id, workspace_path, last_heartbeat, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, nullStr(agent.WorkflowID), agent.Name, agent.Runtime, agent.Role, agent.Status,
		marshalStrings(agent.Capabilities), nullStr(agent.CurrentTaskID), agent.WorkspacePath,
		agent.LastHeartbeat, marshalMap(agent.Metadata), agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (q *queries) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := q.ext.QueryRowxContext(ctx, q.ext.Rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	agent, err := scanAgent(row)
	if IsNoRows(err) {
		return nil, apperr.NotFound("agent not found: %s", id)
	}
	return agent, err
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var workflowID, currentTaskID sql.NullString
	var capabilities, metadata string
	err := row.Scan(&agent.ID, &workflowID, &agent.Name, &agent.Runtime, &agent.Role, &agent.Status,
		&capabilities, &currentTaskID, &agent.WorkspacePath, &agent.LastHeartbeat, &metadata,
		&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agent.WorkflowID = strPtr(workflowID)
	agent.CurrentTaskID = strPtr(currentTaskID)
	agent.Capabilities = unmarshalStrings(capabilities)
	agent.Metadata = unmarshalMap(metadata)
	return agent, nil
}

// UpdateAgent writes every mutable agent column.
func (q *queries) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE agents SET workflow_id = ?, name = ?, runtime = ?, role = ?, status = ?,
			capabilities = ?, current_task_id = ?, workspace_path = ?, last_heartbeat = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?
	`), nullStr(agent.WorkflowID), agent.Name, agent.Runtime, agent.Role, agent.Status,
		marshalStrings(agent.Capabilities), nullStr(agent.CurrentTaskID), agent.WorkspacePath,
		agent.LastHeartbeat, marshalMap(agent.Metadata), agent.UpdatedAt, agent.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFound("agent not found: %s", agent.ID)
	}
	return nil
}

// AgentFilter narrows ListAgents. Non-nil empty slices match nothing.
type AgentFilter struct {
	Statuses   []models.AgentStatus `json:"status,omitempty"`
	Roles      []models.AgentRole   `json:"role,omitempty"`
	Runtime    string               `json:"runtime,omitempty"`
	WorkflowID string               `json:"workflow_id,omitempty"`
}

func (f AgentFilter) matchesNothing() bool {
	return (f.Statuses != nil && len(f.Statuses) == 0) ||
		(f.Roles != nil && len(f.Roles) == 0)
}

// ListAgents returns agents matching the filter, oldest registration first.
func (q *queries) ListAgents(ctx context.Context, f AgentFilter) ([]*models.Agent, error) {
	if f.matchesNothing() {
		return nil, nil
	}

	where := []string{"1=1"}
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, `status IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if len(f.Roles) > 0 {
		placeholders := make([]string, len(f.Roles))
		for i, r := range f.Roles {
			placeholders[i] = "?"
			args = append(args, r)
		}
		where = append(where, `role IN (`+strings.Join(placeholders, ", ")+`)`)
	}
	if f.Runtime != "" {
		where = append(where, `runtime = ?`)
		args = append(args, f.Runtime)
	}
	if f.WorkflowID != "" {
		where = append(where, `workflow_id = ?`)
		args = append(args, f.WorkflowID)
	}

	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at, id
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ReleaseAgentClaims clears the claim on every non-terminal task assigned to
// the agent and returns how many were released.
func (q *queries) ReleaseAgentClaims(ctx context.Context, agentID string) (int, error) {
	result, err := q.ext.ExecContext(ctx, q.ext.Rebind(`
		UPDATE tasks SET assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?
		WHERE assigned_agent_id = ? AND status NOT IN ('completed', 'skipped')
	`), time.Now().UTC(), agentID)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ListStaleAgents returns online or busy agents whose last heartbeat is older
// than cutoff.
func (q *queries) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*models.Agent, error) {
	rows, err := q.ext.QueryxContext(ctx, q.ext.Rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE status IN ('online', 'busy') AND last_heartbeat < ?
		ORDER BY last_heartbeat
	`), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}
