// Package models defines the orchestration entities persisted by the store
// and the status machines layered on top of them.
package models

import "time"

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPlanning   WorkflowStatus = "planning"
	WorkflowStatusReady      WorkflowStatus = "ready"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusPaused     WorkflowStatus = "paused"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusAbandoned  WorkflowStatus = "abandoned"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusAbandoned
}

// AgentStatus is the connection state of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentRole distinguishes coordinating agents from workers.
type AgentRole string

const (
	AgentRoleCoordinator AgentRole = "coordinator"
	AgentRoleWorker      AgentRole = "worker"
)

// WorkspaceStatus is the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusActive    WorkspaceStatus = "active"
	WorkspaceStatusMerged    WorkspaceStatus = "merged"
	WorkspaceStatusAbandoned WorkspaceStatus = "abandoned"
)

// MessageStatus tracks read state of a message.
type MessageStatus string

const (
	MessageStatusUnread   MessageStatus = "unread"
	MessageStatusRead     MessageStatus = "read"
	MessageStatusArchived MessageStatus = "archived"
)

// MessagePriority orders inter-agent messages.
type MessagePriority string

const (
	MessagePriorityLow    MessagePriority = "low"
	MessagePriorityNormal MessagePriority = "normal"
	MessagePriorityHigh   MessagePriority = "high"
	MessagePriorityUrgent MessagePriority = "urgent"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p MessagePriority) bool {
	switch p {
	case MessagePriorityLow, MessagePriorityNormal, MessagePriorityHigh, MessagePriorityUrgent:
		return true
	}
	return false
}

// DependencyType classifies a task dependency edge.
type DependencyType string

const (
	// DependencyBlocks gates execution: the dependent may not start until
	// the predecessor reaches a terminal status.
	DependencyBlocks DependencyType = "blocks"
	// DependencyInforms is advisory only.
	DependencyInforms DependencyType = "informs"
)

// CheckpointType classifies an entry in a task's progress ledger.
type CheckpointType string

const (
	CheckpointTypePlan     CheckpointType = "plan"
	CheckpointTypeProgress CheckpointType = "progress"
	CheckpointTypeDecision CheckpointType = "decision"
	CheckpointTypeError    CheckpointType = "error"
	CheckpointTypeReplan   CheckpointType = "replan"
	CheckpointTypeComplete CheckpointType = "complete"
)

// Workflow is the unit of planning: a named plan owning a DAG of tasks.
type Workflow struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	SourceType           string                 `json:"source_type"`
	SourceRef            string                 `json:"source_ref,omitempty"`
	SourceContent        string                 `json:"source_content,omitempty"`
	Status               WorkflowStatus         `json:"status"`
	PlanSummary          string                 `json:"plan_summary,omitempty"`
	InitialPlan          string                 `json:"initial_plan,omitempty"`
	MaxParallelTasks     int                    `json:"max_parallel_tasks"`
	AutoCreateWorkspaces bool                   `json:"auto_create_workspaces"`
	Config               map[string]interface{} `json:"config,omitempty"`
	LockedBySessionID    *string                `json:"locked_by_session_id,omitempty"`
	LockedAt             *time.Time             `json:"locked_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`

	// Tasks is populated on request only.
	Tasks []*Task `json:"tasks,omitempty"`
}

// Task is a single unit of work inside a workflow. Sequence numbers are
// 1-based and contiguous within the workflow at every transaction boundary.
type Task struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Status          TaskStatus             `json:"status"`
	Sequence        int                    `json:"sequence"`
	ParallelGroup   *string                `json:"parallel_group,omitempty"`
	AssignedAgentID *string                `json:"assigned_agent_id,omitempty"`
	ClaimedAt       *time.Time             `json:"claimed_at,omitempty"`
	Plan            string                 `json:"plan,omitempty"`
	Outcome         string                 `json:"outcome,omitempty"`
	OutcomeDetail   string                 `json:"outcome_detail,omitempty"`
	WorkspaceID     *string                `json:"workspace_id,omitempty"`
	RepositoryID    *string                `json:"repository_id,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`

	// Checkpoints is populated on request only.
	Checkpoints []*Checkpoint `json:"checkpoints,omitempty"`
}

// Claimed reports whether the task is exclusively assigned to an agent.
func (t *Task) Claimed() bool { return t.AssignedAgentID != nil }

// TaskDependency is a directed edge between tasks. Blocks edges must form a
// DAG; uniqueness is (task, depends-on, type).
type TaskDependency struct {
	TaskID         string         `json:"task_id"`
	DependsOnID    string         `json:"depends_on_id"`
	DependencyType DependencyType `json:"dependency_type"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Checkpoint is an append-only progress record attached to a task. Sequences
// are 1-based and monotonic per task.
type Checkpoint struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id"`
	Sequence     int                    `json:"sequence"`
	Type         CheckpointType         `json:"checkpoint_type"`
	Summary      string                 `json:"summary"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	FilesChanged []string               `json:"files_changed,omitempty"`
	TokensUsed   int                    `json:"tokens_used,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Agent is a connected executor.
type Agent struct {
	ID            string                 `json:"id"`
	WorkflowID    *string                `json:"workflow_id,omitempty"`
	Name          string                 `json:"name"`
	Runtime       string                 `json:"runtime"`
	Role          AgentRole              `json:"role"`
	Status        AgentStatus            `json:"status"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	CurrentTaskID *string                `json:"current_task_id,omitempty"`
	WorkspacePath string                 `json:"workspace_path,omitempty"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Session is a process identity; the only thing that may hold workflow locks.
type Session struct {
	ID            string                 `json:"id"`
	PID           int                    `json:"pid"`
	IsDaemon      bool                   `json:"is_daemon"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Workspace is a branch-scoped working area tasks check code into.
type Workspace struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	RepositoryID *string                `json:"repository_id,omitempty"`
	Path         string                 `json:"path"`
	Branch       string                 `json:"branch"`
	BaseBranch   string                 `json:"base_branch"`
	Status       WorkspaceStatus        `json:"status"`
	MergeCommit  string                 `json:"merge_commit,omitempty"`
	PRURL        string                 `json:"pr_url,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Message is an inter-agent communication. A nil SenderID means the system
// sent it. Replies inherit the parent's thread id.
type Message struct {
	ID          string          `json:"id"`
	SenderID    *string         `json:"sender_id,omitempty"`
	RecipientID string          `json:"recipient_id"`
	MessageType string          `json:"message_type"`
	Subject     string          `json:"subject,omitempty"`
	Body        string          `json:"body"`
	Priority    MessagePriority `json:"priority"`
	Status      MessageStatus   `json:"status"`
	ThreadID    string          `json:"thread_id"`
	ReplyToID   *string         `json:"reply_to_id,omitempty"`
	WorkflowID  *string         `json:"workflow_id,omitempty"`
	TaskID      *string         `json:"task_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// WorkflowTemplate is a reusable plan prototype.
type WorkflowTemplate struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Template    string    `json:"template"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Repository is a registered source location, keyed by path.
type Repository struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowRepository joins workflows to repositories.
type WorkflowRepository struct {
	WorkflowID   string    `json:"workflow_id"`
	RepositoryID string    `json:"repository_id"`
	AddedAt      time.Time `json:"added_at"`
}
