package models

// workflowTransitions is the legal workflow status machine. failed ->
// in_progress is the retry transition.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPlanning:   {WorkflowStatusReady, WorkflowStatusAbandoned},
	WorkflowStatusReady:      {WorkflowStatusInProgress, WorkflowStatusAbandoned},
	WorkflowStatusInProgress: {WorkflowStatusPaused, WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusAbandoned},
	WorkflowStatusPaused:     {WorkflowStatusInProgress, WorkflowStatusAbandoned},
	WorkflowStatusFailed:     {WorkflowStatusInProgress, WorkflowStatusAbandoned},
}

// taskTransitions is the legal task status machine. pending -> completed
// covers trivially completable tasks; failed -> pending is the retry path.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusPlanning, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked, TaskStatusSkipped},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusPlanning, TaskStatusSkipped},
	TaskStatusPlanning:   {TaskStatusInProgress, TaskStatusCompleted, TaskStatusPaused, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusPaused, TaskStatusFailed},
	TaskStatusPaused:     {TaskStatusInProgress, TaskStatusFailed, TaskStatusSkipped},
	TaskStatusFailed:     {TaskStatusPending, TaskStatusSkipped},
}

// CanTransitionWorkflow reports whether a workflow may move from -> to.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether a task may move from -> to.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionWorkspace reports whether a workspace may move from -> to.
// Workspaces only ever leave active, and both exits are terminal.
func CanTransitionWorkspace(from, to WorkspaceStatus) bool {
	return from == WorkspaceStatusActive &&
		(to == WorkspaceStatusMerged || to == WorkspaceStatusAbandoned)
}
