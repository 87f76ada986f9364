package workflow

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// PlanTask is one task definition inside a plan.
type PlanTask struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	ParallelGroup string                 `json:"parallel_group,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Plan is the input to SetPlan and Replan.
type Plan struct {
	Summary string     `json:"summary"`
	Tasks   []PlanTask `json:"tasks"`
}

// SetPlanResult reports what SetPlan created.
type SetPlanResult struct {
	TasksCreated         int                   `json:"tasks_created"`
	ParallelizableGroups []string              `json:"parallelizable_groups"`
	Status               models.WorkflowStatus `json:"status"`
}

// SetPlan applies the initial plan to a workflow in status planning: tasks are
// inserted with sequences 1..N, blocks edges are resolved by name, and the
// workflow transitions to ready.
func (s *Service) SetPlan(ctx context.Context, id string, plan Plan) (*SetPlanResult, error) {
	var result *SetPlanResult
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		result, err = s.ApplyPlan(ctx, tx, id, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("plan applied",
		zap.String("workflow_id", id), zap.Int("tasks_created", result.TasksCreated))
	return result, nil
}

// ApplyPlan runs the SetPlan body inside the caller's transaction; template
// apply composes it with workflow creation so the whole operation stays
// atomic.
func (s *Service) ApplyPlan(ctx context.Context, tx *store.Tx, id string, plan Plan) (*SetPlanResult, error) {
	if err := validatePlanTasks(plan.Tasks, nil); err != nil {
		return nil, err
	}

	wf, err := tx.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowStatusPlanning {
		return nil, apperr.InvalidState("cannot set plan unless status=planning (got %s)", wf.Status)
	}

	nameToID := map[string]string{}
	groups := map[string]bool{}
	for i, pt := range plan.Tasks {
		task := planTaskModel(id, pt, i+1)
		if err := tx.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		nameToID[pt.Name] = task.ID
		if pt.ParallelGroup != "" {
			groups[pt.ParallelGroup] = true
		}
	}

	for _, pt := range plan.Tasks {
		for _, dep := range pt.DependsOn {
			depID, ok := nameToID[dep]
			if !ok {
				return nil, apperr.Validation("unknown dependency name: %s", dep)
			}
			if _, err := tx.AddTaskDependency(ctx, &models.TaskDependency{
				TaskID:      nameToID[pt.Name],
				DependsOnID: depID,
			}); err != nil {
				return nil, err
			}
		}
	}

	snapshot, err := json.Marshal(plan)
	if err != nil {
		return nil, apperr.Internal(err, "failed to serialize plan")
	}
	if err := tx.SetWorkflowPlanMeta(ctx, id, plan.Summary, string(snapshot)); err != nil {
		return nil, err
	}
	if err := tx.UpdateWorkflowStatus(ctx, id, models.WorkflowStatusReady); err != nil {
		return nil, err
	}

	tx.Emit(events.TypeWorkflowStatus, map[string]interface{}{
		"workflow_id": id,
		"status":      string(models.WorkflowStatusReady),
	})
	return &SetPlanResult{
		TasksCreated:         len(plan.Tasks),
		ParallelizableGroups: sortedKeys(groups),
		Status:               models.WorkflowStatusReady,
	}, nil
}

// AddTaskParams are the inputs for AddTask.
type AddTaskParams struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	ParallelGroup string                 `json:"parallel_group,omitempty"`
	AfterTask     string                 `json:"after_task,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// AddTask inserts a task into an in-flight plan, either appended or after a
// named sibling (ripple-shifting the following sequences). DependsOn entries
// may be ids or names of existing tasks; duplicates are collapsed.
func (s *Service) AddTask(ctx context.Context, workflowID string, params AddTaskParams) (*models.Task, error) {
	if params.Name == "" {
		return nil, apperr.Validation("task name is required")
	}

	var created *models.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		switch wf.Status {
		case models.WorkflowStatusReady, models.WorkflowStatusInProgress, models.WorkflowStatusPaused:
		default:
			return apperr.InvalidState("cannot add task to workflow in status %s", wf.Status)
		}

		siblings, err := tx.ListTasksByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		for _, t := range siblings {
			if t.Name == params.Name {
				return apperr.Validation("duplicate task name: %s", params.Name)
			}
		}

		sequence := len(siblings) + 1
		if params.AfterTask != "" {
			after := findTask(siblings, params.AfterTask)
			if after == nil {
				return apperr.NotFound("after_task not found: %s", params.AfterTask)
			}
			sequence = after.Sequence + 1
			if err := tx.ShiftTaskSequences(ctx, workflowID, sequence); err != nil {
				return err
			}
		}

		task := planTaskModel(workflowID, PlanTask{
			Name:          params.Name,
			Description:   params.Description,
			ParallelGroup: params.ParallelGroup,
			Context:       params.Context,
		}, sequence)
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}

		seen := map[string]bool{}
		for _, dep := range params.DependsOn {
			target := findTask(siblings, dep)
			if target == nil {
				if dep == params.Name || dep == task.ID {
					return apperr.Validation("task cannot depend on itself")
				}
				return apperr.Validation("unknown dependency: %s", dep)
			}
			if seen[target.ID] {
				continue
			}
			seen[target.ID] = true
			if _, err := tx.AddTaskDependency(ctx, &models.TaskDependency{
				TaskID:      task.ID,
				DependsOnID: target.ID,
			}); err != nil {
				return err
			}
		}

		created = task
		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": workflowID,
			"task_id":     task.ID,
			"status":      string(task.Status),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RemoveTaskResult reports the effect of RemoveTask.
type RemoveTaskResult struct {
	RemovedTaskID       string `json:"removed_task_id"`
	DependenciesRewired int    `json:"dependencies_rewired"`
	TasksRenumbered     int    `json:"tasks_renumbered"`
}

// RemoveTask deletes an unstarted, unclaimed task. Blocks edges are rewired
// through it (every successor gains every predecessor) and the remaining
// siblings are renumbered to keep sequences contiguous.
func (s *Service) RemoveTask(ctx context.Context, workflowID, taskID string) (*RemoveTaskResult, error) {
	result := &RemoveTaskResult{RemovedTaskID: taskID}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.WorkflowID != workflowID {
			return apperr.NotFound("task %s not in workflow %s", taskID, workflowID)
		}
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusBlocked, models.TaskStatusPlanning:
		default:
			return apperr.InvalidState("cannot remove task in status %s", task.Status)
		}
		if task.Claimed() {
			return apperr.InvalidState("cannot remove a claimed task")
		}

		predecessors, err := tx.ListDependencies(ctx, taskID)
		if err != nil {
			return err
		}
		successors, err := tx.ListDependents(ctx, taskID)
		if err != nil {
			return err
		}
		for _, succ := range successors {
			if succ.DependencyType != models.DependencyBlocks {
				continue
			}
			for _, pred := range predecessors {
				if pred.DependencyType != models.DependencyBlocks || succ.TaskID == pred.DependsOnID {
					continue
				}
				added, err := tx.AddTaskDependency(ctx, &models.TaskDependency{
					TaskID:      succ.TaskID,
					DependsOnID: pred.DependsOnID,
				})
				if err != nil {
					return err
				}
				if added {
					result.DependenciesRewired++
				}
			}
		}

		if err := tx.DeleteTaskDependencies(ctx, taskID); err != nil {
			return err
		}
		if err := tx.DeleteCheckpointsByTask(ctx, taskID); err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}

		remaining, err := tx.ListTasksByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		for _, t := range remaining {
			if t.Sequence > task.Sequence {
				if err := tx.SetTaskSequence(ctx, t.ID, t.Sequence-1); err != nil {
					return err
				}
				result.TasksRenumbered++
			}
		}

		tx.Emit(events.TypeTaskUpdated, map[string]interface{}{
			"workflow_id": workflowID,
			"task_id":     taskID,
			"removed":     true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReplanParams are the inputs for Replan.
type ReplanParams struct {
	Summary string     `json:"summary"`
	Reason  string     `json:"reason"`
	Tasks   []PlanTask `json:"tasks"`
}

// ReplanResult reports the effect of Replan.
type ReplanResult struct {
	TasksAdded     int                   `json:"tasks_added"`
	TasksRemoved   int                   `json:"tasks_removed"`
	TasksPreserved int                   `json:"tasks_preserved"`
	NewStatus      models.WorkflowStatus `json:"new_status"`
}

// Replan replaces the removable portion of an in-flight plan with a new task
// set. Tasks that are terminal, claimed, or already started are preserved
// untouched; everything else is deleted along with its edges and checkpoints.
// Preserved tasks are compacted to the front of the sequence range and new
// tasks follow in the order given, so sequences stay contiguous. New
// depends_on entries resolve against preserved names, new names, or ids.
func (s *Service) Replan(ctx context.Context, workflowID string, params ReplanParams) (*ReplanResult, error) {
	result := &ReplanResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		wf, err := tx.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		existing, err := tx.ListTasksByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		var preserved, removable []*models.Task
		for _, t := range existing {
			if replanPreserves(t) {
				preserved = append(preserved, t)
			} else {
				removable = append(removable, t)
			}
		}

		preservedNames := map[string]string{}
		for _, t := range preserved {
			preservedNames[t.Name] = t.ID
		}
		if err := validatePlanTasks(params.Tasks, preservedNames); err != nil {
			return err
		}

		for _, t := range removable {
			if err := tx.DeleteTaskDependencies(ctx, t.ID); err != nil {
				return err
			}
			if err := tx.DeleteCheckpointsByTask(ctx, t.ID); err != nil {
				return err
			}
			if err := tx.DeleteTask(ctx, t.ID); err != nil {
				return err
			}
		}

		// Close ranks: preserved tasks keep their relative order but compact
		// to 1..P, so new tasks continue at P+1 and sequences stay contiguous.
		for i, t := range preserved {
			if t.Sequence != i+1 {
				if err := tx.SetTaskSequence(ctx, t.ID, i+1); err != nil {
					return err
				}
			}
		}

		newNames := map[string]string{}
		for i, pt := range params.Tasks {
			task := planTaskModel(workflowID, pt, len(preserved)+i+1)
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
			newNames[pt.Name] = task.ID
		}

		for _, pt := range params.Tasks {
			for _, dep := range pt.DependsOn {
				depID, err := resolveReplanDependency(dep, newNames, preservedNames, preserved)
				if err != nil {
					return err
				}
				if depID == newNames[pt.Name] {
					return apperr.Validation("task cannot depend on itself: %s", pt.Name)
				}
				if _, err := tx.AddTaskDependency(ctx, &models.TaskDependency{
					TaskID:      newNames[pt.Name],
					DependsOnID: depID,
				}); err != nil {
					return err
				}
			}
		}

		if err := tx.SetWorkflowPlanSummary(ctx, workflowID, params.Summary); err != nil {
			return err
		}
		config := wf.Config
		if config == nil {
			config = map[string]interface{}{}
		}
		history, _ := config["replan_history"].([]interface{})
		history = append(history, map[string]interface{}{
			"summary":   params.Summary,
			"reason":    params.Reason,
			"timestamp": nowStamp(),
		})
		config["replan_history"] = history
		if err := tx.UpdateWorkflowConfig(ctx, workflowID, config); err != nil {
			return err
		}

		result.TasksAdded = len(params.Tasks)
		result.TasksRemoved = len(removable)
		result.TasksPreserved = len(preserved)
		result.NewStatus = wf.Status

		tx.Emit(events.TypeWorkflowStatus, map[string]interface{}{
			"workflow_id": workflowID,
			"status":      string(wf.Status),
			"replanned":   true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("workflow replanned",
		zap.String("workflow_id", workflowID),
		zap.Int("added", result.TasksAdded),
		zap.Int("removed", result.TasksRemoved),
		zap.Int("preserved", result.TasksPreserved))
	return result, nil
}

// replanPreserves reports whether replan must keep the task: anything claimed
// or already past the unstarted statuses.
func replanPreserves(t *models.Task) bool {
	if t.Claimed() {
		return true
	}
	switch t.Status {
	case models.TaskStatusPending, models.TaskStatusBlocked, models.TaskStatusPlanning:
		return false
	}
	return true
}

// resolveReplanDependency resolves a depends_on entry. A name inside the new
// plan wins over preserved names, which win over a bare task id.
func resolveReplanDependency(dep string, newNames, preservedNames map[string]string, preserved []*models.Task) (string, error) {
	if id, ok := newNames[dep]; ok {
		return id, nil
	}
	if id, ok := preservedNames[dep]; ok {
		return id, nil
	}
	for _, t := range preserved {
		if t.ID == dep {
			return t.ID, nil
		}
	}
	return "", apperr.Validation("unknown dependency: %s", dep)
}

// validatePlanTasks rejects duplicate names, collisions with reserved names,
// self-referencing depends_on entries, and dependency cycles within the plan.
func validatePlanTasks(tasks []PlanTask, reserved map[string]string) error {
	seen := map[string]bool{}
	for _, pt := range tasks {
		if pt.Name == "" {
			return apperr.Validation("task name is required")
		}
		if seen[pt.Name] {
			return apperr.Validation("duplicate task name in plan: %s", pt.Name)
		}
		if _, taken := reserved[pt.Name]; taken {
			return apperr.Validation("task name collides with a preserved task: %s", pt.Name)
		}
		seen[pt.Name] = true
		for _, dep := range pt.DependsOn {
			if dep == pt.Name {
				return apperr.Validation("task cannot depend on itself: %s", pt.Name)
			}
		}
	}

	// Edges to names outside the plan (preserved tasks, ids) cannot close a
	// cycle, so only in-plan references enter the graph.
	deps := map[string][]string{}
	for _, pt := range tasks {
		for _, dep := range pt.DependsOn {
			if seen[dep] {
				deps[pt.Name] = append(deps[pt.Name], dep)
			}
		}
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return false
		case done:
			return true
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if !visit(dep) {
				return false
			}
		}
		state[name] = done
		return true
	}
	for _, pt := range tasks {
		if !visit(pt.Name) {
			return apperr.Validation("dependency cycle involving task: %s", pt.Name)
		}
	}
	return nil
}

func planTaskModel(workflowID string, pt PlanTask, sequence int) *models.Task {
	task := &models.Task{
		WorkflowID:  workflowID,
		Name:        pt.Name,
		Description: pt.Description,
		Sequence:    sequence,
		Context:     pt.Context,
	}
	if pt.ParallelGroup != "" {
		group := pt.ParallelGroup
		task.ParallelGroup = &group
	}
	return task
}

// findTask resolves an id-or-name reference against a task list.
func findTask(tasks []*models.Task, ref string) *models.Task {
	for _, t := range tasks {
		if t.Name == ref {
			return t
		}
	}
	for _, t := range tasks {
		if t.ID == ref {
			return t
		}
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
