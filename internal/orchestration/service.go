// Package orchestration implements the pull-based scheduler: agents ask
// which tasks are ready, how far the workflow has progressed, and whether a
// task's dependencies are satisfied.
package orchestration

import (
	"context"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service answers scheduling queries. It holds no state of its own.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates an orchestration service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "orchestration-service")),
	}
}

// NextTask is a candidate task enriched with parallelization hints.
type NextTask struct {
	*models.Task
	CanParallelize        bool     `json:"can_parallelize"`
	ParallelWith          []string `json:"parallel_with"`
	DependenciesCompleted []string `json:"dependencies_completed"`
}

// NextTasksResult is the scheduler's answer to "what should run now?".
type NextTasksResult struct {
	Tasks            []*NextTask           `json:"tasks"`
	MaxParallel      int                   `json:"max_parallel"`
	RecommendedCount int                   `json:"recommended_count"`
	WorkflowStatus   models.WorkflowStatus `json:"workflow_status"`
	AllComplete      bool                  `json:"all_complete"`
}

// GetNextTasks returns the unclaimed, unblocked tasks eligible to run.
// Failed and paused tasks join the candidate set only on request, but they
// always block their successors until finished.
func (s *Service) GetNextTasks(ctx context.Context, workflowID string, includeFailed, includePaused bool) (*NextTasksResult, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	statuses := []models.TaskStatus{models.TaskStatusPending}
	if includeFailed {
		statuses = append(statuses, models.TaskStatusFailed)
	}
	if includePaused {
		statuses = append(statuses, models.TaskStatusPaused)
	}

	candidates, err := s.store.ListAvailableTasks(ctx, store.AvailableTaskFilter{
		WorkflowID: workflowID,
		Statuses:   statuses,
	})
	if err != nil {
		return nil, err
	}

	all, err := s.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListWorkflowDependencies(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	byID := map[string]*models.Task{}
	byGroup := map[string][]string{}
	allComplete := true
	for _, t := range all {
		byID[t.ID] = t
		if t.ParallelGroup != nil {
			byGroup[*t.ParallelGroup] = append(byGroup[*t.ParallelGroup], t.ID)
		}
		if !t.Status.Terminal() {
			allComplete = false
		}
	}

	predecessors := map[string][]string{}
	for _, e := range edges {
		if e.DependencyType == models.DependencyBlocks {
			predecessors[e.TaskID] = append(predecessors[e.TaskID], e.DependsOnID)
		}
	}

	tasks := make([]*NextTask, 0, len(candidates))
	for _, t := range candidates {
		next := &NextTask{
			Task:                  t,
			ParallelWith:          []string{},
			DependenciesCompleted: []string{},
		}
		if t.ParallelGroup != nil {
			next.CanParallelize = true
			for _, id := range byGroup[*t.ParallelGroup] {
				if id != t.ID {
					next.ParallelWith = append(next.ParallelWith, id)
				}
			}
		}
		for _, depID := range predecessors[t.ID] {
			if dep, ok := byID[depID]; ok && dep.Status.Terminal() {
				next.DependenciesCompleted = append(next.DependenciesCompleted, dep.Name)
			}
		}
		tasks = append(tasks, next)
	}

	recommended := len(tasks)
	if wf.MaxParallelTasks < recommended {
		recommended = wf.MaxParallelTasks
	}

	return &NextTasksResult{
		Tasks:            tasks,
		MaxParallel:      wf.MaxParallelTasks,
		RecommendedCount: recommended,
		WorkflowStatus:   wf.Status,
		AllComplete:      allComplete,
	}, nil
}

// BlockedTask names a non-terminal task that cannot run yet and the
// predecessors holding it up.
type BlockedTask struct {
	TaskID    string   `json:"task_id"`
	Name      string   `json:"name"`
	WaitingOn []string `json:"waiting_on"`
}

// GroupProgress summarizes one parallel group.
type GroupProgress struct {
	TaskCount int `json:"task_count"`
	Completed int `json:"completed"`
}

// Progress is a full progress report for a workflow.
type Progress struct {
	TotalTasks         int                          `json:"total_tasks"`
	ByStatus           map[models.TaskStatus]int    `json:"by_status"`
	CompletedSequence  int                          `json:"completed_sequence"`
	CurrentSequence    int                          `json:"current_sequence"`
	BlockedTasks       []*BlockedTask               `json:"blocked_tasks"`
	ParallelGroups     map[string]*GroupProgress    `json:"parallel_groups"`
	EstimatedRemaining int                          `json:"estimated_remaining"`
}

// GetProgress reports the workflow's completed frontier, the current working
// sequence, blocked tasks with their blockers, and per-group completion.
func (s *Service) GetProgress(ctx context.Context, workflowID string) (*Progress, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	all, err := s.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListWorkflowDependencies(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		ByStatus:       map[models.TaskStatus]int{},
		BlockedTasks:   []*BlockedTask{},
		ParallelGroups: map[string]*GroupProgress{},
	}
	progress.TotalTasks = len(all)

	byID := map[string]*models.Task{}
	terminalAtSeq := map[int]bool{}
	maxSeq := 0
	for _, t := range all {
		byID[t.ID] = t
		progress.ByStatus[t.Status]++
		if t.Sequence > maxSeq {
			maxSeq = t.Sequence
		}
		if _, seen := terminalAtSeq[t.Sequence]; !seen {
			terminalAtSeq[t.Sequence] = true
		}
		if !t.Status.Terminal() {
			terminalAtSeq[t.Sequence] = false
			progress.EstimatedRemaining++
			if progress.CurrentSequence == 0 || t.Sequence < progress.CurrentSequence {
				progress.CurrentSequence = t.Sequence
			}
		}
		if t.ParallelGroup != nil {
			group := progress.ParallelGroups[*t.ParallelGroup]
			if group == nil {
				group = &GroupProgress{}
				progress.ParallelGroups[*t.ParallelGroup] = group
			}
			group.TaskCount++
			if t.Status.Terminal() {
				group.Completed++
			}
		}
	}

	for seq := 1; seq <= maxSeq; seq++ {
		if done, ok := terminalAtSeq[seq]; ok && !done {
			break
		}
		progress.CompletedSequence = seq
	}

	waiting := map[string][]string{}
	for _, e := range edges {
		if e.DependencyType != models.DependencyBlocks {
			continue
		}
		dep, ok := byID[e.DependsOnID]
		if !ok || dep.Status.Terminal() {
			continue
		}
		waiting[e.TaskID] = append(waiting[e.TaskID], dep.Name)
	}
	for _, t := range all {
		if t.Status.Terminal() {
			continue
		}
		if names, blocked := waiting[t.ID]; blocked {
			progress.BlockedTasks = append(progress.BlockedTasks, &BlockedTask{
				TaskID:    t.ID,
				Name:      t.Name,
				WaitingOn: names,
			})
		}
	}

	return progress, nil
}

// DependencyCheck partitions a task's blocks-predecessors by completion.
type DependencyCheck struct {
	Satisfied bool     `json:"satisfied"`
	Pending   []string `json:"pending"`
	Completed []string `json:"completed"`
}

// CheckDependencies reports whether a task's blocking predecessors are all
// terminal, naming those still pending and those done.
func (s *Service) CheckDependencies(ctx context.Context, taskID string) (*DependencyCheck, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	edges, err := s.store.ListDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}

	check := &DependencyCheck{Pending: []string{}, Completed: []string{}}
	for _, e := range edges {
		if e.DependencyType != models.DependencyBlocks {
			continue
		}
		dep, err := s.store.GetTask(ctx, e.DependsOnID)
		if err != nil {
			return nil, err
		}
		if dep.Status.Terminal() {
			check.Completed = append(check.Completed, dep.Name)
		} else {
			check.Pending = append(check.Pending, dep.Name)
		}
	}
	check.Satisfied = len(check.Pending) == 0
	return check, nil
}
