package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/db"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
	"github.com/caw-dev/caw/internal/workflow"
)

type fixture struct {
	svc       *Service
	workflows *workflow.Service
	st        *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := store.Open(db.MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &fixture{
		svc:       NewService(st, log),
		workflows: workflow.NewService(st, log),
		st:        st,
	}
}

// plannedWorkflow creates a workflow with the given plan applied.
func (f *fixture) plannedWorkflow(t *testing.T, maxParallel int, plan workflow.Plan) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.workflows.Create(ctx, workflow.CreateParams{
		Name: "build", SourceType: "manual", MaxParallelTasks: maxParallel,
	})
	require.NoError(t, err)
	_, err = f.workflows.SetPlan(ctx, wf.ID, plan)
	require.NoError(t, err)
	return wf
}

func (f *fixture) taskByName(t *testing.T, workflowID, name string) *models.Task {
	t.Helper()
	task, err := f.st.GetTaskByName(context.Background(), workflowID, name)
	require.NoError(t, err)
	return task
}

func (f *fixture) setStatus(t *testing.T, taskID string, status models.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task.Status = status
		switch status {
		case models.TaskStatusCompleted:
			task.Outcome = "done"
		case models.TaskStatusFailed:
			task.OutcomeDetail = "boom"
		}
		return tx.UpdateTask(ctx, task)
	}))
}

func TestGetNextTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("linear plan progresses one sequence at a time", func(t *testing.T) {
		f := newFixture(t)
		wf := f.plannedWorkflow(t, 1, workflow.Plan{Tasks: []workflow.PlanTask{
			{Name: "design"},
			{Name: "implement", DependsOn: []string{"design"}},
			{Name: "verify", DependsOn: []string{"implement"}},
		}})

		result, err := f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		require.Len(t, result.Tasks, 1)
		assert.Equal(t, "design", result.Tasks[0].Name)
		assert.False(t, result.AllComplete)

		f.setStatus(t, f.taskByName(t, wf.ID, "design").ID, models.TaskStatusCompleted)

		result, err = f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		require.Len(t, result.Tasks, 1)
		assert.Equal(t, "implement", result.Tasks[0].Name)
		assert.Equal(t, []string{"design"}, result.Tasks[0].DependenciesCompleted)

		f.setStatus(t, f.taskByName(t, wf.ID, "implement").ID, models.TaskStatusCompleted)
		f.setStatus(t, f.taskByName(t, wf.ID, "verify").ID, models.TaskStatusCompleted)

		result, err = f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		assert.Empty(t, result.Tasks)
		assert.True(t, result.AllComplete)
	})

	t.Run("parallel group is capped by max_parallel_tasks", func(t *testing.T) {
		f := newFixture(t)
		wf := f.plannedWorkflow(t, 2, workflow.Plan{Tasks: []workflow.PlanTask{
			{Name: "setup"},
			{Name: "api", ParallelGroup: "impl", DependsOn: []string{"setup"}},
			{Name: "cli", ParallelGroup: "impl", DependsOn: []string{"setup"}},
			{Name: "docs", ParallelGroup: "impl", DependsOn: []string{"setup"}},
		}})
		f.setStatus(t, f.taskByName(t, wf.ID, "setup").ID, models.TaskStatusCompleted)

		result, err := f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		require.Len(t, result.Tasks, 3)
		assert.Equal(t, 2, result.MaxParallel)
		assert.Equal(t, 2, result.RecommendedCount)
		for _, next := range result.Tasks {
			assert.True(t, next.CanParallelize)
			assert.Len(t, next.ParallelWith, 2)
			assert.NotContains(t, next.ParallelWith, next.ID)
		}
	})

	t.Run("failed and paused tasks join only on request", func(t *testing.T) {
		f := newFixture(t)
		wf := f.plannedWorkflow(t, 1, workflow.Plan{Tasks: []workflow.PlanTask{
			{Name: "flaky"},
			{Name: "sleepy"},
		}})
		f.setStatus(t, f.taskByName(t, wf.ID, "flaky").ID, models.TaskStatusFailed)
		f.setStatus(t, f.taskByName(t, wf.ID, "sleepy").ID, models.TaskStatusPaused)

		result, err := f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		assert.Empty(t, result.Tasks)

		result, err = f.svc.GetNextTasks(ctx, wf.ID, true, true)
		require.NoError(t, err)
		assert.Len(t, result.Tasks, 2)
	})

	t.Run("claimed tasks are not offered", func(t *testing.T) {
		f := newFixture(t)
		wf := f.plannedWorkflow(t, 1, workflow.Plan{Tasks: []workflow.PlanTask{
			{Name: "solo"},
		}})
		task := f.taskByName(t, wf.ID, "solo")
		require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
			agent := "ag_claimholder01"
			task.AssignedAgentID = &agent
			return tx.UpdateTask(ctx, task)
		}))

		result, err := f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		assert.Empty(t, result.Tasks)
	})

	t.Run("a workflow without tasks is vacuously complete", func(t *testing.T) {
		f := newFixture(t)
		wf, err := f.workflows.Create(ctx, workflow.CreateParams{Name: "bare", SourceType: "manual"})
		require.NoError(t, err)

		result, err := f.svc.GetNextTasks(ctx, wf.ID, false, false)
		require.NoError(t, err)
		assert.Empty(t, result.Tasks)
		assert.True(t, result.AllComplete)
	})

	t.Run("missing workflow is not found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.GetNextTasks(ctx, "wf_000000000000", false, false)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestGetProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.plannedWorkflow(t, 2, workflow.Plan{Tasks: []workflow.PlanTask{
		{Name: "setup"},
		{Name: "api", ParallelGroup: "impl", DependsOn: []string{"setup"}},
		{Name: "cli", ParallelGroup: "impl", DependsOn: []string{"setup"}},
		{Name: "release", DependsOn: []string{"api", "cli"}},
	}})
	f.setStatus(t, f.taskByName(t, wf.ID, "setup").ID, models.TaskStatusCompleted)
	f.setStatus(t, f.taskByName(t, wf.ID, "api").ID, models.TaskStatusCompleted)

	progress, err := f.svc.GetProgress(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, progress.TotalTasks)
	assert.Equal(t, 2, progress.ByStatus[models.TaskStatusCompleted])
	assert.Equal(t, 2, progress.ByStatus[models.TaskStatusPending])
	assert.Equal(t, 2, progress.CompletedSequence, "cli at sequence 3 is still pending")
	assert.Equal(t, 3, progress.CurrentSequence)
	assert.Equal(t, 2, progress.EstimatedRemaining)

	require.Len(t, progress.BlockedTasks, 1)
	assert.Equal(t, "release", progress.BlockedTasks[0].Name)
	assert.Equal(t, []string{"cli"}, progress.BlockedTasks[0].WaitingOn)

	require.Contains(t, progress.ParallelGroups, "impl")
	assert.Equal(t, 2, progress.ParallelGroups["impl"].TaskCount)
	assert.Equal(t, 1, progress.ParallelGroups["impl"].Completed)
}

func TestCheckDependencies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wf := f.plannedWorkflow(t, 1, workflow.Plan{Tasks: []workflow.PlanTask{
		{Name: "alpha"},
		{Name: "beta"},
		{Name: "gamma", DependsOn: []string{"alpha", "beta"}},
	}})
	f.setStatus(t, f.taskByName(t, wf.ID, "alpha").ID, models.TaskStatusCompleted)

	t.Run("partitions predecessors by completion", func(t *testing.T) {
		check, err := f.svc.CheckDependencies(ctx, f.taskByName(t, wf.ID, "gamma").ID)
		require.NoError(t, err)
		assert.False(t, check.Satisfied)
		assert.Equal(t, []string{"alpha"}, check.Completed)
		assert.Equal(t, []string{"beta"}, check.Pending)
	})

	t.Run("no predecessors is trivially satisfied", func(t *testing.T) {
		check, err := f.svc.CheckDependencies(ctx, f.taskByName(t, wf.ID, "beta").ID)
		require.NoError(t, err)
		assert.True(t, check.Satisfied)
		assert.Empty(t, check.Pending)
	})

	t.Run("missing task is not found", func(t *testing.T) {
		_, err := f.svc.CheckDependencies(ctx, "tk_000000000000")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}
