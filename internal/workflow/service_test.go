package workflow

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
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := store.Open(db.MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, log), st
}

func completeTask(t *testing.T, st *store.Store, taskID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task.Status = models.TaskStatusCompleted
		task.Outcome = "done"
		return tx.UpdateTask(ctx, task)
	}))
}

func taskByName(t *testing.T, st *store.Store, workflowID, name string) *models.Task {
	t.Helper()
	task, err := st.GetTaskByName(context.Background(), workflowID, name)
	require.NoError(t, err)
	return task
}

func TestCreate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	t.Run("requires name and source_type", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{SourceType: "manual"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, err = svc.Create(ctx, CreateParams{Name: "w"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("starts in planning", func(t *testing.T) {
		wf, err := svc.Create(ctx, CreateParams{Name: "w", SourceType: "issue", SourceRef: "#42"})
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusPlanning, wf.Status)
		assert.Equal(t, 1, wf.MaxParallelTasks)
	})

	t.Run("registers repository paths", func(t *testing.T) {
		wf, err := svc.Create(ctx, CreateParams{
			Name:            "with repos",
			SourceType:      "manual",
			RepositoryPaths: []string{"/srv/app"},
		})
		require.NoError(t, err)
		repos, err := st.ListWorkflowRepositories(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, repos, 1)
		assert.Equal(t, "/srv/app", repos[0].Path)
	})
}

func TestUpdateStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "w", SourceType: "manual"})
	require.NoError(t, err)

	t.Run("illegal transitions are rejected", func(t *testing.T) {
		_, err := svc.UpdateStatus(ctx, wf.ID, models.WorkflowStatusInProgress, "")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})

	t.Run("legal transition sticks and records the reason", func(t *testing.T) {
		got, err := svc.UpdateStatus(ctx, wf.ID, models.WorkflowStatusAbandoned, "scrapped")
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusAbandoned, got.Status)
		assert.Equal(t, "scrapped", got.Config["last_status_reason"])
	})
}

func TestSetPlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	newPlanning := func(name string) string {
		wf, err := svc.Create(ctx, CreateParams{Name: name, SourceType: "manual"})
		require.NoError(t, err)
		return wf.ID
	}

	t.Run("linear plan creates tasks and readies the workflow", func(t *testing.T) {
		id := newPlanning("linear")
		result, err := svc.SetPlan(ctx, id, Plan{
			Summary: "s",
			Tasks: []PlanTask{
				{Name: "A"},
				{Name: "B", DependsOn: []string{"A"}},
				{Name: "C", DependsOn: []string{"B"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TasksCreated)
		assert.Equal(t, models.WorkflowStatusReady, result.Status)

		wf, err := svc.Get(ctx, id, true)
		require.NoError(t, err)
		require.Len(t, wf.Tasks, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{wf.Tasks[0].Sequence, wf.Tasks[1].Sequence, wf.Tasks[2].Sequence})
	})

	t.Run("empty task list still readies the workflow", func(t *testing.T) {
		id := newPlanning("empty")
		result, err := svc.SetPlan(ctx, id, Plan{Summary: "s"})
		require.NoError(t, err)
		assert.Equal(t, 0, result.TasksCreated)
		assert.Equal(t, models.WorkflowStatusReady, result.Status)
	})

	t.Run("parallel groups are reported sorted", func(t *testing.T) {
		id := newPlanning("grouped")
		result, err := svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{
			{Name: "a", ParallelGroup: "beta"},
			{Name: "b", ParallelGroup: "alpha"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta"}, result.ParallelizableGroups)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		id := newPlanning("dup")
		_, err := svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{{Name: "A"}, {Name: "A"}}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("unknown dependency names are rejected", func(t *testing.T) {
		id := newPlanning("unknown dep")
		_, err := svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{{Name: "A", DependsOn: []string{"nowhere"}}}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("self dependencies are rejected", func(t *testing.T) {
		id := newPlanning("self dep")
		_, err := svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{{Name: "A", DependsOn: []string{"A"}}}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("dependency cycles are rejected", func(t *testing.T) {
		id := newPlanning("two cycle")
		_, err := svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{
			{Name: "A", DependsOn: []string{"B"}},
			{Name: "B", DependsOn: []string{"A"}},
		}})
		require.True(t, apperr.IsKind(err, apperr.KindValidation))

		wf, err := svc.Get(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusPlanning, wf.Status)
		assert.Empty(t, wf.Tasks)

		id = newPlanning("three cycle")
		_, err = svc.SetPlan(ctx, id, Plan{Tasks: []PlanTask{
			{Name: "A", DependsOn: []string{"C"}},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "C", DependsOn: []string{"B"}},
		}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("requires status planning", func(t *testing.T) {
		id := newPlanning("twice")
		_, err := svc.SetPlan(ctx, id, Plan{})
		require.NoError(t, err)
		_, err = svc.SetPlan(ctx, id, Plan{})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestAddTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "add", SourceType: "manual"})
	require.NoError(t, err)
	_, err = svc.SetPlan(ctx, wf.ID, Plan{Tasks: []PlanTask{{Name: "A"}, {Name: "B"}}})
	require.NoError(t, err)

	t.Run("appends by default", func(t *testing.T) {
		task, err := svc.AddTask(ctx, wf.ID, AddTaskParams{Name: "C", DependsOn: []string{"A"}})
		require.NoError(t, err)
		assert.Equal(t, 3, task.Sequence)
		assert.Equal(t, models.TaskStatusPending, task.Status)
	})

	t.Run("after_task ripples following sequences", func(t *testing.T) {
		task, err := svc.AddTask(ctx, wf.ID, AddTaskParams{Name: "A2", AfterTask: "A"})
		require.NoError(t, err)
		assert.Equal(t, 2, task.Sequence)
		assert.Equal(t, 3, taskByName(t, st, wf.ID, "B").Sequence)
		assert.Equal(t, 4, taskByName(t, st, wf.ID, "C").Sequence)
	})

	t.Run("duplicate name is rejected", func(t *testing.T) {
		_, err := svc.AddTask(ctx, wf.ID, AddTaskParams{Name: "A"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("unknown dependency is rejected", func(t *testing.T) {
		_, err := svc.AddTask(ctx, wf.ID, AddTaskParams{Name: "D", DependsOn: []string{"nope"}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}

func TestRemoveTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	setup := func(name string) (string, map[string]*models.Task) {
		wf, err := svc.Create(ctx, CreateParams{Name: name, SourceType: "manual"})
		require.NoError(t, err)
		_, err = svc.SetPlan(ctx, wf.ID, Plan{Tasks: []PlanTask{
			{Name: "A"},
			{Name: "B", DependsOn: []string{"A"}},
			{Name: "C", DependsOn: []string{"B"}},
		}})
		require.NoError(t, err)
		tasks := map[string]*models.Task{}
		for _, n := range []string{"A", "B", "C"} {
			tasks[n] = taskByName(t, st, wf.ID, n)
		}
		return wf.ID, tasks
	}

	t.Run("rewires edges around the removed task", func(t *testing.T) {
		wfID, tasks := setup("rewire")
		result, err := svc.RemoveTask(ctx, wfID, tasks["B"].ID)
		require.NoError(t, err)
		assert.Equal(t, tasks["B"].ID, result.RemovedTaskID)
		assert.Equal(t, 1, result.DependenciesRewired)
		assert.Equal(t, 1, result.TasksRenumbered)

		deps, err := st.ListDependencies(ctx, tasks["C"].ID)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, tasks["A"].ID, deps[0].DependsOnID)

		// Sequences close ranks.
		assert.Equal(t, 1, taskByName(t, st, wfID, "A").Sequence)
		assert.Equal(t, 2, taskByName(t, st, wfID, "C").Sequence)
	})

	t.Run("checkpoints of the removed task are deleted", func(t *testing.T) {
		wfID, tasks := setup("checkpoints")
		require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
			return tx.CreateCheckpoint(ctx, &models.Checkpoint{
				TaskID: tasks["B"].ID, Type: models.CheckpointTypeProgress, Summary: "s",
			})
		}))
		_, err := svc.RemoveTask(ctx, wfID, tasks["B"].ID)
		require.NoError(t, err)
		cps, err := st.ListCheckpoints(ctx, tasks["B"].ID, store.CheckpointFilter{})
		require.NoError(t, err)
		assert.Empty(t, cps)
	})

	t.Run("started tasks cannot be removed", func(t *testing.T) {
		wfID, tasks := setup("started")
		completeTask(t, st, tasks["A"].ID)
		_, err := svc.RemoveTask(ctx, wfID, tasks["A"].ID)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestReplan(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "replan", SourceType: "manual"})
	require.NoError(t, err)
	_, err = svc.SetPlan(ctx, wf.ID, Plan{Tasks: []PlanTask{
		{Name: "Task 1"}, {Name: "Task 2"}, {Name: "Task 3"}, {Name: "Task 4"},
	}})
	require.NoError(t, err)

	completeTask(t, st, taskByName(t, st, wf.ID, "Task 1").ID)
	completeTask(t, st, taskByName(t, st, wf.ID, "Task 2").ID)

	result, err := svc.Replan(ctx, wf.ID, ReplanParams{
		Summary: "new direction",
		Reason:  "scope change",
		Tasks: []PlanTask{
			{Name: "X", DependsOn: []string{"Task 1"}},
			{Name: "Y", DependsOn: []string{"Task 2", "X"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TasksPreserved)
	assert.Equal(t, 2, result.TasksRemoved)
	assert.Equal(t, 2, result.TasksAdded)

	t.Run("new tasks number after the preserved frontier", func(t *testing.T) {
		assert.Equal(t, 3, taskByName(t, st, wf.ID, "X").Sequence)
		assert.Equal(t, 4, taskByName(t, st, wf.ID, "Y").Sequence)
	})

	t.Run("dependencies resolve across preserved and new tasks", func(t *testing.T) {
		y := taskByName(t, st, wf.ID, "Y")
		deps, err := st.ListDependencies(ctx, y.ID)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, d := range deps {
			ids[d.DependsOnID] = true
		}
		assert.True(t, ids[taskByName(t, st, wf.ID, "Task 2").ID])
		assert.True(t, ids[taskByName(t, st, wf.ID, "X").ID])
	})

	t.Run("replan history is appended to config", func(t *testing.T) {
		got, err := svc.Get(ctx, wf.ID, false)
		require.NoError(t, err)
		history, ok := got.Config["replan_history"].([]interface{})
		require.True(t, ok)
		require.Len(t, history, 1)
		entry := history[0].(map[string]interface{})
		assert.Equal(t, "scope change", entry["reason"])
		assert.Equal(t, "new direction", entry["summary"])
	})

	t.Run("a new task may not collide with a preserved name", func(t *testing.T) {
		_, err := svc.Replan(ctx, wf.ID, ReplanParams{Tasks: []PlanTask{{Name: "Task 1"}}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("cycles among the new tasks are rejected", func(t *testing.T) {
		_, err := svc.Replan(ctx, wf.ID, ReplanParams{Tasks: []PlanTask{
			{Name: "P", DependsOn: []string{"Q"}},
			{Name: "Q", DependsOn: []string{"P"}},
		}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})
}

func TestReplanCompactsSequences(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "compact", SourceType: "manual"})
	require.NoError(t, err)
	_, err = svc.SetPlan(ctx, wf.ID, Plan{Tasks: []PlanTask{
		{Name: "one"}, {Name: "two"}, {Name: "three"},
	}})
	require.NoError(t, err)

	// Only the middle task survives the replan.
	completeTask(t, st, taskByName(t, st, wf.ID, "two").ID)

	result, err := svc.Replan(ctx, wf.ID, ReplanParams{
		Summary: "restart",
		Reason:  "one and three were wrong",
		Tasks:   []PlanTask{{Name: "four"}, {Name: "five", DependsOn: []string{"four"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksPreserved)
	assert.Equal(t, 2, result.TasksRemoved)

	got, err := svc.Get(ctx, wf.ID, true)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 3)
	sequences := map[string]int{}
	for _, task := range got.Tasks {
		sequences[task.Name] = task.Sequence
	}
	assert.Equal(t, map[string]int{"two": 1, "four": 2, "five": 3}, sequences)
}

func TestSetParallelism(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "par", SourceType: "manual"})
	require.NoError(t, err)

	require.NoError(t, svc.SetParallelism(ctx, wf.ID, 4, nil))
	got, err := svc.Get(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxParallelTasks)

	err = svc.SetParallelism(ctx, wf.ID, 0, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestGetSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "sum", SourceType: "manual"})
	require.NoError(t, err)
	_, err = svc.SetPlan(ctx, wf.ID, Plan{Summary: "the plan", Tasks: []PlanTask{{Name: "A"}}})
	require.NoError(t, err)

	md, err := svc.GetSummary(ctx, wf.ID, "markdown")
	require.NoError(t, err)
	assert.Contains(t, md.Summary, "sum")
	assert.Greater(t, md.TokenEstimate, 0)

	_, err = svc.GetSummary(ctx, wf.ID, "xml")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestRepositories(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, CreateParams{Name: "repos", SourceType: "manual"})
	require.NoError(t, err)

	repo, err := svc.AddRepository(ctx, wf.ID, "", "/srv/app")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", repo.Path)

	t.Run("exactly one of id or path", func(t *testing.T) {
		_, err := svc.AddRepository(ctx, wf.ID, repo.ID, "/srv/other")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, err = svc.AddRepository(ctx, wf.ID, "", "")
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("removal is blocked while tasks reference it", func(t *testing.T) {
		require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
			return tx.CreateTask(ctx, &models.Task{
				WorkflowID: wf.ID, Name: "uses repo", Sequence: 1, RepositoryID: &repo.ID,
			})
		}))
		err := svc.RemoveRepository(ctx, wf.ID, repo.ID)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}
