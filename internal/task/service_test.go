package task

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

type fixture struct {
	svc *Service
	st  *store.Store
	wf  *models.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := store.Open(db.MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	wf := &models.Workflow{Name: "fixture", SourceType: "manual", Status: models.WorkflowStatusInProgress}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateWorkflow(ctx, wf)
	}))
	return &fixture{svc: NewService(st, log), st: st, wf: wf}
}

func (f *fixture) task(t *testing.T, name string, sequence int) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{WorkflowID: f.wf.ID, Name: name, Sequence: sequence}
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateTask(ctx, task)
	}))
	return task
}

func (f *fixture) agent(t *testing.T, name string) *models.Agent {
	t.Helper()
	ctx := context.Background()
	agent := &models.Agent{Name: name, Runtime: "test", Role: models.AgentRoleWorker, Status: models.AgentStatusOnline}
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateAgent(ctx, agent)
	}))
	return agent
}

func (f *fixture) block(t *testing.T, taskID, dependsOnID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.AddTaskDependency(ctx, &models.TaskDependency{
			TaskID: taskID, DependsOnID: dependsOnID, DependencyType: models.DependencyBlocks,
		})
		return err
	}))
}

func TestUpdateStatus(t *testing.T) {
	t.Run("walks the happy path", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "walk", 1)

		for _, target := range []models.TaskStatus{
			models.TaskStatusPlanning, models.TaskStatusInProgress,
		} {
			got, err := f.svc.UpdateStatus(ctx, task.ID, target, UpdateStatusParams{})
			require.NoError(t, err)
			assert.Equal(t, target, got.Status)
		}

		got, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, UpdateStatusParams{Outcome: "shipped"})
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, got.Status)
		assert.Equal(t, "shipped", got.Outcome)
	})

	t.Run("completing requires an outcome", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "no outcome", 1)

		_, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, UpdateStatusParams{})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		got, err := f.svc.Get(ctx, task.ID, false, 0)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, got.Status, "failed update leaves no trace")
	})

	t.Run("failing requires an error", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "no error", 1)
		_, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress, UpdateStatusParams{})
		require.NoError(t, err)

		_, err = f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, UpdateStatusParams{})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		got, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, UpdateStatusParams{Error: "boom"})
		require.NoError(t, err)
		assert.Equal(t, "boom", got.OutcomeDetail)
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "illegal", 1)
		_, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusPaused, UpdateStatusParams{})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})

	t.Run("leaving pending for planning requires terminal predecessors", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		pred := f.task(t, "pred", 1)
		succ := f.task(t, "succ", 2)
		f.block(t, succ.ID, pred.ID)

		_, err := f.svc.UpdateStatus(ctx, succ.ID, models.TaskStatusPlanning, UpdateStatusParams{})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

		_, err = f.svc.UpdateStatus(ctx, pred.ID, models.TaskStatusCompleted, UpdateStatusParams{Outcome: "ok"})
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, succ.ID, models.TaskStatusPlanning, UpdateStatusParams{})
		require.NoError(t, err)
	})
}

func TestClaim(t *testing.T) {
	t.Run("claims an unclaimed task", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "claimable", 1)
		agent := f.agent(t, "g")

		result, err := f.svc.Claim(ctx, task.ID, agent.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
		require.NotNil(t, result.Task.AssignedAgentID)
		assert.Equal(t, agent.ID, *result.Task.AssignedAgentID)
		assert.NotNil(t, result.Task.ClaimedAt)

		got, err := f.st.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusBusy, got.Status)
		require.NotNil(t, got.CurrentTaskID)
		assert.Equal(t, task.ID, *got.CurrentTaskID)
	})

	t.Run("re-claim by the holder is idempotent", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "idem", 1)
		agent := f.agent(t, "g")

		_, err := f.svc.Claim(ctx, task.ID, agent.ID)
		require.NoError(t, err)
		result, err := f.svc.Claim(ctx, task.ID, agent.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("claim by another agent reports the holder", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "contended", 1)
		first := f.agent(t, "first")
		second := f.agent(t, "second")

		_, err := f.svc.Claim(ctx, task.ID, first.ID)
		require.NoError(t, err)
		result, err := f.svc.Claim(ctx, task.ID, second.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, first.ID, result.AlreadyClaimedBy)
	})

	t.Run("terminal tasks cannot be claimed", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "done", 1)
		agent := f.agent(t, "g")
		_, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, UpdateStatusParams{Outcome: "ok"})
		require.NoError(t, err)

		_, err = f.svc.Claim(ctx, task.ID, agent.ID)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "held", 1)
	holder := f.agent(t, "holder")
	other := f.agent(t, "other")

	_, err := f.svc.Claim(ctx, task.ID, holder.ID)
	require.NoError(t, err)

	t.Run("release by a non-holder is an error", func(t *testing.T) {
		err := f.svc.Release(ctx, task.ID, other.ID, "")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})

	t.Run("release clears the claim and frees the agent", func(t *testing.T) {
		require.NoError(t, f.svc.Release(ctx, task.ID, holder.ID, "pausing"))

		got, err := f.svc.Get(ctx, task.ID, false, 0)
		require.NoError(t, err)
		assert.Nil(t, got.AssignedAgentID)
		assert.Nil(t, got.ClaimedAt)

		agent, err := f.st.GetAgent(ctx, holder.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusOnline, agent.Status)
		assert.Nil(t, agent.CurrentTaskID)
	})

	t.Run("releasing an unclaimed task is an error", func(t *testing.T) {
		err := f.svc.Release(ctx, task.ID, holder.ID, "")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestSetPlanAndReplan(t *testing.T) {
	t.Run("set plan only while planning", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "p", 1)

		_, err := f.svc.SetPlan(ctx, task.ID, "do things", nil)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

		_, err = f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusPlanning, UpdateStatusParams{})
		require.NoError(t, err)
		got, err := f.svc.SetPlan(ctx, task.ID, "do things", map[string]interface{}{"hint": "fast"})
		require.NoError(t, err)
		assert.Equal(t, "do things", got.Plan)
		assert.Equal(t, "fast", got.Context["hint"])
	})

	t.Run("replan resets a failed task", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "r", 1)
		_, err := f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusInProgress, UpdateStatusParams{})
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, UpdateStatusParams{Error: "broke"})
		require.NoError(t, err)

		result, err := f.svc.Replan(ctx, task.ID, "took a wrong turn", "try again")
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, result.Task.Status)
		assert.Equal(t, "try again", result.Task.Plan)
		assert.Empty(t, result.Task.Outcome)
		assert.Empty(t, result.Task.OutcomeDetail)
		assert.NotEmpty(t, result.CheckpointID)

		cps, err := f.svc.ListCheckpoints(ctx, task.ID, store.CheckpointFilter{})
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, models.CheckpointTypeReplan, cps[0].Type)
		assert.Equal(t, "took a wrong turn", cps[0].Summary)
	})

	t.Run("replan requires failed or in_progress", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		task := f.task(t, "r2", 1)
		_, err := f.svc.Replan(ctx, task.ID, "reason", "plan")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, "cp", 1)

	t.Run("type and summary are required", func(t *testing.T) {
		_, err := f.svc.AddCheckpoint(ctx, task.ID, CheckpointParams{Summary: "s"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, err = f.svc.AddCheckpoint(ctx, task.ID, CheckpointParams{Type: models.CheckpointTypeProgress})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("sequences are assigned in order", func(t *testing.T) {
		first, err := f.svc.AddCheckpoint(ctx, task.ID, CheckpointParams{
			Type: models.CheckpointTypeProgress, Summary: "one",
			Detail: map[string]interface{}{"step": float64(1)},
		})
		require.NoError(t, err)
		second, err := f.svc.AddCheckpoint(ctx, task.ID, CheckpointParams{
			Type: models.CheckpointTypeDecision, Summary: "two",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, first.Sequence)
		assert.Equal(t, 2, second.Sequence)
	})

	t.Run("type filter applies", func(t *testing.T) {
		cps, err := f.svc.ListCheckpoints(ctx, task.ID, store.CheckpointFilter{
			Types: []models.CheckpointType{models.CheckpointTypeDecision},
		})
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "two", cps[0].Summary)
	})

	t.Run("unknown task is an error", func(t *testing.T) {
		_, err := f.svc.AddCheckpoint(ctx, "tk_000000000000", CheckpointParams{
			Type: models.CheckpointTypeProgress, Summary: "s",
		})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestGetAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.task(t, "a", 1)
	b := f.task(t, "b", 2)
	f.block(t, b.ID, a.ID)

	available, err := f.svc.GetAvailable(ctx, f.wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, a.ID, available[0].ID)

	t.Run("failed predecessors still block", func(t *testing.T) {
		_, err := f.svc.UpdateStatus(ctx, a.ID, models.TaskStatusInProgress, UpdateStatusParams{})
		require.NoError(t, err)
		_, err = f.svc.UpdateStatus(ctx, a.ID, models.TaskStatusFailed, UpdateStatusParams{Error: "broke"})
		require.NoError(t, err)

		available, err := f.svc.GetAvailable(ctx, f.wf.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, available)
	})

	t.Run("skipped predecessors unblock", func(t *testing.T) {
		_, err := f.svc.UpdateStatus(ctx, a.ID, models.TaskStatusSkipped, UpdateStatusParams{})
		require.NoError(t, err)

		available, err := f.svc.GetAvailable(ctx, f.wf.ID, 0)
		require.NoError(t, err)
		require.Len(t, available, 1)
		assert.Equal(t, b.ID, available[0].ID)
	})
}

func TestGetDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.task(t, "a", 1)
	b := f.task(t, "b", 2)
	c := f.task(t, "c", 3)
	f.block(t, b.ID, a.ID)
	f.block(t, c.ID, b.ID)

	deps, err := f.svc.GetDependencies(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, deps.Dependencies, 1)
	require.Len(t, deps.Dependents, 1)
	assert.Equal(t, a.ID, deps.Dependencies[0].DependsOnID)
	assert.Equal(t, c.ID, deps.Dependents[0].TaskID)
}
