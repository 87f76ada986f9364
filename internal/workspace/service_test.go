package workspace

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

func createWorkflow(t *testing.T, st *store.Store) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := &models.Workflow{Name: "w", SourceType: "manual", Status: models.WorkflowStatusInProgress}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateWorkflow(ctx, wf)
	}))
	return wf
}

func createTask(t *testing.T, st *store.Store, workflowID, name string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := &models.Task{WorkflowID: workflowID, Name: name, Sequence: 1}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateTask(ctx, task)
	}))
	return task
}

func TestCreate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	wf := createWorkflow(t, st)

	t.Run("requires workflow, path and branch", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{Path: "/tmp/ws", Branch: "main"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, err = svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Branch: "main"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
		_, err = svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Path: "/tmp/ws"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("repository id and path are exclusive", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{
			WorkflowID: wf.ID, Path: "/tmp/ws", Branch: "feat",
			RepositoryID: "rp_x", RepositoryPath: "/src/app",
		})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("registers a repository by path and assigns tasks", func(t *testing.T) {
		task := createTask(t, st, wf.ID, "wire")
		ws, err := svc.Create(ctx, CreateParams{
			WorkflowID:     wf.ID,
			Path:           "/tmp/ws-feat",
			Branch:         "feat/wire",
			BaseBranch:     "main",
			TaskIDs:        []string{task.ID},
			RepositoryPath: "/src/app",
		})
		require.NoError(t, err)
		assert.Equal(t, models.WorkspaceStatusActive, ws.Status)
		require.NotNil(t, ws.RepositoryID)

		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.WorkspaceID)
		assert.Equal(t, ws.ID, *got.WorkspaceID)
	})

	t.Run("missing task aborts the whole create", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{
			WorkflowID: wf.ID, Path: "/tmp/ws-bad", Branch: "feat/bad",
			TaskIDs: []string{"tk_000000000000"},
		})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

		list, err := svc.List(ctx, wf.ID, nil)
		require.NoError(t, err)
		for _, ws := range list {
			assert.NotEqual(t, "/tmp/ws-bad", ws.Path)
		}
	})
}

func TestUpdate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	wf := createWorkflow(t, st)

	create := func(path string) *models.Workspace {
		ws, err := svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Path: path, Branch: "feat"})
		require.NoError(t, err)
		return ws
	}

	t.Run("merged requires a merge commit", func(t *testing.T) {
		ws := create("/tmp/ws-1")
		merged := models.WorkspaceStatusMerged
		_, err := svc.Update(ctx, ws.ID, UpdateParams{Status: &merged})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		commit := "abc123"
		got, err := svc.Update(ctx, ws.ID, UpdateParams{Status: &merged, MergeCommit: &commit})
		require.NoError(t, err)
		assert.Equal(t, models.WorkspaceStatusMerged, got.Status)
		assert.Equal(t, "abc123", got.MergeCommit)
	})

	t.Run("terminal workspaces reject transitions", func(t *testing.T) {
		ws := create("/tmp/ws-2")
		abandoned := models.WorkspaceStatusAbandoned
		_, err := svc.Update(ctx, ws.ID, UpdateParams{Status: &abandoned})
		require.NoError(t, err)

		active := models.WorkspaceStatusActive
		_, err = svc.Update(ctx, ws.ID, UpdateParams{Status: &active})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})

	t.Run("pr_url and config update without a status change", func(t *testing.T) {
		ws := create("/tmp/ws-3")
		url := "https://example.com/pr/7"
		got, err := svc.Update(ctx, ws.ID, UpdateParams{
			PRURL:  &url,
			Config: map[string]interface{}{"reviewer": "sam"},
		})
		require.NoError(t, err)
		assert.Equal(t, url, got.PRURL)
		assert.Equal(t, "sam", got.Config["reviewer"])
		assert.Equal(t, models.WorkspaceStatusActive, got.Status)
	})
}

func TestAssignTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	wf := createWorkflow(t, st)

	ws, err := svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Path: "/tmp/ws", Branch: "feat"})
	require.NoError(t, err)
	task := createTask(t, st, wf.ID, "assign-me")

	t.Run("assigns to an active workspace", func(t *testing.T) {
		require.NoError(t, svc.AssignTask(ctx, task.ID, ws.ID))
		got, err := st.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.WorkspaceID)
		assert.Equal(t, ws.ID, *got.WorkspaceID)
	})

	t.Run("rejects non-active workspaces", func(t *testing.T) {
		abandoned := models.WorkspaceStatusAbandoned
		_, err := svc.Update(ctx, ws.ID, UpdateParams{Status: &abandoned})
		require.NoError(t, err)

		err = svc.AssignTask(ctx, task.ID, ws.ID)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})
}

func TestList(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	wf := createWorkflow(t, st)

	first, err := svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Path: "/tmp/a", Branch: "a"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateParams{WorkflowID: wf.ID, Path: "/tmp/b", Branch: "b"})
	require.NoError(t, err)

	abandoned := models.WorkspaceStatusAbandoned
	_, err = svc.Update(ctx, first.ID, UpdateParams{Status: &abandoned})
	require.NoError(t, err)

	t.Run("all statuses by default", func(t *testing.T) {
		list, err := svc.List(ctx, wf.ID, nil)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("narrowed to a status set", func(t *testing.T) {
		list, err := svc.List(ctx, wf.ID, []models.WorkspaceStatus{models.WorkspaceStatusActive})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "/tmp/b", list[0].Path)
	})

	t.Run("missing workflow is not found", func(t *testing.T) {
		_, err := svc.List(ctx, "wf_000000000000", nil)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}
