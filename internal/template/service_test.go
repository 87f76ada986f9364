package template

import (
	"context"
	"encoding/json"
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

func newTestService(t *testing.T) (*Service, *workflow.Service, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	st, err := store.Open(db.MemoryPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	workflows := workflow.NewService(st, log)
	return NewService(st, workflows, log), workflows, st
}

func decodeDefinition(t *testing.T, tmpl *models.WorkflowTemplate) *Definition {
	t.Helper()
	var def Definition
	require.NoError(t, json.Unmarshal([]byte(tmpl.Template), &def))
	return &def
}

func TestCreate(t *testing.T) {
	svc, workflows, _ := newTestService(t)
	ctx := context.Background()

	t.Run("requires a name and exactly one source", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{Definition: &Definition{}})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		_, err = svc.Create(ctx, CreateParams{Name: "t"})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		_, err = svc.Create(ctx, CreateParams{
			Name: "t", FromWorkflowID: "wf_x", Definition: &Definition{},
		})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("stores an explicit definition", func(t *testing.T) {
		tmpl, err := svc.Create(ctx, CreateParams{
			Name: "feature",
			Definition: &Definition{
				Tasks:     []TaskDef{{Name: "implement {{thing}}"}},
				Variables: []string{"thing"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, tmpl.Version)

		def := decodeDefinition(t, tmpl)
		require.Len(t, def.Tasks, 1)
		assert.Equal(t, "implement {{thing}}", def.Tasks[0].Name)
	})

	t.Run("names are unique", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{Name: "feature", Definition: &Definition{}})
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	})

	t.Run("snapshots a workflow with dependencies as names", func(t *testing.T) {
		wf, err := workflows.Create(ctx, workflow.CreateParams{Name: "src", SourceType: "manual"})
		require.NoError(t, err)
		_, err = workflows.SetPlan(ctx, wf.ID, workflow.Plan{Tasks: []workflow.PlanTask{
			{Name: "design", Context: map[string]interface{}{
				"estimated_complexity": "low",
				"scratch_note":         "dropped",
			}},
			{Name: "build", DependsOn: []string{"design"}, ParallelGroup: "impl"},
		}})
		require.NoError(t, err)

		tmpl, err := svc.Create(ctx, CreateParams{Name: "from-wf", FromWorkflowID: wf.ID})
		require.NoError(t, err)

		def := decodeDefinition(t, tmpl)
		require.Len(t, def.Tasks, 2)
		assert.Equal(t, "design", def.Tasks[0].Name)
		assert.Equal(t, "low", def.Tasks[0].Context["estimated_complexity"])
		assert.NotContains(t, def.Tasks[0].Context, "scratch_note")
		assert.Equal(t, []string{"design"}, def.Tasks[1].DependsOn)
		assert.Equal(t, "impl", def.Tasks[1].ParallelGroup)
	})

	t.Run("snapshot of a missing workflow is not found", func(t *testing.T) {
		_, err := svc.Create(ctx, CreateParams{Name: "nope", FromWorkflowID: "wf_000000000000"})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestApply(t *testing.T) {
	svc, workflows, st := newTestService(t)
	ctx := context.Background()

	tmpl, err := svc.Create(ctx, CreateParams{
		Name:        "release",
		Description: "ship {{component}}",
		Definition: &Definition{
			Tasks: []TaskDef{
				{Name: "build {{component}}"},
				{Name: "test {{component}}", DependsOn: []string{"build {{component}}"}},
			},
		},
	})
	require.NoError(t, err)

	t.Run("requires a workflow name", func(t *testing.T) {
		_, err := svc.Apply(ctx, tmpl.ID, ApplyParams{})
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("missing variables are reported sorted", func(t *testing.T) {
		multi, err := svc.Create(ctx, CreateParams{
			Name: "multi-var",
			Definition: &Definition{
				Tasks:     []TaskDef{{Name: "{{b}} then {{a}}"}},
				Variables: []string{"c"},
			},
		})
		require.NoError(t, err)

		_, applyErr := svc.Apply(ctx, multi.ID, ApplyParams{WorkflowName: "w"})
		require.True(t, apperr.IsKind(applyErr, apperr.KindValidation))
		assert.Contains(t, applyErr.Error(), "a, b, c")
	})

	t.Run("interpolates and plans a new workflow", func(t *testing.T) {
		result, err := svc.Apply(ctx, tmpl.ID, ApplyParams{
			WorkflowName: "ship parser",
			Variables:    map[string]string{"component": "parser"},
			RepoPath:     "/src/parser",
			MaxParallel:  2,
		})
		require.NoError(t, err)

		wf, err := workflows.Get(ctx, result.WorkflowID, false)
		require.NoError(t, err)
		assert.Equal(t, "template", wf.SourceType)
		assert.Equal(t, tmpl.ID, wf.SourceRef)
		assert.Equal(t, 2, wf.MaxParallelTasks)

		first, err := st.GetTaskByName(ctx, wf.ID, "build parser")
		require.NoError(t, err)
		second, err := st.GetTaskByName(ctx, wf.ID, "test parser")
		require.NoError(t, err)
		assert.Greater(t, second.Sequence, first.Sequence)

		edges, err := st.ListDependencies(ctx, second.ID)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, first.ID, edges[0].DependsOnID)
	})

	t.Run("snapshot then apply reproduces the graph", func(t *testing.T) {
		applied, err := svc.Apply(ctx, tmpl.ID, ApplyParams{
			WorkflowName: "ship lexer",
			Variables:    map[string]string{"component": "lexer"},
		})
		require.NoError(t, err)

		round, err := svc.Create(ctx, CreateParams{Name: "round-trip", FromWorkflowID: applied.WorkflowID})
		require.NoError(t, err)

		def := decodeDefinition(t, round)
		require.Len(t, def.Tasks, 2)
		assert.Equal(t, "build lexer", def.Tasks[0].Name)
		assert.Equal(t, []string{"build lexer"}, def.Tasks[1].DependsOn)
	})

	t.Run("missing template is not found", func(t *testing.T) {
		_, err := svc.Apply(ctx, "tp_000000000000", ApplyParams{WorkflowName: "w"})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestUpdateVersion(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tmpl, err := svc.Create(ctx, CreateParams{
		Name:       "evolving",
		Definition: &Definition{Tasks: []TaskDef{{Name: "v1"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, tmpl.Version)

	t.Run("bumps the version and replaces the body", func(t *testing.T) {
		updated, err := svc.UpdateVersion(ctx, tmpl.ID, &Definition{Tasks: []TaskDef{{Name: "v2"}}})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)

		def := decodeDefinition(t, updated)
		require.Len(t, def.Tasks, 1)
		assert.Equal(t, "v2", def.Tasks[0].Name)
	})

	t.Run("nil definition is invalid", func(t *testing.T) {
		_, err := svc.UpdateVersion(ctx, tmpl.ID, nil)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("missing template is not found", func(t *testing.T) {
		_, err := svc.UpdateVersion(ctx, "tp_000000000000", &Definition{})
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}
