// Package template implements reusable plan prototypes: creation from a live
// workflow or an explicit definition, and application with {{var}}
// interpolation.
package template

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
	"github.com/caw-dev/caw/internal/workflow"
)

// Service provides template business logic. It composes the workflow service
// so Apply can plan the new workflow inside its own transaction.
type Service struct {
	store     *store.Store
	workflows *workflow.Service
	logger    *logger.Logger
}

// NewService creates a template service.
func NewService(st *store.Store, workflows *workflow.Service, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		workflows: workflows,
		logger:    log.WithFields(zap.String("component", "template-service")),
	}
}

// TaskDef is one task inside a template definition. DependsOn entries are
// names local to the definition.
type TaskDef struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	ParallelGroup string                 `json:"parallel_group,omitempty"`
	DependsOn     []string               `json:"depends_on,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Definition is the serialized body of a workflow template.
type Definition struct {
	Tasks     []TaskDef `json:"tasks"`
	Variables []string  `json:"variables,omitempty"`
}

// CreateParams are the inputs for Create. Exactly one of FromWorkflowID or
// Definition must be supplied.
type CreateParams struct {
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	FromWorkflowID string      `json:"from_workflow_id,omitempty"`
	Definition     *Definition `json:"template,omitempty"`
}

// Create registers a template, either cloning a workflow's current task graph
// or storing an explicit definition. Template names are unique.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.WorkflowTemplate, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, apperr.Validation("template name is required")
	}
	if (params.FromWorkflowID == "") == (params.Definition == nil) {
		return nil, apperr.Validation("exactly one of from_workflow_id or template is required")
	}

	tmpl := &models.WorkflowTemplate{
		Name:        params.Name,
		Description: params.Description,
	}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		def := params.Definition
		if params.FromWorkflowID != "" {
			var err error
			def, err = snapshotWorkflow(ctx, tx, params.FromWorkflowID)
			if err != nil {
				return err
			}
		}
		body, err := json.Marshal(def)
		if err != nil {
			return apperr.Internal(err, "failed to serialize template definition")
		}
		tmpl.Template = string(body)
		return tx.CreateTemplate(ctx, tmpl)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("template created",
		zap.String("template_id", tmpl.ID), zap.String("name", tmpl.Name))
	return tmpl, nil
}

// snapshotWorkflow serializes a workflow's tasks as a template definition,
// rewriting dependency edges as names.
func snapshotWorkflow(ctx context.Context, tx *store.Tx, workflowID string) (*Definition, error) {
	if _, err := tx.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	tasks, err := tx.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := tx.ListWorkflowDependencies(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	nameOf := map[string]string{}
	for _, t := range tasks {
		nameOf[t.ID] = t.Name
	}
	dependsOn := map[string][]string{}
	for _, e := range edges {
		if e.DependencyType != models.DependencyBlocks {
			continue
		}
		if name, ok := nameOf[e.DependsOnID]; ok {
			dependsOn[e.TaskID] = append(dependsOn[e.TaskID], name)
		}
	}

	def := &Definition{Tasks: make([]TaskDef, 0, len(tasks))}
	for _, t := range tasks {
		td := TaskDef{
			Name:        t.Name,
			Description: t.Description,
			DependsOn:   dependsOn[t.ID],
		}
		if t.ParallelGroup != nil {
			td.ParallelGroup = *t.ParallelGroup
		}
		// Keep only the planning hints the engine understands.
		for _, key := range []string{"estimated_complexity", "files_likely_affected"} {
			if v, ok := t.Context[key]; ok {
				if td.Context == nil {
					td.Context = map[string]interface{}{}
				}
				td.Context[key] = v
			}
		}
		def.Tasks = append(def.Tasks, td)
	}
	return def, nil
}

// List returns every template ordered by name.
func (s *Service) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if templates == nil {
		templates = []*models.WorkflowTemplate{}
	}
	return templates, nil
}

// Get returns the template by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	return s.store.GetTemplate(ctx, id)
}

// ApplyParams are the inputs for Apply.
type ApplyParams struct {
	WorkflowName string            `json:"workflow_name"`
	Variables    map[string]string `json:"variables,omitempty"`
	RepoPath     string            `json:"repo_path,omitempty"`
	MaxParallel  int               `json:"max_parallel,omitempty"`
}

// ApplyResult identifies the workflow created from the template.
type ApplyResult struct {
	WorkflowID string `json:"workflow_id"`
}

var varPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Apply instantiates the template: every {{var}} occurrence (union the
// declared variables) must be bound, the fields are interpolated, and a new
// workflow is created and planned in one transaction.
func (s *Service) Apply(ctx context.Context, templateID string, params ApplyParams) (*ApplyResult, error) {
	if strings.TrimSpace(params.WorkflowName) == "" {
		return nil, apperr.Validation("workflow_name is required")
	}
	if params.MaxParallel < 0 {
		return nil, apperr.Validation("max_parallel must be >= 1")
	}

	result := &ApplyResult{}
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		tmpl, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		var def Definition
		if err := json.Unmarshal([]byte(tmpl.Template), &def); err != nil {
			return apperr.Internal(err, "template definition is corrupt: %s", templateID)
		}

		if missing := missingVariables(&def, params.Variables); len(missing) > 0 {
			return apperr.Validation("missing template variables: %s", strings.Join(missing, ", "))
		}

		plan := workflow.Plan{
			Summary: interpolate(tmpl.Description, params.Variables),
			Tasks:   make([]workflow.PlanTask, 0, len(def.Tasks)),
		}
		for _, td := range def.Tasks {
			pt := workflow.PlanTask{
				Name:          interpolate(td.Name, params.Variables),
				Description:   interpolate(td.Description, params.Variables),
				ParallelGroup: td.ParallelGroup,
				Context:       td.Context,
			}
			for _, dep := range td.DependsOn {
				pt.DependsOn = append(pt.DependsOn, interpolate(dep, params.Variables))
			}
			plan.Tasks = append(plan.Tasks, pt)
		}

		wf := &models.Workflow{
			Name:             params.WorkflowName,
			SourceType:       "template",
			SourceRef:        tmpl.ID,
			MaxParallelTasks: params.MaxParallel,
		}
		if err := tx.CreateWorkflow(ctx, wf); err != nil {
			return err
		}
		if params.RepoPath != "" {
			repo, err := tx.UpsertRepositoryByPath(ctx, params.RepoPath, "")
			if err != nil {
				return err
			}
			if err := tx.AddWorkflowRepository(ctx, wf.ID, repo.ID); err != nil {
				return err
			}
		}

		if _, err := s.workflows.ApplyPlan(ctx, tx, wf.ID, plan); err != nil {
			return err
		}
		result.WorkflowID = wf.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("template applied",
		zap.String("template_id", templateID), zap.String("workflow_id", result.WorkflowID))
	return result, nil
}

// UpdateVersion overwrites the template definition and bumps its version.
func (s *Service) UpdateVersion(ctx context.Context, id string, def *Definition) (*models.WorkflowTemplate, error) {
	if def == nil {
		return nil, apperr.Validation("template definition is required")
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, apperr.Internal(err, "failed to serialize template definition")
	}

	var tmpl *models.WorkflowTemplate
	txErr := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		tmpl, err = tx.UpdateTemplate(ctx, id, string(body))
		return err
	})
	if txErr != nil {
		return nil, txErr
	}
	return tmpl, nil
}

// missingVariables unions the {{var}} occurrences in task names, descriptions,
// and depends_on entries with the declared variables, and returns the ones
// absent from the supplied bindings, sorted.
func missingVariables(def *Definition, bound map[string]string) []string {
	required := map[string]bool{}
	collect := func(text string) {
		for _, m := range varPattern.FindAllStringSubmatch(text, -1) {
			required[m[1]] = true
		}
	}
	for _, td := range def.Tasks {
		collect(td.Name)
		collect(td.Description)
		for _, dep := range td.DependsOn {
			collect(dep)
		}
	}
	for _, v := range def.Variables {
		required[v] = true
	}

	var missing []string
	for name := range required {
		if _, ok := bound[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// interpolate substitutes every {{name}} occurrence with its binding.
func interpolate(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
