// Package taskctx assembles the token-bounded context bundle an agent loads
// before working on a task.
package taskctx

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/common/tokens"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// DefaultMaxTokens bounds the bundle when the caller does not.
const DefaultMaxTokens = 8000

// recentCheckpoints is how many trailing checkpoints keep their detail when
// the bundle must shrink.
const recentCheckpoints = 5

// Include selects the sections to load. A zero value means every section
// except AllCheckpoints.
type Include struct {
	Workflow       bool `json:"workflow,omitempty"`
	CurrentTask    bool `json:"current_task,omitempty"`
	PriorTasks     bool `json:"prior_tasks,omitempty"`
	Siblings       bool `json:"siblings,omitempty"`
	Dependencies   bool `json:"dependencies,omitempty"`
	AllCheckpoints bool `json:"all_checkpoints,omitempty"`
}

// Options tune the loader.
type Options struct {
	MaxTokens int     `json:"max_tokens,omitempty"`
	Include   Include `json:"include,omitempty"`
}

// WorkflowSection is the workflow overview inside a bundle.
type WorkflowSection struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Status        models.WorkflowStatus `json:"status"`
	SourceSummary string                `json:"source_summary,omitempty"`
	PlanSummary   string                `json:"plan_summary,omitempty"`
}

// TaskOutcome is a compact prior-task or dependency entry.
type TaskOutcome struct {
	TaskID  string            `json:"task_id"`
	Name    string            `json:"name"`
	Status  models.TaskStatus `json:"status"`
	Outcome string            `json:"outcome,omitempty"`
}

// Sibling is a same-group task summary.
type Sibling struct {
	TaskID string            `json:"task_id"`
	Name   string            `json:"name"`
	Status models.TaskStatus `json:"status"`
}

// Bundle is the assembled context for one task.
type Bundle struct {
	Workflow           *WorkflowSection `json:"workflow,omitempty"`
	CurrentTask        *models.Task     `json:"current_task,omitempty"`
	PriorTasks         []*TaskOutcome   `json:"prior_tasks,omitempty"`
	SiblingTasks       []*Sibling       `json:"sibling_tasks,omitempty"`
	DependencyOutcomes []*TaskOutcome   `json:"dependency_outcomes,omitempty"`
	TokenEstimate      int              `json:"token_estimate"`
}

// Loader reads bundles from the store.
type Loader struct {
	store  *store.Store
	logger *logger.Logger
}

// NewLoader creates a context loader.
func NewLoader(st *store.Store, log *logger.Logger) *Loader {
	return &Loader{
		store:  st,
		logger: log.WithFields(zap.String("component", "context-loader")),
	}
}

// Load assembles the bundle for a task. When the estimate exceeds the token
// budget, detail is stripped from older checkpoints first and the workflow's
// source summary is truncated second.
func (l *Loader) Load(ctx context.Context, taskID string, opts Options) (*Bundle, error) {
	include := opts.Include
	if include == (Include{}) {
		include = Include{Workflow: true, CurrentTask: true, PriorTasks: true, Siblings: true, Dependencies: true}
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	wf, err := l.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{}
	if include.Workflow {
		bundle.Workflow = &WorkflowSection{
			ID:            wf.ID,
			Name:          wf.Name,
			Status:        wf.Status,
			SourceSummary: wf.SourceContent,
			PlanSummary:   wf.PlanSummary,
		}
	}

	if include.CurrentTask {
		cps, err := l.store.ListCheckpoints(ctx, taskID, store.CheckpointFilter{})
		if err != nil {
			return nil, err
		}
		task.Checkpoints = cps
		bundle.CurrentTask = task
	}

	if include.PriorTasks || include.Siblings {
		siblings, err := l.store.ListTasksByWorkflow(ctx, task.WorkflowID)
		if err != nil {
			return nil, err
		}
		if include.PriorTasks {
			bundle.PriorTasks = []*TaskOutcome{}
			for _, t := range siblings {
				if t.ID != task.ID && t.Status == models.TaskStatusCompleted {
					bundle.PriorTasks = append(bundle.PriorTasks, &TaskOutcome{
						TaskID:  t.ID,
						Name:    t.Name,
						Status:  t.Status,
						Outcome: t.Outcome,
					})
				}
			}
		}
		if include.Siblings && task.ParallelGroup != nil {
			bundle.SiblingTasks = []*Sibling{}
			for _, t := range siblings {
				if t.ID != task.ID && t.ParallelGroup != nil && *t.ParallelGroup == *task.ParallelGroup {
					bundle.SiblingTasks = append(bundle.SiblingTasks, &Sibling{
						TaskID: t.ID,
						Name:   t.Name,
						Status: t.Status,
					})
				}
			}
		}
	}

	if include.Dependencies {
		edges, err := l.store.ListDependencies(ctx, taskID)
		if err != nil {
			return nil, err
		}
		bundle.DependencyOutcomes = []*TaskOutcome{}
		for _, e := range edges {
			if e.DependencyType != models.DependencyBlocks {
				continue
			}
			dep, err := l.store.GetTask(ctx, e.DependsOnID)
			if err != nil {
				return nil, err
			}
			if dep.Status == models.TaskStatusCompleted {
				bundle.DependencyOutcomes = append(bundle.DependencyOutcomes, &TaskOutcome{
					TaskID:  dep.ID,
					Name:    dep.Name,
					Status:  dep.Status,
					Outcome: dep.Outcome,
				})
			}
		}
	}

	bundle.TokenEstimate = estimate(bundle)
	if bundle.TokenEstimate > maxTokens {
		l.compress(bundle, maxTokens, include.AllCheckpoints)
	}
	return bundle, nil
}

// compress applies the two coarse reductions in order: strip detail from
// checkpoints older than the trailing window, then truncate the source
// summary to whatever budget remains.
func (l *Loader) compress(bundle *Bundle, maxTokens int, keepAllDetail bool) {
	if !keepAllDetail && bundle.CurrentTask != nil {
		cps := bundle.CurrentTask.Checkpoints
		for i := 0; i < len(cps)-recentCheckpoints; i++ {
			cps[i].Detail = nil
		}
		bundle.TokenEstimate = estimate(bundle)
	}

	if bundle.TokenEstimate > maxTokens && bundle.Workflow != nil && bundle.Workflow.SourceSummary != "" {
		sourceTokens := tokens.Estimate(bundle.Workflow.SourceSummary)
		budget := maxTokens - (bundle.TokenEstimate - sourceTokens)
		if budget < 0 {
			budget = 0
		}
		bundle.Workflow.SourceSummary = tokens.Truncate(bundle.Workflow.SourceSummary, budget)
		bundle.TokenEstimate = estimate(bundle)
	}
}

// estimate sums the serialized size of every included section.
func estimate(bundle *Bundle) int {
	total := 0
	for _, section := range []interface{}{
		bundle.Workflow, bundle.CurrentTask, bundle.PriorTasks,
		bundle.SiblingTasks, bundle.DependencyOutcomes,
	} {
		buf, err := json.Marshal(section)
		if err != nil {
			continue
		}
		if s := string(buf); s != "null" {
			total += tokens.Estimate(s)
		}
	}
	return total
}
