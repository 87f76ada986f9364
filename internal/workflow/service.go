// Package workflow implements workflow lifecycle: creation, planning,
// status transitions, re-planning, and repository membership.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/apperr"
	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/common/tokens"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/models"
	"github.com/caw-dev/caw/internal/store"
)

// Service provides workflow business logic.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// NewService creates a workflow service.
func NewService(st *store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "workflow-service")),
	}
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	Name                 string                 `json:"name"`
	SourceType           string                 `json:"source_type"`
	SourceRef            string                 `json:"source_ref,omitempty"`
	SourceContent        string                 `json:"source_content,omitempty"`
	MaxParallelTasks     int                    `json:"max_parallel_tasks,omitempty"`
	AutoCreateWorkspaces bool                   `json:"auto_create_workspaces,omitempty"`
	Config               map[string]interface{} `json:"config,omitempty"`
	RepositoryPaths      []string               `json:"repository_paths,omitempty"`
}

// Create inserts a workflow in status planning. Repository paths are
// auto-registered (idempotent by path) and joined to the workflow.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Workflow, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, apperr.Validation("workflow name is required")
	}
	if strings.TrimSpace(params.SourceType) == "" {
		return nil, apperr.Validation("workflow source_type is required")
	}
	if params.MaxParallelTasks < 0 {
		return nil, apperr.Validation("max_parallel_tasks must be >= 1")
	}

	wf := &models.Workflow{
		Name:                 params.Name,
		SourceType:           params.SourceType,
		SourceRef:            params.SourceRef,
		SourceContent:        params.SourceContent,
		MaxParallelTasks:     params.MaxParallelTasks,
		AutoCreateWorkspaces: params.AutoCreateWorkspaces,
		Config:               params.Config,
	}

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateWorkflow(ctx, wf); err != nil {
			return err
		}
		for _, path := range params.RepositoryPaths {
			repo, err := tx.UpsertRepositoryByPath(ctx, path, "")
			if err != nil {
				return err
			}
			if err := tx.AddWorkflowRepository(ctx, wf.ID, repo.ID); err != nil {
				return err
			}
		}
		tx.Emit(events.TypeWorkflowStatus, map[string]interface{}{
			"workflow_id": wf.ID,
			"status":      string(wf.Status),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID), zap.String("name", wf.Name))
	return wf, nil
}

// Get returns the workflow, optionally with its tasks attached ordered by
// (sequence, name).
func (s *Service) Get(ctx context.Context, id string, includeTasks bool) (*models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if includeTasks {
		tasks, err := s.store.ListTasksByWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		wf.Tasks = tasks
	}
	return wf, nil
}

// ListResult is a paginated workflow listing.
type ListResult struct {
	Workflows []*models.Workflow `json:"workflows"`
	Total     int                `json:"total"`
}

// List returns a summary projection of workflows matching the filter; Total
// counts matches before pagination.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) (*ListResult, error) {
	workflows, total, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	return &ListResult{Workflows: workflows, Total: total}, nil
}

// UpdateStatus transitions the workflow through the lifecycle table. A reason,
// when supplied, is recorded in config under last_status_reason.
func (s *Service) UpdateStatus(ctx context.Context, id string, target models.WorkflowStatus, reason string) (*models.Workflow, error) {
	var wf *models.Workflow
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		wf, err = tx.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransitionWorkflow(wf.Status, target) {
			return apperr.InvalidState("invalid workflow transition %s -> %s", wf.Status, target)
		}
		if err := tx.UpdateWorkflowStatus(ctx, id, target); err != nil {
			return err
		}
		if reason != "" {
			if wf.Config == nil {
				wf.Config = map[string]interface{}{}
			}
			wf.Config["last_status_reason"] = reason
			if err := tx.UpdateWorkflowConfig(ctx, id, wf.Config); err != nil {
				return err
			}
		}
		wf.Status = target
		tx.Emit(events.TypeWorkflowStatus, map[string]interface{}{
			"workflow_id": id,
			"status":      string(target),
			"reason":      reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// SetParallelism updates max_parallel_tasks and, when autoWorkspaces is
// non-nil, auto_create_workspaces. Valid in any status.
func (s *Service) SetParallelism(ctx context.Context, id string, maxParallel int, autoWorkspaces *bool) error {
	if maxParallel < 1 {
		return apperr.Validation("max_parallel_tasks must be >= 1")
	}
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWorkflow(ctx, id); err != nil {
			return err
		}
		return tx.SetWorkflowParallelism(ctx, id, maxParallel, autoWorkspaces)
	})
}

// Summary is a rendered workflow overview for agent consumption.
type Summary struct {
	Summary       string `json:"summary"`
	TokenEstimate int    `json:"token_estimate"`
}

// GetSummary renders the workflow as JSON or Markdown ("json" | "markdown").
func (s *Service) GetSummary(ctx context.Context, id, format string) (*Summary, error) {
	wf, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}

	var rendered string
	switch format {
	case "", "markdown":
		rendered = renderMarkdownSummary(wf)
	case "json":
		buf, err := json.MarshalIndent(summaryDocument(wf), "", "  ")
		if err != nil {
			return nil, apperr.Internal(err, "failed to render workflow summary")
		}
		rendered = string(buf)
	default:
		return nil, apperr.Validation("unknown summary format: %s", format)
	}

	return &Summary{Summary: rendered, TokenEstimate: tokens.Estimate(rendered)}, nil
}

func summaryDocument(wf *models.Workflow) map[string]interface{} {
	taskViews := make([]map[string]interface{}, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		view := map[string]interface{}{
			"name":     t.Name,
			"status":   string(t.Status),
			"sequence": t.Sequence,
		}
		if t.Description != "" {
			view["description"] = t.Description
		}
		if t.ParallelGroup != nil {
			view["parallel_group"] = *t.ParallelGroup
		}
		if t.Outcome != "" {
			view["outcome"] = t.Outcome
		}
		taskViews = append(taskViews, view)
	}
	return map[string]interface{}{
		"id":           wf.ID,
		"name":         wf.Name,
		"status":       string(wf.Status),
		"plan_summary": wf.PlanSummary,
		"tasks":        taskViews,
	}
}

func renderMarkdownSummary(wf *models.Workflow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow: %s\n\n", wf.Name)
	fmt.Fprintf(&b, "- ID: %s\n- Status: %s\n", wf.ID, wf.Status)
	if wf.PlanSummary != "" {
		fmt.Fprintf(&b, "\n%s\n", wf.PlanSummary)
	}
	if len(wf.Tasks) > 0 {
		b.WriteString("\n## Tasks\n\n")
		for _, t := range wf.Tasks {
			fmt.Fprintf(&b, "%d. [%s] %s", t.Sequence, t.Status, t.Name)
			if t.ParallelGroup != nil {
				fmt.Fprintf(&b, " (parallel: %s)", *t.ParallelGroup)
			}
			if t.Outcome != "" {
				fmt.Fprintf(&b, " - %s", t.Outcome)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ListDependencies returns every dependency edge between the workflow's
// tasks.
func (s *Service) ListDependencies(ctx context.Context, id string) ([]*models.TaskDependency, error) {
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	edges, err := s.store.ListWorkflowDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []*models.TaskDependency{}
	}
	return edges, nil
}

// timestamp used when appending to config.replan_history.
func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }
