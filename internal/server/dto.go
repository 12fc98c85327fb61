package server

import (
	"planline/internal/domain"
	"planline/internal/planner"
)

type CreateProjectRequest struct {
	Name        string `json:"name" example:"billing-api"`
	Description string `json:"description,omitempty"`
	BasePath    string `json:"base_path,omitempty"`
}

type CreateTaskRequest struct {
	Title            string  `json:"title"`
	Instructions     string  `json:"instructions,omitempty"`
	Priority         string  `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	EstimatedSeconds int64   `json:"estimated_seconds,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	DepOp            string  `json:"dep_op,omitempty" enum:"all,any,expr"`
	DepExprJSON      string  `json:"dep_expr_json,omitempty"`
	DependsOn        []int64 `json:"depends_on,omitempty"`
	BlockedBy        *int64  `json:"blocked_by,omitempty"`
	ParentRef        *int64  `json:"parent_ref,omitempty"`
}

type UpdateTaskRequest struct {
	Title            string  `json:"title,omitempty"`
	Instructions     *string `json:"instructions,omitempty"`
	Status           string  `json:"status,omitempty" enum:"todo,in_progress,in_review,done,blocked"`
	Priority         string  `json:"priority,omitempty" enum:"urgent,high,medium,low"`
	EstimatedSeconds *int64  `json:"estimated_seconds,omitempty"`
	Provider         *string `json:"provider,omitempty"`
	DependsOn        []int64 `json:"depends_on,omitempty"`
	Force            bool    `json:"force,omitempty"`
}

type OptimizeRequest struct {
	MaxParallelism     int    `json:"max_parallelism,omitempty"`
	MaxCostSeconds     int64  `json:"max_cost_seconds,omitempty"`
	MaxDurationSeconds int64  `json:"max_duration_seconds,omitempty"`
	PriorityPolicy     string `json:"priority_policy,omitempty"`
}

func (r OptimizeRequest) constraints() planner.Constraints {
	return planner.Constraints{
		MaxParallelism:     r.MaxParallelism,
		MaxCostSeconds:     r.MaxCostSeconds,
		MaxDurationSeconds: r.MaxDurationSeconds,
		PriorityPolicy:     r.PriorityPolicy,
	}
}

type StartWorkflowRequest struct {
	ProjectID string `json:"project_id"`
}

// PlanResponse is the wire shape of a plan; the graph itself stays internal,
// edges and warnings are enough for clients.
type PlanResponse struct {
	ProjectID                string                       `json:"project_id"`
	Stages                   []planner.Stage              `json:"stages"`
	Edges                    []planner.Edge               `json:"edges,omitempty"`
	CriticalPath             []int64                      `json:"critical_path,omitempty"`
	CriticalPathSeconds      int64                        `json:"critical_path_seconds"`
	TotalEstimatedSeconds    int64                        `json:"total_estimated_seconds"`
	EstimatedDurationSeconds int64                        `json:"estimated_duration_seconds"`
	Allocations              []planner.ProviderAllocation `json:"allocations,omitempty"`
	Warnings                 []planner.Warning            `json:"warnings,omitempty"`
}

func planResponse(p *planner.Plan) PlanResponse {
	return PlanResponse{
		ProjectID:                p.ProjectID,
		Stages:                   p.Stages,
		Edges:                    p.Graph.Edges(),
		CriticalPath:             p.CriticalPath,
		CriticalPathSeconds:      p.CriticalPathSeconds,
		TotalEstimatedSeconds:    p.TotalEstimatedSeconds,
		EstimatedDurationSeconds: p.EstimatedDurationSeconds,
		Allocations:              p.Allocations,
		Warnings:                 p.Warnings,
	}
}

type EventResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}
