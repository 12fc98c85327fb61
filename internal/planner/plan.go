package planner

import (
	"planline/internal/config"
	"planline/internal/domain"
)

// Plan is the full execution plan for one project: the dependency graph, the
// staged schedule derived from it, the critical path and the provider
// capacity picture. Plans are value outputs of planning; executing one never
// mutates it.
type Plan struct {
	ProjectID                string               `json:"project_id"`
	Graph                    *Graph               `json:"-"`
	Stages                   []Stage              `json:"stages"`
	CriticalPath             []int64              `json:"critical_path"`
	CriticalPathSeconds      int64                `json:"critical_path_seconds"`
	TotalEstimatedSeconds    int64                `json:"total_estimated_seconds"`
	EstimatedDurationSeconds int64                `json:"estimated_duration_seconds"`
	Allocations              []ProviderAllocation `json:"allocations"`
	Warnings                 []Warning            `json:"warnings,omitempty"`
}

// CreatePlan builds and analyzes the dependency graph for a task set and
// derives the staged schedule. A cycle in the graph is fatal: the error is a
// *CircularDependencyError and no plan is returned.
func CreatePlan(projectID string, tasks []domain.Task, cfg *config.Config) (*Plan, error) {
	g := Build(tasks)
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	g.assignLevels(order)
	path, pathSeconds := g.criticalPath(order)

	var total int64
	for _, seq := range g.order {
		total += g.nodes[seq].Cost
	}

	stages := buildStages(g)
	return &Plan{
		ProjectID:                projectID,
		Graph:                    g,
		Stages:                   stages,
		CriticalPath:             path,
		CriticalPathSeconds:      pathSeconds,
		TotalEstimatedSeconds:    total,
		EstimatedDurationSeconds: stagesDuration(stages),
		Allocations:              buildAllocations(tasks, cfg),
		Warnings:                 g.Warnings(),
	}, nil
}
