package planner

import "sort"

// Constraints bound an optimization pass. Zero values mean "no constraint".
type Constraints struct {
	MaxParallelism     int    `json:"max_parallelism,omitempty"`
	MaxCostSeconds     int64  `json:"max_cost_seconds,omitempty"`
	MaxDurationSeconds int64  `json:"max_duration_seconds,omitempty"`
	PriorityPolicy     string `json:"priority_policy,omitempty"`
}

// PriorityFirst schedules critical-path and high-priority tasks at the front
// of each stage.
const PriorityFirst = "priority_first"

// Optimize applies constraints to a plan and returns a new plan; the input is
// never modified. The cost budget is checked first and is fatal when
// exceeded. Reordering happens within stages only, so no task ever moves
// ahead of a dependency.
func Optimize(p *Plan, c Constraints) (*Plan, error) {
	if c.MaxCostSeconds > 0 && p.TotalEstimatedSeconds > c.MaxCostSeconds {
		return nil, &BudgetExceededError{EstimatedSeconds: p.TotalEstimatedSeconds, MaxSeconds: c.MaxCostSeconds}
	}

	stages := copyStages(p.Stages)

	reorder := c.PriorityPolicy == PriorityFirst ||
		(c.MaxDurationSeconds > 0 && p.EstimatedDurationSeconds > c.MaxDurationSeconds)
	if reorder {
		for i := range stages {
			sortStageTasks(p.Graph, stages[i].Tasks)
		}
	}

	if c.MaxParallelism > 0 {
		stages = splitStages(p.Graph, stages, c.MaxParallelism)
	}

	out := *p
	out.Stages = stages
	out.EstimatedDurationSeconds = stagesDuration(stages)
	return &out, nil
}

func copyStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = s
		out[i].Tasks = append([]int64(nil), s.Tasks...)
	}
	return out
}

// sortStageTasks orders a stage's tasks with critical-path members first,
// then by descending priority. The sort is stable, so tasks that compare
// equal keep their original relative order.
func sortStageTasks(g *Graph, tasks []int64) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := g.nodes[tasks[i]], g.nodes[tasks[j]]
		if a.OnCriticalPath != b.OnCriticalPath {
			return a.OnCriticalPath
		}
		return priorityRank(a.Task.Priority) < priorityRank(b.Task.Priority)
	})
}

func priorityRank(p string) int {
	switch p {
	case "urgent":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 4
	}
}

// splitStages caps stage width at limit by cutting oversized stages into
// consecutive sub-stages. Task order within the original stage is preserved,
// so a five task stage under limit 2 becomes stages of 2, 2 and 1.
func splitStages(g *Graph, stages []Stage, limit int) []Stage {
	out := make([]Stage, 0, len(stages))
	for _, s := range stages {
		for start := 0; start < len(s.Tasks); start += limit {
			end := start + limit
			if end > len(s.Tasks) {
				end = len(s.Tasks)
			}
			chunk := append([]int64(nil), s.Tasks[start:end]...)
			sub := Stage{
				Index:     len(out),
				Tasks:     chunk,
				Parallel:  len(chunk) > 1,
				DependsOn: len(out) - 1,
			}
			for _, seq := range chunk {
				if cost := g.nodes[seq].Cost; cost > sub.EstimatedSeconds {
					sub.EstimatedSeconds = cost
				}
			}
			out = append(out, sub)
		}
	}
	return out
}
