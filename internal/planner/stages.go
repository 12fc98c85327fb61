package planner

// Stage is one step of an execution plan. Tasks within a stage have no
// dependencies on each other and may run concurrently; a stage depends only
// on the stage before it.
type Stage struct {
	Index            int     `json:"index"`
	Tasks            []int64 `json:"tasks"`
	Parallel         bool    `json:"parallel"`
	EstimatedSeconds int64   `json:"estimated_seconds"`
	DependsOn        int     `json:"depends_on"`
}

// buildStages groups nodes by topological level, ascending. Within a stage
// tasks keep task list order. Stage duration is the maximum task cost since
// stage members run concurrently.
func buildStages(g *Graph) []Stage {
	maxLevel := -1
	for _, seq := range g.order {
		if l := g.nodes[seq].Level; l > maxLevel {
			maxLevel = l
		}
	}
	if maxLevel < 0 {
		return nil
	}

	stages := make([]Stage, maxLevel+1)
	for i := range stages {
		stages[i] = Stage{Index: i, DependsOn: i - 1}
	}
	for _, seq := range g.order {
		n := g.nodes[seq]
		s := &stages[n.Level]
		s.Tasks = append(s.Tasks, seq)
		if n.Cost > s.EstimatedSeconds {
			s.EstimatedSeconds = n.Cost
		}
	}
	for i := range stages {
		stages[i].Parallel = len(stages[i].Tasks) > 1
	}
	return stages
}

func stagesDuration(stages []Stage) int64 {
	var total int64
	for _, s := range stages {
		total += s.EstimatedSeconds
	}
	return total
}
