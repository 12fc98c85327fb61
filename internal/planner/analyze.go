package planner

// TopoOrder returns a topological ordering of the graph (Kahn's algorithm).
// Nodes become eligible in task list order, which keeps the ordering
// deterministic for a given input. If a cycle exists the returned error is a
// *CircularDependencyError naming the cycle.
func (g *Graph) TopoOrder() ([]int64, error) {
	indeg := make(map[int64]int, len(g.order))
	for _, seq := range g.order {
		indeg[seq] = len(g.preds[seq])
	}

	queue := make([]int64, 0, len(g.order))
	for _, seq := range g.order {
		if indeg[seq] == 0 {
			queue = append(queue, seq)
		}
	}

	sorted := make([]int64, 0, len(g.order))
	for len(queue) > 0 {
		seq := queue[0]
		queue = queue[1:]
		sorted = append(sorted, seq)
		for _, next := range g.succs[seq] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) < len(g.order) {
		return nil, &CircularDependencyError{Cycle: g.findCycle(indeg)}
	}
	return sorted, nil
}

// findCycle walks predecessor links within the unsorted remainder until a
// node repeats; every node on that walk segment lies on a cycle.
func (g *Graph) findCycle(indeg map[int64]int) []int64 {
	remaining := make(map[int64]bool)
	var start int64
	started := false
	for _, seq := range g.order {
		if indeg[seq] > 0 {
			remaining[seq] = true
			if !started {
				start = seq
				started = true
			}
		}
	}
	if !started {
		return nil
	}

	visited := make(map[int64]int)
	path := []int64{}
	cur := start
	for {
		if at, seen := visited[cur]; seen {
			cycle := append([]int64{}, path[at:]...)
			// reverse: the walk followed predecessor links
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
		visited[cur] = len(path)
		path = append(path, cur)
		advanced := false
		for _, p := range g.preds[cur] {
			if remaining[p] {
				cur = p
				advanced = true
				break
			}
		}
		if !advanced {
			return []int64{cur}
		}
	}
}

// assignLevels sets each node's topological level: 0 for nodes with no
// prerequisites, otherwise 1 + the maximum level of its direct predecessors.
// Requires an acyclic graph and a valid topological order.
func (g *Graph) assignLevels(order []int64) {
	for _, seq := range order {
		level := 0
		for _, p := range g.preds[seq] {
			if pl := g.nodes[p].Level + 1; pl > level {
				level = pl
			}
		}
		g.nodes[seq].Level = level
	}
}

// criticalPath computes the longest cost-weighted path through the graph by
// dynamic programming over the topological order. Ties are broken by task
// list order, so the result is deterministic. Nodes on the returned path are
// marked OnCriticalPath.
func (g *Graph) criticalPath(order []int64) ([]int64, int64) {
	if len(order) == 0 {
		return nil, 0
	}
	longest := make(map[int64]int64, len(order))
	prev := make(map[int64]int64, len(order))

	for _, seq := range order {
		best := int64(0)
		bestPred := int64(-1)
		for _, p := range g.preds[seq] {
			lp := longest[p]
			if bestPred == -1 || lp > best || (lp == best && g.orderIdx[p] < g.orderIdx[bestPred]) {
				best = lp
				bestPred = p
			}
		}
		longest[seq] = g.nodes[seq].Cost + best
		prev[seq] = bestPred
	}

	end := order[0]
	for _, seq := range order[1:] {
		if longest[seq] > longest[end] {
			end = seq
		}
	}

	var path []int64
	for cur := end; cur != -1; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	for _, seq := range path {
		g.nodes[seq].OnCriticalPath = true
	}
	return path, longest[end]
}
