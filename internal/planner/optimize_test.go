package planner

import (
	"errors"
	"reflect"
	"testing"

	"planline/internal/config"
	"planline/internal/domain"
)

func TestOptimizeParallelismSplit(t *testing.T) {
	tasks := []domain.Task{
		mkTask(1), mkTask(2), mkTask(3), mkTask(4), mkTask(5),
	}
	plan, err := CreatePlan("p1", tasks, config.Default("p1"))
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Stages) != 1 {
		t.Fatalf("expected one stage, got %d", len(plan.Stages))
	}

	opt, err := Optimize(plan, Constraints{MaxParallelism: 2})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if len(opt.Stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(opt.Stages))
	}
	for i, w := range want {
		if !reflect.DeepEqual(opt.Stages[i].Tasks, w) {
			t.Fatalf("stage %d = %v, want %v", i, opt.Stages[i].Tasks, w)
		}
		if opt.Stages[i].Index != i {
			t.Fatalf("stage %d index = %d", i, opt.Stages[i].Index)
		}
	}
	if opt.Stages[2].Parallel {
		t.Fatalf("single-task sub-stage should not be parallel")
	}
	// input plan untouched
	if len(plan.Stages) != 1 || len(plan.Stages[0].Tasks) != 5 {
		t.Fatalf("input plan mutated: %+v", plan.Stages)
	}
}

func TestOptimizeBudgetExceeded(t *testing.T) {
	plan, err := CreatePlan("p1", []domain.Task{mkTask(1), mkTask(2)}, config.Default("p1"))
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	_, err = Optimize(plan, Constraints{MaxCostSeconds: 100})
	var berr *BudgetExceededError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if berr.EstimatedSeconds != 120 || berr.MaxSeconds != 100 {
		t.Fatalf("error = %+v", berr)
	}
}

func TestOptimizePriorityFirst(t *testing.T) {
	tasks := []domain.Task{
		mkTask(1), mkTask(2), mkTask(3), mkTask(4),
	}
	tasks[0].Priority = "low"
	tasks[1].Priority = "medium"
	tasks[2].Priority = "urgent"
	tasks[3].EstimatedSeconds = 500 // task 4 is the critical path on its own
	plan, err := CreatePlan("p1", tasks, config.Default("p1"))
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	opt, err := Optimize(plan, Constraints{PriorityPolicy: PriorityFirst})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	// critical path first, then descending priority
	if !reflect.DeepEqual(opt.Stages[0].Tasks, []int64{4, 3, 2, 1}) {
		t.Fatalf("stage order = %v", opt.Stages[0].Tasks)
	}
}

func TestOptimizeDurationReorder(t *testing.T) {
	tasks := []domain.Task{mkTask(1), mkTask(2)}
	tasks[0].Priority = "low"
	tasks[1].Priority = "urgent"
	tasks[1].EstimatedSeconds = 30
	plan, err := CreatePlan("p1", tasks, config.Default("p1"))
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	// duration ceiling below the estimate triggers the front-loading reorder
	opt, err := Optimize(plan, Constraints{MaxDurationSeconds: 10, MaxParallelism: 1})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if opt.Stages[0].Tasks[0] != 1 {
		t.Fatalf("critical-path task should come first, got %v", opt.Stages[0].Tasks)
	}
}

func TestOptimizeKeepsDependencyOrder(t *testing.T) {
	tasks := []domain.Task{
		mkTask(1),
		mkTask(2, 1),
		mkTask(3, 1),
		mkTask(4, 2),
	}
	tasks[2].Priority = "urgent"
	plan, err := CreatePlan("p1", tasks, config.Default("p1"))
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	opt, err := Optimize(plan, Constraints{MaxParallelism: 1, PriorityPolicy: PriorityFirst})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	pos := make(map[int64]int)
	idx := 0
	for _, s := range opt.Stages {
		for _, seq := range s.Tasks {
			pos[seq] = idx
			idx++
		}
	}
	for _, e := range plan.Graph.Edges() {
		if pos[e.From] >= pos[e.To] {
			t.Fatalf("task %d scheduled before its dependency %d", e.To, e.From)
		}
	}
}

func TestRuleSatisfaction(t *testing.T) {
	expr := `{"op":"or","children":[{"op":"ref","ref":1},{"op":"and","children":[{"op":"ref","ref":2},{"op":"ref","ref":3}]}]}`
	tasks := []domain.Task{
		mkTask(1), mkTask(2), mkTask(3),
		{ID: 104, ProjectID: "p1", Seq: 4, Status: "todo", Priority: "medium", DepOp: "expr", DepExprJSON: &expr},
		mkTask(5, 1, 2),
	}
	tasks[4].DepOp = "any"
	g := Build(tasks)

	n4, _ := g.Node(4)
	if n4.Rule.Satisfied(map[int64]bool{2: true}) {
		t.Fatalf("expr should not be satisfied by 2 alone")
	}
	if !n4.Rule.Satisfied(map[int64]bool{2: true, 3: true}) {
		t.Fatalf("expr should be satisfied by 2 and 3")
	}
	if !n4.Rule.Satisfied(map[int64]bool{1: true}) {
		t.Fatalf("expr should be satisfied by 1")
	}
	if n4.Rule.Satisfiable(map[int64]bool{1: true, 2: true}) {
		t.Fatalf("expr cannot be met once 1 and 2 both failed")
	}

	n5, _ := g.Node(5)
	if !n5.Rule.Satisfied(map[int64]bool{2: true}) {
		t.Fatalf("any rule should be satisfied by one completed dep")
	}
	if n5.Rule.Satisfiable(map[int64]bool{1: true, 2: true}) {
		t.Fatalf("any rule cannot be met once all deps failed")
	}
}
