package planner

import (
	"fmt"
	"strings"
)

// CircularDependencyError is fatal at planning time: no partial plan is
// produced. Cycle lists the local sequence numbers of at least one cycle.
type CircularDependencyError struct {
	Cycle []int64
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, seq := range e.Cycle {
		parts[i] = fmt.Sprintf("%d", seq)
	}
	return fmt.Sprintf("circular dependency involving tasks [%s]", strings.Join(parts, " -> "))
}

// BudgetExceededError is fatal at optimization time: no execution begins.
type BudgetExceededError struct {
	EstimatedSeconds int64
	MaxSeconds       int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated cost %ds exceeds budget %ds", e.EstimatedSeconds, e.MaxSeconds)
}

// Warning is a recoverable diagnostic raised while building the graph, e.g. a
// reference to a task that does not exist. The offending reference is dropped.
type Warning struct {
	TaskSeq int64  `json:"task_seq"`
	Ref     int64  `json:"ref"`
	Reason  string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("task %d: reference %d dropped: %s", w.TaskSeq, w.Ref, w.Reason)
}
