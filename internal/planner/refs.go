package planner

import (
	"encoding/json"
	"fmt"

	"planline/internal/domain"
)

// RefScheme classifies a raw numeric task reference. Dependency lists written
// for cross-project portability carry local sequence numbers; older data may
// still reference tasks by global identity, which is reassigned on import and
// therefore translated to the corresponding local sequence at this boundary.
type RefScheme int

const (
	RefLocalSeq RefScheme = iota
	RefLegacyGlobal
	RefUnresolved
)

// Index resolves raw references against one project's task set. Local
// sequence numbers win over global identities when a number matches both.
type Index struct {
	bySeq map[int64]int
	byID  map[int64]int
	tasks []domain.Task
}

func NewIndex(tasks []domain.Task) Index {
	ix := Index{
		bySeq: make(map[int64]int, len(tasks)),
		byID:  make(map[int64]int, len(tasks)),
		tasks: tasks,
	}
	for i, t := range tasks {
		ix.bySeq[t.Seq] = i
		ix.byID[t.ID] = i
	}
	return ix
}

// Resolve normalizes a raw reference to a local sequence number.
func (ix Index) Resolve(raw int64) (int64, RefScheme) {
	if _, ok := ix.bySeq[raw]; ok {
		return raw, RefLocalSeq
	}
	if i, ok := ix.byID[raw]; ok {
		return ix.tasks[i].Seq, RefLegacyGlobal
	}
	return 0, RefUnresolved
}

// TaskBySeq returns the task with the given local sequence number.
func (ix Index) TaskBySeq(seq int64) (domain.Task, bool) {
	i, ok := ix.bySeq[seq]
	if !ok {
		return domain.Task{}, false
	}
	return ix.tasks[i], true
}

// RuleOp selects how a task's dependency set gates its execution.
type RuleOp string

const (
	RuleAll  RuleOp = "all"
	RuleAny  RuleOp = "any"
	RuleExpr RuleOp = "expr"
)

// Rule is the canonical dependency condition for one task, produced once at
// graph-build time. Refs hold normalized local sequence numbers.
type Rule struct {
	Op   RuleOp
	Refs []int64
	Expr *ExprNode
}

// ExprNode is one node of a boolean dependency expression.
// Op is "and", "or" or "ref"; Ref is set only for leaf nodes.
type ExprNode struct {
	Op       string      `json:"op"`
	Ref      int64       `json:"ref,omitempty"`
	Children []*ExprNode `json:"children,omitempty"`
}

// parseRule builds the canonical rule for a task, normalizing every reference
// through the index. Unresolvable or self references are dropped and reported
// as warnings.
func parseRule(t domain.Task, ix Index) (Rule, []Warning) {
	var warns []Warning
	op := RuleOp(t.DepOp)
	switch op {
	case RuleAll, RuleAny, RuleExpr:
	case "":
		op = RuleAll
	default:
		warns = append(warns, Warning{TaskSeq: t.Seq, Reason: fmt.Sprintf("unknown dependency operator %q, treated as all", t.DepOp)})
		op = RuleAll
	}

	if op == RuleExpr {
		if t.DepExprJSON == nil || *t.DepExprJSON == "" {
			return Rule{Op: RuleAll}, append(warns, Warning{TaskSeq: t.Seq, Reason: "expr operator without expression, treated as all"})
		}
		var root ExprNode
		if err := json.Unmarshal([]byte(*t.DepExprJSON), &root); err != nil {
			return Rule{Op: RuleAll}, append(warns, Warning{TaskSeq: t.Seq, Reason: fmt.Sprintf("invalid dependency expression: %v", err)})
		}
		norm, ws := normalizeExpr(&root, t, ix)
		warns = append(warns, ws...)
		if norm == nil {
			return Rule{Op: RuleAll}, warns
		}
		return Rule{Op: RuleExpr, Refs: exprRefs(norm, nil), Expr: norm}, warns
	}

	refs := make([]int64, 0, len(t.DependsOn))
	seen := make(map[int64]bool, len(t.DependsOn))
	for _, raw := range t.DependsOn {
		seq, scheme := ix.Resolve(raw)
		if scheme == RefUnresolved {
			warns = append(warns, Warning{TaskSeq: t.Seq, Ref: raw, Reason: "no task with this sequence or identity"})
			continue
		}
		if seq == t.Seq {
			warns = append(warns, Warning{TaskSeq: t.Seq, Ref: raw, Reason: "self reference"})
			continue
		}
		if !seen[seq] {
			seen[seq] = true
			refs = append(refs, seq)
		}
	}
	return Rule{Op: op, Refs: refs}, warns
}

// normalizeExpr validates an expression tree and rewrites every leaf to a
// local sequence number. Leaves that cannot be resolved are pruned; an inner
// node left with no children collapses to nil.
func normalizeExpr(n *ExprNode, t domain.Task, ix Index) (*ExprNode, []Warning) {
	var warns []Warning
	switch n.Op {
	case "ref":
		seq, scheme := ix.Resolve(n.Ref)
		if scheme == RefUnresolved {
			return nil, []Warning{{TaskSeq: t.Seq, Ref: n.Ref, Reason: "no task with this sequence or identity"}}
		}
		if seq == t.Seq {
			return nil, []Warning{{TaskSeq: t.Seq, Ref: n.Ref, Reason: "self reference"}}
		}
		return &ExprNode{Op: "ref", Ref: seq}, nil
	case "and", "or":
		out := &ExprNode{Op: n.Op}
		for _, c := range n.Children {
			if c == nil {
				continue
			}
			norm, ws := normalizeExpr(c, t, ix)
			warns = append(warns, ws...)
			if norm != nil {
				out.Children = append(out.Children, norm)
			}
		}
		if len(out.Children) == 0 {
			return nil, warns
		}
		return out, warns
	default:
		return nil, append(warns, Warning{TaskSeq: t.Seq, Reason: fmt.Sprintf("unknown expression operator %q", n.Op)})
	}
}

func exprRefs(n *ExprNode, acc []int64) []int64 {
	if n == nil {
		return acc
	}
	if n.Op == "ref" {
		for _, r := range acc {
			if r == n.Ref {
				return acc
			}
		}
		return append(acc, n.Ref)
	}
	for _, c := range n.Children {
		acc = exprRefs(c, acc)
	}
	return acc
}

// Satisfied reports whether the rule is met given the set of completed tasks.
func (r Rule) Satisfied(completed map[int64]bool) bool {
	switch r.Op {
	case RuleAny:
		if len(r.Refs) == 0 {
			return true
		}
		for _, ref := range r.Refs {
			if completed[ref] {
				return true
			}
		}
		return false
	case RuleExpr:
		return evalExpr(r.Expr, func(ref int64) bool { return completed[ref] })
	default: // all
		for _, ref := range r.Refs {
			if !completed[ref] {
				return false
			}
		}
		return true
	}
}

// Satisfiable reports whether the rule can still be met given the set of
// tasks that terminally failed or were skipped. A task whose rule is no
// longer satisfiable is skipped rather than run.
func (r Rule) Satisfiable(failed map[int64]bool) bool {
	switch r.Op {
	case RuleAny:
		if len(r.Refs) == 0 {
			return true
		}
		for _, ref := range r.Refs {
			if !failed[ref] {
				return true
			}
		}
		return false
	case RuleExpr:
		return evalExpr(r.Expr, func(ref int64) bool { return !failed[ref] })
	default: // all
		for _, ref := range r.Refs {
			if failed[ref] {
				return false
			}
		}
		return true
	}
}

func evalExpr(n *ExprNode, leaf func(int64) bool) bool {
	if n == nil {
		return true
	}
	switch n.Op {
	case "ref":
		return leaf(n.Ref)
	case "or":
		for _, c := range n.Children {
			if evalExpr(c, leaf) {
				return true
			}
		}
		return false
	default: // and
		for _, c := range n.Children {
			if !evalExpr(c, leaf) {
				return false
			}
		}
		return true
	}
}
