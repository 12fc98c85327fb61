package macro

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"planline/internal/domain"
	"planline/internal/planner"
)

// Context carries everything placeholder expansion can draw on: the project,
// its full task set and the set of tasks completed so far (by local sequence
// number).
type Context struct {
	Project   domain.Project
	Tasks     []domain.Task
	Completed map[int64]bool
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve expands placeholders in a task's instructions just before it runs.
//
//	{{prev}}                output of the most recent completed dependency
//	{{task:N}}              output of completed task N (local sequence, legacy global accepted)
//	{{project.name}}        project metadata
//	{{project.description}}
//	{{project.base_path}}
//
// A placeholder that cannot be resolved is left in the text untouched, so a
// task never fails because of a macro.
func Resolve(instructions string, task domain.Task, ctx Context) string {
	if !strings.Contains(instructions, "{{") {
		return instructions
	}
	ix := planner.NewIndex(ctx.Tasks)
	g := planner.Build(ctx.Tasks)

	return placeholderRE.ReplaceAllStringFunc(instructions, func(match string) string {
		name := strings.TrimSpace(placeholderRE.FindStringSubmatch(match)[1])
		switch {
		case name == "prev":
			if out, ok := prevOutput(task, g, ix, ctx.Completed); ok {
				return out
			}
		case strings.HasPrefix(name, "task:"):
			raw, err := strconv.ParseInt(strings.TrimPrefix(name, "task:"), 10, 64)
			if err == nil {
				if out, ok := taskOutput(raw, ix, ctx.Completed); ok {
					return out
				}
			}
		case name == "project.name":
			return ctx.Project.Name
		case name == "project.description":
			return ctx.Project.Description
		case name == "project.base_path":
			return ctx.Project.BasePath
		}
		return match
	})
}

// prevOutput picks the completed direct dependency with the highest local
// sequence number. Ties cannot happen, sequences are unique.
func prevOutput(task domain.Task, g *planner.Graph, ix planner.Index, completed map[int64]bool) (string, bool) {
	node, ok := g.Node(task.Seq)
	if !ok {
		return "", false
	}
	best := int64(-1)
	for _, ref := range node.Rule.Refs {
		if completed[ref] && ref > best {
			best = ref
		}
	}
	if best == -1 {
		return "", false
	}
	return taskOutput(best, ix, completed)
}

// taskOutput resolves only completed tasks. A task can carry output from an
// earlier run without being done in this one; the completion set, not output
// presence, decides.
func taskOutput(raw int64, ix planner.Index, completed map[int64]bool) (string, bool) {
	seq, scheme := ix.Resolve(raw)
	if scheme == planner.RefUnresolved {
		return "", false
	}
	if !completed[seq] {
		return "", false
	}
	t, ok := ix.TaskBySeq(seq)
	if !ok || t.OutputJSON == nil || *t.OutputJSON == "" {
		return "", false
	}
	var out domain.TaskOutput
	if err := json.Unmarshal([]byte(*t.OutputJSON), &out); err != nil {
		return "", false
	}
	return Render(out), true
}

// Render converts a stored task output to text for inclusion in another
// task's instructions.
func Render(out domain.TaskOutput) string {
	switch out.Kind {
	case "table":
		return renderTable(out)
	case "file":
		if out.Content == "" {
			return out.Path
		}
		return fmt.Sprintf("%s:\n%s", out.Path, out.Content)
	default:
		return out.Text
	}
}

func renderTable(out domain.TaskOutput) string {
	w := table.NewWriter()
	if len(out.Columns) > 0 {
		header := make(table.Row, len(out.Columns))
		for i, c := range out.Columns {
			header[i] = c
		}
		w.AppendHeader(header)
	}
	for _, r := range out.Rows {
		row := make(table.Row, len(r))
		for i, c := range r {
			row[i] = c
		}
		w.AppendRow(row)
	}
	return w.Render()
}
