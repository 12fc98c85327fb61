package macro

import (
	"strings"
	"testing"

	"planline/internal/domain"
)

func outJSON(t *testing.T, kind, text string) *string {
	t.Helper()
	s := `{"kind":"` + kind + `","text":"` + text + `"}`
	return &s
}

func TestResolveProjectMacros(t *testing.T) {
	ctx := Context{
		Project: domain.Project{Name: "api", Description: "billing api", BasePath: "/srv/api"},
	}
	got := Resolve("build {{project.name}} ({{project.description}}) in {{project.base_path}}", domain.Task{Seq: 1}, ctx)
	want := "build api (billing api) in /srv/api"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveTaskRef(t *testing.T) {
	ctx := Context{
		Tasks: []domain.Task{
			{ID: 100, Seq: 1, OutputJSON: outJSON(t, "text", "schema ready")},
			{ID: 101, Seq: 2},
		},
		Completed: map[int64]bool{1: true},
	}
	got := Resolve("use {{task:1}}", domain.Task{Seq: 2}, ctx)
	if got != "use schema ready" {
		t.Fatalf("got %q", got)
	}
	// legacy global identity resolves to the same task
	got = Resolve("use {{task:100}}", domain.Task{Seq: 2}, ctx)
	if got != "use schema ready" {
		t.Fatalf("legacy ref: got %q", got)
	}
}

func TestResolveTaskRefRequiresCompletion(t *testing.T) {
	// stale output from an earlier run must not leak into this one
	ctx := Context{
		Tasks: []domain.Task{
			{ID: 100, Seq: 1, OutputJSON: outJSON(t, "text", "stale")},
			{ID: 101, Seq: 2},
		},
	}
	in := "use {{task:1}}"
	if got := Resolve(in, domain.Task{Seq: 2}, ctx); got != in {
		t.Fatalf("got %q, want unchanged", got)
	}
}

func TestResolvePrevPicksHighestCompletedDep(t *testing.T) {
	ctx := Context{
		Tasks: []domain.Task{
			{ID: 100, Seq: 1, OutputJSON: outJSON(t, "text", "one")},
			{ID: 101, Seq: 2, OutputJSON: outJSON(t, "text", "two")},
			{ID: 102, Seq: 3, OutputJSON: outJSON(t, "text", "three")},
			{ID: 103, Seq: 4, DependsOn: []int64{1, 2, 3}},
		},
		Completed: map[int64]bool{1: true, 2: true},
	}
	got := Resolve("continue from: {{prev}}", ctx.Tasks[3], ctx)
	if got != "continue from: two" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveUnresolvableStaysLiteral(t *testing.T) {
	ctx := Context{Tasks: []domain.Task{{ID: 100, Seq: 1}}}
	in := "do {{task:99}} then {{prev}} and {{mystery}}"
	if got := Resolve(in, ctx.Tasks[0], ctx); got != in {
		t.Fatalf("got %q, want unchanged", got)
	}
}

func TestRenderTable(t *testing.T) {
	out := domain.TaskOutput{
		Kind:    "table",
		Columns: []string{"name", "count"},
		Rows:    [][]string{{"a", "1"}, {"b", "2"}},
	}
	got := Render(out)
	for _, want := range []string{"NAME", "COUNT", "a", "2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("rendered table missing %q:\n%s", want, got)
		}
	}
}

func TestRenderFile(t *testing.T) {
	out := domain.TaskOutput{Kind: "file", Path: "notes.md", Content: "hello"}
	if got := Render(out); got != "notes.md:\nhello" {
		t.Fatalf("got %q", got)
	}
	out.Content = ""
	if got := Render(out); got != "notes.md" {
		t.Fatalf("got %q", got)
	}
}
