package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/planner"
	"planline/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Project domain.Project
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	p, err := eng.InitProject(ctx, "demo", "test project", "/tmp/demo", "tester")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Project: p, Ctx: ctx}
}

func (env testEnv) addTask(t *testing.T, title string, deps ...int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:        env.Project.ID,
		Title:            title,
		EstimatedSeconds: 60,
		DependsOn:        deps,
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return task
}

func TestSeqAllocation(t *testing.T) {
	env := newTestEnv(t)
	for want := int64(1); want <= 3; want++ {
		task := env.addTask(t, "task")
		if task.Seq != want {
			t.Fatalf("seq = %d, want %d", task.Seq, want)
		}
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, "work")

	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "in_progress", ActorID: "tester"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "in_review", ActorID: "tester"})
	if err != nil || task.Status != "in_review" {
		t.Fatalf("to in_review: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "done", ActorID: "tester"})
	if err != nil || task.Status != "done" {
		t.Fatalf("to done: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("done task missing completed_at")
	}
	// done is terminal without force
	if _, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "todo", ActorID: "tester"}); err == nil {
		t.Fatalf("expected transition error")
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	dep := env.addTask(t, "dep")
	task := env.addTask(t, "main", dep.Seq)

	_, _ = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "in_progress", ActorID: "tester", Force: true})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "done", ActorID: "tester"}); err == nil {
		t.Fatalf("expected dependency error")
	}

	_, _ = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: dep.Seq, Status: "done", ActorID: "tester", Force: true})
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ProjectID: env.Project.ID, Seq: task.Seq, Status: "done", ActorID: "tester"}); err != nil {
		t.Fatalf("done after dep done: %v", err)
	}
}

func TestCreatePlanStagesFromEngine(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a")
	b := env.addTask(t, "b")
	c := env.addTask(t, "c", a.Seq, b.Seq)
	env.addTask(t, "d", c.Seq)

	plan, err := env.Engine.CreatePlan(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("stages = %d", len(plan.Stages))
	}
	if len(plan.Stages[0].Tasks) != 2 || !plan.Stages[0].Parallel {
		t.Fatalf("stage 0 = %+v", plan.Stages[0])
	}
}

func TestCreatePlanCycleFatal(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a")
	b := env.addTask(t, "b", a.Seq)
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ProjectID: env.Project.ID, Seq: a.Seq, DependsOn: []int64{b.Seq}, ActorID: "tester",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err := env.Engine.CreatePlan(env.Ctx, env.Project.ID)
	var cerr *planner.CircularDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
}

func TestSetTaskOutput(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, "emit")
	out := domain.TaskOutput{Kind: "text", Text: "hello", TokensUsed: 12}
	updated, err := env.Engine.SetTaskOutput(env.Ctx, env.Project.ID, task.Seq, out, "tester")
	if err != nil {
		t.Fatalf("set output: %v", err)
	}
	if updated.OutputJSON == nil {
		t.Fatalf("output not stored")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a")
	b := env.addTask(t, "b", a.Seq)
	env.addTask(t, "c", a.Seq, b.Seq)

	bundle, err := env.Engine.ExportProject(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	imported, err := env.Engine.ImportProject(env.Ctx, bundle, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.ID == env.Project.ID {
		t.Fatalf("import must create a new project identity")
	}

	origPlan, err := env.Engine.CreatePlan(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("plan original: %v", err)
	}
	newPlan, err := env.Engine.CreatePlan(env.Ctx, imported.ID)
	if err != nil {
		t.Fatalf("plan imported: %v", err)
	}
	if len(origPlan.Stages) != len(newPlan.Stages) {
		t.Fatalf("stage count changed: %d vs %d", len(origPlan.Stages), len(newPlan.Stages))
	}
	for i := range origPlan.Stages {
		if len(origPlan.Stages[i].Tasks) != len(newPlan.Stages[i].Tasks) {
			t.Fatalf("stage %d width changed", i)
		}
		for j := range origPlan.Stages[i].Tasks {
			if origPlan.Stages[i].Tasks[j] != newPlan.Stages[i].Tasks[j] {
				t.Fatalf("stage %d task order changed", i)
			}
		}
	}
}

func TestUpdateAndDeleteProject(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "a")

	desc := "revised"
	p, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ProjectID: env.Project.ID, Name: "renamed", Status: "archived", Description: &desc, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("update project: %v", err)
	}
	if p.Name != "renamed" || p.Status != "archived" || p.Description != "revised" {
		t.Fatalf("updated project = %+v", p)
	}
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ProjectID: env.Project.ID, Status: "bogus", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected invalid status error")
	}

	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID, "tester"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project still present: %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("tasks survived deletion: %d, %v", len(tasks), err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestResumePoint(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "a")
	w, err := env.Engine.StartWorkflow(env.Ctx, env.Project.ID, "tester")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	stage, completed, err := env.Engine.ResumePoint(env.Ctx, w.ID)
	if err != nil || stage != 0 || completed != nil {
		t.Fatalf("fresh workflow resume = (%d, %v, %v)", stage, completed, err)
	}

	cp := domain.Checkpoint{StageIndex: 1, Completed: []int64{1, 2}}
	if err := env.Engine.SaveCheckpoint(env.Ctx, w, cp, "tester"); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	stage, completed, err = env.Engine.ResumePoint(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("resume point: %v", err)
	}
	if stage != 2 {
		t.Fatalf("stage = %d, want 2", stage)
	}
	if len(completed) != 2 || completed[0] != 1 || completed[1] != 2 {
		t.Fatalf("completed = %v", completed)
	}
}

func TestStartWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "a")
	w, err := env.Engine.StartWorkflow(env.Ctx, env.Project.ID, "tester")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if w.Status != "pending" {
		t.Fatalf("status = %s", w.Status)
	}
	got, err := env.Engine.GetWorkflow(env.Ctx, w.ID)
	if err != nil || got.ID != w.ID {
		t.Fatalf("get workflow: %v", err)
	}
}
