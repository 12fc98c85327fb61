package controller_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"planline/internal/config"
	"planline/internal/controller"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/executor"
	"planline/internal/migrate"
)

type fakeExec struct {
	mu        sync.Mutex
	calls     map[int64]int
	providers map[int64]string
	failers   map[int64][]error
	block     chan struct{}
}

func newFakeExec() *fakeExec {
	return &fakeExec{calls: map[int64]int{}, providers: map[int64]string{}, failers: map[int64][]error{}}
}

func (f *fakeExec) failOnce(seq int64, err error) {
	f.mu.Lock()
	f.failers[seq] = append(f.failers[seq], err)
	f.mu.Unlock()
}

func (f *fakeExec) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls[req.TaskSeq]++
	f.providers[req.TaskSeq] = req.Provider
	var err error
	if q := f.failers[req.TaskSeq]; len(q) > 0 {
		err, f.failers[req.TaskSeq] = q[0], q[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Output: "out:" + req.Instructions, TokensUsed: 5}, nil
}

func (f *fakeExec) callCount(seq int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[seq]
}

func (f *fakeExec) provider(seq int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providers[seq]
}

type testEnv struct {
	Engine  engine.Engine
	Ctrl    *controller.Controller
	Exec    *fakeExec
	Project domain.Project
	Ctx     context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	ctx := context.Background()
	p, err := eng.InitProject(ctx, "demo", "", "", "tester")
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	exec := newFakeExec()
	ctrl := controller.New(eng, controller.NewRegistry())
	ctrl.Fallback = exec
	ctrl.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return &testEnv{Engine: eng, Ctrl: ctrl, Exec: exec, Project: p, Ctx: ctx}
}

func (env *testEnv) addTask(t *testing.T, title, instructions string, deps ...int64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:    env.Project.ID,
		Title:        title,
		Instructions: instructions,
		DependsOn:    deps,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) start(t *testing.T) domain.Workflow {
	t.Helper()
	w, err := env.Engine.StartWorkflow(env.Ctx, env.Project.ID, "tester")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	return w
}

func TestRunCompletesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "first")
	b := env.addTask(t, "b", "second", a.Seq)
	env.addTask(t, "c", "third", b.Seq)
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "completed" {
		t.Fatalf("status = %s", final.Status)
	}
	if len(final.Completed) != 3 || len(final.Failed) != 0 {
		t.Fatalf("completed=%v failed=%v", final.Completed, final.Failed)
	}
	for seq := int64(1); seq <= 3; seq++ {
		task, err := env.Engine.Repo.GetTaskBySeq(env.Ctx, env.Project.ID, seq)
		if err != nil {
			t.Fatalf("get task %d: %v", seq, err)
		}
		if task.Status != "done" || task.OutputJSON == nil {
			t.Fatalf("task %d not finished: %+v", seq, task)
		}
	}
	cp, err := env.Engine.Repo.LatestCheckpoint(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.StageIndex != 2 || len(cp.Completed) != 3 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestPrevMacroFeedsNextStage(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "produce data")
	env.addTask(t, "b", "consume {{prev}}", a.Seq)
	w := env.start(t)

	if _, err := env.Ctrl.Run(env.Ctx, w.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, err := env.Engine.Repo.GetTaskBySeq(env.Ctx, env.Project.ID, 2)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !strings.Contains(*task.OutputJSON, "out:produce data") {
		t.Fatalf("prev output not expanded: %s", *task.OutputJSON)
	}
}

func TestRetryOnRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "flaky", "try me")
	env.Exec.failOnce(a.Seq, executor.Retryablef("rate limited"))
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "completed" {
		t.Fatalf("status = %s", final.Status)
	}
	if env.Exec.callCount(a.Seq) != 2 {
		t.Fatalf("calls = %d, want 2", env.Exec.callCount(a.Seq))
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "broken", "no")
	env.Exec.failOnce(a.Seq, context.DeadlineExceeded)
	env.Exec.failOnce(a.Seq, executorPermanent())
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "failed" {
		t.Fatalf("status = %s", final.Status)
	}
	// first failure is retryable, the second is not
	if env.Exec.callCount(a.Seq) != 2 {
		t.Fatalf("calls = %d, want 2", env.Exec.callCount(a.Seq))
	}
}

func executorPermanent() error {
	return errors.New("invalid input")
}

func TestFailureSkipsDependents(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "fails")
	env.addTask(t, "b", "depends on a", a.Seq)
	env.addTask(t, "c", "independent")
	env.Exec.failOnce(a.Seq, executorPermanent())
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "partial" {
		t.Fatalf("status = %s, want partial", final.Status)
	}
	if env.Exec.callCount(2) != 0 {
		t.Fatalf("dependent task executed despite failed dependency")
	}
	if len(final.Failed) != 2 {
		t.Fatalf("failed = %v", final.Failed)
	}
	if len(final.Completed) != 1 || final.Completed[0] != 3 {
		t.Fatalf("completed = %v", final.Completed)
	}
}

func TestAnyDependencySurvivesOneFailure(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "fails")
	b := env.addTask(t, "b", "works")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "either",
		DepOp:     "any",
		DependsOn: []int64{a.Seq, b.Seq},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.Exec.failOnce(a.Seq, executorPermanent())
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "partial" {
		t.Fatalf("status = %s", final.Status)
	}
	if env.Exec.callCount(task.Seq) != 1 {
		t.Fatalf("any-gated task should still run when one dep succeeded")
	}
}

func TestCancelNeverDowngraded(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, "slow", "blocks")
	env.Exec.block = make(chan struct{})
	w := env.start(t)

	done := make(chan struct{})
	var final domain.Workflow
	var runErr error
	go func() {
		final, runErr = env.Ctrl.Run(env.Ctx, w.ID)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := env.Ctrl.Registry.Cancel(w.ID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-done
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if final.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestCancelWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "one")
	env.addTask(t, "b", "two", a.Seq)
	env.Exec.block = make(chan struct{})
	w := env.start(t)

	done := make(chan struct{})
	var final domain.Workflow
	var runErr error
	go func() {
		final, runErr = env.Ctrl.Run(env.Ctx, w.ID)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := env.Ctrl.Registry.Pause(w.ID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// let the in-flight stage drain so the run reaches the pause check
	close(env.Exec.block)
	// wait until the run is actually parked in the paused state before
	// cancelling, so cancellation has to wake it
	for {
		got, err := env.Engine.GetWorkflow(env.Ctx, w.ID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if got.Status == "paused" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow never paused, status = %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := env.Ctrl.Registry.Cancel(w.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run stayed parked after cancel")
	}
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if final.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestDefaultProviderFromEngineConfig(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "work")
	// no per-project config row: both planning and execution must fall back
	// to the engine-level default provider
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM project_configs WHERE project_id=?`, env.Project.ID); err != nil {
		t.Fatalf("drop config row: %v", err)
	}
	cfg := config.Default(env.Project.ID)
	cfg.Defaults.Provider = "openai"
	env.Engine.Config = cfg
	env.Ctrl.Engine.Config = cfg
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "completed" {
		t.Fatalf("status = %s", final.Status)
	}
	if got := env.Exec.provider(a.Seq); got != "openai" {
		t.Fatalf("provider = %q, want openai", got)
	}
}

func TestBlockedByFailedTask(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "fails")
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "held",
		BlockedBy: &a.Seq,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.addTask(t, "c", "independent")
	env.Exec.failOnce(a.Seq, executorPermanent())
	w := env.start(t)

	final, err := env.Ctrl.Run(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != "partial" {
		t.Fatalf("status = %s, want partial", final.Status)
	}
	if env.Exec.callCount(b.Seq) != 0 {
		t.Fatalf("blocked task executed despite failed blocker")
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t)
	a := env.addTask(t, "a", "one")
	env.addTask(t, "b", "two", a.Seq)
	w := env.start(t)

	// pause before the run observes it: the run should finish normally once
	// resumed
	done := make(chan struct{})
	var final domain.Workflow
	var runErr error
	go func() {
		final, runErr = env.Ctrl.Run(env.Ctx, w.ID)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if err := env.Ctrl.Registry.Pause(w.ID); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := env.Ctrl.Registry.Resume(w.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	<-done
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if final.Status != "completed" {
		t.Fatalf("status = %s", final.Status)
	}
}
