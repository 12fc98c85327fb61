package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/executor"
	"planline/internal/macro"
	"planline/internal/planner"
	"planline/internal/repo"
)

// Controller drives a workflow through its plan stage by stage. It enforces
// the provider limits the plan reported, retries retryable failures with
// exponential backoff and checkpoints after every stage so an interrupted run
// resumes where it stopped.
type Controller struct {
	Engine    engine.Engine
	Executors map[string]executor.Executor
	Fallback  executor.Executor
	Registry  *Registry
	ActorID   string

	// Sleep is injectable so tests do not wait out real backoff delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(e engine.Engine, reg *Registry) *Controller {
	return &Controller{
		Engine:    e,
		Executors: map[string]executor.Executor{},
		Fallback:  &executor.Local{},
		Registry:  reg,
		ActorID:   "controller",
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) executorFor(provider string) executor.Executor {
	if ex, ok := c.Executors[provider]; ok {
		return ex
	}
	return c.Fallback
}

// Run executes a workflow until it reaches a terminal status and returns the
// final row. Pending and paused workflows are accepted; anything else is
// rejected.
func (c *Controller) Run(ctx context.Context, workflowID string) (domain.Workflow, error) {
	w, err := c.Engine.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := engine.CheckWorkflowTransition(w.Status, "running"); err != nil {
		return domain.Workflow{}, err
	}

	plan, err := c.Engine.CreatePlan(ctx, w.ProjectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	// same config resolution the planner used, so providers line up with the
	// plan's allocations
	cfg, err := c.Engine.ProjectConfig(ctx, w.ProjectID)
	if err != nil {
		return domain.Workflow{}, err
	}
	retry := RetryPolicyFromConfig(cfg.Retry)
	timeout := time.Duration(cfg.Defaults.TaskTimeoutSec) * time.Second
	if cfg.Defaults.MaxParallelism > 0 {
		if plan, err = planner.Optimize(plan, planner.Constraints{MaxParallelism: cfg.Defaults.MaxParallelism}); err != nil {
			return domain.Workflow{}, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h := newHandle(cancel)
	c.Registry.add(w.ID, h)
	defer c.Registry.remove(w.ID)
	go func() {
		<-runCtx.Done()
		h.cond.Broadcast()
	}()

	if w, err = c.Engine.SetWorkflowStatus(ctx, w, "running", c.ActorID); err != nil {
		return domain.Workflow{}, err
	}

	completed := make(map[int64]bool)
	failed := make(map[int64]bool)
	for _, seq := range w.Completed {
		completed[seq] = true
	}
	for _, seq := range w.Failed {
		failed[seq] = true
	}
	// the latest durable checkpoint is the resume authority
	startStage, checkpointed, err := c.Engine.ResumePoint(ctx, w.ID)
	if err != nil {
		return domain.Workflow{}, err
	}
	for _, seq := range checkpointed {
		completed[seq] = true
	}
	if startStage > w.CurrentStage {
		w.CurrentStage = startStage
	}

	lim := newLimits(plan.Allocations)
	run := &stageRunner{
		c:         c,
		w:         &w,
		plan:      plan,
		cfg:       cfg,
		limits:    lim,
		retry:     retry,
		timeout:   timeout,
		completed: completed,
		failed:    failed,
	}

	for i := w.CurrentStage; i < len(plan.Stages); i++ {
		if h.isPaused() {
			if w, err = c.Engine.SetWorkflowStatus(ctx, w, "paused", c.ActorID); err != nil {
				return domain.Workflow{}, err
			}
			// await watches the run context: cancelling a paused workflow
			// must unblock it, not leave it parked as paused
			if err := h.await(runCtx); err != nil {
				break
			}
			if w, err = c.Engine.SetWorkflowStatus(ctx, w, "running", c.ActorID); err != nil {
				return domain.Workflow{}, err
			}
		}
		if runCtx.Err() != nil {
			break
		}
		if err := run.execStage(runCtx, plan.Stages[i]); err != nil && runCtx.Err() == nil {
			return domain.Workflow{}, err
		}
		if runCtx.Err() != nil {
			break
		}
		w.CurrentStage = i + 1
		w.Completed = sortedSeqs(completed)
		w.Failed = sortedSeqs(failed)
		cp := domain.Checkpoint{
			StageIndex: i,
			Completed:  w.Completed,
		}
		if i+1 < len(plan.Stages) && len(plan.Stages[i+1].Tasks) > 0 {
			next := plan.Stages[i+1].Tasks[0]
			cp.NextRef = &next
		}
		if err := c.Engine.SaveCheckpoint(ctx, w, cp, c.ActorID); err != nil {
			return domain.Workflow{}, err
		}
	}

	// terminal status: cancellation is never downgraded
	status := "completed"
	switch {
	case runCtx.Err() != nil:
		status = "cancelled"
	case len(failed) > 0 && len(completed) > 0:
		status = "partial"
	case len(failed) > 0:
		status = "failed"
	}
	w.Completed = sortedSeqs(completed)
	w.Failed = sortedSeqs(failed)
	return c.Engine.SetWorkflowStatus(ctx, w, status, c.ActorID)
}

type stageRunner struct {
	c       *Controller
	w       *domain.Workflow
	plan    *planner.Plan
	cfg     *config.Config
	limits  *limits
	retry   RetryPolicy
	timeout time.Duration

	mu        sync.Mutex
	completed map[int64]bool
	failed    map[int64]bool
}

func (s *stageRunner) execStage(ctx context.Context, stage planner.Stage) error {
	project, err := s.c.Engine.Repo.GetProject(ctx, s.w.ProjectID)
	if err != nil {
		return err
	}
	// fresh task rows so placeholders see outputs from earlier stages
	tasks, err := s.c.Engine.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: s.w.ProjectID})
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tasks {
		if t.Status == "done" {
			s.completed[t.Seq] = true
		}
	}
	mctx := macro.Context{Project: project, Tasks: tasks, Completed: copySeqs(s.completed)}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, seq := range stage.Tasks {
		seq := seq
		s.mu.Lock()
		done := s.completed[seq]
		s.mu.Unlock()
		if done {
			continue
		}
		g.Go(func() error {
			return s.execTask(gctx, seq, mctx)
		})
	}
	return g.Wait()
}

func (s *stageRunner) execTask(ctx context.Context, seq int64, mctx macro.Context) error {
	node, ok := s.plan.Graph.Node(seq)
	if !ok {
		return fmt.Errorf("task %d not in plan", seq)
	}

	s.mu.Lock()
	doomed := !node.Rule.Satisfiable(s.failed)
	if !doomed && node.BlockedBy != nil && s.failed[*node.BlockedBy] {
		doomed = true
	}
	s.mu.Unlock()
	if doomed {
		// a doomed task is skipped, and its own dependents see it as failed
		s.markFailed(seq)
		return s.c.Engine.Events.AppendDirect(ctx, "task.skipped", s.w.ProjectID, "task", fmt.Sprint(seq), s.c.ActorID, events.EventPayload{
			"reason": "dependencies cannot be satisfied",
		})
	}

	provider := planner.EffectiveProvider(node.Task.Provider, s.cfg)

	release, err := s.limits.acquire(ctx, provider)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.c.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
		ProjectID: s.w.ProjectID, Seq: seq, Status: "in_progress", ActorID: s.c.ActorID, Force: true,
	}); err != nil {
		return err
	}

	instructions := macro.Resolve(node.Task.Instructions, node.Task, mctx)
	req := executor.Request{TaskSeq: seq, Provider: provider, Instructions: instructions}
	res, execErr := s.attempt(ctx, provider, req)
	if execErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markFailed(seq)
		if _, err := s.c.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
			ProjectID: s.w.ProjectID, Seq: seq, Status: "blocked", ActorID: s.c.ActorID, Force: true,
		}); err != nil {
			return err
		}
		return s.c.Engine.Events.AppendDirect(ctx, "task.failed", s.w.ProjectID, "task", fmt.Sprint(seq), s.c.ActorID, events.EventPayload{
			"error": execErr.Error(),
		})
	}

	out := domain.TaskOutput{Kind: "text", Text: res.Output, Cost: res.Cost, TokensUsed: res.TokensUsed}
	if _, err := s.c.Engine.SetTaskOutput(ctx, s.w.ProjectID, seq, out, s.c.ActorID); err != nil {
		return err
	}
	if _, err := s.c.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
		ProjectID: s.w.ProjectID, Seq: seq, Status: "done", ActorID: s.c.ActorID, Force: true,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.completed[seq] = true
	s.mu.Unlock()
	return nil
}

// attempt runs the executor with the retry policy; only retryable failures
// earn another try, each with exponential backoff.
func (s *stageRunner) attempt(ctx context.Context, provider string, req executor.Request) (executor.Result, error) {
	ex := s.c.executorFor(provider)
	var lastErr error
	attempts := s.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		execCtx := ctx
		var cancel context.CancelFunc
		if s.timeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		res, err := ex.Execute(execCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !executor.IsRetryable(err) || attempt == attempts {
			break
		}
		if err := s.c.sleep(ctx, s.retry.Backoff(attempt)); err != nil {
			return executor.Result{}, err
		}
	}
	return executor.Result{}, lastErr
}

func (s *stageRunner) markFailed(seq int64) {
	s.mu.Lock()
	s.failed[seq] = true
	s.mu.Unlock()
}

func copySeqs(m map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedSeqs(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for seq := range m {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
