package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/planner"
	"planline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project with its default config, migrations already run.
func (e Engine) InitProject(ctx context.Context, name, description, basePath, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	p := domain.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		BasePath:    basePath,
		Status:      "active",
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := config.Default(p.ID)
	payload, err := json.Marshal(cfg)
	if err != nil {
		return domain.Project{}, err
	}
	now := p.CreatedAt
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)`,
		p.ID, string(payload), now, now); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions are parameters for updating a project. Zero values
// leave the field untouched.
type ProjectUpdateOptions struct {
	ProjectID   string
	Name        string
	Status      string
	Description *string
	BasePath    *string
	ActorID     string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Status != "" {
		switch opts.Status {
		case "active", "archived":
		default:
			return domain.Project{}, fmt.Errorf("invalid project status %s", opts.Status)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProject(ctx, tx, opts.ProjectID, repo.ProjectUpdate{
		Name:        opts.Name,
		Status:      opts.Status,
		Description: opts.Description,
		BasePath:    opts.BasePath,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", opts.ProjectID, "project", opts.ProjectID, opts.ActorID, nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, opts.ProjectID)
}

// DeleteProject removes the project and everything hanging off it. Events
// survive, the log is append-only.
func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTasks(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Repo.DeleteProject(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", projectID, "project", projectID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task. DependsOn carries
// local sequence numbers; BlockedBy may carry a legacy global identity.
type TaskCreateOptions struct {
	ProjectID        string
	Title            string
	Instructions     string
	Priority         string
	EstimatedSeconds int64
	Provider         string
	DepOp            string
	DepExprJSON      string
	DependsOn        []int64
	BlockedBy        *int64
	ParentRef        *int64
	ActorID          string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	switch opts.Priority {
	case "urgent", "high", "medium", "low":
	default:
		return domain.Task{}, fmt.Errorf("invalid priority %s", opts.Priority)
	}
	switch opts.DepOp {
	case "", "all", "any":
	case "expr":
		if opts.DepExprJSON == "" {
			return domain.Task{}, errors.New("dep-op=expr requires an expression")
		}
		var node planner.ExprNode
		if err := json.Unmarshal([]byte(opts.DepExprJSON), &node); err != nil {
			return domain.Task{}, fmt.Errorf("invalid dependency expression: %w", err)
		}
	default:
		return domain.Task{}, fmt.Errorf("invalid dependency operator %s", opts.DepOp)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ProjectID:        opts.ProjectID,
		Title:            opts.Title,
		Instructions:     opts.Instructions,
		Status:           "todo",
		Priority:         opts.Priority,
		EstimatedSeconds: opts.EstimatedSeconds,
		Provider:         opts.Provider,
		DepOp:            opts.DepOp,
		DepExprJSON:      optionalString(opts.DepExprJSON),
		DependsOn:        opts.DependsOn,
		BlockedBy:        opts.BlockedBy,
		ParentRef:        opts.ParentRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t.Seq, err = e.Repo.NextSeq(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID, err = e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", fmt.Sprint(t.Seq), opts.ActorID, events.EventPayload{"title": t.Title, "seq": t.Seq}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions are parameters for updating a task. Zero values leave the
// field untouched; Status changes go through the transition guard unless
// Force is set.
type TaskUpdateOptions struct {
	ProjectID        string
	Seq              int64
	Title            string
	Instructions     *string
	Status           string
	Priority         string
	EstimatedSeconds *int64
	Provider         *string
	DependsOn        []int64
	ActorID          string
	Force            bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTaskBySeq(ctx, opts.ProjectID, opts.Seq)
	if err != nil {
		return domain.Task{}, err
	}
	oldStatus := t.Status
	if opts.Title != "" {
		t.Title = opts.Title
	}
	if opts.Instructions != nil {
		t.Instructions = *opts.Instructions
	}
	if opts.Priority != "" {
		switch opts.Priority {
		case "urgent", "high", "medium", "low":
			t.Priority = opts.Priority
		default:
			return domain.Task{}, fmt.Errorf("invalid priority %s", opts.Priority)
		}
	}
	if opts.EstimatedSeconds != nil {
		t.EstimatedSeconds = *opts.EstimatedSeconds
	}
	if opts.Provider != nil {
		t.Provider = *opts.Provider
	}
	if opts.DependsOn != nil {
		t.DependsOn = opts.DependsOn
	}
	if opts.Status != "" && opts.Status != oldStatus {
		if !opts.Force {
			if err := checkTaskTransition(oldStatus, opts.Status); err != nil {
				return domain.Task{}, err
			}
		}
		if opts.Status == "done" && !opts.Force {
			if err := e.ensureDepsDone(ctx, t); err != nil {
				return domain.Task{}, err
			}
		}
		t.Status = opts.Status
		if opts.Status == "done" {
			done := e.now().UTC().Format(time.RFC3339)
			t.CompletedAt = &done
		}
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if t.Status != oldStatus {
		if err := e.Events.Append(ctx, tx, "task.status", t.ProjectID, "task", fmt.Sprint(t.Seq), opts.ActorID, events.EventPayload{"from": oldStatus, "to": t.Status}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func checkTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "todo":
		if newStatus == "in_progress" || newStatus == "blocked" {
			return nil
		}
	case "in_progress":
		if newStatus == "in_review" || newStatus == "done" || newStatus == "blocked" || newStatus == "todo" {
			return nil
		}
	case "in_review":
		if newStatus == "done" || newStatus == "in_progress" {
			return nil
		}
	case "blocked":
		if newStatus == "todo" || newStatus == "in_progress" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// ensureDepsDone verifies the task's dependency rule is satisfied by the set
// of completed tasks before allowing status done.
func (e Engine) ensureDepsDone(ctx context.Context, t domain.Task) error {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: t.ProjectID})
	if err != nil {
		return err
	}
	g := planner.Build(tasks)
	node, ok := g.Node(t.Seq)
	if !ok {
		return repo.ErrNotFound
	}
	completed := make(map[int64]bool)
	for _, other := range tasks {
		if other.Status == "done" {
			completed[other.Seq] = true
		}
	}
	if !node.Rule.Satisfied(completed) {
		return fmt.Errorf("task %d has unmet dependencies", t.Seq)
	}
	return nil
}

// SetTaskOutput stores the execution result on the task row.
func (e Engine) SetTaskOutput(ctx context.Context, projectID string, seq int64, out domain.TaskOutput, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskBySeq(ctx, projectID, seq)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return domain.Task{}, err
	}
	s := string(payload)
	t.OutputJSON = &s
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.output", t.ProjectID, "task", fmt.Sprint(t.Seq), actorID, events.EventPayload{"kind": out.Kind}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ProjectConfig prefers the per-project config stored in the DB and falls
// back to the engine-level config. Planning and execution both resolve
// through here.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config != nil {
			return e.Config, nil
		}
		return config.Default(projectID), nil
	}
	return nil, err
}

// CreatePlan builds the execution plan for a project's current task set.
func (e Engine) CreatePlan(ctx context.Context, projectID string) (*planner.Plan, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return planner.CreatePlan(projectID, tasks, cfg)
}

// OptimizePlan builds the plan and applies constraints in one step.
func (e Engine) OptimizePlan(ctx context.Context, projectID string, c planner.Constraints) (*planner.Plan, error) {
	p, err := e.CreatePlan(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return planner.Optimize(p, c)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
