package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/repo"
)

// Bundle is the portable form of a project. Task dependency lists carry local
// sequence numbers, so importing into another database reproduces the same
// graph even though every global identity is reassigned.
type Bundle struct {
	Version int            `json:"version"`
	Project domain.Project `json:"project"`
	Config  *config.Config `json:"config,omitempty"`
	Tasks   []domain.Task  `json:"tasks"`
}

const bundleVersion = 1

func (e Engine) ExportProject(ctx context.Context, projectID string) (Bundle, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return Bundle{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return Bundle{}, err
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil && err != repo.ErrNotFound {
		return Bundle{}, err
	}
	return Bundle{Version: bundleVersion, Project: p, Config: cfg, Tasks: tasks}, nil
}

// ImportProject recreates a bundle as a new project. Global task identities
// are assigned fresh, sequence numbers are preserved verbatim, and the legacy
// blocked_by field is rewritten from the exported identity to the matching
// task's sequence so it keeps pointing at the same task.
func (e Engine) ImportProject(ctx context.Context, b Bundle, actorID string) (domain.Project, error) {
	if b.Version != bundleVersion {
		return domain.Project{}, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	if b.Project.Name == "" {
		return domain.Project{}, fmt.Errorf("bundle has no project name")
	}

	oldIDToSeq := make(map[int64]int64, len(b.Tasks))
	seqs := make(map[int64]bool, len(b.Tasks))
	for _, t := range b.Tasks {
		if seqs[t.Seq] {
			return domain.Project{}, fmt.Errorf("bundle has duplicate task sequence %d", t.Seq)
		}
		seqs[t.Seq] = true
		oldIDToSeq[t.ID] = t.Seq
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := b.Project
	p.ID = uuid.NewString()
	p.CreatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := b.Config
	if cfg == nil {
		cfg = config.Default(p.ID)
	}
	cfg.Project.ID = p.ID
	payload, err := json.Marshal(cfg)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)`,
		p.ID, string(payload), now, now); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}

	for _, t := range b.Tasks {
		t.ID = 0
		t.ProjectID = p.ID
		if t.BlockedBy != nil {
			// old global identities do not survive import; a blocked_by
			// that matched an exported task is rewritten to that task's
			// stable sequence number
			if seq, ok := oldIDToSeq[*t.BlockedBy]; ok && !seqs[*t.BlockedBy] {
				b := seq
				t.BlockedBy = &b
			}
		}
		if _, err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Project{}, fmt.Errorf("insert task %d: %w", t.Seq, err)
		}
	}

	if err := e.Events.Append(ctx, tx, "project.imported", p.ID, "project", p.ID, actorID, events.EventPayload{
		"name":  p.Name,
		"tasks": len(b.Tasks),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}
