package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/events"
)

// StartWorkflow creates a pending workflow for a project after verifying the
// task set still plans cleanly. The execution controller picks it up from
// there.
func (e Engine) StartWorkflow(ctx context.Context, projectID, actorID string) (domain.Workflow, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Workflow{}, err
	}
	if _, err := e.CreatePlan(ctx, projectID); err != nil {
		return domain.Workflow{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	w := domain.Workflow{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", projectID, "workflow", w.ID, actorID, events.EventPayload{"status": w.Status}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// SaveCheckpoint records a stage boundary and the workflow progress in one
// transaction, so a crash never leaves the two out of step.
func (e Engine) SaveCheckpoint(ctx context.Context, w domain.Workflow, c domain.Checkpoint, actorID string) error {
	c.WorkflowID = w.ID
	c.CreatedAt = e.now().UTC().Format(time.RFC3339)
	w.UpdatedAt = c.CreatedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCheckpoint(ctx, tx, c); err != nil {
		return err
	}
	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "workflow.checkpoint", w.ProjectID, "workflow", w.ID, actorID, events.EventPayload{
		"stage":     c.StageIndex,
		"completed": len(c.Completed),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetWorkflowStatus persists a status change with its event.
func (e Engine) SetWorkflowStatus(ctx context.Context, w domain.Workflow, status, actorID string) (domain.Workflow, error) {
	old := w.Status
	w.Status = status
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.status", w.ProjectID, "workflow", w.ID, actorID, events.EventPayload{"from": old, "to": status}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// ResumePoint returns the stage a workflow should continue from: right after
// the latest checkpoint, or stage 0 when none exists.
func (e Engine) ResumePoint(ctx context.Context, workflowID string) (int, []int64, error) {
	c, err := e.Repo.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return 0, nil, nil
	}
	return c.StageIndex + 1, c.Completed, nil
}

func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, id)
}

func workflowTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "partial":
		return true
	}
	return false
}

// CheckWorkflowTransition guards workflow status changes; cancellation is
// allowed from any non-terminal state and never downgraded.
func CheckWorkflowTransition(oldStatus, newStatus string) error {
	if workflowTerminal(oldStatus) {
		return fmt.Errorf("workflow already %s", oldStatus)
	}
	switch newStatus {
	case "cancelled":
		return nil
	case "running":
		if oldStatus == "pending" || oldStatus == "paused" {
			return nil
		}
	case "paused":
		if oldStatus == "running" {
			return nil
		}
	case "completed", "failed", "partial":
		if oldStatus == "running" {
			return nil
		}
	}
	return fmt.Errorf("invalid workflow status transition %s -> %s", oldStatus, newStatus)
}
