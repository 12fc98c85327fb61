package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"planline/internal/domain"
)

func marshalSeqs(seqs []int64) any {
	if len(seqs) == 0 {
		return nil
	}
	b, _ := json.Marshal(seqs)
	return string(b)
}

func unmarshalSeqs(v sql.NullString) []int64 {
	if !v.Valid || v.String == "" {
		return nil
	}
	var seqs []int64
	_ = json.Unmarshal([]byte(v.String), &seqs)
	return seqs
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,project_id,status,current_stage,completed_json,failed_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Status, w.CurrentStage, marshalSeqs(w.Completed), marshalSeqs(w.Failed), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflows SET status=?, current_stage=?, completed_json=?, failed_json=?, updated_at=? WHERE id=?`,
		w.Status, w.CurrentStage, marshalSeqs(w.Completed), marshalSeqs(w.Failed), w.UpdatedAt, w.ID)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	var completed, failed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,status,current_stage,completed_json,failed_json,created_at,updated_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.ProjectID, &w.Status, &w.CurrentStage, &completed, &failed, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Completed = unmarshalSeqs(completed)
	w.Failed = unmarshalSeqs(failed)
	return w, nil
}

func (r Repo) ListWorkflows(ctx context.Context, projectID string) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,status,current_stage,completed_json,failed_json,created_at,updated_at FROM workflows WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		var completed, failed sql.NullString
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Status, &w.CurrentStage, &completed, &failed, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Completed = unmarshalSeqs(completed)
		w.Failed = unmarshalSeqs(failed)
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(workflow_id,stage_index,completed_json,context_json,next_ref,created_at) VALUES (?,?,?,?,?,?)`,
		c.WorkflowID, c.StageIndex, marshalSeqs(c.Completed), nullable(c.ContextJSON), nullableIntPtr(c.NextRef), c.CreatedAt)
	return err
}

// LatestCheckpoint returns the most recent checkpoint for a workflow, the
// resume point after pause or interruption.
func (r Repo) LatestCheckpoint(ctx context.Context, workflowID string) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var completed, contextJSON sql.NullString
	var nextRef sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,workflow_id,stage_index,completed_json,context_json,next_ref,created_at FROM checkpoints WHERE workflow_id=? ORDER BY id DESC LIMIT 1`, workflowID).
		Scan(&c.ID, &c.WorkflowID, &c.StageIndex, &completed, &contextJSON, &nextRef, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Completed = unmarshalSeqs(completed)
	if contextJSON.Valid {
		c.ContextJSON = contextJSON.String
	}
	if nextRef.Valid {
		c.NextRef = &nextRef.Int64
	}
	return c, nil
}

func (r Repo) ListCheckpoints(ctx context.Context, workflowID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,stage_index,completed_json,context_json,next_ref,created_at FROM checkpoints WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		var completed, contextJSON sql.NullString
		var nextRef sql.NullInt64
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.StageIndex, &completed, &contextJSON, &nextRef, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Completed = unmarshalSeqs(completed)
		if contextJSON.Valid {
			c.ContextJSON = contextJSON.String
		}
		if nextRef.Valid {
			c.NextRef = &nextRef.Int64
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
