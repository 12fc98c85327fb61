package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,base_path,status,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), nullable(p.BasePath), p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),COALESCE(base_path,''),status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.BasePath, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),COALESCE(base_path,''),status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.BasePath, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ProjectUpdate carries the mutable project fields. Empty strings and nil
// pointers leave the column untouched.
type ProjectUpdate struct {
	Name        string
	Status      string
	Description *string
	BasePath    *string
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id string, u ProjectUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Name != "" {
		fields = append(fields, "name=?")
		args = append(args, u.Name)
	}
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.BasePath != nil {
		fields = append(fields, "base_path=?")
		args = append(args, nullable(*u.BasePath))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

const taskCols = `id,project_id,seq,title,COALESCE(instructions,''),status,priority,estimated_seconds,COALESCE(provider,''),COALESCE(dep_op,''),dep_expr_json,blocked_by,parent_ref,output_json,created_at,updated_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var depExpr, outputJSON, completedAt sql.NullString
	var blockedBy, parentRef sql.NullInt64
	err := scan(&t.ID, &t.ProjectID, &t.Seq, &t.Title, &t.Instructions, &t.Status, &t.Priority,
		&t.EstimatedSeconds, &t.Provider, &t.DepOp, &depExpr, &blockedBy, &parentRef, &outputJSON,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if depExpr.Valid {
		t.DepExprJSON = &depExpr.String
	}
	if blockedBy.Valid {
		t.BlockedBy = &blockedBy.Int64
	}
	if parentRef.Valid {
		t.ParentRef = &parentRef.Int64
	}
	if outputJSON.Valid {
		t.OutputJSON = &outputJSON.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// NextSeq allocates the next local sequence number for a project within the
// caller's transaction.
func (r Repo) NextSeq(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM tasks WHERE project_id=?`, projectID).Scan(&seq)
	return seq, err
}

// InsertTask inserts the task row and its dependency refs, returning the
// assigned global identity.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(project_id,seq,title,instructions,status,priority,estimated_seconds,provider,dep_op,dep_expr_json,blocked_by,parent_ref,output_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.Seq, t.Title, nullable(t.Instructions), t.Status, t.Priority, t.EstimatedSeconds,
		nullable(t.Provider), nullable(t.DepOp), nullableStringPtr(t.DepExprJSON), nullableIntPtr(t.BlockedBy),
		nullableIntPtr(t.ParentRef), nullableStringPtr(t.OutputJSON), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := r.replaceTaskDeps(ctx, tx, id, t.DependsOn); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, instructions=?, status=?, priority=?, estimated_seconds=?, provider=?, dep_op=?, dep_expr_json=?, blocked_by=?, parent_ref=?, output_json=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Instructions), t.Status, t.Priority, t.EstimatedSeconds, nullable(t.Provider),
		nullable(t.DepOp), nullableStringPtr(t.DepExprJSON), nullableIntPtr(t.BlockedBy), nullableIntPtr(t.ParentRef),
		nullableStringPtr(t.OutputJSON), t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	return r.replaceTaskDeps(ctx, tx, t.ID, t.DependsOn)
}

func (r Repo) replaceTaskDeps(ctx context.Context, tx *sql.Tx, taskID int64, refs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,ref) VALUES (?,?)`, taskID, ref); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listTaskDeps(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskBySeq(ctx context.Context, projectID string, seq int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND seq=?`, projectID, seq).Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listTaskDeps(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProjectID string
	Status    string
	Provider  string
	Limit     int
}

// ListTasks returns tasks in sequence order, each with its dependency refs
// attached.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].DependsOn, err = r.listTaskDeps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) listTaskDeps(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ref FROM task_deps WHERE task_id=? ORDER BY ref ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []int64
	for rows.Next() {
		var ref int64
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, projectID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
