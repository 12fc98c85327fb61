package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BasePath    string `json:"base_path,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Task is a unit of schedulable work. ID is the global identity, unique across
// all projects and reassigned on import. Seq is the local sequence number,
// unique within the project and stable across export/import. Persisted
// dependency references (DependsOn) use local sequence numbers; BlockedBy is
// the one legacy field that may still carry a global identity.
type Task struct {
	ID               int64   `json:"id"`
	ProjectID        string  `json:"project_id"`
	Seq              int64   `json:"seq"`
	Title            string  `json:"title"`
	Instructions     string  `json:"instructions,omitempty"`
	Status           string  `json:"status" enum:"todo,in_progress,in_review,done,blocked"`
	Priority         string  `json:"priority" enum:"urgent,high,medium,low"`
	EstimatedSeconds int64   `json:"estimated_seconds,omitempty"`
	Provider         string  `json:"provider,omitempty"`
	DepOp            string  `json:"dep_op,omitempty" enum:"all,any,expr"`
	DepExprJSON      *string `json:"dep_expr_json,omitempty"`
	DependsOn        []int64 `json:"depends_on,omitempty"`
	BlockedBy        *int64  `json:"blocked_by,omitempty"`
	ParentRef        *int64  `json:"parent_ref,omitempty"`
	OutputJSON       *string `json:"output_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

// TaskOutput is the stored result of an executed task, kept as JSON on the
// task row. Kind selects which of the remaining fields are meaningful.
type TaskOutput struct {
	Kind       string     `json:"kind" enum:"text,table,file"`
	Text       string     `json:"text,omitempty"`
	Columns    []string   `json:"columns,omitempty"`
	Rows       [][]string `json:"rows,omitempty"`
	Path       string     `json:"path,omitempty"`
	Content    string     `json:"content,omitempty"`
	Cost       float64    `json:"cost,omitempty"`
	TokensUsed int        `json:"tokens_used,omitempty"`
}

// Workflow is one live execution of a plan.
type Workflow struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Status       string  `json:"status" enum:"pending,running,paused,completed,failed,cancelled,partial"`
	CurrentStage int     `json:"current_stage"`
	Completed    []int64 `json:"completed,omitempty"`
	Failed       []int64 `json:"failed,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Checkpoint is a durable snapshot written at stage boundaries; the latest one
// for a workflow is the resume point after pause or interruption.
type Checkpoint struct {
	ID          int64   `json:"id"`
	WorkflowID  string  `json:"workflow_id"`
	StageIndex  int     `json:"stage_index"`
	Completed   []int64 `json:"completed,omitempty"`
	ContextJSON string  `json:"context_json,omitempty"`
	NextRef     *int64  `json:"next_ref,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
