package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BasePath    string `json:"base_path,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               int64   `json:"id"`
	ProjectID        string  `json:"project_id"`
	Seq              int64   `json:"seq"`
	Title            string  `json:"title"`
	Instructions     string  `json:"instructions,omitempty"`
	Status           string  `json:"status"`
	Priority         string  `json:"priority"`
	EstimatedSeconds int64   `json:"estimated_seconds"`
	Provider         string  `json:"provider,omitempty"`
	DependsOn        []int64 `json:"depends_on,omitempty"`
}

// Stage is one step of the staged schedule.
type Stage struct {
	Index            int     `json:"index"`
	Tasks            []int64 `json:"tasks"`
	Parallel         bool    `json:"parallel"`
	EstimatedSeconds int64   `json:"estimated_seconds"`
	DependsOn        int     `json:"depends_on"`
}

// Plan is the staged schedule for a project.
type Plan struct {
	ProjectID                string  `json:"project_id"`
	Stages                   []Stage `json:"stages"`
	CriticalPath             []int64 `json:"critical_path,omitempty"`
	CriticalPathSeconds      int64   `json:"critical_path_seconds"`
	TotalEstimatedSeconds    int64   `json:"total_estimated_seconds"`
	EstimatedDurationSeconds int64   `json:"estimated_duration_seconds"`
}

// Constraints narrow a plan during optimization.
type Constraints struct {
	MaxParallelism     int    `json:"max_parallelism,omitempty"`
	MaxCostSeconds     int64  `json:"max_cost_seconds,omitempty"`
	MaxDurationSeconds int64  `json:"max_duration_seconds,omitempty"`
	PriorityPolicy     string `json:"priority_policy,omitempty"`
}

// Workflow represents one execution of a plan.
type Workflow struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Status       string  `json:"status"`
	CurrentStage int     `json:"current_stage"`
	Completed    []int64 `json:"completed,omitempty"`
	Failed       []int64 `json:"failed,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// EventPage wraps event listings with the resume cursor.
type EventPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project and switches the client to it.
func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp); err != nil {
		return Project{}, err
	}
	c.ProjectID = resp.ID
	return resp, nil
}

// CreateTask creates a task in the client's project.
func (c *Client) CreateTask(ctx context.Context, title string, estimatedSeconds int64, dependsOn []int64) (Task, error) {
	body := map[string]any{
		"title":             title,
		"estimated_seconds": estimatedSeconds,
		"depends_on":        dependsOn,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by sequence number.
func (c *Client) GetTask(ctx context.Context, seq int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("tasks/%d", seq)), nil, &resp)
	return resp, err
}

// UpdateTask patches a task; fields holds the wire-level field names.
func (c *Client) UpdateTask(ctx context.Context, seq int64, fields map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.projectPath(fmt.Sprintf("tasks/%d", seq)), fields, &resp)
	return resp, err
}

// Plan builds and returns the project's staged schedule.
func (c *Client) Plan(ctx context.Context) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.projectPath("plan"), nil, &resp)
	return resp, err
}

// Optimize builds the plan and applies constraints.
func (c *Client) Optimize(ctx context.Context, cons Constraints) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.projectPath("plan/optimize"), cons, &resp)
	return resp, err
}

// StartWorkflow starts executing the project's plan.
func (c *Client) StartWorkflow(ctx context.Context) (Workflow, error) {
	body := map[string]any{"project_id": c.ProjectID}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", body, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow by id.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/workflows/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// PauseWorkflow pauses a running workflow at its next stage boundary.
func (c *Client) PauseWorkflow(ctx context.Context, id string) (Workflow, error) {
	return c.signalWorkflow(ctx, id, "pause")
}

// ResumeWorkflow resumes a paused workflow.
func (c *Client) ResumeWorkflow(ctx context.Context, id string) (Workflow, error) {
	return c.signalWorkflow(ctx, id, "resume")
}

// CancelWorkflow cancels a workflow.
func (c *Client) CancelWorkflow(ctx context.Context, id string) (Workflow, error) {
	return c.signalWorkflow(ctx, id, "cancel")
}

func (c *Client) signalWorkflow(ctx context.Context, id, action string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns events after the cursor, oldest first; pass 0 to start from
// the beginning. The returned page carries the cursor for the next call.
func (c *Client) Events(ctx context.Context, after int64, limit int) (EventPage, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if after > 0 {
		endpoint = fmt.Sprintf("%s&after=%d", endpoint, after)
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
