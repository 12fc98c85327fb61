package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func testToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestPlanEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	token := testToken(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "demo"}, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, data)
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	mk := func(title string, estimated int64, deps []int64) domain.Task {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/tasks", map[string]any{
			"title":             title,
			"estimated_seconds": estimated,
			"depends_on":        deps,
		}, token)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task status %d: %s", res.StatusCode, data)
		}
		var task domain.Task
		if err := json.Unmarshal(data, &task); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
		return task
	}
	a := mk("a", 60, nil)
	b := mk("b", 60, nil)
	mk("c", 60, []int64{a.Seq, b.Seq})

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+project.ID+"/plan", nil, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan status %d: %s", res.StatusCode, data)
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(plan.Stages) != 2 || len(plan.Stages[0].Tasks) != 2 {
		t.Fatalf("plan stages = %+v", plan.Stages)
	}

	// budget below total estimate must be rejected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/plan/optimize", map[string]any{
		"max_cost_seconds": 100,
	}, token)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("optimize status %d: %s", res.StatusCode, data)
	}

	// splitting the first stage at width 1 yields three stages
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/plan/optimize", map[string]any{
		"max_parallelism": 1,
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("optimize status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("optimized stages = %+v", plan.Stages)
	}
}

func TestWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows/missing", nil, testToken(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}
