package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anti-entropy/forgewright/internal/core"
)

func createTestTask(t *testing.T, s *Server) *core.Task {
	t.Helper()
	body, _ := json.Marshal(CreateTaskRequest{
		Title:   "add retry logic",
		RepoURL: "https://github.com/acme/widgets.git",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var task core.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decoding created task: %v", err)
	}
	return &task
}

func TestHandleCreateAndGetTask(t *testing.T) {
	s, _, _ := newTestServer()
	task := createTestTask(t, s)

	if !task.ID.Valid() {
		t.Fatalf("created task has invalid ID %q", task.ID)
	}
	if task.Status != core.TaskStatusDraft {
		t.Errorf("new task status = %q, want draft", task.Status)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+string(task.ID)+"/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get task: status = %d", rec.Code)
	}
}

func TestHandleCreateTask_InvalidBody(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCreateTask_MissingRepoURL(t *testing.T) {
	s, _, _ := newTestServer()
	body, _ := json.Marshal(CreateTaskRequest{Title: "no repo"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for missing repo_url", rec.Code)
	}
}

func TestHandleListTasks(t *testing.T) {
	s, _, _ := newTestServer()
	createTestTask(t, s)
	createTestTask(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var tasks []*core.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decoding tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(tasks))
	}
}

func TestHandleDeleteTask(t *testing.T) {
	s, store, _ := newTestServer()
	task := createTestTask(t, s)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+string(task.ID)+"/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if _, err := store.Get(context.Background(), task.ID); err == nil {
		t.Error("task still present in store after delete")
	}
}

func TestActionEndpointsDispatchToSupervisor(t *testing.T) {
	s, _, sup := newTestServer()
	task := createTestTask(t, s)
	base := "/api/v1/tasks/" + string(task.ID)

	cases := []struct {
		path   string
		body   string
		method string
	}{
		{"/start", "", http.MethodPost},
		{"/resume", "", http.MethodPost},
		{"/plan", "", http.MethodPost},
		{"/plan/approve", "", http.MethodPost},
		{"/pr/approve", "", http.MethodPost},
		{"/pr/request-changes", `{"message":"fix the tests"}`, http.MethodPost},
		{"/pr/merged", "", http.MethodPost},
		{"/pr/closed", "", http.MethodPost},
		{"/feedback", `{"message":"hi"}`, http.MethodPost},
		{"/cancel", "", http.MethodPost},
		{"/extend", "", http.MethodPost},
	}

	for _, tc := range cases {
		var body *bytes.Reader
		if tc.body != "" {
			body = bytes.NewReader([]byte(tc.body))
		} else {
			body = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(tc.method, base+tc.path, body)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code >= 300 {
			t.Errorf("%s: status = %d, body = %s", tc.path, rec.Code, rec.Body.String())
		}
	}

	if len(sup.calls) != len(cases) {
		t.Errorf("supervisor received %d calls, want %d: %v", len(sup.calls), len(cases), sup.calls)
	}
}

func TestHandleStartAgent_SupervisorError(t *testing.T) {
	s, _, sup := newTestServer()
	task := createTestTask(t, s)
	sup.errs["StartAgent"] = core.ErrState("ALREADY_RUNNING", "agent already running for this task")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+string(task.ID)+"/start", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a state error", rec.Code)
	}
}
