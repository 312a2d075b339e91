package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"kbcrawler/internal/config"
	"kbcrawler/internal/logging"
	"kbcrawler/internal/storage"
	"kbcrawler/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *TaskService, *gatedExecutor) {
	t.Helper()
	store := storage.NewMemoryStore()
	exec := newGatedExecutor(store)
	svc := NewTaskService(context.Background(), store, store, exec, config.Default().Tasks, 1, logging.Discard())
	return NewServer(svc, logging.Discard()), svc, exec
}

func TestServerHandlers(t *testing.T) {
	server, _, _ := newTestServer(t)

	assertRoute(t, server, http.MethodGet, "/health", "", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodPost, "/health", "", http.StatusMethodNotAllowed, "")
	assertRoute(t, server, http.MethodGet, "/api/crawl/tasks", "", http.StatusBadRequest, "")
	assertRoute(t, server, http.MethodGet, "/api/crawl/tasks?kb_id=1", "", http.StatusOK, "application/json")
	assertRoute(t, server, http.MethodPut, "/api/crawl/tasks", "", http.StatusMethodNotAllowed, "")
	assertRoute(t, server, http.MethodGet, "/api/crawl/tasks/abc", "", http.StatusBadRequest, "")
	assertRoute(t, server, http.MethodGet, "/api/crawl/tasks/99", "", http.StatusNotFound, "")
	assertRoute(t, server, http.MethodGet, "/api/crawl/tasks/99/unknown", "", http.StatusNotFound, "")
	assertRoute(t, server, http.MethodPost, "/api/crawl/tasks", "{", http.StatusBadRequest, "")
	assertRoute(t, server, http.MethodPost, "/api/crawl/tasks", `{"start_url":"https://example.com","max_depth":42}`, http.StatusBadRequest, "")
}

func TestServerTaskFlow(t *testing.T) {
	server, svc, exec := newTestServer(t)

	rr := assertRoute(t, server, http.MethodPost, "/api/crawl/tasks",
		`{"kb_id":5,"start_url":"https://example.com/docs","crawl_strategy":"dfs"}`,
		http.StatusCreated, "application/json")
	var created types.CrawlTask
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != types.TaskPending || created.Strategy != types.StrategyDFS || created.MaxDepth != 2 {
		t.Fatalf("unexpected created task: %+v", created)
	}

	rr = assertRoute(t, server, http.MethodGet, "/api/crawl/tasks?kb_id=5", "", http.StatusOK, "application/json")
	var list TaskListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != created.ID {
		t.Fatalf("unexpected task list: %+v", list)
	}

	taskPath := "/api/crawl/tasks/" + strconv.FormatInt(created.ID, 10)
	assertRoute(t, server, http.MethodGet, taskPath+"/start", "", http.StatusMethodNotAllowed, "")
	assertRoute(t, server, http.MethodPost, taskPath+"/start", "", http.StatusAccepted, "application/json")
	waitStarted(t, exec, created.ID)
	assertRoute(t, server, http.MethodPost, taskPath+"/start", "", http.StatusConflict, "")
	assertRoute(t, server, http.MethodDelete, taskPath, "", http.StatusConflict, "")

	close(exec.release)
	waitIdle(t, svc)

	rr = assertRoute(t, server, http.MethodGet, taskPath+"/progress", "", http.StatusOK, "application/json")
	var progress ProgressResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if progress.Task == nil || progress.Task.Status != types.TaskCompleted {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	req := httptest.NewRequest(http.MethodDelete, taskPath, nil)
	del := httptest.NewRecorder()
	server.ServeHTTP(del, req)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d (body=%s)", del.Code, del.Body.String())
	}
	assertRoute(t, server, http.MethodGet, taskPath, "", http.StatusNotFound, "")
}

func TestServerRejectsWhenAtRunningLimit(t *testing.T) {
	server, svc, exec := newTestServer(t)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://a.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateTask(ctx, CreateTaskRequest{StartURL: "https://b.example.com"})
	if err != nil {
		t.Fatal(err)
	}

	assertRoute(t, server, http.MethodPost, "/api/crawl/tasks/"+strconv.FormatInt(first.ID, 10)+"/start", "", http.StatusAccepted, "application/json")
	waitStarted(t, exec, first.ID)
	assertRoute(t, server, http.MethodPost, "/api/crawl/tasks/"+strconv.FormatInt(second.ID, 10)+"/start", "", http.StatusTooManyRequests, "")

	close(exec.release)
	waitIdle(t, svc)
}

func assertRoute(t *testing.T, h http.Handler, method, path, body string, wantStatus int, wantContentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (body=%s)", method, path, wantStatus, rr.Code, rr.Body.String())
	}
	if wantContentType != "" {
		if got := rr.Header().Get("Content-Type"); got != wantContentType {
			t.Fatalf("%s %s: expected content-type %s, got %s", method, path, wantContentType, got)
		}
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("%s %s: expected non-empty body", method, path)
	}
	return rr
}

