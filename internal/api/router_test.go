package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/fetchq/internal/app"
	"github.com/datallboy/fetchq/internal/domain"
	"github.com/datallboy/fetchq/internal/engine"
	"github.com/datallboy/fetchq/internal/infra/logger"
)

type fakeManager struct {
	method engine.Method

	mu        sync.Mutex
	calls     []string
	enqueued  []string
	downloads []string
	transfers []domain.TransferInfo
	err       error
}

func (f *fakeManager) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeManager) Method() engine.Method { return f.method }

func (f *fakeManager) Download(_ context.Context, urls ...string) error {
	f.record("download")
	f.downloads = append(f.downloads, urls...)
	return f.err
}

func (f *fakeManager) Enqueue(url, fileName string, priority int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, fmt.Sprintf("%s|%s|%d", url, fileName, priority))
	return fmt.Sprintf("task-%d", len(f.enqueued)), nil
}

func (f *fakeManager) Transfers() []domain.TransferInfo { return f.transfers }

func (f *fakeManager) Pause(url string) error {
	f.record("pause " + url)
	return f.err
}

func (f *fakeManager) PauseAll() { f.record("pause-all") }

func (f *fakeManager) Resume(_ context.Context, url string) error {
	f.record("resume " + url)
	return f.err
}

func (f *fakeManager) ResumeAll(context.Context) error {
	f.record("resume-all")
	return f.err
}

func (f *fakeManager) Cancel(url string) error {
	f.record("cancel " + url)
	return f.err
}

func (f *fakeManager) CancelAll() { f.record("cancel-all") }

func (f *fakeManager) Wait(context.Context) error { return nil }
func (f *fakeManager) Close()                     {}

type fakeHistory struct {
	limit int
	rows  []domain.Outcome
}

func (f *fakeHistory) History(_ context.Context, limit int) ([]domain.Outcome, error) {
	f.limit = limit
	return f.rows, nil
}

func newTestServer(mgr *fakeManager, hist app.HistoryStore) *echo.Echo {
	e := echo.New()
	RegisterRoutes(e, &app.Context{Logger: logger.Nop(), Manager: mgr, History: hist})
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateDownloadQueue(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue}
	e := newTestServer(mgr, nil)

	rec := do(e, http.MethodPost, "/api/downloads",
		`{"urls":["http://example.com/a","http://example.com/b"],"priority":4}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Method  string   `json:"method"`
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Method != "queue" || len(resp.TaskIDs) != 2 {
		t.Errorf("response = %+v", resp)
	}
	want := []string{"http://example.com/a||4", "http://example.com/b||4"}
	if fmt.Sprint(mgr.enqueued) != fmt.Sprint(want) {
		t.Errorf("enqueued = %v, want %v", mgr.enqueued, want)
	}
}

func TestCreateDownloadSingleWithFileName(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue}
	e := newTestServer(mgr, nil)

	rec := do(e, http.MethodPost, "/api/downloads", `{"urls":["http://example.com/a"],"file_name":"renamed.bin"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(mgr.enqueued) != 1 || mgr.enqueued[0] != "http://example.com/a|renamed.bin|0" {
		t.Errorf("enqueued = %v", mgr.enqueued)
	}
}

func TestCreateDownloadSimpleRunsInline(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodSimple}
	e := newTestServer(mgr, nil)

	rec := do(e, http.MethodPost, "/api/downloads", `{"urls":["http://example.com/a"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(mgr.downloads) != 1 {
		t.Errorf("downloads = %v", mgr.downloads)
	}
}

func TestCreateDownloadErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"no urls", `{"urls":[]}`, nil, http.StatusBadRequest},
		{"bad json", `{"urls":`, nil, http.StatusBadRequest},
		{"invalid target", `{"urls":["ftp://x"]}`, fmt.Errorf("%w %q", domain.ErrInvalidTarget, "ftp://x"), http.StatusBadRequest},
		{"closed", `{"urls":["http://example.com/a"]}`, domain.ErrManagerClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(&fakeManager{method: engine.MethodQueue, err: tt.err}, nil)
			if rec := do(e, http.MethodPost, "/api/downloads", tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
		})
	}
}

func TestCreateDownloadRejectsBatchWithInvalidURL(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue}
	e := newTestServer(mgr, nil)

	rec := do(e, http.MethodPost, "/api/downloads",
		`{"urls":["http://example.com/a","http://example.com/b","not a url"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
	}
	if len(mgr.enqueued) != 0 {
		t.Errorf("enqueued before rejecting the batch: %v", mgr.enqueued)
	}
}

func TestTransferControls(t *testing.T) {
	tests := []struct {
		path   string
		body   string
		err    error
		status int
		call   string
	}{
		{"/api/transfers/pause", `{"url":"http://example.com/a"}`, nil, http.StatusOK, "pause http://example.com/a"},
		{"/api/transfers/resume", `{"url":"http://example.com/a"}`, nil, http.StatusOK, "resume http://example.com/a"},
		{"/api/transfers/cancel", `{"url":"http://example.com/a"}`, nil, http.StatusOK, "cancel http://example.com/a"},
		{"/api/transfers/pause", `{"url":"http://example.com/gone"}`, domain.ErrTransferNotFound, http.StatusNotFound, "pause http://example.com/gone"},
		{"/api/transfers/resume", `{"url":"http://example.com/a"}`, domain.ErrNotPaused, http.StatusConflict, "resume http://example.com/a"},
		{"/api/transfers/pause-all", "", nil, http.StatusOK, "pause-all"},
		{"/api/transfers/resume-all", "", nil, http.StatusOK, "resume-all"},
		{"/api/transfers/cancel-all", "", nil, http.StatusOK, "cancel-all"},
	}

	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			mgr := &fakeManager{method: engine.MethodQueue, err: tt.err}
			rec := do(newTestServer(mgr, nil), http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
			if len(mgr.calls) != 1 || mgr.calls[0] != tt.call {
				t.Errorf("calls = %v, want [%s]", mgr.calls, tt.call)
			}
		})
	}
}

func TestTransferControlRequiresURL(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue}
	rec := do(newTestServer(mgr, nil), http.MethodPost, "/api/transfers/pause", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(mgr.calls) != 0 {
		t.Errorf("manager called without a url: %v", mgr.calls)
	}
}

func TestListTransfers(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue, transfers: []domain.TransferInfo{
		{URL: "http://example.com/a", FileName: "a", Downloaded: 250, TotalSize: 1000, StartedAt: time.Now()},
	}}

	rec := do(newTestServer(mgr, nil), http.MethodGet, "/api/transfers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var views []struct {
		URL      string  `json:"url"`
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Progress != 25 {
		t.Errorf("views = %+v", views)
	}
}

func TestHistory(t *testing.T) {
	mgr := &fakeManager{method: engine.MethodQueue}

	if rec := do(newTestServer(mgr, nil), http.MethodGet, "/api/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("disabled history status = %d, want 404", rec.Code)
	}

	hist := &fakeHistory{rows: []domain.Outcome{{ID: 1, URL: "http://example.com/a", Status: "completed"}}}
	e := newTestServer(mgr, hist)

	rec := do(e, http.MethodGet, "/api/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if hist.limit != 2 {
		t.Errorf("limit = %d, want 2", hist.limit)
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(e, http.MethodGet, "/api/history?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}
