package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/fallback"
	"github.com/ashureev/chatwire/internal/health"
	"github.com/ashureev/chatwire/internal/progress"
	"github.com/ashureev/chatwire/internal/ratelimit"
	"github.com/ashureev/chatwire/internal/transport"
)

type fakeChat struct{}

func (fakeChat) Status() fallback.Status {
	return fallback.Status{FallbackActive: true, ShouldUseFallback: true}
}

func (fakeChat) RateLimit() ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, RemainingMessages: 7}
}

type fakeJobs struct {
	mu    sync.Mutex
	snaps map[string]domain.ETLProgressSnapshot
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{snaps: make(map[string]domain.ETLProgressSnapshot)}
}

func (f *fakeJobs) Track(_ context.Context, jobID string) (*progress.Client, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, progress.ErrMissingJobID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snaps[jobID]; !ok {
		f.snaps[jobID] = domain.ETLProgressSnapshot{JobID: jobID, Status: domain.JobPending}
	}
	return nil, nil
}

func (f *fakeJobs) Untrack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, jobID)
	return nil
}

func (f *fakeJobs) Snapshot(jobID string) (domain.ETLProgressSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[jobID]
	return s, ok
}

func (f *fakeJobs) Snapshots() []domain.ETLProgressSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ETLProgressSnapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeJobs) ConnectionIssues(jobID string) bool { return jobID == "flaky" }

type fakeBackend struct{ err error }

func (f fakeBackend) Check(context.Context) (health.Result, error) {
	if f.err != nil {
		return health.Result{Address: "backend:50051", Status: "UNREACHABLE"}, f.err
	}
	return health.Result{Address: "backend:50051", Status: "SERVING"}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv    *httptest.Server
	errs   *chaterr.Tracker
	jobs   *fakeJobs
	userID string
}

func newTestServer(t *testing.T, backend Backend, db Pinger) *testServer {
	t.Helper()
	reg := transport.NewRegistry(transport.Options{URL: "ws://localhost:1/ws", Logger: discardLogger()})
	if _, err := reg.GetOrCreate("u1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	errs := chaterr.NewTracker(nil, 10, discardLogger())
	jobs := newFakeJobs()
	h := NewHandler(Deps{
		UserID:      "u1",
		Connections: reg,
		Chat:        fakeChat{},
		Errors:      errs,
		Jobs:        jobs,
		Backend:     backend,
	})
	srv := httptest.NewServer(NewRouter(h, NewHealthHandler(db, 0), []string{"*"}, discardLogger()))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, errs: errs, jobs: jobs, userID: "u1"}
}

func (ts *testServer) do(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil)
	ts.errs.Handle(chaterr.ErrTimeout, chaterr.Meta{Operation: "send"})

	var got struct {
		UserID     string                 `json:"user_id"`
		Connection domain.ConnectionState `json:"connection"`
		Fallback   fallback.Status        `json:"fallback"`
		RateLimit  ratelimit.Decision     `json:"rate_limit"`
		Errors     chaterr.Stats          `json:"errors"`
	}
	if code := ts.do(t, http.MethodGet, "/api/status", &got); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if got.UserID != "u1" || got.Connection.Status != domain.StatusDisconnected {
		t.Errorf("Unexpected connection section: %+v", got)
	}
	if !got.Fallback.FallbackActive || got.RateLimit.RemainingMessages != 7 {
		t.Errorf("Unexpected routing section: %+v %+v", got.Fallback, got.RateLimit)
	}
	if got.Errors.Total != 1 || got.Errors.ByType[chaterr.TypeTimeout] != 1 {
		t.Errorf("Unexpected error stats: %+v", got.Errors)
	}
}

func TestGetConnection(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil)
	var st domain.ConnectionState
	if code := ts.do(t, http.MethodGet, "/api/connections/u1", &st); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if st.Status != domain.StatusDisconnected {
		t.Errorf("Unexpected state %+v", st)
	}
	if code := ts.do(t, http.MethodGet, "/api/connections/nobody", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/connections/nobody/reconnect", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for reconnect, got %d", code)
	}
}

func TestErrorsHistoryAndClear(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil)
	ts.errs.Handle(chaterr.ErrAuthRejected, chaterr.Meta{Operation: "connect"})

	var history []chaterr.ChatError
	ts.do(t, http.MethodGet, "/api/errors", &history)
	if len(history) != 1 || history[0].Type != chaterr.TypeAuth {
		t.Fatalf("Unexpected history %+v", history)
	}

	if code := ts.do(t, http.MethodDelete, "/api/errors", nil); code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	history = nil
	ts.do(t, http.MethodGet, "/api/errors", &history)
	if len(history) != 0 {
		t.Errorf("Expected empty history, got %+v", history)
	}
}

func TestJobRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil)

	var created jobView
	if code := ts.do(t, http.MethodPost, "/api/jobs/job-1", &created); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if created.JobID != "job-1" || created.Status != domain.JobPending {
		t.Errorf("Unexpected tracked job %+v", created)
	}
	ts.do(t, http.MethodPost, "/api/jobs/flaky", nil)

	var list []jobView
	ts.do(t, http.MethodGet, "/api/jobs/", &list)
	if len(list) != 2 {
		t.Fatalf("Expected 2 jobs, got %+v", list)
	}

	var flaky jobView
	if code := ts.do(t, http.MethodGet, "/api/jobs/flaky", &flaky); code != http.StatusOK || !flaky.ConnectionIssues {
		t.Errorf("Expected flaky job with connection issues, got %d %+v", code, flaky)
	}

	if code := ts.do(t, http.MethodDelete, "/api/jobs/job-1", nil); code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/jobs/job-1", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 after untrack, got %d", code)
	}
}

func TestBackendProbe(t *testing.T) {
	t.Parallel()

	ok := newTestServer(t, fakeBackend{}, nil)
	var res health.Result
	if code := ok.do(t, http.MethodGet, "/api/backend", &res); code != http.StatusOK || res.Status != "SERVING" {
		t.Errorf("Expected SERVING, got %d %+v", code, res)
	}

	down := newTestServer(t, fakeBackend{err: errors.New("dial failed")}, nil)
	if code := down.do(t, http.MethodGet, "/api/backend", nil); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}

	none := newTestServer(t, nil, nil)
	if code := none.do(t, http.MethodGet, "/api/backend", nil); code != http.StatusNotImplemented {
		t.Errorf("Expected 501, got %d", code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, nil, fakePinger{})
	var body map[string]interface{}
	if code := healthy.do(t, http.MethodGet, "/health", &body); code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %d %+v", code, body)
	}

	degraded := newTestServer(t, nil, fakePinger{err: errors.New("locked")})
	body = nil
	if code := degraded.do(t, http.MethodGet, "/health", &body); code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("Expected degraded, got %d %+v", code, body)
	}

	resp, err := http.Get(healthy.srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected heartbeat 200, got %d", resp.StatusCode)
	}
}
