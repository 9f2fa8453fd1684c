package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/martec-compiler/internal/events"
	"github.com/mattjoyce/martec-compiler/internal/metrics"
	"github.com/mattjoyce/martec-compiler/internal/runner"
	"github.com/mattjoyce/martec-compiler/internal/session"
)

// stubBuilder writes a log into its workspace and returns a canned result.
type stubBuilder struct {
	dir  string
	run  func() (runner.Result, error)
	once sync.Once
}

func (b *stubBuilder) Workspace() string { return b.dir }

func (b *stubBuilder) Run() (runner.Result, error) {
	b.once.Do(func() {
		_ = os.WriteFile(filepath.Join(b.dir, "output.log"), []byte("compiling...\ndone\n"), 0o644)
	})
	if b.run != nil {
		return b.run()
	}
	return runner.Result{ExitCode: 0}, nil
}

// fakeHistory is an in-memory History.
type fakeHistory struct {
	jobs []session.Job
	err  error
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]session.Job, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit <= 0 || limit > len(h.jobs) {
		limit = len(h.jobs)
	}
	return h.jobs[:limit], nil
}

func (h *fakeHistory) Get(_ context.Context, id string) (session.Job, bool, error) {
	for _, j := range h.jobs {
		if j.ID == id {
			return j, true, nil
		}
	}
	return session.Job{}, false, h.err
}

type testEnv struct {
	registry *session.Registry
	hub      *events.Hub
	handler  http.Handler
	root     string
	apiKey   string
}

type envOptions struct {
	apiKey  string
	history History
	run     func() (runner.Result, error)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	prov := session.ProvisionerFunc(func(_ context.Context, id string) (session.Builder, error) {
		dir := filepath.Join(root, id)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, err
		}
		return &stubBuilder{dir: dir, run: opts.run}, nil
	})
	hub := events.NewHub(64)
	rec := metrics.NewRecorder(nil)
	reg := session.NewRegistry(prov, session.WithEvents(hub), session.WithMetrics(rec))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{APIKey: opts.apiKey, Fingerprint: "abc123"}, reg, opts.history, hub, rec, logger)
	return &testEnv{registry: reg, hub: hub, handler: srv.Handler(), root: root, apiKey: opts.apiKey}
}

func (e *testEnv) do(t *testing.T, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T) string {
	t.Helper()
	var header []string
	if e.apiKey != "" {
		header = []string{"Authorization", "Bearer " + e.apiKey}
	}
	rec := e.do(t, http.MethodPost, "/create-session", header...)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	id := env.create(t)
	assert.NotEmpty(t, id)
	assert.DirExists(t, filepath.Join(env.root, id))

	var st session.Status
	rec := env.do(t, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, []string{id}, st.Active)
}

func TestLegacyRoutes(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/start_session")
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Body.String()

	rec = env.do(t, http.MethodGet, "/run_session?session_id="+id)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Success", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"active":[],"running":[],"finished":[%q],"failed":[]}`, id), rec.Body.String())
}

func TestRunSession(t *testing.T) {
	tests := []struct {
		name       string
		run        func() (runner.Result, error)
		query      func(id string) string
		wantStatus int
		wantBody   string
		wantState  session.State
	}{
		{
			name:       "success",
			query:      func(id string) string { return "?session_id=" + id },
			wantStatus: http.StatusOK,
			wantBody:   "Success",
			wantState:  session.StateFinished,
		},
		{
			name:       "non-zero exit is still success",
			run:        func() (runner.Result, error) { return runner.Result{ExitCode: 2}, nil },
			query:      func(id string) string { return "?session_id=" + id },
			wantStatus: http.StatusOK,
			wantBody:   "Success",
			wantState:  session.StateFinished,
		},
		{
			name: "invocation failure",
			run: func() (runner.Result, error) {
				return runner.Result{ExitCode: -1}, fmt.Errorf("%w: start docker: not found", runner.ErrInvocation)
			},
			query:      func(id string) string { return "?session_id=" + id },
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Build failed",
			wantState:  session.StateFailed,
		},
		{
			name:       "missing session_id",
			query:      func(string) string { return "" },
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing session_id",
			wantState:  session.StateActive,
		},
		{
			name:       "unknown session",
			query:      func(string) string { return "?session_id=does-not-exist" },
			wantStatus: http.StatusNotFound,
			wantBody:   "Session not found",
			wantState:  session.StateActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{run: tt.run})
			id := env.create(t)

			rec := env.do(t, http.MethodPost, "/run-session"+tt.query(id))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)

			job, ok := env.registry.Get(id)
			require.True(t, ok)
			assert.Equal(t, tt.wantState, job.State)
		})
	}
}

func TestRunSessionTwiceIsNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/run-session?session_id="+id).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/run-session?session_id="+id).Code)
}

func TestRunSessionAsync(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, envOptions{run: func() (runner.Result, error) {
		<-release
		return runner.Result{}, nil
	}})
	id := env.create(t)

	rec := env.do(t, http.MethodPost, "/run-session?async=true&session_id="+id)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{id}, env.registry.Snapshot().Running)

	close(release)
	require.Eventually(t, func() bool {
		job, _ := env.registry.Get(id)
		return job.State == session.StateFinished
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t)

	rec := env.do(t, http.MethodGet, "/session/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var job session.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, session.StateActive, job.State)

	rec = env.do(t, http.MethodGet, "/session/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionFallsBackToHistory(t *testing.T) {
	hist := &fakeHistory{jobs: []session.Job{{ID: "old", State: session.StateFailed, Error: "interrupted by restart"}}}
	env := newTestEnv(t, envOptions{history: hist})

	rec := env.do(t, http.MethodGet, "/session/old")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "interrupted by restart")
}

func TestSessionLog(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t)

	rec := env.do(t, http.MethodGet, "/session/"+id+"/log")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no log before the build runs")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/run-session?session_id="+id).Code)

	rec = env.do(t, http.MethodGet, "/session/"+id+"/log")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "compiling...\ndone\n", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{jobs: []session.Job{{ID: "c"}, {ID: "b"}, {ID: "a"}}}
	env := newTestEnv(t, envOptions{history: hist})

	rec := env.do(t, http.MethodGet, "/history?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []session.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "c", jobs[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/history?limit=zero").Code)

	hist.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/history").Code)
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/history").Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{apiKey: "secret"})
	env.create(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/create-session").Code)

	rec := env.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code, "healthz is never authenticated")

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "abc123", resp.ConfigFingerprint)
	assert.Equal(t, 1, resp.Sessions["active"])
	assert.Equal(t, 0, resp.Sessions["running"])
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, envOptions{apiKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/status", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/create-session", "Authorization", "Basic secret").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/status", "Authorization", "Bearer secret").Code)
	assert.Empty(t, env.registry.Snapshot().Active)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.create(t)

	rec := env.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `martec_session_transitions_total{state="active"} 1`)
}

func TestEventsReplay(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.create(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: "+events.SessionCreated)
	assert.Contains(t, body, id)
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "Bearer   abc  ", want: "abc"},
		{header: "", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Token abc", wantErr: true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractAPIKey(req)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}
}
