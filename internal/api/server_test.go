package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/bus/memory"
	"github.com/JakeFAU/scrapefleet/internal/consumer"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/pool"
	"github.com/JakeFAU/scrapefleet/internal/store"
	"github.com/JakeFAU/scrapefleet/internal/workflow"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Ready: map[string]ReadyCheck{
		"bus": func(context.Context) error { return nil },
		"db":  func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := serve(t, server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"not ready","failures":{"db":"connection refused"}}`, rec.Body.String())

	ready := NewServer(Deps{})
	rec = serve(t, ready, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = serve(t, server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsUsesGatherer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "scrapefleet_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(t, NewServer(Deps{Gatherer: reg}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scrapefleet_test_total 1")
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	server := NewServer(Deps{Gatherer: reg, HTTPMetrics: httpMetrics, Workflows: consumer.NewRegistry(time.Hour)})

	serve(t, server, http.MethodGet, "/v1/workflows/abc", nil)
	rec := serve(t, server, http.MethodGet, "/metrics", nil)
	require.Contains(t, rec.Body.String(), `scrapefleet_http_requests_total{code="404",method="GET",route="/v1/workflows/{workflow_id}`)
}

func TestGetPool(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{}), http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	view := &fakePool{
		active:  true,
		workers: []pool.WorkerMetrics{{WorkerID: 0, CurrentURL: "https://a", Status: pool.StatusRunning}},
		global:  &pool.GlobalMetrics{TotalWorkers: 1, ActiveWorkers: 1, TotalItems: 7},
	}
	rec = serve(t, NewServer(Deps{Pool: view}), http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got poolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Active)
	require.Equal(t, 1, got.ActiveWorkers)
	require.Len(t, got.Workers, 1)
	require.Equal(t, "https://a", got.Workers[0].CurrentURL)
	require.NotNil(t, got.Global)
	require.Equal(t, 7, got.Global.TotalItems)
}

func TestSubmitJobPublishesTasks(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	submitter := workflow.NewSubmitter(broker, &seqIDs{}, "scraping-tasks", zap.NewNop())
	server := NewServer(Deps{Submitter: submitter, DefaultBatches: 2})

	body := `{"urls":["https://a","https://b","https://c"],"list":{"listSelector":".row","fields":{"t":{"selector":"h2"}}}}`
	rec := serve(t, server, http.MethodPost, "/v1/jobs", []byte(body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var sub workflow.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.Equal(t, "id-1", sub.WorkflowID)
	require.Len(t, sub.TaskIDs, 2)
	require.Len(t, broker.Messages("scraping-tasks"), 2)

	rec = serve(t, server, http.MethodPost, "/v1/jobs",
		[]byte(`{"urls":["https://a","https://b"],"list":{"listSelector":".row"},"batches":1}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, broker.Messages("scraping-tasks"), 3, "explicit batches override the default")
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	submitter := workflow.NewSubmitter(memory.NewBroker(), &seqIDs{}, "tasks", nil)
	server := NewServer(Deps{Submitter: submitter})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{invalid`, "invalid JSON"},
		{"missing urls", `{"urls":[],"list":{"listSelector":".row"}}`, "urls required"},
		{"missing selector", `{"urls":["https://a"]}`, "listSelector required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, server, http.MethodPost, "/v1/jobs", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestSubmitJobWithoutSubmitter(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{}), http.MethodPost, "/v1/jobs", []byte(`{"urls":["https://a"]}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListWorkflowsFromRegistry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	reg := consumer.NewRegistry(time.Hour)
	reg.Track("wf-1", 2, now)
	reg.MarkProcessed("wf-1", "t-1", 5, now)
	reg.MarkProcessed("wf-1", "t-2", 3, now)
	reg.Track("wf-2", 4, now)

	server := NewServer(Deps{Workflows: reg})
	rec := serve(t, server, http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Workflows []workflowDTO `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 2)
	byID := map[string]workflowDTO{}
	for _, wf := range resp.Workflows {
		byID[wf.WorkflowID] = wf
	}
	require.Equal(t, "completed", byID["wf-1"].Status)
	require.Equal(t, int64(8), byID["wf-1"].TotalItems)
	require.Equal(t, []string{"t-1", "t-2"}, byID["wf-1"].ProcessedIDs)
	require.Equal(t, "running", byID["wf-2"].Status)
}

func TestListWorkflowsWithoutConsumer(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{}), http.MethodGet, "/v1/workflows", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListWorkflowsFromRepository(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.runs["wf-db"] = store.WorkflowRun{WorkflowID: "wf-db", Status: store.WorkflowCompleted, TotalTasks: 3}
	server := NewServer(Deps{Repo: repo})

	rec := serve(t, server, http.MethodGet, "/v1/workflows?source=db&status=done&limit=900&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wf-db")
	require.Equal(t, store.WorkflowCompleted, *repo.lastStatus)
	require.Equal(t, maxWorkflowLimit, repo.lastLimit)
	require.Equal(t, 2, repo.lastOffset)

	rec = serve(t, server, http.MethodGet, "/v1/workflows?source=db", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, repo.lastStatus)
	require.Equal(t, defaultWorkflowLimit, repo.lastLimit)
}

func TestListWorkflowsFromRepositoryRejectsBadQuery(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Repo: newFakeRepo()})
	for _, query := range []string{"status=paused", "limit=0", "limit=abc", "offset=-1"} {
		rec := serve(t, server, http.MethodGet, "/v1/workflows?source=db&"+query, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec := serve(t, NewServer(Deps{}), http.MethodGet, "/v1/workflows?source=db", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListWorkflowsRepositoryError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.err = errors.New("db down")
	rec := serve(t, NewServer(Deps{Repo: repo}), http.MethodGet, "/v1/workflows?source=db", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetWorkflowPrefersLiveRegistry(t *testing.T) {
	t.Parallel()

	reg := consumer.NewRegistry(time.Hour)
	reg.Track("wf-live", 1, time.Now())
	repo := newFakeRepo()
	finished := time.Unix(1_700_000_100, 0).UTC()
	repo.runs["wf-old"] = store.WorkflowRun{
		WorkflowID: "wf-old", Status: store.WorkflowCompleted, TotalTasks: 1, ProcessedTasks: 1, FinishedAt: &finished,
	}
	server := NewServer(Deps{Workflows: reg, Repo: repo})

	rec := serve(t, server, http.MethodGet, "/v1/workflows/wf-live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)
	require.Zero(t, repo.gets, "live workflows never hit the repository")

	rec = serve(t, server, http.MethodGet, "/v1/workflows/wf-old", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Workflow workflowDTO `json:"workflow"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp.Workflow.Status)
	require.NotNil(t, resp.Workflow.FinishedAt)
	require.True(t, finished.Equal(*resp.Workflow.FinishedAt))

	rec = serve(t, server, http.MethodGet, "/v1/workflows/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWorkflowWithoutRepository(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{Workflows: consumer.NewRegistry(time.Hour)}), http.MethodGet, "/v1/workflows/x", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflowTasks(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(Deps{}), http.MethodGet, "/v1/workflows/wf-1/tasks", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	msg := "timeout"
	repo := newFakeRepo()
	repo.tasks["wf-1"] = []store.TaskRecord{
		{WorkflowID: "wf-1", TaskID: "t-2", Outcome: store.OutcomeRetried, Attempt: 1, ErrorMessage: &msg},
		{WorkflowID: "wf-1", TaskID: "t-1", Outcome: store.OutcomeProcessed, Items: 4},
	}
	server := NewServer(Deps{Repo: repo})

	rec = serve(t, server, http.MethodGet, "/v1/workflows/wf-1/tasks?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tasks []taskDTO `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 2)
	require.Equal(t, "retried", resp.Tasks[0].Outcome)
	require.Equal(t, "timeout", *resp.Tasks[0].Error)
	require.Equal(t, int64(4), resp.Tasks[1].Items)
	require.Equal(t, 10, repo.lastLimit)

	rec = serve(t, server, http.MethodGet, "/v1/workflows/wf-1/tasks?limit=nope", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{})
	server.router.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	rec := serve(t, server, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijack(t *testing.T) {
	t.Parallel()

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: h, status: http.StatusOK}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	require.ErrorContains(t, err, "hijacker not supported")
}

// --- helpers/fakes ---

func serve(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type fakePool struct {
	active  bool
	workers []pool.WorkerMetrics
	global  *pool.GlobalMetrics
}

func (f *fakePool) IsActive() bool                { return f.active }
func (f *fakePool) ActiveWorkers() int            { return len(f.workers) }
func (f *fakePool) Metrics() []pool.WorkerMetrics { return f.workers }
func (f *fakePool) LastGlobal() (pool.GlobalMetrics, bool) {
	if f.global == nil {
		return pool.GlobalMetrics{}, false
	}
	return *f.global, true
}

type fakeRepo struct {
	mu         sync.Mutex
	runs       map[string]store.WorkflowRun
	tasks      map[string][]store.TaskRecord
	err        error
	gets       int
	lastStatus *store.WorkflowStatus
	lastLimit  int
	lastOffset int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		runs:  make(map[string]store.WorkflowRun),
		tasks: make(map[string][]store.TaskRecord),
	}
}

func (f *fakeRepo) UpsertWorkflowStart(context.Context, string, int64, time.Time) error { return nil }
func (f *fakeRepo) RecordTask(context.Context, store.TaskRecord) error                  { return nil }
func (f *fakeRepo) CompleteWorkflow(context.Context, string, time.Time) error           { return nil }

func (f *fakeRepo) GetWorkflow(_ context.Context, workflowID string) (store.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	run, ok := f.runs[workflowID]
	if !ok {
		return store.WorkflowRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeRepo) ListWorkflows(
	_ context.Context,
	status *store.WorkflowStatus,
	limit, offset int,
) ([]store.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStatus, f.lastLimit, f.lastOffset = status, limit, offset
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.WorkflowRun, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRepo) ListWorkflowTasks(_ context.Context, workflowID string, limit, offset int) ([]store.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks[workflowID], nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
