package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bmsreport/pkg/domain"
	"bmsreport/pkg/queue"
	"bmsreport/services/notifier/internal/app"
)

type fakeJobs struct {
	jobs map[string]queue.Job
	err  error
}

func (f *fakeJobs) Start(context.Context, int, queue.Handler) {}

func (f *fakeJobs) GetJob(_ context.Context, id string) (queue.Job, bool, error) {
	if f.err != nil {
		return queue.Job{}, false, f.err
	}
	job, ok := f.jobs[id]
	return job, ok, nil
}

func newTestServer(t *testing.T, jobs *fakeJobs) http.Handler {
	t.Helper()
	a, err := app.New(app.Config{
		Jobs:    jobs,
		Handler: func(context.Context, queue.Job) error { return nil },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: a, InternalToken: "s3cret"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeJobs{})
	if rec := get(h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestJobStatusRequiresInternalToken(t *testing.T) {
	h := newTestServer(t, &fakeJobs{jobs: map[string]queue.Job{"evt-1": {ID: "evt-1"}}})
	for _, token := range []string{"", "wrong"} {
		rec := get(h, "/notifier/jobs/evt-1", token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
		var body map[string]string
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body["code"] != domain.CodeInvalidToken || body["requestId"] == "" {
			t.Fatalf("unexpected body %v", body)
		}
	}
}

func TestJobStatus(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]queue.Job{
		"evt-1": {ID: "evt-1", ReportID: "report-1", Kind: "report.submitted", Status: queue.StatusDone, Attempts: 1},
	}}
	h := newTestServer(t, jobs)

	rec := get(h, "/notifier/jobs/evt-1", "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job queue.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != queue.StatusDone || job.ReportID != "report-1" {
		t.Fatalf("unexpected job %+v", job)
	}

	if rec := get(h, "/notifier/jobs/missing", "s3cret"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	jobs.err = errors.New("redis down")
	if rec := get(h, "/notifier/jobs/evt-1", "s3cret"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
