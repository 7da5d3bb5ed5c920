package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bmsreport/pkg/queue"
)

func newQueue(t *testing.T, maxRetries int) *queue.RedisJobQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisJobQueue(client, queue.RedisQueueConfig{
		Stream:     "test:notify",
		Group:      "notifier",
		Consumer:   "worker",
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitForStatus(t *testing.T, a *App, jobID, status string) queue.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := a.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s", jobID, status)
	return queue.Job{}
}

func TestNewRequiresQueueAndHandler(t *testing.T) {
	if _, err := New(Config{Handler: func(context.Context, queue.Job) error { return nil }}); err == nil {
		t.Fatalf("expected error without queue")
	}
	if _, err := New(Config{Jobs: newQueue(t, 1)}); err == nil {
		t.Fatalf("expected error without handler")
	}
}

func TestStartRetriesUntilHandlerSucceeds(t *testing.T) {
	q := newQueue(t, 3)
	var calls atomic.Int32
	a, err := New(Config{
		Jobs: q,
		Handler: func(_ context.Context, job queue.Job) error {
			if calls.Add(1) == 1 {
				return errors.New("mail broker down")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if _, err := q.Enqueue(ctx, queue.Task{ID: "evt-1", ReportID: "report-1", Kind: "report.submitted"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := waitForStatus(t, a, "evt-1", queue.StatusDone)
	if job.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("expected two attempts, got job %+v calls %d", job, calls.Load())
	}
}

func TestStartMarksJobFailedAfterRetries(t *testing.T) {
	q := newQueue(t, 1)
	a, err := New(Config{
		Jobs:    q,
		Handler: func(context.Context, queue.Job) error { return errors.New("render failed") },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if _, err := q.Enqueue(ctx, queue.Task{ID: "evt-2", ReportID: "report-2", Kind: "report.decided"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job := waitForStatus(t, a, "evt-2", queue.StatusFailed)
	if job.ErrorMessage != "render failed" {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
}
