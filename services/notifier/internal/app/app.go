// Package app runs the notification worker: it consumes report events from
// the job queue and hands each one to a handler.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bmsreport/pkg/queue"
)

// JobQueue is the consumer side of the notification queue.
type JobQueue interface {
	Start(ctx context.Context, concurrency int, handler queue.Handler)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds runtime dependencies.
type Config struct {
	Jobs        JobQueue
	Handler     queue.Handler
	Concurrency int
	Logger      *slog.Logger
}

// App processes notification jobs.
type App struct {
	jobs        JobQueue
	handler     queue.Handler
	concurrency int
	logger      *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("job queue required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("job handler required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &App{
		jobs:        cfg.Jobs,
		handler:     cfg.Handler,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

// Start launches the consumers. They stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.jobs.Start(ctx, a.concurrency, a.handle)
	a.logger.Info("notification consumers started", "concurrency", a.concurrency)
}

// GetJob returns the status of a job by id.
func (a *App) GetJob(ctx context.Context, jobID string) (queue.Job, bool, error) {
	return a.jobs.GetJob(ctx, jobID)
}

func (a *App) handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	err := a.handler(ctx, job)
	attrs := []any{
		"job_id", job.ID,
		"report_id", job.ReportID,
		"kind", job.Kind,
		"attempt", job.Attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		a.logger.Warn("notification job failed", append(attrs, "err", err)...)
		return err
	}
	a.logger.Info("notification job done", attrs...)
	return nil
}
