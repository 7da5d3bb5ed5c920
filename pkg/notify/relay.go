package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bmsreport/internal/util"
	"bmsreport/pkg/queue"
	"bmsreport/pkg/store"
)

// OutboxStore is the slice of the store the relay needs.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, workerID string, limit int, staleBefore time.Time) ([]store.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, cause string) error
}

// Enqueuer accepts notification jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) (queue.Job, error)
}

// Relay moves committed outbox events onto the job queue. It polls on an
// interval and wakes early when kicked after a transition.
type Relay struct {
	outbox   OutboxStore
	jobs     Enqueuer
	workerID string
	interval time.Duration
	lease    time.Duration
	batch    int
	logger   *slog.Logger
	kick     chan struct{}
	now      func() time.Time
}

type RelayConfig struct {
	Interval time.Duration
	Lease    time.Duration
	Batch    int
	Logger   *slog.Logger
}

func NewRelay(outbox OutboxStore, jobs Enqueuer, cfg RelayConfig) (*Relay, error) {
	if outbox == nil || jobs == nil {
		return nil, errors.New("relay requires outbox store and job queue")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		outbox:   outbox,
		jobs:     jobs,
		workerID: "relay-" + util.NewID(),
		interval: cfg.Interval,
		lease:    cfg.Lease,
		batch:    cfg.Batch,
		logger:   cfg.Logger,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}, nil
}

// Kick wakes the relay loop. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.RelayOnce(ctx)
			if err != nil {
				r.logger.Warn("outbox relay failed", "err", err)
				break
			}
			if n < r.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// RelayOnce claims one batch and enqueues it. It returns how many events
// reached the queue.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.ClaimOutbox(ctx, r.workerID, r.batch, r.now().UTC().Add(-r.lease))
	if err != nil {
		return 0, err
	}
	relayed := 0
	for _, evt := range events {
		_, err := r.jobs.Enqueue(ctx, queue.Task{
			ID:       evt.ID,
			ReportID: evt.ReportID,
			Kind:     evt.Kind,
			Payload:  evt.Payload,
		})
		if err != nil {
			r.logger.Warn("enqueue notification failed", "event_id", evt.ID, "kind", evt.Kind, "attempts", evt.Attempts, "err", err)
			if merr := r.outbox.MarkOutboxFailed(ctx, evt.ID, err.Error()); merr != nil {
				r.logger.Warn("mark outbox failed", "event_id", evt.ID, "err", merr)
			}
			continue
		}
		relayed++
		if err := r.outbox.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			// The lease expires and the event is relayed again; Enqueue
			// dedupes on the event id.
			r.logger.Warn("mark outbox processed", "event_id", evt.ID, "err", err)
		}
	}
	return relayed, nil
}
