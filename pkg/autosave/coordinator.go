package autosave

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bmsreport/pkg/domain"
)

const DefaultDebounce = 2 * time.Second

var ErrClosed = errors.New("autosave coordinator closed")

// Saver persists a full draft payload.
type Saver interface {
	UpsertDraft(ctx context.Context, payload domain.DraftPayload) (domain.DraftReceipt, error)
}

// Identity is the server-assigned identity of the draft being edited.
type Identity struct {
	ReportID     string
	ReportNumber string
}

type Option func(*Coordinator)

func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSaveTimeout bounds a single background save.
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.saveTimeout = d
		}
	}
}

// Coordinator turns a stream of form snapshots into debounced draft upserts.
// Saves may overlap; each carries a monotonically increasing ClientSeq and
// responses only move the identity forward.
type Coordinator struct {
	saver       Saver
	debounce    time.Duration
	saveTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	pending     *domain.DraftPayload
	timer       *time.Timer
	gen         uint64
	seq         int64
	identity    Identity
	identitySeq int64
	closed      bool
}

func New(saver Saver, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		saver:       saver,
		debounce:    DefaultDebounce,
		saveTimeout: 15 * time.Second,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resume seeds the identity from a draft loaded from the server.
func (c *Coordinator) Resume(id Identity, clientSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
	if clientSeq > c.seq {
		c.seq = clientSeq
	}
	c.identitySeq = clientSeq
}

// Identity returns the latest accepted draft identity.
func (c *Coordinator) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Seq returns the last ClientSeq handed out.
func (c *Coordinator) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Observe records the latest form state and restarts the quiescence window.
func (c *Coordinator) Observe(snapshot domain.DraftPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = &snapshot
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(gen) })
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	payload := *c.pending
	c.pending = nil
	if payload.Empty() && c.identity.ReportID == "" {
		c.mu.Unlock()
		return
	}
	payload = c.stampLocked(payload)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.saveTimeout)
		defer cancel()
		if _, err := c.save(ctx, payload); err != nil {
			if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("draft autosave failed", "client_seq", payload.ClientSeq, "report_id", payload.ReportID, "err", err)
		}
	}()
}

// Flush saves the latest state now, even when it is empty, so callers can
// obtain a draft identity before uploading a photo or submitting. It fails
// with domain.ErrDraftExists when the save left the form without a draft of
// its own, which happens when another draft was started and not resumed.
func (c *Coordinator) Flush(ctx context.Context, snapshot domain.DraftPayload) (Identity, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Identity{}, ErrClosed
	}
	c.gen++
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	payload := c.stampLocked(snapshot)
	c.mu.Unlock()

	if _, err := c.save(ctx, payload); err != nil {
		return Identity{}, err
	}
	id := c.Identity()
	if id.ReportID == "" {
		return Identity{}, domain.ErrDraftExists
	}
	return id, nil
}

// Close stops the debounce timer and abandons in-flight saves.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) stampLocked(payload domain.DraftPayload) domain.DraftPayload {
	c.seq++
	payload.ClientSeq = c.seq
	if c.identity.ReportID != "" {
		payload.ReportID = c.identity.ReportID
		payload.ReportNumber = c.identity.ReportNumber
	}
	return payload
}

func (c *Coordinator) save(ctx context.Context, payload domain.DraftPayload) (domain.DraftReceipt, error) {
	receipt, err := c.saver.UpsertDraft(ctx, payload)
	if err != nil {
		return domain.DraftReceipt{}, err
	}
	c.accept(payload.ClientSeq, receipt)
	return receipt, nil
}

// accept applies a save response only when it is at least as new as the
// identity we hold and refers to the same draft.
func (c *Coordinator) accept(sentSeq int64, receipt domain.DraftReceipt) {
	if strings.TrimSpace(receipt.ReportID) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !receipt.Applied {
		level := slog.LevelDebug
		if c.identity.ReportID == "" {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "draft save not applied",
			"client_seq", sentSeq, "stored_client_seq", receipt.ClientSeq, "report_id", receipt.ReportID)
		return
	}
	if sentSeq < c.identitySeq {
		return
	}
	if c.identity.ReportID != "" && c.identity.ReportID != receipt.ReportID {
		c.logger.Warn("ignoring draft receipt for a different report",
			"current_report_id", c.identity.ReportID, "receipt_report_id", receipt.ReportID)
		return
	}
	c.identity = Identity{ReportID: receipt.ReportID, ReportNumber: receipt.ReportNumber}
	c.identitySeq = sentSeq
}
