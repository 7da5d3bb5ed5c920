// Package form runs one report form on the client: the checklist sheet,
// debounced draft saving, photo capture and the final submit.
package form

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bmsreport/pkg/autosave"
	"bmsreport/pkg/catalog"
	"bmsreport/pkg/checklist"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
)

// ErrNoStore is returned when an operation needs a selected store.
var ErrNoStore = errors.New("select a store first")

// ExistingDraftError reports a server draft the session has not resumed.
// The caller must Resume or Discard it before starting a new form.
type ExistingDraftError struct {
	Draft domain.Report
}

func (e *ExistingDraftError) Error() string {
	return fmt.Sprintf("draft %s is still open", e.Draft.ReportNumber)
}

func (e *ExistingDraftError) Unwrap() error { return domain.ErrDraftExists }

// Backend is the report service as seen by a form session.
type Backend interface {
	autosave.Saver
	CurrentDraft(ctx context.Context) (domain.Report, bool, error)
	Cooldown(ctx context.Context, storeCode string) ([]domain.CategoryCooldown, error)
	UploadPhoto(ctx context.Context, reportID, itemID, filename string, r io.Reader) (string, error)
	DeletePhoto(ctx context.Context, photoURL string) error
	Submit(ctx context.Context, reportID string) (domain.Report, error)
	DiscardDraft(ctx context.Context) error
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAutosaveOptions passes options to the draft coordinator.
func WithAutosaveOptions(opts ...autosave.Option) Option {
	return func(s *Session) {
		s.autosaveOpts = append(s.autosaveOpts, opts...)
	}
}

func WithCompressOptions(opts media.CompressOptions) Option {
	return func(s *Session) {
		s.compress = opts
	}
}

// Session is a single user's report form. Methods are meant to be called
// from one goroutine, the way UI events arrive; saving and photo cleanup run
// in the background.
type Session struct {
	backend      Backend
	catalog      *catalog.Catalog
	logger       *slog.Logger
	compress     media.CompressOptions
	autosaveOpts []autosave.Option

	sheet     *checklist.Sheet
	saver     *autosave.Coordinator
	storeCode string

	cleanup sync.WaitGroup
}

func NewSession(backend Backend, cat *catalog.Catalog, opts ...Option) *Session {
	if cat == nil {
		cat = catalog.Default()
	}
	s := &Session{
		backend: backend,
		catalog: cat,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sheet = checklist.New(cat, s.sheetOptions()...)
	s.saver = s.newCoordinator()
	return s
}

func (s *Session) sheetOptions() []checklist.Option {
	return []checklist.Option{checklist.WithLogger(s.logger), checklist.WithOrphanHandler(s.removePhoto)}
}

func (s *Session) newCoordinator() *autosave.Coordinator {
	opts := append([]autosave.Option{autosave.WithLogger(s.logger)}, s.autosaveOpts...)
	return autosave.New(s.backend, opts...)
}

// SelectStore picks the store being inspected and hides preventive
// categories that are still in cooldown for it. A session that has no draft
// yet fails with *ExistingDraftError while another draft is open.
func (s *Session) SelectStore(ctx context.Context, storeCode string) error {
	code := strings.ToUpper(strings.TrimSpace(storeCode))
	if code == "" {
		return ErrNoStore
	}
	if s.saver.Identity().ReportID == "" {
		draft, ok, err := s.backend.CurrentDraft(ctx)
		if err != nil {
			return fmt.Errorf("load current draft: %w", err)
		}
		if ok {
			return &ExistingDraftError{Draft: draft}
		}
	}
	excluded, err := s.cooldownExclusions(ctx, code)
	if err != nil {
		return err
	}
	s.sheet.ExcludeCategories(excluded...)
	s.storeCode = code
	s.changed()
	return nil
}

func (s *Session) cooldownExclusions(ctx context.Context, code string) ([]string, error) {
	cooldowns, err := s.backend.Cooldown(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load cooldown: %w", err)
	}
	var excluded []string
	for _, c := range cooldowns {
		if !c.Active {
			excluded = append(excluded, c.CategoryID)
		}
	}
	return excluded, nil
}

func (s *Session) StoreCode() string { return s.storeCode }

// ActiveCategories lists the categories the form currently asks for.
func (s *Session) ActiveCategories() []catalog.Category {
	return s.sheet.ActiveCategories()
}

func (s *Session) SetCondition(itemID string, cond domain.Condition) error {
	return s.mutate(s.sheet.SetCondition(itemID, cond))
}

func (s *Session) SetHandler(itemID string, h domain.Handler) error {
	return s.mutate(s.sheet.SetHandler(itemID, h))
}

func (s *Session) SetNotes(itemID, notes string) error {
	return s.mutate(s.sheet.SetNotes(itemID, notes))
}

func (s *Session) AddLine(itemID string, in checklist.LineInput) (int, error) {
	idx, err := s.sheet.AddLine(itemID, in)
	return idx, s.mutate(err)
}

func (s *Session) UpdateLine(itemID string, idx int, in checklist.LineInput) error {
	return s.mutate(s.sheet.UpdateLine(itemID, idx, in))
}

func (s *Session) RemoveLine(itemID string, idx int) error {
	return s.mutate(s.sheet.RemoveLine(itemID, idx))
}

// ClearPhoto drops the item's photo; the stored blob is removed in the
// background.
func (s *Session) ClearPhoto(itemID string) error {
	return s.mutate(s.sheet.ClearPhoto(itemID))
}

func (s *Session) mutate(err error) error {
	if err != nil {
		return err
	}
	s.changed()
	return nil
}

// TakePhoto compresses a captured image, makes sure the draft has a server
// id, uploads the photo and attaches it to itemID. A photo it replaces is
// removed in the background.
func (s *Session) TakePhoto(ctx context.Context, itemID, filename string, r io.Reader) (string, error) {
	if answer, _ := s.sheet.Answer(itemID); !answer.Condition.RequiresPhoto() {
		if _, ok := s.catalog.Item(itemID); !ok {
			return "", fmt.Errorf("%w: %s", checklist.ErrUnknownItem, itemID)
		}
		return "", checklist.ErrPhotoNotApplicable
	}
	data, err := media.Compress(r, s.compress)
	if err != nil {
		return "", err
	}
	id, err := s.saver.Flush(ctx, s.payload())
	if err != nil {
		return "", fmt.Errorf("save draft before upload: %w", err)
	}
	if id.ReportID == "" {
		return "", media.ErrDraftRequired
	}
	url, err := s.backend.UploadPhoto(ctx, id.ReportID, itemID, filename, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if err := s.sheet.AttachPhoto(itemID, url); err != nil {
		return "", err
	}
	s.changed()
	return url, nil
}

// Resume continues editing a draft loaded from the server.
func (s *Session) Resume(ctx context.Context, draft domain.Report) error {
	if !draft.IsDraft() {
		return domain.ErrAlreadySubmitted
	}
	sheet, err := checklist.FromReport(s.catalog, draft.Answers, draft.Estimations, s.sheetOptions()...)
	if err != nil {
		return err
	}
	if draft.StoreCode != "" {
		excluded, err := s.cooldownExclusions(ctx, draft.StoreCode)
		if err != nil {
			return err
		}
		sheet.ExcludeCategories(excluded...)
	}
	s.sheet = sheet
	s.storeCode = draft.StoreCode
	s.saver.Resume(autosave.Identity{ReportID: draft.ID, ReportNumber: draft.ReportNumber}, draft.ClientSeq)
	return nil
}

// Discard deletes the server draft and starts over with an empty form.
func (s *Session) Discard(ctx context.Context) error {
	id, seq := s.saver.Identity(), s.saver.Seq()
	s.saver.Close()
	if err := s.backend.DiscardDraft(ctx); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.saver = s.newCoordinator()
		s.saver.Resume(id, seq)
		return err
	}
	s.sheet = checklist.New(s.catalog, s.sheetOptions()...)
	s.storeCode = ""
	s.saver = s.newCoordinator()
	return nil
}

// Submit validates the form, saves the latest state and asks the server to
// submit it. Validation failures are returned before anything is sent.
func (s *Session) Submit(ctx context.Context) (domain.Report, error) {
	if s.storeCode == "" {
		return domain.Report{}, domain.ValidationErrors{{
			Field:   "storeCode",
			Code:    domain.CodeStoreRequired,
			Message: "select a store",
		}}
	}
	if err := s.sheet.ValidateStep1(); err != nil {
		return domain.Report{}, err
	}
	if err := s.sheet.ValidateStep2(); err != nil {
		return domain.Report{}, err
	}
	id, err := s.saver.Flush(ctx, s.payload())
	if err != nil {
		return domain.Report{}, fmt.Errorf("save draft before submit: %w", err)
	}
	report, err := s.backend.Submit(ctx, id.ReportID)
	if err != nil {
		return domain.Report{}, err
	}
	s.saver.Close()
	return report, nil
}

// Identity is the draft identity assigned by the server so far.
func (s *Session) Identity() autosave.Identity {
	return s.saver.Identity()
}

func (s *Session) GrandTotal() decimal.Decimal {
	return s.sheet.GrandTotal()
}

func (s *Session) SelfHandledItems() []string {
	return s.sheet.SelfHandledItems()
}

func (s *Session) Answer(itemID string) (domain.ChecklistAnswer, bool) {
	return s.sheet.Answer(itemID)
}

// Close stops background saving and waits for photo cleanup.
func (s *Session) Close() {
	s.saver.Close()
	s.cleanup.Wait()
}

func (s *Session) payload() domain.DraftPayload {
	return domain.DraftPayload{
		StoreCode:   s.storeCode,
		Answers:     s.sheet.Answers(),
		Estimations: s.sheet.Estimations(),
	}
}

func (s *Session) changed() {
	s.saver.Observe(s.payload())
}

func (s *Session) removePhoto(url string) {
	s.cleanup.Add(1)
	go func() {
		defer s.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.backend.DeletePhoto(ctx, url); err != nil {
			s.logger.Warn("photo cleanup failed", "url", url, "err", err)
		}
	}()
}
