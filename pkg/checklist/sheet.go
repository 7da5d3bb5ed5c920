// Package checklist keeps a report's answers and estimation lines consistent
// with the catalog while the user edits them.
package checklist

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"bmsreport/pkg/catalog"
	"bmsreport/pkg/domain"
)

var (
	ErrUnknownItem          = errors.New("unknown checklist item")
	ErrCategoryInactive     = errors.New("category is in cooldown for this store")
	ErrConditionNotAllowed  = errors.New("condition not allowed for this category")
	ErrHandlerNotApplicable = errors.New("handler only applies to damaged items")
	ErrInvalidHandler       = errors.New("invalid handler")
	ErrPhotoNotApplicable   = errors.New("photo only applies to GOOD or DAMAGED items")
	ErrNotSelfHandled       = errors.New("estimation lines only apply to damaged items repaired by store staff")
	ErrLineIndex            = errors.New("estimation line index out of range")
)

// LineInput is the user-editable part of an estimation line. The line total
// is always derived.
type LineInput struct {
	MaterialName string
	Quantity     decimal.Decimal
	Unit         string
	UnitPrice    decimal.Decimal
}

type Option func(*Sheet)

// WithOrphanHandler registers a callback for photo URLs that are no longer
// referenced by any answer. Deletion is best effort and must not block.
func WithOrphanHandler(fn func(url string)) Option {
	return func(s *Sheet) {
		s.onOrphan = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sheet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExcludedCategories applies the cooldown gate at construction time.
func WithExcludedCategories(ids ...string) Option {
	return func(s *Sheet) {
		s.ExcludeCategories(ids...)
	}
}

type Sheet struct {
	catalog  *catalog.Catalog
	answers  map[string]domain.ChecklistAnswer
	lines    map[string][]domain.EstimationLine
	excluded map[string]bool
	onOrphan func(url string)
	logger   *slog.Logger
}

func New(cat *catalog.Catalog, opts ...Option) *Sheet {
	s := &Sheet{
		catalog:  cat,
		answers:  make(map[string]domain.ChecklistAnswer),
		lines:    make(map[string][]domain.EstimationLine),
		excluded: make(map[string]bool),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromReport rebuilds a sheet from persisted or client-supplied state. Rules
// are not enforced on load so that validation can report every violation;
// unknown items are rejected and lines on items that are not self-handled
// are dropped.
func FromReport(cat *catalog.Catalog, answers []domain.ChecklistAnswer, estimations map[string][]domain.EstimationLine, opts ...Option) (*Sheet, error) {
	s := New(cat, opts...)
	var unknown domain.ValidationErrors
	for _, a := range answers {
		if _, ok := cat.Item(a.ItemID); !ok {
			unknown = append(unknown, domain.ValidationError{
				ItemID:  a.ItemID,
				Code:    domain.CodeUnknownItem,
				Message: "item is not part of the checklist",
			})
			continue
		}
		a.PhotoURL = strings.TrimSpace(a.PhotoURL)
		if a.Condition != domain.ConditionDamaged {
			a.Handler = domain.HandlerUnset
		}
		s.answers[a.ItemID] = a
	}
	for itemID, lines := range estimations {
		if _, ok := cat.Item(itemID); !ok {
			unknown = append(unknown, domain.ValidationError{
				ItemID:  itemID,
				Code:    domain.CodeUnknownItem,
				Message: "estimation refers to an item outside the checklist",
			})
			continue
		}
		if !s.answers[itemID].SelfHandled() || len(lines) == 0 {
			continue
		}
		out := make([]domain.EstimationLine, 0, len(lines))
		for _, l := range lines {
			out = append(out, newLine(itemID, LineInput{
				MaterialName: l.MaterialName,
				Quantity:     l.Quantity,
				Unit:         l.Unit,
				UnitPrice:    l.UnitPrice,
			}))
		}
		s.lines[itemID] = out
	}
	if len(unknown) > 0 {
		return nil, unknown
	}
	return s, nil
}

// ExcludeCategories replaces the set of categories hidden by the cooldown
// gate. Answers in excluded categories are kept but ignored.
func (s *Sheet) ExcludeCategories(ids ...string) {
	s.excluded = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.excluded[id] = true
	}
}

// ActiveCategories returns the categories the user must answer, in order.
func (s *Sheet) ActiveCategories() []catalog.Category {
	all := s.catalog.Categories()
	out := all[:0]
	for _, c := range all {
		if !s.excluded[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *Sheet) lookup(itemID string) (catalog.Category, error) {
	cat, ok := s.catalog.CategoryOf(itemID)
	if !ok {
		return catalog.Category{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if s.excluded[cat.ID] {
		return catalog.Category{}, fmt.Errorf("%w: %s", ErrCategoryInactive, cat.ID)
	}
	return cat, nil
}

// SetCondition records the condition of an item. Leaving GOOD/DAMAGED drops
// the photo, leaving DAMAGED drops the handler, and any change that makes the
// item no longer self-handled drops its estimation lines.
func (s *Sheet) SetCondition(itemID string, cond domain.Condition) error {
	cat, err := s.lookup(itemID)
	if err != nil {
		return err
	}
	if cond != domain.ConditionUnset && !cat.Allows(cond) {
		return fmt.Errorf("%w: %s on %s", ErrConditionNotAllowed, cond, itemID)
	}
	answer := s.answers[itemID]
	answer.ItemID = itemID
	answer.Condition = cond
	if !cond.RequiresPhoto() && answer.PhotoURL != "" {
		s.orphan(answer.PhotoURL)
		answer.PhotoURL = ""
	}
	if cond != domain.ConditionDamaged {
		answer.Handler = domain.HandlerUnset
	}
	s.store(answer)
	return nil
}

func (s *Sheet) SetHandler(itemID string, h domain.Handler) error {
	if _, err := s.lookup(itemID); err != nil {
		return err
	}
	if h != domain.HandlerUnset && !h.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, h)
	}
	answer := s.answers[itemID]
	if answer.Condition != domain.ConditionDamaged {
		return ErrHandlerNotApplicable
	}
	answer.Handler = h
	s.store(answer)
	return nil
}

// AttachPhoto sets the photo reference of an item. A replaced photo is
// reported as orphaned.
func (s *Sheet) AttachPhoto(itemID, url string) error {
	if _, err := s.lookup(itemID); err != nil {
		return err
	}
	answer := s.answers[itemID]
	if !answer.Condition.RequiresPhoto() {
		return ErrPhotoNotApplicable
	}
	url = strings.TrimSpace(url)
	if answer.PhotoURL != "" && answer.PhotoURL != url {
		s.orphan(answer.PhotoURL)
	}
	answer.PhotoURL = url
	s.store(answer)
	return nil
}

// ClearPhoto removes the photo reference locally. It never fails because of
// remote deletion.
func (s *Sheet) ClearPhoto(itemID string) error {
	if _, ok := s.catalog.Item(itemID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	answer, ok := s.answers[itemID]
	if !ok || answer.PhotoURL == "" {
		return nil
	}
	s.orphan(answer.PhotoURL)
	answer.PhotoURL = ""
	s.store(answer)
	return nil
}

func (s *Sheet) SetNotes(itemID, notes string) error {
	if _, err := s.lookup(itemID); err != nil {
		return err
	}
	answer := s.answers[itemID]
	answer.ItemID = itemID
	answer.Notes = strings.TrimSpace(notes)
	s.store(answer)
	return nil
}

// store writes the answer back and prunes lines that lost their owner.
func (s *Sheet) store(answer domain.ChecklistAnswer) {
	if answer.Condition == domain.ConditionUnset && answer.PhotoURL == "" && answer.Notes == "" {
		delete(s.answers, answer.ItemID)
	} else {
		s.answers[answer.ItemID] = answer
	}
	if !answer.SelfHandled() {
		delete(s.lines, answer.ItemID)
	}
}

func (s *Sheet) orphan(url string) {
	if s.onOrphan == nil {
		return
	}
	s.logger.Debug("photo orphaned", "url", url)
	s.onOrphan(url)
}

func (s *Sheet) AddLine(itemID string, in LineInput) (int, error) {
	if err := s.requireSelfHandled(itemID); err != nil {
		return 0, err
	}
	s.lines[itemID] = append(s.lines[itemID], newLine(itemID, in))
	return len(s.lines[itemID]) - 1, nil
}

func (s *Sheet) UpdateLine(itemID string, idx int, in LineInput) error {
	if err := s.requireSelfHandled(itemID); err != nil {
		return err
	}
	lines := s.lines[itemID]
	if idx < 0 || idx >= len(lines) {
		return ErrLineIndex
	}
	lines[idx] = newLine(itemID, in)
	return nil
}

func (s *Sheet) RemoveLine(itemID string, idx int) error {
	lines := s.lines[itemID]
	if idx < 0 || idx >= len(lines) {
		return ErrLineIndex
	}
	lines = append(lines[:idx:idx], lines[idx+1:]...)
	if len(lines) == 0 {
		delete(s.lines, itemID)
		return nil
	}
	s.lines[itemID] = lines
	return nil
}

func (s *Sheet) requireSelfHandled(itemID string) error {
	if _, err := s.lookup(itemID); err != nil {
		return err
	}
	if !s.answers[itemID].SelfHandled() {
		return ErrNotSelfHandled
	}
	return nil
}

func newLine(itemID string, in LineInput) domain.EstimationLine {
	return domain.EstimationLine{
		ItemID:       itemID,
		MaterialName: strings.TrimSpace(in.MaterialName),
		Quantity:     in.Quantity,
		Unit:         strings.TrimSpace(in.Unit),
		UnitPrice:    in.UnitPrice,
		LineTotal:    in.Quantity.Mul(in.UnitPrice).Round(2),
	}
}

// Answer returns the current answer for itemID.
func (s *Sheet) Answer(itemID string) (domain.ChecklistAnswer, bool) {
	a, ok := s.answers[itemID]
	return a, ok
}

// Lines returns a copy of the estimation lines of itemID.
func (s *Sheet) Lines(itemID string) []domain.EstimationLine {
	return append([]domain.EstimationLine(nil), s.lines[itemID]...)
}

// Answers returns every recorded answer in checklist order.
func (s *Sheet) Answers() []domain.ChecklistAnswer {
	return s.collect(func(string) bool { return true })
}

// ActiveAnswers returns the answers of categories not hidden by cooldown.
func (s *Sheet) ActiveAnswers() []domain.ChecklistAnswer {
	return s.collect(func(categoryID string) bool { return !s.excluded[categoryID] })
}

func (s *Sheet) collect(keep func(categoryID string) bool) []domain.ChecklistAnswer {
	out := make([]domain.ChecklistAnswer, 0, len(s.answers))
	for _, a := range s.answers {
		item, _ := s.catalog.Item(a.ItemID)
		if keep(item.CategoryID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.catalog.Order(out[i].ItemID) < s.catalog.Order(out[j].ItemID)
	})
	return out
}

// Estimations returns a copy of the lines of active self-handled items.
func (s *Sheet) Estimations() map[string][]domain.EstimationLine {
	out := make(map[string][]domain.EstimationLine)
	for _, itemID := range s.SelfHandledItems() {
		if lines := s.lines[itemID]; len(lines) > 0 {
			out[itemID] = append([]domain.EstimationLine(nil), lines...)
		}
	}
	return out
}

// SelfHandledItems lists active items that are DAMAGED and handled by SELF,
// in checklist order.
func (s *Sheet) SelfHandledItems() []string {
	var ids []string
	for _, cat := range s.ActiveCategories() {
		for _, item := range cat.Items {
			if s.answers[item.ID].SelfHandled() {
				ids = append(ids, item.ID)
			}
		}
	}
	return ids
}

// GrandTotal sums the line totals of every active self-handled item.
func (s *Sheet) GrandTotal() decimal.Decimal {
	total := decimal.Zero
	for _, itemID := range s.SelfHandledItems() {
		for _, l := range s.lines[itemID] {
			total = total.Add(l.LineTotal)
		}
	}
	return total
}

// IsEmpty reports whether nothing has been answered yet.
func (s *Sheet) IsEmpty() bool {
	return len(s.answers) == 0 && len(s.lines) == 0
}
