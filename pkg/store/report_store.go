package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bmsreport/pkg/domain"
	"bmsreport/pkg/numbering"
)

var errStaleDraft = errors.New("stale draft update")

// GetDraftByCreator returns the creator's live draft, if any.
func (s *GormStore) GetDraftByCreator(ctx context.Context, creatorID string) (domain.Report, bool, error) {
	var model ReportModel
	err := s.db.WithContext(ctx).
		Where("created_by = ? AND status = ?", creatorID, string(domain.ReportDraft)).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Report{}, false, nil
	}
	if err != nil {
		return domain.Report{}, false, classify(err)
	}
	report, err := s.loadReport(s.db.WithContext(ctx), model)
	if err != nil {
		return domain.Report{}, false, err
	}
	return report, true, nil
}

// CreateDraft persists a new draft with its answers and lines. A second
// live draft for the same creator fails with ErrDraftExists.
func (s *GormStore) CreateDraft(ctx context.Context, r domain.Report) error {
	r.Status = domain.ReportDraft
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := reportToModel(r)
		if err := tx.Create(&model).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrDraftExists
			}
			return err
		}
		return replaceChildren(tx, r)
	})
	if err != nil {
		return fmt.Errorf("create draft: %w", classify(err))
	}
	return nil
}

// UpdateDraft overwrites a draft when r.ClientSeq is not older than the
// stored one. It returns false when the update was ignored.
func (s *GormStore) UpdateDraft(ctx context.Context, r domain.Report) (bool, error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReportModel{}).
			Where("id = ? AND status = ? AND client_seq <= ?", r.ID, string(domain.ReportDraft), r.ClientSeq).
			Updates(map[string]any{
				"report_number":    r.ReportNumber,
				"store_code":       r.StoreCode,
				"store_name":       r.StoreName,
				"branch_name":      r.BranchName,
				"total_estimation": r.TotalEstimation,
				"client_seq":       r.ClientSeq,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleDraft
		}
		return replaceChildren(tx, r)
	})
	if errors.Is(err, errStaleDraft) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update draft: %w", classify(err))
	}
	return true, nil
}

// DeleteDraft removes a creator's draft and its children.
func (s *GormStore) DeleteDraft(ctx context.Context, id, creatorID string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND created_by = ? AND status = ?", id, creatorID, string(domain.ReportDraft)).
			Delete(&ReportModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		if err := tx.Delete(&ReportAnswerModel{}, "report_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&EstimationLineModel{}, "report_id = ?", id).Error
	})
	if err != nil {
		return false, fmt.Errorf("delete draft: %w", classify(err))
	}
	return deleted, nil
}

// GetReport retrieves a report with answers and lines.
func (s *GormStore) GetReport(ctx context.Context, id string) (domain.Report, bool, error) {
	return s.findReport(ctx, "id = ?", id)
}

// FindReportByNumber retrieves a report by its human-readable number.
func (s *GormStore) FindReportByNumber(ctx context.Context, number string) (domain.Report, bool, error) {
	return s.findReport(ctx, "report_number = ?", number)
}

func (s *GormStore) findReport(ctx context.Context, query string, arg any) (domain.Report, bool, error) {
	var model ReportModel
	db := s.db.WithContext(ctx)
	if err := db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Report{}, false, nil
		}
		return domain.Report{}, false, classify(err)
	}
	report, err := s.loadReport(db, model)
	if err != nil {
		return domain.Report{}, false, err
	}
	return report, true, nil
}

func (s *GormStore) loadReport(db *gorm.DB, model ReportModel) (domain.Report, error) {
	var answers []ReportAnswerModel
	if err := db.Where("report_id = ?", model.ID).Order("position ASC").Find(&answers).Error; err != nil {
		return domain.Report{}, classify(err)
	}
	var lines []EstimationLineModel
	if err := db.Where("report_id = ?", model.ID).Order("item_id ASC").Order("position ASC").Find(&lines).Error; err != nil {
		return domain.Report{}, classify(err)
	}
	report := reportFromModel(model)
	report.Answers = make([]domain.ChecklistAnswer, 0, len(answers))
	for _, a := range answers {
		report.Answers = append(report.Answers, domain.ChecklistAnswer{
			ItemID:    a.ItemID,
			Condition: domain.Condition(a.Condition),
			Handler:   domain.Handler(a.Handler),
			PhotoURL:  a.PhotoURL,
			Notes:     a.Notes,
		})
	}
	report.Estimations = make(map[string][]domain.EstimationLine)
	for _, l := range lines {
		report.Estimations[l.ItemID] = append(report.Estimations[l.ItemID], domain.EstimationLine{
			ItemID:       l.ItemID,
			MaterialName: l.MaterialName,
			Quantity:     l.Quantity,
			Unit:         l.Unit,
			UnitPrice:    l.UnitPrice,
			LineTotal:    l.LineTotal,
		})
	}
	return report, nil
}

// ListReports returns report headers (without answers) newest first, plus
// the total number of matches.
func (s *GormStore) ListReports(ctx context.Context, filter domain.ReportFilter, page domain.Page) ([]domain.Report, int, error) {
	page = page.Normalize()
	var total int64
	if err := s.filtered(ctx, filter).Model(&ReportModel{}).Count(&total).Error; err != nil {
		return nil, 0, classify(err)
	}
	var models []ReportModel
	if err := s.filtered(ctx, filter).
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Size).
		Find(&models).Error; err != nil {
		return nil, 0, classify(err)
	}
	items := make([]domain.Report, 0, len(models))
	for _, m := range models {
		items = append(items, reportFromModel(m))
	}
	return items, int(total), nil
}

// CountReportsByStatus counts matches grouped by status.
func (s *GormStore) CountReportsByStatus(ctx context.Context, filter domain.ReportFilter) (map[domain.ReportStatus]int, error) {
	filter.Status = ""
	var rows []struct {
		Status string
		N      int64
	}
	if err := s.filtered(ctx, filter).Model(&ReportModel{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make(map[domain.ReportStatus]int, len(rows))
	for _, row := range rows {
		out[domain.ReportStatus(row.Status)] = int(row.N)
	}
	return out, nil
}

func (s *GormStore) filtered(ctx context.Context, filter domain.ReportFilter) *gorm.DB {
	q := s.db.WithContext(ctx)
	if filter.CreatedBy != "" {
		q = q.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	} else if !filter.IncludeDrafts || filter.CreatedBy == "" {
		q = q.Where("status <> ?", string(domain.ReportDraft))
	}
	if filter.StoreCode != "" {
		q = q.Where("store_code = ?", strings.ToUpper(filter.StoreCode))
	}
	if term := strings.TrimSpace(filter.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("(LOWER(report_number) LIKE ? OR LOWER(store_name) LIKE ?)", like, like)
	}
	return q
}

// SubmitReport freezes a draft: it stores the final content, moves the
// report to PENDING_APPROVAL and records events, all in one transaction.
func (s *GormStore) SubmitReport(ctx context.Context, r domain.Report, events []OutboxEvent) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReportModel{}).
			Where("id = ? AND status = ?", r.ID, string(domain.ReportDraft)).
			Updates(map[string]any{
				"report_number":    r.ReportNumber,
				"store_code":       r.StoreCode,
				"store_name":       r.StoreName,
				"branch_name":      r.BranchName,
				"status":           string(domain.ReportPendingApproval),
				"total_estimation": r.TotalEstimation,
				"created_at":       r.CreatedAt,
				"updated_at":       r.CreatedAt,
			})
		if res.Error != nil {
			if isDuplicateKey(res.Error) {
				return fmt.Errorf("report number %s already used: %w", r.ReportNumber, res.Error)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ReportModel{}).Where("id = ?", r.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrAlreadySubmitted
		}
		if err := replaceChildren(tx, r); err != nil {
			return err
		}
		return insertEvents(tx, events, r.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("submit report: %w", classify(err))
	}
	return nil
}

// TransitionReport applies a status change guarded by the expected current
// status. Losing a race yields ErrInvalidTransition.
func (s *GormStore) TransitionReport(ctx context.Context, t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		from = append(from, string(st))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReportModel{}).
			Where("id = ? AND status IN ?", t.ReportID, from).
			Updates(map[string]any{
				"status":     string(t.To),
				"updated_at": t.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ReportModel{}).Where("id = ?", t.ReportID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrInvalidTransition
		}
		if t.Log != nil {
			entry := approvalLogToModel(*t.Log)
			entry.ReportID = t.ReportID
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = t.At
			}
			// The status update above holds the report row, so seq is
			// assigned one transition at a time.
			var last int
			if err := tx.Model(&ApprovalLogModel{}).
				Where("report_id = ?", t.ReportID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&last).Error; err != nil {
				return err
			}
			entry.Seq = last + 1
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return insertEvents(tx, t.Events, t.At)
	})
	if err != nil {
		return fmt.Errorf("transition report: %w", classify(err))
	}
	return nil
}

// ListApprovalLogs returns the decision history of a report in the order
// the decisions were recorded.
func (s *GormStore) ListApprovalLogs(ctx context.Context, reportID string) ([]domain.ApprovalLogEntry, error) {
	var models []ApprovalLogModel
	if err := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("seq ASC").
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]domain.ApprovalLogEntry, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ApprovalLogEntry{
			ID:         m.ID,
			ReportID:   m.ReportID,
			Seq:        m.Seq,
			ActingUser: m.ActingUser,
			Action:     domain.ApprovalAction(m.Action),
			Notes:      m.Notes,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

// LastSubmissionByCategory returns, per category, when the store last
// submitted a report answering any of its items.
func (s *GormStore) LastSubmissionByCategory(ctx context.Context, storeCode string, itemsByCategory map[string][]string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(itemsByCategory))
	storeCode = strings.ToUpper(strings.TrimSpace(storeCode))
	for categoryID, items := range itemsByCategory {
		if len(items) == 0 {
			continue
		}
		var models []ReportModel
		err := s.db.WithContext(ctx).
			Where("store_code = ? AND status <> ?", storeCode, string(domain.ReportDraft)).
			Where("EXISTS (SELECT 1 FROM report_answer_models a WHERE a.report_id = report_models.id AND a.item_id IN ?)", items).
			Order("created_at DESC").
			Limit(1).
			Find(&models).Error
		if err != nil {
			return nil, classify(err)
		}
		if len(models) > 0 {
			out[categoryID] = models[0].CreatedAt
		}
	}
	return out, nil
}

// NextSequence atomically increments the counter of prefix. The first use
// of a prefix is seeded from report numbers already issued under it.
func (s *GormStore) NextSequence(ctx context.Context, prefix string) (int, error) {
	var seq int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var existing int64
		if err := tx.Model(&ReportCounterModel{}).Where("prefix = ?", prefix).Count(&existing).Error; err != nil {
			return err
		}
		seed := 0
		if existing == 0 {
			var err error
			if seed, err = maxIssuedSequence(tx, prefix); err != nil {
				return err
			}
		}
		counter := ReportCounterModel{Prefix: prefix, LastSeq: seed + 1, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "prefix"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_seq":   gorm.Expr("report_counter_models.last_seq + 1"),
				"updated_at": now,
			}),
		}).Create(&counter).Error; err != nil {
			return err
		}
		var stored ReportCounterModel
		if err := tx.First(&stored, "prefix = ?", prefix).Error; err != nil {
			return err
		}
		seq = stored.LastSeq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", prefix, classify(err))
	}
	return seq, nil
}

func maxIssuedSequence(tx *gorm.DB, prefix string) (int, error) {
	var numbers []string
	if err := tx.Model(&ReportModel{}).
		Where("report_number LIKE ?", prefix+"-%").
		Pluck("report_number", &numbers).Error; err != nil {
		return 0, err
	}
	max := 0
	for _, n := range numbers {
		p, seq, err := numbering.Parse(n)
		if err != nil || p != prefix {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// replaceChildren rewrites answers and lines of r inside tx.
func replaceChildren(tx *gorm.DB, r domain.Report) error {
	if err := tx.Delete(&ReportAnswerModel{}, "report_id = ?", r.ID).Error; err != nil {
		return err
	}
	if err := tx.Delete(&EstimationLineModel{}, "report_id = ?", r.ID).Error; err != nil {
		return err
	}
	if len(r.Answers) > 0 {
		answers := make([]ReportAnswerModel, 0, len(r.Answers))
		for i, a := range r.Answers {
			answers = append(answers, ReportAnswerModel{
				ReportID:  r.ID,
				ItemID:    a.ItemID,
				Position:  i,
				Condition: string(a.Condition),
				Handler:   string(a.Handler),
				PhotoURL:  a.PhotoURL,
				Notes:     a.Notes,
			})
		}
		if err := tx.CreateInBatches(&answers, 200).Error; err != nil {
			return err
		}
	}
	itemIDs := make([]string, 0, len(r.Estimations))
	for itemID := range r.Estimations {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)
	var lines []EstimationLineModel
	for _, itemID := range itemIDs {
		for i, l := range r.Estimations[itemID] {
			lines = append(lines, EstimationLineModel{
				ReportID:     r.ID,
				ItemID:       itemID,
				Position:     i,
				MaterialName: l.MaterialName,
				Quantity:     l.Quantity,
				Unit:         l.Unit,
				UnitPrice:    l.UnitPrice,
				LineTotal:    l.LineTotal,
			})
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return tx.CreateInBatches(&lines, 200).Error
}

func insertEvents(tx *gorm.DB, events []OutboxEvent, at time.Time) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]OutboxModel, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = at
		}
		models = append(models, outboxToModel(e))
	}
	return tx.Create(&models).Error
}

func reportToModel(r domain.Report) ReportModel {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return ReportModel{
		ID:              r.ID,
		ReportNumber:    r.ReportNumber,
		StoreCode:       r.StoreCode,
		StoreName:       r.StoreName,
		BranchName:      r.BranchName,
		Status:          string(r.Status),
		TotalEstimation: r.TotalEstimation,
		CreatedBy:       r.CreatedBy,
		ClientSeq:       r.ClientSeq,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func reportFromModel(m ReportModel) domain.Report {
	return domain.Report{
		ID:              m.ID,
		ReportNumber:    m.ReportNumber,
		StoreCode:       m.StoreCode,
		StoreName:       m.StoreName,
		BranchName:      m.BranchName,
		Status:          domain.ReportStatus(m.Status),
		TotalEstimation: m.TotalEstimation,
		CreatedBy:       m.CreatedBy,
		ClientSeq:       m.ClientSeq,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func approvalLogToModel(e domain.ApprovalLogEntry) ApprovalLogModel {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return ApprovalLogModel{
		ID:         e.ID,
		ReportID:   e.ReportID,
		ActingUser: e.ActingUser,
		Action:     string(e.Action),
		Notes:      e.Notes,
		CreatedAt:  e.CreatedAt,
	}
}
