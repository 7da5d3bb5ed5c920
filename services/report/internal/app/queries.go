package app

import (
	"context"

	"bmsreport/pkg/domain"
)

// ReportDetail is a report with its decision history.
type ReportDetail struct {
	domain.Report
	Log      []domain.ApprovalLogEntry `json:"log"`
	Decision *domain.ApprovalLogEntry  `json:"decision,omitempty"`
}

type ReportPage struct {
	Items []domain.Report `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
}

// GetReport returns a report the caller may read, with its decision log and
// the entry explaining its current status.
func (a *App) GetReport(ctx context.Context, id domain.Identity, reportID string) (ReportDetail, error) {
	r, err := a.readable(ctx, id, reportID)
	if err != nil {
		return ReportDetail{}, err
	}
	entries, err := a.store.ListApprovalLogs(ctx, r.ID)
	if err != nil {
		return ReportDetail{}, err
	}
	detail := ReportDetail{Report: r, Log: entries}
	if current, ok := domain.CurrentDecision(r.Status, entries); ok {
		detail.Decision = &current
	}
	return detail, nil
}

// FindReportByNumber looks a report up by its human-readable number.
func (a *App) FindReportByNumber(ctx context.Context, id domain.Identity, number string) (ReportDetail, error) {
	r, ok, err := a.store.FindReportByNumber(ctx, number)
	if err != nil {
		return ReportDetail{}, err
	}
	if !ok {
		return ReportDetail{}, domain.ErrNotFound
	}
	return a.GetReport(ctx, id, r.ID)
}

// readable loads a report and applies read access: creators see their own
// reports, approvers and admins see every submitted report.
func (a *App) readable(ctx context.Context, id domain.Identity, reportID string) (domain.Report, error) {
	r, ok, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok {
		return domain.Report{}, domain.ErrNotFound
	}
	if r.CreatedBy == id.UserID {
		return r, nil
	}
	if r.IsDraft() {
		return domain.Report{}, domain.ErrNotFound
	}
	if !id.Role.CanDecide() {
		return domain.Report{}, domain.ErrForbidden
	}
	return r, nil
}

// ListReports lists reports visible to the caller. Staff only see their own
// reports; approvers see every submitted report.
func (a *App) ListReports(ctx context.Context, id domain.Identity, filter domain.ReportFilter, page domain.Page) (ReportPage, error) {
	filter = a.scope(id, filter)
	page = page.Normalize()
	items, total, err := a.store.ListReports(ctx, filter, page)
	if err != nil {
		return ReportPage{}, err
	}
	return ReportPage{Items: items, Total: total, Page: page.Number, Size: page.Size}, nil
}

// CountByStatus powers the dashboard counters.
func (a *App) CountByStatus(ctx context.Context, id domain.Identity, filter domain.ReportFilter) (map[domain.ReportStatus]int, error) {
	return a.store.CountReportsByStatus(ctx, a.scope(id, filter))
}

func (a *App) scope(id domain.Identity, filter domain.ReportFilter) domain.ReportFilter {
	filter.StoreCode = normalizeStoreCode(filter.StoreCode)
	if !id.Role.CanDecide() {
		filter.CreatedBy = id.UserID
		return filter
	}
	if filter.CreatedBy != id.UserID {
		filter.IncludeDrafts = false
		if filter.Status == domain.ReportDraft {
			filter.Status = ""
		}
	}
	return filter
}
