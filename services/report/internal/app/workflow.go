package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bsm/redislock"
	"github.com/google/uuid"

	"bmsreport/pkg/checklist"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/notify"
	"bmsreport/pkg/numbering"
	"bmsreport/pkg/store"
)

// Submit validates the caller's draft against the checklist rules, freezes
// its content and moves it to PENDING_APPROVAL. Notifications are queued
// in the same transaction.
func (a *App) Submit(ctx context.Context, id domain.Identity, reportID string) (domain.Report, error) {
	if id.Role != domain.RoleBMS {
		return domain.Report{}, domain.ErrForbidden
	}
	r, ok, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok {
		return domain.Report{}, domain.ErrNotFound
	}
	if r.CreatedBy != id.UserID {
		return domain.Report{}, domain.ErrForbidden
	}
	if !r.IsDraft() {
		return domain.Report{}, domain.ErrAlreadySubmitted
	}
	if r.StoreCode == "" {
		return domain.Report{}, domain.ValidationErrors{storeRequired()}
	}
	st, err := a.resolveStore(ctx, r.StoreCode)
	if err != nil {
		return domain.Report{}, err
	}
	excluded, err := a.excludedCategories(ctx, r.StoreCode)
	if err != nil {
		return domain.Report{}, err
	}
	sheet, err := checklist.FromReport(a.catalog, r.Answers, r.Estimations, checklist.WithExcludedCategories(excluded...))
	if err != nil {
		return domain.Report{}, err
	}
	if err := sheet.ValidateStep1(); err != nil {
		return domain.Report{}, err
	}
	if err := sheet.ValidateStep2(); err != nil {
		return domain.Report{}, err
	}

	r.StoreName, r.BranchName = st.Name, st.BranchName
	r.Answers = sheet.ActiveAnswers()
	r.Estimations = sheet.Estimations()
	r.TotalEstimation = sheet.GrandTotal()
	if !numbering.Matches(r.ReportNumber, r.StoreCode) {
		number, err := a.numbers.Allocate(ctx, r.StoreCode)
		if err != nil {
			return domain.Report{}, err
		}
		r.ReportNumber = number
	}
	r.CreatedAt = a.now()
	r.UpdatedAt = r.CreatedAt
	r.Status = domain.ReportPendingApproval

	event, err := newEvent(r, store.EventReportSubmitted, notify.EventPayload{ActingUser: id.UserID})
	if err != nil {
		return domain.Report{}, err
	}
	if err := a.store.SubmitReport(ctx, r, []store.OutboxEvent{event}); err != nil {
		return domain.Report{}, err
	}
	a.logger.Info("report submitted", "report_id", r.ID, "report_number", r.ReportNumber, "excluded_categories", excluded)
	a.kick()
	return r, nil
}

// Decide records an approver's decision. A pending report may be approved
// or rejected; a rejected report may be decided again. When two approvers
// race, the first one wins and the other gets ErrInvalidTransition or
// ErrDecisionInProgress.
func (a *App) Decide(ctx context.Context, id domain.Identity, reportID, rawAction, notes string) (domain.Report, error) {
	if !id.Role.CanDecide() {
		return domain.Report{}, domain.ErrForbidden
	}
	action, ok := domain.ParseDecision(strings.TrimSpace(rawAction))
	if !ok {
		return domain.Report{}, domain.ValidationErrors{{
			Field:   "action",
			Code:    "ACTION_INVALID",
			Message: "action must be APPROVE or REJECT",
		}}
	}
	if a.locker != nil {
		lock, err := a.locker.Obtain(ctx, "report:decide:"+reportID, decisionLockTTL, nil)
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			return domain.Report{}, domain.ErrDecisionInProgress
		case err != nil:
			// The status compare-and-set below still serializes decisions.
			a.logger.Warn("decision lock unavailable; proceeding without lock", "report_id", reportID, "err", err)
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					a.logger.Warn("release decision lock failed", "report_id", reportID, "err", err)
				}
			}()
		}
	}

	r, ok, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok || r.IsDraft() {
		return domain.Report{}, domain.ErrNotFound
	}
	if r.Status != domain.ReportPendingApproval && r.Status != domain.ReportRejected {
		return domain.Report{}, domain.ErrInvalidTransition
	}

	now := a.now()
	entry := domain.ApprovalLogEntry{
		ID:         uuid.NewString(),
		ReportID:   r.ID,
		ActingUser: id.UserID,
		Action:     action,
		Notes:      strings.TrimSpace(notes),
		CreatedAt:  now,
	}
	to := action.Status()
	decided := r
	decided.Status = to
	event, err := newEvent(decided, store.EventReportDecided, notify.EventPayload{
		ActingUser: id.UserID,
		Action:     action,
		Notes:      entry.Notes,
	})
	if err != nil {
		return domain.Report{}, err
	}
	if err := a.store.TransitionReport(ctx, store.Transition{
		ReportID: r.ID,
		From:     []domain.ReportStatus{r.Status},
		To:       to,
		Log:      &entry,
		Events:   []store.OutboxEvent{event},
		At:       now,
	}); err != nil {
		return domain.Report{}, err
	}
	a.logger.Info("report decided", "report_id", r.ID, "from", r.Status, "to", to, "acting_user", id.UserID)
	a.kick()
	decided.UpdatedAt = now
	return decided, nil
}

// Complete closes an approved report. Only its creator or an admin may do so.
func (a *App) Complete(ctx context.Context, id domain.Identity, reportID string) (domain.Report, error) {
	r, ok, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok || r.IsDraft() {
		return domain.Report{}, domain.ErrNotFound
	}
	if r.CreatedBy != id.UserID && id.Role != domain.RoleAdmin {
		return domain.Report{}, domain.ErrForbidden
	}
	if r.Status != domain.ReportApproved {
		return domain.Report{}, domain.ErrInvalidTransition
	}
	now := a.now()
	done := r
	done.Status = domain.ReportCompleted
	event, err := newEvent(done, store.EventReportCompleted, notify.EventPayload{ActingUser: id.UserID})
	if err != nil {
		return domain.Report{}, err
	}
	if err := a.store.TransitionReport(ctx, store.Transition{
		ReportID: r.ID,
		From:     []domain.ReportStatus{domain.ReportApproved},
		To:       domain.ReportCompleted,
		Events:   []store.OutboxEvent{event},
		At:       now,
	}); err != nil {
		return domain.Report{}, err
	}
	a.kick()
	done.UpdatedAt = now
	return done, nil
}

func newEvent(r domain.Report, kind string, p notify.EventPayload) (store.OutboxEvent, error) {
	p.ReportNumber = r.ReportNumber
	p.StoreCode = r.StoreCode
	p.Status = r.Status
	body, err := json.Marshal(p)
	if err != nil {
		return store.OutboxEvent{}, err
	}
	return store.OutboxEvent{
		ID:       uuid.NewString(),
		ReportID: r.ID,
		Kind:     kind,
		Payload:  body,
	}, nil
}
