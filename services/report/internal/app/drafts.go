package app

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"bmsreport/pkg/checklist"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/numbering"
)

// StartDraft reserves an empty draft so that photos can be attached before
// any answer is saved.
func (a *App) StartDraft(ctx context.Context, id domain.Identity, storeCode string) (domain.Report, error) {
	if id.Role != domain.RoleBMS {
		return domain.Report{}, domain.ErrForbidden
	}
	if _, ok, err := a.store.GetDraftByCreator(ctx, id.UserID); err != nil {
		return domain.Report{}, err
	} else if ok {
		return domain.Report{}, domain.ErrDraftExists
	}
	r, err := a.newDraft(ctx, id, domain.DraftPayload{StoreCode: storeCode})
	if err != nil {
		return domain.Report{}, err
	}
	if err := a.store.CreateDraft(ctx, r); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}

// GetCurrentDraft returns the caller's unsubmitted draft, if any.
func (a *App) GetCurrentDraft(ctx context.Context, id domain.Identity) (domain.Report, bool, error) {
	if id.Role != domain.RoleBMS {
		return domain.Report{}, false, domain.ErrForbidden
	}
	return a.store.GetDraftByCreator(ctx, id.UserID)
}

// UpsertDraft stores the full form state of the caller's draft, creating
// the draft on first save. Saves carrying an older ClientSeq than the one
// stored are acknowledged with Applied=false and change nothing. A save
// without a ReportID whose ClientSeq is not ahead of the stored draft comes
// from a form that never resumed that draft and fails with ErrDraftExists.
func (a *App) UpsertDraft(ctx context.Context, id domain.Identity, p domain.DraftPayload) (domain.DraftReceipt, error) {
	if id.Role != domain.RoleBMS {
		return domain.DraftReceipt{}, domain.ErrForbidden
	}
	existing, ok, err := a.store.GetDraftByCreator(ctx, id.UserID)
	if err != nil {
		return domain.DraftReceipt{}, err
	}
	if p.ReportID != "" && (!ok || existing.ID != p.ReportID) {
		return domain.DraftReceipt{}, a.staleDraftError(ctx, p.ReportID)
	}
	if ok && p.ReportID == "" && p.ClientSeq <= existing.ClientSeq {
		return domain.DraftReceipt{}, domain.ErrDraftExists
	}
	if !ok {
		r, err := a.newDraft(ctx, id, p)
		if err != nil {
			return domain.DraftReceipt{}, err
		}
		err = a.store.CreateDraft(ctx, r)
		if err == nil {
			return receipt(r, true), nil
		}
		if !errors.Is(err, domain.ErrDraftExists) {
			return domain.DraftReceipt{}, err
		}
		// Lost a race against another save of the same creator.
		existing, ok, err = a.store.GetDraftByCreator(ctx, id.UserID)
		if err != nil {
			return domain.DraftReceipt{}, err
		}
		if !ok {
			return domain.DraftReceipt{}, domain.ErrDraftConflict
		}
		if p.ClientSeq <= existing.ClientSeq {
			return domain.DraftReceipt{}, domain.ErrDraftExists
		}
	}
	return a.updateDraft(ctx, existing, p)
}

func (a *App) updateDraft(ctx context.Context, existing domain.Report, p domain.DraftPayload) (domain.DraftReceipt, error) {
	r, err := a.applyPayload(ctx, existing, p)
	if err != nil {
		return domain.DraftReceipt{}, err
	}
	applied, err := a.store.UpdateDraft(ctx, r)
	if err != nil {
		return domain.DraftReceipt{}, err
	}
	if applied {
		return receipt(r, true), nil
	}
	current, ok, err := a.store.GetReport(ctx, existing.ID)
	if err != nil {
		return domain.DraftReceipt{}, err
	}
	if !ok || !current.IsDraft() {
		return domain.DraftReceipt{}, domain.ErrAlreadySubmitted
	}
	return receipt(current, false), nil
}

func (a *App) newDraft(ctx context.Context, id domain.Identity, p domain.DraftPayload) (domain.Report, error) {
	now := a.now()
	base := domain.Report{
		ID:        uuid.NewString(),
		Status:    domain.ReportDraft,
		CreatedBy: id.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return a.applyPayload(ctx, base, p)
}

// applyPayload sanitizes p through the checklist rules and merges it into r,
// allocating a report number when r has none or it names another store.
func (a *App) applyPayload(ctx context.Context, r domain.Report, p domain.DraftPayload) (domain.Report, error) {
	sheet, err := checklist.FromReport(a.catalog, p.Answers, p.Estimations)
	if err != nil {
		return domain.Report{}, err
	}
	code := normalizeStoreCode(p.StoreCode)
	r.StoreCode, r.StoreName, r.BranchName = "", "", ""
	if code != "" {
		st, err := a.resolveStore(ctx, code)
		if err != nil {
			return domain.Report{}, err
		}
		r.StoreCode, r.StoreName, r.BranchName = st.Code, st.Name, st.BranchName
	}
	if r.ReportNumber == "" || (code != "" && !numbering.Matches(r.ReportNumber, code)) {
		number, err := a.numbers.Allocate(ctx, code)
		if err != nil {
			return domain.Report{}, err
		}
		r.ReportNumber = number
	}
	r.Answers = sheet.Answers()
	r.Estimations = sheet.Estimations()
	r.TotalEstimation = sheet.GrandTotal()
	r.ClientSeq = p.ClientSeq
	r.UpdatedAt = a.now()
	return r, nil
}

// staleDraftError explains why a save names a draft the caller no longer has.
func (a *App) staleDraftError(ctx context.Context, reportID string) error {
	r, ok, err := a.store.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	if ok && !r.IsDraft() {
		return domain.ErrAlreadySubmitted
	}
	return domain.ErrDraftConflict
}

// DiscardDraft deletes the caller's draft and, best effort, its photos.
func (a *App) DiscardDraft(ctx context.Context, id domain.Identity) error {
	if id.Role != domain.RoleBMS {
		return domain.ErrForbidden
	}
	draft, ok, err := a.store.GetDraftByCreator(ctx, id.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	deleted, err := a.store.DeleteDraft(ctx, draft.ID, id.UserID)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}
	for _, url := range draft.PhotoURLs() {
		a.media.Remove(ctx, url)
	}
	a.logger.Info("draft discarded", "report_id", draft.ID, "report_number", draft.ReportNumber)
	return nil
}

func receipt(r domain.Report, applied bool) domain.DraftReceipt {
	return domain.DraftReceipt{
		ReportID:     r.ID,
		ReportNumber: r.ReportNumber,
		ClientSeq:    r.ClientSeq,
		Applied:      applied,
		SavedAt:      r.UpdatedAt,
	}
}
