package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
)

// UploadPhoto stores a photo for itemID under the caller's draft and returns
// its URL. The client records the URL in its answers on the next save.
func (a *App) UploadPhoto(ctx context.Context, id domain.Identity, reportID, itemID, filename string, r io.Reader) (string, error) {
	if id.Role != domain.RoleBMS {
		return "", domain.ErrForbidden
	}
	itemID = strings.TrimSpace(itemID)
	if _, ok := a.catalog.Item(itemID); !ok {
		return "", domain.ValidationErrors{{
			ItemID:  itemID,
			Code:    domain.CodeUnknownItem,
			Message: fmt.Sprintf("item %q is not part of the checklist", itemID),
		}}
	}
	draft, ok, err := a.store.GetDraftByCreator(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", media.ErrDraftRequired
	}
	if reportID != "" && reportID != draft.ID {
		return "", a.staleDraftError(ctx, reportID)
	}
	ref, err := media.ConfirmDraft(draft)
	if err != nil {
		return "", err
	}
	url, err := a.media.Upload(ctx, ref, itemID, filename, r)
	if err != nil {
		return "", err
	}
	a.logger.Debug("photo uploaded", "report_id", draft.ID, "item_id", itemID)
	return url, nil
}

// DeletePhoto removes a photo the caller uploaded to their own draft. URLs
// outside the managed bucket are ignored.
func (a *App) DeletePhoto(ctx context.Context, id domain.Identity, photoURL string) error {
	if id.Role != domain.RoleBMS {
		return domain.ErrForbidden
	}
	key, ok := a.media.KeyFromURL(photoURL)
	if !ok {
		return nil
	}
	reportID, ok := media.ReportIDFromKey(key)
	if !ok {
		return domain.ErrForbidden
	}
	draft, ok, err := a.store.GetDraftByCreator(ctx, id.UserID)
	if err != nil {
		return err
	}
	if !ok || draft.ID != reportID {
		return domain.ErrForbidden
	}
	a.media.Remove(ctx, photoURL)
	return nil
}

// SnapshotURL returns a short-lived link to the stored PDF snapshot of a
// submitted report.
func (a *App) SnapshotURL(ctx context.Context, id domain.Identity, reportID string) (string, error) {
	r, err := a.readable(ctx, id, reportID)
	if err != nil {
		return "", err
	}
	if r.IsDraft() {
		return "", domain.ErrNotFound
	}
	return a.objects.PresignGet(ctx, media.SnapshotKey(r.ID, r.ReportNumber), a.presignExpiry)
}
