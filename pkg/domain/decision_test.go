package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCurrentDecisionFollowsStatus(t *testing.T) {
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	entries := []ApprovalLogEntry{
		{ID: "1", Action: ActionRejected, Notes: "foto buram", CreatedAt: base},
		{ID: "2", Action: ActionApproved, Notes: "ok", CreatedAt: base.Add(time.Hour)},
	}

	got, ok := CurrentDecision(ReportApproved, entries)
	if !ok || got.ID != "2" {
		t.Fatalf("approved report should show entry 2, got %+v ok=%v", got, ok)
	}
	got, ok = CurrentDecision(ReportCompleted, entries)
	if !ok || got.ID != "2" {
		t.Fatalf("completed report should show the approval, got %+v ok=%v", got, ok)
	}
	got, ok = CurrentDecision(ReportRejected, entries)
	if !ok || got.ID != "1" {
		t.Fatalf("rejected report should show entry 1, got %+v ok=%v", got, ok)
	}
	if _, ok := CurrentDecision(ReportPendingApproval, entries); ok {
		t.Fatalf("pending report has no current decision")
	}
}

func TestValidationErrorsMatchSentinel(t *testing.T) {
	err := fmt.Errorf("submit: %w", ValidationErrors{{ItemID: "A1", Code: CodePhotoRequired, Message: "photo required"}})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected errors.Is to match ErrValidationFailed")
	}
	v, ok := AsValidationErrors(err)
	if !ok {
		t.Fatalf("expected violation list")
	}
	focus, ok := v.Focus()
	if !ok || focus.ItemID != "A1" {
		t.Fatalf("unexpected focus %+v", focus)
	}
	if ValidationErrors(nil).Err() != nil {
		t.Fatalf("empty list must not be an error")
	}
}

func TestParseDecision(t *testing.T) {
	if a, ok := ParseDecision("APPROVE"); !ok || a.Status() != ReportApproved {
		t.Fatalf("APPROVE should map to APPROVED")
	}
	if a, ok := ParseDecision("reject"); !ok || a.Status() != ReportRejected {
		t.Fatalf("reject should map to REJECTED")
	}
	if _, ok := ParseDecision("COMPLETE"); ok {
		t.Fatalf("COMPLETE is not a decision")
	}
}
