package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bmsreport/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bms.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s, err := NewGormStoreWithDB(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func sampleDraft(id, creator string) domain.Report {
	return domain.Report{
		ID:           id,
		ReportNumber: "CKOL-2610-001",
		StoreCode:    "CKOL",
		StoreName:    "Cikole",
		BranchName:   "Bandung",
		CreatedBy:    creator,
		Answers: []domain.ChecklistAnswer{
			{ItemID: "A1", Condition: domain.ConditionDamaged, Handler: domain.HandlerSelf, PhotoURL: "https://blob/a1.jpg"},
			{ItemID: "A2", Condition: domain.ConditionAbsent},
		},
		Estimations: map[string][]domain.EstimationLine{
			"A1": {{ItemID: "A1", MaterialName: "Cat", Quantity: decimal.NewFromInt(2), Unit: "kaleng", UnitPrice: decimal.NewFromInt(50000), LineTotal: decimal.NewFromInt(100000)}},
		},
		TotalEstimation: decimal.NewFromInt(100000),
		ClientSeq:       1,
	}
}

func TestDraftLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateDraft(ctx, sampleDraft("r1", "u1")); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	second := sampleDraft("r2", "u1")
	second.ReportNumber = "CKOL-2610-002"
	if err := s.CreateDraft(ctx, second); !errors.Is(err, domain.ErrDraftExists) {
		t.Fatalf("expected ErrDraftExists, got %v", err)
	}

	got, ok, err := s.GetDraftByCreator(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("get draft: ok=%v err=%v", ok, err)
	}
	if len(got.Answers) != 2 || got.Answers[0].ItemID != "A1" || len(got.Estimations["A1"]) != 1 {
		t.Fatalf("unexpected draft content %+v", got)
	}
	if !got.Estimations["A1"][0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("quantity not round-tripped: %s", got.Estimations["A1"][0].Quantity)
	}

	update := sampleDraft("r1", "u1")
	update.ClientSeq = 3
	update.Answers = update.Answers[:1]
	if applied, err := s.UpdateDraft(ctx, update); err != nil || !applied {
		t.Fatalf("update draft: applied=%v err=%v", applied, err)
	}
	stale := sampleDraft("r1", "u1")
	stale.ClientSeq = 2
	if applied, err := s.UpdateDraft(ctx, stale); err != nil || applied {
		t.Fatalf("stale update must be ignored: applied=%v err=%v", applied, err)
	}
	// replaying the same save is idempotent
	if applied, err := s.UpdateDraft(ctx, update); err != nil || !applied {
		t.Fatalf("replay: applied=%v err=%v", applied, err)
	}
	got, _, _ = s.GetDraftByCreator(ctx, "u1")
	if len(got.Answers) != 1 || got.ClientSeq != 3 {
		t.Fatalf("expected newest content, got %d answers seq=%d", len(got.Answers), got.ClientSeq)
	}

	if deleted, err := s.DeleteDraft(ctx, "r1", "someone-else"); err != nil || deleted {
		t.Fatalf("foreign delete must be a no-op: deleted=%v err=%v", deleted, err)
	}
	if deleted, err := s.DeleteDraft(ctx, "r1", "u1"); err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := s.GetDraftByCreator(ctx, "u1"); ok {
		t.Fatalf("expected draft to be gone")
	}
}

func TestSubmitAndTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.CreateDraft(ctx, sampleDraft("r1", "u1")); err != nil {
		t.Fatalf("create draft: %v", err)
	}

	submitted := sampleDraft("r1", "u1")
	submitted.CreatedAt = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	events := []OutboxEvent{{ReportID: "r1", Kind: EventReportSubmitted}}
	if err := s.SubmitReport(ctx, submitted, events); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.SubmitReport(ctx, submitted, events); !errors.Is(err, domain.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
	if err := s.SubmitReport(ctx, sampleDraft("missing", "u1"), nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, ok, err := s.FindReportByNumber(ctx, "CKOL-2610-001")
	if err != nil || !ok || got.Status != domain.ReportPendingApproval || !got.CreatedAt.Equal(submitted.CreatedAt) {
		t.Fatalf("unexpected submitted report %+v ok=%v err=%v", got, ok, err)
	}

	reject := Transition{
		ReportID: "r1",
		From:     []domain.ReportStatus{domain.ReportPendingApproval},
		To:       domain.ReportRejected,
		Log:      &domain.ApprovalLogEntry{ActingUser: "bmc", Action: domain.ActionRejected, Notes: "foto buram"},
	}
	if err := s.TransitionReport(ctx, reject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := s.TransitionReport(ctx, reject); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second reject, got %v", err)
	}
	approve := Transition{
		ReportID: "r1",
		From:     []domain.ReportStatus{domain.ReportPendingApproval, domain.ReportRejected},
		To:       domain.ReportApproved,
		Log:      &domain.ApprovalLogEntry{ActingUser: "bmc", Action: domain.ActionApproved},
		At:       time.Now().UTC().Add(time.Second),
	}
	if err := s.TransitionReport(ctx, approve); err != nil {
		t.Fatalf("approve: %v", err)
	}

	logs, err := s.ListApprovalLogs(ctx, "r1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d err=%v", len(logs), err)
	}
	current, ok := domain.CurrentDecision(domain.ReportApproved, logs)
	if !ok || current.Action != domain.ActionApproved {
		t.Fatalf("unexpected current decision %+v", current)
	}
}

func TestApprovalLogKeepsRecordingOrderWithinOneTick(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.CreateDraft(ctx, sampleDraft("r1", "u1")); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	tick := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	submitted := sampleDraft("r1", "u1")
	submitted.CreatedAt = tick
	if err := s.SubmitReport(ctx, submitted, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	steps := []struct {
		id     string
		to     domain.ReportStatus
		action domain.ApprovalAction
	}{
		{"log-c", domain.ReportRejected, domain.ActionRejected},
		{"log-b", domain.ReportRejected, domain.ActionRejected},
		{"log-a", domain.ReportApproved, domain.ActionApproved},
	}
	for _, step := range steps {
		err := s.TransitionReport(ctx, Transition{
			ReportID: "r1",
			From:     []domain.ReportStatus{domain.ReportPendingApproval, domain.ReportRejected},
			To:       step.to,
			Log:      &domain.ApprovalLogEntry{ID: step.id, ActingUser: "bmc", Action: step.action, CreatedAt: tick},
			At:       tick,
		})
		if err != nil {
			t.Fatalf("transition %s: %v", step.id, err)
		}
	}

	logs, err := s.ListApprovalLogs(ctx, "r1")
	if err != nil || len(logs) != len(steps) {
		t.Fatalf("expected %d log entries, got %d err=%v", len(steps), len(logs), err)
	}
	for i, entry := range logs {
		if entry.ID != steps[i].id || entry.Seq != i+1 {
			t.Fatalf("entry %d: got id=%s seq=%d, want id=%s seq=%d", i, entry.ID, entry.Seq, steps[i].id, i+1)
		}
	}
	current, ok := domain.CurrentDecision(domain.ReportApproved, logs)
	if !ok || current.ID != "log-a" {
		t.Fatalf("unexpected current decision %+v", current)
	}
}

func TestListAndCountReports(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i, creator := range []string{"u1", "u2", "u3"} {
		r := sampleDraft(fmt.Sprintf("r%d", i), creator)
		r.ReportNumber = fmt.Sprintf("CKOL-2610-%03d", i+1)
		if err := s.CreateDraft(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		if i < 2 {
			r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
			if err := s.SubmitReport(ctx, r, nil); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}

	items, total, err := s.ListReports(ctx, domain.ReportFilter{}, domain.Page{Number: 1, Size: 10})
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 submitted reports, got total=%d err=%v", total, err)
	}
	if items[0].ReportNumber != "CKOL-2610-002" {
		t.Fatalf("expected newest first, got %s", items[0].ReportNumber)
	}
	own, total, _ := s.ListReports(ctx, domain.ReportFilter{CreatedBy: "u3", IncludeDrafts: true}, domain.Page{})
	if total != 1 || own[0].Status != domain.ReportDraft {
		t.Fatalf("expected creator listing to include the draft")
	}
	found, total, _ := s.ListReports(ctx, domain.ReportFilter{Search: "2610-001"}, domain.Page{})
	if total != 1 || found[0].ID != "r0" {
		t.Fatalf("unexpected search result %+v", found)
	}

	counts, err := s.CountReportsByStatus(ctx, domain.ReportFilter{})
	if err != nil || counts[domain.ReportPendingApproval] != 2 || counts[domain.ReportDraft] != 0 {
		t.Fatalf("unexpected counts %+v err=%v", counts, err)
	}
}

func TestLastSubmissionByCategory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := sampleDraft("r1", "u1")
	r.Answers = append(r.Answers, domain.ChecklistAnswer{ItemID: "P1", Condition: domain.ConditionOK})
	if err := s.CreateDraft(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	last, err := s.LastSubmissionByCategory(ctx, "CKOL", map[string][]string{"P": {"P1", "P2"}})
	if err != nil || len(last) != 0 {
		t.Fatalf("drafts must not count: %+v err=%v", last, err)
	}
	r.CreatedAt = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := s.SubmitReport(ctx, r, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	last, err = s.LastSubmissionByCategory(ctx, "ckol", map[string][]string{"P": {"P1", "P2"}, "Q": {"Q1"}})
	if err != nil {
		t.Fatalf("last submission: %v", err)
	}
	if !last["P"].Equal(r.CreatedAt) {
		t.Fatalf("expected P at %v, got %v", r.CreatedAt, last["P"])
	}
	if _, ok := last["Q"]; ok {
		t.Fatalf("Q was never submitted")
	}
}

func TestNextSequenceSeedsFromExistingNumbers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := sampleDraft("r1", "u1")
	r.ReportNumber = "CKOL-2610-041"
	if err := s.CreateDraft(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	seq, err := s.NextSequence(ctx, "CKOL-2610")
	if err != nil || seq != 42 {
		t.Fatalf("expected 42, got %d err=%v", seq, err)
	}
	seq, _ = s.NextSequence(ctx, "CKOL-2610")
	if seq != 43 {
		t.Fatalf("expected 43, got %d", seq)
	}
	if seq, _ := s.NextSequence(ctx, "CKOL-2611"); seq != 1 {
		t.Fatalf("new month must restart at 1, got %d", seq)
	}
}

func TestNextSequenceConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSequence(ctx, "XXXX-2610")
			if err != nil {
				t.Errorf("next sequence: %v", err)
				return
			}
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct sequences, got %d", len(seen))
	}
}

func TestOutboxClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.CreateDraft(ctx, sampleDraft("r1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := sampleDraft("r1", "u1")
	r.CreatedAt = time.Now().UTC()
	if err := s.SubmitReport(ctx, r, []OutboxEvent{{ReportID: "r1", Kind: EventReportSubmitted, Payload: []byte(`{"n":1}`)}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	claimed, err := s.ClaimOutbox(ctx, "w1", 10, time.Now().UTC().Add(-time.Minute))
	if err != nil || len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("claim: %+v err=%v", claimed, err)
	}
	again, _ := s.ClaimOutbox(ctx, "w2", 10, time.Now().UTC().Add(-time.Minute))
	if len(again) != 0 {
		t.Fatalf("leased events must not be claimed twice")
	}
	if err := s.MarkOutboxFailed(ctx, claimed[0].ID, "redis down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	retry, _ := s.ClaimOutbox(ctx, "w2", 10, time.Now().UTC().Add(-time.Minute))
	if len(retry) != 1 || retry[0].Attempts != 2 || string(retry[0].Payload) != `{"n":1}` {
		t.Fatalf("expected failed event to be retried: %+v", retry)
	}
	if err := s.MarkOutboxProcessed(ctx, retry[0].ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if left, _ := s.ClaimOutbox(ctx, "w3", 10, time.Now().UTC().Add(time.Minute)); len(left) != 0 {
		t.Fatalf("processed events must not be claimed")
	}
}

func TestUsersAndStores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created, err := s.UpsertUserByEmail(ctx, domain.User{ID: "u1", Email: "Budi@Toko.id", Name: "Budi", Role: domain.RoleBMC, Status: domain.StatusActive, PasswordHash: "h1"})
	if err != nil || !created {
		t.Fatalf("upsert create: created=%v err=%v", created, err)
	}
	created, err = s.UpsertUserByEmail(ctx, domain.User{ID: "ignored", Email: "budi@toko.id", Name: "Budi S", Role: domain.RoleBMC, Status: domain.StatusActive})
	if err != nil || created {
		t.Fatalf("upsert update: created=%v err=%v", created, err)
	}
	u, ok, _ := s.GetUserByEmail(ctx, "BUDI@toko.id")
	if !ok || u.ID != "u1" || u.Name != "Budi S" || u.PasswordHash != "h1" {
		t.Fatalf("unexpected user %+v", u)
	}
	approvers, _ := s.ListUsersByRole(ctx, domain.RoleBMC)
	if len(approvers) != 1 {
		t.Fatalf("expected one approver")
	}

	if err := s.SaveStore(ctx, domain.Store{Code: "ckol", Name: "Cikole", BranchName: "Bandung"}); err != nil {
		t.Fatalf("save store: %v", err)
	}
	st, ok, _ := s.GetStore(ctx, "CKOL")
	if !ok || st.Name != "Cikole" {
		t.Fatalf("unexpected store %+v", st)
	}
	stores, _ := s.ListStores(ctx, "Bandung")
	if len(stores) != 1 {
		t.Fatalf("expected one store in Bandung")
	}
}
