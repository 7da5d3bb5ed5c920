package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmsreport/pkg/autosave"
	"bmsreport/pkg/catalog"
	"bmsreport/pkg/checklist"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/form"
	"bmsreport/pkg/reportclient"
)

func photoPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		img.Set(x, x%30, color.RGBA{B: 180, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFormSessionSubmitsThroughClient(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	cat, err := catalog.Load([]byte(testCatalog))
	require.NoError(t, err)

	staff, err := reportclient.New(ts.URL, reportclient.StaticToken("tok-bms"))
	require.NoError(t, err)
	session := form.NewSession(staff, cat, form.WithAutosaveOptions(autosave.WithDebounce(time.Hour)))
	defer session.Close()

	require.NoError(t, session.SelectStore(ctx, "ckol"))
	require.NoError(t, session.SetCondition("A1", domain.ConditionDamaged))
	url, err := session.TakePhoto(ctx, "A1", "dinding.png", bytes.NewReader(photoPNG(t)))
	require.NoError(t, err)
	assert.Contains(t, url, "/Bandung_Timur/CKOL/")
	require.NoError(t, session.SetHandler("A1", domain.HandlerSelf))
	_, err = session.AddLine("A1", checklist.LineInput{
		MaterialName: "Cat Tembok",
		Quantity:     decimal.NewFromInt(2),
		Unit:         "kaleng",
		UnitPrice:    decimal.NewFromInt(75000),
	})
	require.NoError(t, err)
	require.NoError(t, session.SetCondition("A2", domain.ConditionGood))
	_, err = session.TakePhoto(ctx, "A2", "plafon.png", bytes.NewReader(photoPNG(t)))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150000).Equal(session.GrandTotal()))

	report, err := session.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CKOL-2610-001", report.ReportNumber)
	assert.Equal(t, domain.ReportPendingApproval, report.Status)
	assert.True(t, decimal.NewFromInt(150000).Equal(report.TotalEstimation))

	_, err = staff.Submit(ctx, report.ID)
	require.ErrorIs(t, err, domain.ErrAlreadySubmitted)
	_, err = staff.Decide(ctx, report.ID, domain.ActionApproved, "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	approver, err := reportclient.New(ts.URL, reportclient.StaticToken("tok-bmc"))
	require.NoError(t, err)
	_, err = approver.Decide(ctx, report.ID, domain.ActionRejected, "foto buram")
	require.NoError(t, err)
	decided, err := approver.Decide(ctx, report.ID, domain.ActionApproved, "sudah jelas")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportApproved, decided.Status)

	detail, err := staff.GetReport(ctx, report.ID)
	require.NoError(t, err)
	require.Len(t, detail.Log, 2)
	assert.Equal(t, domain.ActionRejected, detail.Log[0].Action)
	require.NotNil(t, detail.Decision)
	assert.Equal(t, domain.ActionApproved, detail.Decision.Action)

	_, ok, err := staff.CurrentDraft(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecondFormResumesOpenDraft(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	cat, err := catalog.Load([]byte(testCatalog))
	require.NoError(t, err)
	staff, err := reportclient.New(ts.URL, reportclient.StaticToken("tok-bms"))
	require.NoError(t, err)
	newSession := func() *form.Session {
		s := form.NewSession(staff, cat, form.WithAutosaveOptions(autosave.WithDebounce(time.Hour)))
		t.Cleanup(s.Close)
		return s
	}

	first := newSession()
	require.NoError(t, first.SelectStore(ctx, "CKOL"))
	require.NoError(t, first.SetCondition("A1", domain.ConditionDamaged))
	_, err = first.TakePhoto(ctx, "A1", "dinding.png", bytes.NewReader(photoPNG(t)))
	require.NoError(t, err)
	draftID := first.Identity().ReportID
	first.Close()

	second := newSession()
	err = second.SelectStore(ctx, "CKOL")
	var open *form.ExistingDraftError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, draftID, open.Draft.ID)

	_, err = staff.UpsertDraft(ctx, domain.DraftPayload{StoreCode: "CKOL", ClientSeq: 1})
	require.ErrorIs(t, err, domain.ErrDraftExists)

	require.NoError(t, second.Resume(ctx, open.Draft))
	require.NoError(t, second.SetCondition("A2", domain.ConditionGood))
	_, err = second.TakePhoto(ctx, "A2", "plafon.png", bytes.NewReader(photoPNG(t)))
	require.NoError(t, err)
	assert.Equal(t, draftID, second.Identity().ReportID)

	draft, ok, err := staff.CurrentDraft(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, draftID, draft.ID)
	assert.Len(t, draft.Answers, 2)
}

func TestClientSeesServerValidationAndExpiry(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	staff, err := reportclient.New(ts.URL, reportclient.StaticToken("tok-bms"))
	require.NoError(t, err)
	receipt, err := staff.UpsertDraft(ctx, domain.DraftPayload{
		StoreCode: "CKOL",
		Answers:   []domain.ChecklistAnswer{{ItemID: "A1", Condition: domain.ConditionGood}},
		ClientSeq: 1,
	})
	require.NoError(t, err)
	_, err = staff.Submit(ctx, receipt.ReportID)
	violations, ok := domain.AsValidationErrors(err)
	require.True(t, ok, "got %v", err)
	focus, _ := violations.Focus()
	assert.Equal(t, "A1", focus.ItemID)
	assert.Equal(t, domain.CodePhotoRequired, focus.Code)

	var expired atomic.Int32
	stale, err := reportclient.New(ts.URL, reportclient.StaticToken("tok-old"), reportclient.WithSessionExpired(func() { expired.Add(1) }))
	require.NoError(t, err)
	_, _, err = stale.CurrentDraft(ctx)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Equal(t, int32(1), expired.Load())
}
