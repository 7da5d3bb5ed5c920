// Package notify turns report outbox events into side effects: the PDF
// snapshot of a submitted report and email messages to the people involved.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bmsreport/pkg/catalog"
	"bmsreport/pkg/domain"
)

// Mail is an email message handed to the mail transport. ID is stable
// across retries so the gateway can drop duplicates.
type Mail struct {
	ID          string   `json:"id"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	ReportID    string   `json:"reportId"`
	SnapshotKey string   `json:"snapshotKey,omitempty"`
}

// Mailer delivers mail.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// Renderer produces the PDF snapshot of a report.
type Renderer interface {
	Render(ctx context.Context, s Snapshot) ([]byte, error)
}

// Snapshot is the printable view of a submitted report.
type Snapshot struct {
	ReportID        string          `json:"reportId"`
	ReportNumber    string          `json:"reportNumber"`
	StoreCode       string          `json:"storeCode"`
	StoreName       string          `json:"storeName"`
	BranchName      string          `json:"branchName"`
	CreatedBy       string          `json:"createdBy"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	TotalEstimation decimal.Decimal `json:"totalEstimation"`
	Items           []SnapshotItem  `json:"items"`
}

type SnapshotItem struct {
	CategoryTitle string                  `json:"categoryTitle"`
	ItemID        string                  `json:"itemId"`
	ItemName      string                  `json:"itemName"`
	Condition     domain.Condition        `json:"condition"`
	Handler       domain.Handler          `json:"handler,omitempty"`
	Notes         string                  `json:"notes,omitempty"`
	PhotoURL      string                  `json:"photoUrl,omitempty"`
	Lines         []domain.EstimationLine `json:"lines,omitempty"`

	// Photo is filled by the dispatcher before rendering; it is not part of
	// the JSON sent to remote renderers.
	Photo []byte `json:"-"`
}

// Caption is the text printed under the item's photo.
func (i SnapshotItem) Caption() string {
	parts := []string{i.ItemID + " " + i.ItemName, string(i.Condition)}
	if i.Handler != domain.HandlerUnset {
		parts = append(parts, string(i.Handler))
	}
	return strings.Join(parts, " / ")
}

// BuildSnapshot lays the report's answers out in catalog order.
func BuildSnapshot(r domain.Report, cat *catalog.Catalog, creatorName string) Snapshot {
	byItem := make(map[string]domain.ChecklistAnswer, len(r.Answers))
	for _, a := range r.Answers {
		byItem[a.ItemID] = a
	}
	s := Snapshot{
		ReportID:        r.ID,
		ReportNumber:    r.ReportNumber,
		StoreCode:       r.StoreCode,
		StoreName:       r.StoreName,
		BranchName:      r.BranchName,
		CreatedBy:       creatorName,
		SubmittedAt:     r.CreatedAt,
		TotalEstimation: r.TotalEstimation,
	}
	for _, category := range cat.Categories() {
		for _, item := range category.Items {
			a, ok := byItem[item.ID]
			if !ok {
				continue
			}
			s.Items = append(s.Items, SnapshotItem{
				CategoryTitle: category.Title,
				ItemID:        item.ID,
				ItemName:      item.Name,
				Condition:     a.Condition,
				Handler:       a.Handler,
				Notes:         a.Notes,
				PhotoURL:      a.PhotoURL,
				Lines:         r.Estimations[item.ID],
			})
		}
	}
	return s
}

// PhotoOpener reads a stored photo by its public URL.
type PhotoOpener interface {
	Open(ctx context.Context, photoURL string) (io.ReadCloser, error)
}

func formatRupiah(d decimal.Decimal) string {
	raw := d.StringFixed(0)
	neg := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && (len(raw)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-Rp " + b.String()
	}
	return "Rp " + b.String()
}

func submittedBody(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Laporan %s untuk toko %s (%s), cabang %s, menunggu persetujuan.\n", s.ReportNumber, s.StoreName, s.StoreCode, s.BranchName)
	fmt.Fprintf(&b, "Dibuat oleh: %s\n", s.CreatedBy)
	fmt.Fprintf(&b, "Total estimasi: %s\n", formatRupiah(s.TotalEstimation))
	for _, item := range s.Items {
		if item.Condition != domain.ConditionDamaged && item.Condition != domain.ConditionNotOK {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", item.Caption())
	}
	return b.String()
}
