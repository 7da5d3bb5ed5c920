package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"bmsreport/pkg/catalog"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
	"bmsreport/pkg/queue"
	"bmsreport/pkg/storage"
	"bmsreport/pkg/store"
)

const maxPhotoBytes = 5 << 20

// EventPayload is the body of report outbox events.
type EventPayload struct {
	ReportNumber string                `json:"reportNumber"`
	StoreCode    string                `json:"storeCode"`
	Status       domain.ReportStatus   `json:"status"`
	ActingUser   string                `json:"actingUser"`
	Action       domain.ApprovalAction `json:"action,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// ReportReader is the slice of the store the dispatcher reads.
type ReportReader interface {
	GetReport(ctx context.Context, id string) (domain.Report, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	ListUsersByRole(ctx context.Context, role domain.UserRole) ([]domain.User, error)
}

// Dispatcher handles notification jobs.
type Dispatcher struct {
	reports  ReportReader
	objects  storage.ObjectStore
	photos   PhotoOpener
	renderer Renderer
	mailer   Mailer
	catalog  *catalog.Catalog
	fetchers int
	logger   *slog.Logger
}

type DispatcherConfig struct {
	Reports  ReportReader
	Objects  storage.ObjectStore
	Photos   PhotoOpener
	Renderer Renderer
	Mailer   Mailer
	Catalog  *catalog.Catalog
	// Fetchers bounds concurrent photo downloads while rendering.
	Fetchers int
	Logger   *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Reports == nil || cfg.Objects == nil || cfg.Photos == nil || cfg.Renderer == nil || cfg.Mailer == nil {
		return nil, errors.New("dispatcher requires reports, objects, photos, renderer and mailer")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Fetchers <= 0 {
		cfg.Fetchers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		reports:  cfg.Reports,
		objects:  cfg.Objects,
		photos:   cfg.Photos,
		renderer: cfg.Renderer,
		mailer:   cfg.Mailer,
		catalog:  cfg.Catalog,
		fetchers: cfg.Fetchers,
		logger:   cfg.Logger,
	}, nil
}

// Handle is a queue.Handler.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	var payload EventPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			d.logger.Error("drop job with bad payload", "job_id", job.ID, "err", err)
			return nil
		}
	}
	r, ok, err := d.reports.GetReport(ctx, job.ReportID)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Warn("drop job for missing report", "job_id", job.ID, "report_id", job.ReportID)
		return nil
	}
	switch job.Kind {
	case store.EventReportSubmitted:
		return d.reportSubmitted(ctx, job, r)
	case store.EventReportDecided:
		return d.reportDecided(ctx, job, r, payload)
	case store.EventReportCompleted:
		return d.reportCompleted(ctx, job, r)
	default:
		d.logger.Warn("drop job of unknown kind", "job_id", job.ID, "kind", job.Kind)
		return nil
	}
}

func (d *Dispatcher) reportSubmitted(ctx context.Context, job queue.Job, r domain.Report) error {
	creator := d.userName(ctx, r.CreatedBy)
	snap := BuildSnapshot(r, d.catalog, creator)
	if err := d.loadPhotos(ctx, &snap); err != nil {
		return err
	}
	pdf, err := d.renderer.Render(ctx, snap)
	if err != nil {
		return fmt.Errorf("render snapshot: %w", err)
	}
	key := media.SnapshotKey(r.ID, r.ReportNumber)
	if err := d.objects.Put(ctx, key, bytes.NewReader(pdf), int64(len(pdf)), "application/pdf"); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	to, err := d.approverEmails(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("report snapshot stored", "report_id", r.ID, "key", key, "recipients", len(to))
	return d.mailer.Send(ctx, Mail{
		ID:          job.ID + ":approvers",
		To:          to,
		Subject:     "Laporan " + r.ReportNumber + " menunggu persetujuan",
		Body:        submittedBody(snap),
		ReportID:    r.ID,
		SnapshotKey: key,
	})
}

func (d *Dispatcher) reportDecided(ctx context.Context, job queue.Job, r domain.Report, p EventPayload) error {
	creator, ok, err := d.reports.GetUserByID(ctx, r.CreatedBy)
	if err != nil {
		return err
	}
	if !ok || creator.Email == "" {
		d.logger.Warn("decision has no reachable creator", "report_id", r.ID, "created_by", r.CreatedBy)
		return nil
	}
	verdict := "disetujui"
	if p.Action == domain.ActionRejected {
		verdict = "ditolak"
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Laporan %s untuk toko %s telah %s oleh %s.\n", r.ReportNumber, r.StoreCode, verdict, d.userName(ctx, p.ActingUser))
	if p.Notes != "" {
		fmt.Fprintf(&body, "Catatan: %s\n", p.Notes)
	}
	return d.mailer.Send(ctx, Mail{
		ID:       job.ID + ":creator",
		To:       []string{creator.Email},
		Subject:  "Laporan " + r.ReportNumber + " " + verdict,
		Body:     body.String(),
		ReportID: r.ID,
	})
}

func (d *Dispatcher) reportCompleted(ctx context.Context, job queue.Job, r domain.Report) error {
	to, err := d.approverEmails(ctx)
	if err != nil {
		return err
	}
	return d.mailer.Send(ctx, Mail{
		ID:       job.ID + ":approvers",
		To:       to,
		Subject:  "Laporan " + r.ReportNumber + " selesai",
		Body:     fmt.Sprintf("Pekerjaan untuk laporan %s di toko %s telah diselesaikan.\n", r.ReportNumber, r.StoreCode),
		ReportID: r.ID,
	})
}

// loadPhotos downloads item photos concurrently. A missing photo leaves its
// page out rather than failing the whole snapshot.
func (d *Dispatcher) loadPhotos(ctx context.Context, snap *Snapshot) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fetchers)
	for i := range snap.Items {
		item := &snap.Items[i]
		if item.PhotoURL == "" {
			continue
		}
		g.Go(func() error {
			photo, err := d.fetchPhoto(gctx, item.PhotoURL)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					d.logger.Warn("snapshot photo missing", "report_id", snap.ReportID, "item_id", item.ItemID)
					return nil
				}
				return fmt.Errorf("fetch photo %s: %w", item.ItemID, err)
			}
			item.Photo = photo
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) fetchPhoto(ctx context.Context, url string) ([]byte, error) {
	rc, err := d.photos.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxPhotoBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPhotoBytes {
		return nil, media.ErrPhotoTooLarge
	}
	return data, nil
}

func (d *Dispatcher) approverEmails(ctx context.Context) ([]string, error) {
	users, err := d.reports.ListUsersByRole(ctx, domain.RoleBMC)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.Status == domain.StatusDisabled || u.Email == "" {
			continue
		}
		out = append(out, u.Email)
	}
	return out, nil
}

func (d *Dispatcher) userName(ctx context.Context, id string) string {
	u, ok, err := d.reports.GetUserByID(ctx, id)
	if err != nil || !ok || u.Name == "" {
		return id
	}
	return u.Name
}
