// Package media stores checklist photos in blob storage under
// branch/store/reportId/itemId_name.jpg and removes them on request.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"bmsreport/pkg/domain"
	"bmsreport/pkg/storage"
)

const (
	photoContentType = "image/jpeg"
	maxUploadBytes   = 12 << 20
)

var (
	ErrDraftRequired = errors.New("photo upload requires a saved draft")
	ErrPhotoTooLarge = errors.New("photo exceeds upload limit")
)

// DraftRef proves that a persisted draft exists. Uploads take a DraftRef so
// that a photo cannot be stored before its report id is reserved.
type DraftRef struct {
	reportID  string
	storeCode string
	branch    string
}

// ConfirmDraft returns a DraftRef for a saved, still editable report.
func ConfirmDraft(r domain.Report) (DraftRef, error) {
	if strings.TrimSpace(r.ID) == "" || r.Status != domain.ReportDraft {
		return DraftRef{}, ErrDraftRequired
	}
	return DraftRef{reportID: r.ID, storeCode: r.StoreCode, branch: r.BranchName}, nil
}

func (d DraftRef) ReportID() string {
	return d.reportID
}

type Pipeline struct {
	objects  storage.ObjectStore
	base     *url.URL
	compress CompressOptions
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithCompressOptions(opts CompressOptions) Option {
	return func(p *Pipeline) {
		p.compress = opts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline builds a pipeline whose photo URLs are publicBaseURL + "/" + key.
func NewPipeline(objects storage.ObjectStore, publicBaseURL string, opts ...Option) (*Pipeline, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", publicBaseURL)
	}
	p := &Pipeline{objects: objects, base: base, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ObjectKey returns the deterministic key for an item photo. Re-uploading
// the same item and filename overwrites the previous object.
func ObjectKey(ref DraftRef, itemID, filename string) string {
	name := sanitizeFilename(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	if name == "" {
		name = "photo"
	}
	return path.Join(
		segment(ref.branch, "no-branch"),
		segment(ref.storeCode, "no-store"),
		ref.reportID,
		sanitizeFilename(itemID)+"_"+name+".jpg",
	)
}

// ReportIDFromKey extracts the report id segment of a photo key.
func ReportIDFromKey(key string) (string, bool) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) != 4 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// SnapshotKey is the object key of the PDF snapshot of a submitted report.
func SnapshotKey(reportID, reportNumber string) string {
	return path.Join("snapshots", segment(reportID, "no-report"), segment(reportNumber, "report")+".pdf")
}

// Upload stores a photo for itemID and returns its URL. JPEGs already within
// the size target and the edge limit are stored as-is; anything else is
// compressed first.
func (p *Pipeline) Upload(ctx context.Context, ref DraftRef, itemID, filename string, r io.Reader) (string, error) {
	if ref.reportID == "" {
		return "", ErrDraftRequired
	}
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	if len(data) > maxUploadBytes {
		return "", ErrPhotoTooLarge
	}
	opts := p.compress.withDefaults()
	if !fitsLimits(data, opts) {
		if data, err = Compress(bytes.NewReader(data), opts); err != nil {
			return "", err
		}
	}
	key := ObjectKey(ref, itemID, filename)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), photoContentType); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
	}
	return p.PublicURL(key), nil
}

// PublicURL maps an object key to the URL stored in answers.
func (p *Pipeline) PublicURL(key string) string {
	u := *p.base
	u.Path = path.Join(p.base.Path, key)
	return u.String()
}

// KeyFromURL returns the object key of a URL that points into the managed
// bucket. Foreign URLs are reported as unmanaged.
func (p *Pipeline) KeyFromURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !strings.EqualFold(u.Scheme, p.base.Scheme) || !strings.EqualFold(u.Host, p.base.Host) {
		return "", false
	}
	prefix := strings.TrimRight(p.base.Path, "/") + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(u.Path, prefix)
	if key == "" || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}

// Remove deletes the object behind url. It is best effort: unmanaged URLs
// are ignored and failures are only logged.
func (p *Pipeline) Remove(ctx context.Context, photoURL string) {
	key, ok := p.KeyFromURL(photoURL)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logger.Warn("photo delete failed", "key", key, "err", err)
	}
}

// Open reads the photo behind a managed URL.
func (p *Pipeline) Open(ctx context.Context, photoURL string) (io.ReadCloser, error) {
	key, ok := p.KeyFromURL(photoURL)
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return p.objects.Get(ctx, key)
}

func segment(value, fallback string) string {
	s := sanitizeFilename(value)
	if s == "" {
		return fallback
	}
	return s
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f && ((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
