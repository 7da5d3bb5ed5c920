package notify

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	captionDesc = "points:10, pos:bl, off:24 24, scale:1 abs, rot:0, fillc:#000000"
	coverDesc   = "points:12, pos:tl, off:40 -40, scale:1 abs, rot:0, fillc:#000000"
)

// PhotoSheetRenderer renders a cover page followed by one page per photo.
type PhotoSheetRenderer struct {
	logger *slog.Logger
}

func NewPhotoSheetRenderer(logger *slog.Logger) *PhotoSheetRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	api.DisableConfigDir()
	return &PhotoSheetRenderer{logger: logger}
}

// pdfcpu records the running command in the configuration, so every call
// gets its own.
func newPDFConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func (r *PhotoSheetRenderer) Render(ctx context.Context, s Snapshot) ([]byte, error) {
	cover, err := blankPage()
	if err != nil {
		return nil, err
	}
	images := []io.Reader{bytes.NewReader(cover)}
	captions := []string{coverText(s)}
	for _, item := range s.Items {
		if len(item.Photo) == 0 {
			continue
		}
		images = append(images, bytes.NewReader(item.Photo))
		captions = append(captions, item.Caption())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sheet bytes.Buffer
	if err := api.ImportImages(nil, &sheet, images, pdfcpu.DefaultImportConfig(), newPDFConfig()); err != nil {
		return nil, fmt.Errorf("import photos: %w", err)
	}
	return r.stampCaptions(s.ReportID, sheet.Bytes(), captions), nil
}

// stampCaptions writes each caption onto its page. Captions are cosmetic:
// on failure the uncaptioned sheet is returned.
func (r *PhotoSheetRenderer) stampCaptions(reportID string, sheet []byte, captions []string) []byte {
	stamps := make(map[int]*model.Watermark, len(captions))
	for i, caption := range captions {
		desc := captionDesc
		if i == 0 {
			desc = coverDesc
		}
		wm, err := api.TextWatermark(caption, desc, true, false, types.POINTS)
		if err != nil {
			r.logger.Warn("caption skipped", "report_id", reportID, "page", i+1, "err", err)
			continue
		}
		stamps[i+1] = wm
	}
	if len(stamps) == 0 {
		return sheet
	}
	var out bytes.Buffer
	if err := api.AddWatermarksMap(bytes.NewReader(sheet), &out, stamps, newPDFConfig()); err != nil {
		r.logger.Warn("caption stamp failed", "report_id", reportID, "err", err)
		return sheet
	}
	return out.Bytes()
}

func blankPage() ([]byte, error) {
	page := imaging.New(595, 842, color.White)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, page, imaging.JPEG, imaging.JPEGQuality(60)); err != nil {
		return nil, fmt.Errorf("encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

func coverText(s Snapshot) string {
	lines := []string{
		"Laporan Pemeliharaan " + s.ReportNumber,
		"Toko: " + s.StoreCode + " " + s.StoreName,
		"Cabang: " + s.BranchName,
		"Dibuat oleh: " + s.CreatedBy,
		"Tanggal: " + s.SubmittedAt.Format("02-01-2006 15:04"),
		"Total estimasi: " + formatRupiah(s.TotalEstimation),
	}
	return strings.Join(lines, "\n")
}
