package notify

import (
	"bytes"
	"context"
	"image/color"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(64, 48, c), imaging.JPEG))
	return buf.Bytes()
}

func pageCount(t *testing.T, doc []byte) int {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	return r.NumPage()
}

func TestPhotoSheetRendersCoverAndOnePagePerPhoto(t *testing.T) {
	snap := BuildSnapshot(sampleReport(), testCatalogT(t), "Budi")
	snap.Items[0].Photo = testJPEG(t, color.RGBA{R: 200, A: 255})
	snap.Items[1].Photo = testJPEG(t, color.RGBA{G: 200, A: 255})

	out, err := NewPhotoSheetRenderer(nil).Render(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
	assert.Equal(t, 3, pageCount(t, out))
}

func TestPhotoSheetWithoutPhotosIsCoverOnly(t *testing.T) {
	snap := BuildSnapshot(sampleReport(), testCatalogT(t), "Budi")

	out, err := NewPhotoSheetRenderer(nil).Render(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 1, pageCount(t, out))
}

func TestPhotoSheetHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPhotoSheetRenderer(nil).Render(ctx, Snapshot{ReportID: "r-1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPhotoSheetStampsCaptions(t *testing.T) {
	snap := BuildSnapshot(sampleReport(), testCatalogT(t), "Budi")
	snap.Items[0].Photo = testJPEG(t, color.RGBA{B: 200, A: 255})

	out, err := NewPhotoSheetRenderer(nil).Render(context.Background(), snap)
	require.NoError(t, err)
	stamped, err := api.HasWatermarks(bytes.NewReader(out), newPDFConfig())
	require.NoError(t, err)
	assert.True(t, stamped, "cover and photo pages carry captions")
}

func TestPhotoSheetRendersConcurrently(t *testing.T) {
	r := NewPhotoSheetRenderer(nil)
	snap := BuildSnapshot(sampleReport(), testCatalogT(t), "Budi")
	snap.Items[0].Photo = testJPEG(t, color.RGBA{R: 120, G: 120, A: 255})

	var wg sync.WaitGroup
	pages := make([]int, 4)
	for i := range pages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Render(context.Background(), snap)
			if !assert.NoError(t, err) {
				return
			}
			doc, err := pdf.NewReader(bytes.NewReader(out), int64(len(out)))
			if assert.NoError(t, err) {
				pages[i] = doc.NumPage()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{2, 2, 2, 2}, pages)
}
