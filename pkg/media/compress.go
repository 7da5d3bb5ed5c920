package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
)

const (
	DefaultMaxEdge     = 1280
	DefaultTargetBytes = 100 * 1024
)

var ErrUnsupportedImage = errors.New("unsupported image")

type CompressOptions struct {
	MaxEdge      int
	TargetBytes  int
	StartQuality int
	MinQuality   int
}

func (o CompressOptions) withDefaults() CompressOptions {
	if o.MaxEdge <= 0 {
		o.MaxEdge = DefaultMaxEdge
	}
	if o.TargetBytes <= 0 {
		o.TargetBytes = DefaultTargetBytes
	}
	if o.StartQuality <= 0 || o.StartQuality > 100 {
		o.StartQuality = 85
	}
	if o.MinQuality <= 0 || o.MinQuality > o.StartQuality {
		o.MinQuality = 35
	}
	return o
}

// Compress re-encodes an image as JPEG no larger than MaxEdge on its longest
// side, lowering quality and then dimensions until it fits TargetBytes. When
// the target cannot be met the smallest attempt is returned.
func Compress(r io.Reader, opts CompressOptions) ([]byte, error) {
	opts = opts.withDefaults()
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	img = fitWithin(img, opts.MaxEdge)

	var (
		buf  bytes.Buffer
		best []byte
	)
	for round := 0; round < 4; round++ {
		for q := opts.StartQuality; q >= opts.MinQuality; q -= 10 {
			buf.Reset()
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
				return nil, fmt.Errorf("encode jpeg: %w", err)
			}
			if best == nil || buf.Len() < len(best) {
				best = append(best[:0], buf.Bytes()...)
			}
			if buf.Len() <= opts.TargetBytes {
				return best, nil
			}
		}
		b := img.Bounds()
		if b.Dx() < 64 || b.Dy() < 64 {
			break
		}
		img = imaging.Resize(img, b.Dx()*4/5, 0, imaging.Lanczos)
	}
	return best, nil
}

func fitWithin(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return img
	}
	return imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
}

// fitsLimits reports whether data is already a JPEG within the size target
// and the edge limit, so it can be stored without re-encoding.
func fitsLimits(data []byte, opts CompressOptions) bool {
	if len(data) > opts.TargetBytes || http.DetectContentType(data) != photoContentType {
		return false
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return cfg.Width <= opts.MaxEdge && cfg.Height <= opts.MaxEdge
}
