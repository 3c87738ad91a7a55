package codec

import (
	"bytes"
	"context"

	apperrors "bulk-squeeze/internal/errors"

	"github.com/disintegration/imaging"
)

// JPEGEncoder is the lossy raster encoder.
type JPEGEncoder struct{}

// NewJPEGEncoder returns a JPEGEncoder.
func NewJPEGEncoder() *JPEGEncoder {
	return &JPEGEncoder{}
}

// EncodeRaster encodes r as a baseline JPEG at p.Quality. Quality 0 is
// raised to 1, the lowest setting the encoder accepts.
func (e *JPEGEncoder) EncodeRaster(ctx context.Context, r *Raster, p Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCodecError(FormatJPEG.String(), "raster", err)
	}
	if r == nil || r.Image == nil {
		return nil, apperrors.NewCodecError(FormatJPEG.String(), "raster", apperrors.ErrEmptyInput)
	}

	q := p.Quality
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, r.Image, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, apperrors.NewCodecError(FormatJPEG.String(), "raster", err)
	}
	return buf.Bytes(), nil
}
