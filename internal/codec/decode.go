package codec

import (
	"bytes"
	"context"

	apperrors "bulk-squeeze/internal/errors"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageDecoder decodes any format registered with the image package,
// applying EXIF orientation so the raster matches what viewers display.
type ImageDecoder struct{}

// NewImageDecoder returns an ImageDecoder.
func NewImageDecoder() *ImageDecoder {
	return &ImageDecoder{}
}

// DecodeToRaster decodes data into a Raster.
func (d *ImageDecoder) DecodeToRaster(ctx context.Context, data []byte) (*Raster, error) {
	format := Sniff(data).String()
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.DecodeError{Format: format, Cause: err}
	}
	if len(data) == 0 {
		return nil, &apperrors.DecodeError{Format: format, Cause: apperrors.ErrEmptyInput}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &apperrors.DecodeError{Format: format, Cause: err}
	}
	r := NewRaster(img)
	if r.Width == 0 || r.Height == 0 {
		return nil, &apperrors.DecodeError{Format: format, Cause: apperrors.ErrEmptyInput}
	}
	return r, nil
}
