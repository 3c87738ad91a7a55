package codec

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	apperrors "bulk-squeeze/internal/errors"

	"github.com/disintegration/imaging"
)

// pngRasterLevels maps a filter-search level to the encoder effort.
var pngRasterLevels = [FilterLevels]png.CompressionLevel{
	png.DefaultCompression,
	png.DefaultCompression,
	png.BestCompression,
	png.BestCompression,
}

// PNGEncoder is the raster path of the filter-search family. At the top
// level it also tries a lossless palette reduction for 8-bit sources.
type PNGEncoder struct{}

// NewPNGEncoder returns a PNGEncoder.
func NewPNGEncoder() *PNGEncoder {
	return &PNGEncoder{}
}

// EncodeRaster encodes r as PNG at the effort selected by p.Level.
func (e *PNGEncoder) EncodeRaster(ctx context.Context, r *Raster, p Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCodecError(FormatPNG.String(), "raster", err)
	}
	if r == nil || r.Image == nil {
		return nil, apperrors.NewCodecError(FormatPNG.String(), "raster", apperrors.ErrEmptyInput)
	}

	level := clampLevel(p.Level)
	src := r.Image
	if level == FilterLevels-1 && canPalettize(src) {
		if pal := palettize(r.NRGBA(), 256); pal != nil {
			src = pal
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG, imaging.PNGCompressionLevel(pngRasterLevels[level])); err != nil {
		return nil, apperrors.NewCodecError(FormatPNG.String(), "raster", err)
	}
	return buf.Bytes(), nil
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level >= FilterLevels {
		return FilterLevels - 1
	}
	return level
}

// canPalettize reports whether img can be indexed without losing precision.
// Sixteen-bit sources would be truncated by the 8-bit palette.
func canPalettize(img image.Image) bool {
	if _, ok := img.(*image.Paletted); ok {
		return false
	}
	switch img.ColorModel() {
	case color.RGBA64Model, color.NRGBA64Model, color.Gray16Model, color.Alpha16Model:
		return false
	}
	return true
}

// palettize converts img to an indexed image when it uses at most maxColors
// distinct colours. Palette order follows first appearance so the output is
// deterministic. Returns nil when there are too many colours.
func palettize(img *image.NRGBA, maxColors int) *image.Paletted {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	index := make(map[[4]uint8]uint8, maxColors)
	palette := make(color.Palette, 0, maxColors)

	for y := 0; y < h; y++ {
		off := y * img.Stride
		for x := 0; x < w; x++ {
			i := off + x*4
			key := [4]uint8{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}
			if _, ok := index[key]; ok {
				continue
			}
			if len(palette) == maxColors {
				return nil
			}
			index[key] = uint8(len(palette))
			palette = append(palette, color.NRGBA{R: key[0], G: key[1], B: key[2], A: key[3]})
		}
	}

	out := image.NewPaletted(image.Rect(0, 0, w, h), palette)
	for y := 0; y < h; y++ {
		srcOff := y * img.Stride
		dstOff := y * out.Stride
		for x := 0; x < w; x++ {
			i := srcOff + x*4
			out.Pix[dstOff+x] = index[[4]uint8{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}]
		}
	}
	return out
}
