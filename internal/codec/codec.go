// Package codec adapts external image engines to one calling contract.
//
// Two calling conventions exist. The direct path feeds original compressed
// bytes to a recompressor that works on the container without decoding
// pixels. The raster path feeds a decoded Raster to a format encoder.
// Adapters never mutate the buffers they are given.
package codec

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
)

// FilterLevels is the number of effort levels exposed by the filter-search
// codec family.
const FilterLevels = 4

// Raster is a fully decoded image plus its dimensions.
type Raster struct {
	Image  image.Image
	Width  int
	Height int
}

// NewRaster wraps img, filling in its dimensions.
func NewRaster(img image.Image) *Raster {
	b := img.Bounds()
	return &Raster{Image: img, Width: b.Dx(), Height: b.Dy()}
}

// NRGBA returns the raster as a tightly packed NRGBA buffer.
func (r *Raster) NRGBA() *image.NRGBA {
	if n, ok := r.Image.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(r.Image)
}

// Params carries the codec-specific parameters produced by the quality
// mapper. Quality is used by the lossy family, Level/Levels by the
// filter-search family.
type Params struct {
	Kind    Kind
	Quality int
	Level   int
	Levels  int
}

// Decoder turns compressed bytes into a Raster.
type Decoder interface {
	DecodeToRaster(ctx context.Context, data []byte) (*Raster, error)
}

// RasterEncoder encodes a decoded Raster.
type RasterEncoder interface {
	EncodeRaster(ctx context.Context, r *Raster, p Params) ([]byte, error)
}

// DirectRecompressor re-compresses original container bytes without a full
// raster round-trip.
type DirectRecompressor interface {
	Recompress(ctx context.Context, data []byte, p Params) ([]byte, error)
}

// Adapter bundles the engines serving one format. Direct is nil for formats
// without a direct path.
type Adapter struct {
	Format Format
	Direct DirectRecompressor
	Raster RasterEncoder
}

// Kind returns the codec family of the adapter's format.
func (a *Adapter) Kind() Kind {
	return a.Format.Kind()
}

// Registry maps formats to adapters and holds the shared raster decoder.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	decoder  Decoder
	adapters map[Format]*Adapter
}

// NewRegistry returns a registry with the given decoder and adapters.
// A later adapter for the same format replaces an earlier one.
func NewRegistry(decoder Decoder, adapters ...*Adapter) *Registry {
	r := &Registry{
		decoder:  decoder,
		adapters: make(map[Format]*Adapter, len(adapters)),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Format] = a
	}
	return r
}

// DefaultRegistry wires the built-in engines: imaging-based raster decoding,
// JPEG raster encoding, and PNG direct plus raster paths.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewImageDecoder(),
		&Adapter{Format: FormatJPEG, Raster: NewJPEGEncoder()},
		&Adapter{Format: FormatPNG, Direct: NewPNGRecompressor(), Raster: NewPNGEncoder()},
	)
}

// Decoder returns the raster decoder.
func (r *Registry) Decoder() Decoder {
	return r.decoder
}

// Adapter returns the adapter for f. Unsupported formats never resolve.
func (r *Registry) Adapter(f Format) (*Adapter, bool) {
	if f.Kind() == KindUnsupported {
		return nil, false
	}
	a, ok := r.adapters[f]
	return a, ok
}
