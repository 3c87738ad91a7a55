package compressor

import (
	"context"
	"fmt"
	"time"

	"bulk-squeeze/internal/codec"
	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/quality"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// compressOne runs the per-file algorithm: pick the codec for the resolved
// format, take the direct path with raster fallback for the filter-search
// family or the raster path for the lossy family, then apply the size guard.
// Any error, including a codec panic, comes back as a *TaskFailure.
func (o *Orchestrator) compressOne(ctx context.Context, index int, in InputImage, knob int, log *logrus.Entry) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("codec panic: %v", r)
		}
		if err != nil {
			err = &apperrors.TaskFailure{Identifier: in.Identifier, Index: index, Cause: err}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	format := codec.Resolve(in.Format, in.Data)
	adapter, ok := o.registry.Adapter(format)
	if !ok {
		return Outcome{}, fmt.Errorf("%s: %w", format, apperrors.ErrUnsupportedFormat)
	}
	params, err := quality.Map(knob, adapter.Kind())
	if err != nil {
		return Outcome{}, err
	}

	var (
		encoded []byte
		path    Path
	)
	switch adapter.Kind() {
	case codec.KindFilterSearch:
		encoded, path, err = o.filterSearchPath(ctx, adapter, in.Data, params, log)
	case codec.KindLossy:
		encoded, err = o.rasterPath(ctx, adapter, in.Data, params)
		path = PathRaster
	case codec.KindUnsupported:
		err = fmt.Errorf("%s: %w", format, apperrors.ErrUnsupportedFormat)
	}
	if err != nil {
		return Outcome{}, err
	}

	payload, kept := sizeGuard(in.Data, encoded)
	out = Outcome{
		Identifier:            in.Identifier,
		Index:                 index,
		Format:                format,
		OriginalSize:          in.OriginalSize(),
		EncodedSize:           int64(len(payload)),
		Data:                  payload,
		CompressionPercentage: percentage(in.OriginalSize(), int64(len(payload))),
		Path:                  path,
		KeptOriginal:          kept,
		Checksum:              fmt.Sprintf("%016x", xxhash.Sum64(payload)),
		Duration:              time.Since(start),
	}
	return out, nil
}

// filterSearchPath tries the direct recompressor first. On a codec error it
// decodes the original to a raster and re-encodes through the same codec's
// raster path.
func (o *Orchestrator) filterSearchPath(ctx context.Context, a *codec.Adapter, data []byte, p codec.Params, log *logrus.Entry) ([]byte, Path, error) {
	var directErr error
	if a.Direct != nil {
		encoded, err := a.Direct.Recompress(ctx, data, p)
		if err == nil {
			return encoded, PathDirect, nil
		}
		if !apperrors.IsCodecError(err) {
			return nil, PathDirect, err
		}
		directErr = err
		log.WithError(err).Debug("Direct path rejected input, falling back to raster path")
	}

	encoded, err := o.rasterPath(ctx, a, data, p)
	if err != nil {
		if directErr != nil {
			return nil, PathFallback, fmt.Errorf("fallback after %v: %w", directErr, err)
		}
		return nil, PathFallback, err
	}
	return encoded, PathFallback, nil
}

func (o *Orchestrator) rasterPath(ctx context.Context, a *codec.Adapter, data []byte, p codec.Params) ([]byte, error) {
	if a.Raster == nil {
		return nil, apperrors.NewCodecError(a.Format.String(), "raster", fmt.Errorf("no raster encoder"))
	}
	raster, err := o.registry.Decoder().DecodeToRaster(ctx, data)
	if err != nil {
		return nil, err
	}
	return a.Raster.EncodeRaster(ctx, raster, p)
}

// sizeGuard keeps the encoded bytes only when they are strictly smaller than
// the original; otherwise the original bytes are returned verbatim.
func sizeGuard(original, encoded []byte) ([]byte, bool) {
	if len(encoded) < len(original) {
		return encoded, false
	}
	return original, true
}

func percentage(originalSize, encodedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	return float64(originalSize-encodedSize) / float64(originalSize) * 100
}
