package compressor

import (
	"context"
	"time"

	"bulk-squeeze/internal/codec"
	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/statistics"
)

// InputImage is one file submitted to a batch. The orchestrator never
// modifies Data.
type InputImage struct {
	Identifier string
	Data       []byte
	Format     codec.Format
}

// OriginalSize returns the submitted size in bytes.
func (in InputImage) OriginalSize() int64 {
	return int64(len(in.Data))
}

// Path names the codec route that produced an outcome.
type Path string

const (
	PathDirect   Path = "direct"
	PathFallback Path = "fallback"
	PathRaster   Path = "raster"
)

// Outcome describes the result of compressing a single file. It is immutable
// once returned in a Batch.
type Outcome struct {
	Identifier            string
	Index                 int
	Format                codec.Format
	OriginalSize          int64
	EncodedSize           int64
	Data                  []byte
	CompressionPercentage float64
	Path                  Path
	KeptOriginal          bool
	Checksum              string
	Duration              time.Duration
}

// Batch is the sealed result of one run. Outcomes are sorted by
// CompressionPercentage descending with ties in input order; Failures are in
// input order. A Batch is never mutated after RunBatch returns it.
type Batch struct {
	ID                string
	Quality           int
	Outcomes          []Outcome
	Failures          []*apperrors.TaskFailure
	TotalOriginalSize int64
	TotalEncodedSize  int64
	PercentSaved      float64
	StartedAt         time.Time
	FinishedAt        time.Time
	Stats             *statistics.Statistics
}

// Len returns the number of successful outcomes.
func (b *Batch) Len() int {
	return len(b.Outcomes)
}

// Observer is invoked once for every sealed batch that was not superseded.
// It runs while the orchestrator's run lock is held and must not start a
// new run on the same Orchestrator.
type Observer func(*Batch)

// Compressor runs compression batches.
type Compressor interface {
	// RunBatch compresses images at the given quality knob and returns the
	// sealed batch. Per-file failures are reported in Batch.Failures; only
	// invalid parameters, supersession and context cancellation fail the call.
	RunBatch(ctx context.Context, images []InputImage, quality int) (*Batch, error)
}
