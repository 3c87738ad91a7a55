package compressor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"bulk-squeeze/internal/codec"
	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/logger"
	"bulk-squeeze/internal/quality"
	"bulk-squeeze/internal/statistics"

	"github.com/sirupsen/logrus"
)

// Orchestrator is the default implementation of the Compressor interface.
// Starting a new run supersedes any run still in flight on the same
// Orchestrator: the older call returns ErrBatchSuperseded and its results
// are discarded.
type Orchestrator struct {
	log      *logrus.Logger
	registry *codec.Registry
	workers  int
	observer Observer

	mu            sync.Mutex
	generation    uint64
	cancelCurrent context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry replaces the codec registry.
func WithRegistry(r *codec.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithWorkers bounds the number of files compressed concurrently.
// Values <= 0 select max(NumCPU, 2).
func WithWorkers(n int) Option {
	return func(o *Orchestrator) { o.workers = n }
}

// WithObserver registers a callback invoked once per sealed batch.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// NewOrchestrator creates an Orchestrator using the default codecs.
func NewOrchestrator(log *logrus.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	o := &Orchestrator{log: log}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = codec.DefaultRegistry()
	}
	if o.workers <= 0 {
		o.workers = max(runtime.NumCPU(), 2)
	}
	return o
}

// RunBatch compresses images at the given quality knob.
func (o *Orchestrator) RunBatch(ctx context.Context, images []InputImage, knob int) (*Batch, error) {
	if err := validate(images, knob); err != nil {
		return nil, err
	}

	runCtx, gen := o.begin(ctx)
	defer o.end(gen)

	started := time.Now()
	stats := statistics.NewStatistics()
	log := logger.WithOperation(o.log, "run_batch")
	log.WithFields(logrus.Fields{"files": len(images), "quality": knob}).Info("Starting compression batch")

	numWorkers := min(o.workers, len(images))
	type job struct {
		index int
		image InputImage
	}
	type result struct {
		index   int
		outcome Outcome
		err     error
	}

	jobs := make(chan job, len(images))
	results := make(chan result, len(images))

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				entry := logger.WithFileOperation(o.log, j.image.Identifier, "compress")
				out, err := o.compressOne(runCtx, j.index, j.image, knob, entry)
				results <- result{index: j.index, outcome: out, err: err}
			}
		}()
	}

	for i, img := range images {
		stats.IncrementSubmitted()
		jobs <- job{index: i, image: img}
	}
	close(jobs)

	wg.Wait()
	close(results)

	outcomes := make([]*Outcome, len(images))
	failures := make([]*apperrors.TaskFailure, len(images))
	for r := range results {
		if r.err != nil {
			var tf *apperrors.TaskFailure
			if !errors.As(r.err, &tf) {
				tf = &apperrors.TaskFailure{Identifier: images[r.index].Identifier, Index: r.index, Cause: r.err}
			}
			failures[r.index] = tf
			stats.IncrementFailed()
			stats.AddError(tf.Identifier, string(apperrors.CategoryOf(tf.Cause)), tf.Cause.Error())
			logger.WithFile(o.log, tf.Identifier).WithError(tf.Cause).Warn("Compression failed")
			continue
		}
		out := r.outcome
		outcomes[r.index] = &out
		stats.IncrementFormat(out.Format.String())
		stats.RecordPath(string(out.Path))
		stats.RecordOutcome(out.OriginalSize, out.EncodedSize, out.KeptOriginal)
		logger.WithFile(o.log, out.Identifier).WithFields(logrus.Fields{
			"path":       out.Path,
			"original":   out.OriginalSize,
			"compressed": out.EncodedSize,
			"saved_pct":  fmt.Sprintf("%.2f", out.CompressionPercentage),
			"kept":       out.KeptOriginal,
		}).Debug("File compressed")
	}

	if o.superseded(gen) {
		log.Info("Compression batch superseded, discarding results")
		return nil, apperrors.ErrBatchSuperseded
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run batch: %w", err)
	}

	stats.Finalize()
	batch := seal(knob, outcomes, failures, started, stats)
	logger.WithBatch(o.log, batch.ID, knob).WithFields(logrus.Fields{
		"succeeded": len(batch.Outcomes),
		"failed":    len(batch.Failures),
		"saved_pct": fmt.Sprintf("%.2f", batch.PercentSaved),
	}).Info("Compression batch sealed")

	if !o.publish(gen, batch) {
		log.Info("Compression batch superseded after sealing, discarding results")
		return nil, apperrors.ErrBatchSuperseded
	}
	return batch, nil
}

// publish hands batch to the observer if gen is still the current run. The
// check and the call share the lock so a newer run cannot begin in between.
func (o *Orchestrator) publish(gen uint64, batch *Batch) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generation != gen {
		return false
	}
	if o.observer != nil {
		o.observer(batch)
	}
	return true
}

// begin registers a new run, cancelling the one in flight.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelCurrent != nil {
		o.cancelCurrent()
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.generation++
	o.cancelCurrent = cancel
	return runCtx, o.generation
}

// end releases the run's context if it is still the current one.
func (o *Orchestrator) end(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generation == gen && o.cancelCurrent != nil {
		o.cancelCurrent()
		o.cancelCurrent = nil
	}
}

func (o *Orchestrator) superseded(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation != gen
}

// validate rejects a batch before any task starts.
func validate(images []InputImage, knob int) error {
	if err := quality.Validate(knob); err != nil {
		return err
	}
	if len(images) == 0 {
		return apperrors.InvalidParameter("run_batch", "empty input set")
	}
	seen := make(map[string]struct{}, len(images))
	for i, img := range images {
		if img.Identifier == "" {
			return apperrors.InvalidParameter("run_batch", "image %d has no identifier", i)
		}
		if _, dup := seen[img.Identifier]; dup {
			return apperrors.InvalidParameter("run_batch", "duplicate identifier %q", img.Identifier)
		}
		seen[img.Identifier] = struct{}{}
	}
	return nil
}
