package compressor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"bulk-squeeze/internal/codec"
	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/logger"
)

const (
	markBad      byte = 0xBA
	markPanic    byte = 0xEE
	markBlock    byte = 0xB1
	markNoDirect byte = 0xD0
)

// stubDecoder reports the input length through Raster.Width so stub encoders
// can size their output without real pixels.
type stubDecoder struct{}

func (stubDecoder) DecodeToRaster(ctx context.Context, data []byte) (*codec.Raster, error) {
	if len(data) > 0 && data[0] == markBad {
		return nil, &apperrors.DecodeError{Format: "stub", Cause: errors.New("corrupt")}
	}
	return &codec.Raster{Image: image.NewGray(image.Rect(0, 0, 1, 1)), Width: len(data), Height: 1}, nil
}

type stubRaster struct {
	size func(n int, p codec.Params) int
	err  error
}

func (s stubRaster) EncodeRaster(ctx context.Context, r *codec.Raster, p codec.Params) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return make([]byte, s.size(r.Width, p)), nil
}

type stubDirect struct {
	started chan struct{}
	size    func(n int, p codec.Params) int
}

func (s stubDirect) Recompress(ctx context.Context, data []byte, p codec.Params) ([]byte, error) {
	if len(data) > 0 {
		switch data[0] {
		case markPanic:
			panic("engine exploded")
		case markNoDirect:
			return nil, apperrors.NewCodecError("PNG", "direct", errors.New("unsupported layout"))
		case markBlock:
			if s.started != nil {
				s.started <- struct{}{}
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return make([]byte, s.size(len(data), p)), nil
}

func shrinkBy(pct int) func(int, codec.Params) int {
	return func(n int, _ codec.Params) int { return n * (100 - pct) / 100 }
}

func newStubRegistry(direct stubDirect, pngRaster, jpegRaster stubRaster) *codec.Registry {
	return codec.NewRegistry(stubDecoder{},
		&codec.Adapter{Format: codec.FormatPNG, Direct: direct, Raster: pngRaster},
		&codec.Adapter{Format: codec.FormatJPEG, Raster: jpegRaster},
	)
}

func newTestOrchestrator(reg *codec.Registry, opts ...Option) *Orchestrator {
	opts = append([]Option{WithRegistry(reg), WithWorkers(4)}, opts...)
	return NewOrchestrator(logger.NewDiscardLogger(), opts...)
}

func input(id string, format codec.Format, size int, mark byte) InputImage {
	data := make([]byte, size)
	if size > 0 {
		data[0] = mark
	}
	return InputImage{Identifier: id, Data: data, Format: format}
}

func TestRunBatchTwoFormats(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	batch, err := o.RunBatch(context.Background(), []InputImage{
		input("a.png", codec.FormatPNG, 100000, 0),
		input("b.jpg", codec.FormatJPEG, 50000, 0),
	}, 60)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Len() != 2 || len(batch.Failures) != 0 {
		t.Fatalf("got %d outcomes, %d failures", batch.Len(), len(batch.Failures))
	}
	if batch.Outcomes[0].Identifier != "a.png" || batch.Outcomes[1].Identifier != "b.jpg" {
		t.Errorf("tie should keep input order, got %s, %s", batch.Outcomes[0].Identifier, batch.Outcomes[1].Identifier)
	}
	a := batch.Outcomes[0]
	if a.EncodedSize != 80000 || math.Abs(a.CompressionPercentage-20) > 1e-9 || a.Path != PathDirect {
		t.Errorf("a.png outcome = %+v", a)
	}
	if b := batch.Outcomes[1]; b.Path != PathRaster || b.EncodedSize != 40000 {
		t.Errorf("b.jpg outcome = %+v", b)
	}
	if batch.TotalOriginalSize != 150000 || batch.TotalEncodedSize != 120000 {
		t.Errorf("totals = %d/%d", batch.TotalOriginalSize, batch.TotalEncodedSize)
	}
	if batch.ID == "" || batch.Quality != 60 || batch.Stats == nil {
		t.Errorf("batch metadata missing: %+v", batch)
	}
	if batch.Stats.FilesSucceeded != 2 || batch.Stats.DirectPath != 1 || batch.Stats.RasterPath != 1 {
		t.Errorf("stats = %+v", batch.Stats)
	}
}

func TestRunBatchRanksByPercentage(t *testing.T) {
	jpeg := stubRaster{size: shrinkBy(50)}
	reg := newStubRegistry(stubDirect{size: shrinkBy(10)}, stubRaster{size: shrinkBy(10)}, jpeg)
	o := newTestOrchestrator(reg)

	batch, err := o.RunBatch(context.Background(), []InputImage{
		input("low.png", codec.FormatPNG, 1000, 0),
		input("high.jpg", codec.FormatJPEG, 1000, 0),
	}, 50)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Outcomes[0].Identifier != "high.jpg" {
		t.Errorf("best ratio should rank first, got %s", batch.Outcomes[0].Identifier)
	}
	if batch.Outcomes[0].Index != 1 || batch.Outcomes[1].Index != 0 {
		t.Errorf("indices not preserved: %d, %d", batch.Outcomes[0].Index, batch.Outcomes[1].Index)
	}
}

func TestRunBatchSizeGuardKeepsOriginal(t *testing.T) {
	grow := func(n int, _ codec.Params) int { return n + 10 }
	reg := newStubRegistry(stubDirect{size: grow}, stubRaster{size: grow}, stubRaster{size: grow})
	o := newTestOrchestrator(reg)

	in := input("big.jpg", codec.FormatJPEG, 500, 7)
	batch, err := o.RunBatch(context.Background(), []InputImage{in}, 10)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	out := batch.Outcomes[0]
	if !out.KeptOriginal || out.EncodedSize != 500 || out.CompressionPercentage != 0 {
		t.Errorf("size guard not applied: %+v", out)
	}
	if &out.Data[0] != &in.Data[0] {
		t.Error("kept outcome should carry the original bytes")
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	images := []InputImage{
		input("1.jpg", codec.FormatJPEG, 100, 0),
		input("2.jpg", codec.FormatJPEG, 100, markBad),
		input("3.jpg", codec.FormatJPEG, 100, 0),
		input("4.gif", codec.FormatOther, 100, 0),
	}
	batch, err := o.RunBatch(context.Background(), images, 40)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("want 2 outcomes, got %d", batch.Len())
	}
	if len(batch.Failures) != 2 {
		t.Fatalf("want 2 failures, got %d", len(batch.Failures))
	}
	if f := batch.Failures[0]; f.Identifier != "2.jpg" || !apperrors.IsCategory(f.Cause, apperrors.CategoryDecode) {
		t.Errorf("failure[0] = %v", f)
	}
	if f := batch.Failures[1]; f.Identifier != "4.gif" || !errors.Is(f, apperrors.ErrUnsupportedFormat) {
		t.Errorf("failure[1] = %v", f)
	}
	if batch.Stats.FilesFailed != 2 || len(batch.Stats.Errors) != 2 {
		t.Errorf("stats failures = %d, errors = %d", batch.Stats.FilesFailed, len(batch.Stats.Errors))
	}
}

func TestRunBatchFallsBackToRaster(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(30)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	batch, err := o.RunBatch(context.Background(), []InputImage{input("odd.png", codec.FormatPNG, 1000, markNoDirect)}, 70)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	out := batch.Outcomes[0]
	if out.Path != PathFallback || out.EncodedSize != 700 {
		t.Errorf("fallback outcome = %+v", out)
	}
	if batch.Stats.FallbackPath != 1 {
		t.Errorf("fallback not counted: %+v", batch.Stats)
	}
}

func TestRunBatchFallbackFailureIsTaskFailure(t *testing.T) {
	rasterErr := apperrors.NewCodecError("PNG", "raster", errors.New("encoder down"))
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{err: rasterErr}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	batch, err := o.RunBatch(context.Background(), []InputImage{input("odd.png", codec.FormatPNG, 1000, markNoDirect)}, 70)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Len() != 0 || len(batch.Failures) != 1 {
		t.Fatalf("want single failure, got %d outcomes %d failures", batch.Len(), len(batch.Failures))
	}
	if !apperrors.IsCodecError(batch.Failures[0]) {
		t.Errorf("failure should carry the codec error: %v", batch.Failures[0])
	}
}

func TestRunBatchRecoversCodecPanic(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	batch, err := o.RunBatch(context.Background(), []InputImage{
		input("boom.png", codec.FormatPNG, 100, markPanic),
		input("ok.png", codec.FormatPNG, 100, 0),
	}, 50)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Len() != 1 || batch.Outcomes[0].Identifier != "ok.png" {
		t.Fatalf("outcomes = %+v", batch.Outcomes)
	}
	if len(batch.Failures) != 1 || batch.Failures[0].Identifier != "boom.png" {
		t.Fatalf("failures = %v", batch.Failures)
	}
}

func TestRunBatchDeterministic(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(15)}, stubRaster{size: shrinkBy(15)}, stubRaster{size: shrinkBy(35)})
	o := newTestOrchestrator(reg)
	images := []InputImage{
		input("a.png", codec.FormatPNG, 900, 0),
		input("b.jpg", codec.FormatJPEG, 400, 0),
		input("c.png", codec.FormatPNG, 300, 0),
	}

	first, err := o.RunBatch(context.Background(), images, 55)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.RunBatch(context.Background(), images, 55)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range first.Outcomes {
		a, b := first.Outcomes[i], second.Outcomes[i]
		if a.Identifier != b.Identifier || a.Checksum != b.Checksum || a.EncodedSize != b.EncodedSize {
			t.Errorf("outcome %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestRunBatchHigherKnobNeverGrows(t *testing.T) {
	// Smaller codec quality yields smaller output, so a higher knob must not grow the file.
	lossy := stubRaster{size: func(n int, p codec.Params) int { return n * p.Quality / 100 }}
	filter := stubDirect{size: func(n int, p codec.Params) int { return n - p.Level*10 }}
	reg := newStubRegistry(filter, stubRaster{size: shrinkBy(1)}, lossy)
	o := newTestOrchestrator(reg)
	images := []InputImage{
		input("a.jpg", codec.FormatJPEG, 1000, 0),
		input("b.png", codec.FormatPNG, 1000, 0),
	}

	sizes := func(knob int) map[string]int64 {
		batch, err := o.RunBatch(context.Background(), images, knob)
		if err != nil {
			t.Fatalf("RunBatch(%d): %v", knob, err)
		}
		m := make(map[string]int64)
		for _, out := range batch.Outcomes {
			m[out.Identifier] = out.EncodedSize
		}
		return m
	}

	low, high := sizes(30), sizes(90)
	for id, s := range high {
		if s > low[id] {
			t.Errorf("%s grew from %d to %d", id, low[id], s)
		}
	}
}

func TestRunBatchInvalidParameters(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)
	one := []InputImage{input("a.png", codec.FormatPNG, 10, 0)}

	tests := []struct {
		name   string
		images []InputImage
		knob   int
	}{
		{"knob below range", one, -1},
		{"knob above range", one, 101},
		{"empty set", nil, 50},
		{"duplicate identifiers", append(one, input("a.png", codec.FormatPNG, 10, 0)), 50},
		{"missing identifier", []InputImage{input("", codec.FormatPNG, 10, 0)}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.RunBatch(context.Background(), tt.images, tt.knob)
			if !errors.Is(err, apperrors.ErrInvalidParameter) {
				t.Errorf("want ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestRunBatchSupersededByNewerRun(t *testing.T) {
	started := make(chan struct{}, 1)
	reg := newStubRegistry(stubDirect{started: started, size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	var sealed atomic.Int32
	o := newTestOrchestrator(reg, WithObserver(func(*Batch) { sealed.Add(1) }))

	errCh := make(chan error, 1)
	go func() {
		_, err := o.RunBatch(context.Background(), []InputImage{input("slow.png", codec.FormatPNG, 100, markBlock)}, 50)
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	batch, err := o.RunBatch(context.Background(), []InputImage{input("fast.png", codec.FormatPNG, 100, 0)}, 50)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if batch.Outcomes[0].Identifier != "fast.png" {
		t.Errorf("second batch = %+v", batch.Outcomes)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, apperrors.ErrBatchSuperseded) {
			t.Errorf("first run error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not return")
	}
	if n := sealed.Load(); n != 1 {
		t.Errorf("observer called %d times, want 1", n)
	}
}

func TestPublishSkipsSupersededGeneration(t *testing.T) {
	var seen []*Batch
	o := newTestOrchestrator(newStubRegistry(stubDirect{}, stubRaster{}, stubRaster{}), WithObserver(func(b *Batch) { seen = append(seen, b) }))

	_, gen := o.begin(context.Background())
	defer o.end(gen)
	_, newer := o.begin(context.Background())
	defer o.end(newer)

	if o.publish(gen, &Batch{ID: "stale"}) {
		t.Error("publish accepted a superseded generation")
	}
	if !o.publish(newer, &Batch{ID: "current"}) {
		t.Error("publish rejected the current generation")
	}
	if len(seen) != 1 || seen[0].ID != "current" {
		t.Errorf("observer saw %v", seen)
	}
}

func TestObserverCompletesBeforeNewerRunBegins(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	var (
		o          *Orchestrator
		calls      atomic.Int32
		firstDone  atomic.Bool
		orderValid atomic.Bool
	)
	errCh := make(chan error, 1)
	o = newTestOrchestrator(reg, WithObserver(func(*Batch) {
		if calls.Add(1) == 1 {
			go func() {
				_, err := o.RunBatch(context.Background(), []InputImage{input("second.png", codec.FormatPNG, 100, 0)}, 50)
				errCh <- err
			}()
			time.Sleep(50 * time.Millisecond)
			firstDone.Store(true)
			return
		}
		orderValid.Store(firstDone.Load())
	}))

	if _, err := o.RunBatch(context.Background(), []InputImage{input("first.png", codec.FormatPNG, 100, 0)}, 50); err != nil {
		t.Fatalf("first run: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second run did not return")
	}
	if calls.Load() != 2 || !orderValid.Load() {
		t.Errorf("observer calls = %d, second call after first finished = %v", calls.Load(), orderValid.Load())
	}
}

func TestRunBatchHonorsCancellation(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.RunBatch(ctx, []InputImage{input("a.png", codec.FormatPNG, 100, 0)}, 50)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestRunBatchManyFiles(t *testing.T) {
	reg := newStubRegistry(stubDirect{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)}, stubRaster{size: shrinkBy(20)})
	o := newTestOrchestrator(reg, WithWorkers(3))

	var images []InputImage
	for i := 0; i < 50; i++ {
		images = append(images, input(fmt.Sprintf("img-%02d.jpg", i), codec.FormatJPEG, 100+i, 0))
	}
	batch, err := o.RunBatch(context.Background(), images, 80)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if batch.Len() != 50 {
		t.Fatalf("want 50 outcomes, got %d", batch.Len())
	}
	for i := 1; i < batch.Len(); i++ {
		prev, cur := batch.Outcomes[i-1], batch.Outcomes[i]
		if prev.CompressionPercentage < cur.CompressionPercentage {
			t.Fatalf("outcomes not ranked at %d", i)
		}
	}
}

func TestCollectAndLoadInputImages(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"a.png":     {1, 2, 3},
		"sub/b.JPG": {4, 5},
		"notes.txt": {6},
	}
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := CollectImageFiles([]string{dir}, []string{".png", ".jpg"})
	if err != nil {
		t.Fatalf("CollectImageFiles: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("want 2 files, got %v", paths)
	}

	images, err := LoadInputImages(paths, dir)
	if err != nil {
		t.Fatalf("LoadInputImages: %v", err)
	}
	got := map[string]codec.Format{}
	for _, img := range images {
		got[img.Identifier] = img.Format
	}
	if got["a.png"] != codec.FormatPNG || got["sub/b.JPG"] != codec.FormatJPEG {
		t.Errorf("identifiers/formats = %v", got)
	}

	if _, err := CollectImageFiles([]string{filepath.Join(dir, "missing")}, []string{".png"}); err == nil {
		t.Error("expected error for missing input path")
	}
}
