package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains all counters collected during one compression batch.
type Statistics struct {
	FilesSubmitted int64
	FilesSucceeded int64
	FilesFailed    int64
	FilesShrunk    int64
	FilesKept      int64

	DirectPath   int64
	FallbackPath int64
	RasterPath   int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64
	PercentSaved   float64

	Errors []StatError

	mutex sync.RWMutex

	FormatStats map[string]int64
}

// StatError represents an error that occurred while compressing one file.
type StatError struct {
	Identifier string
	Operation  string
	Error      string
	Timestamp  time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		FormatStats: make(map[string]int64),
		Errors:      make([]StatError, 0),
	}
}

// IncrementSubmitted increases the count of submitted files by 1.
func (s *Statistics) IncrementSubmitted() {
	atomic.AddInt64(&s.FilesSubmitted, 1)
}

// IncrementFailed increases the count of failed files by 1.
func (s *Statistics) IncrementFailed() {
	atomic.AddInt64(&s.FilesFailed, 1)
}

// RecordPath counts which codec path produced an outcome.
func (s *Statistics) RecordPath(path string) {
	switch path {
	case "direct":
		atomic.AddInt64(&s.DirectPath, 1)
	case "fallback":
		atomic.AddInt64(&s.FallbackPath, 1)
	case "raster":
		atomic.AddInt64(&s.RasterPath, 1)
	}
}

// RecordOutcome accounts for one successful file.
func (s *Statistics) RecordOutcome(originalSize, encodedSize int64, keptOriginal bool) {
	atomic.AddInt64(&s.FilesSucceeded, 1)
	atomic.AddInt64(&s.BytesIn, originalSize)
	atomic.AddInt64(&s.BytesOut, encodedSize)
	if keptOriginal {
		atomic.AddInt64(&s.FilesKept, 1)
	} else {
		atomic.AddInt64(&s.FilesShrunk, 1)
	}
}

// IncrementFormat increases the count for a specific format by 1.
func (s *Statistics) IncrementFormat(format string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FormatStats[format]++
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(identifier, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		Identifier: identifier,
		Operation:  operation,
		Error:      errorMsg,
		Timestamp:  time.Now(),
	})
}

// Finalize calculates duration, throughput and overall savings.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	submitted := atomic.LoadInt64(&s.FilesSubmitted)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(submitted) / s.Duration.Seconds()
	}

	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)
	if in > 0 {
		s.PercentSaved = float64(in-out) * 100 / float64(in)
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf(`Compression Summary:

Files:
		Submitted: %d
		Succeeded: %d
		Shrunk: %d
		Kept Original: %d
		Failed: %d

Paths:
		Direct: %d
		Fallback: %d
		Raster: %d

Size:
		Original: %s
		Compressed: %s
		Saved: %.2f%%

Performance:
		Duration: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.FilesSubmitted),
		atomic.LoadInt64(&s.FilesSucceeded),
		atomic.LoadInt64(&s.FilesShrunk),
		atomic.LoadInt64(&s.FilesKept),
		atomic.LoadInt64(&s.FilesFailed),
		atomic.LoadInt64(&s.DirectPath),
		atomic.LoadInt64(&s.FallbackPath),
		atomic.LoadInt64(&s.RasterPath),
		FormatBytes(atomic.LoadInt64(&s.BytesIn)),
		FormatBytes(atomic.LoadInt64(&s.BytesOut)),
		s.PercentSaved,
		s.Duration,
		s.FilesPerSecond)
}

// GetFormatBreakdown returns a formatted breakdown of formats processed.
func (s *Statistics) GetFormatBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FormatStats) == 0 {
		return "No format statistics available"
	}

	formats := make([]string, 0, len(s.FormatStats))
	for f := range s.FormatStats {
		formats = append(formats, f)
	}
	sort.Strings(formats)

	var b strings.Builder
	b.WriteString("Format Breakdown:\n")
	for _, f := range formats {
		fmt.Fprintf(&b, "  %s: %d\n", f, s.FormatStats[f])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Identifier,
			err.Error)
	}
	return result
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// GetFilesFailed returns the number of failed files.
func (s *Statistics) GetFilesFailed() int64 {
	return atomic.LoadInt64(&s.FilesFailed)
}

// GetDuration returns the total duration of the batch.
func (s *Statistics) GetDuration() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.Duration
}
