// Package report renders a sealed batch as JSON or YAML for machine
// consumption. Payload bytes are never included.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"bulk-squeeze/internal/compressor"
	apperrors "bulk-squeeze/internal/errors"

	"gopkg.in/yaml.v3"
)

// Format selects the report encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a config value or file extension onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", apperrors.InvalidParameter("report", "unknown report format %q", s)
}

// File is one successfully compressed input.
type File struct {
	Identifier   string  `json:"identifier" yaml:"identifier"`
	Format       string  `json:"format" yaml:"format"`
	OriginalSize int64   `json:"original_size" yaml:"original_size"`
	EncodedSize  int64   `json:"encoded_size" yaml:"encoded_size"`
	PercentSaved float64 `json:"percent_saved" yaml:"percent_saved"`
	Path         string  `json:"path" yaml:"path"`
	KeptOriginal bool    `json:"kept_original" yaml:"kept_original"`
	Checksum     string  `json:"checksum" yaml:"checksum"`
	DurationMS   int64   `json:"duration_ms" yaml:"duration_ms"`
}

// Failure is one input that produced no outcome.
type Failure struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	Error      string `json:"error" yaml:"error"`
}

// Report is the serialized view of a batch.
type Report struct {
	BatchID           string    `json:"batch_id" yaml:"batch_id"`
	Quality           int       `json:"quality" yaml:"quality"`
	StartedAt         time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time `json:"finished_at" yaml:"finished_at"`
	TotalOriginalSize int64     `json:"total_original_size" yaml:"total_original_size"`
	TotalEncodedSize  int64     `json:"total_encoded_size" yaml:"total_encoded_size"`
	PercentSaved      float64   `json:"percent_saved" yaml:"percent_saved"`
	Files             []File    `json:"files" yaml:"files"`
	Failures          []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// FromBatch builds the report for batch, keeping the batch's ranked order.
func FromBatch(batch *compressor.Batch) *Report {
	r := &Report{
		BatchID:           batch.ID,
		Quality:           batch.Quality,
		StartedAt:         batch.StartedAt,
		FinishedAt:        batch.FinishedAt,
		TotalOriginalSize: batch.TotalOriginalSize,
		TotalEncodedSize:  batch.TotalEncodedSize,
		PercentSaved:      round2(batch.PercentSaved),
		Files:             make([]File, 0, batch.Len()),
	}
	for _, o := range batch.Outcomes {
		r.Files = append(r.Files, File{
			Identifier:   o.Identifier,
			Format:       o.Format.String(),
			OriginalSize: o.OriginalSize,
			EncodedSize:  o.EncodedSize,
			PercentSaved: round2(o.CompressionPercentage),
			Path:         string(o.Path),
			KeptOriginal: o.KeptOriginal,
			Checksum:     o.Checksum,
			DurationMS:   o.Duration.Milliseconds(),
		})
	}
	for _, f := range batch.Failures {
		r.Failures = append(r.Failures, Failure{
			Identifier: f.Identifier,
			Category:   string(apperrors.CategoryOf(f.Cause)),
			Error:      f.Cause.Error(),
		})
	}
	return r
}

// Write encodes the report for batch to w.
func Write(w io.Writer, batch *compressor.Batch, format Format) error {
	r := FromBatch(batch)
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode yaml report: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode json report: %w", err)
		}
		return nil
	}
	return apperrors.InvalidParameter("report", "unknown report format %q", format)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
