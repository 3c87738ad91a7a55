package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bulk-squeeze/internal/codec"
	"bulk-squeeze/internal/compressor"
	apperrors "bulk-squeeze/internal/errors"

	"gopkg.in/yaml.v3"
)

func sampleBatch() *compressor.Batch {
	return &compressor.Batch{
		ID:                "b-42",
		Quality:           60,
		StartedAt:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt:        time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
		TotalOriginalSize: 150000,
		TotalEncodedSize:  120000,
		PercentSaved:      20,
		Outcomes: []compressor.Outcome{
			{Identifier: "a.png", Format: codec.FormatPNG, OriginalSize: 100000, EncodedSize: 80000, CompressionPercentage: 20, Path: compressor.PathDirect, Data: []byte("secret"), Checksum: "00ff"},
			{Identifier: "b.jpg", Format: codec.FormatJPEG, OriginalSize: 50000, EncodedSize: 40000, CompressionPercentage: 20, Path: compressor.PathRaster},
		},
		Failures: []*apperrors.TaskFailure{
			{Identifier: "c.jpg", Index: 2, Cause: &apperrors.DecodeError{Format: "JPEG", Cause: errors.New("truncated")}},
		},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleBatch(), FormatJSON); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Error("report must not include payload bytes")
	}

	var r Report
	if err := json.Unmarshal(buf.Bytes(), &r); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if r.BatchID != "b-42" || len(r.Files) != 2 || r.Files[0].Identifier != "a.png" {
		t.Errorf("report = %+v", r)
	}
	if len(r.Failures) != 1 || r.Failures[0].Category != string(apperrors.CategoryDecode) {
		t.Errorf("failures = %+v", r.Failures)
	}
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleBatch(), FormatYAML); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid yaml: %v", err)
	}
	if doc["batch_id"] != "b-42" || doc["quality"] != 60 {
		t.Errorf("doc = %v", doc)
	}
	files, ok := doc["files"].([]interface{})
	if !ok || len(files) != 2 {
		t.Fatalf("files = %v", doc["files"])
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{"": FormatJSON, "JSON": FormatJSON, ".yml": FormatYAML, "yaml": FormatYAML}
	for in, want := range tests {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, apperrors.ErrInvalidParameter) {
		t.Errorf("want invalid parameter, got %v", err)
	}
}
