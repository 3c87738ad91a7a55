package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"bulk-squeeze/internal/compressor"

	"gopkg.in/yaml.v3"
)

func TestSkipOutputDirectory(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "compressed")
	paths := []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(out, "a.jpg"),
		filepath.Join(dir, "compressed-old", "b.png"),
	}

	kept, err := skipOutputDirectory(paths, out)
	if err != nil {
		t.Fatalf("skipOutputDirectory: %v", err)
	}
	if len(kept) != 2 || kept[0] != paths[0] || kept[1] != paths[2] {
		t.Errorf("kept = %v", kept)
	}
}

func TestCommonBase(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.png")
	if err := os.WriteFile(file, []byte{1}, 0644); err != nil {
		t.Fatal(err)
	}

	if got := commonBase([]string{dir}); got != dir {
		t.Errorf("single dir base = %q", got)
	}
	if got := commonBase([]string{file}); got != "" {
		t.Errorf("single file base = %q", got)
	}
	if got := commonBase([]string{dir, dir}); got != "" {
		t.Errorf("multi input base = %q", got)
	}
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	batch := &compressor.Batch{ID: "batch-1", Quality: 60}

	jsonPath := filepath.Join(dir, "report.json")
	if err := writeReport(jsonPath, "yaml", batch); err != nil {
		t.Fatalf("writeReport json: %v", err)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}
	var fromJSON map[string]interface{}
	if err := json.Unmarshal(data, &fromJSON); err != nil || fromJSON["batch_id"] != "batch-1" {
		t.Errorf("json report = %s, %v", data, err)
	}

	// No extension: the configured format applies.
	yamlPath := filepath.Join(dir, "report")
	if err := writeReport(yamlPath, "yaml", batch); err != nil {
		t.Fatalf("writeReport yaml: %v", err)
	}
	data, err = os.ReadFile(yamlPath)
	if err != nil {
		t.Fatal(err)
	}
	var fromYAML map[string]interface{}
	if err := yaml.Unmarshal(data, &fromYAML); err != nil || fromYAML["batch_id"] != "batch-1" {
		t.Errorf("yaml report = %s, %v", data, err)
	}

	if err := writeReport(filepath.Join(dir, "missing", "report.json"), "json", batch); err == nil {
		t.Error("expected an error for a missing directory")
	}
	if err := writeReport(filepath.Join(dir, "report.txt"), "json", batch); err == nil {
		t.Error("expected an error for an unknown extension")
	}
}
