package metadata

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"github.com/barasher/go-exiftool"
)

// Stamp copies the tags of src onto dst and sets the Software marker.
// It requires the exiftool binary on PATH.
func Stamp(ctx context.Context, src, dst string) error {
	cmdCopy := exec.CommandContext(ctx, "exiftool", "-TagsFromFile", src, "-overwrite_original", dst)
	if out, err := cmdCopy.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v: %s", err, out)
	}
	cmdSet := exec.CommandContext(ctx, "exiftool", "-overwrite_original", "-Software="+Marker, dst)
	if out, err := cmdSet.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool set Software failed: %v: %s", err, out)
	}
	return nil
}

// Available reports whether the exiftool binary can be found.
func Available() bool {
	_, err := exec.LookPath("exiftool")
	return err == nil
}

// Field is one tag reported by exiftool.
type Field struct {
	Name  string
	Value interface{}
}

// Fields returns every tag exiftool reports for path, sorted by name.
func Fields(path string) ([]Field, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(path)
	if len(files) == 0 {
		return nil, fmt.Errorf("exiftool returned no metadata for %s", path)
	}
	if files[0].Err != nil {
		return nil, files[0].Err
	}

	fields := make([]Field, 0, len(files[0].Fields))
	for name, value := range files[0].Fields {
		fields = append(fields, Field{Name: name, Value: value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields, nil
}
