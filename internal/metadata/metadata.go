// Package metadata reads and writes the EXIF tags that travel with a
// compressed image, including the marker that flags files this tool has
// already processed.
package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// Marker is written to the EXIF Software tag of every stamped output.
const Marker = "BulkSqueeze Compressed"

// Info is the subset of EXIF fields reported for an image. Zero values mean
// the tag is absent.
type Info struct {
	Software    string
	Make        string
	Model       string
	Orientation int
	DateTime    *time.Time
	Width       int
	Height      int
}

// Inspect decodes the EXIF block embedded in data.
func Inspect(data []byte) (Info, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode EXIF: %w", err)
	}

	info := Info{
		Software: stringTag(x, exif.Software),
		Make:     stringTag(x, exif.Make),
		Model:    stringTag(x, exif.Model),
	}
	if v, ok := intTag(x, exif.Orientation); ok {
		info.Orientation = v
	}
	if v, ok := intTag(x, exif.PixelXDimension); ok {
		info.Width = v
	}
	if v, ok := intTag(x, exif.PixelYDimension); ok {
		info.Height = v
	}
	if tm, err := x.DateTime(); err == nil {
		info.DateTime = &tm
	} else if date := parseEXIFDateTime(stringTag(x, exif.DateTimeOriginal)); date != nil {
		info.DateTime = date
	}
	return info, nil
}

// HasMarker reports whether data carries the Software marker. Images without
// EXIF are unmarked.
func HasMarker(data []byte) bool {
	info, err := Inspect(data)
	if err != nil {
		return false
	}
	return strings.Contains(info.Software, Marker)
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil || tag.Format() != tiff.StringVal {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.Trim(s, " \x00")
}

func intTag(x *exif.Exif, name exif.FieldName) (int, bool) {
	tag, err := x.Get(name)
	if err != nil || tag.Format() != tiff.IntVal {
		return 0, false
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseEXIFDateTime parses an EXIF date time string, returning nil on failure.
func parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}
	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		time.RFC3339,
	}
	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}
	return nil
}
