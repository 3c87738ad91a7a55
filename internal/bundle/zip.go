package bundle

import (
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "bulk-squeeze/internal/errors"

	"github.com/klauspost/compress/zip"
)

// Method selects how archive entries are stored.
type Method string

const (
	// MethodStore keeps entries uncompressed; the payloads are already compressed images.
	MethodStore Method = "store"
	// MethodDeflate deflates every entry.
	MethodDeflate Method = "deflate"
)

// ParseMethod maps a config value onto a Method. Empty selects MethodStore.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodStore:
		return MethodStore, nil
	case MethodDeflate:
		return MethodDeflate, nil
	}
	return "", apperrors.InvalidParameter("bundle", "unknown zip method %q", s)
}

func (m Method) zipMethod() uint16 {
	if m == MethodDeflate {
		return zip.Deflate
	}
	return zip.Store
}

// WriteZip writes every entry to w as a zip archive, in entry order.
func (b *Bundle) WriteZip(w io.Writer, method Method) error {
	zw := zip.NewWriter(w)
	modified := time.Now()
	for _, e := range b.Entries {
		hdr := &zip.FileHeader{
			Name:     e.Name,
			Method:   method.zipMethod(),
			Modified: modified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", e.Name, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("zip entry %s: %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}
