package codec

import (
	"bytes"
	"strings"
)

// Format identifies the container format of an input image.
type Format int

const (
	FormatOther Format = iota
	FormatJPEG
	FormatPNG
)

// Kind is the codec family that handles a format. The set is closed:
// every Format maps to exactly one Kind in Format.Kind.
type Kind int

const (
	KindUnsupported Kind = iota
	KindLossy
	KindFilterSearch
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	default:
		return "OTHER"
	}
}

// Extension returns the canonical file extension including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	default:
		return ""
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Kind returns the codec family for the format.
func (f Format) Kind() Kind {
	switch f {
	case FormatJPEG:
		return KindLossy
	case FormatPNG:
		return KindFilterSearch
	default:
		return KindUnsupported
	}
}

// String returns a human-readable name of the codec family.
func (k Kind) String() string {
	switch k {
	case KindLossy:
		return "lossy"
	case KindFilterSearch:
		return "filter-search"
	default:
		return "unsupported"
	}
}

// ParseFormat maps a MIME type, file extension or format name to a Format.
// Unknown values yield FormatOther.
func ParseFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.TrimPrefix(s, "image/")
	s = strings.TrimPrefix(s, ".")
	switch s {
	case "jpeg", "jpg", "jpe", "pjpeg":
		return FormatJPEG
	case "png", "x-png":
		return FormatPNG
	default:
		return FormatOther
	}
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
)

// Sniff identifies the format from the leading bytes of data.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG
	default:
		return FormatOther
	}
}

// Resolve picks the format used for codec dispatch. A declared JPEG or PNG
// is kept unless the content is positively identified as the other supported
// format; a declared OTHER takes whatever the content sniffs as.
func Resolve(declared Format, data []byte) Format {
	sniffed := Sniff(data)
	if declared == FormatOther {
		return sniffed
	}
	if sniffed != FormatOther && sniffed != declared {
		return sniffed
	}
	return declared
}
