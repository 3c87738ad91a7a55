// Package bundle turns a sealed batch into a downloadable artifact: the bare
// bytes for a single outcome, or a zip archive for several.
package bundle

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"bulk-squeeze/internal/codec"
	"bulk-squeeze/internal/compressor"
	apperrors "bulk-squeeze/internal/errors"
)

// Kind distinguishes single-file bundles from archives.
type Kind int

const (
	KindSingle Kind = iota
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindArchive:
		return "archive"
	}
	return "unknown"
}

// Policy decides what happens when two outcomes map to the same entry name.
type Policy string

const (
	// PolicySuffix renames later duplicates to name_1.ext, name_2.ext and so on.
	PolicySuffix Policy = "suffix"
	// PolicyReject fails packaging with ErrNameCollision.
	PolicyReject Policy = "reject"
)

// ParsePolicy maps a config value onto a Policy. Empty selects PolicySuffix.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySuffix:
		return PolicySuffix, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", apperrors.InvalidParameter("bundle", "unknown collision policy %q", s)
}

// Entry is one named payload inside a bundle.
type Entry struct {
	Name   string
	Format codec.Format
	Data   []byte
}

// Bundle is the packaged form of a batch.
type Bundle struct {
	Kind    Kind
	BatchID string
	Entries []Entry
	Method  Method
}

// Single returns the only entry of a KindSingle bundle.
func (b *Bundle) Single() Entry {
	return b.Entries[0]
}

// Size returns the total payload size of all entries.
func (b *Bundle) Size() int64 {
	var n int64
	for _, e := range b.Entries {
		n += int64(len(e.Data))
	}
	return n
}

// Filename returns the download name. Archives use archiveName with a .zip
// extension; single bundles use the base name of their entry.
func (b *Bundle) Filename(archiveName string) string {
	if b.Kind == KindSingle {
		return path.Base(b.Single().Name)
	}
	name := strings.TrimSpace(archiveName)
	if name == "" {
		name = "images"
	}
	if !strings.EqualFold(path.Ext(name), ".zip") {
		name += ".zip"
	}
	return name
}

// ContentType returns the MIME type of the download.
func (b *Bundle) ContentType() string {
	if b.Kind == KindSingle {
		return b.Single().Format.ContentType()
	}
	return "application/zip"
}

// WriteTo writes the single payload or the zip archive to w.
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	if b.Kind == KindSingle {
		n, err := w.Write(b.Single().Data)
		return int64(n), err
	}
	cw := &countingWriter{w: w}
	err := b.WriteZip(cw, b.Method)
	return cw.n, err
}

// Bytes renders the bundle into memory.
func (b *Bundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Packager builds bundles from sealed batches.
type Packager struct {
	Policy Policy
	Method Method
}

// NewPackager returns a Packager with the suffix policy and stored entries.
func NewPackager() *Packager {
	return &Packager{Policy: PolicySuffix, Method: MethodStore}
}

// Package builds the bundle for batch. An empty batch yields
// ErrNothingToPackage; entries follow the batch's ranked order.
func (p *Packager) Package(batch *compressor.Batch) (*Bundle, error) {
	if batch == nil || batch.Len() == 0 {
		return nil, apperrors.ErrNothingToPackage
	}

	if batch.Len() == 1 {
		out := batch.Outcomes[0]
		return &Bundle{
			Kind:    KindSingle,
			BatchID: batch.ID,
			Entries: []Entry{{Name: out.Identifier, Format: out.Format, Data: out.Data}},
			Method:  p.Method,
		}, nil
	}

	taken := make(map[string]struct{}, batch.Len())
	entries := make([]Entry, 0, batch.Len())
	for _, out := range batch.Outcomes {
		name := CleanName(out.Identifier)
		if _, dup := taken[name]; dup {
			if p.Policy == PolicyReject {
				return nil, fmt.Errorf("%w: %s", apperrors.ErrNameCollision, name)
			}
			name = UniqueName(name, taken)
		}
		taken[name] = struct{}{}
		entries = append(entries, Entry{Name: name, Format: out.Format, Data: out.Data})
	}

	return &Bundle{
		Kind:    KindArchive,
		BatchID: batch.ID,
		Entries: entries,
		Method:  p.Method,
	}, nil
}

// CleanName turns an identifier into a safe archive entry name: forward
// slashes, no leading slash, no parent references.
func CleanName(identifier string) string {
	name := strings.ReplaceAll(identifier, "\\", "/")
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return "image"
	}
	return name
}

// UniqueName adds a counter before the extension until the name is free.
// It does not record the result in taken.
func UniqueName(name string, taken map[string]struct{}) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, counter, ext)
		if _, dup := taken[candidate]; !dup {
			return candidate
		}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
