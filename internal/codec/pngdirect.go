package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math/bits"

	apperrors "bulk-squeeze/internal/errors"

	"github.com/klauspost/compress/zlib"
)

const (
	// maxRawPNGBytes bounds the inflated image data the direct path accepts.
	maxRawPNGBytes = 1 << 30
	// maxPNGDimension is the largest width or height a PNG header may declare.
	maxPNGDimension = 1<<31 - 1
)

var (
	errPNGSignature = errors.New("png: bad signature")
	errPNGTruncated = errors.New("png: truncated chunk")
	errPNGChecksum  = errors.New("png: chunk crc mismatch")
	errPNGHeader    = errors.New("png: invalid IHDR")
	errPNGAnimated  = errors.New("png: animated images are not recompressed directly")
	errPNGLayout    = errors.New("png: invalid chunk layout")
	errPNGData      = errors.New("png: image data size mismatch")
	errPNGFilter    = errors.New("png: unknown row filter")
	errPNGTooLarge  = errors.New("png: image too large")
)

// keptAncillary lists the ancillary chunks that affect rendering. Every other
// ancillary chunk (text, time stamps, private data) is dropped.
var keptAncillary = map[string]bool{
	"tRNS": true, "gAMA": true, "cHRM": true, "sRGB": true, "iCCP": true,
	"sBIT": true, "pHYs": true, "bKGD": true, "hIST": true, "sPLT": true,
	"eXIf": true,
}

type pngEffort struct {
	refilter bool
	deflate  int
}

var pngDirectEfforts = [FilterLevels]pngEffort{
	{refilter: false, deflate: 6},
	{refilter: true, deflate: 6},
	{refilter: true, deflate: 8},
	{refilter: true, deflate: 9},
}

type pngChunk struct {
	typ  string
	data []byte
}

type pngHeader struct {
	width, height int
	bitDepth      int
	colorType     int
	interlaced    bool
}

// PNGRecompressor is the direct path of the filter-search family: it
// re-parses the container, optionally re-selects row filters and
// re-deflates the image data. Pixels are never decoded to a raster.
type PNGRecompressor struct{}

// NewPNGRecompressor returns a PNGRecompressor.
func NewPNGRecompressor() *PNGRecompressor {
	return &PNGRecompressor{}
}

// Recompress rewrites a PNG at the effort selected by p.Level. Malformed,
// animated or otherwise non-standard containers are rejected with a
// CodecError so the caller can fall back to the raster path.
func (c *PNGRecompressor) Recompress(ctx context.Context, data []byte, p Params) ([]byte, error) {
	out, err := c.recompress(ctx, data, pngDirectEfforts[clampLevel(p.Level)])
	if err != nil {
		return nil, apperrors.NewCodecError(FormatPNG.String(), "direct", err)
	}
	return out, nil
}

func (c *PNGRecompressor) recompress(ctx context.Context, data []byte, effort pngEffort) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks, err := parsePNGChunks(data)
	if err != nil {
		return nil, err
	}
	hdr, err := parsePNGHeader(chunks[0].data)
	if err != nil {
		return nil, err
	}

	var idat bytes.Buffer
	for _, ch := range chunks {
		if ch.typ == "IDAT" {
			idat.Write(ch.data)
		}
	}

	expected, err := hdr.rawSize()
	if err != nil {
		return nil, err
	}
	raw, err := inflate(idat.Bytes(), expected)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if effort.refilter && !hdr.interlaced {
		raw, err = refilterRows(raw, hdr)
		if err != nil {
			return nil, err
		}
	}

	var z bytes.Buffer
	zw, err := zlib.NewWriterLevel(&z, effort.deflate)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(data))
	out.Write(pngMagic)
	wroteIDAT := false
	for _, ch := range chunks {
		switch {
		case ch.typ == "IDAT":
			if !wroteIDAT {
				writePNGChunk(&out, "IDAT", z.Bytes())
				wroteIDAT = true
			}
		case isCritical(ch.typ) || keptAncillary[ch.typ]:
			writePNGChunk(&out, ch.typ, ch.data)
		}
	}
	return out.Bytes(), nil
}

// parsePNGChunks splits data into verified chunks, ending at IEND.
func parsePNGChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngMagic) {
		return nil, errPNGSignature
	}

	var (
		chunks   []pngChunk
		sawIDAT  bool
		idatDone bool
		sawPLTE  bool
	)
	rest := data[len(pngMagic):]
	for {
		if len(rest) < 12 {
			return nil, errPNGTruncated
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if n > 0x7fffffff || uint64(n)+12 > uint64(len(rest)) {
			return nil, errPNGTruncated
		}
		typ := string(rest[4:8])
		body := rest[8 : 8+n]
		sum := binary.BigEndian.Uint32(rest[8+n : 12+n])
		if crc32.ChecksumIEEE(rest[4:8+n]) != sum {
			return nil, fmt.Errorf("%w in %s", errPNGChecksum, typ)
		}
		rest = rest[12+n:]

		if len(chunks) == 0 && typ != "IHDR" {
			return nil, fmt.Errorf("%w: first chunk is %s", errPNGLayout, typ)
		}
		switch typ {
		case "IHDR":
			if len(chunks) != 0 {
				return nil, fmt.Errorf("%w: repeated IHDR", errPNGLayout)
			}
		case "PLTE":
			sawPLTE = true
		case "IDAT":
			if idatDone {
				return nil, fmt.Errorf("%w: non-consecutive IDAT", errPNGLayout)
			}
			sawIDAT = true
		case "acTL", "fcTL", "fdAT":
			return nil, errPNGAnimated
		case "IEND":
		default:
			if isCritical(typ) {
				return nil, fmt.Errorf("%w: unknown critical chunk %s", errPNGLayout, typ)
			}
		}
		if sawIDAT && typ != "IDAT" {
			idatDone = true
		}

		chunks = append(chunks, pngChunk{typ: typ, data: body})
		if typ == "IEND" {
			break
		}
	}

	if !sawIDAT {
		return nil, fmt.Errorf("%w: no IDAT", errPNGLayout)
	}
	if hdr, err := parsePNGHeader(chunks[0].data); err == nil && hdr.colorType == 3 && !sawPLTE {
		return nil, fmt.Errorf("%w: indexed image without PLTE", errPNGLayout)
	}
	return chunks, nil
}

func parsePNGHeader(b []byte) (pngHeader, error) {
	if len(b) != 13 {
		return pngHeader{}, errPNGHeader
	}
	h := pngHeader{
		width:      int(binary.BigEndian.Uint32(b[0:4])),
		height:     int(binary.BigEndian.Uint32(b[4:8])),
		bitDepth:   int(b[8]),
		colorType:  int(b[9]),
		interlaced: b[12] == 1,
	}
	if h.width <= 0 || h.height <= 0 || h.width > maxPNGDimension || h.height > maxPNGDimension || b[10] != 0 || b[11] != 0 || b[12] > 1 {
		return pngHeader{}, errPNGHeader
	}
	valid := false
	switch h.colorType {
	case 0:
		valid = h.bitDepth == 1 || h.bitDepth == 2 || h.bitDepth == 4 || h.bitDepth == 8 || h.bitDepth == 16
	case 3:
		valid = h.bitDepth == 1 || h.bitDepth == 2 || h.bitDepth == 4 || h.bitDepth == 8
	case 2, 4, 6:
		valid = h.bitDepth == 8 || h.bitDepth == 16
	}
	if !valid {
		return pngHeader{}, errPNGHeader
	}
	return h, nil
}

func (h pngHeader) channels() int {
	switch h.colorType {
	case 2:
		return 3
	case 4:
		return 2
	case 6:
		return 4
	default:
		return 1
	}
}

func (h pngHeader) bitsPerPixel() int { return h.channels() * h.bitDepth }

// filterStride is the byte distance to the corresponding byte of the
// previous pixel, as used by the Sub, Average and Paeth filters.
func (h pngHeader) filterStride() int {
	if s := h.bitsPerPixel() / 8; s > 0 {
		return s
	}
	return 1
}

func (h pngHeader) rowBytes(width int) uint64 {
	return (uint64(width)*uint64(h.bitsPerPixel()) + 7) / 8
}

var adam7 = [7][4]int{
	{0, 0, 8, 8}, {4, 0, 8, 8}, {0, 4, 4, 8}, {2, 0, 4, 4},
	{0, 2, 2, 4}, {1, 0, 2, 2}, {0, 1, 1, 2},
}

// rawSize returns the length of the filtered, inflated image data. Sizes
// that overflow or exceed maxRawPNGBytes yield errPNGTooLarge.
func (h pngHeader) rawSize() (int, error) {
	var total uint64
	add := func(rows, width int) bool {
		hi, lo := bits.Mul64(uint64(rows), h.rowBytes(width)+1)
		if hi != 0 || lo > maxRawPNGBytes {
			return false
		}
		total += lo
		return total <= maxRawPNGBytes
	}
	if !h.interlaced {
		if !add(h.height, h.width) {
			return 0, errPNGTooLarge
		}
		return int(total), nil
	}
	for _, p := range adam7 {
		if h.width <= p[0] || h.height <= p[1] {
			continue
		}
		w := (h.width - p[0] + p[2] - 1) / p[2]
		rows := (h.height - p[1] + p[3] - 1) / p[3]
		if !add(rows, w) {
			return 0, errPNGTooLarge
		}
	}
	return int(total), nil
}

func inflate(idat []byte, expected int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(idat))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, int64(expected)+1))
	if err != nil {
		return nil, err
	}
	if len(raw) != expected {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errPNGData, len(raw), expected)
	}
	return raw, nil
}

// refilterRows reverses the existing row filters and picks a new filter per
// row using the minimum sum of absolute differences heuristic. Indexed and
// sub-byte images always use filter None.
func refilterRows(raw []byte, h pngHeader) ([]byte, error) {
	expected, err := h.rawSize()
	if err != nil {
		return nil, err
	}
	if len(raw) != expected {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errPNGData, len(raw), expected)
	}
	rowLen := int(h.rowBytes(h.width))
	stride := h.filterStride()
	adaptive := h.colorType != 3 && h.bitDepth >= 8

	out := make([]byte, len(raw))
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	var candidates [5][]byte
	for i := range candidates {
		candidates[i] = make([]byte, rowLen)
	}

	for y := 0; y < h.height; y++ {
		in := raw[y*(rowLen+1) : (y+1)*(rowLen+1)]
		copy(cur, in[1:])
		if err := unfilterRow(in[0], cur, prev, stride); err != nil {
			return nil, err
		}

		dst := out[y*(rowLen+1) : (y+1)*(rowLen+1)]
		if !adaptive {
			dst[0] = 0
			copy(dst[1:], cur)
		} else {
			best, bestScore := 0, -1
			for f := 0; f < 5; f++ {
				filterRow(byte(f), candidates[f], cur, prev, stride)
				score := 0
				for _, b := range candidates[f] {
					score += absSigned(b)
				}
				if bestScore < 0 || score < bestScore {
					best, bestScore = f, score
				}
			}
			dst[0] = byte(best)
			copy(dst[1:], candidates[best])
		}
		prev, cur = cur, prev
	}
	return out, nil
}

func unfilterRow(ft byte, cur, prev []byte, stride int) error {
	switch ft {
	case 0:
	case 1:
		for i := stride; i < len(cur); i++ {
			cur[i] += cur[i-stride]
		}
	case 2:
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3:
		for i := range cur {
			var left byte
			if i >= stride {
				left = cur[i-stride]
			}
			cur[i] += byte((int(left) + int(prev[i])) / 2)
		}
	case 4:
		for i := range cur {
			var a, c byte
			if i >= stride {
				a, c = cur[i-stride], prev[i-stride]
			}
			cur[i] += paeth(a, prev[i], c)
		}
	default:
		return errPNGFilter
	}
	return nil
}

func filterRow(ft byte, dst, cur, prev []byte, stride int) {
	for i := range cur {
		var a, c byte
		if i >= stride {
			a, c = cur[i-stride], prev[i-stride]
		}
		b := prev[i]
		switch ft {
		case 0:
			dst[i] = cur[i]
		case 1:
			dst[i] = cur[i] - a
		case 2:
			dst[i] = cur[i] - b
		case 3:
			dst[i] = cur[i] - byte((int(a)+int(b))/2)
		case 4:
			dst[i] = cur[i] - paeth(a, b, c)
		}
	}
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := absInt(p-int(a)), absInt(p-int(b)), absInt(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func absSigned(b byte) int {
	return absInt(int(int8(b)))
}

func isCritical(typ string) bool {
	return len(typ) == 4 && typ[0] >= 'A' && typ[0] <= 'Z'
}

func writePNGChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}
