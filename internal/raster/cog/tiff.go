package cog

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Tag is a TIFF tag number.
type Tag uint16

const (
	TagNewSubfileType            Tag = 254
	TagImageWidth                Tag = 256
	TagImageLength               Tag = 257
	TagBitsPerSample             Tag = 258
	TagCompression               Tag = 259
	TagPhotometricInterpretation Tag = 262
	TagStripOffsets              Tag = 273
	TagSamplesPerPixel           Tag = 277
	TagRowsPerStrip              Tag = 278
	TagStripByteCounts           Tag = 279
	TagPlanarConfiguration       Tag = 284
	TagPredictor                 Tag = 317
	TagTileWidth                 Tag = 322
	TagTileLength                Tag = 323
	TagTileOffsets               Tag = 324
	TagTileByteCounts            Tag = 325
	TagExtraSamples              Tag = 338
	TagSampleFormat              Tag = 339
	TagJPEGTables                Tag = 347
	TagModelPixelScale           Tag = 33550
	TagModelTiepoint             Tag = 33922
	TagModelTransformation       Tag = 34264
	TagGeoKeyDirectory           Tag = 34735
	TagGDALNoData                Tag = 42113
)

// Compression codes.
const (
	CompressionNone         = 1
	CompressionLZW          = 5
	CompressionJPEG         = 7
	CompressionDeflate      = 8
	CompressionAdobeDeflate = 32946
	CompressionZSTD         = 50000
	CompressionWebP         = 50001
)

const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

const (
	PlanarChunky   = 1
	PlanarSeparate = 2
)

const (
	subfileMask      = 4
	maxIFDs          = 64
	maxEntriesPerIFD = 4096
	maxTagValueBytes = 64 << 20
	classicMagic     = 42
	bigMagic         = 43
)

// field types
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

func typeSize(t uint16) int {
	switch t {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat, typeIFD:
		return 4
	case typeRational, typeSRational, typeDouble, typeLong8, typeSLong8, typeIFD8:
		return 8
	}
	return 0
}

// field is one decoded IFD entry.
type field struct {
	typ uint16
	raw []byte
	n   int
	bo  binary.ByteOrder
}

func (f field) uints() []uint64 {
	out := make([]uint64, f.n)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(f.raw[i])
		case typeShort:
			out[i] = uint64(f.bo.Uint16(f.raw[2*i:]))
		case typeLong, typeIFD:
			out[i] = uint64(f.bo.Uint32(f.raw[4*i:]))
		case typeLong8, typeIFD8:
			out[i] = f.bo.Uint64(f.raw[8*i:])
		default:
			return nil
		}
	}
	return out
}

func (f field) uint() (uint64, bool) {
	v := f.uints()
	if len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

func (f field) floats() []float64 {
	out := make([]float64, f.n)
	for i := range out {
		switch f.typ {
		case typeDouble:
			out[i] = math.Float64frombits(f.bo.Uint64(f.raw[8*i:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(f.bo.Uint32(f.raw[4*i:])))
		case typeShort:
			out[i] = float64(f.bo.Uint16(f.raw[2*i:]))
		case typeLong:
			out[i] = float64(f.bo.Uint32(f.raw[4*i:]))
		default:
			return nil
		}
	}
	return out
}

func (f field) ascii() string {
	return strings.TrimRight(string(f.raw), "\x00 ")
}

type header struct {
	bo    binary.ByteOrder
	big   bool
	first uint64
}

func readHeader(r io.ReaderAt) (header, error) {
	var h header
	var b [16]byte
	if _, err := r.ReadAt(b[:8], 0); err != nil {
		return h, fmt.Errorf("%w: read header: %v", ErrDecode, err)
	}
	switch string(b[:2]) {
	case "II":
		h.bo = binary.LittleEndian
	case "MM":
		h.bo = binary.BigEndian
	default:
		return h, fmt.Errorf("%w: not a TIFF (byte order %q)", ErrDecode, b[:2])
	}
	switch h.bo.Uint16(b[2:]) {
	case classicMagic:
		h.first = uint64(h.bo.Uint32(b[4:]))
	case bigMagic:
		h.big = true
		if _, err := r.ReadAt(b[:16], 0); err != nil {
			return h, fmt.Errorf("%w: read BigTIFF header: %v", ErrDecode, err)
		}
		if h.bo.Uint16(b[4:]) != 8 {
			return h, fmt.Errorf("%w: unexpected BigTIFF offset size %d", ErrDecode, h.bo.Uint16(b[4:]))
		}
		h.first = h.bo.Uint64(b[8:])
	default:
		return h, fmt.Errorf("%w: bad TIFF magic %d", ErrDecode, h.bo.Uint16(b[2:]))
	}
	return h, nil
}

// readIFD returns the entries of the IFD at off and the offset of the next one.
func readIFD(r io.ReaderAt, h header, off uint64) (map[Tag]field, uint64, error) {
	countSize, entrySize, ptrSize := 2, 12, 4
	if h.big {
		countSize, entrySize, ptrSize = 8, 20, 8
	}

	cb := make([]byte, countSize)
	if _, err := r.ReadAt(cb, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("%w: read IFD count at %d: %v", ErrDecode, off, err)
	}
	var n uint64
	if h.big {
		n = h.bo.Uint64(cb)
	} else {
		n = uint64(h.bo.Uint16(cb))
	}
	if n == 0 || n > maxEntriesPerIFD {
		return nil, 0, fmt.Errorf("%w: IFD at %d has %d entries", ErrDecode, off, n)
	}

	block := make([]byte, int(n)*entrySize+ptrSize)
	if _, err := r.ReadAt(block, int64(off)+int64(countSize)); err != nil {
		return nil, 0, fmt.Errorf("%w: read IFD at %d: %v", ErrDecode, off, err)
	}

	fields := make(map[Tag]field, n)
	for i := 0; i < int(n); i++ {
		e := block[i*entrySize : (i+1)*entrySize]
		tag := Tag(h.bo.Uint16(e[0:]))
		typ := h.bo.Uint16(e[2:])
		size := typeSize(typ)
		if size == 0 {
			continue
		}
		var count uint64
		var inline []byte
		if h.big {
			count = h.bo.Uint64(e[4:])
			inline = e[12:20]
		} else {
			count = uint64(h.bo.Uint32(e[4:]))
			inline = e[8:12]
		}
		total := count * uint64(size)
		if total > maxTagValueBytes {
			return nil, 0, fmt.Errorf("%w: tag %d value of %d bytes", ErrDecode, tag, total)
		}
		var raw []byte
		if total <= uint64(len(inline)) {
			raw = append([]byte(nil), inline[:total]...)
		} else {
			var valOff uint64
			if h.big {
				valOff = h.bo.Uint64(inline)
			} else {
				valOff = uint64(h.bo.Uint32(inline))
			}
			raw = make([]byte, total)
			if _, err := r.ReadAt(raw, int64(valOff)); err != nil {
				return nil, 0, fmt.Errorf("%w: read tag %d: %v", ErrDecode, tag, err)
			}
		}
		fields[tag] = field{typ: typ, raw: raw, n: int(count), bo: h.bo}
	}

	ptr := block[int(n)*entrySize:]
	var next uint64
	if h.big {
		next = h.bo.Uint64(ptr)
	} else {
		next = uint64(h.bo.Uint32(ptr))
	}
	return fields, next, nil
}
