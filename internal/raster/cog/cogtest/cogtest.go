// Package cogtest builds small GeoTIFFs in memory for tests.
package cogtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// SampleType selects how band values are stored.
type SampleType int

const (
	Uint8 SampleType = iota
	Uint16
	Int16
	Float32
)

// Options describes the file to build. Bands hold row-major values of the
// full-resolution image, one slice per band.
type Options struct {
	Width, Height int
	Bands         [][]float64
	Type          SampleType
	// BlockSize > 0 writes tiles of that size; 0 writes one strip per
	// RowsPerStrip rows.
	BlockSize    int
	RowsPerStrip int
	Planar       bool
	Compression  int // 1 none, 7 JPEG (Uint8 only), 8 deflate, 50000 zstd
	Predictor    int // 1 or 2
	BigEndian    bool
	// Overviews are decimation factors, e.g. 2, 4.
	Overviews []int
	// Mask adds a transparency-mask IFD after the main image.
	Mask bool

	EPSG       int
	OriginX    float64
	OriginY    float64
	ResX, ResY float64
	NoData     *float64
}

type ifdImage struct {
	w, h    int
	bands   [][]float64
	subfile uint32
}

// Build encodes opts as a classic TIFF.
func Build(opts Options) ([]byte, error) {
	if opts.Width <= 0 || opts.Height <= 0 || len(opts.Bands) == 0 {
		return nil, fmt.Errorf("cogtest: empty image")
	}
	for i, b := range opts.Bands {
		if len(b) != opts.Width*opts.Height {
			return nil, fmt.Errorf("cogtest: band %d has %d values, want %d", i+1, len(b), opts.Width*opts.Height)
		}
	}
	if opts.Compression == 0 {
		opts.Compression = 1
	}
	if opts.Predictor == 0 {
		opts.Predictor = 1
	}
	if opts.ResX == 0 {
		opts.ResX = 1
	}
	if opts.ResY == 0 {
		opts.ResY = 1
	}

	images := []ifdImage{{w: opts.Width, h: opts.Height, bands: opts.Bands}}
	if opts.Mask {
		mask := make([]float64, opts.Width*opts.Height)
		for i := range mask {
			mask[i] = 255
		}
		images = append(images, ifdImage{w: opts.Width, h: opts.Height, bands: [][]float64{mask}, subfile: 4})
	}
	for _, f := range opts.Overviews {
		images = append(images, decimate(opts, f))
	}

	var bo byteOrder = binary.LittleEndian
	buf := []byte("II*\x00\x00\x00\x00\x00")
	if opts.BigEndian {
		bo = binary.BigEndian
		buf = []byte("MM\x00*\x00\x00\x00\x00")
	}
	w := &writer{bo: bo, buf: buf}

	nextPtr := 4
	for i, im := range images {
		single := im.subfile == 4
		offsets, counts, err := w.writeBlocks(opts, im, single)
		if err != nil {
			return nil, err
		}
		w.align()
		bo.PutUint32(w.buf[nextPtr:], uint32(len(w.buf)))
		nextPtr = w.writeIFD(opts, im, offsets, counts, i == 0, single)
	}
	return w.buf, nil
}

func decimate(opts Options, f int) ifdImage {
	w := (opts.Width + f - 1) / f
	h := (opts.Height + f - 1) / f
	bands := make([][]float64, len(opts.Bands))
	for b, src := range opts.Bands {
		dst := make([]float64, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[y*w+x] = src[(y*f)*opts.Width+x*f]
			}
		}
		bands[b] = dst
	}
	return ifdImage{w: w, h: h, bands: bands, subfile: 1}
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type writer struct {
	bo  byteOrder
	buf []byte
}

func (w *writer) align() {
	if len(w.buf)%2 == 1 {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) put16(v uint16) { w.buf = w.bo.AppendUint16(w.buf, v) }
func (w *writer) put32(v uint32) { w.buf = w.bo.AppendUint32(w.buf, v) }

func sampleBytes(t SampleType) int {
	switch t {
	case Uint16, Int16:
		return 2
	case Float32:
		return 4
	}
	return 1
}

func (w *writer) writeBlocks(opts Options, im ifdImage, single bool) ([]uint32, []uint32, error) {
	typ := opts.Type
	compression := opts.Compression
	predictor := opts.Predictor
	if single {
		typ, compression, predictor = Uint8, 8, 1
	}
	bw, bh := im.w, opts.RowsPerStrip
	if bh <= 0 {
		bh = im.h
	}
	if opts.BlockSize > 0 {
		bw, bh = opts.BlockSize, opts.BlockSize
	}
	across := (im.w + bw - 1) / bw
	down := (im.h + bh - 1) / bh

	planes := 1
	spp := len(im.bands)
	if opts.Planar && spp > 1 {
		planes, spp = spp, 1
	}

	var offsets, counts []uint32
	for p := 0; p < planes; p++ {
		for row := 0; row < down; row++ {
			for col := 0; col < across; col++ {
				rows := bh
				if opts.BlockSize == 0 {
					rows = min(bh, im.h-row*bh)
				}
				bands := im.bands
				if planes > 1 {
					bands = im.bands[p : p+1]
				}
				raw := w.encodeBlock(bands, im.w, im.h, col*bw, row*bh, bw, rows, typ)
				if predictor == 2 {
					applyHorizontal(raw, w.bo, bw, rows, spp, sampleBytes(typ))
				}
				data, err := compress(compression, raw, bands, im.w, im.h, col*bw, row*bh, bw, rows)
				if err != nil {
					return nil, nil, err
				}
				w.align()
				offsets = append(offsets, uint32(len(w.buf)))
				counts = append(counts, uint32(len(data)))
				w.buf = append(w.buf, data...)
			}
		}
	}
	return offsets, counts, nil
}

func (w *writer) encodeBlock(bands [][]float64, iw, ih, x0, y0, bw, bh int, typ SampleType) []byte {
	sb := sampleBytes(typ)
	out := make([]byte, bw*bh*len(bands)*sb)
	i := 0
	for y := y0; y < y0+bh; y++ {
		for x := x0; x < x0+bw; x++ {
			for _, band := range bands {
				v := 0.0
				if x < iw && y < ih {
					v = band[y*iw+x]
				}
				switch typ {
				case Uint8:
					out[i] = uint8(v)
				case Uint16:
					w.bo.PutUint16(out[i:], uint16(v))
				case Int16:
					w.bo.PutUint16(out[i:], uint16(int16(v)))
				case Float32:
					w.bo.PutUint32(out[i:], math.Float32bits(float32(v)))
				}
				i += sb
			}
		}
	}
	return out
}

func applyHorizontal(data []byte, bo binary.ByteOrder, width, rows, samples, sb int) {
	rowLen := width * samples * sb
	for y := 0; y < rows; y++ {
		row := data[y*rowLen : (y+1)*rowLen]
		for i := width*samples - 1; i >= samples; i-- {
			switch sb {
			case 1:
				row[i] -= row[i-samples]
			case 2:
				bo.PutUint16(row[2*i:], bo.Uint16(row[2*i:])-bo.Uint16(row[2*(i-samples):]))
			case 4:
				bo.PutUint32(row[4*i:], bo.Uint32(row[4*i:])-bo.Uint32(row[4*(i-samples):]))
			}
		}
	}
}

func compress(method int, raw []byte, bands [][]float64, iw, ih, x0, y0, bw, bh int) ([]byte, error) {
	switch method {
	case 1:
		return raw, nil
	case 8:
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case 50000:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case 7:
		img := image.NewRGBA(image.Rect(0, 0, bw, bh))
		for y := 0; y < bh; y++ {
			for x := 0; x < bw; x++ {
				var px [3]uint8
				if x0+x < iw && y0+y < ih {
					for s := 0; s < 3 && s < len(bands); s++ {
						px[s] = uint8(bands[s][(y0+y)*iw+x0+x])
					}
				}
				img.SetRGBA(x, y, color.RGBA{px[0], px[1], px[2], 255})
			}
		}
		var b bytes.Buffer
		if err := jpeg.Encode(&b, img, &jpeg.Options{Quality: 100}); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}
	return nil, fmt.Errorf("cogtest: compression %d", method)
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func (w *writer) shorts(tag uint16, vs ...uint16) entry {
	var b []byte
	for _, v := range vs {
		b = w.bo.AppendUint16(b, v)
	}
	return entry{tag: tag, typ: 3, count: uint32(len(vs)), data: b}
}

func (w *writer) longs(tag uint16, vs ...uint32) entry {
	var b []byte
	for _, v := range vs {
		b = w.bo.AppendUint32(b, v)
	}
	return entry{tag: tag, typ: 4, count: uint32(len(vs)), data: b}
}

func (w *writer) doubles(tag uint16, vs ...float64) entry {
	var b []byte
	for _, v := range vs {
		b = w.bo.AppendUint64(b, math.Float64bits(v))
	}
	return entry{tag: tag, typ: 12, count: uint32(len(vs)), data: b}
}

// writeIFD appends the IFD and its out-of-line values and returns the
// position of its next-IFD pointer.
func (w *writer) writeIFD(opts Options, im ifdImage, offsets, counts []uint32, geo, single bool) int {
	typ, compression, predictor := opts.Type, opts.Compression, opts.Predictor
	if single {
		typ, compression, predictor = Uint8, 8, 1
	}
	spp := len(im.bands)
	bits := make([]uint16, spp)
	formats := make([]uint16, spp)
	for i := range bits {
		bits[i] = uint16(sampleBytes(typ) * 8)
		switch typ {
		case Int16:
			formats[i] = 2
		case Float32:
			formats[i] = 3
		default:
			formats[i] = 1
		}
	}
	photometric := uint16(1)
	if spp >= 3 {
		photometric = 2
	}
	planar := uint16(1)
	if opts.Planar && spp > 1 {
		planar = 2
	}

	entries := []entry{
		w.longs(254, im.subfile),
		w.longs(256, uint32(im.w)),
		w.longs(257, uint32(im.h)),
		w.shorts(258, bits...),
		w.shorts(259, uint16(compression)),
		w.shorts(262, photometric),
		w.shorts(277, uint16(spp)),
		w.shorts(284, planar),
		w.shorts(317, uint16(predictor)),
		w.shorts(339, formats...),
	}
	if opts.BlockSize > 0 {
		entries = append(entries,
			w.shorts(322, uint16(opts.BlockSize)),
			w.shorts(323, uint16(opts.BlockSize)),
			w.longs(324, offsets...),
			w.longs(325, counts...),
		)
	} else {
		rps := opts.RowsPerStrip
		if rps <= 0 {
			rps = im.h
		}
		entries = append(entries,
			w.longs(273, offsets...),
			w.longs(278, uint32(rps)),
			w.longs(279, counts...),
		)
	}
	if geo {
		entries = append(entries,
			w.doubles(33550, opts.ResX, opts.ResY, 0),
			w.doubles(33922, 0, 0, 0, opts.OriginX, opts.OriginY, 0),
		)
		if opts.EPSG != 0 {
			modelType, key := uint16(1), uint16(3072)
			if opts.EPSG == 4326 {
				modelType, key = 2, 2048
			}
			entries = append(entries, w.shorts(34735,
				1, 1, 0, 3,
				1024, 0, 1, modelType,
				1025, 0, 1, 1,
				key, 0, 1, uint16(opts.EPSG),
			))
		}
		if opts.NoData != nil {
			s := strconv.FormatFloat(*opts.NoData, 'g', -1, 64) + "\x00"
			entries = append(entries, entry{tag: 42113, typ: 2, count: uint32(len(s)), data: []byte(s)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	start := len(w.buf)
	valuesAt := start + 2 + 12*len(entries) + 4
	w.put16(uint16(len(entries)))
	var values []byte
	for _, e := range entries {
		w.put16(e.tag)
		w.put16(e.typ)
		w.put32(e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			w.buf = append(w.buf, inline[:]...)
			continue
		}
		if len(values)%2 == 1 {
			values = append(values, 0)
		}
		w.put32(uint32(valuesAt + len(values)))
		values = append(values, e.data...)
	}
	next := len(w.buf)
	w.put32(0)
	w.buf = append(w.buf, values...)
	return next
}
