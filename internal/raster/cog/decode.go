package cog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
	"golang.org/x/image/webp"
)

// Block is one decoded tile or strip. Values are interleaved:
// Values[(y*Width+x)*Samples+s].
type Block struct {
	Width   int
	Height  int
	Samples int
	Values  []float64
}

// At returns sample s of pixel (x, y) inside the block.
func (b *Block) At(x, y, s int) float64 {
	return b.Values[(y*b.Width+x)*b.Samples+s]
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

// BlockIndex returns the position of block (col, row) of plane in the
// offset tables. plane is ignored for chunky images.
func (im *Image) BlockIndex(col, row, plane int) int {
	idx := row*im.BlocksAcross() + col
	if im.Planar == PlanarSeparate {
		idx += plane * im.BlocksAcross() * im.BlocksDown()
	}
	return idx
}

// ReadBlock fetches and decodes block (col, row) of plane from image level.
// Chunky blocks carry every sample; planar blocks carry one.
func (f *File) ReadBlock(r io.ReaderAt, level, col, row, plane int) (*Block, error) {
	if level < 0 || level >= len(f.Images) {
		return nil, fmt.Errorf("%w: no image level %d", ErrDecode, level)
	}
	im := f.Images[level]
	if col < 0 || row < 0 || col >= im.BlocksAcross() || row >= im.BlocksDown() {
		return nil, fmt.Errorf("%w: block %d,%d outside %dx%d", ErrDecode, col, row, im.BlocksAcross(), im.BlocksDown())
	}
	samples := im.SamplesPerPixel
	if im.Planar == PlanarSeparate {
		samples = 1
		if plane < 0 || plane >= im.SamplesPerPixel {
			return nil, fmt.Errorf("%w: plane %d of %d", ErrDecode, plane, im.SamplesPerPixel)
		}
	}
	rows := im.BlockHeight
	if !im.Tiled {
		rows = min(im.BlockHeight, im.Height-row*im.BlockHeight)
	}
	blk := &Block{Width: im.BlockWidth, Height: rows, Samples: samples}

	idx := im.BlockIndex(col, row, plane)
	off, n := im.Offsets[idx], im.ByteCounts[idx]
	if n == 0 {
		// Sparse block: GDAL writes no bytes for blocks that are entirely nodata.
		fill := 0.0
		if f.Geo.NoData != nil {
			fill = *f.Geo.NoData
		}
		blk.Values = make([]float64, blk.Width*rows*samples)
		for i := range blk.Values {
			blk.Values[i] = fill
		}
		return blk, nil
	}
	if n > maxTagValueBytes*4 {
		return nil, fmt.Errorf("%w: block %d is %d bytes", ErrDecode, idx, n)
	}

	raw := make([]byte, n)
	got, err := r.ReadAt(raw, int64(off))
	if err != nil && !(errors.Is(err, io.EOF) && got == len(raw)) {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: block %d truncated", ErrDecode, idx)
		}
		return nil, fmt.Errorf("read block %d: %w", idx, err)
	}

	switch im.Compression {
	case CompressionJPEG:
		return decodeImageBlock(blk, im, mergeJPEGTables(im.JPEGTables, raw), jpeg.Decode)
	case CompressionWebP:
		return decodeImageBlock(blk, im, raw, webp.Decode)
	}

	bytesPer := im.BitsPerSample / 8
	if im.BitsPerSample%8 != 0 || (bytesPer != 1 && bytesPer != 2 && bytesPer != 4 && bytesPer != 8) {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrDecode, im.BitsPerSample)
	}
	want := blk.Width * rows * samples * bytesPer

	data, err := decompress(im.Compression, raw, want)
	if err != nil {
		return nil, err
	}
	if len(data) < want {
		return nil, fmt.Errorf("%w: block %d decoded to %d bytes, want %d", ErrDecode, idx, len(data), want)
	}
	data = data[:want]

	switch im.Predictor {
	case PredictorNone:
	case PredictorHorizontal:
		undoHorizontal(data, f.ByteOrder, blk.Width, rows, samples, bytesPer)
	case PredictorFloatingPoint:
		data = undoFloatingPoint(data, f.ByteOrder, blk.Width, rows, samples, bytesPer)
	default:
		return nil, fmt.Errorf("%w: predictor %d", ErrDecode, im.Predictor)
	}

	blk.Values, err = toFloat64(data, f.ByteOrder, im.SampleFormat, bytesPer)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

func decompress(method int, raw []byte, want int) ([]byte, error) {
	var rd io.Reader
	switch method {
	case CompressionNone:
		return raw, nil
	case CompressionDeflate, CompressionAdobeDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrDecode, err)
		}
		defer zr.Close()
		rd = zr
	case CompressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		rd = lr
	case CompressionZSTD:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		out, err := dec.DecodeAll(raw, make([]byte, 0, want))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrDecode, method)
	}

	out, err := io.ReadAll(io.LimitReader(rd, int64(want)))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: compression %d: %v", ErrDecode, method, err)
	}
	return out, nil
}

// mergeJPEGTables splices the shared tables in front of an abbreviated
// JPEG stream: tables without EOI, then the block without SOI.
func mergeJPEGTables(tables, data []byte) []byte {
	if len(tables) < 4 {
		return data
	}
	if tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
		tables = tables[:len(tables)-2]
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		data = data[2:]
	}
	out := make([]byte, 0, len(tables)+len(data))
	out = append(out, tables...)
	return append(out, data...)
}

func decodeImageBlock(blk *Block, im *Image, data []byte, decode func(io.Reader) (image.Image, error)) (*Block, error) {
	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if im.BitsPerSample != 8 {
		return nil, fmt.Errorf("%w: image-coded block with %d bits", ErrDecode, im.BitsPerSample)
	}
	b := img.Bounds()
	blk.Values = make([]float64, blk.Width*blk.Height*blk.Samples)
	for y := 0; y < blk.Height && y < b.Dy(); y++ {
		for x := 0; x < blk.Width && x < b.Dx(); x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [4]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8), float64(a >> 8)}
			base := (y*blk.Width + x) * blk.Samples
			for s := 0; s < blk.Samples && s < 4; s++ {
				blk.Values[base+s] = px[s]
			}
		}
	}
	return blk, nil
}

func undoHorizontal(data []byte, bo binary.ByteOrder, width, rows, samples, bytesPer int) {
	rowLen := width * samples * bytesPer
	for y := 0; y < rows; y++ {
		row := data[y*rowLen : (y+1)*rowLen]
		switch bytesPer {
		case 1:
			for i := samples; i < len(row); i++ {
				row[i] += row[i-samples]
			}
		case 2:
			for i := samples; i < width*samples; i++ {
				v := bo.Uint16(row[2*i:]) + bo.Uint16(row[2*(i-samples):])
				bo.PutUint16(row[2*i:], v)
			}
		case 4:
			for i := samples; i < width*samples; i++ {
				v := bo.Uint32(row[4*i:]) + bo.Uint32(row[4*(i-samples):])
				bo.PutUint32(row[4*i:], v)
			}
		case 8:
			for i := samples; i < width*samples; i++ {
				v := bo.Uint64(row[8*i:]) + bo.Uint64(row[8*(i-samples):])
				bo.PutUint64(row[8*i:], v)
			}
		}
	}
}

// undoFloatingPoint reverses predictor 3: byte-wise differencing over a row
// whose values were split into planes of most to least significant bytes.
func undoFloatingPoint(data []byte, bo binary.ByteOrder, width, rows, samples, bytesPer int) []byte {
	wc := width * samples
	rowLen := wc * bytesPer
	out := make([]byte, len(data))
	for y := 0; y < rows; y++ {
		row := data[y*rowLen : (y+1)*rowLen]
		for i := samples; i < rowLen; i++ {
			row[i] += row[i-samples]
		}
		dst := out[y*rowLen : (y+1)*rowLen]
		for i := 0; i < wc; i++ {
			for b := 0; b < bytesPer; b++ {
				v := row[b*wc+i]
				if bo == binary.BigEndian {
					dst[i*bytesPer+b] = v
				} else {
					dst[i*bytesPer+bytesPer-1-b] = v
				}
			}
		}
	}
	return out
}

func toFloat64(data []byte, bo binary.ByteOrder, format, bytesPer int) ([]float64, error) {
	n := len(data) / bytesPer
	out := make([]float64, n)
	switch {
	case format == SampleFormatUint && bytesPer == 1:
		for i := range out {
			out[i] = float64(data[i])
		}
	case format == SampleFormatUint && bytesPer == 2:
		for i := range out {
			out[i] = float64(bo.Uint16(data[2*i:]))
		}
	case format == SampleFormatUint && bytesPer == 4:
		for i := range out {
			out[i] = float64(bo.Uint32(data[4*i:]))
		}
	case format == SampleFormatUint && bytesPer == 8:
		for i := range out {
			out[i] = float64(bo.Uint64(data[8*i:]))
		}
	case format == SampleFormatInt && bytesPer == 1:
		for i := range out {
			out[i] = float64(int8(data[i]))
		}
	case format == SampleFormatInt && bytesPer == 2:
		for i := range out {
			out[i] = float64(int16(bo.Uint16(data[2*i:])))
		}
	case format == SampleFormatInt && bytesPer == 4:
		for i := range out {
			out[i] = float64(int32(bo.Uint32(data[4*i:])))
		}
	case format == SampleFormatInt && bytesPer == 8:
		for i := range out {
			out[i] = float64(int64(bo.Uint64(data[8*i:])))
		}
	case format == SampleFormatFloat && bytesPer == 4:
		for i := range out {
			out[i] = float64(math.Float32frombits(bo.Uint32(data[4*i:])))
		}
	case format == SampleFormatFloat && bytesPer == 8:
		for i := range out {
			out[i] = math.Float64frombits(bo.Uint64(data[8*i:]))
		}
	default:
		return nil, fmt.Errorf("%w: sample format %d with %d bytes", ErrDecode, format, bytesPer)
	}
	return out, nil
}
