package cog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/tilepipe/server/internal/raster/cog/cogtest"
)

func ramp(w, h int, scale, offset float64) []float64 {
	v := make([]float64, w*h)
	for i := range v {
		v[i] = math.Mod(float64(i)*scale+offset, 250)
	}
	return v
}

func TestParseGeoAndPyramid(t *testing.T) {
	nodata := -9999.0
	data, err := cogtest.Build(cogtest.Options{
		Width: 40, Height: 30,
		Bands:     [][]float64{ramp(40, 30, 1, 0)},
		Type:      cogtest.Int16,
		BlockSize: 16, Compression: 8,
		Overviews: []int{2, 4},
		Mask:      true,
		EPSG:      32654, OriginX: 500000, OriginY: 4000000, ResX: 10, ResY: 10,
		NoData: &nodata,
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Images) != 3 {
		t.Fatalf("images = %d, want full resolution plus 2 overviews (mask skipped)", len(f.Images))
	}
	if f.Images[1].Width != 20 || f.Images[2].Width != 10 {
		t.Errorf("overview widths = %d, %d", f.Images[1].Width, f.Images[2].Width)
	}
	if f.Geo.EPSG != 32654 {
		t.Errorf("EPSG = %d", f.Geo.EPSG)
	}
	if f.Geo.NoData == nil || *f.Geo.NoData != nodata {
		t.Errorf("nodata = %v", f.Geo.NoData)
	}
	minX, minY, maxX, maxY := f.Bounds()
	if minX != 500000 || maxX != 500400 || maxY != 4000000 || minY != 3999700 {
		t.Errorf("bounds = %v %v %v %v", minX, minY, maxX, maxY)
	}
	if f.Bands() != 1 {
		t.Errorf("bands = %d", f.Bands())
	}
}

func TestGeographicKey(t *testing.T) {
	data, err := cogtest.Build(cogtest.Options{
		Width: 4, Height: 4, Bands: [][]float64{ramp(4, 4, 1, 0)},
		EPSG: 4326, OriginX: 139, OriginY: 36, ResX: 0.25, ResY: 0.25,
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if f.Geo.EPSG != 4326 || f.Geo.ResX != 0.25 {
		t.Errorf("geo = %+v", f.Geo)
	}
}

// readAll reassembles band b of image level from its blocks.
func readAll(t *testing.T, f *File, r *bytes.Reader, level, b int) []float64 {
	t.Helper()
	im := f.Images[level]
	out := make([]float64, im.Width*im.Height)
	plane, sample := 0, b
	if im.Planar == PlanarSeparate {
		plane, sample = b, 0
	}
	for row := 0; row < im.BlocksDown(); row++ {
		for col := 0; col < im.BlocksAcross(); col++ {
			blk, err := f.ReadBlock(r, level, col, row, plane)
			if err != nil {
				t.Fatalf("ReadBlock(%d,%d,%d): %v", col, row, plane, err)
			}
			for y := 0; y < blk.Height; y++ {
				for x := 0; x < blk.Width; x++ {
					px, py := col*im.BlockWidth+x, row*im.BlockHeight+y
					if px < im.Width && py < im.Height {
						out[py*im.Width+px] = blk.At(x, y, sample)
					}
				}
			}
		}
	}
	return out
}

func TestBlockRoundTrip(t *testing.T) {
	w, h := 37, 23
	bands := [][]float64{ramp(w, h, 3, 1), ramp(w, h, 7, 5), ramp(w, h, 11, 9)}

	cases := []cogtest.Options{
		{BlockSize: 16, Compression: 1},
		{BlockSize: 16, Compression: 8, Predictor: 2},
		{BlockSize: 16, Compression: 50000},
		{BlockSize: 16, Compression: 8, Planar: true},
		{BlockSize: 32, Compression: 8, Type: cogtest.Uint16, Predictor: 2, BigEndian: true},
		{BlockSize: 16, Compression: 8, Type: cogtest.Float32},
		{BlockSize: 16, Compression: 1, Type: cogtest.Int16, Planar: true, BigEndian: true},
		{RowsPerStrip: 5, Compression: 8},
		{RowsPerStrip: 0, Compression: 1, Type: cogtest.Uint16, Predictor: 2},
		{RowsPerStrip: 7, Compression: 50000, Planar: true},
	}
	for i, opts := range cases {
		opts.Width, opts.Height, opts.Bands = w, h, bands
		t.Run(fmt.Sprintf("case%d", i), func(t *testing.T) {
			data, err := cogtest.Build(opts)
			if err != nil {
				t.Fatal(err)
			}
			r := bytes.NewReader(data)
			f, err := Parse(r)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			for b := range bands {
				got := readAll(t, f, r, 0, b)
				for j, want := range bands[b] {
					if got[j] != math.Trunc(want) {
						t.Fatalf("band %d pixel %d = %v, want %v", b+1, j, got[j], math.Trunc(want))
					}
				}
			}
		})
	}
}

func TestJPEGBlock(t *testing.T) {
	w, h := 16, 16
	fill := func(v float64) []float64 {
		s := make([]float64, w*h)
		for i := range s {
			s[i] = v
		}
		return s
	}
	data, err := cogtest.Build(cogtest.Options{
		Width: w, Height: h, Bands: [][]float64{fill(200), fill(100), fill(50)},
		BlockSize: 16, Compression: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	r := bytes.NewReader(data)
	f, err := Parse(r)
	if err != nil {
		t.Fatal(err)
	}
	blk, err := f.ReadBlock(r, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for s, want := range []float64{200, 100, 50} {
		if got := blk.At(8, 8, s); math.Abs(got-want) > 4 {
			t.Errorf("sample %d = %v, want about %v", s, got, want)
		}
	}
}

func TestFloatingPointPredictor(t *testing.T) {
	values := []float32{1.5, -2.25, 1e-3, 42, 0, 3.75}
	width, samples := 3, 2
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		// Encode: split into byte planes (most significant first), then
		// difference bytes with a stride of samples.
		wc := width * samples
		row := make([]byte, wc*4)
		for i, v := range values {
			bits := math.Float32bits(v)
			for b := 0; b < 4; b++ {
				row[b*wc+i] = byte(bits >> (24 - 8*b))
			}
		}
		for i := len(row) - 1; i >= samples; i-- {
			row[i] -= row[i-samples]
		}

		out := undoFloatingPoint(row, bo, width, 1, samples, 4)
		got, err := toFloat64(out, bo, SampleFormatFloat, 4)
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range values {
			if got[i] != float64(v) {
				t.Errorf("%v: value %d = %v, want %v", bo, i, got[i], v)
			}
		}
	}
}

func TestMergeJPEGTables(t *testing.T) {
	tables := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xFF, 0xD9}
	tile := []byte{0xFF, 0xD8, 0xCC, 0xFF, 0xD9}
	got := mergeJPEGTables(tables, tile)
	want := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xCC, 0xFF, 0xD9}
	if !bytes.Equal(got, want) {
		t.Errorf("merged = % x, want % x", got, want)
	}
	if got := mergeJPEGTables(nil, tile); !bytes.Equal(got, tile) {
		t.Error("block without tables must pass through")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Parse(bytes.NewReader([]byte("GIF89a.."))); !errors.Is(err, ErrDecode) {
		t.Errorf("bad magic: %v", err)
	}

	data, err := cogtest.Build(cogtest.Options{
		Width: 8, Height: 8, Bands: [][]float64{ramp(8, 8, 1, 0)}, BlockSize: 16, Compression: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the compressed block.
	bad := append([]byte(nil), data...)
	off := f.Images[0].Offsets[0]
	for i := uint64(0); i < f.Images[0].ByteCounts[0]; i++ {
		bad[off+i] = 0x55
	}
	if _, err := f.ReadBlock(bytes.NewReader(bad), 0, 0, 0, 0); !errors.Is(err, ErrDecode) {
		t.Errorf("corrupt block: %v", err)
	}

	// Unsupported compression.
	f.Images[0].Compression = 34712
	if _, err := f.ReadBlock(bytes.NewReader(data), 0, 0, 0, 0); !errors.Is(err, ErrDecode) {
		t.Errorf("unknown compression: %v", err)
	}

	if _, err := f.ReadBlock(bytes.NewReader(data), 0, 5, 0, 0); !errors.Is(err, ErrDecode) {
		t.Errorf("block outside image: %v", err)
	}
}

func TestSparseBlockIsNoData(t *testing.T) {
	nodata := 0.0
	data, err := cogtest.Build(cogtest.Options{
		Width: 8, Height: 8, Bands: [][]float64{ramp(8, 8, 1, 3)}, BlockSize: 16, NoData: &nodata,
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	f.Images[0].ByteCounts[0] = 0
	blk, err := f.ReadBlock(bytes.NewReader(data), 0, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if blk.At(3, 3, 0) != 0 {
		t.Errorf("sparse block value = %v", blk.At(3, 3, 0))
	}
}
