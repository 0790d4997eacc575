package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/tilepipe/server/internal/raster"
)

func newBuffer(w, h int, bands ...[]float64) *raster.Buffer {
	buf := &raster.Buffer{Width: w, Height: h, Bands: bands, Valid: make([]bool, w*h)}
	for i := range buf.Valid {
		buf.Valid[i] = true
	}
	return buf
}

func TestRangeScaleEndpoints(t *testing.T) {
	t.Parallel()

	r := Range{Min: 0, Max: 2000}
	cases := []struct {
		in   float64
		want uint8
	}{
		{0, 0},
		{2000, 255},
		{1000, 128},
		{-5, 0},
		{3000, 255},
		{7.84, 1},
	}
	for _, tc := range cases {
		if got := r.Scale(tc.in); got != tc.want {
			t.Errorf("Scale(%g) = %d, want %d", tc.in, got, tc.want)
		}
	}

	inv := Range{Min: 1, Max: 0}
	if inv.Scale(1) != 0 || inv.Scale(0) != 255 {
		t.Fatalf("inverted range should flip output")
	}
}

func TestRescaleRejectsBadRanges(t *testing.T) {
	t.Parallel()

	buf := newBuffer(2, 1, []float64{1, 2}, []float64{3, 4}, []float64{5, 6})
	bad := [][]Range{
		{{Min: 5, Max: 5}},
		{{Min: 0, Max: 1}, {Min: 0, Max: 1}},
		{{Min: 0, Max: 1}, {Min: 2, Max: 2}, {Min: 0, Max: 1}},
	}
	for i, ranges := range bad {
		if _, err := Rescale(buf, ranges); !errors.Is(err, ErrInvalidRescaleRange) {
			t.Errorf("case %d: expected ErrInvalidRescaleRange, got %v", i, err)
		}
	}
}

func TestRescalePerBandAndMask(t *testing.T) {
	t.Parallel()

	buf := newBuffer(3, 1, []float64{0, 50, 100}, []float64{0, 5, 10}, []float64{0, 0, 0})
	buf.Valid[1] = false

	bb, err := Rescale(buf, []Range{{0, 100}, {0, 10}, {0, 1}})
	if err != nil {
		t.Fatalf("Rescale: %v", err)
	}
	if bb.At(2, 0, 0) != 255 || bb.At(2, 0, 1) != 255 || bb.At(2, 0, 2) != 0 {
		t.Fatalf("unexpected pixel 2: %v", bb.Pix[6:9])
	}
	if bb.At(1, 0, 0) != 0 || bb.Valid[1] {
		t.Fatalf("masked pixel should stay 0 and invalid")
	}
}

func TestAutoRangesIgnoreMaskedPixels(t *testing.T) {
	t.Parallel()

	buf := newBuffer(4, 1, []float64{-9999, 0.2, 0.6, 0.4}, []float64{3, 3, 3, 3}, []float64{0, 0, 0, 0})
	buf.Valid[0] = false
	ranges := AutoRanges(buf)
	if ranges[0] != (Range{Min: 0.2, Max: 0.6}) {
		t.Fatalf("band 1 range = %+v", ranges[0])
	}
	if ranges[1] != (Range{Min: 3, Max: 4}) {
		t.Fatalf("constant band range = %+v", ranges[1])
	}

	empty := newBuffer(1, 1, []float64{0})
	empty.Valid[0] = false
	if r := AutoRanges(empty)[0]; r != (Range{Min: 0, Max: 1}) {
		t.Fatalf("empty band range = %+v", r)
	}
}

func TestRescaleConstantExtremeBand(t *testing.T) {
	t.Parallel()

	// An undeclared float32 fill value, and the largest float64.
	for _, v := range []float64{-math.MaxFloat32, math.MaxFloat64} {
		buf := newBuffer(2, 1, []float64{v, v})
		r := AutoRanges(buf)[0]
		if !(r.Min < r.Max) {
			t.Fatalf("AutoRanges(%g) = %+v, want a non-empty range", v, r)
		}
		if _, err := Rescale(buf, nil); err != nil {
			t.Fatalf("Rescale constant %g: %v", v, err)
		}
	}
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func nrgba(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestEncodeDeterministic(t *testing.T) {
	t.Parallel()

	buf := newBuffer(4, 4,
		[]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		[]float64{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		[]float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5},
	)
	buf.Valid[5] = false
	enc := NewEncoder(Config{})

	var first []byte
	for i := 0; i < 3; i++ {
		bb, err := Rescale(buf, []Range{{0, 15}})
		if err != nil {
			t.Fatalf("Rescale: %v", err)
		}
		out, err := enc.Encode(bb, PNG, "")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if first == nil {
			first = out
			continue
		}
		if !bytes.Equal(first, out) {
			t.Fatalf("encoding %d differs", i)
		}
	}

	img := decodePNG(t, first)
	if got := nrgba(img, 1, 1); got.A != 0 {
		t.Fatalf("masked pixel should be transparent, got %+v", got)
	}
	if got := nrgba(img, 3, 3); got != (color.NRGBA{R: 255, G: 0, B: 85, A: 255}) {
		t.Fatalf("pixel (3,3) = %+v", got)
	}
}

func TestEncodeBandCounts(t *testing.T) {
	t.Parallel()

	enc := NewEncoder(Config{})
	two := &ByteBuffer{Width: 1, Height: 1, Bands: 2, Pix: []uint8{1, 2}, Valid: []bool{true}}
	if _, err := enc.Encode(two, PNG, ""); !errors.Is(err, ErrBandCount) {
		t.Fatalf("expected ErrBandCount, got %v", err)
	}

	four := &ByteBuffer{Width: 2, Height: 1, Bands: 4, Pix: []uint8{10, 20, 30, 40, 1, 2, 3, 255}, Valid: []bool{true, true}}
	out, err := enc.Encode(four, PNG, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img := decodePNG(t, out)
	if got := nrgba(img, 0, 0); got != (color.NRGBA{10, 20, 30, 40}) {
		t.Fatalf("4th band should be alpha, got %+v", got)
	}

	gray := &ByteBuffer{Width: 2, Height: 1, Bands: 1, Pix: []uint8{0, 200}, Valid: []bool{true, true}}
	out, err = enc.Encode(gray, PNG, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, ok := decodePNG(t, out).(*image.Gray); !ok {
		t.Fatal("opaque single band should encode as grayscale")
	}
}

func TestEncodeColormap(t *testing.T) {
	t.Parallel()

	enc := NewEncoder(Config{})
	bb := &ByteBuffer{Width: 2, Height: 1, Bands: 1, Pix: []uint8{0, 255}, Valid: []bool{true, true}}
	out, err := enc.Encode(bb, PNG, "greys")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img := decodePNG(t, out)
	if got := nrgba(img, 1, 0); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Fatalf("greys(255) = %+v", got)
	}
	if got := nrgba(img, 0, 0); got != (color.NRGBA{0, 0, 0, 255}) {
		t.Fatalf("greys(0) = %+v", got)
	}

	if _, err := enc.Encode(bb, PNG, "nope"); !errors.Is(err, ErrUnknownColormap) {
		t.Fatalf("expected ErrUnknownColormap, got %v", err)
	}
}

func TestEncodeJPEGDropsAlpha(t *testing.T) {
	t.Parallel()

	enc := NewEncoder(Config{JPEGQuality: 90})
	bb := &ByteBuffer{Width: 8, Height: 8, Bands: 3, Pix: make([]uint8, 8*8*3), Valid: make([]bool, 64)}
	for k := range bb.Valid {
		bb.Valid[k] = k%2 == 0
		bb.Pix[k*3] = 200
	}
	out, err := enc.Encode(bb, JPEG, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	if _, _, _, a := img.At(1, 0).RGBA(); a != 0xffff {
		t.Fatal("jpeg output should be opaque")
	}
}

func TestEncodeWithMarker(t *testing.T) {
	t.Parallel()

	enc := NewEncoder(Config{})
	bb := &ByteBuffer{Width: 32, Height: 32, Bands: 3, Pix: make([]uint8, 32*32*3), Valid: make([]bool, 32*32)}
	for k := range bb.Valid {
		bb.Valid[k] = true
	}

	plain, err := enc.Encode(bb, PNG, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	marked, err := enc.EncodeWithMarker(bb, PNG, "", Marker{X: 16, Y: 16})
	if err != nil {
		t.Fatalf("EncodeWithMarker: %v", err)
	}
	if bytes.Equal(plain, marked) {
		t.Fatal("marker did not change the image")
	}
	img := decodePNG(t, marked)
	if got := nrgba(img, 20, 16); got.R < 128 {
		t.Fatalf("expected red on the horizontal arm, got %+v", got)
	}
	if got := nrgba(img, 2, 2); got != (color.NRGBA{0, 0, 0, 255}) {
		t.Fatalf("corner should be untouched, got %+v", got)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{"png": PNG, ".jpg": JPEG, "JPEG": JPEG} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("webp"); err == nil {
		t.Error("expected error for webp")
	}
	if JPEG.MediaType() != "image/jpeg" || PNG.MediaType() != "image/png" {
		t.Error("unexpected media types")
	}
}
