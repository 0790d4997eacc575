package render

import (
	"errors"
	"fmt"
	"math"

	"github.com/tilepipe/server/internal/raster"
)

var (
	// ErrInvalidRescaleRange is returned for a range with min == max or
	// non-finite endpoints.
	ErrInvalidRescaleRange = errors.New("invalid rescale range")
	// ErrBandCount is returned when a buffer cannot be encoded as an image.
	ErrBandCount = errors.New("unsupported band count")
)

// Range is a linear value range mapped onto 0..255.
type Range struct {
	Min, Max float64
}

func (r Range) validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return fmt.Errorf("%w: [%g, %g]", ErrInvalidRescaleRange, r.Min, r.Max)
	}
	if r.Min == r.Max {
		return fmt.Errorf("%w: min equals max (%g)", ErrInvalidRescaleRange, r.Min)
	}
	return nil
}

// Validate checks ranges independently of any data.
func Validate(ranges []Range) error {
	for _, r := range ranges {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ByteBuffer is an 8-bit, band-interleaved image with a validity mask.
type ByteBuffer struct {
	Width, Height int
	Bands         int
	Pix           []uint8
	Valid         []bool
}

// At returns band b of pixel (x, y).
func (bb *ByteBuffer) At(x, y, b int) uint8 {
	return bb.Pix[(y*bb.Width+x)*bb.Bands+b]
}

// Scale maps v onto 0..255 with rounding and clamping.
func (r Range) Scale(v float64) uint8 {
	s := math.Round((v - r.Min) / (r.Max - r.Min) * 255)
	switch {
	case s <= 0 || math.IsNaN(s):
		return 0
	case s >= 255:
		return 255
	}
	return uint8(s)
}

// Rescale converts buf to bytes. One range applies to every band, otherwise
// ranges must match the band count. With no ranges AutoRanges is used.
// Masked pixels stay 0 and are carried over in Valid.
func Rescale(buf *raster.Buffer, ranges []Range) (*ByteBuffer, error) {
	nb := buf.NumBands()
	switch len(ranges) {
	case 0:
		ranges = AutoRanges(buf)
	case 1, nb:
	default:
		return nil, fmt.Errorf("%w: %d ranges for %d bands", ErrInvalidRescaleRange, len(ranges), nb)
	}
	if err := Validate(ranges); err != nil {
		return nil, err
	}

	out := &ByteBuffer{
		Width:  buf.Width,
		Height: buf.Height,
		Bands:  nb,
		Pix:    make([]uint8, buf.Width*buf.Height*nb),
		Valid:  make([]bool, len(buf.Valid)),
	}
	copy(out.Valid, buf.Valid)
	for b := 0; b < nb; b++ {
		r := ranges[0]
		if len(ranges) > 1 {
			r = ranges[b]
		}
		for k, v := range buf.Bands[b] {
			if !buf.Valid[k] {
				continue
			}
			out.Pix[k*nb+b] = r.Scale(v)
		}
	}
	return out, nil
}

// AutoRanges computes per-band min/max over valid pixels. A band with a single
// distinct value gets [v, v+1], or the next representable float above v where
// v+1 rounds back to v; a band without valid pixels gets [0, 1].
func AutoRanges(buf *raster.Buffer) []Range {
	ranges := make([]Range, buf.NumBands())
	for b, vals := range buf.Bands {
		lo, hi := math.Inf(1), math.Inf(-1)
		for k, v := range vals {
			if !buf.Valid[k] {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		switch {
		case math.IsInf(lo, 1):
			ranges[b] = Range{Min: 0, Max: 1}
		case lo == hi:
			ranges[b] = widen(lo)
		default:
			ranges[b] = Range{Min: lo, Max: hi}
		}
	}
	return ranges
}

func widen(v float64) Range {
	if hi := v + 1; hi > v {
		return Range{Min: v, Max: hi}
	}
	if hi := math.Nextafter(v, math.Inf(1)); !math.IsInf(hi, 1) {
		return Range{Min: v, Max: hi}
	}
	return Range{Min: math.Nextafter(v, math.Inf(-1)), Max: v}
}
