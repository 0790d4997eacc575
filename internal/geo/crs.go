// Package geo provides the coordinate reference systems the tile pipeline
// understands and point/bounds transforms between them.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CRS is an EPSG code.
type CRS int

const (
	// WGS84 is geographic longitude/latitude in degrees.
	WGS84 CRS = 4326
	// WebMercator is the spherical Mercator projection used by slippy-map tiles.
	WebMercator CRS = 3857
)

// ErrUnsupportedCRS is returned for EPSG codes outside the supported set.
var ErrUnsupportedCRS = errors.New("unsupported crs")

// ParseCRS parses "EPSG:32654", "epsg:4326" or a bare code.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "epsg") {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
		}
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
	}
	c := CRS(code)
	if c == 900913 {
		c = WebMercator
	}
	if !c.Supported() {
		return 0, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, code)
	}
	return c, nil
}

// Supported reports whether transforms to and from c are implemented.
func (c CRS) Supported() bool {
	if c == WGS84 || c == WebMercator {
		return true
	}
	_, _, ok := c.utmZone()
	return ok
}

// Geographic reports whether c uses degrees.
func (c CRS) Geographic() bool { return c == WGS84 }

func (c CRS) String() string { return "EPSG:" + strconv.Itoa(int(c)) }

// utmZone decodes WGS84 / UTM codes 32601..32660 and 32701..32760.
func (c CRS) utmZone() (zone int, south bool, ok bool) {
	switch {
	case c >= 32601 && c <= 32660:
		return int(c - 32600), false, true
	case c >= 32701 && c <= 32760:
		return int(c - 32700), true, true
	}
	return 0, false, false
}

// Func transforms one point.
type Func func(x, y float64) (float64, float64)

// Transformer returns the point transform from one CRS to another. Every
// supported system shares the WGS84 datum, so points pivot through
// longitude/latitude with each system's wgs84 projection and no datum shift.
func Transformer(from, to CRS) (Func, error) {
	if from == to {
		return func(x, y float64) (float64, float64) { return x, y }, nil
	}
	inv, err := toLonLat(from)
	if err != nil {
		return nil, err
	}
	fwd, err := fromLonLat(to)
	if err != nil {
		return nil, err
	}
	return func(x, y float64) (float64, float64) {
		return fwd(inv(x, y))
	}, nil
}

// Transform converts one point from one CRS to another.
func Transform(from, to CRS, x, y float64) (float64, float64, error) {
	f, err := Transformer(from, to)
	if err != nil {
		return 0, 0, err
	}
	tx, ty := f(x, y)
	return tx, ty, nil
}

func toLonLat(c CRS) (Func, error) {
	switch c {
	case WGS84:
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case WebMercator:
		return MercatorToLonLat, nil
	}
	crs, ok := projected(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, c)
	}
	return func(x, y float64) (float64, float64) {
		return crs.Projection.ToLonLat(x, y, crs.Datum)
	}, nil
}

func fromLonLat(c CRS) (Func, error) {
	switch c {
	case WGS84:
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case WebMercator:
		return LonLatToMercator, nil
	}
	crs, ok := projected(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, c)
	}
	return func(lon, lat float64) (float64, float64) {
		return crs.Projection.FromLonLat(lon, lat, crs.Datum)
	}, nil
}

// Bounds is an axis-aligned rectangle.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Valid reports whether the rectangle has positive area.
func (b Bounds) Valid() bool {
	return b.MinX < b.MaxX && b.MinY < b.MaxY &&
		!math.IsNaN(b.MinX) && !math.IsNaN(b.MinY) && !math.IsNaN(b.MaxX) && !math.IsNaN(b.MaxY)
}

// Intersects reports whether the two rectangles share a region of positive area.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// Intersection returns the overlap of two rectangles; the result may be invalid.
func (b Bounds) Intersection(o Bounds) Bounds {
	return Bounds{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}
}

// TransformBounds reprojects a rectangle by sampling densify+2 points along
// each edge and taking the bounding box of the results.
func TransformBounds(from, to CRS, b Bounds, densify int) (Bounds, error) {
	if from == to {
		return b, nil
	}
	if densify < 0 {
		densify = 0
	}
	out := Bounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	f, err := Transformer(from, to)
	if err != nil {
		return Bounds{}, err
	}
	steps := densify + 1
	add := func(x, y float64) {
		tx, ty := f(x, y)
		out.MinX = math.Min(out.MinX, tx)
		out.MinY = math.Min(out.MinY, ty)
		out.MaxX = math.Max(out.MaxX, tx)
		out.MaxY = math.Max(out.MaxY, ty)
	}
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		x := b.MinX + f*(b.MaxX-b.MinX)
		y := b.MinY + f*(b.MaxY-b.MinY)
		for _, p := range [][2]float64{
			{x, b.MinY}, {x, b.MaxY}, {b.MinX, y}, {b.MaxX, y},
		} {
			add(p[0], p[1])
		}
	}
	return out, nil
}
