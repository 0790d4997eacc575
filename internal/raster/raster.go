// Package raster reads windows of georeferenced rasters (COG / GeoTIFF) into
// float buffers with a validity mask: map tiles, arbitrary bounding boxes
// reprojected to a target CRS, and whole-dataset previews.
package raster

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/raster/cog"
	"github.com/tilepipe/server/internal/source"
)

var (
	// ErrNotFound means the request does not overlap the dataset.
	ErrNotFound = errors.New("no raster data for request")
	// ErrInvalidBand reports a band index or expression the dataset cannot serve.
	ErrInvalidBand = errors.New("invalid band selection")
)

// Resampling selects how source pixels are interpolated.
type Resampling int

const (
	// DefaultResampling means no method was chosen; reads use nearest.
	DefaultResampling Resampling = iota
	Nearest
	Bilinear
)

// ParseResampling accepts "nearest" or "bilinear"; empty yields
// DefaultResampling.
func ParseResampling(s string) (Resampling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultResampling, nil
	case "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	}
	return 0, fmt.Errorf("unknown resampling %q", s)
}

func (r Resampling) String() string {
	switch r {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	}
	return "default"
}

// ReadOptions select bands and output geometry.
type ReadOptions struct {
	Bands      []int  // 1-based; empty means 1,2,3 for RGB sources and 1 otherwise
	Expression string // band math, overrides Bands
	Resampling Resampling
	MaxSize    int // longest output side for Part and Preview
	TileSize   int // output size for Tile (default 256)
}

// Buffer is a decoded window. Bands hold row-major values; Valid is one mask
// shared by all bands. Masked pixels hold 0.
type Buffer struct {
	Width, Height int
	Bands         [][]float64
	Valid         []bool
}

// NumBands is the number of output bands.
func (b *Buffer) NumBands() int { return len(b.Bands) }

// ValidCount counts unmasked pixels.
func (b *Buffer) ValidCount() int {
	n := 0
	for _, v := range b.Valid {
		if v {
			n++
		}
	}
	return n
}

func newBuffer(w, h, bands int) *Buffer {
	b := &Buffer{Width: w, Height: h, Bands: make([][]float64, bands), Valid: make([]bool, w*h)}
	for i := range b.Bands {
		b.Bands[i] = make([]float64, w*h)
	}
	return b
}

// Dataset is an opened raster. It is borrowed by one request and must be
// closed when the read finishes.
type Dataset struct {
	uri      string
	handle   source.Handle
	file     *cog.File
	crs      geo.CRS
	mercator geo.Bounds
	fetch    int
}

// Close releases the underlying handle.
func (d *Dataset) Close() error { return d.handle.Close() }

func (d *Dataset) URI() string      { return d.uri }
func (d *Dataset) CRS() geo.CRS     { return d.crs }
func (d *Dataset) BandCount() int   { return d.file.Bands() }
func (d *Dataset) Width() int       { return d.file.Images[0].Width }
func (d *Dataset) Height() int      { return d.file.Images[0].Height }
func (d *Dataset) Overviews() int   { return len(d.file.Images) - 1 }
func (d *Dataset) NoData() *float64 { return d.file.Geo.NoData }

// Bounds is the dataset extent in its native CRS.
func (d *Dataset) Bounds() geo.Bounds {
	minX, minY, maxX, maxY := d.file.Bounds()
	return geo.Bounds{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

func newDataset(uri string, h source.Handle, f *cog.File, fetch int) (*Dataset, error) {
	if f.Geo.EPSG == 0 {
		return nil, fmt.Errorf("%w: %s has no georeferencing", cog.ErrDecode, uri)
	}
	crs := geo.CRS(f.Geo.EPSG)
	if !crs.Supported() {
		return nil, fmt.Errorf("%w: %s: %v", cog.ErrDecode, uri, geo.ErrUnsupportedCRS)
	}
	d := &Dataset{uri: uri, handle: h, file: f, crs: crs, fetch: fetch}
	mb, err := geo.TransformBounds(crs, geo.WebMercator, d.Bounds(), 20)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", cog.ErrDecode, uri, err)
	}
	d.mercator = mb
	return d, nil
}

// fitSize scales w x h so the longest side is at most maxSize.
func fitSize(w, h, maxSize int) (int, int) {
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return max(w, 1), max(h, 1)
	}
	if w >= h {
		return maxSize, max(1, int(math.Round(float64(h)*float64(maxSize)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(maxSize)/float64(h)))), maxSize
}
