package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/tile"
)

const (
	DefaultTileSize    = 256
	DefaultPreviewSize = 1024
)

// TileExists reports whether the tile envelope intersects the data extent,
// compared in EPSG:3857.
func (d *Dataset) TileExists(c tile.Coordinate) bool {
	env, err := tile.Resolve(c, geo.WebMercator)
	if err != nil {
		return false
	}
	return env.Bounds().Intersects(d.mercator)
}

// Tile renders map tile c in EPSG:3857. A tile outside the data extent is
// ErrNotFound and nothing is read.
func (d *Dataset) Tile(ctx context.Context, c tile.Coordinate, opts ReadOptions) (*Buffer, error) {
	if !d.TileExists(c) {
		return nil, fmt.Errorf("%w: tile %s outside %s", ErrNotFound, c, d.uri)
	}
	env, err := tile.Resolve(c, geo.WebMercator)
	if err != nil {
		return nil, err
	}
	size := opts.TileSize
	if size <= 0 {
		size = DefaultTileSize
	}
	return d.read(ctx, window{crs: geo.WebMercator, bounds: env.Bounds(), width: size, height: size}, opts)
}

// Part reads bbox reprojected to dst. The output keeps the dataset's native
// resolution unless the longest side exceeds opts.MaxSize, in which case it
// is scaled down with the aspect ratio preserved.
func (d *Dataset) Part(ctx context.Context, bbox tile.Envelope, dst geo.CRS, opts ReadOptions) (*Buffer, error) {
	target, err := bbox.Transform(dst)
	if err != nil {
		return nil, err
	}
	native, err := geo.TransformBounds(d.crs, dst, d.Bounds(), 20)
	if err != nil {
		return nil, err
	}
	if !target.Bounds().Intersects(native) {
		return nil, fmt.Errorf("%w: bbox outside %s", ErrNotFound, d.uri)
	}

	resX := (native.MaxX - native.MinX) / float64(d.Width())
	resY := (native.MaxY - native.MinY) / float64(d.Height())
	w := int(math.Ceil(target.Width()/resX - 1e-6))
	h := int(math.Ceil(target.Height()/resY - 1e-6))
	w, h = fitSize(w, h, opts.MaxSize)
	return d.read(ctx, window{crs: dst, bounds: target.Bounds(), width: w, height: h}, opts)
}

// Preview reads the whole dataset in its native CRS with the longest side
// at most opts.MaxSize (default 1024).
func (d *Dataset) Preview(ctx context.Context, opts ReadOptions) (*Buffer, error) {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultPreviewSize
	}
	w, h := fitSize(d.Width(), d.Height(), maxSize)
	return d.read(ctx, window{crs: d.crs, bounds: d.Bounds(), width: w, height: h}, opts)
}

// PixelOf returns the output-pixel position of lon/lat inside a Preview of
// size w x h, for drawing markers.
func (d *Dataset) PixelOf(lon, lat float64, w, h int) (float64, float64, error) {
	x, y, err := geo.Transform(geo.WGS84, d.crs, lon, lat)
	if err != nil {
		return 0, 0, err
	}
	b := d.Bounds()
	return (x - b.MinX) / (b.MaxX - b.MinX) * float64(w), (b.MaxY - y) / (b.MaxY - b.MinY) * float64(h), nil
}
