package service

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tilepipe/server/internal/feature"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/worker"
)

// PointStore is the point CRUD backend; *feature.Store implements it.
type PointStore interface {
	List(ctx context.Context, bbox *orb.Bound) (*geojson.FeatureCollection, error)
	Get(ctx context.Context, id int64) (feature.Point, error)
	Create(ctx context.Context, lon, lat float64) (feature.Point, error)
	Update(ctx context.Context, id int64, patch feature.Patch) (feature.Point, error)
	Delete(ctx context.Context, id int64) error
}

// ImageryFinder locates the newest scene covering a position;
// *stac.Client implements it.
type ImageryFinder interface {
	LatestAsset(ctx context.Context, lon, lat float64) (string, error)
}

// ListPoints returns the points inside bbox, or all of them up to the store
// limit when bbox is nil.
func (s *TileService) ListPoints(ctx context.Context, bbox *orb.Bound) (*geojson.FeatureCollection, error) {
	return worker.Do(ctx, s.pool, func(ctx context.Context) (*geojson.FeatureCollection, error) {
		return s.points.List(ctx, bbox)
	})
}

func (s *TileService) GetPoint(ctx context.Context, id int64) (feature.Point, error) {
	return worker.Do(ctx, s.pool, func(ctx context.Context) (feature.Point, error) {
		return s.points.Get(ctx, id)
	})
}

func (s *TileService) CreatePoint(ctx context.Context, lon, lat float64) (feature.Point, error) {
	return worker.Do(ctx, s.pool, func(ctx context.Context) (feature.Point, error) {
		return s.points.Create(ctx, lon, lat)
	})
}

func (s *TileService) UpdatePoint(ctx context.Context, id int64, patch feature.Patch) (feature.Point, error) {
	return worker.Do(ctx, s.pool, func(ctx context.Context) (feature.Point, error) {
		return s.points.Update(ctx, id, patch)
	})
}

func (s *TileService) DeletePoint(ctx context.Context, id int64) error {
	_, err := worker.Do(ctx, s.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.points.Delete(ctx, id)
	})
	return err
}

// SatellitePreview renders the newest scene around point id as a JPEG of at
// most maxSize pixels (default DefaultPartSize) on a side, with a marker on
// the point.
func (s *TileService) SatellitePreview(ctx context.Context, id int64, maxSize int) Result {
	began := time.Now()
	if maxSize == 0 {
		maxSize = DefaultPartSize
	}
	if maxSize < 0 || maxSize > MaxOutputSize {
		return s.finish(ctx, "satellite", began, Classify(fmt.Errorf("%w: max_size %d outside 1..%d", ErrInvalidParameter, maxSize, MaxOutputSize)))
	}

	body, err := worker.Do(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
		p, err := s.points.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		href, err := s.imagery.LatestAsset(ctx, p.Longitude, p.Latitude)
		if err != nil {
			return nil, err
		}
		ds, err := s.rasters.Open(ctx, href)
		if err != nil {
			return nil, err
		}
		defer ds.Close()

		buf, err := ds.Preview(ctx, raster.ReadOptions{MaxSize: maxSize})
		if err != nil {
			return nil, err
		}
		bb, err := render.Rescale(buf, []render.Range{{Min: 0, Max: 255}})
		if err != nil {
			return nil, err
		}
		x, y, err := ds.PixelOf(p.Longitude, p.Latitude, buf.Width, buf.Height)
		if err != nil {
			return nil, err
		}
		return s.encoder.EncodeWithMarker(bb, render.JPEG, "", render.Marker{X: x, Y: y})
	})
	if err != nil {
		return s.finish(ctx, "satellite", began, Classify(err))
	}
	return s.finish(ctx, "satellite", began, Result{Outcome: Rendered, Body: body, MediaType: render.JPEG.MediaType()})
}
