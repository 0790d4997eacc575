// Package service runs the tile pipelines: admission, address resolution,
// the pooled data read and encoding, and classification of the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/archive"
	"github.com/tilepipe/server/internal/gate"
	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/logger"
	"github.com/tilepipe/server/internal/observability"
	"github.com/tilepipe/server/internal/postgis"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/tile"
	"github.com/tilepipe/server/internal/worker"
)

// DatasetOpener opens rasters; *raster.Opener is the production implementation.
type DatasetOpener interface {
	Open(ctx context.Context, uri string) (*raster.Dataset, error)
}

// VectorGateway produces MVT bytes for an envelope.
type VectorGateway interface {
	FetchVectorTile(ctx context.Context, env tile.Envelope, layer postgis.Layer) (postgis.Tile, error)
}

// TileServiceConfig contains tile service dependencies.
type TileServiceConfig struct {
	Pool    *worker.Pool
	Rasters DatasetOpener
	Vectors VectorGateway
	Points  PointStore
	Imagery ImageryFinder
	Encoder *render.Encoder
	Log     zerolog.Logger
}

// TileService handles tile rendering and serving.
type TileService struct {
	pool    *worker.Pool
	rasters DatasetOpener
	vectors VectorGateway
	points  PointStore
	imagery ImageryFinder
	encoder *render.Encoder
	log     zerolog.Logger
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	enc := cfg.Encoder
	if enc == nil {
		enc = render.NewEncoder(render.Config{})
	}
	return &TileService{
		pool:    cfg.Pool,
		rasters: cfg.Rasters,
		vectors: cfg.Vectors,
		points:  cfg.Points,
		imagery: cfg.Imagery,
		encoder: enc,
		log:     cfg.Log.With().Str("component", "service").Logger(),
	}
}

// finish classifies err (when res is not already decided), records metrics
// and logs failures.
func (s *TileService) finish(ctx context.Context, kind string, began time.Time, res Result) Result {
	observability.ObserveTile(kind, res.Outcome.String(), time.Since(began).Seconds())
	if res.Outcome == UpstreamError {
		logger.FromContext(ctx, &s.log).Error().Err(res.Err).Str("kind", kind).Msg("tile pipeline failed")
	} else if res.Err != nil {
		logger.FromContext(ctx, &s.log).Debug().Err(res.Err).Str("kind", kind).Str("outcome", res.Outcome.String()).Msg("tile not served")
	}
	return res
}

func rejected(d gate.Decision) Result {
	return Result{Outcome: RejectedByPolicy, Err: errors.New(d.Reason)}
}

// VectorTile serves one MVT tile of layer. A query that matches nothing is
// Empty, not an error.
func (s *TileService) VectorTile(ctx context.Context, layer postgis.Layer, c tile.Coordinate) Result {
	began := time.Now()
	ctx = logger.WithTile(ctx, c.String())

	if d := gate.Admit(c, gate.Policy{MinZoom: layer.MinZoom, MaxZoom: layer.MaxZoom}); !d.Admitted {
		return s.finish(ctx, "vector", began, rejected(d))
	}
	env, err := tile.Resolve(c, geo.WebMercator)
	if err != nil {
		return s.finish(ctx, "vector", began, Classify(err))
	}
	t, err := worker.Do(ctx, s.pool, func(ctx context.Context) (postgis.Tile, error) {
		return s.vectors.FetchVectorTile(ctx, env, layer)
	})
	if err != nil {
		return s.finish(ctx, "vector", began, Classify(err))
	}
	res := Result{Outcome: Rendered, Body: t.Data, MediaType: archive.MediaTypeMVT}
	if t.Empty() {
		res.Outcome, res.Body = Empty, nil
	}
	return s.finish(ctx, "vector", began, res)
}

// ArchiveTile serves a stored tile, forwarding its Content-Encoding.
func (s *TileService) ArchiveTile(ctx context.Context, a archive.Archive, c tile.Coordinate) Result {
	began := time.Now()
	ctx = logger.WithTile(ctx, c.String())

	info := a.Info()
	if d := gate.Admit(c, gate.Policy{MinZoom: info.MinZoom, MaxZoom: info.MaxZoom}); !d.Admitted {
		return s.finish(ctx, "archive", began, rejected(d))
	}
	t, err := worker.Do(ctx, s.pool, func(ctx context.Context) (archive.Tile, error) {
		return a.Tile(ctx, c)
	})
	if err != nil {
		return s.finish(ctx, "archive", began, Classify(err))
	}
	return s.finish(ctx, "archive", began, Result{
		Outcome:         Rendered,
		Body:            t.Data,
		MediaType:       t.MediaType,
		ContentEncoding: t.ContentEncoding,
	})
}

// rasterRead reads from an opened dataset; the dataset is closed by the caller.
type rasterRead func(ctx context.Context, ds *raster.Dataset, opts raster.ReadOptions) (*raster.Buffer, error)

// renderRaster validates p, then opens src, reads and encodes on the pool.
// Nothing is opened when validation fails.
func (s *TileService) renderRaster(ctx context.Context, kind string, began time.Time, src RasterSource, p RenderParams, read rasterRead) Result {
	p = src.withDefaults(p)
	if err := p.Validate(); err != nil {
		return s.finish(ctx, kind, began, Classify(err))
	}
	body, err := worker.Do(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
		ds, err := s.rasters.Open(ctx, src.URI)
		if err != nil {
			return nil, err
		}
		defer ds.Close()

		buf, err := read(ctx, ds, p.readOptions(src))
		if err != nil {
			return nil, err
		}
		bb, err := render.Rescale(buf, p.Rescale)
		if err != nil {
			return nil, err
		}
		return s.encoder.Encode(bb, p.Format, p.Colormap)
	})
	if err != nil {
		return s.finish(ctx, kind, began, Classify(err))
	}
	return s.finish(ctx, kind, began, Result{Outcome: Rendered, Body: body, MediaType: p.Format.MediaType()})
}

// RasterTile renders map tile c of src in EPSG:3857.
func (s *TileService) RasterTile(ctx context.Context, src RasterSource, c tile.Coordinate, p RenderParams) Result {
	began := time.Now()
	ctx = logger.WithTile(ctx, c.String())

	if d := gate.Admit(c, src.Policy); !d.Admitted {
		return s.finish(ctx, "raster_tile", began, rejected(d))
	}
	return s.renderRaster(ctx, "raster_tile", began, src, p, func(ctx context.Context, ds *raster.Dataset, opts raster.ReadOptions) (*raster.Buffer, error) {
		return ds.Tile(ctx, c, opts)
	})
}

// AdmitRasterTile applies the zoom window of src on its own, so callers can
// reject a tile before parsing its render parameters. A rejection is recorded
// like any other tile result.
func (s *TileService) AdmitRasterTile(ctx context.Context, src RasterSource, c tile.Coordinate) (Result, bool) {
	if d := gate.Admit(c, src.Policy); !d.Admitted {
		return s.finish(logger.WithTile(ctx, c.String()), "raster_tile", time.Now(), rejected(d)), false
	}
	return Result{}, true
}

// RasterPart reads bbox (EPSG:4326) of src reprojected to dst. MaxSize
// defaults to DefaultPartSize.
func (s *TileService) RasterPart(ctx context.Context, src RasterSource, bbox tile.Envelope, dst geo.CRS, p RenderParams) Result {
	began := time.Now()
	if !dst.Supported() {
		return s.finish(ctx, "raster_part", began, Classify(fmt.Errorf("%w: %w %s", ErrInvalidParameter, geo.ErrUnsupportedCRS, dst)))
	}
	if p.MaxSize == 0 {
		p.MaxSize = DefaultPartSize
	}
	return s.renderRaster(ctx, "raster_part", began, src, p, func(ctx context.Context, ds *raster.Dataset, opts raster.ReadOptions) (*raster.Buffer, error) {
		return ds.Part(ctx, bbox, dst, opts)
	})
}

// RasterPreview reads all of src at most MaxSize (default 1024) on a side.
func (s *TileService) RasterPreview(ctx context.Context, src RasterSource, p RenderParams) Result {
	began := time.Now()
	if p.MaxSize == 0 {
		p.MaxSize = raster.DefaultPreviewSize
	}
	return s.renderRaster(ctx, "raster_preview", began, src, p, func(ctx context.Context, ds *raster.Dataset, opts raster.ReadOptions) (*raster.Buffer, error) {
		return ds.Preview(ctx, opts)
	})
}
