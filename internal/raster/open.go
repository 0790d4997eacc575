package raster

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tilepipe/server/internal/raster/cog"
	"github.com/tilepipe/server/internal/source"
)

// Source opens byte handles; *source.Opener is the production implementation.
type Source interface {
	Open(ctx context.Context, uri string) (source.Handle, error)
}

// OpenerConfig contains metadata cache and read settings.
type OpenerConfig struct {
	MetadataEntries  int64         // parsed headers kept (default 256)
	MetadataTTL      time.Duration // default 10m
	FetchConcurrency int           // concurrent block reads per window (default 8)
}

// Opener opens datasets. Parsed TIFF structure is cached per URI and size,
// so repeated tile requests only pay for the handle and the blocks they read.
type Opener struct {
	src   Source
	cfg   OpenerConfig
	meta  *ccache.Cache[*cog.File]
	group singleflight.Group
	log   zerolog.Logger
}

// NewOpener creates an opener. Call Stop to release the cache goroutine.
func NewOpener(src Source, cfg OpenerConfig, log zerolog.Logger) *Opener {
	if cfg.MetadataEntries <= 0 {
		cfg.MetadataEntries = 256
	}
	if cfg.MetadataTTL <= 0 {
		cfg.MetadataTTL = 10 * time.Minute
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}
	return &Opener{
		src:  src,
		cfg:  cfg,
		meta: ccache.New(ccache.Configure[*cog.File]().MaxSize(cfg.MetadataEntries).ItemsToPrune(uint32(max(cfg.MetadataEntries/10, 1)))),
		log:  log.With().Str("component", "raster").Logger(),
	}
}

// Stop stops the metadata cache.
func (o *Opener) Stop() { o.meta.Stop() }

// Open opens uri and parses (or reuses) its structure. The returned dataset
// owns the handle; the caller must Close it.
func (o *Opener) Open(ctx context.Context, uri string) (*Dataset, error) {
	h, err := o.src.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	f, err := o.metadata(uri, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	d, err := newDataset(uri, h, f, o.cfg.FetchConcurrency)
	if err != nil {
		h.Close()
		return nil, err
	}
	return d, nil
}

func (o *Opener) metadata(uri string, h source.Handle) (*cog.File, error) {
	key := fmt.Sprintf("%s#%d", uri, h.Size())
	if item := o.meta.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, shared := o.group.Do(key, func() (any, error) {
		began := time.Now()
		f, err := cog.Parse(h)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", uri, err)
		}
		o.meta.Set(key, f, o.cfg.MetadataTTL)
		o.log.Debug().Str("uri", uri).Int("images", len(f.Images)).Dur("took", time.Since(began)).Msg("parsed raster header")
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.log.Trace().Str("uri", uri).Msg("header parse shared")
	}
	return v.(*cog.File), nil
}
