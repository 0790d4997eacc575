package service

import (
	"errors"
	"fmt"

	"github.com/tilepipe/server/internal/gate"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/raster/expr"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/pkg/colormap"
)

// ErrInvalidParameter reports a request parameter rejected before any I/O.
var ErrInvalidParameter = errors.New("invalid parameter")

const (
	// MaxOutputSize is the largest max_size a client may ask for.
	MaxOutputSize = 1024
	// DefaultPartSize is the max_size of part reads and satellite previews.
	DefaultPartSize = 256
)

// RenderParams are the client-controlled knobs of a raster render.
type RenderParams struct {
	Bands      []int
	Expression string
	Rescale    []render.Range // empty: source default, else auto range
	Resampling raster.Resampling
	MaxSize    int
	Format     render.Format
	Colormap   string
}

// Validate checks p without touching any data source.
func (p RenderParams) Validate() error {
	if len(p.Bands) > 0 && p.Expression != "" {
		return fmt.Errorf("%w: bidx and expression are exclusive", ErrInvalidParameter)
	}
	for _, b := range p.Bands {
		if b < 1 {
			return fmt.Errorf("%w: band index %d", ErrInvalidParameter, b)
		}
	}
	if p.Expression != "" {
		if _, err := expr.Compile(p.Expression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
		}
	}
	if err := render.Validate(p.Rescale); err != nil {
		return err
	}
	if p.MaxSize < 0 || p.MaxSize > MaxOutputSize {
		return fmt.Errorf("%w: max_size %d outside 1..%d", ErrInvalidParameter, p.MaxSize, MaxOutputSize)
	}
	if p.Colormap != "" {
		if _, ok := colormap.ByName(p.Colormap); !ok {
			return fmt.Errorf("%w: %q", render.ErrUnknownColormap, p.Colormap)
		}
	}
	return nil
}

func (p RenderParams) readOptions(src RasterSource) raster.ReadOptions {
	return raster.ReadOptions{
		Bands:      p.Bands,
		Expression: p.Expression,
		Resampling: p.Resampling,
		MaxSize:    p.MaxSize,
		TileSize:   src.TileSize,
	}
}

// RasterSource is a configured COG.
type RasterSource struct {
	Name       string
	URI        string
	Policy     gate.Policy
	Rescale    []render.Range // applied when the request names neither a range nor an expression
	Bands      []int          // default band selection
	Colormap   string
	Resampling raster.Resampling
	TileSize   int
}

// withDefaults fills request gaps from the source configuration.
func (src RasterSource) withDefaults(p RenderParams) RenderParams {
	if len(p.Bands) == 0 && p.Expression == "" {
		p.Bands = src.Bands
		if len(p.Rescale) == 0 {
			p.Rescale = src.Rescale
		}
	}
	if p.Colormap == "" {
		p.Colormap = src.Colormap
	}
	if p.Resampling == raster.DefaultResampling {
		p.Resampling = src.Resampling
	}
	return p
}
