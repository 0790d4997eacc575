package raster

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/raster/cog"
	"github.com/tilepipe/server/internal/raster/expr"
)

// window is the output grid of a read: bounds in crs sampled at pixel centres.
type window struct {
	crs           geo.CRS
	bounds        geo.Bounds
	width, height int
}

// selection is the resolved band choice of a read.
type selection struct {
	read []int // 1-based bands to fetch
	prog *expr.Program
}

func (d *Dataset) selectBands(opts ReadOptions) (selection, error) {
	var sel selection
	switch {
	case opts.Expression != "":
		p, err := expr.Compile(opts.Expression)
		if err != nil {
			return sel, fmt.Errorf("%w: %v", ErrInvalidBand, err)
		}
		sel.prog, sel.read = p, p.Bands()
	case len(opts.Bands) > 0:
		sel.read = opts.Bands
	case d.BandCount() >= 3:
		sel.read = []int{1, 2, 3}
	default:
		sel.read = []int{1}
	}
	for _, b := range sel.read {
		if b < 1 || b > d.BandCount() {
			return sel, fmt.Errorf("%w: band %d of %d", ErrInvalidBand, b, d.BandCount())
		}
	}
	return sel, nil
}

// chooseLevel returns the coarsest image whose decimation does not exceed
// the number of full-resolution pixels per output pixel.
func (d *Dataset) chooseLevel(footprint float64) int {
	level := 0
	w0 := float64(d.Width())
	for i, im := range d.file.Images {
		if w0/float64(im.Width) <= footprint*1.001 {
			level = i
		}
	}
	return level
}

type blockSet struct {
	level      int
	c0, r0     int
	cols, rows int
	planes     []int
	blocks     []*cog.Block
}

func (s *blockSet) get(pi, col, row int) *cog.Block {
	return s.blocks[(pi*s.rows+(row-s.r0))*s.cols+(col-s.c0)]
}

func (d *Dataset) fetchBlocks(ctx context.Context, set *blockSet) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fetch)
	set.blocks = make([]*cog.Block, len(set.planes)*set.rows*set.cols)
	for pi, plane := range set.planes {
		for row := set.r0; row < set.r0+set.rows; row++ {
			for col := set.c0; col < set.c0+set.cols; col++ {
				idx := (pi*set.rows+(row-set.r0))*set.cols + (col - set.c0)
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					blk, err := d.file.ReadBlock(d.handle, set.level, col, row, plane)
					if err != nil {
						return err
					}
					set.blocks[idx] = blk
					return nil
				})
			}
		}
	}
	return g.Wait()
}

// read samples the dataset on w.
func (d *Dataset) read(ctx context.Context, w window, opts ReadOptions) (*Buffer, error) {
	sel, err := d.selectBands(opts)
	if err != nil {
		return nil, err
	}
	if w.width <= 0 || w.height <= 0 {
		return nil, fmt.Errorf("%w: empty output %dx%d", ErrNotFound, w.width, w.height)
	}

	toNative, err := geo.Transformer(w.crs, d.crs)
	if err != nil {
		return nil, err
	}

	// Full-resolution pixel position of every output pixel centre.
	n := w.width * w.height
	px := make([]float64, n)
	py := make([]float64, n)
	g := d.file.Geo
	resX := (w.bounds.MaxX - w.bounds.MinX) / float64(w.width)
	resY := (w.bounds.MaxY - w.bounds.MinY) / float64(w.height)
	minPX, minPY := math.Inf(1), math.Inf(1)
	maxPX, maxPY := math.Inf(-1), math.Inf(-1)
	for j := 0; j < w.height; j++ {
		y := w.bounds.MaxY - (float64(j)+0.5)*resY
		for i := 0; i < w.width; i++ {
			x := w.bounds.MinX + (float64(i)+0.5)*resX
			sx, sy := toNative(x, y)
			k := j*w.width + i
			px[k] = (sx - g.OriginX) / g.ResX
			py[k] = (g.OriginY - sy) / g.ResY
			minPX, maxPX = math.Min(minPX, px[k]), math.Max(maxPX, px[k])
			minPY, maxPY = math.Min(minPY, py[k]), math.Max(maxPY, py[k])
		}
	}

	footprint := math.Max(
		(maxPX-minPX)/float64(max(w.width-1, 1)),
		(maxPY-minPY)/float64(max(w.height-1, 1)),
	)
	level := d.chooseLevel(footprint)
	im := d.file.Images[level]
	kx := float64(im.Width) / float64(d.Width())
	ky := float64(im.Height) / float64(d.Height())

	// Window in level pixels, padded by one for interpolation.
	x0, x1 := int(math.Floor(minPX*kx))-1, int(math.Floor(maxPX*kx))+1
	y0, y1 := int(math.Floor(minPY*ky))-1, int(math.Floor(maxPY*ky))+1
	if x1 < 0 || y1 < 0 || x0 >= im.Width || y0 >= im.Height {
		return nil, ErrNotFound
	}
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, im.Width-1), min(y1, im.Height-1)

	set := &blockSet{
		level: level,
		c0:    x0 / im.BlockWidth,
		r0:    y0 / im.BlockHeight,
	}
	set.cols = x1/im.BlockWidth - set.c0 + 1
	set.rows = y1/im.BlockHeight - set.r0 + 1
	planar := im.Planar == cog.PlanarSeparate
	if planar {
		for _, b := range sel.read {
			set.planes = append(set.planes, b-1)
		}
	} else {
		set.planes = []int{0}
	}
	if err := d.fetchBlocks(ctx, set); err != nil {
		return nil, err
	}

	nodata := g.NoData
	sample := func(bi, x, y int) (float64, bool) {
		col, row := x/im.BlockWidth, y/im.BlockHeight
		pi, s := 0, sel.read[bi]-1
		if planar {
			pi, s = bi, 0
		}
		blk := set.get(pi, col, row)
		bx, by := x-col*im.BlockWidth, y-row*im.BlockHeight
		if by >= blk.Height || bx >= blk.Width {
			return 0, false
		}
		v := blk.At(bx, by, s)
		if math.IsNaN(v) || (nodata != nil && v == *nodata) {
			return 0, false
		}
		return v, true
	}

	outBands := len(sel.read)
	if sel.prog != nil {
		outBands = sel.prog.Outputs()
	}
	buf := newBuffer(w.width, w.height, outBands)
	vals := make([]float64, len(sel.read))
	outs := make([]float64, outBands)

	for k := 0; k < n; k++ {
		fx, fy := px[k]*kx, py[k]*ky
		if fx < 0 || fy < 0 || fx >= float64(im.Width) || fy >= float64(im.Height) {
			continue
		}
		ok := true
		for bi := range sel.read {
			var v float64
			if opts.Resampling == Bilinear {
				v, ok = bilinear(sample, bi, fx, fy, x0, y0, x1, y1)
			} else {
				v, ok = sample(bi, int(fx), int(fy))
			}
			if !ok {
				break
			}
			vals[bi] = v
		}
		if !ok {
			continue
		}
		if sel.prog != nil {
			sel.prog.Eval(vals, outs)
		} else {
			copy(outs, vals)
		}
		for _, v := range outs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for b := range outs {
			buf.Bands[b][k] = outs[b]
		}
		buf.Valid[k] = true
	}
	return buf, nil
}

// bilinear interpolates around (fx, fy), renormalizing weights over the
// neighbours that are inside the fetched window and valid.
func bilinear(sample func(bi, x, y int) (float64, bool), bi int, fx, fy float64, x0, y0, x1, y1 int) (float64, bool) {
	cx, cy := fx-0.5, fy-0.5
	ix, iy := int(math.Floor(cx)), int(math.Floor(cy))
	tx, ty := cx-float64(ix), cy-float64(iy)

	var sum, weight float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			x, y := ix+dx, iy+dy
			if x < x0 || y < y0 || x > x1 || y > y1 {
				continue
			}
			wx := 1 - tx
			if dx == 1 {
				wx = tx
			}
			wy := 1 - ty
			if dy == 1 {
				wy = ty
			}
			wt := wx * wy
			if wt == 0 {
				continue
			}
			v, ok := sample(bi, x, y)
			if !ok {
				continue
			}
			sum += v * wt
			weight += wt
		}
	}
	if weight < 1e-12 {
		return 0, false
	}
	return sum / weight, true
}
