package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/service"
	"github.com/tilepipe/server/internal/tile"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", service.ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// tileAddress parses the z and x params and the final "{y}.{ext}" segment.
// chi treats '.' as a delimiter only inside patterns, so the extension is
// split off here.
func tileAddress(r *http.Request) (tile.Coordinate, string, error) {
	seg := chi.URLParam(r, "y")
	ext := ""
	if i := strings.LastIndexByte(seg, '.'); i >= 0 {
		seg, ext = seg[:i], seg[i+1:]
	}
	var zxy [3]int
	for i, s := range []string{chi.URLParam(r, "z"), chi.URLParam(r, "x"), seg} {
		n, err := strconv.Atoi(s)
		if err != nil {
			return tile.Coordinate{}, "", fmt.Errorf("%w: %q is not an integer", tile.ErrInvalidTileAddress, s)
		}
		zxy[i] = n
	}
	scheme, err := tile.ParseScheme(r.URL.Query().Get("scheme"))
	if err != nil {
		return tile.Coordinate{}, "", invalid("%v", err)
	}
	c, err := tile.NewCoordinate(zxy[0], zxy[1], zxy[2], scheme)
	return c, strings.ToLower(ext), err
}

func parseFloat(q url.Values, key string) (float64, bool, error) {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, invalid("%s: %q is not a number", key, s)
	}
	return v, true, nil
}

func parseFloats(s string, n int, key string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, invalid("%s needs %d comma separated numbers", key, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, invalid("%s: %q is not a number", key, p)
		}
		out[i] = v
	}
	return out, nil
}

func parseMaxSize(q url.Values) (int, error) {
	s := strings.TrimSpace(q.Get("max_size"))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, invalid("max_size: %q", s)
	}
	return n, nil
}

// parseRenderParams reads bidx, expression, scale_min/scale_max or rescale,
// resampling, max_size and colormap. Bounds are checked later by
// RenderParams.Validate.
func parseRenderParams(q url.Values, format render.Format) (service.RenderParams, error) {
	p := service.RenderParams{
		Expression: strings.TrimSpace(q.Get("expression")),
		Colormap:   strings.TrimSpace(q.Get("colormap")),
		Format:     format,
	}

	for _, v := range q["bidx"] {
		for _, s := range strings.Split(v, ",") {
			b, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return p, invalid("bidx: %q", s)
			}
			p.Bands = append(p.Bands, b)
		}
	}

	lo, hasLo, err := parseFloat(q, "scale_min")
	if err != nil {
		return p, err
	}
	hi, hasHi, err := parseFloat(q, "scale_max")
	if err != nil {
		return p, err
	}
	if hasLo != hasHi {
		return p, invalid("scale_min and scale_max must be given together")
	}
	if hasLo {
		p.Rescale = []render.Range{{Min: lo, Max: hi}}
	}
	for _, v := range q["rescale"] {
		if hasLo {
			return p, invalid("use either scale_min/scale_max or rescale")
		}
		mm, err := parseFloats(v, 2, "rescale")
		if err != nil {
			return p, err
		}
		p.Rescale = append(p.Rescale, render.Range{Min: mm[0], Max: mm[1]})
	}

	if p.Resampling, err = raster.ParseResampling(q.Get("resampling")); err != nil {
		return p, invalid("%v", err)
	}
	if p.MaxSize, err = parseMaxSize(q); err != nil {
		return p, err
	}
	return p, nil
}

// parseBBox parses "minx,miny,maxx,maxy" in degrees.
func parseBBox(s string) (orb.Bound, error) {
	v, err := parseFloats(s, 4, "bbox")
	if err != nil {
		return orb.Bound{}, err
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	if b.Min.X() >= b.Max.X() || b.Min.Y() >= b.Max.Y() {
		return orb.Bound{}, invalid("bbox must satisfy minx<maxx and miny<maxy")
	}
	return b, nil
}
