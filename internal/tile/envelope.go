package tile

import (
	"fmt"

	"github.com/tilepipe/server/internal/geo"
)

// WorldWidth is the full projected width W of EPSG:3857.
const WorldWidth = 2 * 20037508.342789244

// Envelope is a rectangle in a named CRS.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
	CRS                    geo.CRS
}

// Bounds drops the CRS.
func (e Envelope) Bounds() geo.Bounds {
	return geo.Bounds{MinX: e.MinX, MinY: e.MinY, MaxX: e.MaxX, MaxY: e.MaxY}
}

// Width is MaxX - MinX.
func (e Envelope) Width() float64 { return e.MaxX - e.MinX }

// Height is MaxY - MinY.
func (e Envelope) Height() float64 { return e.MaxY - e.MinY }

// Transform reprojects the envelope, densifying edges.
func (e Envelope) Transform(to geo.CRS) (Envelope, error) {
	if e.CRS == to {
		return e, nil
	}
	b, err := geo.TransformBounds(e.CRS, to, e.Bounds(), 20)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{MinX: b.MinX, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY, CRS: to}, nil
}

// NewEnvelope validates min < max on both axes.
func NewEnvelope(minx, miny, maxx, maxy float64, crs geo.CRS) (Envelope, error) {
	e := Envelope{MinX: minx, MinY: miny, MaxX: maxx, MaxY: maxy, CRS: crs}
	if !e.Bounds().Valid() {
		return Envelope{}, fmt.Errorf("envelope must satisfy minx<maxx and miny<maxy: %v,%v,%v,%v", minx, miny, maxx, maxy)
	}
	return e, nil
}

// Resolve returns the envelope of c in EPSG:3857 or EPSG:4326. The address
// is normalized to TMS (rows counted up from the south edge) before the
// slippy-tile formula is applied; both edges are computed from integer
// indices so child tiles share edges with their parent bit-for-bit.
func Resolve(c Coordinate, crs geo.CRS) (Envelope, error) {
	if _, err := NewCoordinate(c.Z, c.X, c.Y, c.Scheme); err != nil {
		return Envelope{}, err
	}
	t := c.To(TMS)

	origin := -WorldWidth / 2
	size := WorldWidth / float64(int64(1)<<t.Z)
	m := Envelope{
		MinX: origin + float64(t.X)*size,
		MinY: origin + float64(t.Y)*size,
		MaxX: origin + float64(t.X+1)*size,
		MaxY: origin + float64(t.Y+1)*size,
		CRS:  geo.WebMercator,
	}

	switch crs {
	case geo.WebMercator:
		return m, nil
	case geo.WGS84:
		minLon, minLat := geo.MercatorToLonLat(m.MinX, m.MinY)
		maxLon, maxLat := geo.MercatorToLonLat(m.MaxX, m.MaxY)
		return Envelope{MinX: minLon, MinY: minLat, MaxX: maxLon, MaxY: maxLat, CRS: geo.WGS84}, nil
	}
	return m.Transform(crs)
}
