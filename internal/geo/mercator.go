package geo

import (
	"math"

	"github.com/wroge/wgs84"
)

const (
	// EarthRadius is the WGS84 semi-major axis used by spherical Mercator.
	EarthRadius = float64(wgs84.A)
	// OriginShift is half the projected width of EPSG:3857.
	OriginShift = math.Pi * EarthRadius // 20037508.342789244
	// MaxLatitude is the latitude at which the Mercator square ends.
	MaxLatitude = 85.05112877980659
)

var webMercator = wgs84.WebMercator()

// LonLatToMercator projects degrees to EPSG:3857 metres. Latitude is clamped
// to the Mercator square.
func LonLatToMercator(lon, lat float64) (float64, float64) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	return webMercator.Projection.FromLonLat(lon, lat, webMercator.Datum)
}

// MercatorToLonLat unprojects EPSG:3857 metres to degrees.
func MercatorToLonLat(x, y float64) (float64, float64) {
	return webMercator.Projection.ToLonLat(x, y, webMercator.Datum)
}
