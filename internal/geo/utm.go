package geo

import (
	"math"

	"github.com/wroge/wgs84"
)

// Transverse Mercator on the WGS84 ellipsoid using the Krüger series to
// sixth order in the third flattening n (Karney 2011), accurate to well under
// a millimetre inside a UTM zone. Registered in place of wgs84.UTM, whose
// inverse is off by metres toward zone edges.

const (
	wgs84F        = 1 / wgs84.Fi
	utmK0         = 0.9996
	utmFalseEast  = 500000.0
	utmFalseNorth = 10000000.0
)

var (
	tmE  = math.Sqrt(wgs84F * (2 - wgs84F))
	tmA  float64
	tmAl [7]float64
	tmBe [7]float64
)

func init() {
	n := wgs84F / (2 - wgs84F)
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	n5 := n4 * n
	n6 := n5 * n

	tmA = EarthRadius / (1 + n) * (1 + n2/4 + n4/64 + n6/256)

	tmAl[1] = n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180 - 127*n5/288 + 7891*n6/37800
	tmAl[2] = 13*n2/48 - 3*n3/5 + 557*n4/1440 + 281*n5/630 - 1983433*n6/1935360
	tmAl[3] = 61*n3/240 - 103*n4/140 + 15061*n5/26880 + 167603*n6/181440
	tmAl[4] = 49561*n4/161280 - 179*n5/168 + 6601661*n6/7257600
	tmAl[5] = 34729*n5/80640 - 3418889*n6/1995840
	tmAl[6] = 212378941 * n6 / 319334400

	tmBe[1] = n/2 - 2*n2/3 + 37*n3/96 - n4/360 - 81*n5/512 + 96199*n6/604800
	tmBe[2] = n2/48 + n3/15 - 437*n4/1440 + 46*n5/105 - 1118711*n6/3870720
	tmBe[3] = 17*n3/480 - 37*n4/840 - 209*n5/4480 + 5569*n6/90720
	tmBe[4] = 4397*n4/161280 - 11*n5/504 - 830251*n6/7257600
	tmBe[5] = 4583*n5/161280 - 108847*n6/3991680
	tmBe[6] = 20648693 * n6 / 638668800
}

// epsg resolves projected codes. Geographic 4326 and Web Mercator are handled
// directly by Transformer.
var epsg = wgs84.EPSG()

func init() {
	for zone := 1; zone <= 60; zone++ {
		epsg.Add(32600+zone, utmSystem(zone, false))
		epsg.Add(32700+zone, utmSystem(zone, true))
	}
}

func utmSystem(zone int, south bool) wgs84.ProjectedReferenceSystem {
	return wgs84.ProjectedReferenceSystem{
		Datum:      wgs84.WGS84(),
		Projection: utmProjection{zone: zone, south: south},
	}
}

// projected returns the registered projected system for a supported code.
func projected(c CRS) (wgs84.ProjectedReferenceSystem, bool) {
	if !c.Supported() {
		return wgs84.ProjectedReferenceSystem{}, false
	}
	crs, ok := epsg.Code(int(c)).(wgs84.ProjectedReferenceSystem)
	return crs, ok && crs.Projection != nil
}

// utmProjection implements wgs84.Projection. The series coefficients are
// fixed for the WGS84 ellipsoid, which every registered UTM system uses.
type utmProjection struct {
	zone  int
	south bool
}

func (p utmProjection) FromLonLat(lon, lat float64, _ wgs84.Spheroid) (float64, float64) {
	return utmForward(p.zone, p.south, lon, lat)
}

func (p utmProjection) ToLonLat(east, north float64, _ wgs84.Spheroid) (float64, float64) {
	return utmInverse(p.zone, p.south, east, north)
}

func utmCentralMeridian(zone int) float64 {
	return float64(zone-1)*6 - 180 + 3
}

func utmForward(zone int, south bool, lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	dl := (lon - utmCentralMeridian(zone)) * math.Pi / 180

	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - tmE*math.Atanh(tmE*sinPhi))
	xiP := math.Atan2(t, math.Cos(dl))
	etaP := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	xi, eta := xiP, etaP
	for j := 1; j <= 6; j++ {
		fj := float64(2 * j)
		xi += tmAl[j] * math.Sin(fj*xiP) * math.Cosh(fj*etaP)
		eta += tmAl[j] * math.Cos(fj*xiP) * math.Sinh(fj*etaP)
	}

	x := utmFalseEast + utmK0*tmA*eta
	y := utmK0 * tmA * xi
	if south {
		y += utmFalseNorth
	}
	return x, y
}

func utmInverse(zone int, south bool, x, y float64) (float64, float64) {
	if south {
		y -= utmFalseNorth
	}
	xi := y / (utmK0 * tmA)
	eta := (x - utmFalseEast) / (utmK0 * tmA)

	xiP, etaP := xi, eta
	for j := 1; j <= 6; j++ {
		fj := float64(2 * j)
		xiP -= tmBe[j] * math.Sin(fj*xi) * math.Cosh(fj*eta)
		etaP -= tmBe[j] * math.Cos(fj*xi) * math.Sinh(fj*eta)
	}

	sinhEta := math.Sinh(etaP)
	cosXi := math.Cos(xiP)
	tauP := math.Sin(xiP) / math.Sqrt(sinhEta*sinhEta+cosXi*cosXi)
	dl := math.Atan2(sinhEta, cosXi)

	tau := conformalToGeodetic(tauP)
	lat := math.Atan(tau) * 180 / math.Pi
	lon := utmCentralMeridian(zone) + dl*180/math.Pi
	return lon, lat
}

// conformalToGeodetic solves tan(phi) from tan(chi) by Newton iteration.
func conformalToGeodetic(tauP float64) float64 {
	e2 := tmE * tmE
	tau := tauP
	for i := 0; i < 8; i++ {
		s := math.Sqrt(1 + tau*tau)
		sigma := math.Sinh(tmE * math.Atanh(tmE*tau/s))
		tauI := tau*math.Sqrt(1+sigma*sigma) - sigma*s
		d := (tauP - tauI) / math.Sqrt(1+tauI*tauI) *
			(1 + (1-e2)*tau*tau) / ((1 - e2) * s)
		tau += d
		if math.Abs(d) < 1e-14 {
			break
		}
	}
	return tau
}
