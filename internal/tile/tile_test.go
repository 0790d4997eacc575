package tile

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/tilepipe/server/internal/geo"
)

func TestToSchemeInvolution(t *testing.T) {
	for z := 0; z <= 12; z++ {
		n := 1 << z
		for y := 0; y < n; y++ {
			tms, err := ToScheme(y, z, XYZ, TMS)
			if err != nil {
				t.Fatalf("ToScheme(%d,%d): %v", y, z, err)
			}
			back, err := ToScheme(tms, z, TMS, XYZ)
			if err != nil {
				t.Fatalf("ToScheme back(%d,%d): %v", tms, z, err)
			}
			if back != y {
				t.Fatalf("z=%d y=%d: round trip gave %d", z, y, back)
			}
		}
	}
}

func TestToSchemeSameSchemeIsIdentity(t *testing.T) {
	y, err := ToScheme(5, 4, TMS, TMS)
	if err != nil || y != 5 {
		t.Fatalf("got %d, %v", y, err)
	}
}

func TestNewCoordinateRejectsOutOfRange(t *testing.T) {
	cases := []struct{ z, x, y int }{
		{-1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{3, 8, 0},
		{3, 0, -1},
		{31, 0, 0},
	}
	for _, tc := range cases {
		_, err := NewCoordinate(tc.z, tc.x, tc.y, XYZ)
		if !errors.Is(err, ErrInvalidTileAddress) {
			t.Errorf("NewCoordinate(%d,%d,%d) error = %v, want ErrInvalidTileAddress", tc.z, tc.x, tc.y, err)
		}
		var ae *AddressError
		if !errors.As(err, &ae) || ae.Z != tc.z {
			t.Errorf("expected *AddressError for %v", tc)
		}
	}
	if _, err := ToScheme(4, 2, XYZ, TMS); !errors.Is(err, ErrInvalidTileAddress) {
		t.Errorf("ToScheme out of range: %v", err)
	}
}

func TestResolveScenarioTokyoTile(t *testing.T) {
	c, err := NewCoordinate(10, 912, 403, XYZ)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.To(TMS).Y; got != 620 {
		t.Fatalf("TMS row = %d, want 620", got)
	}

	m, err := Resolve(c, geo.WebMercator)
	if err != nil {
		t.Fatal(err)
	}
	size := WorldWidth / 1024
	wantMinX := -WorldWidth/2 + 912*size
	wantMinY := -WorldWidth/2 + 620*size
	if math.Abs(m.MinX-wantMinX) > 1e-6 || math.Abs(m.MinY-wantMinY) > 1e-6 {
		t.Errorf("mercator min = (%f,%f), want (%f,%f)", m.MinX, m.MinY, wantMinX, wantMinY)
	}
	if math.Abs(m.Width()-size) > 1e-6 || math.Abs(m.Height()-size) > 1e-6 {
		t.Errorf("tile size = %fx%f, want %f", m.Width(), m.Height(), size)
	}

	g, err := Resolve(c, geo.WGS84)
	if err != nil {
		t.Fatal(err)
	}
	want := maptile.New(912, 403, 10).Bound()
	if math.Abs(g.MinX-want.Min.Lon()) > 1e-9 || math.Abs(g.MaxX-want.Max.Lon()) > 1e-9 ||
		math.Abs(g.MinY-want.Min.Lat()) > 1e-9 || math.Abs(g.MaxY-want.Max.Lat()) > 1e-9 {
		t.Errorf("geographic envelope %+v does not match orb bound %+v", g, want)
	}

	// The same tile addressed in TMS resolves identically.
	tms, _ := NewCoordinate(10, 912, 620, TMS)
	g2, err := Resolve(tms, geo.WGS84)
	if err != nil {
		t.Fatal(err)
	}
	if g2 != g {
		t.Errorf("TMS address resolved to %+v, want %+v", g2, g)
	}
}

func TestChildrenPartitionParent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		z := rng.Intn(22)
		n := 1 << z
		scheme := Scheme(rng.Intn(2))
		parent, err := NewCoordinate(z, rng.Intn(n), rng.Intn(n), scheme)
		if err != nil {
			t.Fatal(err)
		}
		for _, crs := range []geo.CRS{geo.WebMercator, geo.WGS84} {
			checkPartition(t, parent, crs)
		}
	}
}

func checkPartition(t *testing.T, parent Coordinate, crs geo.CRS) {
	t.Helper()
	p, err := Resolve(parent, crs)
	if err != nil {
		t.Fatal(err)
	}
	var kids [4]Envelope
	for i, c := range parent.Children() {
		if kids[i], err = Resolve(c, crs); err != nil {
			t.Fatal(err)
		}
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	xEdges := map[float64]int{}
	yEdges := map[float64]int{}
	for _, k := range kids {
		minX, maxX = math.Min(minX, k.MinX), math.Max(maxX, k.MaxX)
		minY, maxY = math.Min(minY, k.MinY), math.Max(maxY, k.MaxY)
		xEdges[k.MinX]++
		xEdges[k.MaxX]++
		yEdges[k.MinY]++
		yEdges[k.MaxY]++
	}
	if minX != p.MinX || maxX != p.MaxX || minY != p.MinY || maxY != p.MaxY {
		t.Fatalf("%v %v: children cover (%v,%v,%v,%v), parent %+v", parent, crs, minX, minY, maxX, maxY, p)
	}
	// Exactly three distinct edges per axis: two outer, one shared middle.
	if len(xEdges) != 3 || len(yEdges) != 3 {
		t.Fatalf("%v %v: expected 3 distinct edges per axis, got x=%v y=%v", parent, crs, xEdges, yEdges)
	}
	for e, n := range xEdges {
		if e != p.MinX && e != p.MaxX && n != 4 {
			t.Fatalf("%v %v: middle x edge %v shared by %d sides, want 4", parent, crs, e, n)
		}
	}
	for e, n := range yEdges {
		if e != p.MinY && e != p.MaxY && n != 4 {
			t.Fatalf("%v %v: middle y edge %v shared by %d sides, want 4", parent, crs, e, n)
		}
	}
	seen := map[[2]float64]bool{}
	for _, k := range kids {
		seen[[2]float64{k.MinX, k.MinY}] = true
	}
	if len(seen) != 4 {
		t.Fatalf("%v %v: children overlap", parent, crs)
	}
}

func TestResolveInvalidAddress(t *testing.T) {
	_, err := Resolve(Coordinate{Z: 2, X: 4, Y: 0}, geo.WebMercator)
	if !errors.Is(err, ErrInvalidTileAddress) {
		t.Fatalf("error = %v, want ErrInvalidTileAddress", err)
	}
}

func TestResolveUTM(t *testing.T) {
	c, _ := NewCoordinate(12, 3647, 1613, XYZ)
	e, err := Resolve(c, 32654)
	if err != nil {
		t.Fatal(err)
	}
	if e.CRS != 32654 || e.MinX >= e.MaxX || e.MinY >= e.MaxY {
		t.Fatalf("unexpected envelope %+v", e)
	}
}
