package postgis

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/tile"
)

type fakeRow struct {
	data []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.data
	return nil
}

type fakeDB struct {
	row   fakeRow
	calls int
	sql   string
	args  []any
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls++
	f.sql = sql
	f.args = args
	return f.row
}

func schoolLayer() Layer {
	return Layer{Name: "vector", Table: "public.school", Attributes: []string{"name"}}.WithDefaults()
}

func mercatorTile(t *testing.T, z, x, y int) tile.Envelope {
	t.Helper()
	c, err := tile.NewCoordinate(z, x, y, tile.XYZ)
	if err != nil {
		t.Fatalf("NewCoordinate: %v", err)
	}
	env, err := tile.Resolve(c, geo.WebMercator)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return env
}

func TestFetchVectorTileBindsEnvelope(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{data: []byte{0x1a, 0x02}}}
	g := NewGateway(db, zerolog.Nop())
	env := mercatorTile(t, 10, 912, 403)

	got, err := g.FetchVectorTile(context.Background(), env, schoolLayer())
	if err != nil {
		t.Fatalf("FetchVectorTile: %v", err)
	}
	if got.Empty() || len(got.Data) != 2 {
		t.Fatalf("unexpected tile %v", got.Data)
	}

	for _, want := range []string{
		"ST_MakeEnvelope($1, $2, $3, $4, 3857)",
		`ST_Transform(t."geom", 3857) && bounds.geom`,
		`ST_AsMVTGeom(ST_Transform(t."geom", 3857), bounds.geom, 4096, 256, true)`,
		`FROM "public"."school" t`,
		`, t."name"`,
		"ST_AsMVT(mvtgeom.*, $5::text, 4096, 'geom')",
	} {
		if !strings.Contains(db.sql, want) {
			t.Errorf("query missing %q:\n%s", want, db.sql)
		}
	}
	wantArgs := []any{env.MinX, env.MinY, env.MaxX, env.MaxY, "vector"}
	for i, a := range wantArgs {
		if db.args[i] != a {
			t.Errorf("arg %d = %v, want %v", i+1, db.args[i], a)
		}
	}
}

func TestFetchVectorTileTransformsGeographicEnvelope(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{data: []byte{1}}}
	g := NewGateway(db, zerolog.Nop())
	env, err := tile.NewEnvelope(-180, -85.0511287798066, 180, 85.0511287798066, geo.WGS84)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := g.FetchVectorTile(context.Background(), env, schoolLayer()); err != nil {
		t.Fatalf("FetchVectorTile: %v", err)
	}
	if minX := db.args[0].(float64); math.Abs(minX+tile.WorldWidth/2) > 1e-3 {
		t.Fatalf("expected metres, got minx %v", minX)
	}
}

func TestFetchVectorTileEmptyIsNotAnError(t *testing.T) {
	t.Parallel()

	for name, row := range map[string]fakeRow{
		"zero-length": {data: []byte{}},
		"null":        {data: nil},
		"no rows":     {err: pgx.ErrNoRows},
	} {
		g := NewGateway(&fakeDB{row: row}, zerolog.Nop())
		got, err := g.FetchVectorTile(context.Background(), mercatorTile(t, 3, 1, 1), schoolLayer())
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if !got.Empty() {
			t.Fatalf("%s: expected Empty", name)
		}
	}
}

func TestFetchVectorTileUpstreamError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	g := NewGateway(&fakeDB{row: fakeRow{err: cause}}, zerolog.Nop())
	_, err := g.FetchVectorTile(context.Background(), mercatorTile(t, 3, 1, 1), schoolLayer())
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrUpstream wrapping the cause, got %v", err)
	}

	g = NewGateway(&fakeDB{row: fakeRow{err: context.DeadlineExceeded}}, zerolog.Nop())
	_, err = g.FetchVectorTile(context.Background(), mercatorTile(t, 3, 1, 1), schoolLayer())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline to stay visible, got %v", err)
	}
}

func TestInvalidLayerIsRejectedBeforeQuery(t *testing.T) {
	t.Parallel()

	bad := []Layer{
		{Name: "", Table: "school"},
		{Name: "bad name", Table: "school"},
		{Name: "v", Table: "public."},
		{Name: "v", Table: "school", Attributes: []string{""}},
		{Name: "v", Table: "school", MinZoom: 8, MaxZoom: 4},
	}
	for i, l := range bad {
		db := &fakeDB{}
		g := NewGateway(db, zerolog.Nop())
		_, err := g.FetchVectorTile(context.Background(), mercatorTile(t, 0, 0, 0), l.WithDefaults())
		if !errors.Is(err, ErrInvalidLayer) {
			t.Errorf("case %d: expected ErrInvalidLayer, got %v", i, err)
		}
		if db.calls != 0 {
			t.Errorf("case %d: query ran for an invalid layer", i)
		}
	}
}

func TestBuildQueryQuotesIdentifiers(t *testing.T) {
	t.Parallel()

	l := Layer{Name: "v", Table: `school"; DROP TABLE x; --`, SRID: 3857}.WithDefaults()
	q := BuildQuery(l)
	if !strings.Contains(q, `FROM "school""; DROP TABLE x; --" t`) {
		t.Fatalf("table not quoted:\n%s", q)
	}
	if strings.Contains(q, "ST_Transform") {
		t.Fatalf("3857 layers should not be transformed:\n%s", q)
	}
}
