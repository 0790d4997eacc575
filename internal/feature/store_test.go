package feature

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

type fakeRow struct {
	p   Point
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.p.ID
	*(dest[1].(*float64)) = r.p.Longitude
	*(dest[2].(*float64)) = r.p.Latitude
	return nil
}

type fakeRows struct {
	pgx.Rows
	points []Point
	i      int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.points) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return fakeRow{p: r.points[r.i-1]}.Scan(dest...) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 { r.closed = true }

type fakeDB struct {
	row      fakeRow
	rows     *fakeRows
	affected int64
	err      error

	sql  []string
	args [][]any
}

func (f *fakeDB) record(sql string, args []any) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.record(sql, args)
	return f.row
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.record(sql, args)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(sql, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if f.affected == 0 {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func TestListWithBBox(t *testing.T) {
	t.Parallel()

	rows := &fakeRows{points: []Point{{1, 139.76, 35.68}, {2, 139.70, 35.69}}}
	db := &fakeDB{rows: rows}
	s := NewStore(db, "", zerolog.Nop())

	bbox := orb.Bound{Min: orb.Point{139, 35}, Max: orb.Point{140, 36}}
	fc, err := s.List(context.Background(), &bbox)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(fc.Features) != 2 || !rows.closed {
		t.Fatalf("expected 2 features and closed rows, got %d %v", len(fc.Features), rows.closed)
	}
	q := db.sql[0]
	if !strings.Contains(q, `FROM "points" WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)`) || !strings.HasSuffix(q, "LIMIT 1000") {
		t.Fatalf("unexpected query %q", q)
	}
	if db.args[0][0] != 139.0 || db.args[0][3] != 36.0 {
		t.Fatalf("unexpected args %v", db.args[0])
	}

	raw, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.Type != "FeatureCollection" || doc.Features[0].Geometry.Type != "Point" || doc.Features[0].Geometry.Coordinates[0] != 139.76 {
		t.Fatalf("unexpected GeoJSON %s", raw)
	}
	if doc.Features[1].Properties["id"] != 2.0 {
		t.Fatalf("expected id property, got %v", doc.Features[1].Properties)
	}
}

func TestListWithoutBBoxIsEmptyCollection(t *testing.T) {
	t.Parallel()

	db := &fakeDB{rows: &fakeRows{}}
	fc, err := NewStore(db, "", zerolog.Nop()).List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Contains(db.sql[0], "WHERE") || len(db.args[0]) != 0 {
		t.Fatalf("unexpected filter in %q", db.sql[0])
	}
	raw, _ := json.Marshal(fc)
	if !strings.Contains(string(raw), `"features":[]`) {
		t.Fatalf("expected empty features array, got %s", raw)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	_, err := NewStore(db, "", zerolog.Nop()).Get(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{p: Point{ID: 7, Longitude: 139.5, Latitude: 35.5}}}
	s := NewStore(db, "", zerolog.Nop())

	if _, err := s.Create(context.Background(), 200, 0); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if len(db.sql) != 0 {
		t.Fatal("invalid point reached the database")
	}

	p, err := s.Create(context.Background(), 139.5, 35.5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID != 7 || !strings.Contains(db.sql[0], "RETURNING id") {
		t.Fatalf("unexpected point %+v / %q", p, db.sql[0])
	}
}

func TestUpdatePassesNullForMissingFields(t *testing.T) {
	t.Parallel()

	db := &fakeDB{row: fakeRow{p: Point{ID: 3, Longitude: 10, Latitude: 20}}}
	lat := 20.0
	p, err := NewStore(db, "", zerolog.Nop()).Update(context.Background(), 3, Patch{Latitude: &lat})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Latitude != 20 {
		t.Fatalf("unexpected point %+v", p)
	}
	args := db.args[0]
	if args[0] != int64(3) || args[1].(*float64) != nil || *args[2].(*float64) != 20 {
		t.Fatalf("unexpected args %v", args)
	}

	bad := 95.0
	if _, err := NewStore(db, "", zerolog.Nop()).Update(context.Background(), 3, Patch{Latitude: &bad}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := NewStore(&fakeDB{affected: 1}, "", zerolog.Nop())
	if err := s.Delete(context.Background(), 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s = NewStore(&fakeDB{}, "", zerolog.Nop())
	if err := s.Delete(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s = NewStore(&fakeDB{err: errors.New("boom")}, "", zerolog.Nop())
	if err := s.Delete(context.Background(), 1); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}
