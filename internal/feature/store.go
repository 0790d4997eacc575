// Package feature stores point features in PostGIS and returns them as
// GeoJSON.
package feature

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means no point has the requested id.
	ErrNotFound = errors.New("point not found")
	// ErrInvalidPoint reports coordinates outside WGS84 bounds.
	ErrInvalidPoint = errors.New("invalid point")
	// ErrUpstream wraps database failures.
	ErrUpstream = errors.New("point store failed")
)

// ListLimit caps the features returned by List.
const ListLimit = 1000

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Point is a stored point.
type Point struct {
	ID        int64
	Longitude float64
	Latitude  float64
}

// Feature converts p to a GeoJSON Feature with the id in its properties.
func (p Point) Feature() *geojson.Feature {
	f := geojson.NewFeature(orb.Point{p.Longitude, p.Latitude})
	f.ID = p.ID
	f.Properties["id"] = p.ID
	return f
}

// Patch holds optional coordinate updates.
type Patch struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
}

func validate(lon, lat float64) error {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 || lon != lon || lat != lat {
		return fmt.Errorf("%w: (%g, %g)", ErrInvalidPoint, lon, lat)
	}
	return nil
}

// Store is a PostGIS-backed point table.
type Store struct {
	db    DB
	table string
	log   zerolog.Logger
}

// NewStore creates a store over table (default "points").
func NewStore(db DB, table string, log zerolog.Logger) *Store {
	if table == "" {
		table = "points"
	}
	return &Store{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		log:   log.With().Str("component", "feature").Logger(),
	}
}

// EnsureSchema creates the table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	geom geometry(Point, 4326) NOT NULL
)`, s.table))
	if err != nil {
		return fmt.Errorf("%w: create table: %w", ErrUpstream, err)
	}
	return nil
}

// List returns up to ListLimit points, optionally inside bbox.
func (s *Store) List(ctx context.Context, bbox *orb.Bound) (*geojson.FeatureCollection, error) {
	query := fmt.Sprintf("SELECT id, ST_X(geom), ST_Y(geom) FROM %s", s.table)
	var args []any
	if bbox != nil {
		query += " WHERE geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)"
		args = append(args, bbox.Min.X(), bbox.Min.Y(), bbox.Max.X(), bbox.Max.Y())
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT %d", ListLimit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrUpstream, err)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.Longitude, &p.Latitude); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrUpstream, err)
		}
		fc.Append(p.Feature())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrUpstream, err)
	}
	return fc, nil
}

func (s *Store) scanOne(row pgx.Row, op string, id int64) (Point, error) {
	var p Point
	err := row.Scan(&p.ID, &p.Longitude, &p.Latitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return Point{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Point{}, fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
	}
	return p, nil
}

// Get returns the point with id.
func (s *Store) Get(ctx context.Context, id int64) (Point, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT id, ST_X(geom), ST_Y(geom) FROM %s WHERE id = $1", s.table), id)
	return s.scanOne(row, "get", id)
}

// Create inserts a point.
func (s *Store) Create(ctx context.Context, lon, lat float64) (Point, error) {
	if err := validate(lon, lat); err != nil {
		return Point{}, err
	}
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		"INSERT INTO %s (geom) VALUES (ST_SetSRID(ST_MakePoint($1, $2), 4326)) RETURNING id, ST_X(geom), ST_Y(geom)",
		s.table), lon, lat)
	p, err := s.scanOne(row, "create", 0)
	if err != nil {
		return Point{}, err
	}
	s.log.Debug().Int64("id", p.ID).Float64("lon", lon).Float64("lat", lat).Msg("point created")
	return p, nil
}

// Update moves a point. Nil fields keep their stored value.
func (s *Store) Update(ctx context.Context, id int64, patch Patch) (Point, error) {
	if patch.Longitude != nil || patch.Latitude != nil {
		lon, lat := 0.0, 0.0
		if patch.Longitude != nil {
			lon = *patch.Longitude
		}
		if patch.Latitude != nil {
			lat = *patch.Latitude
		}
		if err := validate(lon, lat); err != nil {
			return Point{}, err
		}
	}
	row := s.db.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s SET geom = ST_SetSRID(ST_MakePoint(
	COALESCE($2::double precision, ST_X(geom)),
	COALESCE($3::double precision, ST_Y(geom))
), 4326) WHERE id = $1 RETURNING id, ST_X(geom), ST_Y(geom)`, s.table),
		id, patch.Longitude, patch.Latitude)
	return s.scanOne(row, "update", id)
}

// Delete removes a point.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrUpstream, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}
