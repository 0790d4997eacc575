// Package postgis builds Mapbox Vector Tiles inside PostGIS. Clipping,
// quantization and encoding are done by ST_AsMVTGeom and ST_AsMVT; this
// package only binds the tile envelope and the layer description.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/observability"
	"github.com/tilepipe/server/internal/tile"
)

var (
	// ErrUpstream wraps every database failure.
	ErrUpstream = errors.New("spatial query failed")
	// ErrInvalidLayer reports a layer description that cannot be queried.
	ErrInvalidLayer = errors.New("invalid vector layer")
)

const (
	DefaultExtent = 4096
	DefaultBuffer = 256
)

var layerName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Layer describes one vector tile layer backed by a table.
type Layer struct {
	Name           string   `yaml:"name" json:"name"`
	Table          string   `yaml:"table" json:"table"` // optionally schema-qualified
	GeometryColumn string   `yaml:"geometry_column" json:"geometry_column"`
	SRID           int      `yaml:"srid" json:"srid"`
	Extent         int      `yaml:"extent" json:"extent"`
	Buffer         int      `yaml:"buffer" json:"buffer"`
	Attributes     []string `yaml:"attributes" json:"attributes"`
	MinZoom        int      `yaml:"min_zoom" json:"minzoom"`
	MaxZoom        int      `yaml:"max_zoom" json:"maxzoom"`
}

// WithDefaults fills the geometry column, extent and buffer.
func (l Layer) WithDefaults() Layer {
	if l.GeometryColumn == "" {
		l.GeometryColumn = "geom"
	}
	if l.Extent == 0 {
		l.Extent = DefaultExtent
	}
	if l.Buffer == 0 {
		l.Buffer = DefaultBuffer
	}
	if l.SRID == 0 {
		l.SRID = 4326
	}
	return l
}

// Validate checks the layer after defaults are applied.
func (l Layer) Validate() error {
	if !layerName.MatchString(l.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidLayer, l.Name)
	}
	if strings.TrimSpace(l.Table) == "" {
		return fmt.Errorf("%w: %s: empty table", ErrInvalidLayer, l.Name)
	}
	for _, part := range strings.Split(l.Table, ".") {
		if part == "" {
			return fmt.Errorf("%w: %s: table %q", ErrInvalidLayer, l.Name, l.Table)
		}
	}
	if l.GeometryColumn == "" {
		return fmt.Errorf("%w: %s: empty geometry column", ErrInvalidLayer, l.Name)
	}
	if l.Extent <= 0 || l.Buffer < 0 {
		return fmt.Errorf("%w: %s: extent %d buffer %d", ErrInvalidLayer, l.Name, l.Extent, l.Buffer)
	}
	for _, a := range l.Attributes {
		if a == "" || a == l.GeometryColumn {
			return fmt.Errorf("%w: %s: attribute %q", ErrInvalidLayer, l.Name, a)
		}
	}
	if l.MinZoom < 0 || l.MaxZoom < 0 || (l.MaxZoom > 0 && l.MinZoom > l.MaxZoom) {
		return fmt.Errorf("%w: %s: zoom range %d-%d", ErrInvalidLayer, l.Name, l.MinZoom, l.MaxZoom)
	}
	return nil
}

// Tile is an encoded MVT. A tile with no data is the Empty outcome, not a
// failure.
type Tile struct {
	Data []byte
}

// Empty reports whether no feature intersected the envelope.
func (t Tile) Empty() bool { return len(t.Data) == 0 }

// Querier is the part of *pgxpool.Pool the gateway uses. Row.Scan releases
// the pooled connection on every path.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Gateway runs MVT queries.
type Gateway struct {
	db  Querier
	log zerolog.Logger
}

// NewGateway creates a gateway over db.
func NewGateway(db Querier, log zerolog.Logger) *Gateway {
	return &Gateway{db: db, log: log.With().Str("component", "postgis").Logger()}
}

// BuildQuery renders the MVT statement for layer. Parameters $1..$4 are the
// EPSG:3857 envelope and $5 the layer name.
func BuildQuery(layer Layer) string {
	geom := "t." + pgx.Identifier{layer.GeometryColumn}.Sanitize()
	projected := geom
	if layer.SRID != 3857 {
		projected = fmt.Sprintf("ST_Transform(%s, 3857)", geom)
	}

	var cols strings.Builder
	for _, a := range layer.Attributes {
		cols.WriteString(", t.")
		cols.WriteString(pgx.Identifier{a}.Sanitize())
	}

	table := pgx.Identifier(strings.Split(layer.Table, ".")).Sanitize()
	return fmt.Sprintf(`WITH bounds AS (
	SELECT ST_MakeEnvelope($1, $2, $3, $4, 3857) AS geom
), mvtgeom AS (
	SELECT ST_AsMVTGeom(%[1]s, bounds.geom, %[2]d, %[3]d, true) AS geom%[4]s
	FROM %[5]s t, bounds
	WHERE %[1]s && bounds.geom
)
SELECT ST_AsMVT(mvtgeom.*, $5::text, %[2]d, 'geom') FROM mvtgeom WHERE geom IS NOT NULL`,
		projected, layer.Extent, layer.Buffer, cols.String(), table)
}

// FetchVectorTile encodes the features of layer inside env. Envelopes in
// another CRS are transformed to EPSG:3857 first.
func (g *Gateway) FetchVectorTile(ctx context.Context, env tile.Envelope, layer Layer) (Tile, error) {
	if err := layer.Validate(); err != nil {
		return Tile{}, err
	}
	if env.CRS != geo.WebMercator {
		var err error
		if env, err = env.Transform(geo.WebMercator); err != nil {
			return Tile{}, err
		}
	}

	began := time.Now()
	var data []byte
	err := g.db.QueryRow(ctx, BuildQuery(layer), env.MinX, env.MinY, env.MaxX, env.MaxY, layer.Name).Scan(&data)
	observability.ObserveUpstreamLatency("postgis", time.Since(began).Seconds())
	if errors.Is(err, pgx.ErrNoRows) {
		return Tile{}, nil
	}
	if err != nil {
		return Tile{}, fmt.Errorf("%w: layer %s: %w", ErrUpstream, layer.Name, err)
	}

	g.log.Trace().Str("layer", layer.Name).Int("bytes", len(data)).Dur("took", time.Since(began)).Msg("vector tile query")
	return Tile{Data: data}, nil
}
