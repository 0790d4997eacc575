package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tilepipe/server/internal/tile"
)

// MBTiles reads an MBTiles 1.x SQLite file. Rows are stored in TMS order.
type MBTiles struct {
	db   *sql.DB
	info Info
}

// OpenMBTiles opens the file at path. The archive only ever reads.
func OpenMBTiles(ctx context.Context, path string) (*MBTiles, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbtiles: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	m := &MBTiles{db: db, info: Info{Kind: "mbtiles", MaxZoom: tile.MaxZoom, Bounds: [4]float64{-180, -85.05112878, 180, 85.05112878}}}
	if err := m.loadMetadata(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *MBTiles) loadMetadata(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return fmt.Errorf("%w: read metadata: %v", ErrFormat, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("%w: scan metadata: %v", ErrFormat, err)
		}
		switch name {
		case "format":
			m.info.Format = value
		case "minzoom":
			if z, err := strconv.Atoi(value); err == nil {
				m.info.MinZoom = z
			}
		case "maxzoom":
			if z, err := strconv.Atoi(value); err == nil {
				m.info.MaxZoom = z
			}
		case "bounds":
			parts := strings.Split(value, ",")
			if len(parts) != 4 {
				continue
			}
			var b [4]float64
			ok := true
			for i, p := range parts {
				v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
				if err != nil {
					ok = false
					break
				}
				b[i] = v
			}
			if ok {
				m.info.Bounds = b
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: read metadata: %v", ErrFormat, err)
	}

	if m.info.Format == "" {
		var data []byte
		err := m.db.QueryRowContext(ctx, "SELECT tile_data FROM tiles LIMIT 1").Scan(&data)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: sample tile: %v", ErrFormat, err)
		}
		m.info.Format = "png"
		if len(data) > 0 {
			m.info.Format = sniffFormat(data)
			if isGzip(data) {
				m.info.Format = "pbf"
			}
		}
	}
	m.info.MediaType = MediaTypeForFormat(m.info.Format)
	return nil
}

// Tile reads the tile at c, flipping the row to TMS.
func (m *MBTiles) Tile(ctx context.Context, c tile.Coordinate) (Tile, error) {
	t := c.To(tile.TMS)
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		t.Z, t.X, t.Y,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Tile{}, fmt.Errorf("%w: %s", ErrTileNotFound, c)
	}
	if err != nil {
		return Tile{}, fmt.Errorf("query tile %s: %w", c, err)
	}
	if len(data) == 0 {
		return Tile{}, fmt.Errorf("%w: %s", ErrTileNotFound, c)
	}

	out := Tile{Data: data, MediaType: m.info.MediaType}
	if isGzip(data) {
		out.ContentEncoding = "gzip"
	}
	return out, nil
}

// Info describes the archive.
func (m *MBTiles) Info() Info { return m.info }

// Close closes the database.
func (m *MBTiles) Close() error { return m.db.Close() }
