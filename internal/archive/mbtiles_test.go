package archive

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeMBTiles(t *testing.T, metadata map[string]string, tiles map[[3]int][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE metadata (name TEXT, value TEXT);
	CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
	CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for k, v := range metadata {
		if _, err := db.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			t.Fatalf("insert metadata: %v", err)
		}
	}
	for zxy, data := range tiles {
		if _, err := db.Exec("INSERT INTO tiles VALUES (?, ?, ?, ?)", zxy[0], zxy[1], zxy[2], data); err != nil {
			t.Fatalf("insert tile: %v", err)
		}
	}
	return path
}

func TestMBTilesFlipsRows(t *testing.T) {
	t.Parallel()

	gz := []byte{0x1f, 0x8b, 0x08, 0x00}
	path := writeMBTiles(t,
		map[string]string{"format": "pbf", "minzoom": "0", "maxzoom": "4", "bounds": "139.5,35.5,140.0,36.0"},
		map[[3]int][]byte{
			{1, 0, 1}: gz,                  // TMS row 1 is XYZ row 0
			{1, 1, 0}: []byte("plain-mvt"), // TMS row 0 is XYZ row 1
		},
	)
	m, err := OpenMBTiles(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenMBTiles: %v", err)
	}
	defer m.Close()

	info := m.Info()
	if info.MediaType != MediaTypeMVT || info.MaxZoom != 4 || info.Bounds[0] != 139.5 {
		t.Fatalf("unexpected info %+v", info)
	}

	got, err := m.Tile(context.Background(), coord(t, 1, 0, 0))
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if !bytes.Equal(got.Data, gz) || got.ContentEncoding != "gzip" {
		t.Fatalf("unexpected tile %v %q", got.Data, got.ContentEncoding)
	}

	got, err = m.Tile(context.Background(), coord(t, 1, 1, 1))
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if string(got.Data) != "plain-mvt" || got.ContentEncoding != "" {
		t.Fatalf("unexpected tile %q %q", got.Data, got.ContentEncoding)
	}

	if _, err := m.Tile(context.Background(), coord(t, 1, 0, 1)); !errors.Is(err, ErrTileNotFound) {
		t.Fatalf("expected ErrTileNotFound, got %v", err)
	}
}

func TestMBTilesSniffsFormat(t *testing.T) {
	t.Parallel()

	path := writeMBTiles(t, nil, map[[3]int][]byte{{0, 0, 0}: []byte("\x89PNG\r\n\x1a\n")})
	m, err := OpenMBTiles(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenMBTiles: %v", err)
	}
	defer m.Close()
	if m.Info().MediaType != MediaTypePNG {
		t.Fatalf("expected png, got %+v", m.Info())
	}
}

func TestOpenByExtension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := Options{Log: zerolog.Nop()}
	if _, err := Open(ctx, "a", "tiles.zip", opts); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for unknown extension, got %v", err)
	}
	if _, err := Open(ctx, "a", "https://example.com/tiles.mbtiles", opts); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for remote mbtiles, got %v", err)
	}
	if _, err := Open(ctx, "a", filepath.Join(t.TempDir(), "missing.mbtiles"), opts); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := writeMBTiles(t, map[string]string{"format": "png"}, nil)
	a, err := Open(ctx, "a", "file://"+path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if a.Info().Kind != "mbtiles" {
		t.Fatalf("unexpected kind %q", a.Info().Kind)
	}
}
