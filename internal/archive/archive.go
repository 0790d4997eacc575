// Package archive serves pre-rendered tiles from MBTiles and PMTiles files.
// Tiles are returned as stored; their Content-Encoding is reported so the
// HTTP layer can pass compressed vector tiles through untouched.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/source"
	"github.com/tilepipe/server/internal/tile"
)

var (
	// ErrTileNotFound means the archive has no tile at the address.
	ErrTileNotFound = errors.New("tile not in archive")
	// ErrFormat reports a malformed or unsupported archive.
	ErrFormat = errors.New("invalid tile archive")
)

// Media types for stored tile formats.
const (
	MediaTypeMVT  = "application/vnd.mapbox-vector-tile"
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeWebP = "image/webp"
)

// Tile is a stored tile.
type Tile struct {
	Data            []byte
	MediaType       string
	ContentEncoding string // "" when stored uncompressed
}

// Info describes an archive for the source catalog.
type Info struct {
	Kind      string     `json:"kind"`
	Format    string     `json:"format"`
	MinZoom   int        `json:"minzoom"`
	MaxZoom   int        `json:"maxzoom"`
	Bounds    [4]float64 `json:"bounds"`
	MediaType string     `json:"media_type"`
}

// Archive is an opened tile archive. Tile may block on disk or network I/O.
type Archive interface {
	Tile(ctx context.Context, c tile.Coordinate) (Tile, error)
	Info() Info
	Close() error
}

// DirectoryCache stores decompressed PMTiles directories.
type DirectoryCache interface {
	GetDirectory(key string) ([]byte, bool)
	SetDirectory(key string, data []byte) error
}

// Options are shared by Open.
type Options struct {
	Source *source.Opener
	Cache  DirectoryCache // optional
	Log    zerolog.Logger
}

// Open opens uri as an MBTiles (local path) or PMTiles (local path or URL)
// archive, chosen by extension.
func Open(ctx context.Context, name, uri string, opts Options) (Archive, error) {
	ext := strings.ToLower(path.Ext(strings.SplitN(uri, "?", 2)[0]))
	switch ext {
	case ".mbtiles":
		if source.IsRemote(uri) {
			return nil, fmt.Errorf("%w: mbtiles must be a local file: %s", ErrFormat, uri)
		}
		return OpenMBTiles(ctx, strings.TrimPrefix(uri, "file://"))
	case ".pmtiles":
		if opts.Source == nil {
			return nil, fmt.Errorf("pmtiles %s: no source opener", name)
		}
		h, err := opts.Source.Open(ctx, uri)
		if err != nil {
			return nil, err
		}
		a, err := OpenPMTiles(name, h, opts.Cache, opts.Log)
		if err != nil {
			h.Close()
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("%w: unknown archive extension %q", ErrFormat, ext)
}

// MediaTypeForFormat maps an MBTiles "format" value to a media type.
func MediaTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "pbf", "mvt":
		return MediaTypeMVT
	case "jpg", "jpeg":
		return MediaTypeJPEG
	case "webp":
		return MediaTypeWebP
	}
	return MediaTypePNG
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// sniffFormat guesses a format from tile bytes when metadata has none.
func sniffFormat(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG")):
		return "png"
	case bytes.HasPrefix(b, []byte{0xff, 0xd8}):
		return "jpg"
	case len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP":
		return "webp"
	}
	return "pbf"
}
