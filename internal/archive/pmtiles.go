package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/source"
	"github.com/tilepipe/server/internal/tile"
)

// maxDirectoryDepth bounds root + leaf levels; writers use at most three.
const maxDirectoryDepth = 4

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil)
})

// PMTiles reads a PMTiles v3 archive through a byte handle, so the same code
// serves local files and HTTP range reads.
type PMTiles struct {
	name   string
	h      source.Handle
	header pmtiles.HeaderV3
	cache  DirectoryCache
	info   Info
	log    zerolog.Logger
}

// OpenPMTiles reads and checks the header. The archive takes ownership of h.
func OpenPMTiles(name string, h source.Handle, cache DirectoryCache, log zerolog.Logger) (*PMTiles, error) {
	buf := make([]byte, pmtiles.HeaderV3LenBytes)
	if _, err := h.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read pmtiles header: %w", err)
	}
	header, err := pmtiles.DeserializeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if header.SpecVersion != 3 {
		return nil, fmt.Errorf("%w: spec version %d", ErrFormat, header.SpecVersion)
	}

	p := &PMTiles{
		name:   name,
		h:      h,
		header: header,
		cache:  cache,
		log:    log.With().Str("component", "pmtiles").Str("archive", name).Logger(),
	}
	p.info = Info{
		Kind:    "pmtiles",
		Format:  tileTypeFormat(header.TileType),
		MinZoom: int(header.MinZoom),
		MaxZoom: int(header.MaxZoom),
		Bounds: [4]float64{
			float64(header.MinLonE7) / 1e7, float64(header.MinLatE7) / 1e7,
			float64(header.MaxLonE7) / 1e7, float64(header.MaxLatE7) / 1e7,
		},
	}
	p.info.MediaType = MediaTypeForFormat(p.info.Format)
	return p, nil
}

func tileTypeFormat(t pmtiles.TileType) string {
	switch t {
	case pmtiles.Mvt:
		return "pbf"
	case pmtiles.Jpeg:
		return "jpg"
	case pmtiles.Webp:
		return "webp"
	}
	return "png"
}

func contentEncoding(c pmtiles.Compression) string {
	switch c {
	case pmtiles.Gzip:
		return "gzip"
	case pmtiles.Brotli:
		return "br"
	case pmtiles.Zstd:
		return "zstd"
	}
	return ""
}

// Tile looks c up through the root and leaf directories.
func (p *PMTiles) Tile(ctx context.Context, c tile.Coordinate) (Tile, error) {
	if c.Z < int(p.header.MinZoom) || c.Z > int(p.header.MaxZoom) {
		return Tile{}, fmt.Errorf("%w: %s outside zooms %d-%d", ErrTileNotFound, c, p.header.MinZoom, p.header.MaxZoom)
	}
	x := c.To(tile.XYZ)
	id := pmtiles.ZxyToID(uint8(x.Z), uint32(x.X), uint32(x.Y))

	offset, length := p.header.RootOffset, p.header.RootLength
	for depth := 0; depth < maxDirectoryDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return Tile{}, err
		}
		entries, err := p.directory(offset, length)
		if err != nil {
			return Tile{}, err
		}
		e, ok := findTile(entries, id)
		if !ok {
			return Tile{}, fmt.Errorf("%w: %s", ErrTileNotFound, c)
		}
		if e.RunLength > 0 {
			data, err := p.read(p.header.TileDataOffset+e.Offset, uint64(e.Length))
			if err != nil {
				return Tile{}, err
			}
			return Tile{Data: data, MediaType: p.info.MediaType, ContentEncoding: contentEncoding(p.header.TileCompression)}, nil
		}
		offset, length = p.header.LeafDirectoryOffset+e.Offset, uint64(e.Length)
	}
	return Tile{}, fmt.Errorf("%w: directory nesting deeper than %d", ErrFormat, maxDirectoryDepth)
}

func (p *PMTiles) read(offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if offset+length > uint64(p.h.Size()) {
		return nil, fmt.Errorf("%w: range %d+%d beyond %d bytes", ErrFormat, offset, length, p.h.Size())
	}
	buf := make([]byte, length)
	n, err := p.h.ReadAt(buf, int64(offset))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, fmt.Errorf("read %s at %d: %w", p.name, offset, err)
	}
	return buf, nil
}

// directory returns the entries at offset, using the cache for the
// decompressed bytes.
func (p *PMTiles) directory(offset, length uint64) ([]pmtiles.EntryV3, error) {
	key := fmt.Sprintf("%s#%d:%d:%d", p.name, p.h.Size(), offset, length)
	if p.cache != nil {
		if raw, ok := p.cache.GetDirectory(key); ok {
			return decodeEntries(raw)
		}
	}

	compressed, err := p.read(offset, length)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(compressed, p.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.SetDirectory(key, raw); err != nil {
			p.log.Debug().Err(err).Uint64("offset", offset).Msg("directory not cached")
		}
	}
	return entries, nil
}

func decompress(b []byte, c pmtiles.Compression) ([]byte, error) {
	switch c {
	case pmtiles.NoCompression, pmtiles.UnknownCompression:
		return b, nil
	case pmtiles.Gzip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("%w: directory: %v", ErrFormat, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: directory: %v", ErrFormat, err)
		}
		return out, nil
	case pmtiles.Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: directory: %v", ErrFormat, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported internal compression %d", ErrFormat, c)
}

// decodeEntries parses a decompressed directory: count, then column-wise
// delta tile IDs, run lengths, lengths and offsets.
func decodeEntries(b []byte) ([]pmtiles.EntryV3, error) {
	r := bytes.NewReader(b)
	next := func() (uint64, error) {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return 0, fmt.Errorf("%w: truncated directory", ErrFormat)
		}
		return v, nil
	}

	n, err := next()
	if err != nil {
		return nil, err
	}
	// Every entry takes at least four bytes.
	if n > uint64(len(b))/4+1 {
		return nil, fmt.Errorf("%w: directory claims %d entries in %d bytes", ErrFormat, n, len(b))
	}
	entries := make([]pmtiles.EntryV3, n)

	var last uint64
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		last += v
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, err
		}
		switch {
		case v > 0:
			entries[i].Offset = v - 1
		case i > 0:
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		default:
			return nil, fmt.Errorf("%w: first entry has a relative offset", ErrFormat)
		}
	}
	return entries, nil
}

// findTile returns the entry covering id: an exact match, a run that spans
// it, or the leaf directory pointer preceding it.
func findTile(entries []pmtiles.EntryV3, id uint64) (pmtiles.EntryV3, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch e := entries[mid]; {
		case id > e.TileID:
			lo = mid + 1
		case id < e.TileID:
			hi = mid - 1
		default:
			return e, true
		}
	}
	if hi >= 0 {
		e := entries[hi]
		if e.RunLength == 0 || id-e.TileID < uint64(e.RunLength) {
			return e, true
		}
	}
	return pmtiles.EntryV3{}, false
}

// Info describes the archive.
func (p *PMTiles) Info() Info { return p.info }

// Close releases the handle.
func (p *PMTiles) Close() error { return p.h.Close() }
