// Package cog parses TIFF, BigTIFF and Cloud Optimized GeoTIFF structure
// from an io.ReaderAt and decodes individual blocks (tiles or strips).
//
// Parsing reads only the header and IFDs. Block data is fetched on demand,
// so a remote COG costs a handful of ranged requests per window.
package cog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrDecode reports a corrupt or unsupported file.
var ErrDecode = errors.New("raster decode error")

// File is the parsed, immutable structure of a TIFF. It holds no reader and
// can be shared between goroutines and cached across opens.
type File struct {
	ByteOrder binary.ByteOrder
	BigTIFF   bool
	// Images holds the full-resolution image first, then its overviews
	// ordered from finest to coarsest. Transparency masks are skipped.
	Images []*Image
	Geo    Geo
}

// Geo is the georeferencing of the full-resolution image.
type Geo struct {
	EPSG    int     // 0 when unknown
	OriginX float64 // x of the upper-left corner
	OriginY float64 // y of the upper-left corner
	ResX    float64 // pixel width, positive
	ResY    float64 // pixel height, positive (rows go south)
	NoData  *float64
}

// Image is one IFD.
type Image struct {
	Width, Height   int
	BlockWidth      int
	BlockHeight     int
	Tiled           bool
	SamplesPerPixel int
	BitsPerSample   int
	SampleFormat    int
	Planar          int
	Compression     int
	Predictor       int
	Photometric     int
	Offsets         []uint64
	ByteCounts      []uint64
	JPEGTables      []byte
}

// BlocksAcross is the number of block columns.
func (im *Image) BlocksAcross() int { return (im.Width + im.BlockWidth - 1) / im.BlockWidth }

// BlocksDown is the number of block rows.
func (im *Image) BlocksDown() int { return (im.Height + im.BlockHeight - 1) / im.BlockHeight }

// Parse reads the header and every IFD of the TIFF in r.
func Parse(r io.ReaderAt) (*File, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	f := &File{ByteOrder: h.bo, BigTIFF: h.big}

	seen := make(map[uint64]bool)
	var first map[Tag]field
	for off := h.first; off != 0; {
		if seen[off] {
			return nil, fmt.Errorf("%w: IFD loop at offset %d", ErrDecode, off)
		}
		if len(seen) >= maxIFDs {
			return nil, fmt.Errorf("%w: more than %d IFDs", ErrDecode, maxIFDs)
		}
		seen[off] = true

		fields, next, err := readIFD(r, h, off)
		if err != nil {
			return nil, err
		}
		off = next

		if st, ok := fields[TagNewSubfileType]; ok {
			if v, _ := st.uint(); v&subfileMask != 0 {
				continue
			}
		}
		im, err := newImage(fields)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = fields
		}
		f.Images = append(f.Images, im)
	}
	if len(f.Images) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrDecode)
	}
	f.Geo = parseGeo(first)
	return f, nil
}

func newImage(fields map[Tag]field) (*Image, error) {
	u := func(t Tag, def uint64) uint64 {
		if f, ok := fields[t]; ok {
			if v, ok := f.uint(); ok {
				return v
			}
		}
		return def
	}
	im := &Image{
		Width:           int(u(TagImageWidth, 0)),
		Height:          int(u(TagImageLength, 0)),
		SamplesPerPixel: int(u(TagSamplesPerPixel, 1)),
		BitsPerSample:   int(u(TagBitsPerSample, 1)),
		SampleFormat:    int(u(TagSampleFormat, SampleFormatUint)),
		Planar:          int(u(TagPlanarConfiguration, PlanarChunky)),
		Compression:     int(u(TagCompression, CompressionNone)),
		Predictor:       int(u(TagPredictor, PredictorNone)),
		Photometric:     int(u(TagPhotometricInterpretation, 1)),
	}
	if im.Width <= 0 || im.Height <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrDecode, im.Width, im.Height)
	}
	if im.SamplesPerPixel <= 0 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrDecode, im.SamplesPerPixel)
	}
	if bps, ok := fields[TagBitsPerSample]; ok {
		for _, v := range bps.uints() {
			if int(v) != im.BitsPerSample {
				return nil, fmt.Errorf("%w: mixed bits per sample", ErrDecode)
			}
		}
	}

	var offTag, cntTag Tag
	if _, ok := fields[TagTileWidth]; ok {
		im.Tiled = true
		im.BlockWidth = int(u(TagTileWidth, 0))
		im.BlockHeight = int(u(TagTileLength, 0))
		offTag, cntTag = TagTileOffsets, TagTileByteCounts
	} else {
		im.BlockWidth = im.Width
		im.BlockHeight = int(u(TagRowsPerStrip, uint64(im.Height)))
		if im.BlockHeight > im.Height {
			im.BlockHeight = im.Height
		}
		offTag, cntTag = TagStripOffsets, TagStripByteCounts
	}
	if im.BlockWidth <= 0 || im.BlockHeight <= 0 {
		return nil, fmt.Errorf("%w: block size %dx%d", ErrDecode, im.BlockWidth, im.BlockHeight)
	}

	offs, ok1 := fields[offTag]
	cnts, ok2 := fields[cntTag]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: missing block offsets", ErrDecode)
	}
	im.Offsets, im.ByteCounts = offs.uints(), cnts.uints()
	want := im.BlocksAcross() * im.BlocksDown()
	if im.Planar == PlanarSeparate {
		want *= im.SamplesPerPixel
	}
	if len(im.Offsets) < want || len(im.ByteCounts) < want {
		return nil, fmt.Errorf("%w: %d block offsets, want %d", ErrDecode, len(im.Offsets), want)
	}
	if jt, ok := fields[TagJPEGTables]; ok {
		im.JPEGTables = jt.raw
	}
	return im, nil
}

// GeoKey ids.
const (
	keyModelType     = 1024
	keyGeographicCRS = 2048
	keyProjectedCRS  = 3072
)

func parseGeo(fields map[Tag]field) Geo {
	g := Geo{ResX: 1, ResY: 1}

	if mt, ok := fields[TagModelTransformation]; ok {
		if m := mt.floats(); len(m) >= 16 {
			g.ResX, g.OriginX = m[0], m[3]
			g.ResY, g.OriginY = -m[5], m[7]
		}
	} else {
		if ps, ok := fields[TagModelPixelScale]; ok {
			if s := ps.floats(); len(s) >= 2 {
				g.ResX, g.ResY = s[0], s[1]
			}
		}
		if tp, ok := fields[TagModelTiepoint]; ok {
			if t := tp.floats(); len(t) >= 6 {
				g.OriginX = t[3] - t[0]*g.ResX
				g.OriginY = t[4] + t[1]*g.ResY
			}
		}
	}
	if g.ResY < 0 {
		g.ResY = -g.ResY
	}

	if gk, ok := fields[TagGeoKeyDirectory]; ok {
		keys := gk.uints()
		var modelType, geographic, projected uint64
		n := 0
		if len(keys) >= 4 {
			n = int(keys[3])
		}
		for k := 0; k < n; k++ {
			i := 4 + 4*k
			if i+3 >= len(keys) {
				break
			}
			id, loc, val := keys[i], keys[i+1], keys[i+3]
			if loc != 0 {
				continue
			}
			switch id {
			case keyModelType:
				modelType = val
			case keyGeographicCRS:
				geographic = val
			case keyProjectedCRS:
				projected = val
			}
		}
		switch {
		case projected != 0 && projected != 32767:
			g.EPSG = int(projected)
		case geographic != 0 && geographic != 32767:
			g.EPSG = int(geographic)
		case modelType == 2:
			g.EPSG = 4326
		}
	}

	if nd, ok := fields[TagGDALNoData]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd.ascii()), 64); err == nil {
			g.NoData = &v
		}
	}
	return g
}

// Bounds returns the extent of the full-resolution image in its own CRS.
func (f *File) Bounds() (minX, minY, maxX, maxY float64) {
	im := f.Images[0]
	minX = f.Geo.OriginX
	maxY = f.Geo.OriginY
	maxX = minX + float64(im.Width)*f.Geo.ResX
	minY = maxY - float64(im.Height)*f.Geo.ResY
	return
}

// Bands is the number of samples per pixel of the full-resolution image.
func (f *File) Bands() int { return f.Images[0].SamplesPerPixel }
