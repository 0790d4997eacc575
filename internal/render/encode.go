// Package render turns decoded raster windows into PNG or JPEG images.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/fogleman/gg"

	"github.com/tilepipe/server/pkg/colormap"
)

// ErrUnknownColormap is returned for a colormap name that is not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Format is an output image format.
type Format int

const (
	PNG Format = iota
	JPEG
)

// ParseFormat accepts a file extension with or without the dot.
func ParseFormat(ext string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return 0, fmt.Errorf("unsupported image format %q", ext)
}

// MediaType is the Content-Type for f.
func (f Format) MediaType() string {
	if f == JPEG {
		return "image/jpeg"
	}
	return "image/png"
}

func (f Format) String() string {
	if f == JPEG {
		return "jpeg"
	}
	return "png"
}

// Config contains encoder configuration.
type Config struct {
	DefaultColormap string // applied to single-band output when no colormap is requested
	JPEGQuality     int    // 1..100, default 85
}

// Marker is a crosshair drawn on top of an encoded image.
type Marker struct {
	X, Y   float64 // pixel position
	Radius float64 // arm length, default 8
	Color  color.Color
}

// Encoder encodes byte buffers. It is safe for concurrent use.
type Encoder struct {
	config     Config
	bufferPool sync.Pool
	luts       sync.Map // colormap name -> *[256]color.RGBA
}

// NewEncoder creates an encoder.
func NewEncoder(cfg Config) *Encoder {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	return &Encoder{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Encode writes bb as format. A single-band buffer is colorized when cm (or
// the configured default) names a colormap, otherwise it is grayscale.
// Masked pixels are transparent in PNG and black in JPEG.
func (e *Encoder) Encode(bb *ByteBuffer, format Format, cm string) ([]byte, error) {
	img, err := e.image(bb, cm, format == PNG)
	if err != nil {
		return nil, err
	}
	return e.encodeImage(img, format)
}

// EncodeWithMarker encodes bb like Encode and draws m on it.
func (e *Encoder) EncodeWithMarker(bb *ByteBuffer, format Format, cm string, m Marker) ([]byte, error) {
	img, err := e.image(bb, cm, format == PNG)
	if err != nil {
		return nil, err
	}
	if m.Radius <= 0 {
		m.Radius = 8
	}
	if m.Color == nil {
		m.Color = color.RGBA{R: 255, A: 255}
	}

	dc := gg.NewContextForImage(img)
	dc.SetColor(m.Color)
	dc.SetLineWidth(2)
	dc.DrawLine(m.X-m.Radius, m.Y, m.X+m.Radius, m.Y)
	dc.DrawLine(m.X, m.Y-m.Radius, m.X, m.Y+m.Radius)
	dc.Stroke()
	dc.DrawCircle(m.X, m.Y, m.Radius/2)
	dc.Stroke()

	return e.encodeImage(dc.Image(), format)
}

func (e *Encoder) image(bb *ByteBuffer, cm string, alpha bool) (image.Image, error) {
	if bb.Width <= 0 || bb.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d buffer", ErrBandCount, bb.Width, bb.Height)
	}
	if cm == "" {
		cm = e.config.DefaultColormap
	}

	switch bb.Bands {
	case 1:
		if cm != "" {
			lut, err := e.lut(cm)
			if err != nil {
				return nil, err
			}
			return e.colorize(bb, lut, alpha), nil
		}
		if !alpha || allValid(bb.Valid) {
			img := image.NewGray(image.Rect(0, 0, bb.Width, bb.Height))
			for k, ok := range bb.Valid {
				if ok {
					img.Pix[k] = bb.Pix[k]
				}
			}
			return img, nil
		}
	case 3, 4:
	default:
		return nil, fmt.Errorf("%w: %d", ErrBandCount, bb.Bands)
	}

	img := image.NewNRGBA(image.Rect(0, 0, bb.Width, bb.Height))
	for k, ok := range bb.Valid {
		if !ok {
			if !alpha {
				img.Pix[k*4+3] = 255
			}
			continue
		}
		p := bb.Pix[k*bb.Bands : (k+1)*bb.Bands]
		o := img.Pix[k*4 : k*4+4]
		switch bb.Bands {
		case 1:
			o[0], o[1], o[2], o[3] = p[0], p[0], p[0], 255
		case 3:
			o[0], o[1], o[2], o[3] = p[0], p[1], p[2], 255
		case 4:
			o[0], o[1], o[2], o[3] = p[0], p[1], p[2], p[3]
		}
		if !alpha {
			o[3] = 255
		}
	}
	return img, nil
}

func (e *Encoder) colorize(bb *ByteBuffer, lut *[256]color.RGBA, alpha bool) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, bb.Width, bb.Height))
	for k, ok := range bb.Valid {
		o := img.Pix[k*4 : k*4+4]
		if !ok {
			if !alpha {
				o[3] = 255
			}
			continue
		}
		c := lut[bb.Pix[k]]
		o[0], o[1], o[2], o[3] = c.R, c.G, c.B, 255
	}
	return img
}

func (e *Encoder) lut(name string) (*[256]color.RGBA, error) {
	if v, ok := e.luts.Load(name); ok {
		return v.(*[256]color.RGBA), nil
	}
	cm, ok := colormap.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColormap, name)
	}
	lut := colormap.LUT(cm)
	v, _ := e.luts.LoadOrStore(name, &lut)
	return v.(*[256]color.RGBA), nil
}

func (e *Encoder) encodeImage(img image.Image, format Format) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	var err error
	if format == JPEG {
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: e.config.JPEGQuality})
	} else {
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		err = encoder.Encode(buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}

	// The buffer goes back to the pool.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func allValid(valid []bool) bool {
	for _, ok := range valid {
		if !ok {
			return false
		}
	}
	return true
}
