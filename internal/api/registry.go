package api

import (
	"errors"
	"fmt"

	"github.com/tilepipe/server/internal/archive"
	"github.com/tilepipe/server/internal/postgis"
	"github.com/tilepipe/server/internal/service"
)

// SourceInfo describes one configured source for the catalog endpoint.
type SourceInfo struct {
	Name       string      `json:"name"`
	Kind       string      `json:"kind"`
	Tiles      string      `json:"tiles"`
	MinZoom    int         `json:"minzoom"`
	MaxZoom    int         `json:"maxzoom,omitempty"`
	Format     string      `json:"format,omitempty"`
	Bounds     *[4]float64 `json:"bounds,omitempty"`
	Attributes []string    `json:"attributes,omitempty"`
}

// Catalog holds the configured vector layers, archives and rasters, each
// kind in config order.
type Catalog struct {
	layers       map[string]postgis.Layer
	layerOrder   []string
	archives     map[string]archive.Archive
	archiveOrder []string
	rasters      map[string]service.RasterSource
	rasterOrder  []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		layers:   make(map[string]postgis.Layer),
		archives: make(map[string]archive.Archive),
		rasters:  make(map[string]service.RasterSource),
	}
}

// AddLayer registers a vector layer.
func (c *Catalog) AddLayer(l postgis.Layer) error {
	if _, ok := c.layers[l.Name]; ok {
		return fmt.Errorf("duplicate vector layer %q", l.Name)
	}
	c.layers[l.Name] = l
	c.layerOrder = append(c.layerOrder, l.Name)
	return nil
}

// AddArchive registers an opened archive; the catalog closes it.
func (c *Catalog) AddArchive(name string, a archive.Archive) error {
	if _, ok := c.archives[name]; ok {
		return fmt.Errorf("duplicate archive %q", name)
	}
	c.archives[name] = a
	c.archiveOrder = append(c.archiveOrder, name)
	return nil
}

// AddRaster registers a raster source.
func (c *Catalog) AddRaster(src service.RasterSource) error {
	if _, ok := c.rasters[src.Name]; ok {
		return fmt.Errorf("duplicate raster %q", src.Name)
	}
	c.rasters[src.Name] = src
	c.rasterOrder = append(c.rasterOrder, src.Name)
	return nil
}

func (c *Catalog) Layer(name string) (postgis.Layer, bool) {
	l, ok := c.layers[name]
	return l, ok
}

func (c *Catalog) Archive(name string) (archive.Archive, bool) {
	a, ok := c.archives[name]
	return a, ok
}

func (c *Catalog) Raster(name string) (service.RasterSource, bool) {
	src, ok := c.rasters[name]
	return src, ok
}

// Sources lists vector layers, then archives, then rasters.
func (c *Catalog) Sources() []SourceInfo {
	infos := make([]SourceInfo, 0, len(c.layerOrder)+len(c.archiveOrder)+len(c.rasterOrder))
	for _, name := range c.layerOrder {
		l := c.layers[name]
		infos = append(infos, SourceInfo{
			Name:       name,
			Kind:       "vector",
			Tiles:      "/vector/" + name + "/{z}/{x}/{y}.pbf",
			MinZoom:    l.MinZoom,
			MaxZoom:    l.MaxZoom,
			Format:     "pbf",
			Attributes: l.Attributes,
		})
	}
	for _, name := range c.archiveOrder {
		info := c.archives[name].Info()
		bounds := info.Bounds
		infos = append(infos, SourceInfo{
			Name:    name,
			Kind:    info.Kind,
			Tiles:   "/archives/" + name + "/{z}/{x}/{y}." + tileExtension(info.Format),
			MinZoom: info.MinZoom,
			MaxZoom: info.MaxZoom,
			Format:  info.Format,
			Bounds:  &bounds,
		})
	}
	for _, name := range c.rasterOrder {
		src := c.rasters[name]
		infos = append(infos, SourceInfo{
			Name:    name,
			Kind:    "raster",
			Tiles:   "/raster/" + name + "/tiles/{z}/{x}/{y}.png",
			MinZoom: src.Policy.MinZoom,
			MaxZoom: src.Policy.MaxZoom,
			Format:  "png",
		})
	}
	return infos
}

// Close closes every archive.
func (c *Catalog) Close() error {
	var errs []error
	for _, name := range c.archiveOrder {
		if err := c.archives[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func tileExtension(format string) string {
	switch format {
	case "pbf", "mvt", "":
		return "pbf"
	case "jpeg":
		return "jpg"
	}
	return format
}
