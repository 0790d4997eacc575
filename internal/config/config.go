// Package config handles configuration loading for the tile server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tilepipe/server/internal/gate"
	"github.com/tilepipe/server/internal/postgis"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/stac"
	"github.com/tilepipe/server/pkg/colormap"
)

// Config represents the server configuration.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Logging      LoggingConfig    `yaml:"logging"`
	Database     DatabaseConfig   `yaml:"database"`
	Workers      WorkersConfig    `yaml:"workers"`
	HTTPClient   HTTPClientConfig `yaml:"http_client"`
	Cache        CacheConfig      `yaml:"cache"`
	Render       RenderConfig     `yaml:"render"`
	STAC         stac.Config      `yaml:"stac"`
	VectorLayers []postgis.Layer  `yaml:"vector_layers"`
	Archives     []ArchiveConfig  `yaml:"archives"`
	Rasters      []RasterConfig   `yaml:"rasters"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	CORSOrigins            []string `yaml:"cors_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig selects the zerolog level and output.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	SampleN int    `yaml:"sample_n"`
}

// DatabaseConfig contains PostGIS settings. An empty DSN disables vector
// layers and the point routes.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	PointsTable string `yaml:"points_table"`
}

// WorkersConfig sizes the blocking-work pool; zero values pick defaults.
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// HTTPClientConfig contains outbound settings for remote sources and STAC.
type HTTPClientConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
	HeadKB              int `yaml:"head_kb"`
}

// CacheConfig contains index and metadata cache settings.
type CacheConfig struct {
	DirectoryMB         int `yaml:"directory_mb"`
	DirectoryTTLMinutes int `yaml:"directory_ttl_minutes"`
	QueryEntries        int `yaml:"query_entries"`
	QueryTTLMinutes     int `yaml:"query_ttl_minutes"`
	MetadataEntries     int `yaml:"metadata_entries"`
	MetadataTTLMinutes  int `yaml:"metadata_ttl_minutes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize        int    `yaml:"tile_size"`
	DefaultColormap string `yaml:"default_colormap"`
	JPEGQuality     int    `yaml:"jpeg_quality"`
}

// ArchiveConfig names an MBTiles or PMTiles file or URL.
type ArchiveConfig struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
}

// RasterConfig describes a COG served as tiles, parts and previews.
type RasterConfig struct {
	Name       string   `yaml:"name"`
	URI        string   `yaml:"uri"`
	MinZoom    int      `yaml:"min_zoom"`
	MaxZoom    int      `yaml:"max_zoom"`
	ScaleMin   *float64 `yaml:"scale_min"`
	ScaleMax   *float64 `yaml:"scale_max"`
	Bands      []int    `yaml:"bands"`
	Colormap   string   `yaml:"colormap"`
	Resampling string   `yaml:"resampling"`
	TileSize   int      `yaml:"tile_size"`
}

// Policy is the zoom window of the raster.
func (r RasterConfig) Policy() gate.Policy {
	return gate.Policy{MinZoom: r.MinZoom, MaxZoom: r.MaxZoom}
}

var sourceName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads configuration from a YAML file. A missing file yields the
// defaults. DATABASE_URL overrides database.dsn.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8080,
			CORSOrigins:            []string{"*"},
			ShutdownTimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			MaxConns:    16,
			PointsTable: "points",
		},
		HTTPClient: HTTPClientConfig{
			TimeoutSeconds:      30,
			MaxIdleConnsPerHost: 64,
			HeadKB:              16,
		},
		Cache: CacheConfig{
			DirectoryMB:         64,
			DirectoryTTLMinutes: 60,
			QueryEntries:        512,
			QueryTTLMinutes:     15,
			MetadataEntries:     256,
			MetadataTTLMinutes:  10,
		},
		Render: RenderConfig{
			TileSize:    256,
			JPEGQuality: 85,
		},
		STAC: stac.Config{}.WithDefaults(),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = defaults.Server.ShutdownTimeoutSeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = defaults.Database.MaxConns
	}
	if cfg.Database.PointsTable == "" {
		cfg.Database.PointsTable = defaults.Database.PointsTable
	}
	if cfg.HTTPClient.TimeoutSeconds == 0 {
		cfg.HTTPClient.TimeoutSeconds = defaults.HTTPClient.TimeoutSeconds
	}
	if cfg.HTTPClient.MaxIdleConnsPerHost == 0 {
		cfg.HTTPClient.MaxIdleConnsPerHost = defaults.HTTPClient.MaxIdleConnsPerHost
	}
	if cfg.HTTPClient.HeadKB == 0 {
		cfg.HTTPClient.HeadKB = defaults.HTTPClient.HeadKB
	}
	if cfg.Cache.DirectoryMB == 0 {
		cfg.Cache.DirectoryMB = defaults.Cache.DirectoryMB
	}
	if cfg.Cache.DirectoryTTLMinutes == 0 {
		cfg.Cache.DirectoryTTLMinutes = defaults.Cache.DirectoryTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Cache.QueryTTLMinutes == 0 {
		cfg.Cache.QueryTTLMinutes = defaults.Cache.QueryTTLMinutes
	}
	if cfg.Cache.MetadataEntries == 0 {
		cfg.Cache.MetadataEntries = defaults.Cache.MetadataEntries
	}
	if cfg.Cache.MetadataTTLMinutes == 0 {
		cfg.Cache.MetadataTTLMinutes = defaults.Cache.MetadataTTLMinutes
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.JPEGQuality == 0 {
		cfg.Render.JPEGQuality = defaults.Render.JPEGQuality
	}
	cfg.STAC = cfg.STAC.WithDefaults()
	for i := range cfg.VectorLayers {
		cfg.VectorLayers[i] = cfg.VectorLayers[i].WithDefaults()
	}
	for i := range cfg.Rasters {
		if cfg.Rasters[i].TileSize == 0 {
			cfg.Rasters[i].TileSize = cfg.Render.TileSize
		}
	}
}

// Validate checks names, zoom windows and render settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Render.DefaultColormap != "" {
		if _, ok := colormap.ByName(c.Render.DefaultColormap); !ok {
			errs = append(errs, fmt.Errorf("render.default_colormap: unknown colormap %q", c.Render.DefaultColormap))
		}
	}
	if c.Render.JPEGQuality < 1 || c.Render.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("render.jpeg_quality %d outside 1..100", c.Render.JPEGQuality))
	}
	if len(c.VectorLayers) > 0 && c.Database.DSN == "" {
		errs = append(errs, errors.New("vector_layers need database.dsn or DATABASE_URL"))
	}

	seen := make(map[string]bool)
	for _, l := range c.VectorLayers {
		if err := l.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vector_layers: %w", err))
		}
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("vector_layers: duplicate name %q", l.Name))
		}
		seen[l.Name] = true
	}

	seen = make(map[string]bool)
	for _, a := range c.Archives {
		if !sourceName.MatchString(a.Name) {
			errs = append(errs, fmt.Errorf("archives: invalid name %q", a.Name))
		}
		if a.URI == "" {
			errs = append(errs, fmt.Errorf("archives.%s: uri is required", a.Name))
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("archives: duplicate name %q", a.Name))
		}
		seen[a.Name] = true
	}

	seen = make(map[string]bool)
	for _, r := range c.Rasters {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rasters.%s: %w", r.Name, err))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rasters: duplicate name %q", r.Name))
		}
		seen[r.Name] = true
	}
	return errors.Join(errs...)
}

func (r RasterConfig) validate() error {
	if !sourceName.MatchString(r.Name) {
		return fmt.Errorf("invalid name %q", r.Name)
	}
	if r.URI == "" {
		return errors.New("uri is required")
	}
	if err := r.Policy().Validate(); err != nil {
		return err
	}
	if (r.ScaleMin == nil) != (r.ScaleMax == nil) {
		return errors.New("scale_min and scale_max must be set together")
	}
	if r.ScaleMin != nil && !(*r.ScaleMin < *r.ScaleMax) {
		return fmt.Errorf("scale_min %g must be below scale_max %g", *r.ScaleMin, *r.ScaleMax)
	}
	for _, b := range r.Bands {
		if b < 1 {
			return fmt.Errorf("band index %d", b)
		}
	}
	if r.Colormap != "" {
		if _, ok := colormap.ByName(r.Colormap); !ok {
			return fmt.Errorf("unknown colormap %q", r.Colormap)
		}
	}
	if _, err := raster.ParseResampling(r.Resampling); err != nil {
		return err
	}
	if r.TileSize < 0 || r.TileSize > 1024 {
		return fmt.Errorf("tile_size %d outside 1..1024", r.TileSize)
	}
	return nil
}
