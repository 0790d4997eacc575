// Package main is the entry point for the tile server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/api"
	"github.com/tilepipe/server/internal/archive"
	"github.com/tilepipe/server/internal/cache"
	"github.com/tilepipe/server/internal/config"
	"github.com/tilepipe/server/internal/feature"
	"github.com/tilepipe/server/internal/httpclient"
	"github.com/tilepipe/server/internal/logger"
	"github.com/tilepipe/server/internal/observability"
	"github.com/tilepipe/server/internal/postgis"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/service"
	"github.com/tilepipe/server/internal/source"
	"github.com/tilepipe/server/internal/stac"
	"github.com/tilepipe/server/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Build(logger.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		SampleN: cfg.Logging.SampleN,
		Service: "tilepipe",
	}, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(worker.Config{Workers: cfg.Workers.Count, QueueSize: cfg.Workers.QueueSize}, log)
	pool.Start()
	defer pool.Stop()
	observability.RegisterWorkerPool(
		func() int { return pool.Stats().Queued },
		func() int { return pool.Stats().Running },
	)

	// Index and metadata caches (shared across sources)
	cacheManager, err := cache.NewManager(cache.Config{
		DirectoryCacheMB: cfg.Cache.DirectoryMB,
		DirectoryTTL:     time.Duration(cfg.Cache.DirectoryTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryEntries,
		QueryTTL:         time.Duration(cfg.Cache.QueryTTLMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer func() {
		log.Info().Str("cache", cacheManager.Stats().String()).Msg("cache stats")
		cacheManager.Close()
	}()

	client := httpclient.NewOutbound(httpclient.Config{
		Timeout:             time.Duration(cfg.HTTPClient.TimeoutSeconds) * time.Second,
		MaxIdleConnsPerHost: cfg.HTTPClient.MaxIdleConnsPerHost,
	})
	sources := source.NewOpener(client, source.Config{HeadBytes: int64(cfg.HTTPClient.HeadKB) << 10}, log)
	rasters := raster.NewOpener(sources, raster.OpenerConfig{
		MetadataEntries: int64(cfg.Cache.MetadataEntries),
		MetadataTTL:     time.Duration(cfg.Cache.MetadataTTLMinutes) * time.Minute,
	}, log)
	defer rasters.Stop()

	catalog := api.NewCatalog()
	defer func() {
		if err := catalog.Close(); err != nil {
			log.Warn().Err(err).Msg("closing archives")
		}
	}()

	for _, a := range cfg.Archives {
		arc, err := archive.Open(ctx, a.Name, a.URI, archive.Options{Source: sources, Cache: cacheManager, Log: log})
		if err != nil {
			return fmt.Errorf("open archive %s: %w", a.Name, err)
		}
		if err := catalog.AddArchive(a.Name, arc); err != nil {
			arc.Close()
			return err
		}
		info := arc.Info()
		log.Info().Str("archive", a.Name).Str("kind", info.Kind).Str("format", info.Format).
			Int("minzoom", info.MinZoom).Int("maxzoom", info.MaxZoom).Msg("archive loaded")
	}

	for _, rc := range cfg.Rasters {
		src, err := rasterSource(rc)
		if err != nil {
			return fmt.Errorf("raster %s: %w", rc.Name, err)
		}
		if err := catalog.AddRaster(src); err != nil {
			return err
		}
		log.Info().Str("raster", rc.Name).Str("uri", rc.URI).Int("minzoom", rc.MinZoom).Msg("raster registered")
	}

	svcCfg := service.TileServiceConfig{
		Pool:    pool,
		Rasters: rasters,
		Imagery: stac.NewClient(client, cfg.STAC, cacheManager, log),
		Encoder: render.NewEncoder(render.Config{
			DefaultColormap: cfg.Render.DefaultColormap,
			JPEGQuality:     cfg.Render.JPEGQuality,
		}),
		Log: log,
	}

	var db *pgxpool.Pool
	if cfg.Database.DSN != "" {
		db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		store := feature.NewStore(db, cfg.Database.PointsTable, log)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		svcCfg.Points = store
		svcCfg.Vectors = postgis.NewGateway(db, log)
		for _, l := range cfg.VectorLayers {
			if err := catalog.AddLayer(l); err != nil {
				return err
			}
			log.Info().Str("layer", l.Name).Str("table", l.Table).Msg("vector layer registered")
		}
	} else {
		log.Warn().Msg("database.dsn not set; vector layers and points are disabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Catalog:     catalog,
		Service:     service.NewTileService(svcCfg),
		CORSOrigins: cfg.Server.CORSOrigins,
		Points:      db != nil,
		Log:         log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.NewSlog(&log).Handler(), slog.LevelError),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Int("workers", pool.Stats().Workers).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func rasterSource(rc config.RasterConfig) (service.RasterSource, error) {
	resampling, err := raster.ParseResampling(rc.Resampling)
	if err != nil {
		return service.RasterSource{}, err
	}
	src := service.RasterSource{
		Name:       rc.Name,
		URI:        rc.URI,
		Policy:     rc.Policy(),
		Bands:      rc.Bands,
		Colormap:   rc.Colormap,
		Resampling: resampling,
		TileSize:   rc.TileSize,
	}
	if rc.ScaleMin != nil && rc.ScaleMax != nil {
		src.Rescale = []render.Range{{Min: *rc.ScaleMin, Max: *rc.ScaleMax}}
	}
	return src, nil
}
