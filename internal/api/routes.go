// Package api provides HTTP handlers for the tile server.
package api

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/geo"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/service"
	"github.com/tilepipe/server/internal/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Catalog     *Catalog
	Service     *service.TileService
	CORSOrigins []string
	// Points mounts the /points routes; it needs a database.
	Points bool
	Log    zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(requestID)
	r.Use(accessLog(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/sources", sourcesHandler(cfg.Catalog))

	r.Get("/vector/{layer}/{z}/{x}/{y}", vectorTileHandler(cfg.Catalog, cfg.Service))
	r.Get("/archives/{name}/{z}/{x}/{y}", archiveTileHandler(cfg.Catalog, cfg.Service))

	r.Route("/raster/{name}", func(r chi.Router) {
		r.Get("/tiles/{z}/{x}/{y}", rasterTileHandler(cfg.Catalog, cfg.Service))
		r.Get("/part.png", rasterPartHandler(cfg.Catalog, cfg.Service))
		r.Get("/part.jpg", rasterPartHandler(cfg.Catalog, cfg.Service))
		r.Get("/preview.png", rasterPreviewHandler(cfg.Catalog, cfg.Service))
		r.Get("/preview.jpg", rasterPreviewHandler(cfg.Catalog, cfg.Service))
	})

	if cfg.Points {
		r.Route("/points", func(r chi.Router) {
			r.Get("/", listPointsHandler(cfg.Service))
			r.Post("/", createPointHandler(cfg.Service))
			r.Get("/{id}", getPointHandler(cfg.Service))
			r.Patch("/{id}", updatePointHandler(cfg.Service))
			r.Delete("/{id}", deletePointHandler(cfg.Service))
			r.Get("/{id}/satellite.jpg", satelliteHandler(cfg.Service))
		})
	}

	return r
}

// writeResult writes a pipeline result. Empty results are 200 with no body
// and the media type of the source.
func writeResult(w http.ResponseWriter, res service.Result) {
	status := res.Status()
	if status >= http.StatusBadRequest {
		writeError(w, res)
		return
	}
	w.Header().Set("Content-Type", res.MediaType)
	if res.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", res.ContentEncoding)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(status)
	w.Write(res.Body)
}

// writeError reports client errors with their cause and server errors with
// the status text only.
func writeError(w http.ResponseWriter, res service.Result) {
	status := res.Status()
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError && res.Err != nil {
		msg = res.Err.Error()
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sourcesHandler(catalog *Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, "application/json", map[string]any{
			"sources": catalog.Sources(),
		})
	}
}

func vectorTileHandler(catalog *Catalog, svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		layer, ok := catalog.Layer(chi.URLParam(r, "layer"))
		if !ok {
			http.Error(w, "layer not found: "+chi.URLParam(r, "layer"), http.StatusNotFound)
			return
		}
		c, ext, err := tileAddress(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		if ext != "pbf" && ext != "mvt" {
			http.NotFound(w, r)
			return
		}
		writeResult(w, svc.VectorTile(r.Context(), layer, c))
	}
}

func archiveTileHandler(catalog *Catalog, svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := catalog.Archive(chi.URLParam(r, "name"))
		if !ok {
			http.Error(w, "archive not found: "+chi.URLParam(r, "name"), http.StatusNotFound)
			return
		}
		c, _, err := tileAddress(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeResult(w, svc.ArchiveTile(r.Context(), a, c))
	}
}

func rasterSource(catalog *Catalog, w http.ResponseWriter, r *http.Request) (service.RasterSource, bool) {
	src, ok := catalog.Raster(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "raster not found: "+chi.URLParam(r, "name"), http.StatusNotFound)
	}
	return src, ok
}

func rasterTileHandler(catalog *Catalog, svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := rasterSource(catalog, w, r)
		if !ok {
			return
		}
		c, ext, err := tileAddress(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		format, err := render.ParseFormat(ext)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if res, ok := svc.AdmitRasterTile(r.Context(), src, c); !ok {
			writeResult(w, res)
			return
		}
		p, err := parseRenderParams(r.URL.Query(), format)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeResult(w, svc.RasterTile(r.Context(), src, c, p))
	}
}

// pathFormat returns the image format named by the request path extension.
func pathFormat(r *http.Request) render.Format {
	f, _ := render.ParseFormat(strings.TrimPrefix(path.Ext(r.URL.Path), "."))
	return f
}

func rasterPartHandler(catalog *Catalog, svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := rasterSource(catalog, w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		p, err := parseRenderParams(q, pathFormat(r))
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}

		var corners [4]float64
		for i, key := range []string{"minx", "miny", "maxx", "maxy"} {
			v, present, err := parseFloat(q, key)
			if err == nil && !present {
				err = invalid("missing %s", key)
			}
			if err != nil {
				writeError(w, service.Classify(err))
				return
			}
			corners[i] = v
		}
		bbox, err := tile.NewEnvelope(corners[0], corners[1], corners[2], corners[3], geo.WGS84)
		if err != nil {
			writeError(w, service.Classify(invalid("%v", err)))
			return
		}
		dst := geo.WGS84
		if s := q.Get("dst_crs"); s != "" {
			if dst, err = geo.ParseCRS(s); err != nil {
				writeError(w, service.Classify(invalid("dst_crs: %v", err)))
				return
			}
		}
		writeResult(w, svc.RasterPart(r.Context(), src, bbox, dst, p))
	}
}

func rasterPreviewHandler(catalog *Catalog, svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := rasterSource(catalog, w, r)
		if !ok {
			return
		}
		p, err := parseRenderParams(r.URL.Query(), pathFormat(r))
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeResult(w, svc.RasterPreview(r.Context(), src, p))
	}
}
