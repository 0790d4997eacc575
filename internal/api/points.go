package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/tilepipe/server/internal/feature"
	"github.com/tilepipe/server/internal/service"
)

const (
	geoJSONType  = "application/geo+json"
	maxPointBody = 1 << 16
)

func pointID(r *http.Request) (int64, error) {
	s := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("point id %q", s)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPointBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("request body: %v", err)
	}
	return nil
}

func listPointsHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var bbox *orb.Bound
		if s := r.URL.Query().Get("bbox"); s != "" {
			b, err := parseBBox(s)
			if err != nil {
				writeError(w, service.Classify(err))
				return
			}
			bbox = &b
		}
		fc, err := svc.ListPoints(r.Context(), bbox)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeJSON(w, http.StatusOK, geoJSONType, fc)
	}
}

func createPointHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body feature.Patch
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, service.Classify(err))
			return
		}
		if body.Longitude == nil || body.Latitude == nil {
			writeError(w, service.Classify(invalid("longitude and latitude are required")))
			return
		}
		p, err := svc.CreatePoint(r.Context(), *body.Longitude, *body.Latitude)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeJSON(w, http.StatusCreated, geoJSONType, p.Feature())
	}
}

func getPointHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pointID(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		p, err := svc.GetPoint(r.Context(), id)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeJSON(w, http.StatusOK, geoJSONType, p.Feature())
	}
}

func updatePointHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pointID(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		var patch feature.Patch
		if err := decodeBody(w, r, &patch); err != nil {
			writeError(w, service.Classify(err))
			return
		}
		p, err := svc.UpdatePoint(r.Context(), id, patch)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeJSON(w, http.StatusOK, geoJSONType, p.Feature())
	}
}

func deletePointHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pointID(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		if err := svc.DeletePoint(r.Context(), id); err != nil {
			writeError(w, service.Classify(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func satelliteHandler(svc *service.TileService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pointID(r)
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		maxSize, err := parseMaxSize(r.URL.Query())
		if err != nil {
			writeError(w, service.Classify(err))
			return
		}
		writeResult(w, svc.SatellitePreview(r.Context(), id, maxSize))
	}
}
