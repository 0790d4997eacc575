package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/tilepipe/server/internal/archive"
	"github.com/tilepipe/server/internal/feature"
	"github.com/tilepipe/server/internal/postgis"
	"github.com/tilepipe/server/internal/raster"
	"github.com/tilepipe/server/internal/render"
	"github.com/tilepipe/server/internal/source"
	"github.com/tilepipe/server/internal/stac"
	"github.com/tilepipe/server/internal/tile"
)

// Outcome classifies a pipeline run.
type Outcome int

const (
	Rendered Outcome = iota
	// Empty is a legitimately empty tile: the query ran and matched nothing.
	Empty
	NotFound
	RejectedByPolicy
	Invalid
	UpstreamError
	// Canceled means the caller went away before the result was ready.
	Canceled
)

// StatusClientClosedRequest is written for Canceled results; nobody reads it.
const StatusClientClosedRequest = 499

func (o Outcome) String() string {
	switch o {
	case Rendered:
		return "rendered"
	case Empty:
		return "empty"
	case NotFound:
		return "not_found"
	case RejectedByPolicy:
		return "rejected"
	case Invalid:
		return "invalid"
	case Canceled:
		return "canceled"
	}
	return "upstream_error"
}

// Result is what a handler writes back.
type Result struct {
	Outcome         Outcome
	Body            []byte
	MediaType       string
	ContentEncoding string
	// Unavailable marks an UpstreamError caused by an unreachable or slow
	// source rather than a failure while processing its answer.
	Unavailable bool
	Err         error
}

// Status maps the outcome to an HTTP status code.
func (r Result) Status() int {
	switch r.Outcome {
	case Rendered, Empty:
		return http.StatusOK
	case NotFound, RejectedByPolicy:
		return http.StatusNotFound
	case Invalid:
		return http.StatusBadRequest
	case Canceled:
		return StatusClientClosedRequest
	}
	if r.Unavailable {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Classify turns an error from any pipeline stage into a Result.
func Classify(err error) Result {
	res := Result{Outcome: UpstreamError, Err: err}
	switch {
	case err == nil:
		res.Outcome = Rendered
	case errors.Is(err, tile.ErrInvalidTileAddress),
		errors.Is(err, ErrInvalidParameter),
		errors.Is(err, raster.ErrInvalidBand),
		errors.Is(err, render.ErrInvalidRescaleRange),
		errors.Is(err, render.ErrBandCount),
		errors.Is(err, render.ErrUnknownColormap),
		errors.Is(err, feature.ErrInvalidPoint):
		res.Outcome = Invalid
	case errors.Is(err, raster.ErrNotFound),
		errors.Is(err, archive.ErrTileNotFound),
		errors.Is(err, feature.ErrNotFound),
		errors.Is(err, stac.ErrNoItems):
		res.Outcome = NotFound
	case errors.Is(err, context.Canceled):
		res.Outcome = Canceled
	case errors.Is(err, source.ErrUnavailable),
		errors.Is(err, stac.ErrUpstream),
		errors.Is(err, context.DeadlineExceeded):
		res.Unavailable = true
	case errors.Is(err, postgis.ErrUpstream),
		errors.Is(err, feature.ErrUpstream):
		// database failures stay 500
	}
	return res
}
