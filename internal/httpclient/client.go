// Package httpclient configures the client used for remote rasters,
// archives and the STAC catalog.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Config contains outbound transport settings.
type Config struct {
	Timeout             time.Duration // whole-request ceiling (default 30s)
	MaxIdleConnsPerHost int           // default 64
}

// NewOutbound creates the shared outbound client. Object stores are hit with
// many small ranged GETs per tile, so idle connections are kept per host.
func NewOutbound(cfg Config) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 64
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
