// Package stac searches a STAC API for imagery covering a location.
package stac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/cache"
	"github.com/tilepipe/server/internal/observability"
)

var (
	// ErrNoItems means the search matched nothing usable.
	ErrNoItems = errors.New("no matching imagery")
	// ErrUpstream covers transport failures and non-2xx answers.
	ErrUpstream = errors.New("stac search failed")
)

// Config contains STAC search settings.
type Config struct {
	Endpoint   string  `yaml:"endpoint"`   // default https://earth-search.aws.element84.com/v1
	Collection string  `yaml:"collection"` // default sentinel-2-l2a
	Asset      string  `yaml:"asset"`      // default visual
	Buffer     float64 `yaml:"buffer"`     // degrees around a point, default 0.01
}

// WithDefaults fills empty fields.
func (c Config) WithDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = "https://earth-search.aws.element84.com/v1"
	}
	if c.Collection == "" {
		c.Collection = "sentinel-2-l2a"
	}
	if c.Asset == "" {
		c.Asset = "visual"
	}
	if c.Buffer <= 0 {
		c.Buffer = 0.01
	}
	return c
}

// Asset is a downloadable file of an item.
type Asset struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

// Item is a search hit.
type Item struct {
	ID         string           `json:"id"`
	BBox       []float64        `json:"bbox"`
	Properties map[string]any   `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
}

// Datetime returns the acquisition time, or the zero time.
func (it Item) Datetime() time.Time {
	s, _ := it.Properties["datetime"].(string)
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

type itemCollection struct {
	Features []Item `json:"features"`
}

// QueryCache stores raw search responses.
type QueryCache interface {
	GetQuery(key string) ([]byte, bool)
	SetQuery(key string, data []byte)
}

// Client queries one STAC collection.
type Client struct {
	http  *http.Client
	cfg   Config
	cache QueryCache
	log   zerolog.Logger
}

// NewClient creates a client. qc may be nil.
func NewClient(hc *http.Client, cfg Config, qc QueryCache, log zerolog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc, cfg: cfg.WithDefaults(), cache: qc, log: log.With().Str("component", "stac").Logger()}
}

func formatBBox(b orb.Bound) string {
	parts := []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	s := make([]string, len(parts))
	for i, v := range parts {
		s[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(s, ",")
}

// Search returns up to limit items intersecting bbox, newest first as the
// API orders them.
func (c *Client) Search(ctx context.Context, bbox orb.Bound, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("bbox", formatBBox(bbox))
	u := fmt.Sprintf("%s/collections/%s/items?%s", strings.TrimRight(c.cfg.Endpoint, "/"), url.PathEscape(c.cfg.Collection), q.Encode())

	key := cache.QueryKey("stac", u)
	body, cached := []byte(nil), false
	if c.cache != nil {
		body, cached = c.cache.GetQuery(key)
	}
	if !cached {
		var err error
		if body, err = c.fetch(ctx, u); err != nil {
			return nil, err
		}
	}

	var fc itemCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if !cached && c.cache != nil {
		c.cache.SetQuery(key, body)
	}
	return fc.Features, nil
}

func (c *Client) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	began := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("stac", time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, c.cfg.Endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUpstream, err)
	}
	c.log.Debug().Str("url", u).Int("bytes", len(body)).Dur("took", time.Since(began)).Msg("stac search")
	return body, nil
}

// LatestAsset finds the newest item within Buffer degrees of lon/lat and
// returns the href of the configured asset.
func (c *Client) LatestAsset(ctx context.Context, lon, lat float64) (string, error) {
	d := c.cfg.Buffer
	bbox := orb.Bound{Min: orb.Point{lon - d, lat - d}, Max: orb.Point{lon + d, lat + d}}
	items, err := c.Search(ctx, bbox, 1)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: near %g,%g", ErrNoItems, lon, lat)
	}
	asset, ok := items[0].Assets[c.cfg.Asset]
	if !ok || asset.Href == "" {
		return "", fmt.Errorf("%w: item %s has no %q asset", ErrNoItems, items[0].ID, c.cfg.Asset)
	}
	return asset.Href, nil
}
