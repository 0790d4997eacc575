package stac

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/tilepipe/server/internal/cache"
)

const searchResponse = `{
  "type": "FeatureCollection",
  "features": [{
    "type": "Feature",
    "id": "S2B_54SUE_20240601_0_L2A",
    "bbox": [139.0, 35.0, 140.2, 36.0],
    "properties": {"datetime": "2024-06-01T01:35:12Z"},
    "assets": {"visual": {"href": "https://example.com/TCI.tif", "type": "image/tiff; application=geotiff; profile=cloud-optimized"}}
  }]
}`

func TestLatestAsset(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	var gotQuery, gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotPath, gotQuery, gotAccept = r.URL.Path, r.URL.RawQuery, r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write([]byte(searchResponse))
	}))
	defer srv.Close()

	qc, err := cache.NewManager(cache.Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer qc.Close()

	c := NewClient(srv.Client(), Config{Endpoint: srv.URL + "/v1/"}, qc, zerolog.Nop())
	href, err := c.LatestAsset(context.Background(), 139.5, 35.5)
	if err != nil {
		t.Fatalf("LatestAsset: %v", err)
	}
	if href != "https://example.com/TCI.tif" {
		t.Fatalf("unexpected href %q", href)
	}
	if gotPath != "/v1/collections/sentinel-2-l2a/items" || gotAccept != "application/json" {
		t.Fatalf("unexpected request %s accept=%s", gotPath, gotAccept)
	}
	if gotQuery != "bbox=139.49%2C35.49%2C139.51%2C35.51&limit=1" {
		t.Fatalf("unexpected query %q", gotQuery)
	}

	if _, err := c.LatestAsset(context.Background(), 139.5, 35.5); err != nil {
		t.Fatalf("LatestAsset: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached second search, got %d requests", hits.Load())
	}
}

func TestSearchItemDatetime(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(searchResponse))
	}))
	defer srv.Close()

	bbox := orb.Bound{Min: orb.Point{139, 35}, Max: orb.Point{140, 36}}
	items, err := NewClient(srv.Client(), Config{Endpoint: srv.URL}, nil, zerolog.Nop()).Search(context.Background(), bbox, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := time.Date(2024, 6, 1, 1, 35, 12, 0, time.UTC)
	if len(items) != 1 || !items[0].Datetime().Equal(want) {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestLatestAssetErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"no features", 200, `{"type":"FeatureCollection","features":[]}`, ErrNoItems},
		{"missing asset", 200, `{"features":[{"id":"x","assets":{"thumbnail":{"href":"t.jpg"}}}]}`, ErrNoItems},
		{"server error", 503, `busy`, ErrUpstream},
		{"bad json", 200, `{"features":`, ErrUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		_, err := NewClient(srv.Client(), Config{Endpoint: srv.URL}, nil, zerolog.Nop()).LatestAsset(context.Background(), 0, 0)
		srv.Close()
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}
