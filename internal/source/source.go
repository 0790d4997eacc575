// Package source opens byte-addressable inputs (local files or HTTP URLs) as
// io.ReaderAt handles. Remote inputs are read with Range requests; a server
// that ignores Range is fetched once in full and served from memory.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tilepipe/server/internal/observability"
)

// ErrUnavailable covers open, connect, status and timeout failures.
var ErrUnavailable = errors.New("source unavailable")

// Handle is an opened input. It is owned by one reader at a time and must be
// closed on every exit path.
type Handle interface {
	io.ReaderAt
	io.Closer
	Size() int64
	URI() string
	// Ranged reports whether reads go back to the origin with Range requests.
	Ranged() bool
}

// Config contains transport settings.
type Config struct {
	HeadBytes         int64 // first ranged read, also kept as a header cache (default 16 KiB)
	MaxFullFetchBytes int64 // ceiling for servers that ignore Range (default 1 GiB)
}

// Opener opens handles.
type Opener struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
}

// NewOpener creates an opener using client for remote inputs.
func NewOpener(client *http.Client, cfg Config, log zerolog.Logger) *Opener {
	if cfg.HeadBytes <= 0 {
		cfg.HeadBytes = 16 << 10
	}
	if cfg.MaxFullFetchBytes <= 0 {
		cfg.MaxFullFetchBytes = 1 << 30
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Opener{client: client, cfg: cfg, log: log.With().Str("component", "source").Logger()}
}

// IsRemote reports whether uri is an http(s) URL.
func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Open opens uri. ctx bounds every later read on a remote handle.
func (o *Opener) Open(ctx context.Context, uri string) (Handle, error) {
	if IsRemote(uri) {
		return o.openRemote(ctx, uri)
	}
	return openFile(uri)
}

type fileHandle struct {
	*os.File
	size int64
	uri  string
}

func (h *fileHandle) Size() int64  { return h.size }
func (h *fileHandle) URI() string  { return h.uri }
func (h *fileHandle) Ranged() bool { return false }

func openFile(uri string) (Handle, error) {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, uri, err)
		}
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnavailable, path)
	}
	return &fileHandle{File: f, size: info.Size(), uri: uri}, nil
}

type memoryHandle struct {
	*bytes.Reader
	uri string
}

func (h *memoryHandle) Close() error { return nil }
func (h *memoryHandle) URI() string  { return h.uri }
func (h *memoryHandle) Ranged() bool { return false }

// NewMemory wraps an in-memory payload as a Handle.
func NewMemory(uri string, data []byte) Handle {
	return &memoryHandle{Reader: bytes.NewReader(data), uri: uri}
}

type rangeHandle struct {
	ctx    context.Context
	client *http.Client
	uri    string
	size   int64
	prefix []byte
}

func (h *rangeHandle) Size() int64  { return h.size }
func (h *rangeHandle) URI() string  { return h.uri }
func (h *rangeHandle) Ranged() bool { return true }
func (h *rangeHandle) Close() error { return nil }

func (h *rangeHandle) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > h.size {
		want = h.size - off
	}
	if off+want <= int64(len(h.prefix)) {
		n := copy(p, h.prefix[off:off+want])
		if int64(n) < int64(len(p)) {
			return n, io.EOF
		}
		return n, nil
	}

	resp, err := get(h.ctx, h.client, h.uri, off, off+want-1)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: range read %s: status %d", ErrUnavailable, h.uri, resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("%w: range read %s: %v", ErrUnavailable, h.uri, err)
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func get(ctx context.Context, client *http.Client, uri string, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrUnavailable, err)
	}
	if end >= start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}
	began := time.Now()
	resp, err := client.Do(req)
	observability.ObserveUpstreamLatency("source_http", time.Since(began).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: do request: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func (o *Opener) openRemote(ctx context.Context, uri string) (Handle, error) {
	resp, err := get(ctx, o.client, uri, 0, o.cfg.HeadBytes-1)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if !ok {
			return nil, fmt.Errorf("%w: %s: unusable Content-Range %q", ErrUnavailable, uri, resp.Header.Get("Content-Range"))
		}
		prefix, err := io.ReadAll(io.LimitReader(resp.Body, o.cfg.HeadBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read head: %v", ErrUnavailable, err)
		}
		return &rangeHandle{ctx: ctx, client: o.client, uri: uri, size: size, prefix: prefix}, nil

	case http.StatusOK:
		o.log.Debug().Str("uri", uri).Msg("range not honoured, fetching whole object")
		body, err := io.ReadAll(io.LimitReader(resp.Body, o.cfg.MaxFullFetchBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if int64(len(body)) > o.cfg.MaxFullFetchBytes {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes and range requests are not supported", ErrUnavailable, uri, o.cfg.MaxFullFetchBytes)
		}
		return NewMemory(uri, body), nil

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, uri, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

// parseContentRangeTotal extracts the complete length from
// "bytes 0-16383/1048576".
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
