package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("log line %q: %v", b, err)
	}
	return m
}

func TestBuildFieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := Build(Config{Level: "info", Service: "tilepipe"}, &buf)
	l.Info().Msg("hello")

	m := decode(t, buf.Bytes())
	if m["msg"] != "hello" || m["level"] != "info" || m["service"] != "tilepipe" {
		t.Errorf("unexpected fields: %v", m)
	}
	if _, ok := m["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestFromContextCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	root := Build(Config{Level: "debug"}, &buf)

	ctx := WithRequestID(context.Background(), "abc")
	ctx = WithComponent(ctx, "raster")
	ctx = WithTile(ctx, "10/912/403")
	FromContext(ctx, &root).Info().Msg("read")

	m := decode(t, buf.Bytes())
	if m["request_id"] != "abc" || m["component"] != "raster" || m["tile"] != "10/912/403" {
		t.Errorf("context fields missing: %v", m)
	}
	if RequestID(ctx) != "abc" {
		t.Errorf("RequestID = %q", RequestID(ctx))
	}
}

func TestWithRequestIDGenerates(t *testing.T) {
	if id := RequestID(WithRequestID(context.Background(), "")); len(id) != 16 {
		t.Fatalf("generated id %q, want 16 hex chars", id)
	}
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	root := Build(Config{Level: "info"}, &buf)
	NewSlog(&root).Warn("tls handshake", "remote", "1.2.3.4", "attempt", 2)

	m := decode(t, buf.Bytes())
	if m["level"] != "warn" || m["remote"] != "1.2.3.4" || m["attempt"] != float64(2) {
		t.Errorf("unexpected slog record: %v", m)
	}
}
