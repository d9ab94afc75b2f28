package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardartoul/imagecache/fetch"
	"github.com/richardartoul/imagecache/imagecache"
	"github.com/richardartoul/imagecache/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{1536 * 1024, "1.50 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024*1024*1024*2 + 1024*1024*512, "2.50 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
		{1024*1024*1024*1024*3 + 1024*1024*1024*716, "3.70 TB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for x := 0; x < 3; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testServer struct {
	handler http.Handler
	cache   *imagecache.Cache
	fetches atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	data := testPNG(t)
	ts := &testServer{}

	images := fetch.ClientFunc(func(ctx context.Context, rawURL string) ([]byte, error) {
		ts.fetches.Add(1)
		if strings.Contains(rawURL, "missing") {
			return nil, &fetch.StatusError{URL: rawURL, Code: http.StatusNotFound, Status: "404 Not Found"}
		}
		if strings.Contains(rawURL, "garbage") {
			return []byte("not an image"), nil
		}
		return data, nil
	})
	fetcher := fetch.NewMux().Handle(images, "https")

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPromMetrics(reg)
	require.NoError(t, err)

	c, err := imagecache.New(imagecache.Config{CacheDir: t.TempDir()},
		imagecache.WithFetcher(fetcher),
		imagecache.WithMetrics(m),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ts.cache = c
	ts.handler = newServer(c, reg, time.Minute).handler(zerolog.Nop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func imagePath(src string, extra ...string) string {
	q := url.Values{"url": {src}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return "/v1/images?" + q.Encode()
}

func TestServerImageMissThenHit(t *testing.T) {
	ts := newTestServer(t)
	src := "https://images.example.com/cat.png"

	rec := ts.do(t, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(cacheHeader))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, testPNG(t), rec.Body.Bytes())

	rec = ts.do(t, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get(cacheHeader))
	assert.Equal(t, int32(1), ts.fetches.Load())
}

func TestServerKeepsRequestID(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServerReencodes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, imagePath("https://images.example.com/cat.png", "format", "jpeg"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	_, format, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	rec = ts.do(t, http.MethodGet, imagePath("https://images.example.com/cat.png", "format", "webp"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerImageErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"missing url", "/v1/images", http.StatusBadRequest},
		{"upstream not found", imagePath("https://images.example.com/missing.png"), http.StatusNotFound},
		{"unsupported scheme", imagePath("ftp://images.example.com/cat.png"), http.StatusBadRequest},
		{"undecodable", imagePath("https://images.example.com/garbage.png"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServerClear(t *testing.T) {
	ts := newTestServer(t)
	src := "https://images.example.com/cat.png"

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, imagePath(src)).Code)

	rec := ts.do(t, http.MethodDelete, "/v1/cache")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, imagePath(src))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(cacheHeader))
	assert.Equal(t, int32(2), ts.fetches.Load())
}

func TestServerSweep(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, imagePath("https://images.example.com/cat.png")).Code)

	rec := ts.do(t, http.MethodPost, "/v1/sweep?budget=10s")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scanned  int  `json:"scanned"`
		Removed  int  `json:"removed"`
		Complete bool `json:"complete"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Scanned)
	assert.Equal(t, 0, body.Removed)
	assert.True(t, body.Complete)

	rec = ts.do(t, http.MethodPost, "/v1/sweep?budget=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	src := "https://images.example.com/cat.png"
	ts.do(t, http.MethodGet, imagePath(src))
	ts.do(t, http.MethodGet, imagePath(src))

	rec := ts.do(t, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(2), stats["requests"])
	assert.Equal(t, float64(1), stats["disk_hits"])
	assert.Equal(t, float64(1), stats["network_loads"])
	assert.Equal(t, 0.5, stats["hit_rate"])

	rec = ts.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imagecache_requests_total{source="disk"} 1`)
	assert.Contains(t, rec.Body.String(), `imagecache_requests_total{source="network"} 1`)
}

func TestRunSweeper(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSweeper(ctx, ts.cache, 5*time.Millisecond, time.Second)
	}()

	require.Eventually(t, func() bool {
		return ts.cache.Stats().Sweeps >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}

	// Disabled sweeper returns at once.
	runSweeper(context.Background(), ts.cache, 0, time.Second)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(imagecache.ErrClosed))
	assert.Equal(t, http.StatusGatewayTimeout, errorStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusRequestEntityTooLarge, errorStatus(&fetch.StatusError{Code: http.StatusRequestEntityTooLarge}))
	assert.Equal(t, http.StatusBadGateway, errorStatus(&fetch.StatusError{Code: http.StatusInternalServerError}))
}
