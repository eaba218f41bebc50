package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hybridcache"
	"github.com/hupe1980/hybridcache/codec"
)

type originStub struct {
	hits     atomic.Int32
	failures atomic.Int32 // answer 503 this many times first
}

func (o *originStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)
	if o.failures.Load() > 0 {
		o.failures.Add(-1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/missing") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/webp")
	_, _ = io.WriteString(w, r.URL.Path+"?"+r.URL.RawQuery)
}

func newTestProxy(t *testing.T, origin *httptest.Server) *httptest.Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	mc := NewPrometheusCollector(reg)

	c, err := hybridcache.Open(
		hybridcache.WithRootDir(t.TempDir()),
		hybridcache.WithShardCount(2),
		hybridcache.WithExistenceBits(1<<12),
		hybridcache.WithMaxQueuedBytes(1), // persist synchronously
		hybridcache.WithMetricsCollector(mc),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	cfg := DefaultConfig()
	cfg.Origin = origin.URL
	cfg.OriginRetries = 3
	p, err := newProxy(c, cfg, hybridcache.NoopLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(p.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, u string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxyMissThenHit(t *testing.T) {
	stub := &originStub{}
	origin := httptest.NewServer(stub)
	defer origin.Close()
	srv := newTestProxy(t, origin)

	resp, body := get(t, srv.URL+"/cat.jpg?w=100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Cache"))
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/cat.jpg?w=100", body)

	resp, body = get(t, srv.URL+"/cat.jpg?w=100")
	assert.Equal(t, "hit", resp.Header.Get("X-Cache"))
	assert.Equal(t, "/cat.jpg?w=100", body)
	assert.Equal(t, int32(1), stub.hits.Load())

	_, metrics := get(t, srv.URL+"/metrics")
	assert.Contains(t, metrics, `hybridcache_writes_total{status="success"} 1`)
	assert.Contains(t, metrics, "hybridcache_written_bytes_total 14")
}

func TestProxyKeyIncludesWatermarks(t *testing.T) {
	stub := &originStub{}
	origin := httptest.NewServer(stub)
	defer origin.Close()
	srv := newTestProxy(t, origin)

	resp, _ := get(t, srv.URL+"/dog.jpg?w=1")
	plain := resp.Header.Get("X-Cache-Key")
	resp, _ = get(t, srv.URL+"/dog.jpg?w=1&watermark=logo")
	marked := resp.Header.Get("X-Cache-Key")
	assert.NotEqual(t, plain, marked)

	// Parameter order does not matter.
	resp, _ = get(t, srv.URL+"/dog.jpg?a=1&b=2")
	ab := resp.Header.Get("X-Cache-Key")
	resp, _ = get(t, srv.URL+"/dog.jpg?b=2&a=1")
	assert.Equal(t, ab, resp.Header.Get("X-Cache-Key"))
	assert.Equal(t, "hit", resp.Header.Get("X-Cache"))
}

func TestRequestKeyTreatsWatermarksAsOrdered(t *testing.T) {
	ab, _ := url.Parse("/x.jpg?watermark=a&watermark=b")
	ba, _ := url.Parse("/x.jpg?watermark=b&watermark=a")
	assert.NotEqual(t, requestKey(ab), requestKey(ba))
	assert.Equal(t, requestKey(ab), requestKey(ab))
}

func TestProxyOriginErrors(t *testing.T) {
	stub := &originStub{}
	origin := httptest.NewServer(stub)
	defer origin.Close()
	srv := newTestProxy(t, origin)

	resp, _ := get(t, srv.URL+"/missing.jpg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), stub.hits.Load(), "4xx is not retried")

	resp, _ = get(t, srv.URL+"/missing.jpg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "errors are not cached")
	assert.Equal(t, int32(2), stub.hits.Load())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/cat.jpg", nil)
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)
}

func TestProxyRetriesServerErrors(t *testing.T) {
	stub := &originStub{}
	stub.failures.Store(2)
	origin := httptest.NewServer(stub)
	defer origin.Close()
	srv := newTestProxy(t, origin)

	resp, body := get(t, srv.URL+"/flaky.jpg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/flaky.jpg?", body)
	assert.Equal(t, int32(3), stub.hits.Load())
}

func TestDebugEndpoints(t *testing.T) {
	stub := &originStub{}
	origin := httptest.NewServer(stub)
	defer origin.Close()
	srv := newTestProxy(t, origin)

	get(t, srv.URL+"/a.jpg")
	get(t, srv.URL+"/a.jpg")

	resp, body := get(t, srv.URL+"/debug/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats hybridcache.Stats
	require.NoError(t, codec.Default.Unmarshal([]byte(body), &stats))
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)

	resp, body = get(t, srv.URL+"/debug/issues")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", strings.TrimSpace(body))

	resp, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hybridcache_lookup_duration_seconds")
	assert.Contains(t, body, `status="hit"`)
}

func TestProxyDiagnosticsCodec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin = "http://origin.invalid"

	p, err := newProxy(nil, cfg, hybridcache.NoopLogger())
	require.NoError(t, err)
	assert.Equal(t, "go-json", p.codec.Name())

	cfg.DiagnosticsCodec = "json"
	p, err = newProxy(nil, cfg, hybridcache.NoopLogger())
	require.NoError(t, err)
	assert.Equal(t, "json", p.codec.Name())

	cfg.DiagnosticsCodec = "yaml"
	_, err = newProxy(nil, cfg, hybridcache.NoopLogger())
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	stub := &originStub{}
	origin := httptest.NewServer(stub)
	defer origin.Close()

	cfg := DefaultConfig()
	cfg.Origin = origin.URL
	cfg.Listen = "127.0.0.1:0"
	cfg.RootDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, io.Discard, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, body := get(t, "http://"+addr+"/hello.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/hello.png?", body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
