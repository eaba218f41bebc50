package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/hybridcache"
	"github.com/hupe1980/hybridcache/cachekey"
	"github.com/hupe1980/hybridcache/codec"
)

// watermarkParam names the query parameter that selects overlays.
const watermarkParam = "watermark"

// originError is a non-200 answer from the origin.
type originError struct {
	Status int
}

func (e *originError) Error() string {
	return fmt.Sprintf("origin answered %d", e.Status)
}

// proxy is a caching reverse proxy in front of a single origin.
type proxy struct {
	cache   *hybridcache.Cache
	origin  *url.URL
	client  *http.Client
	retries int
	maxSize int64
	codec   codec.Codec
	logger  *hybridcache.Logger
}

func newProxy(c *hybridcache.Cache, cfg Config, logger *hybridcache.Logger) (*proxy, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("%w: origin %q is not an absolute URL", ErrConfigInvalid, cfg.Origin)
	}
	diag := codec.Default
	if cfg.DiagnosticsCodec != "" {
		var ok bool
		if diag, ok = codec.ByName(cfg.DiagnosticsCodec); !ok {
			return nil, fmt.Errorf("%w: unknown diagnostics codec %q", ErrConfigInvalid, cfg.DiagnosticsCodec)
		}
	}
	return &proxy{
		cache:   c,
		origin:  origin,
		client:  &http.Client{Timeout: time.Duration(cfg.OriginTimeout)},
		retries: cfg.OriginRetries,
		maxSize: cfg.MaxObjectSize,
		codec:   diag,
		logger:  logger,
	}, nil
}

// requestKey derives the cache key from path, query and watermark names.
func requestKey(u *url.URL) cachekey.Key {
	q := u.Query()
	var marks []cachekey.Watermark
	for _, name := range q[watermarkParam] {
		marks = append(marks, cachekey.Watermark{Name: name})
	}
	q.Del(watermarkParam)

	return cachekey.Build(cachekey.Request{
		Path:       u.Path,
		Query:      cachekey.ParamsFromValues(q),
		Watermarks: marks,
	})
}

func (p *proxy) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /debug/issues", p.handleIssues)
	mux.HandleFunc("GET /debug/stats", p.handleStats)
	mux.Handle("/", p)
	return mux
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := requestKey(r.URL)
	res, err := p.cache.GetOrCreate(r.Context(), key, p.fetcher(r.URL))
	if err != nil {
		var oe *originError
		switch {
		case errors.As(err, &oe):
			http.Error(w, http.StatusText(oe.Status), oe.Status)
		case errors.Is(err, context.Canceled):
			// Client went away.
		default:
			p.logger.WarnContext(r.Context(), "produce failed", "path", r.URL.Path, "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}

	h := w.Header()
	if res.ContentType != "" {
		h.Set("Content-Type", res.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	h.Set("X-Cache", res.Status.String())
	h.Set("X-Cache-Key", key.String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(res.Data)
	}
}

// fetcher returns a producer that downloads u's path and query from the
// origin. 5xx answers and transport errors are retried with backoff.
func (p *proxy) fetcher(u *url.URL) hybridcache.Producer {
	target := p.origin.JoinPath(u.Path)
	target.RawQuery = u.RawQuery

	return func(ctx context.Context, _ cachekey.Key) (string, []byte, error) {
		var (
			contentType string
			data        []byte
		)
		op := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				oe := &originError{Status: resp.StatusCode}
				if resp.StatusCode >= 500 {
					return oe
				}
				return backoff.Permanent(oe)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
			if err != nil {
				return err
			}
			if int64(len(body)) > p.maxSize {
				return backoff.Permanent(fmt.Errorf("origin object exceeds %d bytes", p.maxSize))
			}
			contentType = resp.Header.Get("Content-Type")
			data = body
			return nil
		}

		b := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.retries)),
			ctx,
		)
		if err := backoff.Retry(op, b); err != nil {
			return "", nil, err
		}
		return contentType, data, nil
	}
}

func (p *proxy) handleIssues(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.Encode(w, p.codec, p.cache.Issues()); err != nil {
		p.logger.Warn("encode issues", "error", err)
	}
}

func (p *proxy) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.Encode(w, p.codec, p.cache.Stats()); err != nil {
		p.logger.Warn("encode stats", "error", err)
	}
}
