// Command hybridcached is a caching reverse proxy for derived images.
//
// Every GET is keyed by its path, its query parameters and the names given
// in "watermark" query values. Misses are fetched from the origin, served
// immediately and persisted in the background.
//
// Usage:
//
//	hybridcached --config cache.hujson --listen :8080 --origin https://img.example.com
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/hupe1980/hybridcache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without process globals. It returns the exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	f := newFlags()
	f.fs.SetOutput(stderr)
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := f.resolve()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	if err := serve(ctx, cfg, stderr, nil); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func newLogger(cfg Config, w io.Writer) *hybridcache.Logger {
	// Validate has already checked the level.
	level, _ := parseLevel(cfg.LogLevel)
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return hybridcache.NewLogger(slog.NewJSONHandler(w, hopts))
	}
	return hybridcache.NewLogger(slog.NewTextHandler(w, hopts))
}

// serve runs the proxy until ctx is done. If ready is not nil it receives
// the bound address once the listener is up.
func serve(ctx context.Context, cfg Config, logOut io.Writer, ready chan<- string) error {
	logger := newLogger(cfg, logOut)

	storeOpts, closers, err := backends(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if cerr := c.Close(); cerr != nil {
				logger.Warn("close backend", "error", cerr)
			}
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := append(cfg.cacheOptions(), storeOpts...)
	opts = append(opts,
		hybridcache.WithLogger(logger),
		hybridcache.WithMetricsCollector(NewPrometheusCollector(reg)),
	)
	cache, err := hybridcache.Open(opts...)
	if err != nil {
		return err
	}
	if err := cache.Start(ctx); err != nil {
		return err
	}

	p, err := newProxy(cache, cfg, logger)
	if err != nil {
		_ = cache.Stop(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           p.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := listen(ctx, cfg.Listen)
	if err != nil {
		_ = cache.Stop(context.Background())
		return err
	}
	logger.Info("listening", "addr", ln.Addr().String(), "origin", cfg.Origin)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	stopErr := cache.Stop(shutdownCtx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, stopErr)
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
