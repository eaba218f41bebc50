package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/hupe1980/hybridcache"
	"github.com/hupe1980/hybridcache/codec"
	"github.com/hupe1980/hybridcache/internal/wal"
)

// ErrConfigInvalid marks configuration problems.
var ErrConfigInvalid = errors.New("invalid config")

// Duration is a time.Duration that decodes from strings such as "90s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := codec.Default.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return codec.Default.Marshal(time.Duration(d).String())
}

// BlobConfig selects the blob backend.
type BlobConfig struct {
	// Backend is one of "local", "s3" or "minio".
	Backend  string `json:"backend"`
	Bucket   string `json:"bucket,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	// MinIO only.
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// MetaConfig selects the metastore backend.
type MetaConfig struct {
	// Backend is "file" or "dynamodb".
	Backend  string `json:"backend"`
	Table    string `json:"table,omitempty"`
	Segments int    `json:"segments,omitempty"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Config is the daemon configuration. Zero values keep the cache defaults.
type Config struct {
	Listen        string   `json:"listen"`
	Origin        string   `json:"origin"`
	OriginTimeout Duration `json:"origin_timeout"`
	OriginRetries int      `json:"origin_retries"`
	MaxObjectSize int64    `json:"max_object_size"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// DiagnosticsCodec names the codec of the /debug endpoints
	// ("go-json" or "json").
	DiagnosticsCodec string `json:"diagnostics_codec,omitempty"`

	RootDir          string   `json:"root_dir"`
	ShardCount       int      `json:"shard_count,omitempty"`
	MaxQueuedBytes   int64    `json:"max_queued_bytes,omitempty"`
	WriteWorkers     int      `json:"write_workers,omitempty"`
	MaxCacheBytes    int64    `json:"max_cache_bytes,omitempty"`
	MinCleanupBytes  int64    `json:"min_cleanup_bytes,omitempty"`
	MinAgeToDelete   Duration `json:"min_age_to_delete,omitempty"`
	CleanupInterval  Duration `json:"cleanup_interval,omitempty"`
	FlushInterval    Duration `json:"flush_interval,omitempty"`
	MemoryCacheBytes int64    `json:"memory_cache_bytes,omitempty"`
	DeleteRateLimit  float64  `json:"delete_rate_limit,omitempty"`
	Compression      string   `json:"compression,omitempty"`

	// DropWhenFull drops writes instead of persisting synchronously once
	// the queue budget is exhausted.
	DropWhenFull bool `json:"drop_when_full,omitempty"`

	Blob BlobConfig `json:"blob"`
	Meta MetaConfig `json:"meta"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Listen:           ":8080",
		OriginTimeout:    Duration(30 * time.Second),
		OriginRetries:    2,
		MaxObjectSize:    64 << 20,
		LogLevel:         "info",
		LogFormat:        "text",
		DiagnosticsCodec: "go-json",
		RootDir:          "./cache",
		MaxCacheBytes:    10 << 30,
		Blob:             BlobConfig{Backend: "local"},
		Meta:             MetaConfig{Backend: "file"},
	}
}

// LoadConfigFile merges the HuJSON file at path over cfg. Fields absent
// from the file keep their value.
func LoadConfigFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}
	if err := (codec.GoJSON{}).UnmarshalStrict(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}
	return cfg, nil
}

// flags holds the command line. Only flags set explicitly override the file.
type flags struct {
	fs *flag.FlagSet

	configPath    string
	listen        string
	origin        string
	rootDir       string
	maxCacheBytes int64
	memoryBytes   int64
	logLevel      string
	blobBackend   string
	bucket        string
	metaBackend   string
	table         string
}

func newFlags() *flags {
	f := &flags{fs: flag.NewFlagSet("hybridcached", flag.ContinueOnError)}
	f.fs.StringVarP(&f.configPath, "config", "c", "", "HuJSON config file")
	f.fs.StringVarP(&f.listen, "listen", "l", "", "listen address")
	f.fs.StringVar(&f.origin, "origin", "", "origin base URL")
	f.fs.StringVar(&f.rootDir, "root-dir", "", "cache root directory")
	f.fs.Int64Var(&f.maxCacheBytes, "max-cache-bytes", 0, "disk ceiling in bytes (0 disables eviction)")
	f.fs.Int64Var(&f.memoryBytes, "memory-cache-bytes", 0, "in-memory hot tier size in bytes")
	f.fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	f.fs.StringVar(&f.blobBackend, "blob-backend", "", "local, s3 or minio")
	f.fs.StringVar(&f.bucket, "bucket", "", "bucket for remote blob backends")
	f.fs.StringVar(&f.metaBackend, "meta-backend", "", "file or dynamodb")
	f.fs.StringVar(&f.table, "table", "", "DynamoDB table")
	return f
}

// resolve applies defaults < file < flags.
func (f *flags) resolve() (Config, error) {
	cfg := DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(f.configPath, cfg); err != nil {
			return Config{}, err
		}
	}

	changed := f.fs.Changed
	if changed("listen") {
		cfg.Listen = f.listen
	}
	if changed("origin") {
		cfg.Origin = f.origin
	}
	if changed("root-dir") {
		cfg.RootDir = f.rootDir
	}
	if changed("max-cache-bytes") {
		cfg.MaxCacheBytes = f.maxCacheBytes
	}
	if changed("memory-cache-bytes") {
		cfg.MemoryCacheBytes = f.memoryBytes
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("blob-backend") {
		cfg.Blob.Backend = f.blobBackend
	}
	if changed("bucket") {
		cfg.Blob.Bucket = f.bucket
	}
	if changed("meta-backend") {
		cfg.Meta.Backend = f.metaBackend
	}
	if changed("table") {
		cfg.Meta.Table = f.table
	}

	return cfg, cfg.Validate()
}

// Validate checks the daemon-level settings. Cache settings are checked by
// hybridcache.Open.
func (c Config) Validate() error {
	switch {
	case c.Origin == "":
		return fmt.Errorf("%w: origin is required", ErrConfigInvalid)
	case c.Listen == "":
		return fmt.Errorf("%w: listen address is required", ErrConfigInvalid)
	case c.OriginRetries < 0:
		return fmt.Errorf("%w: origin retries must not be negative", ErrConfigInvalid)
	case c.MaxObjectSize <= 0:
		return fmt.Errorf("%w: max object size must be positive", ErrConfigInvalid)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log format must be text or json", ErrConfigInvalid)
	}
	switch c.Blob.Backend {
	case "local":
	case "s3", "minio":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("%w: blob backend %s needs a bucket", ErrConfigInvalid, c.Blob.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown blob backend %q", ErrConfigInvalid, c.Blob.Backend)
	}
	switch c.Meta.Backend {
	case "file":
		if c.RootDir == "" {
			return fmt.Errorf("%w: file metastore needs a root dir", ErrConfigInvalid)
		}
	case "dynamodb":
		if c.Meta.Table == "" {
			return fmt.Errorf("%w: dynamodb metastore needs a table", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown meta backend %q", ErrConfigInvalid, c.Meta.Backend)
	}
	if c.DiagnosticsCodec != "" {
		if _, ok := codec.ByName(c.DiagnosticsCodec); !ok {
			return fmt.Errorf("%w: unknown diagnostics codec %q", ErrConfigInvalid, c.DiagnosticsCodec)
		}
	}
	if c.Compression != "" {
		if _, err := wal.ParseCompression(c.Compression); err != nil {
			return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
	}
	return nil
}

// cacheOptions translates the non-zero cache settings into options.
func (c Config) cacheOptions() []hybridcache.Option {
	var opts []hybridcache.Option
	if c.RootDir != "" {
		opts = append(opts, hybridcache.WithRootDir(c.RootDir))
	}
	if c.ShardCount > 0 {
		opts = append(opts, hybridcache.WithShardCount(c.ShardCount))
	}
	if c.MaxQueuedBytes > 0 {
		opts = append(opts, hybridcache.WithMaxQueuedBytes(c.MaxQueuedBytes))
	}
	if c.WriteWorkers > 0 {
		opts = append(opts, hybridcache.WithWriteWorkers(c.WriteWorkers))
	}
	// Zero is meaningful here: it disables eviction.
	opts = append(opts, hybridcache.WithMaxCacheBytes(c.MaxCacheBytes))
	if c.MinCleanupBytes > 0 {
		opts = append(opts, hybridcache.WithMinCleanupBytes(c.MinCleanupBytes))
	}
	if c.MinAgeToDelete > 0 {
		opts = append(opts, hybridcache.WithMinAgeToDelete(time.Duration(c.MinAgeToDelete)))
	}
	if c.CleanupInterval > 0 {
		opts = append(opts, hybridcache.WithCleanupInterval(time.Duration(c.CleanupInterval)))
	}
	if c.FlushInterval > 0 {
		opts = append(opts, hybridcache.WithFlushInterval(time.Duration(c.FlushInterval)))
	}
	if c.MemoryCacheBytes > 0 {
		opts = append(opts, hybridcache.WithMemoryCacheBytes(c.MemoryCacheBytes))
	}
	if c.DeleteRateLimit > 0 {
		opts = append(opts, hybridcache.WithDeleteRateLimit(c.DeleteRateLimit))
	}
	if c.Compression != "" {
		// Validate has already checked the name.
		comp, _ := wal.ParseCompression(c.Compression)
		opts = append(opts, hybridcache.WithSnapshotCompression(comp))
	}
	if c.DropWhenFull {
		opts = append(opts, hybridcache.WithWriteSynchronouslyWhenFull(false))
	}
	return opts
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown log level %q", ErrConfigInvalid, s)
	}
}
