// Package config resolves the server configuration. Sources are layered in
// order: Default, an optional YAML file, a .env file, FEEDPACK_* environment
// variables and finally command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"feedpack/internal/observability/logging"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "FEEDPACK_"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Addr                   string        `yaml:"addr"`
	LogLevel               string        `yaml:"log_level"`
	LogFormat              string        `yaml:"log_format"`
	DownloadDir            string        `yaml:"download_dir"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
	RateLimit              RateLimit     `yaml:"rate_limit"`
	Cleanup                Cleanup       `yaml:"cleanup"`
	Upstream               Upstream      `yaml:"upstream"`
	CORS                   CORS          `yaml:"cors"`
}

type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Period      time.Duration `yaml:"period"`
	// Backend is memory or redis.
	Backend           string        `yaml:"backend"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
	Redis             Redis         `yaml:"redis"`
}

type Redis struct {
	Addr       string        `yaml:"addr"`
	Addrs      []string      `yaml:"addrs"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	MasterName string        `yaml:"master_name"`
	PoolSize   int           `yaml:"pool_size"`
	Timeout    time.Duration `yaml:"timeout"`
	KeyPrefix  string        `yaml:"key_prefix"`
	KeySecret  string        `yaml:"key_secret"`
	TLS        RedisTLS      `yaml:"tls"`
}

type RedisTLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type Cleanup struct {
	Enabled         bool          `yaml:"enabled"`
	Delay           time.Duration `yaml:"delay"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PurgeOnShutdown bool          `yaml:"purge_on_shutdown"`
}

type Upstream struct {
	BaseURL          string        `yaml:"base_url"`
	Token            string        `yaml:"token"`
	Timeout          time.Duration `yaml:"timeout"`
	MediaConcurrency int           `yaml:"media_concurrency"`
	UserAgent        string        `yaml:"user_agent"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                   ":8000",
		LogLevel:               "info",
		LogFormat:              string(logging.FormatJSON),
		DownloadDir:            "/tmp/feedpack",
		MaxConcurrentDownloads: 3,
		DownloadTimeout:        300 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		RateLimit: RateLimit{
			MaxRequests:       10,
			Period:            60 * time.Second,
			Backend:           BackendMemory,
			SweepInterval:     5 * time.Minute,
			TrustForwardedFor: true,
			Redis: Redis{
				Timeout: 2 * time.Second,
			},
		},
		Cleanup: Cleanup{
			Enabled:         true,
			Delay:           300 * time.Second,
			PollInterval:    5 * time.Second,
			PurgeOnShutdown: true,
		},
		Upstream: Upstream{
			Timeout:          60 * time.Second,
			MediaConcurrency: 4,
		},
		CORS: CORS{AllowedOrigins: []string{"*"}},
	}
}

// LoadFile overlays the YAML document at path onto cfg. Keys absent from
// the file keep their current values. Durations are written as strings
// such as "90s" or "5m".
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are never overridden and missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overlays FEEDPACK_* variables read through lookup (os.LookupEnv
// when nil). Malformed values are reported, not ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.str("ADDR", &cfg.Addr)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.str("DOWNLOAD_DIR", &cfg.DownloadDir)
	e.int("MAX_CONCURRENT_DOWNLOADS", &cfg.MaxConcurrentDownloads)
	e.duration("DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	e.int("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.MaxRequests)
	e.duration("RATE_LIMIT_PERIOD", &cfg.RateLimit.Period)
	e.str("RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	e.duration("RATE_LIMIT_SWEEP_INTERVAL", &cfg.RateLimit.SweepInterval)
	e.bool("RATE_LIMIT_TRUST_FORWARDED_FOR", &cfg.RateLimit.TrustForwardedFor)

	redis := &cfg.RateLimit.Redis
	e.str("REDIS_ADDR", &redis.Addr)
	e.list("REDIS_ADDRS", &redis.Addrs)
	e.str("REDIS_USERNAME", &redis.Username)
	e.str("REDIS_PASSWORD", &redis.Password)
	e.int("REDIS_DB", &redis.DB)
	e.str("REDIS_MASTER_NAME", &redis.MasterName)
	e.int("REDIS_POOL_SIZE", &redis.PoolSize)
	e.duration("REDIS_TIMEOUT", &redis.Timeout)
	e.str("REDIS_KEY_PREFIX", &redis.KeyPrefix)
	e.str("REDIS_KEY_SECRET", &redis.KeySecret)
	e.str("REDIS_TLS_CA", &redis.TLS.CAFile)
	e.str("REDIS_TLS_CERT", &redis.TLS.CertFile)
	e.str("REDIS_TLS_KEY", &redis.TLS.KeyFile)
	e.str("REDIS_TLS_SERVER_NAME", &redis.TLS.ServerName)
	e.bool("REDIS_TLS_SKIP_VERIFY", &redis.TLS.InsecureSkipVerify)

	e.bool("CLEANUP_ENABLED", &cfg.Cleanup.Enabled)
	e.duration("CLEANUP_DELAY", &cfg.Cleanup.Delay)
	e.duration("CLEANUP_POLL_INTERVAL", &cfg.Cleanup.PollInterval)
	e.bool("CLEANUP_PURGE_ON_SHUTDOWN", &cfg.Cleanup.PurgeOnShutdown)

	e.str("UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	e.str("UPSTREAM_TOKEN", &cfg.Upstream.Token)
	e.duration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	e.int("UPSTREAM_MEDIA_CONCURRENCY", &cfg.Upstream.MediaConcurrency)
	e.str("UPSTREAM_USER_AGENT", &cfg.Upstream.UserAgent)

	e.list("CORS_ALLOWED_ORIGINS", &cfg.CORS.AllowedOrigins)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	value, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e *envReader) str(key string, dst *string) {
	if value, ok := e.get(key); ok {
		*dst = value
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if value, ok := e.get(key); ok {
		*dst = SplitList(value)
	}
}

func (e *envReader) int(key string, dst *int) {
	value, ok := e.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = parsed
}

func (e *envReader) bool(key string, dst *bool) {
	value, ok := e.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(key string, dst *time.Duration) {
	value, ok := e.get(key)
	if !ok {
		return
	}
	parsed, err := ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = parsed
}

// ParseDuration accepts Go duration strings and bare integers, which are
// read as seconds.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// SplitList splits a comma separated value, dropping empty items.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Addr) != "", "addr is required")
	check(logging.ValidLevel(c.LogLevel), "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	switch logging.LogFormat(strings.ToLower(c.LogFormat)) {
	case "", logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or text", c.LogFormat))
	}
	check(strings.TrimSpace(c.DownloadDir) != "", "download_dir is required")
	check(c.MaxConcurrentDownloads > 0, "max_concurrent_downloads must be positive")
	check(c.DownloadTimeout > 0, "download_timeout must be positive")
	check(c.ShutdownTimeout >= 0, "shutdown_timeout must not be negative")

	check(c.RateLimit.MaxRequests >= 0, "rate_limit.max_requests must not be negative")
	check(c.RateLimit.Period > 0, "rate_limit.period must be positive")
	check(c.RateLimit.SweepInterval >= 0, "rate_limit.sweep_interval must not be negative")
	switch strings.ToLower(c.RateLimit.Backend) {
	case "", BackendMemory:
	case BackendRedis:
		redis := c.RateLimit.Redis
		check(redis.Addr != "" || len(redis.Addrs) > 0, "rate_limit.redis.addr is required for the redis backend")
		check(redis.Timeout >= 0, "rate_limit.redis.timeout must not be negative")
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q must be memory or redis", c.RateLimit.Backend))
	}

	check(c.Cleanup.Delay >= 0, "cleanup.delay must not be negative")
	check(c.Cleanup.PollInterval > 0, "cleanup.poll_interval must be positive")

	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	} else if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url %q must be an http(s) URL", c.Upstream.BaseURL))
	}
	check(c.Upstream.Timeout > 0, "upstream.timeout must be positive")
	check(c.Upstream.MediaConcurrency > 0, "upstream.media_concurrency must be positive")

	return errors.Join(errs...)
}

// RedisBackend reports whether admission state lives in redis.
func (c Config) RedisBackend() bool {
	return strings.EqualFold(c.RateLimit.Backend, BackendRedis)
}
