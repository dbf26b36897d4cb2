package main

import (
	"net/url"
	"strings"

	"feedpack/internal/config"
)

const redacted = "*****"

type startupSummary struct {
	server    map[string]any
	downloads map[string]any
	rateLimit map[string]any
	cleanup   map[string]any
	upstream  map[string]any
}

func newStartupSummary(cfg config.Config, version string) startupSummary {
	rate := map[string]any{
		"enabled":      cfg.RateLimit.MaxRequests > 0,
		"max_requests": cfg.RateLimit.MaxRequests,
		"period":       cfg.RateLimit.Period.String(),
		"backend":      config.BackendMemory,
		"trust_xff":    cfg.RateLimit.TrustForwardedFor,
	}
	if cfg.RedisBackend() {
		redis := cfg.RateLimit.Redis
		rate["backend"] = config.BackendRedis
		if redis.Addr != "" {
			rate["addr"] = redactURL(redis.Addr)
		}
		if len(redis.Addrs) > 0 {
			addrs := make([]string, 0, len(redis.Addrs))
			for _, addr := range redis.Addrs {
				addrs = append(addrs, redactURL(addr))
			}
			rate["addrs"] = addrs
		}
		if redis.MasterName != "" {
			rate["master_name"] = redis.MasterName
		}
		if redis.Password != "" {
			rate["password"] = redacted
		}
		rate["hashed_keys"] = redis.KeySecret != ""
		rate["tls"] = redis.TLS.CAFile != "" || redis.TLS.CertFile != "" || redis.TLS.InsecureSkipVerify
	}

	upstream := map[string]any{
		"base_url":          redactURL(cfg.Upstream.BaseURL),
		"timeout":           cfg.Upstream.Timeout.String(),
		"media_concurrency": cfg.Upstream.MediaConcurrency,
	}
	if cfg.Upstream.Token != "" {
		upstream["token"] = redacted
	}

	return startupSummary{
		server: map[string]any{
			"addr":       cfg.Addr,
			"version":    version,
			"log_level":  cfg.LogLevel,
			"log_format": cfg.LogFormat,
			"cors":       strings.Join(cfg.CORS.AllowedOrigins, ","),
		},
		downloads: map[string]any{
			"dir":            cfg.DownloadDir,
			"max_concurrent": cfg.MaxConcurrentDownloads,
			"timeout":        cfg.DownloadTimeout.String(),
		},
		rateLimit: rate,
		cleanup: map[string]any{
			"enabled":           cfg.Cleanup.Enabled,
			"delay":             cfg.Cleanup.Delay.String(),
			"poll_interval":     cfg.Cleanup.PollInterval.String(),
			"purge_on_shutdown": cfg.Cleanup.PurgeOnShutdown,
		},
		upstream: upstream,
	}
}

// LogArgs returns slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	return []any{
		"server", s.server,
		"downloads", s.downloads,
		"rate_limit", s.rateLimit,
		"cleanup", s.cleanup,
		"upstream", s.upstream,
	}
}

func redactURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}
	query := parsed.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") || strings.Contains(lower, "password") {
			query.Set(key, redacted)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
