package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultPermissionsPolicy     = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions    = "nosniff"
)

// SecurityConfig controls the hardening headers added to every response.
// Zero-valued fields fall back to defaults suited to a JSON and file API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			header.Set("Permissions-Policy", effective.PermissionsPolicy)
			next.ServeHTTP(w, r)
		})
	}
}
