package server

import "net/http"

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
	defaultHSTS               = "max-age=15552000; includeSubDomains"
)

// SecurityConfig controls the hardening headers set on every response.
// Zero-valued fields fall back to safe defaults. StrictTransportSecurity is
// only sent when EnableHSTS is set, which production mode does.
type SecurityConfig struct {
	ContentSecurityPolicy   string
	FrameAncestors          string
	FrameOptions            string
	ReferrerPolicy          string
	PermissionsPolicy       string
	ContentTypeOptions      string
	StrictTransportSecurity string
	EnableHSTS              bool
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy:   defaultContentSecurityPolicy(defaultFrameAncestors),
		FrameAncestors:          defaultFrameAncestors,
		FrameOptions:            defaultFrameOptions,
		ReferrerPolicy:          defaultReferrerPolicy,
		PermissionsPolicy:       defaultPermissionsPolicy,
		ContentTypeOptions:      defaultContentTypeOptions,
		StrictTransportSecurity: defaultHSTS,
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := defaultSecurityConfig()

	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = defaults.FrameAncestors
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaults.FrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaults.PermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaults.ContentTypeOptions
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}
	if !cfg.EnableHSTS {
		cfg.StrictTransportSecurity = ""
	} else if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaults.StrictTransportSecurity
	}

	return cfg
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	value := frameAncestors
	if value == "" {
		value = defaultFrameAncestors
	}

	return "default-src 'self'; " +
		"connect-src 'self' ws: wss:; " +
		"img-src 'self' data:; " +
		"script-src 'self'; " +
		"style-src 'self'; " +
		"font-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + value + "; " +
		"form-action 'self'"
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if effective.ContentSecurityPolicy != "" {
				w.Header().Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			}
			if effective.FrameOptions != "" {
				w.Header().Set("X-Frame-Options", effective.FrameOptions)
			}
			if effective.ContentTypeOptions != "" {
				w.Header().Set("X-Content-Type-Options", effective.ContentTypeOptions)
			}
			if effective.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", effective.ReferrerPolicy)
			}
			if effective.PermissionsPolicy != "" {
				w.Header().Set("Permissions-Policy", effective.PermissionsPolicy)
			}
			if effective.StrictTransportSecurity != "" {
				w.Header().Set("Strict-Transport-Security", effective.StrictTransportSecurity)
			}

			next.ServeHTTP(w, r)
		})
	}
}
