package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/cors"
)

// CORSConfig declares the origins allowed to call the service across domains.
// When the list is empty only same-origin requests receive CORS headers.
type CORSConfig struct {
	Origins []string
}

var (
	corsAllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	corsAllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"}
)

const corsMaxAge = 300

// corsHandler builds the credentialed CORS middleware for the configured
// origins. Origins are compared after normalization, so the listed and
// presented forms may differ in case.
func corsHandler(cfg CORSConfig, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	allowed := make(map[string]struct{}, len(cfg.Origins))
	for _, origin := range cfg.Origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	allowOrigin := func(r *http.Request, origin string) bool {
		normalized, err := normalizeOrigin(origin)
		if err != nil || normalized == "" {
			return false
		}
		if _, ok := allowed[normalized]; ok {
			return true
		}
		if normalized == originForRequest(r) {
			return true
		}
		if logger != nil {
			logger.Debug("cross-origin request from unlisted origin", "origin", origin, "path", r.URL.Path)
		}
		return false
	}

	return cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin,
		AllowedMethods:   corsAllowedMethods,
		AllowedHeaders:   corsAllowedHeaders,
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}), nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

// OriginHosts converts an origin allow-list into the host patterns accepted
// by the WebSocket handshake, so HTTP and gateway traffic share one list.
func OriginHosts(origins []string) ([]string, error) {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized == "" {
			continue
		}
		hosts = append(hosts, normalized[strings.Index(normalized, "://")+3:])
	}
	return hosts, nil
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
