// Package logging builds the process slog loggers and carries request and
// gateway connection identifiers through contexts so every record emitted on
// behalf of a request or connection can be correlated.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"relaycast/internal/observability/metrics"
)

// Config selects the level, output format and destination of a logger.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
	// Service, when set, is attached to every record as the "service" attribute.
	Service   string
	AddSource bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Init builds a logger and installs it as the slog default, which also routes
// the standard library log package through it.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured logger writing to cfg.Writer, or stdout when unset.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if ParseFormat(cfg.Format) == FormatText {
		handler = slog.NewTextHandler(writer, options)
	} else {
		handler = slog.NewJSONHandler(writer, options)
	}

	logger := slog.New(handler)
	if service := strings.TrimSpace(cfg.Service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// ParseLevel maps a level name to a slog level. Unknown and empty names
// resolve to info.
func ParseLevel(level string) slog.Level {
	if parsed, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return parsed
	}
	return slog.LevelInfo
}

// ParseFormat maps a format name to a LogFormat, defaulting to JSON.
func ParseFormat(format string) LogFormat {
	if LogFormat(strings.ToLower(strings.TrimSpace(format))) == FormatText {
		return FormatText
	}
	return FormatJSON
}

// replaceAttr renders durations as fractional milliseconds.
func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindDuration {
		return slog.Float64(attr.Key, float64(attr.Value.Duration())/float64(time.Millisecond))
	}
	return attr
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey struct{ name string }

var (
	fieldsKey = contextKey{"fields"}
	loggerKey = contextKey{"logger"}
)

// fields holds the correlation identifiers carried on a context.
type fields struct {
	requestID    string
	connectionID string
}

func fieldsFrom(ctx context.Context) fields {
	if ctx == nil {
		return fields{}
	}
	f, _ := ctx.Value(fieldsKey).(fields)
	return f
}

func withFields(ctx context.Context, id string, set func(*fields, string)) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	f := fieldsFrom(ctx)
	set(&f, trimmed)
	return context.WithValue(ctx, fieldsKey, f)
}

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withFields(ctx, id, func(f *fields, v string) { f.requestID = v })
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFrom(ctx).requestID
	return id, id != ""
}

// ContextWithConnectionID adds the gateway connection ID to the context when it is non-empty.
func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	return withFields(ctx, id, func(f *fields, v string) { f.connectionID = v })
}

// ConnectionIDFromContext extracts the connection ID previously stored on the context.
func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFrom(ctx).connectionID
	return id, id != ""
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext returns a logger annotated with the request and connection IDs
// held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	f := fieldsFrom(ctx)
	var attrs []any
	if f.requestID != "" {
		attrs = append(attrs, "request_id", f.requestID)
	}
	if f.connectionID != "" {
		attrs = append(attrs, "connection_id", f.connectionID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// SkipPaths lists exact request paths that are served without a log
	// line, typically health checks and metric scrapes.
	SkipPaths        []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that writes one record per request with
// method, path, status and duration. Responses of 500 and above are logged at
// warn level.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			WithContext(r.Context(), baseLogger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
