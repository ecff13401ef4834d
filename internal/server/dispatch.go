package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"relaycast/internal/apierror"
	"relaycast/internal/observability/metrics"
)

// HandlerFunc is a route handler that reports failures by returning them.
// Returned errors are rendered by the Dispatcher; handlers never write error
// responses themselves.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

const internalErrorMessage = "internal server error"

// Dispatcher is the single place where failures become HTTP responses.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewDispatcher builds a Dispatcher. A nil logger falls back to slog.Default
// and a nil recorder to metrics.Default.
func NewDispatcher(logger *slog.Logger, recorder *metrics.Recorder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Dispatcher{logger: logger, metrics: recorder}
}

// Wrap adapts h into an http.Handler. Errors returned by h and panics raised
// inside it are routed to Handle.
func (d *Dispatcher) Wrap(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := metrics.NewResponseRecorder(w)
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			d.requestLogger(r).Error("handler panic",
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()))
			d.Handle(rr, r, panicError(recovered))
		}()

		if err := h(rr, r); err != nil {
			d.Handle(rr, r, err)
		}
	})
}

// Handle logs err and writes the matching JSON response. Recognised failures
// answer with their kind's status and serialized body; anything else answers
// a generic 500 so the client always receives a terminal response. When the
// response has already started only the log line is emitted.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	var body apierror.Serialized
	apiErr, recognised := apierror.As(err)
	if recognised {
		body = apiErr.Serialize()
	} else {
		body = apierror.Serialized{
			Message:    internalErrorMessage,
			StatusCode: http.StatusInternalServerError,
			Status:     apierror.StatusLabel,
		}
	}

	logger := d.requestLogger(r)
	attrs := []any{
		"error", err,
		"status", body.StatusCode,
		"method", r.Method,
		"path", r.URL.Path,
	}
	if recognised {
		attrs = append(attrs, "kind", apiErr.Kind().String())
		if cause := apiErr.Unwrap(); cause != nil {
			attrs = append(attrs, "cause", cause.Error())
		}
	}
	switch {
	case !recognised:
		logger.Error("unhandled request failure", attrs...)
	case body.StatusCode >= http.StatusInternalServerError:
		logger.Error("request failed", attrs...)
	default:
		logger.Warn("request failed", attrs...)
	}
	d.metrics.ObserveFailure(body.StatusCode)

	if responseStarted(w) {
		logger.Warn("response already started, failure not rendered", "status", body.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.StatusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// NotFound answers route misses for every method with a 404 naming the path.
// It does not go through the error taxonomy.
func (d *Dispatcher) NotFound(w http.ResponseWriter, r *http.Request) {
	d.requestLogger(r).Debug("route not found", "method", r.Method, "path", r.URL.Path)
	WriteJSON(w, http.StatusNotFound, map[string]string{
		"message": fmt.Sprintf("%s not found", r.URL.Path),
	})
}

func (d *Dispatcher) requestLogger(r *http.Request) *slog.Logger {
	return loggerWithRequestContext(r.Context(), d.logger)
}

func responseStarted(w http.ResponseWriter) bool {
	if rr, ok := w.(*metrics.ResponseRecorder); ok {
		return rr.Written()
	}
	return false
}

func panicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		if _, recognised := apierror.As(err); recognised {
			return err
		}
		return fmt.Errorf("panic: %w", err)
	}
	return errors.New(fmt.Sprint("panic: ", recovered))
}
