package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event stages tracked by ObserveEvent.
const (
	StageEmitted   = "emitted"
	StageDelivered = "delivered"
	StagePublished = "published"
	StageReceived  = "received"
	StageDropped   = "dropped"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// EventLabel identifies an event counter by pipeline stage and event type.
type EventLabel struct {
	Stage string
	Type  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// dispatched failures, gateway connections, fan-out events and bus errors.
// Map-backed counters share a RWMutex; the connection gauge is atomic.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	failures          map[string]uint64
	connectionEvents  map[string]uint64
	activeConnections atomic.Int64
	events            map[EventLabel]uint64
	busErrors         map[string]uint64
	bootstrapState    atomic.Value
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	r := &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		failures:         make(map[string]uint64),
		connectionEvents: make(map[string]uint64),
		events:           make(map[EventLabel]uint64),
		busErrors:        make(map[string]uint64),
	}
	r.bootstrapState.Store("idle")
	return r
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: strconv.Itoa(status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveFailure counts a failure answered by the error dispatcher.
func (r *Recorder) ObserveFailure(status int) {
	key := strconv.Itoa(status)
	r.mu.Lock()
	r.failures[key]++
	r.mu.Unlock()
}

// ConnectionOpened records an accepted gateway connection and increments the
// open connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.incrementConnectionEvent("open")
	r.activeConnections.Add(1)
}

// ConnectionClosed records a terminated gateway connection, guarding the
// gauge against going negative.
func (r *Recorder) ConnectionClosed() {
	r.incrementConnectionEvent("close")
	r.decrementGauge(&r.activeConnections)
}

// ConnectionRejected records a handshake refused before upgrade.
func (r *Recorder) ConnectionRejected() {
	r.incrementConnectionEvent("reject")
}

func (r *Recorder) incrementConnectionEvent(event string) {
	r.mu.Lock()
	r.connectionEvents[event]++
	r.mu.Unlock()
}

// ActiveConnections exposes the current open connection gauge.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// ObserveEvent records an event passing through a fan-out stage.
func (r *Recorder) ObserveEvent(stage, eventType string) {
	label := EventLabel{Stage: normalizeName(stage), Type: normalizeName(eventType)}
	r.mu.Lock()
	r.events[label]++
	r.mu.Unlock()
}

// ObserveBusError records a shared channel failure keyed by operation
// (publish, subscribe, decode, ping).
func (r *Recorder) ObserveBusError(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.busErrors[op]++
	r.mu.Unlock()
}

// SetBootstrapState records the sequencer's current state for export.
func (r *Recorder) SetBootstrapState(state string) {
	r.bootstrapState.Store(normalizeName(state))
}

// BootstrapState returns the last recorded sequencer state.
func (r *Recorder) BootstrapState() string {
	value, _ := r.bootstrapState.Load().(string)
	return value
}

// EventCounts returns a copy of the event counters.
func (r *Recorder) EventCounts() map[EventLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[EventLabel]uint64, len(r.events))
	for k, v := range r.events {
		out[k] = v
	}
	return out
}

// FailureCounts returns a copy of the dispatched failure counters keyed by
// status code.
func (r *Recorder) FailureCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// BusErrorCounts returns a copy of the bus error counters.
func (r *Recorder) BusErrorCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.busErrors))
	for k, v := range r.busErrors {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.failures = make(map[string]uint64)
	r.connectionEvents = make(map[string]uint64)
	r.events = make(map[EventLabel]uint64)
	r.busErrors = make(map[string]uint64)
	r.activeConnections.Store(0)
	r.bootstrapState.Store("idle")
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	eventLabels := r.sortedEventLabels()

	fmt.Fprintln(w, "# HELP relaycast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE relaycast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relaycast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relaycast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relaycast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "relaycast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP relaycast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE relaycast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relaycast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relaycast_dispatched_failures_total Failures answered by the error dispatcher by status")
	fmt.Fprintln(w, "# TYPE relaycast_dispatched_failures_total counter")
	for _, status := range sortedKeys(r.failures) {
		fmt.Fprintf(w, "relaycast_dispatched_failures_total{status=\"%s\"} %d\n", status, r.failures[status])
	}

	fmt.Fprintln(w, "# HELP relaycast_gateway_connection_events_total Gateway connection lifecycle events by type")
	fmt.Fprintln(w, "# TYPE relaycast_gateway_connection_events_total counter")
	for _, event := range sortedKeys(r.connectionEvents) {
		fmt.Fprintf(w, "relaycast_gateway_connection_events_total{event=\"%s\"} %d\n", event, r.connectionEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaycast_gateway_open_connections Current number of open gateway connections")
	fmt.Fprintln(w, "# TYPE relaycast_gateway_open_connections gauge")
	fmt.Fprintf(w, "relaycast_gateway_open_connections %d\n", r.activeConnections.Load())

	fmt.Fprintln(w, "# HELP relaycast_events_total Fan-out events by stage and type")
	fmt.Fprintln(w, "# TYPE relaycast_events_total counter")
	for _, label := range eventLabels {
		fmt.Fprintf(w, "relaycast_events_total{stage=\"%s\",type=\"%s\"} %d\n", label.Stage, label.Type, r.events[label])
	}

	fmt.Fprintln(w, "# HELP relaycast_bus_errors_total Shared channel failures by operation")
	fmt.Fprintln(w, "# TYPE relaycast_bus_errors_total counter")
	for _, op := range sortedKeys(r.busErrors) {
		fmt.Fprintf(w, "relaycast_bus_errors_total{operation=\"%s\"} %d\n", op, r.busErrors[op])
	}

	fmt.Fprintln(w, "# HELP relaycast_bootstrap_state Current bootstrap sequencer state")
	fmt.Fprintln(w, "# TYPE relaycast_bootstrap_state gauge")
	fmt.Fprintf(w, "relaycast_bootstrap_state{state=\"%s\"} 1\n", r.BootstrapState())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedEventLabels() []EventLabel {
	labels := make([]EventLabel, 0, len(r.events))
	for label := range r.events {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stage != labels[j].Stage {
			return labels[i].Stage < labels[j].Stage
		}
		return labels[i].Type < labels[j].Type
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
