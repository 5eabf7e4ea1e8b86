// Package stats aggregates per-endpoint request metrics for one process.
//
// An Aggregator is constructed explicitly and injected wherever it is needed;
// there is no package-level instance. Durations are folded into running
// statistics so memory stays constant regardless of request volume, and the
// error log is a fixed-capacity ring that evicts the oldest entry first.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultErrorCapacity is the number of error entries retained.
	DefaultErrorCapacity = 100
	// RecentErrorLimit is the number of error entries exposed by a snapshot.
	RecentErrorLimit = 10
)

// Fault describes one failed request.
type Fault struct {
	Type    string
	Message string
	Trace   string
}

// ErrorEntry is one retained error log entry.
type ErrorEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Trace        string    `json:"trace"`
}

// Config configures an Aggregator.
type Config struct {
	ErrorCapacity int
	Now           func() time.Time
}

// Aggregator records request counts, timings, status codes and errors. It is
// safe for concurrent use.
type Aggregator struct {
	now     func() time.Time
	started time.Time

	mu            sync.Mutex
	totalRequests int64
	totalErrors   int64
	endpoints     map[string]*endpointStats
	statusCodes   map[int]int64
	errors        errorRing
}

type endpointStats struct {
	count   int64
	timings welford
}

// New creates an Aggregator whose uptime starts now.
func New(cfg Config) *Aggregator {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	capacity := cfg.ErrorCapacity
	if capacity <= 0 {
		capacity = DefaultErrorCapacity
	}
	return &Aggregator{
		now:         now,
		started:     now(),
		endpoints:   make(map[string]*endpointStats),
		statusCodes: make(map[int]int64),
		errors:      newErrorRing(capacity),
	}
}

// EndpointKey joins a method and path into the "METHOD path" key.
func EndpointKey(method, endpoint string) string {
	return method + " " + endpoint
}

// RecordRequest counts one completed request and folds its duration into the
// endpoint's running statistics.
func (a *Aggregator) RecordRequest(endpoint, method string, status int, duration time.Duration) {
	if a == nil {
		return
	}
	key := EndpointKey(method, endpoint)
	ms := float64(duration) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	stats, ok := a.endpoints[key]
	if !ok {
		stats = &endpointStats{}
		a.endpoints[key] = stats
	}
	stats.count++
	stats.timings.add(ms)
	a.statusCodes[status]++
}

// RecordError appends a fault to the error log, evicting the oldest entry
// when the log is full.
func (a *Aggregator) RecordError(endpoint, method string, fault Fault) {
	if a == nil {
		return
	}
	entry := ErrorEntry{
		Timestamp:    a.now().UTC(),
		Endpoint:     endpoint,
		Method:       method,
		ErrorType:    fault.Type,
		ErrorMessage: fault.Message,
		Trace:        fault.Trace,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalErrors++
	a.errors.push(entry)
}

// Snapshot returns a consistent copy of the current metrics.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.now().UTC()

	a.mu.Lock()
	totalRequests := a.totalRequests
	totalErrors := a.totalErrors
	endpoints := make(map[string]endpointStats, len(a.endpoints))
	for key, stats := range a.endpoints {
		endpoints[key] = *stats
	}
	statusCodes := make(map[int]int64, len(a.statusCodes))
	for code, count := range a.statusCodes {
		statusCodes[code] = count
	}
	recent := a.errors.last(RecentErrorLimit)
	a.mu.Unlock()

	metrics := Metrics{
		UptimeSeconds: now.Sub(a.started).Seconds(),
		TotalRequests: totalRequests,
		TotalErrors:   totalErrors,
		EndpointStats: make(map[string]int64, len(endpoints)),
		ResponseTimes: make(map[string]ResponseTime, len(endpoints)),
		StatusCodes:   statusCodes,
		RecentErrors:  recent,
	}
	if totalRequests > 0 {
		metrics.ErrorRate = float64(totalErrors) / float64(totalRequests)
	}
	for key, stats := range endpoints {
		metrics.EndpointStats[key] = stats.count
		metrics.ResponseTimes[key] = stats.timings.summary()
	}
	return Snapshot{Timestamp: now, Metrics: metrics}
}

// Uptime reports the time elapsed since the aggregator was created.
func (a *Aggregator) Uptime() time.Duration {
	return a.now().Sub(a.started)
}

// Snapshot is the read-only view served by the stats endpoint.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// Metrics holds the aggregated counters.
type Metrics struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	TotalRequests int64                   `json:"total_requests"`
	TotalErrors   int64                   `json:"total_errors"`
	ErrorRate     float64                 `json:"error_rate"`
	EndpointStats map[string]int64        `json:"endpoint_stats"`
	ResponseTimes map[string]ResponseTime `json:"response_times"`
	StatusCodes   map[int]int64           `json:"status_codes"`
	RecentErrors  []ErrorEntry            `json:"recent_errors"`
}

// ResponseTime summarizes an endpoint's observed durations in milliseconds.
type ResponseTime struct {
	Count  int64   `json:"count"`
	AvgMS  float64 `json:"avg_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// Endpoints returns the snapshot's endpoint keys in sorted order.
func (m Metrics) Endpoints() []string {
	keys := make([]string, 0, len(m.EndpointStats))
	for key := range m.EndpointStats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// welford keeps a running mean and variance (Welford's online algorithm)
// together with the extremes.
type welford struct {
	n    int64
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (w *welford) add(x float64) {
	w.n++
	if w.n == 1 {
		w.min, w.max = x, x
	} else {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

func (w welford) summary() ResponseTime {
	out := ResponseTime{Count: w.n}
	if w.n == 0 {
		return out
	}
	out.AvgMS = w.mean
	out.MinMS = w.min
	out.MaxMS = w.max
	if w.n > 1 {
		out.StdDev = math.Sqrt(w.m2 / float64(w.n-1))
	}
	return out
}

// errorRing is a fixed-capacity FIFO of error entries.
type errorRing struct {
	entries []ErrorEntry
	next    int
	size    int
}

func newErrorRing(capacity int) errorRing {
	return errorRing{entries: make([]ErrorEntry, capacity)}
}

func (r *errorRing) push(entry ErrorEntry) {
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// last returns up to n of the newest entries, oldest first.
func (r *errorRing) last(n int) []ErrorEntry {
	if n > r.size {
		n = r.size
	}
	out := make([]ErrorEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

func (r *errorRing) len() int {
	return r.size
}
