package procpool

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxTrackedLatencies bounds the latency ring buffer so percentile
// computation stays cheap under sustained load.
const maxTrackedLatencies = 10000

// Metrics tracks request and worker counters plus a latency window for
// percentile reporting, a superset of the {total, healthy, busy,
// available, calls, avg working set} statistics spec.md §4.6 names
// (spec.md only requires that granularity; this type is the ambient
// observability stack carried regardless, per SPEC_FULL.md §11).
type Metrics struct {
	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64
	RequestsTimeout   atomic.Uint64
	WorkerRestarts    atomic.Uint64
	WorkerFailures    atomic.Uint64

	latencyMu sync.Mutex
	latencies []time.Duration
}

// NewMetrics constructs an empty Metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{latencies: make([]time.Duration, 0, maxTrackedLatencies)}
}

// RecordCall records the outcome and latency of one pool invocation.
func (m *Metrics) RecordCall(latency time.Duration, err error) {
	m.RequestsTotal.Add(1)
	m.recordLatency(latency)

	switch {
	case err == nil:
		m.RequestsSucceeded.Add(1)
	case isTimeoutClassError(err):
		m.RequestsTimeout.Add(1)
	default:
		m.RequestsFailed.Add(1)
	}
}

// RecordWorkerFailure records one Worker failure event; RecordWorkerRestart
// additionally records that the pool scheduled a replacement for it.
func (m *Metrics) RecordWorkerFailure() { m.WorkerFailures.Add(1) }
func (m *Metrics) RecordWorkerRestart() { m.WorkerRestarts.Add(1) }

func (m *Metrics) recordLatency(latency time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if len(m.latencies) >= maxTrackedLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latency)
}

// Percentile returns the p-th (0-100) latency percentile observed so far,
// using the most recent maxTrackedLatencies samples.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time rendering of Metrics plus the pool's own
// Stats, suitable for JSON serialization off the metrics HTTP endpoint.
type Snapshot struct {
	Stats

	RequestsTotal     uint64 `json:"requests_total"`
	RequestsSucceeded uint64 `json:"requests_succeeded"`
	RequestsFailed    uint64 `json:"requests_failed"`
	RequestsTimeout   uint64 `json:"requests_timeout"`
	WorkerRestarts    uint64 `json:"worker_restarts"`
	WorkerFailures    uint64 `json:"worker_failures"`

	LatencyP50Ms      float64 `json:"latency_p50_ms"`
	LatencyP95Ms      float64 `json:"latency_p95_ms"`
	LatencyP99Ms      float64 `json:"latency_p99_ms"`
	AvgWorkingSetMB   uint64  `json:"avg_working_set_mb"`
}

// Snapshot renders a Snapshot combining pool.Stats() with this Metrics'
// counters and latency percentiles, and the average live-worker working
// set as measured by the resource probe (spec.md §4.6 "Statistics").
func (m *Metrics) Snapshot(pool *Pool) Snapshot {
	return Snapshot{
		Stats:             pool.Stats(),
		RequestsTotal:     m.RequestsTotal.Load(),
		RequestsSucceeded: m.RequestsSucceeded.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		RequestsTimeout:   m.RequestsTimeout.Load(),
		WorkerRestarts:    m.WorkerRestarts.Load(),
		WorkerFailures:    m.WorkerFailures.Load(),
		LatencyP50Ms:      m.Percentile(50).Seconds() * 1000,
		LatencyP95Ms:      m.Percentile(95).Seconds() * 1000,
		LatencyP99Ms:      m.Percentile(99).Seconds() * 1000,
		AvgWorkingSetMB:   pool.AverageWorkingSetMB(),
	}
}

func isTimeoutClassError(err error) bool {
	kind, ok := errKind(err)
	return ok && kind == KindMethodTimeout
}

// MetricsServer exposes a Metrics/Pool pair as a JSON endpoint, wired to
// MetricsConfig.Endpoint/Path (spec.md §1 names metrics/observability
// endpoints as outside the specified core, but the ambient stack is
// carried regardless of that Non-goal per SPEC_FULL.md §11).
type MetricsServer struct {
	httpServer *http.Server
}

// StartMetricsServer starts an HTTP server on cfg.Endpoint serving a JSON
// Snapshot at cfg.Path, if cfg.Enabled. A disabled config returns (nil,
// nil): callers should treat a nil *MetricsServer as "nothing to shut
// down".
func StartMetricsServer(cfg MetricsConfig, pool *Pool, metrics *Metrics) (*MetricsServer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot(pool))
	})

	srv := &http.Server{Addr: cfg.Endpoint, Handler: mux}
	ln, err := net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	go func() { _ = srv.Serve(ln) }()
	return &MetricsServer{httpServer: srv}, nil
}

// Close shuts the metrics HTTP server down; a nil receiver is a no-op, so
// callers can always defer Close() on the result of StartMetricsServer.
func (s *MetricsServer) Close() error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
