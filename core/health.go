package core

// health.go - Prometheus metrics and structured health logging for one
// instance: transfer bucket counters, accessible-set size, and full-sync
// latency. Grounded on core/system_health_logging.go's registry-plus-
// gauges-plus-log-file shape, narrowed to the counters this protocol
// actually produces and switched from the teacher's logrus to the zap
// logger the rest of core uses.

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReport is a point-in-time snapshot of one instance's operational
// state, independent of whether Prometheus scraping is wired up.
type HealthReport struct {
	Timestamp       int64
	AccessibleCount int
	MemAllocBytes   uint64
	NumGoroutines   int
	LastSyncSeconds float64
}

// HealthLogger gathers instance-level metrics into a Prometheus registry
// and a structured log.
type HealthLogger struct {
	inst *Instance
	log  *zap.Logger

	registry *prometheus.Registry

	transferCounter   *prometheus.CounterVec
	accessibleGauge   prometheus.Gauge
	memAllocGauge     prometheus.Gauge
	goroutinesGauge   prometheus.Gauge
	fullSyncHistogram prometheus.Histogram
	errorCounter      prometheus.Counter
}

// NewHealthLogger builds a HealthLogger for inst. log may be nil.
func NewHealthLogger(inst *Instance, log *zap.Logger) *HealthLogger {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	h := &HealthLogger{inst: inst, log: log.Named("health"), registry: reg}

	h.transferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chumstore_transfer_items_total",
		Help: "Objects transferred by Chum sessions, partitioned by bucket.",
	}, []string{"bucket"})
	h.accessibleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chumstore_accessible_hashes",
		Help: "Size of the local person's accessible closure, last computed.",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chumstore_mem_alloc_bytes",
		Help: "Current Go heap allocation in bytes.",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chumstore_goroutines",
		Help: "Number of running goroutines.",
	})
	h.fullSyncHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chumstore_full_sync_seconds",
		Help:    "Wall-clock time from session start to full-sync reached.",
		Buckets: prometheus.DefBuckets,
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chumstore_session_errors_total",
		Help: "Total per-item errors logged across Chum sessions.",
	})

	reg.MustRegister(
		h.transferCounter, h.accessibleGauge, h.memAllocGauge,
		h.goroutinesGauge, h.fullSyncHistogram, h.errorCounter,
	)
	return h
}

// RecordChumRecord folds one completed session's counts and errors into
// the running totals.
func (h *HealthLogger) RecordChumRecord(rec *ChumRecord, elapsed time.Duration) {
	for _, b := range AllBuckets {
		if n := rec.Counts[b]; n > 0 {
			h.transferCounter.WithLabelValues(string(b)).Add(float64(n))
		}
	}
	if len(rec.Errors) > 0 {
		h.errorCounter.Add(float64(len(rec.Errors)))
		h.log.Warn("chum session completed with errors", zap.Int("count", len(rec.Errors)))
	}
	h.fullSyncHistogram.Observe(elapsed.Seconds())
}

// Snapshot gathers a HealthReport, recomputing the local person's
// accessible-set size against policy.
func (h *HealthLogger) Snapshot(policy CallerPolicy) (HealthReport, error) {
	r := HealthReport{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.MemAllocBytes = mem.Alloc

	acc, err := h.inst.Resolver.AccessibleFrom(h.inst.PersonID, policy)
	if err != nil {
		return r, err
	}
	r.AccessibleCount = len(acc)
	return r, nil
}

// RecordSnapshot updates the gauges from a freshly computed snapshot.
func (h *HealthLogger) RecordSnapshot(policy CallerPolicy) error {
	r, err := h.Snapshot(policy)
	if err != nil {
		return err
	}
	h.accessibleGauge.Set(float64(r.AccessibleCount))
	h.memAllocGauge.Set(float64(r.MemAllocBytes))
	h.goroutinesGauge.Set(float64(r.NumGoroutines))
	return nil
}

// RunCollector periodically calls RecordSnapshot until ctx is done.
func (h *HealthLogger) RunCollector(ctx context.Context, interval time.Duration, policy CallerPolicy) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.RecordSnapshot(policy); err != nil {
				h.log.Warn("snapshot collection failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes /metrics on addr and returns the server so
// the caller controls its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
