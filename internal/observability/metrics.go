package observability

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	// StageLatency records pipeline stage execution latency per stage.
	StageLatency *prometheus.HistogramVec

	// JobsProcessedTotal counts finished pipeline jobs by outcome
	// (done, retried, dead_letter, duplicate).
	JobsProcessedTotal *prometheus.CounterVec

	// QueueDepth tracks the number of jobs awaiting delivery.
	QueueDepth prometheus.Gauge

	// CacheHitsTotal and CacheMissesTotal count lookups per key namespace
	// (emb, prof, search).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// AUDNDecisionsTotal counts dedup decisions by action.
	AUDNDecisionsTotal *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/queue/cache
// initialization that records metrics. Safe to call multiple times; only the
// first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StageLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_stage_latency_seconds",
			Help:    "Pipeline stage execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	JobsProcessedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_jobs_processed_total",
			Help: "Total pipeline jobs processed, by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_queue_depth",
		Help: "Number of jobs awaiting delivery",
	})

	CacheHitsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_cache_hits_total",
			Help: "Total cache hits, by key namespace",
		},
		[]string{"namespace"},
	)

	CacheMissesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_cache_misses_total",
			Help: "Total cache misses, by key namespace",
		},
		[]string{"namespace"},
	)

	AUDNDecisionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_audn_decisions_total",
			Help: "Total dedup decisions, by action",
		},
		[]string{"action"},
	)
}

// ObserveCacheLookup records one cache lookup outcome for a key namespace.
func ObserveCacheLookup(namespace string, hit bool) {
	if CacheHitsTotal == nil {
		return
	}
	if hit {
		CacheHitsTotal.WithLabelValues(namespace).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(namespace).Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
