package security

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

	// IngestTotal counts ingestion outcomes: stored, skipped,
	// needs_consent, error (a brake refusal is counted as error).
	IngestTotal *prometheus.CounterVec

	// RetrievalLatency records retrieval latency per channel mode.
	RetrievalLatency *prometheus.HistogramVec

	// BrakeEngaged reports the current brake state (1 engaged, 0 off).
	BrakeEngaged prometheus.Gauge

	// FTSAvailable reports whether the FTS backend probed available.
	FTSAvailable prometheus.Gauge
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
// Must be called before starting the HTTP server. Safe to call multiple
// times; only the first call registers.
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
			Name: "memkernel_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memkernel_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	IngestTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memkernel_ingest_total",
			Help: "Ingestion pipeline outcomes",
		},
		[]string{"outcome"},
	)

	RetrievalLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memkernel_retrieval_latency_seconds",
			Help:    "Retrieval latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	BrakeEngaged = f.NewGauge(prometheus.GaugeOpts{
		Name: "memkernel_brake_engaged",
		Help: "Parking brake state (1 engaged, 0 off)",
	})

	FTSAvailable = f.NewGauge(prometheus.GaugeOpts{
		Name: "memkernel_fts_available",
		Help: "Whether the FTS5 backend probed available at startup",
	})
}

// ObserveIngest increments the ingest outcome counter. Safe to call before
// InitMetrics (a no-op then), so handlers can be exercised in tests.
func ObserveIngest(outcome string) {
	if IngestTotal != nil {
		IngestTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveRetrieval records one retrieval latency sample.
func ObserveRetrieval(mode string, seconds float64) {
	if RetrievalLatency != nil {
		RetrievalLatency.WithLabelValues(mode).Observe(seconds)
	}
}

// SetBrakeGauge publishes the current brake state.
func SetBrakeGauge(engaged bool) {
	if BrakeEngaged == nil {
		return
	}
	if engaged {
		BrakeEngaged.Set(1)
	} else {
		BrakeEngaged.Set(0)
	}
}

// SetFTSAvailable publishes the startup FTS probe outcome.
func SetFTSAvailable(ok bool) {
	if FTSAvailable == nil {
		return
	}
	if ok {
		FTSAvailable.Set(1)
	} else {
		FTSAvailable.Set(0)
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
