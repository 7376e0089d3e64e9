// Package metrics provides Prometheus instrumentation for riskpipe.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskpipe",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunsTotal counts pipeline runs by final status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by status (succeeded, partial, failed).",
		},
		[]string{"status"},
	)

	// RunDuration observes end-to-end run latency.
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskpipe",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Pipeline run duration in seconds.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// StageDuration observes the time spent in each pipeline stage.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskpipe",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// RecordsTotal counts records by terminal state.
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Total records by terminal state.",
		},
		[]string{"state"},
	)

	// ViolationsTotal counts validation violations by rule.
	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Subsystem: "validation",
			Name:      "violations_total",
			Help:      "Total validation violations by rule.",
		},
		[]string{"rule"},
	)

	// Scores observes the distribution of risk scores.
	Scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riskpipe",
		Subsystem: "risk",
		Name:      "score",
		Help:      "Distribution of risk scores.",
		Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .85, .9, 1},
	})

	// TiersTotal counts scored records by risk tier.
	TiersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Subsystem: "risk",
			Name:      "tiers_total",
			Help:      "Total scored records by risk tier.",
		},
		[]string{"tier"},
	)

	// DegradedTotal counts records enriched without a usable profile.
	DegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "enrich",
		Name:      "degraded_total",
		Help:      "Records enriched with a corrupt profile treated as fresh.",
	})

	// StoreErrorsTotal counts failed store calls by store and operation.
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskpipe",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total failed store calls by store and operation.",
		},
		[]string{"store", "op"},
	)

	// ProfileConflictsTotal counts profile compare-and-swap conflicts.
	ProfileConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskpipe",
		Subsystem: "profile",
		Name:      "cas_conflicts_total",
		Help:      "Profile compare-and-swap attempts lost to a concurrent writer.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "riskpipe",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipe", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipe", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipe", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskpipe", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RunsTotal,
		RunDuration,
		StageDuration,
		RecordsTotal,
		ViolationsTotal,
		Scores,
		TiersTotal,
		DegradedTotal,
		StoreErrorsTotal,
		ProfileConflictsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveStage records how long a pipeline stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
