// Package metrics exposes charge engine counters to prometheus.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/charge"
)

const metricPrefix = "charge_engine_"

var (
	registerOnce sync.Once

	mutationsTotal      *prometheus.CounterVec
	validationFailures  *prometheus.CounterVec
	usageConflictsTotal *prometheus.CounterVec
	resolutionsTotal    *prometheus.CounterVec

	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
)

// Init registers the collectors. db may be nil; when set, gauges over the
// charge tables are registered too.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		mutationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "mutations_total",
				Help: "Charge rule mutations by action and outcome",
			},
			[]string{"action", "outcome"},
		)
		validationFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "validation_errors_total",
				Help: "Validation errors by code",
			},
			[]string{"code"},
		)
		usageConflictsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "usage_conflicts_total",
				Help: "Mutations blocked because the rule is referenced",
			},
			[]string{"code"},
		)
		resolutionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "resolutions_total",
				Help: "Effective charge resolutions by source",
			},
			[]string{"source"},
		)

		httpRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route pattern and status",
			},
			[]string{"method", "route", "status"},
		)
		httpRequestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		prometheus.MustRegister(
			mutationsTotal,
			validationFailures,
			usageConflictsTotal,
			resolutionsTotal,
			httpRequestsTotal,
			httpRequestLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// RECORDER - charge.Recorder backed by the collectors above
// =============================================================================

// Recorder implements charge.Recorder. Init must have been called.
type Recorder struct{}

var _ charge.Recorder = Recorder{}

func (Recorder) Mutation(action charge.AuditAction, outcome string) {
	mutationsTotal.WithLabelValues(string(action), outcome).Inc()
}

func (Recorder) ValidationFailure(code charge.ErrorKind) {
	validationFailures.WithLabelValues(string(code)).Inc()
}

func (Recorder) UsageConflict(code string) {
	usageConflictsTotal.WithLabelValues(code).Inc()
}

func (Recorder) Resolution(source charge.Source) {
	resolutionsTotal.WithLabelValues(string(source)).Inc()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// =============================================================================
// DB GAUGES
// =============================================================================

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "active_charges",
			Help: "Active, non-deleted charge rules",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM charges WHERE active = 1 AND deleted = 0")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "payment_overrides",
			Help: "Payment method overrides across all charges",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM charge_payment_overrides")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "savings_account_charges_active",
			Help: "Active savings account charge assignments",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM savings_account_charges WHERE status = 'active'")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
