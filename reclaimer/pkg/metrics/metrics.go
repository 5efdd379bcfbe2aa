package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solana_rent_reclaimer_build_info",
			Help: "Build information of the rent reclaimer",
		},
		[]string{"version", "commit", "date"},
	)

	DiscoverySignaturesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_discovery_signatures_scanned_total",
			Help: "Total number of operator signatures scanned by discovery",
		},
	)

	DiscoveryAccountsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_discovery_accounts_found_total",
			Help: "Total number of sponsored account creations found by discovery",
		},
	)

	DiscoveryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_discovery_errors_total",
			Help: "Total number of discovery runs aborted by a remote failure",
		},
		[]string{"stage"},
	)

	ReclaimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_reclaim_attempts_total",
			Help: "Total number of reclaim attempts by account type and outcome",
		},
		[]string{"account_type", "status"},
	)

	ReclaimedLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_reclaimed_lamports_total",
			Help: "Total lamports returned to the treasury",
		},
		[]string{"mode"},
	)

	PassiveReclaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_passive_reclaims_total",
			Help: "Total number of passive reclaim observations by confidence",
		},
		[]string{"confidence"},
	)

	TreasuryBalanceLamports = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solana_rent_reclaimer_treasury_balance_lamports",
			Help: "Last observed treasury balance",
		},
	)

	CycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_cycle_total",
			Help: "Total number of automated pipeline stage runs",
		},
		[]string{"stage", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solana_rent_reclaimer_cycle_duration_seconds",
			Help:    "Duration of automated pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"stage"},
	)

	PanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_panics_total",
			Help: "Total number of recovered panics",
		},
		[]string{"component"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solana_rent_reclaimer_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solana_rent_reclaimer_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the status server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
