package server

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"titlescrow/internal/sigauth"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	saleOpsTotal     *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	idempotentReplay prometheus.Counter
	requestDuration  *prometheus.HistogramVec
	escrowBalance    prometheus.Gauge
	dlqDepth         prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titlescrow_sale_operations_total",
		Help: "Sale operations by operation and result",
	}, []string{"operation", "result"})

	auth := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "titlescrow_auth_failures_total",
		Help: "Rejected request signatures by reason",
	}, []string{"reason"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "titlescrow_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "titlescrow_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})

	balance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titlescrow_escrow_balance",
		Help: "Funds currently held in escrow, in base units",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "titlescrow_dlq_depth",
		Help: "Number of custody transfers awaiting resume",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, auth, replays, duration, balance, dlq)

	return &metricsRegistry{
		registry:         r,
		saleOpsTotal:     ops,
		authFailures:     auth,
		idempotentReplay: replays,
		requestDuration:  duration,
		escrowBalance:    balance,
		dlqDepth:         dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSaleOp(operation, result string) {
	m.saleOpsTotal.WithLabelValues(operation, result).Inc()
}

func (m *metricsRegistry) incAuthFailure(err error) {
	reason := "invalid_signature"
	switch {
	case errors.Is(err, sigauth.ErrMissingAddress):
		reason = "missing_address"
	case errors.Is(err, sigauth.ErrMissingSignature):
		reason = "missing_signature"
	case errors.Is(err, sigauth.ErrMissingTimestamp):
		reason = "missing_timestamp"
	case errors.Is(err, sigauth.ErrStaleTimestamp):
		reason = "stale_timestamp"
	case errors.Is(err, sigauth.ErrMissingNonce):
		reason = "missing_nonce"
	case errors.Is(err, sigauth.ErrNonceReused):
		reason = "replayed_nonce"
	case errors.Is(err, sigauth.ErrNonceCapacity):
		reason = "nonce_capacity"
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.idempotentReplay.Inc()
}

func (m *metricsRegistry) observeRequest(method, route string, code int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// setBalance exports the balance as a float; values above 2^53 lose precision.
func (m *metricsRegistry) setBalance(balance *big.Int) {
	f, _ := new(big.Float).SetInt(balance).Float64()
	m.escrowBalance.Set(f)
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
