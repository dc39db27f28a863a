package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"titlescrow/internal/config"
	"titlescrow/internal/idempotency"
	"titlescrow/internal/sale"
	"titlescrow/internal/sigauth"
)

type Server struct {
	cfg         *config.AppConfig
	engine      *sale.Engine
	ledger      *sale.Ledger
	store       idempotency.Store
	inFlight    *idempotency.InFlight
	auth        *sigauth.Verifier
	limiter     *callerLimiter
	dlq         *deadLetters
	logger      *slog.Logger
	nowFn       func() time.Time
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time for signature checks and idempotency expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithRPCHealth reports chain connectivity on /health.
func WithRPCHealth(fn func(context.Context) error) Option {
	return func(s *Server) { s.rpcHealthFn = fn }
}

// WithDBHealth reports database connectivity on /health.
func WithDBHealth(fn func(context.Context) error) Option {
	return func(s *Server) { s.dbHealthFn = fn }
}

func NewServer(cfg *config.AppConfig, engine *sale.Engine, store idempotency.Store, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		ledger:   engine.Ledger(),
		store:    store,
		inFlight: idempotency.NewInFlight(),
		logger:   slog.Default(),
		nowFn:    time.Now,
		metrics:  newMetricsRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dbHealthFn == nil {
		if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
			s.dbHealthFn = checker.Ping
		}
	}

	s.auth = &sigauth.Verifier{
		MaxSkew: cfg.Service.AuthClockSkew,
		Now:     func() time.Time { return s.nowFn() },
		Nonces:  sigauth.NewNonceCache(2*cfg.Service.AuthClockSkew, 0),
		OnReject: func(r *http.Request, err error) {
			s.metrics.incAuthFailure(err)
			s.logger.Warn("request signature rejected", "path", r.URL.Path,
				"request_id", r.Header.Get(headerRequestID), "error", err)
		},
	}
	s.limiter = newCallerLimiter(cfg.Service.RequestsPerSecond, cfg.Service.Burst)
	s.dlq = newDeadLetters(cfg.Service.DLQPath, s.logger)

	s.metrics.setBalance(s.ledger.Balance())
	s.updateDLQDepth()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Handle("/metrics", s.metrics.handler())

		api.Group(func(open chi.Router) {
			open.Use(s.limiter.middleware)
			open.Get("/roles", s.handleRoles)
			open.Get("/balance", s.handleBalance)
			open.Get("/sales/{assetId}", s.handleGetSale)
			open.Get("/sales/{assetId}/history", s.handleHistory)
		})

		api.Group(func(signed chi.Router) {
			signed.Use(s.limitBody)
			signed.Use(s.auth.Middleware)
			signed.Use(s.limiter.middleware)
			signed.Use(s.idempotent)
			signed.Post("/sales", s.handleList)
			signed.Post("/sales/{assetId}/verification", s.handleVerification)
			signed.Post("/sales/{assetId}/collateral", s.handleDeposit)
			signed.Post("/sales/{assetId}/approvals", s.handleApprove)
			signed.Post("/sales/{assetId}/finalize", s.handleFinalize)
			signed.Post("/sales/{assetId}/cancel", s.handleCancel)
			signed.Post("/sales/{assetId}/custody/resume", s.handleResumeCustody)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := s.cfg.Service.MaxBodyBytes; max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.updateDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Database   interface{} `json:"database"`
		QueueDepth int         `json:"queue_depth"`
		Policy     string      `json:"balance_policy"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
		Policy:     s.ledger.Policy().String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

const headerRequestID = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.observeRequest(r.Method, route, status, time.Since(start))
		s.logger.Debug("http request", "method", r.Method, "route", route, "status", status,
			"duration_ms", time.Since(start).Milliseconds(), "request_id", r.Header.Get(headerRequestID))
	})
}
