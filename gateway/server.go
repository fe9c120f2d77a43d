// Package gateway exposes the merchant backend over HTTP: the public wallet
// surface and the authenticated management API.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"merchantd/merchant/instance"
	"merchantd/merchant/inventory"
	"merchantd/merchant/longpoll"
	"merchantd/merchant/order"
	"merchantd/merchant/payment"
	"merchantd/merchant/refund"
	"merchantd/merchant/transfer"
	"merchantd/observability"
	"merchantd/storage"
)

const (
	// maxBodyBytes caps every request body.
	maxBodyBytes = 1 << 20

	// maxLongPoll bounds client-requested long-poll timeouts.
	maxLongPoll = 60 * time.Second
)

// Version is reported by GET /config. Wallets use it to detect protocol
// compatibility.
const Version = "merchantd/1"

// Deps bundles the subsystem handles the gateway dispatches into.
type Deps struct {
	Store     *storage.Store
	Instances *instance.Manager
	Inventory *inventory.Service
	Orders    *order.Engine
	Payments  *payment.Pipeline
	Refunds   *refund.Engine
	Transfers *transfer.Tracker
	Waker     *longpoll.Coordinator
}

// Config tunes the gateway surface.
type Config struct {
	Currency string

	// DefaultInstance serves the un-prefixed public routes. Other instances
	// are reachable under /instances/{id}/.
	DefaultInstance string

	Auth AuthConfig
}

// Server routes HTTP traffic to the merchant subsystems.
type Server struct {
	store     *storage.Store
	instances *instance.Manager
	inventory *inventory.Service
	orders    *order.Engine
	payments  *payment.Pipeline
	refunds   *refund.Engine
	transfers *transfer.Tracker
	waker     *longpoll.Coordinator

	auth    *authenticator
	metrics *observability.MerchantMetrics
	log     *slog.Logger
	cfg     Config
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New assembles the gateway.
func New(deps Deps, cfg Config, opts ...Option) *Server {
	if cfg.DefaultInstance == "" {
		cfg.DefaultInstance = "default"
	}
	s := &Server{
		store:     deps.Store,
		instances: deps.Instances,
		inventory: deps.Inventory,
		orders:    deps.Orders,
		payments:  deps.Payments,
		refunds:   deps.Refunds,
		transfers: deps.Transfers,
		waker:     deps.Waker,
		auth:      newAuthenticator(cfg.Auth, deps.Store),
		metrics:   observability.Merchant(),
		log:       slog.Default(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully wired HTTP handler, traced via otelhttp.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router(), "merchantd")
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.limitBody)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/config", s.handleConfig)

	// Wallet-facing surface: the default instance at the root, every other
	// instance under its own prefix.
	s.publicRoutes(r)
	r.Route("/instances/{instance}", func(ir chi.Router) {
		s.publicRoutes(ir)
	})

	r.Route("/private", func(pr chi.Router) {
		pr.With(s.auth.middleware).Get("/instances", s.handleListInstances)
		pr.With(s.auth.middleware).Post("/instances", s.handleCreateInstance)
		pr.Route("/instances/{instance}", func(ir chi.Router) {
			ir.Use(s.auth.middleware)
			ir.Use(s.idempotency)

			ir.Get("/", s.handleGetInstance)
			ir.Patch("/", s.handleUpdateInstance)
			ir.Delete("/", s.handleDeleteInstance)
			ir.Post("/purge", s.handlePurgeInstance)

			ir.Get("/products", s.handleListProducts)
			ir.Post("/products", s.handleUpsertProduct)
			ir.Get("/products/{product}", s.handleGetProduct)
			ir.Patch("/products/{product}", s.handleUpsertProduct)
			ir.Delete("/products/{product}", s.handleDeleteProduct)
			ir.Post("/products/{product}/lock", s.handleLockProduct)

			ir.Post("/orders", s.handleCreateOrder)
			ir.Get("/orders", s.handleListOrders)
			ir.Get("/orders/{order}", s.handlePrivateOrder)
			ir.Post("/orders/{order}/refund", s.handleRefund)
			ir.Get("/orders/{order}/transfers", s.handleOrderTransfers)

			ir.Post("/reserves", s.handleCreateReserve)
			ir.Post("/tips", s.handleAuthorizeTip)

			ir.Get("/transfers", s.handleTrackTransfer)
		})
	})
	return r
}

// publicRoutes mounts the wallet surface onto r; the instance is resolved
// from the route prefix (or the configured default).
func (s *Server) publicRoutes(r chi.Router) {
	r.Get("/orders/{order}", s.handlePublicOrder)
	r.Post("/orders/{order}/claim", s.handleClaim)
	r.Post("/orders/{order}/pay", s.handlePay)
	r.Post("/orders/{order}/abort", s.handleAbort)
	r.Get("/tips/{tip}", s.handleGetTip)
	r.Post("/tips/{tip}/pickup", s.handleTipPickup)
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.Observe(route, recorder.status, time.Since(start))
		if recorder.status >= http.StatusInternalServerError {
			s.log.Error("request failed", "method", r.Method, "route", route, "status", recorder.status)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// publicInstance resolves the instance a wallet-facing request targets.
func (s *Server) publicInstance(w http.ResponseWriter, r *http.Request) *storage.Instance {
	id := chi.URLParam(r, "instance")
	if id == "" {
		id = s.cfg.DefaultInstance
	}
	inst, err := s.store.GetInstance(r.Context(), id)
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such instance")
		return nil
	}
	if err != nil {
		respondError(w, err)
		return nil
	}
	return inst
}
