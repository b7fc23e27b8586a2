// Package httpapi exposes the market engine over HTTP: event lifecycle,
// users, trading, quotes, prices and trade history under /api/v1, plus
// /health, /metrics and the WebSocket price feed.
package httpapi

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/predictx/market-engine/internal/metrics"
	"github.com/predictx/market-engine/internal/store"
	"github.com/predictx/market-engine/internal/trade"
)

// Options tunes the HTTP layer.
type Options struct {
	RequestTimeout  time.Duration
	RateLimit       float64 // trade requests per second
	RateBurst       int
	ConflictRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:  30 * time.Second,
		RateLimit:       50,
		RateBurst:       100,
		ConflictRetries: 3,
		RetryBaseDelay:  10 * time.Millisecond,
		RetryMaxDelay:   200 * time.Millisecond,
	}
}

// Server holds the handlers' dependencies.
type Server struct {
	exec     *trade.Executor
	store    store.Store
	hub      *trade.WSHub
	limiter  *rate.Limiter
	validate *validator.Validate
	opts     Options
}

// New creates the HTTP layer. hub may be nil when the WebSocket feed is
// not served.
func New(exec *trade.Executor, st store.Store, hub *trade.WSHub, opts Options) *Server {
	return &Server{
		exec:     exec,
		store:    st,
		hub:      hub,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		validate: newValidator(),
		opts:     opts,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Numeric tags (gt, gte) compare decimals through their float value.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket connections outlive the request timeout.
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Post("/events", s.CreateEvent)
			r.Get("/events", s.ListEvents)
			r.Get("/events/{eventID}", s.GetEvent)
			r.Post("/events/{eventID}/close", s.CloseEvent)
			r.Post("/events/{eventID}/settle", s.SettleEvent)

			r.Post("/users", s.CreateUser)
			r.Get("/users/{userID}", s.GetUser)
			r.Get("/users/{userID}/allocations", s.ListAllocations)

			r.Get("/trade/{eventID}", s.GetPrices)
			r.Get("/trade/{eventID}/quote/buy", s.QuoteBuy)
			r.Get("/trade/{eventID}/quote/sell", s.QuoteSell)
			r.With(s.rateLimit).Post("/trade/buy", s.Buy)
			r.With(s.rateLimit).Post("/trade/sell", s.Sell)

			r.Get("/trades", s.ListTrades)
		})
	})
	return r
}

// cors allows cross-origin requests from the frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects trade requests beyond the configured token bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, "rate limit exceeded", "rate_limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
