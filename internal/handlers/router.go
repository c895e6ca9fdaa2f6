package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/auth"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/middleware"
)

type RouterParams struct {
	WebSocket   http.Handler
	API         *API
	Validator   *auth.JWTValidator
	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Metrics
	Ready       http.HandlerFunc
	Logger      zerolog.Logger
}

func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(p.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", HealthHandler())
	if p.Ready != nil {
		r.Get("/readyz", p.Ready)
	}
	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth.AuthMiddleware(p.Validator, p.Metrics))
		if p.WebSocket != nil {
			v1.Handle("/ws", p.WebSocket)
		}
		if p.API != nil {
			v1.Group(func(api chi.Router) {
				if p.RateLimiter != nil {
					api.Use(p.RateLimiter.Middleware)
				}
				api.Use(chimw.Timeout(15 * time.Second))
				p.API.Routes(api)
			})
		}
	})
	return r
}

// requestLogger logs each request at debug level, or warn for 5xx.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := logger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				event = logger.Warn()
			}
			event.
				Str("requestId", chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
