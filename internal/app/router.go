// Package app wires the HTTP and socket transports together: the shared
// chi middleware chain, CORS policy, and per-IP throttle in front of the
// mutating /eval endpoint.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/Potat-Industries/eval-server/internal/adapter/httpserver"
	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/config"
	"github.com/Potat-Industries/eval-server/internal/wsserver"
)

// requestTimeout bounds any single HTTP request; it is separate from and
// longer than the per-submission worker/guest timeouts so that a slow guest
// surfaces its own 🚫-prefixed timeout string rather than a generic 504.
const requestTimeout = 20 * time.Second

// BuildRouter constructs the HTTP handler hosting both POST /eval and the
// /socket upgrade, with the teacher's middleware chain, CORS, and a
// per-IP rate limit in front of the mutating endpoint.
func BuildRouter(cfg config.Config, evalSrv *httpserver.Server, wsSrv *wsserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(120, time.Minute))
		wr.Use(httpserver.TimeoutMiddleware(requestTimeout))
		wr.Post("/eval", evalSrv.Eval())
	})

	r.Get("/socket", wsSrv.Handler())

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return httpserver.SecurityHeaders(r)
}
