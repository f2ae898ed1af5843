package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/oncall/internal/api"
	"github.com/linnemanlabs/oncall/internal/authmw"
	"github.com/linnemanlabs/oncall/internal/postgres"
)

// maxBody bounds request bodies. A full alert batch is 500 entries.
const maxBody = 1 << 20

// newRouter builds the chi router for the main listener. Middleware added
// here sees the matched route; /api/v1 additionally requires the bearer
// token (when set) and runs under the request timeout.
func newRouter(a *api.API, token string, timeout time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// names the server span and log lines after the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// db query histogram is labelled by request method
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(token))
		r.Use(middleware.Timeout(timeout))
		a.RegisterRoutes(r)
	})
	return r
}

// wrapHandler applies the outer middleware, innermost first. Each wrapper
// sees the request before the ones listed above it, so request ids, client
// ip and panic recovery cover everything downstream.
func wrapHandler(r http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, ipOpts httpmw.ClientIPOptions) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isProbe(r.URL.Path)
		}),
		// renamed to the route pattern by AnnotateHTTPRoute once chi matches
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(ipOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func isProbe(path string) bool {
	return path == "/-/healthy" || path == "/-/ready"
}
