package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/navixy/telemetry-broker/monitoring"
	"github.com/navixy/telemetry-broker/security"
	"github.com/navixy/telemetry-broker/webhook"
)

// NewRouter builds the full route table, layering Recoverer/RequestID/ETag
// on the root router, then Compress/Timeout/CORS/Tracing/Metrics/Logging
// on an API subrouter.
func NewRouter(api *API, wh *webhook.Handler, enableMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(monitoring.ETagMiddleware)
	r.Use(middleware.RequestID)

	sub := chi.NewRouter()
	sub.Use(middleware.Compress(5))
	sub.Use(middleware.Timeout(15 * time.Second))
	sub.Use(security.CORSMiddleware)
	sub.Use(monitoring.TracingMiddleware)
	sub.Use(monitoring.MetricsMiddleware)
	sub.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		sub.Handle("/metrics", monitoring.PrometheusHandler())
	}

	sub.Get("/health", api.Health)
	sub.Get("/data", api.Data)
	sub.Get("/ble/positions", api.BlePositions)
	sub.Get("/trackers", api.Trackers)
	sub.Get("/api/trackers", api.Trackers)
	sub.Get("/api/ble", api.BleList)
	sub.Post("/ble/set-position", api.SetPosition)
	sub.Post("/ble/set-all-home", api.SetAllHome)

	sub.Post("/api/rutx11", wh.HandleScan)
	sub.Post("/api/rutx11/register", wh.HandleRegister)
	sub.Get("/api/rutx11/scanners", wh.HandleScanners)

	r.Mount("/", sub)
	return r
}
