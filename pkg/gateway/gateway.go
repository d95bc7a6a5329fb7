// Package gateway implements the REST Gateway (C8): the northbound HTTP
// listener that matches an incoming request against the Registry's live
// MethodCatalog, drives the Orchestrator's Dispatch call, and shapes the
// result back into the REST envelope.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"bridge/pkg/config"
	"bridge/pkg/grpcpool"
	"bridge/pkg/logger"
	"bridge/pkg/metrics"
	"bridge/pkg/orchestrator"
	"bridge/pkg/registry"
	"bridge/pkg/swagger"
)

// Gateway wires the Registry's live catalog and the Orchestrator behind an
// http.Handler.
type Gateway struct {
	cfg     config.HTTPConfig
	admin   config.AdminConfig
	reg     *registry.Registry
	pool    *grpcpool.Pool
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	swagger *swagger.Handler

	upgrader  websocket.Upgrader
	startedAt time.Time
}

// New builds a Gateway. swaggerHandler may be nil when cfg.Swagger.Enabled
// is false.
func New(
	cfg config.HTTPConfig,
	admin config.AdminConfig,
	reg *registry.Registry,
	pool *grpcpool.Pool,
	orch *orchestrator.Orchestrator,
	m *metrics.Metrics,
	swaggerHandler *swagger.Handler,
) *Gateway {
	return &Gateway{
		cfg:     cfg,
		admin:   admin,
		reg:     reg,
		pool:    pool,
		orch:    orch,
		metrics: m,
		swagger: swaggerHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Router builds the complete chi.Mux: ambient middleware, the admin
// control-plane surface, the optional Swagger UI, and the dynamic
// `/{basePrefix}/{service}/...` dispatch route.
func (gw *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(gw.requestLogger)
	if gw.cfg.CORS.Enabled {
		r.Use(corsMiddleware(gw.cfg.CORS))
	}

	r.Get("/healthz", gw.handleLiveness)
	r.Get("/health", gw.handleHealth)
	r.Get("/health/ready", gw.handleHealth)
	r.Get("/health/live", gw.handleHealthLive)
	r.Get("/api/services", gw.handleListServices)

	if gw.admin.Enabled {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(gw.requireAdminToken)
			ar.Post("/services", gw.handleRegisterService)
			ar.Delete("/services/{service}", gw.handleDeregisterService)
			ar.Post("/services/{service}/instances", gw.handleAddInstance)
			ar.Delete("/services/{service}/instances/{instanceID}", gw.handleRemoveInstance)
		})
	}

	if gw.swagger != nil {
		r.Mount("/swagger", gw.swagger)
	}

	r.HandleFunc(gw.basePrefix()+"/*", gw.handleDispatch)

	return r
}

// basePrefix returns the configured base prefix, normalized to a leading
// slash and defaulting to "/api".
func (gw *Gateway) basePrefix() string {
	prefix := gw.cfg.BasePrefix
	if prefix == "" {
		prefix = "api"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

func corsMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}

func (gw *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (gw *Gateway) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// healthServices is the `services` object of the §6 health envelope.
type healthServices struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// healthBody is the shared `{status, uptime_s, services}` envelope returned
// by /health, /health/ready, and /health/live.
type healthBody struct {
	Status   string         `json:"status"`
	UptimeS  int64          `json:"uptime_s"`
	Services healthServices `json:"services"`
}

// serviceHealthTally walks every registered service's full instance set
// (not just the eligible snapshot Lookup returns) and buckets each instance
// as healthy (Healthy or Degraded or not-yet-probed Unknown) or unhealthy.
func (gw *Gateway) serviceHealthTally() healthServices {
	var svc healthServices
	for _, name := range gw.reg.Names() {
		instances, err := gw.reg.AllInstances(name)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			svc.Total++
			if inst.Health() == registry.HealthUnhealthy {
				svc.Unhealthy++
			} else {
				svc.Healthy++
			}
		}
	}
	return svc
}

func (gw *Gateway) writeHealthBody(w http.ResponseWriter, status string, statusCode int, svc healthServices) {
	body := healthBody{
		Status:   status,
		UptimeS:  int64(time.Since(gw.startedAt).Seconds()),
		Services: svc,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth backs both GET /health and GET /health/ready: readiness
// considers the Registry's live instance health, going "degraded" when some
// registered instances are unhealthy and "unavailable" (503) only when no
// registered instance of any service is left usable.
func (gw *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	svc := gw.serviceHealthTally()
	status := "ok"
	code := http.StatusOK
	switch {
	case svc.Total > 0 && svc.Healthy == 0:
		status, code = "unavailable", http.StatusServiceUnavailable
	case svc.Unhealthy > 0:
		status = "degraded"
	}
	gw.writeHealthBody(w, status, code, svc)
}

// handleHealthLive backs GET /health/live: the process is alive as long as
// it can answer, independent of backend instance health.
func (gw *Gateway) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	gw.writeHealthBody(w, "ok", http.StatusOK, gw.serviceHealthTally())
}
