package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/framebridge/internal/config"
	"github.com/zhouzirui/framebridge/internal/handler/events"
	"github.com/zhouzirui/framebridge/internal/handler/polling"
	"github.com/zhouzirui/framebridge/internal/handler/relay"
	"github.com/zhouzirui/framebridge/internal/handler/workflow"
	middlewarePkg "github.com/zhouzirui/framebridge/internal/middleware"
	workflowModel "github.com/zhouzirui/framebridge/internal/model/workflow"
	pollingService "github.com/zhouzirui/framebridge/internal/service/polling"
	"github.com/zhouzirui/framebridge/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(cfg *config.Config, broker *pollingService.Broker, workflows workflowModel.Store, hub *relay.Hub, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins))

	// Frame relay for host and client sides
	relay.New(hub, cfg.Server.AllowedOrigins, logger).RegisterRoutes(r)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		polling.New(broker, workflows, cfg.Polling.SendTimeout, logger).RegisterRoutes(api)
		workflow.New(workflows).RegisterRoutes(api)
		events.New(broker, events.DefaultHeartbeat, logger).RegisterRoutes(api)
	})

	return r
}

// accessLog keeps the long-poll endpoint at debug level; it fires every
// wait budget per client.
func accessLog(r *http.Request, status, size int, duration time.Duration) {
	event := hlog.FromRequest(r).Info()
	if r.URL.Path == "/api/poll" && status == http.StatusOK {
		event = hlog.FromRequest(r).Debug()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}
