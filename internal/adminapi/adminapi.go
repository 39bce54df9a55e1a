// Package adminapi implements the read-only operator surface (component
// §6 supplement): sync task status, cache health, and per-connector
// connectivity checks. It reuses the teacher's ada middleware chain and
// admin-token gate, trimmed to status routes — no provider/workflow/
// trigger CRUD and no embedded SPA.
package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/cortex/internal/cache"
	"github.com/rakunlabs/cortex/internal/config"
	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/synctask"
)

// ConnectorHealth checks connectivity for one registered connector instance.
// The subset of connector.Connector the health route needs.
type ConnectorHealth interface {
	TestConnectionAndAccess(ctx context.Context) error
}

// ConnectorLookup resolves a connector instance ID to its live Connector,
// or (nil, false) if no such instance is registered.
type ConnectorLookup func(id string) (ConnectorHealth, bool)

// Server exposes the admin status API over HTTP.
type Server struct {
	config config.Server

	server *ada.Server

	tasks      *synctask.Manager
	caches     *cache.Manager
	connectors ConnectorLookup
}

// New builds the admin API, wiring the same middleware chain
// (recover/cors/requestid/log/telemetry, plus forward-auth when configured)
// the teacher's gateway server used for every request.
func New(cfg config.Server, tasks *synctask.Manager, caches *cache.Manager, connectors ConnectorLookup) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:     cfg,
		server:     mux,
		tasks:      tasks,
		caches:     caches,
		connectors: connectors,
	}

	baseGroup := mux.Group(cfg.BasePath)
	if cfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	apiGroup := baseGroup.Group("/api")
	apiGroup.Use(s.adminAuthMiddleware())

	apiGroup.GET("/v1/sync-tasks", s.SyncTasksAPI)
	apiGroup.GET("/v1/cache/stats", s.CacheStatsAPI)
	apiGroup.GET("/v1/connectors", s.ConnectorTypesAPI)
	apiGroup.GET("/v1/connectors/{id}/health", s.ConnectorHealthAPI)

	return s
}

// Start serves the admin API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects every admin route with the same
// Authorization: Bearer <admin_token> gate the teacher's settings API used.
// If no admin_token is configured, every admin request is rejected: this
// surface is never meant to be open by default.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SyncTasksAPI lists every tracked connector sync task and its last-known
// status.
func (s *Server) SyncTasksAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, s.tasks.Snapshot(), http.StatusOK)
}

// CacheStatsAPI reports the llm/tool/retrieval cache manager's running
// counters, unfiltered: the manager never decides a stat is alarming, it
// just exposes it.
func (s *Server) CacheStatsAPI(w http.ResponseWriter, r *http.Request) {
	if s.caches == nil {
		httpResponseJSON(w, []cache.Stats{}, http.StatusOK)
		return
	}
	httpResponseJSON(w, s.caches.Stats(), http.StatusOK)
}

type connectorHealthResponse struct {
	ConnectorID string `json:"connector_id"`
	Healthy     bool   `json:"healthy"`
	Error       string `json:"error,omitempty"`
}

// ConnectorHealthAPI runs TestConnectionAndAccess against one connector
// instance and reports whether the upstream source is reachable.
func (s *Server) ConnectorHealthAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httpResponse(w, "missing connector id", http.StatusBadRequest)
		return
	}

	inst, ok := s.connectors(id)
	if !ok {
		httpResponse(w, "connector not found", http.StatusNotFound)
		return
	}

	resp := connectorHealthResponse{ConnectorID: id, Healthy: true}
	if err := inst.TestConnectionAndAccess(r.Context()); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}

	httpResponseJSON(w, resp, http.StatusOK)
}

// ConnectorTypesAPI lists every connector type registered via
// connector.RegisterType, for operators deciding what a new instance's
// "type" field can be set to.
func (s *Server) ConnectorTypesAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, connector.RegisteredTypes(), http.StatusOK)
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: msg})
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}
