// Package api provides the camwatch HTTP API: REST endpoints to queue scans
// and geolocation lookups, manage detection rules and read stored results,
// a websocket that streams bus messages, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/camwatch/internal/api/handlers"
	"github.com/anstrom/camwatch/internal/api/middleware"
	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
)

// Dependencies are the components the API serves. Store and Database are
// optional and stay nil when persistence is disabled.
type Dependencies struct {
	Pipeline apihandlers.Pipeline
	Bus      *bus.Bus
	Store    apihandlers.ResultStore
	Database apihandlers.DatabasePinger
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *apihandlers.Hub
	logger     *logging.Logger
	metrics    *metrics.Metrics
	listener   net.Listener
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil || deps.Bus == nil {
		return nil, fmt.Errorf("api server requires a pipeline and a bus")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	s := &Server{
		router:  mux.NewRouter(),
		logger:  deps.Logger.WithComponent("api"),
		metrics: deps.Metrics,
		hub:     apihandlers.NewHub(deps.Bus, deps.Logger),
	}

	s.setupRoutes(deps)
	s.setupMiddleware(&cfg.API)

	s.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      s.handler(&cfg.API),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}
	return s, nil
}

// Start listens and serves until ctx is canceled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on an existing listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.listener = listener
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.hub.Close()
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler including the outer middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Address returns the configured address, or the bound one once serving.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Hub returns the websocket hub.
func (s *Server) Hub() *apihandlers.Hub {
	return s.hub
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	health := apihandlers.NewHealthHandler(deps.Pipeline, deps.Database, deps.Logger)
	scans := apihandlers.NewScanHandler(deps.Pipeline, deps.Logger)
	geo := apihandlers.NewGeolocationHandler(deps.Pipeline, deps.Store, deps.Logger)
	rules := apihandlers.NewRulesHandler(deps.Pipeline, deps.Logger)
	results := apihandlers.NewResultsHandler(deps.Store, deps.Logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.CreateScans).Methods(http.MethodPost)
	api.HandleFunc("/geolocation", geo.Enqueue).Methods(http.MethodPost)
	api.HandleFunc("/geolocation/{address}", geo.Get).Methods(http.MethodGet)
	api.HandleFunc("/rules", rules.List).Methods(http.MethodGet)
	api.HandleFunc("/rules", rules.Add).Methods(http.MethodPost)
	api.HandleFunc("/results", results.List).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)

	s.allowMethods()
	s.router.NotFoundHandler = s.unmatched(apihandlers.NotFound)
}

// allowMethods adds a catch-all route per path that answers 405 and lists
// the methods the path accepts. mux loses a method mismatch once a later
// route in the same subrouter matches the prefix, and would answer 404.
func (s *Server) allowMethods() {
	allowed := make(map[string][]string)
	var paths []string
	_ = s.router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tmpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		if _, ok := allowed[tmpl]; !ok {
			paths = append(paths, tmpl)
		}
		allowed[tmpl] = append(allowed[tmpl], methods...)
		return nil
	})

	for _, tmpl := range paths {
		allow := strings.Join(allowed[tmpl], ", ")
		s.router.Path(tmpl).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Allow", allow)
			apihandlers.MethodNotAllowed(w, r)
		})
	}
}

// unmatched wraps the not found handler in the request ID, logging and
// metrics middleware that mux only applies to matched routes.
func (s *Server) unmatched(h http.HandlerFunc) http.Handler {
	return middleware.RequestID()(middleware.Logging(s.logger)(middleware.Metrics(s.metrics)(h)))
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware(apiConfig *config.APIConfig) {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.MaxBodySize(apiConfig.MaxRequestSize))
	s.router.Use(middleware.ContentType())
}

// handler wraps the router with CORS, which has to see preflight requests
// before mux rejects the OPTIONS method.
func (s *Server) handler(apiConfig *config.APIConfig) http.Handler {
	var h http.Handler = s.router
	if len(apiConfig.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(apiConfig.CORSOrigins),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		)(h)
	}
	return handlers.ProxyHeaders(h)
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"service": "camwatch API",
		"version": "v1",
		"endpoints": map[string]string{
			"health":      "/api/v1/health",
			"scans":       "/api/v1/scans",
			"geolocation": "/api/v1/geolocation",
			"rules":       "/api/v1/rules",
			"results":     "/api/v1/results",
			"websocket":   "/api/v1/ws",
			"metrics":     "/metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}
