// Package api is the request gateway: the only component that knows about
// transport framing. Every call is authenticated, wrapped in a correlation
// id, gated by the degradation controller, and routed to the owning
// subsystem; internal components speak typed requests and events.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/config"
	"github.com/agentbridge/bridge/pkg/degrade"
	"github.com/agentbridge/bridge/pkg/dispatch"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/hub"
	"github.com/agentbridge/bridge/pkg/projection"
)

// Config wires the gateway to the kernel components it fronts.
type Config struct {
	Server config.ServerConfig

	Log    *eventlog.Log
	Hub    *hub.Hub
	Engine *projection.Engine

	Agents       *projection.Agents
	Elicitations *projection.Elicitations

	Auth    *auth.Authenticator
	Limiter *auth.RateLimiter

	Coordinator *elicitation.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Controller  *degrade.Controller
}

// Server is the HTTP surface for all external callers.
type Server struct {
	cfg        config.ServerConfig
	log        *eventlog.Log
	hub        *hub.Hub
	engine     *projection.Engine
	agents     *projection.Agents
	elics      *projection.Elicitations
	auth       *auth.Authenticator
	limiter    *auth.RateLimiter
	coord      *elicitation.Coordinator
	dispatcher *dispatch.Dispatcher
	controller *degrade.Controller

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the gateway and registers its routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:        cfg.Server,
		log:        cfg.Log,
		hub:        cfg.Hub,
		engine:     cfg.Engine,
		agents:     cfg.Agents,
		elics:      cfg.Elicitations,
		auth:       cfg.Auth,
		limiter:    cfg.Limiter,
		coord:      cfg.Coordinator,
		dispatcher: cfg.Dispatcher,
		controller: cfg.Controller,
		echo:       echo.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(correlationID())
	e.Use(requestLogger())

	// Liveness and scraping stay reachable without credentials.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	v1 := e.Group("/api/v1", s.bearerAuth())

	v1.POST("/events", s.appendEventHandler, s.gate(degrade.OpWrite))
	v1.POST("/events/batch", s.appendBatchHandler, s.gate(degrade.OpWrite))
	v1.POST("/events/async", s.appendAsyncHandler, s.gate(degrade.OpWrite))
	v1.GET("/events", s.listEventsHandler, s.gate(degrade.OpRead))
	v1.POST("/events/query", s.queryEventsHandler, s.gate(degrade.OpRead))
	v1.GET("/events/stream", s.streamEventsHandler, s.gate(degrade.OpRead))

	v1.POST("/elicitations", s.createElicitationHandler, s.gate(degrade.OpElicitationCreate))
	v1.POST("/elicitations/:id/respond", s.respondElicitationHandler, s.gate(degrade.OpElicitationRespond))
	v1.POST("/elicitations/:id/key", s.elicitationKeyHandler, s.gate(degrade.OpElicitationRespond))
	v1.GET("/elicitations/pending/:agent", s.pendingElicitationsHandler, s.gate(degrade.OpRead))
	v1.GET("/elicitations/:id", s.getElicitationHandler, s.gate(degrade.OpRead))

	v1.POST("/validations", s.checkValidationHandler, s.gate(degrade.OpWrite))

	v1.POST("/agents", s.registerAgentHandler, s.gate(degrade.OpWrite))
	v1.POST("/agents/:id/revoke", s.revokeAgentHandler, s.gate(degrade.OpControl))

	v1.GET("/state", s.stateHandler, s.gate(degrade.OpRead))
	v1.POST("/state/degrade", s.degradeHandler, s.gate(degrade.OpControl))
	v1.POST("/state/recover", s.recoverHandler, s.gate(degrade.OpControl))
	v1.POST("/state/restore", s.restoreHandler, s.gate(degrade.OpControl))
	v1.POST("/state/health", s.reportHealthHandler, s.gate(degrade.OpControl))
}

// Start serves until the listener fails or Shutdown is called. A clean
// shutdown surfaces as http.ErrServerClosed, which callers filter.
func (s *Server) Start() error {
	// The stream route is exempt from WriteTimeout: the WebSocket library
	// clears the connection deadline when it hijacks.
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	slog.Info("Gateway listening", "addr", s.cfg.Listen)
	return s.http.ListenAndServe()
}

// StartWithListener serves on a pre-bound listener. Tests use it to run on an
// OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	slog.Info("Gateway listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
