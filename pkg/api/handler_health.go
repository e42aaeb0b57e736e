package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/projection"
	"github.com/agentbridge/bridge/pkg/version"
)

// healthHandler handles GET /health: unauthenticated liveness plus the
// controller's component checks. Degraded still answers 200 — the process is
// alive and serving reads; the body says the rest.
func (s *Server) healthHandler(c *echo.Context) error {
	status := s.controller.Status()
	state := stateOrNormal(status.State)

	resp := &HealthResponse{
		Status:  "ok",
		State:   state,
		Version: version.GitCommit,
		Head:    s.log.Head(),
		Checks:  s.controller.Health(),
	}
	if state != projection.StateNormal {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}
