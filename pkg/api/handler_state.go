package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/projection"
)

// stateHandler handles GET /api/v1/state: the degradation state plus the
// live checks and log vitals behind it. Any authenticated agent may read it;
// it is how agents decide to back off.
func (s *Server) stateHandler(c *echo.Context) error {
	status := s.controller.Status()

	resp := &StateResponse{
		State:   stateOrNormal(status.State),
		Reason:  status.Reason,
		By:      status.By,
		Checks:  s.controller.Health(),
		Log:     s.log.Stats(),
		Applied: s.engine.LastApplied(),
	}
	if !status.ChangedAt.IsZero() {
		t := status.ChangedAt
		resp.ChangedAt = &t
	}
	if !status.DrainUntil.IsZero() {
		t := status.DrainUntil
		resp.DrainUntil = &t
	}
	return c.JSON(http.StatusOK, resp)
}

// degradeHandler handles POST /api/v1/state/degrade: the operator-forced
// transition to EMERGENCY.
func (s *Server) degradeHandler(c *echo.Context) error {
	// 1. Bind and check the operator scope
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminDegrade) {
		return writeError(c, forbidden(auth.ActionAdminDegrade))
	}

	// 2. Transition and record it
	if err := s.controller.Degrade(c.Request().Context(), ident.AgentID, req.Reason); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &TransitionResponse{
		State:  projection.StateEmergency,
		Reason: req.Reason,
		By:     ident.AgentID,
	})
}

// recoverHandler handles POST /api/v1/state/recover: EMERGENCY → RECOVERING
// once the operator has addressed the root cause.
func (s *Server) recoverHandler(c *echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminDegrade) {
		return writeError(c, forbidden(auth.ActionAdminDegrade))
	}

	if err := s.controller.StartRecovery(c.Request().Context(), ident.AgentID, req.Reason); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &TransitionResponse{
		State:  projection.StateRecovering,
		Reason: req.Reason,
		By:     ident.AgentID,
	})
}

// restoreHandler handles POST /api/v1/state/restore: RECOVERING → NORMAL.
// Refused while any health check fails.
func (s *Server) restoreHandler(c *echo.Context) error {
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminDegrade) {
		return writeError(c, forbidden(auth.ActionAdminDegrade))
	}

	if err := s.controller.CompleteRecovery(c.Request().Context(), ident.AgentID); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &TransitionResponse{
		State: projection.StateNormal,
		By:    ident.AgentID,
	})
}

// reportHealthHandler handles POST /api/v1/state/health: the explicit health
// path for external collaborators. An unhealthy report for a critical
// component forces EMERGENCY, so the scope is the degradation-admin one.
func (s *Server) reportHealthHandler(c *echo.Context) error {
	// 1. Bind and check the operator scope
	var req ReportHealthRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	if req.Component == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "component is required"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminDegrade) {
		return writeError(c, forbidden(auth.ActionAdminDegrade))
	}

	// 2. Record the report; the controller decides whether it forces a
	// transition
	s.controller.ReportHealth(req.Component, req.Healthy, req.Detail)

	return c.JSON(http.StatusOK, &ReportHealthResponse{
		Component: req.Component,
		Healthy:   req.Healthy,
		State:     stateOrNormal(s.controller.Status().State),
	})
}

// stateOrNormal maps the zero-value state (an empty log) to normal.
func stateOrNormal(state string) string {
	if state == "" {
		return projection.StateNormal
	}
	return state
}
