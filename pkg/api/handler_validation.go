package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/dispatch"
)

// checkValidationHandler handles POST /api/v1/validations: the synchronous
// tiered decision for one intended tool call. The agent dimension of the
// fingerprint is always the authenticated caller — an agent cannot probe
// decisions on another agent's behalf.
func (s *Server) checkValidationHandler(c *echo.Context) error {
	// 1. Bind and check scope
	var req CheckValidationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionValidationCheck) {
		return writeError(c, forbidden(auth.ActionValidationCheck))
	}

	// 2. Walk the tiers. The dispatcher records the request and the decision
	// with its full tier trace; identical concurrent requests coalesce.
	decision, err := s.dispatcher.Check(c.Request().Context(), dispatch.Request{
		AgentID:     ident.AgentID,
		Tool:        req.Tool,
		Args:        req.Args,
		Correlation: correlation(c),
		Session:     req.Session,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, decision)
}
