package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
	"github.com/agentbridge/bridge/pkg/projection"
)

// createElicitationHandler handles POST /api/v1/elicitations.
func (s *Server) createElicitationHandler(c *echo.Context) error {
	// 1. Bind and check the creator's scope
	var req CreateElicitationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionElicitationCreate) {
		return writeError(c, forbidden(auth.ActionElicitationCreate))
	}

	// 2. Create. The coordinator owns rate limiting, nonce and key
	// derivation, the append, and the projection wait.
	created, err := s.coord.Create(c.Request().Context(), elicitation.CreateInput{
		From:           ident.AgentID,
		To:             req.To,
		Kind:           req.Kind,
		Prompt:         req.Prompt,
		ResponseSchema: req.ResponseSchema,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		Correlation:    correlation(c),
		Session:        req.Session,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, &CreateElicitationResponse{
		ElicitationID: created.ID,
		EventID:       created.EventID,
		ExpiresAt:     created.ExpiresAt,
	})
}

// respondElicitationHandler handles POST /api/v1/elicitations/:id/respond.
// Addressee, signature, nonce, and schema checks all live in the
// coordinator; the handler contributes only the authenticated identity.
func (s *Server) respondElicitationHandler(c *echo.Context) error {
	// 1. Bind and check the responder's scope
	id := c.Param("id")
	if id == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "elicitation id is required"))
	}
	var req RespondElicitationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionElicitationRespond) {
		return writeError(c, forbidden(auth.ActionElicitationRespond))
	}

	// 2. Verify and record the terminal event
	evID, err := s.coord.Respond(c.Request().Context(), elicitation.RespondInput{
		ID:           id,
		Responder:    ident.AgentID,
		ResponseType: req.ResponseType,
		Response:     req.Response,
		Signature:    req.Signature,
		Correlation:  correlation(c),
		Session:      req.Session,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &RespondElicitationResponse{
		ElicitationID: id,
		EventID:       evID,
		Status:        projection.ElicitationResponded,
	})
}

// elicitationKeyHandler handles POST /api/v1/elicitations/:id/key: the
// authenticated key derivation. Only the addressee ever receives the key, so
// possession of a valid signature later proves who signed.
func (s *Server) elicitationKeyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "elicitation id is required"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionElicitationRespond) {
		return writeError(c, forbidden(auth.ActionElicitationRespond))
	}

	key, err := s.coord.ResponseKey(ident.AgentID, id)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &ResponseKeyResponse{
		ElicitationID: id,
		ResponseKey:   key,
	})
}

// pendingElicitationsHandler handles GET /api/v1/elicitations/pending/:agent.
// Agents poll their own queue; reading another agent's queue needs a read
// grant covering the elicitation namespace.
func (s *Server) pendingElicitationsHandler(c *echo.Context) error {
	agent := c.Param("agent")
	if agent == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "agent id is required"))
	}
	ident := currentIdentity(c)
	if agent != ident.AgentID &&
		!ident.AllowsStream(auth.ActionEventsRead, eventlog.ElicitationStream("")) {
		return writeError(c, forbidden(auth.ActionEventsRead))
	}

	records := s.elics.PendingFor(agent)
	views := make([]ElicitationView, 0, len(records))
	for _, rec := range records {
		views = append(views, elicitationView(rec))
	}

	return c.JSON(http.StatusOK, &PendingElicitationsResponse{
		Agent:        agent,
		Elicitations: views,
	})
}

// getElicitationHandler handles GET /api/v1/elicitations/:id. Participants
// always see their own exchange; anyone else needs a covering read grant.
func (s *Server) getElicitationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "elicitation id is required"))
	}

	rec, ok := s.elics.Get(id)
	if !ok {
		return writeError(c, bridgeerr.Newf(bridgeerr.KindNotFound, "unknown elicitation %s", id))
	}

	ident := currentIdentity(c)
	if ident.AgentID != rec.From && ident.AgentID != rec.To &&
		!ident.AllowsStream(auth.ActionEventsRead, eventlog.ElicitationStream(id)) {
		return writeError(c, forbidden(auth.ActionEventsRead))
	}

	return c.JSON(http.StatusOK, elicitationView(rec))
}
