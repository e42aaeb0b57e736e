package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// newToken mints an opaque bearer token: 32 random bytes, hex encoded. The
// kernel never stores it; callers see it once in the register response.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// registerAgentHandler handles POST /api/v1/agents: register an agent and
// issue its first credential in one atomic batch. Re-registering an existing
// agent replaces its declared shape and rotates in a fresh token;
// reactivating a revoked agent works the same way.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	// 1. Bind and check the admin scope
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminAgents) {
		return writeError(c, forbidden(auth.ActionAdminAgents))
	}

	switch {
	case req.AgentID == "":
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "agent_id is required"))
	case req.AgentID == auth.BootstrapAgentID:
		return writeError(c, bridgeerr.Newf(bridgeerr.KindSchemaViolation, "agent id %q is reserved", auth.BootstrapAgentID))
	case len(req.Scopes) == 0:
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "at least one scope is required"))
	case req.TokenTTLMS < 0:
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "token_ttl_ms must not be negative"))
	}
	if _, err := auth.ParseScopes(req.Scopes); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "scopes"))
	}

	// 2. Mint the token; only its fingerprint reaches the log
	token, err := newToken()
	if err != nil {
		return writeError(c, err)
	}
	fp := auth.Fingerprint(token)
	var expiresAt time.Time
	if req.TokenTTLMS > 0 {
		expiresAt = time.Now().Add(time.Duration(req.TokenTTLMS) * time.Millisecond)
	}

	// 3. Registration and credential commit as one batch
	registered, err := eventlog.NewAgentRegistered(eventlog.AgentRegisteredPayload{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		RegisteredBy: ident.AgentID,
	})
	if err != nil {
		return writeError(c, err)
	}
	issued, err := eventlog.NewTokenIssued(eventlog.TokenIssuedPayload{
		AgentID:          req.AgentID,
		TokenFingerprint: fp,
		Scopes:           req.Scopes,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		return writeError(c, err)
	}
	corr := correlation(c)
	registered.Correlation, registered.Agent = corr, ident.AgentID
	issued.Correlation, issued.Agent = corr, ident.AgentID

	first, last, err := s.log.Append(c.Request().Context(), []eventlog.Draft{registered, issued})
	if err != nil {
		return writeError(c, err)
	}

	// 4. The token must authenticate on the caller's very next request
	if err := s.engine.WaitFor(c.Request().Context(), last); err != nil {
		return writeError(c, err)
	}

	resp := &RegisterAgentResponse{
		AgentID:          req.AgentID,
		Token:            token,
		TokenFingerprint: fp,
		Scopes:           req.Scopes,
		EventID:          first,
	}
	if !expiresAt.IsZero() {
		resp.ExpiresAt = &expiresAt
	}
	return c.JSON(http.StatusCreated, resp)
}

// revokeAgentHandler handles POST /api/v1/agents/:id/revoke. Revocation
// invalidates every token and capability the agent holds; in-flight requests
// already past authentication complete.
func (s *Server) revokeAgentHandler(c *echo.Context) error {
	// 1. Bind and check the admin scope
	agentID := c.Param("id")
	if agentID == "" {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "agent id is required"))
	}
	var req RevokeAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	if !ident.Allows(auth.ActionAdminAgents) {
		return writeError(c, forbidden(auth.ActionAdminAgents))
	}

	rec, ok := s.agents.Get(agentID)
	if !ok {
		return writeError(c, bridgeerr.Newf(bridgeerr.KindNotFound, "unknown agent %s", agentID))
	}
	if rec.Revoked {
		return writeError(c, bridgeerr.Newf(bridgeerr.KindTerminal, "agent %s is already revoked", agentID))
	}

	// 2. Record the revocation and wait until the authenticator sees it
	draft, err := eventlog.NewAgentRevoked(eventlog.AgentRevokedPayload{
		AgentID: agentID,
		Reason:  req.Reason,
	})
	if err != nil {
		return writeError(c, err)
	}
	draft.Correlation, draft.Agent = correlation(c), ident.AgentID

	id, err := s.log.AppendOne(c.Request().Context(), draft)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.engine.WaitFor(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, &RevokeAgentResponse{
		AgentID: agentID,
		EventID: id,
	})
}
