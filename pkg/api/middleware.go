package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/degrade"
)

// Request-scoped value keys.
const (
	identityKey    = "bridge.identity"
	correlationKey = "bridge.correlation"
)

// currentIdentity returns the identity bearerAuth stored for this request.
func currentIdentity(c *echo.Context) auth.Identity {
	ident, _ := c.Get(identityKey).(auth.Identity)
	return ident
}

// correlation returns the request's correlation id.
func correlation(c *echo.Context) string {
	corr, _ := c.Get(correlationKey).(string)
	return corr
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// correlationID propagates the caller's X-Correlation-Id, generating one when
// the header is absent, and echoes it on the response so every operation is
// traceable end to end.
func correlationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			corr := c.Request().Header.Get("X-Correlation-Id")
			if corr == "" {
				corr = uuid.NewString()
			}
			c.Set(correlationKey, corr)
			c.Response().Header().Set("X-Correlation-Id", corr)
			return next(c)
		}
	}
}

// bearerAuth resolves the Authorization header to an identity and stores it
// on the request. Requests without a valid bearer token never reach a
// handler.
func (s *Server) bearerAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return writeError(c, bridgeerr.New(bridgeerr.KindUnauthenticated, "authorization header must carry a bearer token"))
			}
			ident, err := s.auth.Authenticate(strings.TrimSpace(token))
			if err != nil {
				return writeError(c, err)
			}
			c.Set(identityKey, ident)
			return next(c)
		}
	}
}

// gate refuses the request when the degradation controller does not permit
// the route's operation class in the current system state.
func (s *Server) gate(op degrade.Op) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if err := s.controller.Gate(op); err != nil {
				return writeError(c, err)
			}
			return next(c)
		}
	}
}

// requestLogger logs one line per handled request. Health and metrics probes
// are skipped to keep the log readable.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Request().URL.Path
			if path == "/health" || path == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			status := 0
			if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = res.Status
			}
			slog.Info("Request handled",
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"agent_id", currentIdentity(c).AgentID,
				"correlation", correlation(c))
			return err
		}
	}
}

// forbidden is the uniform refusal for a missing scope grant.
func forbidden(action string) *bridgeerr.Error {
	return bridgeerr.Newf(bridgeerr.KindForbidden, "scope %s is required", action)
}
