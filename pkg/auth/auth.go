package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/projection"
)

// BootstrapAgentID is the identity behind the bootstrap token. It exists so
// a fresh deployment can register its first real agents; production traffic
// authenticates with issued tokens.
const BootstrapAgentID = "bootstrap"

// Fingerprint returns the hex SHA-256 of a token, the only form the kernel
// stores or logs.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Identity is an authenticated caller.
type Identity struct {
	AgentID          string
	Scopes           ScopeSet
	TokenFingerprint string
	Bootstrap        bool
}

// Allows reports whether the identity holds the action at all.
func (id Identity) Allows(action string) bool {
	return id.Scopes.Allows(action)
}

// AllowsStream reports whether the identity may act on one stream.
func (id Identity) AllowsStream(action, stream string) bool {
	return id.Scopes.AllowsStream(action, id.AgentID, stream)
}

// Authenticator resolves bearer tokens to identities through the agents
// projection, so a revocation event takes effect as soon as it is applied.
type Authenticator struct {
	agents          *projection.Agents
	bootstrapFP     string // hex SHA-256 of the bootstrap token, empty = disabled
	bootstrapScopes ScopeSet
	now             func() time.Time
}

// NewAuthenticator builds an authenticator. bootstrapToken may be empty to
// disable the bootstrap identity entirely.
func NewAuthenticator(agents *projection.Agents, bootstrapToken string) *Authenticator {
	a := &Authenticator{agents: agents, now: time.Now}
	if bootstrapToken != "" {
		a.bootstrapFP = Fingerprint(bootstrapToken)
		a.bootstrapScopes, _ = ParseScopes([]string{
			ActionEventsRead + ":" + QualifierAll,
			ActionEventsWrite + ":" + QualifierAll,
			ActionElicitationCreate,
			ActionElicitationRespond,
			ActionValidationCheck,
			ActionAdminDegrade,
			ActionAdminAgents,
		})
	}
	return a
}

// Authenticate resolves a bearer token. Unknown, revoked, and expired
// tokens all map to the same unauthenticated error so callers cannot probe
// which fingerprints exist.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, bridgeerr.New(bridgeerr.KindUnauthenticated, "missing bearer token")
	}
	fp := Fingerprint(token)

	if a.bootstrapFP != "" &&
		subtle.ConstantTimeCompare([]byte(fp), []byte(a.bootstrapFP)) == 1 {
		return Identity{
			AgentID:          BootstrapAgentID,
			Scopes:           a.bootstrapScopes,
			TokenFingerprint: fp,
			Bootstrap:        true,
		}, nil
	}

	tok, ok := a.agents.Token(fp)
	if !ok || subtle.ConstantTimeCompare([]byte(fp), []byte(tok.Fingerprint)) != 1 {
		return Identity{}, bridgeerr.New(bridgeerr.KindUnauthenticated, "unknown or revoked token")
	}
	if !tok.ExpiresAt.IsZero() && !a.now().Before(tok.ExpiresAt) {
		return Identity{}, bridgeerr.New(bridgeerr.KindUnauthenticated, "token expired")
	}

	scopes, err := ParseScopes(tok.Scopes)
	if err != nil {
		// A grant that no longer parses is a registry integrity problem,
		// not a caller mistake.
		return Identity{}, bridgeerr.Wrap(bridgeerr.KindIntegrity, err, "stored scopes unparsable")
	}
	return Identity{
		AgentID:          tok.AgentID,
		Scopes:           scopes,
		TokenFingerprint: fp,
	}, nil
}
