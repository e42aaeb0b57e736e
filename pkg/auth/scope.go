// Package auth authenticates bearer tokens against the agent registry and
// enforces the capability and rate-limit surface of the gateway. Tokens are
// opaque; the kernel only ever stores and compares their SHA-256
// fingerprints.
package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Actions form the closed capability grammar. A scope is an action plus an
// optional qualifier: "own", "all", or a stream prefix.
const (
	ActionEventsRead         = "events.read"
	ActionEventsWrite        = "events.write"
	ActionElicitationCreate  = "elicitation.create"
	ActionElicitationRespond = "elicitation.respond"
	ActionValidationCheck    = "validation.check"
	ActionValidationExpert   = "validation.expert"
	ActionAdminDegrade       = "admin.degrade"
	ActionAdminAgents        = "admin.agents"
)

const (
	QualifierOwn = "own"
	QualifierAll = "all"
)

var knownActions = map[string]bool{
	ActionEventsRead:         true,
	ActionEventsWrite:        true,
	ActionElicitationCreate:  true,
	ActionElicitationRespond: true,
	ActionValidationCheck:    true,
	ActionValidationExpert:   true,
	ActionAdminDegrade:       true,
	ActionAdminAgents:        true,
}

// Scope is one parsed grant.
type Scope struct {
	Action    string
	Qualifier string // empty means unqualified, which grants "all"
}

func (s Scope) String() string {
	if s.Qualifier == "" {
		return s.Action
	}
	return s.Action + ":" + s.Qualifier
}

// ParseScope parses "action" or "action:qualifier". Actions outside the
// closed set are rejected; qualifiers are free-form stream prefixes besides
// the reserved "own" and "all".
func ParseScope(raw string) (Scope, error) {
	action, qualifier, _ := strings.Cut(raw, ":")
	if !knownActions[action] {
		return Scope{}, fmt.Errorf("unknown scope action %q", action)
	}
	if strings.ContainsAny(qualifier, " \t\n") {
		return Scope{}, fmt.Errorf("malformed scope qualifier %q", qualifier)
	}
	return Scope{Action: action, Qualifier: qualifier}, nil
}

// ScopeSet is the effective grant set of one identity.
type ScopeSet struct {
	grants map[string][]string // action -> qualifiers
}

// ParseScopes parses a grant list. Duplicates collapse.
func ParseScopes(raw []string) (ScopeSet, error) {
	ss := ScopeSet{grants: make(map[string][]string, len(raw))}
	for _, r := range raw {
		s, err := ParseScope(r)
		if err != nil {
			return ScopeSet{}, err
		}
		quals := ss.grants[s.Action]
		found := false
		for _, q := range quals {
			if q == s.Qualifier {
				found = true
				break
			}
		}
		if !found {
			ss.grants[s.Action] = append(quals, s.Qualifier)
		}
	}
	return ss, nil
}

// Allows reports whether any grant covers the action, regardless of
// qualifier. Used for actions with no stream dimension.
func (ss ScopeSet) Allows(action string) bool {
	_, ok := ss.grants[action]
	return ok
}

// AllowsStream reports whether a grant covers the action on one stream.
// "all" and unqualified grants cover everything; "own" covers the agent's
// own stream; any other qualifier names a stream exactly, or a namespace
// when it ends with ":". "agent:coder-1" never covers "agent:coder-10".
func (ss ScopeSet) AllowsStream(action, agentID, stream string) bool {
	for _, q := range ss.grants[action] {
		switch q {
		case "", QualifierAll:
			return true
		case QualifierOwn:
			if stream == ownStream(agentID) {
				return true
			}
		default:
			if streamCovered(q, stream) {
				return true
			}
		}
	}
	return false
}

func streamCovered(grant, stream string) bool {
	if stream == grant {
		return true
	}
	return strings.HasSuffix(grant, ":") && strings.HasPrefix(stream, grant)
}

// StreamPrefixes resolves the action's grants to filter prefixes for the
// read path. all=true means unrestricted. The prefixes only narrow the
// scan; per-event authorization stays with AllowsStream.
func (ss ScopeSet) StreamPrefixes(action, agentID string) (prefixes []string, all bool) {
	for _, q := range ss.grants[action] {
		switch q {
		case "", QualifierAll:
			return nil, true
		case QualifierOwn:
			prefixes = append(prefixes, ownStream(agentID))
		default:
			prefixes = append(prefixes, q)
		}
	}
	return prefixes, false
}

// List renders the set back to scope strings, sorted.
func (ss ScopeSet) List() []string {
	var out []string
	for action, quals := range ss.grants {
		for _, q := range quals {
			out = append(out, Scope{Action: action, Qualifier: q}.String())
		}
	}
	sort.Strings(out)
	return out
}

// ownStream is the stream an "own" qualifier grants: the agent's lifecycle
// stream. Elicitations addressed to an agent are reached through the
// elicitation operations, not raw stream reads.
func ownStream(agentID string) string {
	return "agent:" + agentID
}
