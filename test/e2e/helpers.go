package e2e

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/dispatch"
	"github.com/agentbridge/bridge/pkg/elicitation"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// do issues one request with a bearer token. Empty token sends no
// Authorization header.
func (app *TestApp) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// postJSON posts body, requires the expected status, and decodes into out
// when out is non-nil.
func (app *TestApp) postJSON(t *testing.T, path, token string, body, out any, expectedStatus int) {
	t.Helper()
	resp := app.do(t, http.MethodPost, path, token, body)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s", path)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// getJSON fetches path, requires the expected status, and decodes into out.
func (app *TestApp) getJSON(t *testing.T, path, token string, out any, expectedStatus int) {
	t.Helper()
	resp := app.do(t, http.MethodGet, path, token, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s", path)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// tryGet is the polling variant of getJSON: it reports false instead of
// failing the test, which keeps it safe inside require.Eventually conditions
// (testify runs those on their own goroutine).
func (app *TestApp) tryGet(token, path string, out any) bool {
	req, err := http.NewRequest(http.MethodGet, app.BaseURL+path, nil)
	if err != nil {
		return false
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

// errorKind decodes the error envelope and returns its kind.
func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var envelope api.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Error.Kind)
	return envelope.Error.Kind
}

// ────────────────────────────────────────────────────────────
// Agent Lifecycle Helpers
// ────────────────────────────────────────────────────────────

// RegisterAgent registers an agent through the bootstrap credential and
// returns its issued token.
func (app *TestApp) RegisterAgent(t *testing.T, agentID string, scopes ...string) string {
	t.Helper()
	var out api.RegisterAgentResponse
	app.postJSON(t, "/api/v1/agents", bootstrapToken, api.RegisterAgentRequest{
		AgentID: agentID,
		Scopes:  scopes,
	}, &out, http.StatusCreated)
	require.NotEmpty(t, out.Token)
	return out.Token
}

// RegisterExpert registers an agent carrying the expert capability, making it
// eligible for escalated validations.
func (app *TestApp) RegisterExpert(t *testing.T, agentID string, scopes ...string) string {
	t.Helper()
	var out api.RegisterAgentResponse
	app.postJSON(t, "/api/v1/agents", bootstrapToken, api.RegisterAgentRequest{
		AgentID:      agentID,
		Capabilities: []string{dispatch.ExpertCapability},
		Scopes:       scopes,
	}, &out, http.StatusCreated)
	require.NotEmpty(t, out.Token)
	return out.Token
}

// ────────────────────────────────────────────────────────────
// Event Helpers
// ────────────────────────────────────────────────────────────

// AppendFileMutation appends one file.mutated event onto stream and returns
// the assigned id.
func (app *TestApp) AppendFileMutation(t *testing.T, token, stream, path, op string) eventlog.ID {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"path": path, "op": op})
	require.NoError(t, err)
	var out api.AppendEventResponse
	app.postJSON(t, "/api/v1/events", token, api.AppendEventRequest{
		StreamID: stream,
		Type:     string(eventlog.TypeFileMutated),
		Payload:  payload,
	}, &out, http.StatusCreated)
	return out.EventID
}

// ListEvents fetches GET /api/v1/events with a raw query string.
func (app *TestApp) ListEvents(t *testing.T, token, rawQuery string) api.EventsResponse {
	t.Helper()
	path := "/api/v1/events"
	if rawQuery != "" {
		path += "?" + rawQuery
	}
	var out api.EventsResponse
	app.getJSON(t, path, token, &out, http.StatusOK)
	return out
}

// WaitForSecurityEvent polls the security stream through the bootstrap
// credential until an event of the given kind names the agent.
func (app *TestApp) WaitForSecurityEvent(t *testing.T, kind, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var out api.EventsResponse
		if !app.tryGet(bootstrapToken, "/api/v1/events?stream="+eventlog.SecurityStream, &out) {
			return false
		}
		for _, ev := range out.Events {
			var p eventlog.SecurityEventPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			if p.Kind == kind && p.AgentID == agentID {
				return true
			}
		}
		return false
	}, 3*time.Second, 25*time.Millisecond, "no %s security event for %s", kind, agentID)
}

// ────────────────────────────────────────────────────────────
// Elicitation Helpers
// ────────────────────────────────────────────────────────────

// CreateElicitation posts an elicitation and returns the create response.
func (app *TestApp) CreateElicitation(t *testing.T, token string, req api.CreateElicitationRequest) api.CreateElicitationResponse {
	t.Helper()
	var out api.CreateElicitationResponse
	app.postJSON(t, "/api/v1/elicitations", token, req, &out, http.StatusCreated)
	require.NotEmpty(t, out.ElicitationID)
	return out
}

// GetElicitation fetches one elicitation view.
func (app *TestApp) GetElicitation(t *testing.T, token, id string) api.ElicitationView {
	t.Helper()
	var out api.ElicitationView
	app.getJSON(t, "/api/v1/elicitations/"+id, token, &out, http.StatusOK)
	return out
}

// PendingElicitations fetches an agent's pending queue.
func (app *TestApp) PendingElicitations(t *testing.T, token, agentID string) []api.ElicitationView {
	t.Helper()
	var out api.PendingElicitationsResponse
	app.getJSON(t, "/api/v1/elicitations/pending/"+agentID, token, &out, http.StatusOK)
	return out.Elicitations
}

// ResponseKey derives the caller's response key for an elicitation.
func (app *TestApp) ResponseKey(t *testing.T, token, id string) string {
	t.Helper()
	var out api.ResponseKeyResponse
	app.postJSON(t, "/api/v1/elicitations/"+id+"/key", token, nil, &out, http.StatusOK)
	require.NotEmpty(t, out.ResponseKey)
	return out.ResponseKey
}

// SignResponse computes the response signature the way a responding agent
// does: HMAC over the canonical binding, keyed by the derived response key.
func SignResponse(t *testing.T, keyHex, id, agent, responseType string, payload json.RawMessage) string {
	t.Helper()
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	sig, err := elicitation.Sign(key, id, agent, responseType, payload)
	require.NoError(t, err)
	return sig
}

// Respond submits a signed response and returns the result.
func (app *TestApp) Respond(t *testing.T, token, id string, req api.RespondElicitationRequest) api.RespondElicitationResponse {
	t.Helper()
	var out api.RespondElicitationResponse
	app.postJSON(t, "/api/v1/elicitations/"+id+"/respond", token, req, &out, http.StatusOK)
	return out
}

// AcceptElicitation derives the key, signs, and submits an accept response in
// one step.
func (app *TestApp) AcceptElicitation(t *testing.T, token, id, agentID string, response json.RawMessage) api.RespondElicitationResponse {
	t.Helper()
	key := app.ResponseKey(t, token, id)
	sig := SignResponse(t, key, id, agentID, "accept", response)
	return app.Respond(t, token, id, api.RespondElicitationRequest{
		ResponseType: "accept",
		Response:     response,
		Signature:    sig,
	})
}

// ────────────────────────────────────────────────────────────
// Validation Helpers
// ────────────────────────────────────────────────────────────

// CheckValidation runs one synchronous validation check.
func (app *TestApp) CheckValidation(t *testing.T, token, tool string, args json.RawMessage) dispatch.Decision {
	t.Helper()
	out, err := app.checkValidation(token, tool, args)
	require.NoError(t, err)
	return out
}

// checkValidation is the goroutine-safe variant: escalated checks block until
// an expert answers, so tests run them alongside the expert loop.
func (app *TestApp) checkValidation(token, tool string, args json.RawMessage) (dispatch.Decision, error) {
	body, err := json.Marshal(api.CheckValidationRequest{Tool: tool, Args: args})
	if err != nil {
		return dispatch.Decision{}, err
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		app.BaseURL+"/api/v1/validations", bytes.NewReader(body))
	if err != nil {
		return dispatch.Decision{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return dispatch.Decision{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return dispatch.Decision{}, fmt.Errorf("POST /api/v1/validations: status %d", resp.StatusCode)
	}
	var out dispatch.Decision
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return dispatch.Decision{}, err
	}
	return out, nil
}

// ────────────────────────────────────────────────────────────
// System State Helpers
// ────────────────────────────────────────────────────────────

// State fetches the operator view of the system.
func (app *TestApp) State(t *testing.T, token string) api.StateResponse {
	t.Helper()
	var out api.StateResponse
	app.getJSON(t, "/api/v1/state", token, &out, http.StatusOK)
	return out
}

// Degrade forces the emergency state.
func (app *TestApp) Degrade(t *testing.T, token, reason string) api.TransitionResponse {
	t.Helper()
	var out api.TransitionResponse
	app.postJSON(t, "/api/v1/state/degrade", token, api.TransitionRequest{Reason: reason}, &out, http.StatusOK)
	return out
}

// Recover starts the recovery phase.
func (app *TestApp) Recover(t *testing.T, token, reason string) api.TransitionResponse {
	t.Helper()
	var out api.TransitionResponse
	app.postJSON(t, "/api/v1/state/recover", token, api.TransitionRequest{Reason: reason}, &out, http.StatusOK)
	return out
}

// Restore completes recovery back to normal operation.
func (app *TestApp) Restore(t *testing.T, token string) api.TransitionResponse {
	t.Helper()
	var out api.TransitionResponse
	app.postJSON(t, "/api/v1/state/restore", token, nil, &out, http.StatusOK)
	return out
}

// Health fetches the unauthenticated liveness view.
func (app *TestApp) Health(t *testing.T) api.HealthResponse {
	t.Helper()
	var out api.HealthResponse
	app.getJSON(t, "/health", "", &out, http.StatusOK)
	return out
}

// fileMutation renders a file.mutated payload inline.
func fileMutation(path, op string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"path":%q,"op":%q}`, path, op))
}
