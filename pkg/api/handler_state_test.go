package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/projection"
)

func (env *apiEnv) systemState(t *testing.T) StateResponse {
	t.Helper()
	resp := env.do(t, http.MethodGet, "/api/v1/state", bootstrapTestToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out StateResponse
	decode(t, resp, &out)
	return out
}

func TestStateEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)

	out := env.systemState(t)
	assert.Equal(t, projection.StateNormal, out.State)
	assert.Nil(t, out.DrainUntil)
	assert.NotEmpty(t, out.Checks)
	for _, check := range out.Checks {
		assert.True(t, check.Healthy, "check %s should pass on a fresh kernel", check.Component)
	}
	assert.Greater(t, out.Log.QueueCap, 0)
}

func TestDegradeLifecycle(t *testing.T) {
	env := newAPIEnv(t, nil)
	writer := env.register(t, "ops-writer-1",
		auth.ActionEventsWrite+":own", auth.ActionEventsRead+":own")
	requester := env.register(t, "ops-asker-1", auth.ActionElicitationCreate)
	approver := env.register(t, "ops-judge-1", auth.ActionElicitationRespond)

	// An exchange opened before the incident; its answer must still land
	// during the drain window.
	created := env.createElicitation(t, requester, CreateElicitationRequest{
		To:   "ops-judge-1",
		Kind: "approval",
	})
	key := env.responseKey(t, approver, created.ElicitationID)

	writeProbe := func() *http.Response {
		return env.do(t, http.MethodPost, "/api/v1/events", writer, &AppendEventRequest{
			StreamID: "agent:ops-writer-1",
			Type:     "file.mutated",
			Payload:  fileMutation("/workspace/probe.txt", "write"),
		})
	}

	t.Run("reason is required", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/degrade", bootstrapTestToken,
			&TransitionRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "schema_violation", errorKind(t, resp))
	})

	t.Run("operator scope is required", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/degrade", writer,
			&TransitionRequest{Reason: "drill"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "forbidden", errorKind(t, resp))
	})

	t.Run("operator forces emergency", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/degrade", bootstrapTestToken,
			&TransitionRequest{Reason: "storage failure drill"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out TransitionResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateEmergency, out.State)

		state := env.systemState(t)
		assert.Equal(t, projection.StateEmergency, state.State)
		assert.Equal(t, "storage failure drill", state.Reason)
		assert.NotNil(t, state.DrainUntil)
	})

	t.Run("writes are refused in emergency", func(t *testing.T) {
		resp := writeProbe()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", errorKind(t, resp))

		resp = env.do(t, http.MethodPost, "/api/v1/elicitations", requester,
			&CreateElicitationRequest{To: "ops-judge-1", Kind: "question"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", errorKind(t, resp))
	})

	t.Run("reads still pass", func(t *testing.T) {
		got := env.listEvents(t, writer, "")
		assert.NotNil(t, got.Events)
	})

	t.Run("pending responses drain", func(t *testing.T) {
		payload := json.RawMessage(`{"decision":"approved"}`)
		sig := signResponse(t, key, created.ElicitationID, "ops-judge-1", "accept", payload)
		resp := env.do(t, http.MethodPost, "/api/v1/elicitations/"+created.ElicitationID+"/respond",
			approver, &RespondElicitationRequest{ResponseType: "accept", Response: payload, Signature: sig})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("degrading twice is refused", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/degrade", bootstrapTestToken,
			&TransitionRequest{Reason: "again"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "terminal", errorKind(t, resp))
	})

	t.Run("recovery keeps writes off", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/recover", bootstrapTestToken,
			&TransitionRequest{Reason: "root cause addressed"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out TransitionResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateRecovering, out.State)

		probe := writeProbe()
		assert.Equal(t, http.StatusServiceUnavailable, probe.StatusCode)
		assert.Equal(t, "degraded", errorKind(t, probe))
	})

	t.Run("restore resumes normal operation", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/restore", bootstrapTestToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out TransitionResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateNormal, out.State)

		probe := writeProbe()
		assert.Equal(t, http.StatusCreated, probe.StatusCode)
		probe.Body.Close()
	})

	t.Run("restore from normal is refused", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/restore", bootstrapTestToken, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "terminal", errorKind(t, resp))
	})

	t.Run("recover from normal is refused", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/recover", bootstrapTestToken,
			&TransitionRequest{Reason: "nothing to recover from"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "terminal", errorKind(t, resp))
	})
}

func TestHealthReports(t *testing.T) {
	env := newAPIEnv(t, nil)

	report := func(component string, healthy bool, detail string) *http.Response {
		return env.do(t, http.MethodPost, "/api/v1/state/health", bootstrapTestToken,
			&ReportHealthRequest{Component: component, Healthy: healthy, Detail: detail})
	}

	t.Run("component is required", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/health", bootstrapTestToken,
			&ReportHealthRequest{Healthy: true})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "schema_violation", errorKind(t, resp))
	})

	t.Run("operator scope is required", func(t *testing.T) {
		peon := env.register(t, "medic-1", auth.ActionEventsRead+":own")
		resp := env.do(t, http.MethodPost, "/api/v1/state/health", peon,
			&ReportHealthRequest{Component: "indexer", Healthy: true})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "forbidden", errorKind(t, resp))
	})

	t.Run("noncritical failure is recorded, not escalated", func(t *testing.T) {
		resp := report("indexer", false, "replication lag")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out ReportHealthResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateNormal, out.State)

		state := env.systemState(t)
		require.Equal(t, projection.StateNormal, state.State)
		var found bool
		for _, check := range state.Checks {
			if check.Component == "indexer" {
				found = true
				assert.False(t, check.Healthy)
				assert.Equal(t, "replication lag", check.Detail)
			}
		}
		assert.True(t, found, "reported component missing from the health report")
	})

	t.Run("critical failure forces emergency", func(t *testing.T) {
		resp := report("vfs", false, "mount lost")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out ReportHealthResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateEmergency, out.State)
	})

	t.Run("restore is blocked while checks fail", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/v1/state/recover", bootstrapTestToken,
			&TransitionRequest{Reason: "remounted"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = env.do(t, http.MethodPost, "/api/v1/state/restore", bootstrapTestToken, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", errorKind(t, resp))
	})

	t.Run("healthy reports clear the path back", func(t *testing.T) {
		resp := report("vfs", true, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		resp = report("indexer", true, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp = env.do(t, http.MethodPost, "/api/v1/state/restore", bootstrapTestToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out TransitionResponse
		decode(t, resp, &out)
		assert.Equal(t, projection.StateNormal, out.State)
	})
}
