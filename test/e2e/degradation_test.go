package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/api"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// TestDegradationSequence drives the state machine end to end through the
// operator API: emergency refuses new work but lets the exchange that was
// already open finish inside the drain window, recovery keeps writes refused,
// and restore reopens them. Every transition must land on the system stream
// in order.
func TestDegradationSequence(t *testing.T) {
	app := NewTestApp(t)

	operator := app.RegisterAgent(t, "sre-1", "admin.degrade", "events.read:system")
	writer := app.RegisterAgent(t, "builder-1", "events.write:own")
	requester := app.RegisterAgent(t, "planner-1", "elicitation.create")
	responder := app.RegisterAgent(t, "executor-1", "elicitation.respond")

	// Open an exchange while the system is healthy; it must stay answerable
	// through the emergency drain window.
	created := app.CreateElicitation(t, requester, api.CreateElicitationRequest{
		To:        "executor-1",
		Kind:      "approval",
		Prompt:    json.RawMessage(`{"question": "rotate the signing keys?"}`),
		TimeoutMS: 60_000,
	})

	ws, err := WSConnect(context.Background(), app.WSURL, operator, "stream=system")
	require.NoError(t, err)
	defer ws.Close()

	// Operator forces EMERGENCY.
	tr := app.Degrade(t, operator, "vfs failure drill")
	assert.Equal(t, "emergency", tr.State)
	assert.Equal(t, "sre-1", tr.By)

	_, err = ws.WaitForType(eventlog.TypeSystemDegraded, 3*time.Second)
	require.NoError(t, err)

	st := app.State(t, writer)
	assert.Equal(t, "emergency", st.State)
	assert.Equal(t, "vfs failure drill", st.Reason)
	require.NotNil(t, st.DrainUntil, "emergency opens a drain window")
	require.NotNil(t, st.ChangedAt)
	assert.True(t, st.DrainUntil.After(*st.ChangedAt))

	// New writes and new elicitations are refused.
	resp := app.do(t, http.MethodPost, "/api/v1/events", writer, api.AppendEventRequest{
		StreamID: "agent:builder-1",
		Type:     string(eventlog.TypeFileMutated),
		Payload:  fileMutation("/workspace/blocked.txt", "create"),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", errorKind(t, resp))

	resp = app.do(t, http.MethodPost, "/api/v1/elicitations", requester, api.CreateElicitationRequest{
		To:   "executor-1",
		Kind: "question",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", errorKind(t, resp))

	// The exchange opened before the emergency drains normally: key
	// derivation and the signed response both pass the gate.
	out := app.AcceptElicitation(t, responder, created.ElicitationID, "executor-1",
		json.RawMessage(`{"accepted": true}`))
	assert.Equal(t, "responded", out.Status)

	// Reads never went down.
	view := app.GetElicitation(t, requester, created.ElicitationID)
	assert.Equal(t, "responded", view.Status)

	// EMERGENCY → RECOVERING: reads and responses pass, writes still do not.
	tr = app.Recover(t, operator, "underlying volume replaced")
	assert.Equal(t, "recovering", tr.State)

	_, err = ws.WaitForType(eventlog.TypeSystemRecovering, 3*time.Second)
	require.NoError(t, err)

	resp = app.do(t, http.MethodPost, "/api/v1/events", writer, api.AppendEventRequest{
		StreamID: "agent:builder-1",
		Type:     string(eventlog.TypeFileMutated),
		Payload:  fileMutation("/workspace/still-blocked.txt", "create"),
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", errorKind(t, resp))

	// RECOVERING → NORMAL: writes flow again.
	tr = app.Restore(t, operator)
	assert.Equal(t, "normal", tr.State)

	_, err = ws.WaitForType(eventlog.TypeSystemRecovered, 3*time.Second)
	require.NoError(t, err)

	id := app.AppendFileMutation(t, writer, "agent:builder-1", "/workspace/allowed.txt", "create")
	assert.False(t, id.IsZero())
	assert.Equal(t, "normal", app.State(t, writer).State)

	// The whole sequence is on the log, in order.
	listed := app.ListEvents(t, operator, "stream=system")
	var transitions []eventlog.Type
	for _, ev := range listed.Events {
		switch ev.Type {
		case eventlog.TypeSystemDegraded, eventlog.TypeSystemRecovering, eventlog.TypeSystemRecovered:
			transitions = append(transitions, ev.Type)
		}
	}
	assert.Equal(t, []eventlog.Type{
		eventlog.TypeSystemDegraded,
		eventlog.TypeSystemRecovering,
		eventlog.TypeSystemRecovered,
	}, transitions)
}

// TestDegradeRequiresOperatorScope checks the transition endpoints refuse
// agents without the admin grant.
func TestDegradeRequiresOperatorScope(t *testing.T) {
	app := NewTestApp(t)
	writer := app.RegisterAgent(t, "builder-2", "events.write:own")

	resp := app.do(t, http.MethodPost, "/api/v1/state/degrade", writer,
		api.TransitionRequest{Reason: "not my call"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorKind(t, resp))

	// State stays readable and untouched.
	assert.Equal(t, "normal", app.State(t, writer).State)
}
