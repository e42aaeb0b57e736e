package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// dialStream opens the WebSocket feed with a bearer token. The caller owns
// the returned connection.
func (env *apiEnv) dialStream(ctx context.Context, t *testing.T, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + env.ts.URL[len("http"):] + "/api/v1/events/stream"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	return conn
}

// readEvent blocks for the next event frame.
func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn) eventlog.Event {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var ev eventlog.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestStreamCatchupThenLive(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.register(t, "tail-1",
		auth.ActionEventsWrite+":own", auth.ActionEventsRead+":own")

	appendFile := func(path string) {
		resp := env.do(t, http.MethodPost, "/api/v1/events", token, &AppendEventRequest{
			StreamID: "agent:tail-1",
			Type:     "file.mutated",
			Payload:  fileMutation(path, "create"),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	appendFile("/workspace/before1.txt")
	appendFile("/workspace/before2.txt")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := env.dialStream(ctx, t, token, "type=file.mutated")
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readEvent(ctx, t, conn)
	second := readEvent(ctx, t, conn)
	assert.Contains(t, string(first.Payload), "before1.txt")
	assert.Contains(t, string(second.Payload), "before2.txt")
	assert.True(t, first.ID.Less(second.ID))

	// Committed after the subscription: must arrive on the same connection
	// with no gap.
	appendFile("/workspace/after.txt")
	third := readEvent(ctx, t, conn)
	assert.Contains(t, string(third.Payload), "after.txt")
	assert.True(t, second.ID.Less(third.ID))
}

func TestStreamResume(t *testing.T) {
	env := newAPIEnv(t, nil)
	token := env.register(t, "resume-1",
		auth.ActionEventsWrite+":own", auth.ActionEventsRead+":own")

	var ids []eventlog.ID
	for _, path := range []string{"/workspace/r1.txt", "/workspace/r2.txt", "/workspace/r3.txt"} {
		resp := env.do(t, http.MethodPost, "/api/v1/events", token, &AppendEventRequest{
			StreamID: "agent:resume-1",
			Type:     "file.mutated",
			Payload:  fileMutation(path, "create"),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var out AppendEventResponse
		decode(t, resp, &out)
		ids = append(ids, out.EventID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := env.dialStream(ctx, t, token,
		"type=file.mutated&last_event_id="+ids[0].String())
	defer conn.Close(websocket.StatusNormalClosure, "")

	got := readEvent(ctx, t, conn)
	assert.Equal(t, ids[1], got.ID)
	got = readEvent(ctx, t, conn)
	assert.Equal(t, ids[2], got.ID)
}

func TestStreamRefusals(t *testing.T) {
	env := newAPIEnv(t, nil)

	dial := func(header http.Header, query string) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := "ws" + env.ts.URL[len("http"):] + "/api/v1/events/stream"
		if query != "" {
			url += "?" + query
		}
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	}

	t.Run("unauthenticated handshake", func(t *testing.T) {
		conn, resp, err := dial(nil, "")
		require.Error(t, err)
		require.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("no read grant", func(t *testing.T) {
		writeOnly := env.register(t, "mute-1", auth.ActionEventsWrite+":own")
		conn, resp, err := dial(http.Header{"Authorization": []string{"Bearer " + writeOnly}}, "")
		require.Error(t, err)
		require.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("malformed resume cursor", func(t *testing.T) {
		reader := env.register(t, "cursor-1", auth.ActionEventsRead+":own")
		conn, resp, err := dial(http.Header{"Authorization": []string{"Bearer " + reader}},
			"last_event_id=garbage")
		require.Error(t, err)
		require.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
