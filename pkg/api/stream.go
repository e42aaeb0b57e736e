package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// streamWriteTimeout bounds one WebSocket send.
const streamWriteTimeout = 10 * time.Second

// streamPingEvery keeps idle connections alive through proxies.
const streamPingEvery = 30 * time.Second

// streamBuffer is the hub buffer for one stream subscription. A consumer
// that falls further behind than this is parked and replays from the log.
const streamBuffer = 256

// streamEventsHandler handles GET /api/v1/events/stream: the resumable
// WebSocket feed. The client passes the usual filter dimensions as query
// parameters, plus optionally Last-Event-ID (header or last_event_id query
// parameter) to resume after the last event it processed.
//
// Delivery is catchup-then-live and gap-free: subscribe first, replay the
// log from the cursor, then drain the live feed, dropping the overlap by id.
// A subscription parked for lagging transparently repeats the cycle.
func (s *Server) streamEventsHandler(c *echo.Context) error {
	// 1. Parse the filter and the resume cursor
	filter := eventlog.Filter{
		Correlation: c.QueryParam("correlation"),
		Session:     c.QueryParam("session"),
	}
	if v := c.QueryParam("stream"); v != "" {
		filter.Streams = strings.Split(v, ",")
	}
	if v := c.QueryParam("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.Types = append(filter.Types, eventlog.Type(t))
		}
	}

	var cursor eventlog.ID
	lastRaw := c.Request().Header.Get("Last-Event-ID")
	if v := c.QueryParam("last_event_id"); v != "" {
		lastRaw = v
	}
	if lastRaw != "" {
		last, err := eventlog.ParseID(lastRaw)
		if err != nil {
			return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "invalid Last-Event-ID: "+err.Error()))
		}
		cursor = last.Next()
	}

	// 2. Narrow to readable streams before upgrading
	ident := currentIdentity(c)
	filter, ok := narrowToReadScope(ident, filter)
	if !ok {
		return writeError(c, forbidden(auth.ActionEventsRead))
	}

	// 3. Upgrade and serve until the client leaves or the hub shuts down
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}

	slog.Info("Stream subscriber connected",
		"agent_id", ident.AgentID,
		"streams", filter.Streams,
		"cursor", cursor)
	s.serveStream(c.Request().Context(), conn, ident, filter, cursor)
	return nil
}

// serveStream runs the catchup-then-live cycle until the connection drops.
// Blocks for the lifetime of the WebSocket.
func (s *Server) serveStream(ctx context.Context, conn *websocket.Conn, ident auth.Identity, filter eventlog.Filter, cursor eventlog.ID) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The client sends nothing the server acts on. CloseRead keeps a reader
	// running so control frames are handled and disconnects surface as
	// context cancellation.
	ctx = conn.CloseRead(ctx)

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		sub := s.hub.Subscribe(filter, streamBuffer)

		// Catch up from the log first. Events committed meanwhile sit in the
		// subscription buffer; the cursor comparison below drops the overlap.
		if err := s.replayFromLog(ctx, conn, ident, filter, &cursor); err != nil {
			sub.Close()
			return
		}

	live:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-ping.C:
				if err := pingConn(ctx, conn); err != nil {
					sub.Close()
					return
				}
			case ev, ok := <-sub.Events():
				if !ok {
					break live
				}
				if ev.ID.Less(cursor) {
					continue
				}
				if !ident.AllowsStream(auth.ActionEventsRead, ev.StreamID) {
					continue
				}
				if err := sendEvent(ctx, conn, ev); err != nil {
					sub.Close()
					return
				}
				cursor = ev.ID.Next()
			}
		}

		sub.Close()
		if !sub.Lagged() {
			// The hub shut down under us: the process is stopping.
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		slog.Info("Stream subscriber lagged, replaying from log",
			"subscription_id", sub.ID(), "agent_id", ident.AgentID, "cursor", cursor)
	}
}

// replayFromLog sends committed events from the cursor forward and advances
// it past everything sent.
func (s *Server) replayFromLog(ctx context.Context, conn *websocket.Conn, ident auth.Identity, filter eventlog.Filter, cursor *eventlog.ID) error {
	return s.log.Scan(ctx, *cursor, filter, func(ev eventlog.Event) error {
		if !ident.AllowsStream(auth.ActionEventsRead, ev.StreamID) {
			return nil
		}
		if err := sendEvent(ctx, conn, ev); err != nil {
			return err
		}
		*cursor = ev.ID.Next()
		return nil
	})
}

func sendEvent(ctx context.Context, conn *websocket.Conn, ev eventlog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func pingConn(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}
