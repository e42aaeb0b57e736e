package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentbridge/bridge/pkg/auth"
	"github.com/agentbridge/bridge/pkg/bridgeerr"
	"github.com/agentbridge/bridge/pkg/eventlog"
)

// maxBatchEvents bounds one atomic append request.
const maxBatchEvents = 100

// List pagination bounds for GET /api/v1/events.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// draftFromRequest turns one append request into a validated draft. The
// authenticated identity supplies the agent dimension and must hold
// events.write on the target stream.
func draftFromRequest(c *echo.Context, ident auth.Identity, req AppendEventRequest) (eventlog.Draft, error) {
	if req.StreamID == "" {
		return eventlog.Draft{}, bridgeerr.New(bridgeerr.KindSchemaViolation, "stream_id is required")
	}
	if !ident.AllowsStream(auth.ActionEventsWrite, req.StreamID) {
		return eventlog.Draft{}, forbidden(auth.ActionEventsWrite + " on " + req.StreamID)
	}

	parents := make([]eventlog.ID, 0, len(req.Parents))
	for _, raw := range req.Parents {
		id, err := eventlog.ParseID(raw)
		if err != nil {
			return eventlog.Draft{}, bridgeerr.Newf(bridgeerr.KindSchemaViolation, "malformed parent id %q", raw)
		}
		parents = append(parents, id)
	}

	draft := eventlog.Draft{
		StreamID:    req.StreamID,
		Type:        eventlog.Type(req.Type),
		Payload:     req.Payload,
		Parents:     parents,
		Correlation: correlation(c),
		Session:     req.Session,
		Agent:       ident.AgentID,
	}
	if err := draft.Validate(); err != nil {
		return eventlog.Draft{}, err
	}
	return draft, nil
}

// appendEventHandler handles POST /api/v1/events.
func (s *Server) appendEventHandler(c *echo.Context) error {
	// 1. Bind and validate the HTTP request
	var req AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	draft, err := draftFromRequest(c, ident, req)
	if err != nil {
		return writeError(c, err)
	}

	// 2. Rate limit, then hand the draft to the writer
	if err := s.limiter.Allow(ident.AgentID, auth.ClassEventsWrite); err != nil {
		return writeError(c, err)
	}
	id, err := s.log.AppendOne(c.Request().Context(), draft)
	if err != nil {
		return writeError(c, err)
	}

	// 3. Acked means durable
	return c.JSON(http.StatusCreated, &AppendEventResponse{
		EventID:  id,
		StreamID: draft.StreamID,
		Type:     string(draft.Type),
	})
}

// appendBatchHandler handles POST /api/v1/events/batch. The batch is one
// producer batch on the writer: it commits whole or not at all.
func (s *Server) appendBatchHandler(c *echo.Context) error {
	// 1. Bind and validate the HTTP request
	var req AppendBatchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	if len(req.Events) == 0 {
		return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "batch must contain at least one event"))
	}
	if len(req.Events) > maxBatchEvents {
		return writeError(c, bridgeerr.Newf(bridgeerr.KindSchemaViolation, "batch exceeds %d events", maxBatchEvents))
	}

	// 2. Every draft must pass scope and schema checks before any is queued
	ident := currentIdentity(c)
	drafts := make([]eventlog.Draft, 0, len(req.Events))
	for _, ev := range req.Events {
		draft, err := draftFromRequest(c, ident, ev)
		if err != nil {
			return writeError(c, err)
		}
		drafts = append(drafts, draft)
	}

	// 3. Rate limit counts the whole batch as one write call
	if err := s.limiter.Allow(ident.AgentID, auth.ClassEventsWrite); err != nil {
		return writeError(c, err)
	}
	first, last, err := s.log.Append(c.Request().Context(), drafts)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, &AppendBatchResponse{
		First: first,
		Last:  last,
		Count: len(drafts),
	})
}

// appendAsyncHandler handles POST /api/v1/events/async: fire-and-forget
// append. The request is validated and queued synchronously so schema and
// scope failures still surface, but the caller does not wait for the fsync
// ack; the returned correlation id finds the event once committed.
func (s *Server) appendAsyncHandler(c *echo.Context) error {
	// 1. Bind and validate the HTTP request
	var req AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}
	ident := currentIdentity(c)
	draft, err := draftFromRequest(c, ident, req)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.limiter.Allow(ident.AgentID, auth.ClassEventsWrite); err != nil {
		return writeError(c, err)
	}

	// 2. Submit without waiting for the ack. The detached context keeps the
	// ack path alive after this request returns; queue overflow is reported
	// to the caller because Append rejects ErrBusy before blocking.
	done := make(chan error, 1)
	go func() {
		_, err := s.log.AppendOne(context.WithoutCancel(c.Request().Context()), draft)
		if err != nil {
			slog.Warn("Async append failed",
				"stream_id", draft.StreamID,
				"type", draft.Type,
				"correlation", draft.Correlation,
				"error", err)
		}
		done <- err
	}()

	// Give fast failures (full queue, closed log) a short window to surface
	// synchronously so callers can back off instead of losing the event.
	select {
	case err := <-done:
		if err != nil {
			return writeError(c, err)
		}
	case <-time.After(asyncAckWindow):
	}

	return c.JSON(http.StatusAccepted, &AppendAsyncResponse{
		Correlation: draft.Correlation,
		Accepted:    1,
	})
}

// asyncAckWindow is how long an async append waits for an immediate
// rejection before detaching.
const asyncAckWindow = 5 * time.Millisecond

// listEventsHandler handles GET /api/v1/events: a filtered forward page over
// committed events. Scope prefixes narrow the scan; every event is still
// checked individually before it is returned.
func (s *Server) listEventsHandler(c *echo.Context) error {
	// 1. Parse query parameters
	var since eventlog.ID
	if v := c.QueryParam("since"); v != "" {
		id, err := eventlog.ParseID(v)
		if err != nil {
			return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "invalid since: "+err.Error()))
		}
		since = id
	}
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "limit must be a positive integer"))
		}
		limit = min(n, maxListLimit)
	}

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

	// 2. Narrow the scan to streams the identity may read
	ident := currentIdentity(c)
	filter, ok := narrowToReadScope(ident, filter)
	if !ok {
		return writeError(c, forbidden(auth.ActionEventsRead))
	}

	// 3. Scan and authorize each event
	events := make([]eventlog.Event, 0, limit)
	err := s.log.Scan(c.Request().Context(), since, filter, func(ev eventlog.Event) error {
		if !ident.AllowsStream(auth.ActionEventsRead, ev.StreamID) {
			return nil
		}
		events = append(events, ev)
		if len(events) == limit {
			return eventlog.ScanStop()
		}
		return nil
	})
	if err != nil {
		return writeError(c, err)
	}

	resp := &EventsResponse{Events: events}
	if len(events) == limit {
		resp.Next = events[len(events)-1].ID.Next().String()
	}
	return c.JSON(http.StatusOK, resp)
}

// queryEventsHandler handles POST /api/v1/events/query: the structured read
// with payload predicates, ordering, and offset pagination.
func (s *Server) queryEventsHandler(c *echo.Context) error {
	// 1. Bind and validate the HTTP request
	var req QueryEventsRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, bridgeerr.Wrap(bridgeerr.KindSchemaViolation, err, "invalid request body"))
	}

	q := eventlog.Query{
		Filter: eventlog.Filter{
			Streams:     req.Streams,
			Correlation: req.Correlation,
			Session:     req.Session,
		},
		Where:  req.Where,
		Order:  req.Order,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	for _, t := range req.Types {
		q.Filter.Types = append(q.Filter.Types, eventlog.Type(t))
	}
	if req.Since != "" {
		id, err := eventlog.ParseID(req.Since)
		if err != nil {
			return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "invalid since: "+err.Error()))
		}
		q.Since = id
	}
	if req.Until != "" {
		id, err := eventlog.ParseID(req.Until)
		if err != nil {
			return writeError(c, bridgeerr.New(bridgeerr.KindSchemaViolation, "invalid until: "+err.Error()))
		}
		q.Until = id
	}

	// 2. Narrow to readable streams
	ident := currentIdentity(c)
	filter, ok := narrowToReadScope(ident, q.Filter)
	if !ok {
		return writeError(c, forbidden(auth.ActionEventsRead))
	}
	q.Filter = filter

	// 3. Run the query and authorize each event
	events, err := s.log.Query(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	authorized := events[:0]
	for _, ev := range events {
		if ident.AllowsStream(auth.ActionEventsRead, ev.StreamID) {
			authorized = append(authorized, ev)
		}
	}

	return c.JSON(http.StatusOK, &EventsResponse{Events: authorized})
}

// narrowToReadScope intersects a requested filter with the identity's read
// grants. With unrestricted grants the filter passes through; otherwise the
// requested streams are kept only where a grant prefix covers them, and an
// empty request inherits the grant prefixes. ok=false means no overlap —
// nothing the caller asked for is readable.
func narrowToReadScope(ident auth.Identity, f eventlog.Filter) (eventlog.Filter, bool) {
	prefixes, all := ident.Scopes.StreamPrefixes(auth.ActionEventsRead, ident.AgentID)
	if all {
		return f, true
	}
	if len(prefixes) == 0 {
		return f, false
	}
	if len(f.Streams) == 0 {
		f.Streams = prefixes
		return f, true
	}
	var kept []string
	for _, want := range f.Streams {
		for _, grant := range prefixes {
			// Either direction: the grant covers the request, or the request
			// is broader and the grant narrows it.
			if strings.HasPrefix(want, grant) {
				kept = append(kept, want)
				break
			}
			if strings.HasPrefix(grant, want) {
				kept = append(kept, grant)
				break
			}
		}
	}
	if len(kept) == 0 {
		return f, false
	}
	f.Streams = kept
	return f, true
}
