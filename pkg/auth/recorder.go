package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/eventlog"
)

// DefaultSampleEvery is the sampling stride for repeated security events of
// the same (kind, agent).
const DefaultSampleEvery = 100

// maxSampleKeys bounds the counter table; blowing past it resets sampling
// state, which only means the next occurrence per key is recorded again.
const maxSampleKeys = 4096

type sampleCount struct {
	total      int
	suppressed int // occurrences since the last recorded sample
}

// Recorder appends security events to the log with per-key sampling: the
// first occurrence always lands, then every Nth with a suppressed count, so
// a flood documents itself without becoming its own flood.
type Recorder struct {
	log   *eventlog.Log
	every int

	mu     sync.Mutex
	counts map[string]*sampleCount
}

// NewRecorder builds a recorder; every <= 0 applies DefaultSampleEvery.
func NewRecorder(log *eventlog.Log, every int) *Recorder {
	if every <= 0 {
		every = DefaultSampleEvery
	}
	return &Recorder{log: log, every: every, counts: make(map[string]*sampleCount)}
}

// Record notes one security occurrence and appends the sampled event when
// the stride says so. Append failures are logged, never propagated: a
// security event must not fail the operation that triggered it.
func (r *Recorder) Record(kind, agentID, detail string) {
	key := kind + "\x00" + agentID

	r.mu.Lock()
	if len(r.counts) > maxSampleKeys {
		r.counts = make(map[string]*sampleCount)
	}
	c, ok := r.counts[key]
	if !ok {
		c = &sampleCount{}
		r.counts[key] = c
	}
	c.total++
	record := c.total == 1 || c.suppressed+1 >= r.every
	suppressed := c.suppressed
	if record {
		c.suppressed = 0
	} else {
		c.suppressed++
	}
	r.mu.Unlock()

	if !record {
		return
	}

	draft, err := eventlog.NewSecurityEvent(eventlog.SecurityEventPayload{
		Kind:       kind,
		AgentID:    agentID,
		Detail:     detail,
		Suppressed: suppressed,
	})
	if err != nil {
		slog.Warn("Security event rejected by schema", "kind", kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.log.AppendOne(ctx, draft); err != nil {
		slog.Warn("Failed to record security event", "kind", kind, "agent_id", agentID, "error", err)
	}
}
