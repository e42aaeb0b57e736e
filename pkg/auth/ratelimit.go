package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbridge/bridge/pkg/bridgeerr"
)

// Rate classes. Buckets are per (agent, class) so one noisy agent cannot
// starve the others.
const (
	ClassEventsWrite        = "events.write"
	ClassElicitationCreate  = "elicitation.create"
	ClassElicitationRespond = "elicitation.respond"
	ClassValidationCheck    = "validation.check"
)

// Limit is one class's refill rate and burst.
type Limit struct {
	PerMinute float64
	Burst     int
}

// DefaultLimits returns the class table used when configuration does not
// override it.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		ClassEventsWrite:        {PerMinute: 100, Burst: 200},
		ClassElicitationCreate:  {PerMinute: 10, Burst: 20},
		ClassElicitationRespond: {PerMinute: 20, Burst: 40},
		ClassValidationCheck:    {PerMinute: 300, Burst: 600},
	}
}

type bucket struct {
	lim     *rate.Limiter
	lastUse time.Time
}

// RateLimiter keeps a lazily created token bucket per (agent, class).
// Buckets idle past idleAfter are dropped opportunistically; a dropped
// bucket restarts full, which only ever errs in the caller's favor.
type RateLimiter struct {
	mu        sync.Mutex
	classes   map[string]Limit
	buckets   map[string]*bucket
	sweepAt   time.Time
	now       func() time.Time
	onLimited func(agentID, class string)
}

const bucketIdleAfter = time.Hour

// NewRateLimiter builds a limiter over the class table. Classes absent from
// the table are unlimited.
func NewRateLimiter(classes map[string]Limit) *RateLimiter {
	if classes == nil {
		classes = DefaultLimits()
	}
	return &RateLimiter{
		classes: classes,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// OnLimited registers a callback invoked whenever a request is rejected,
// used to record sampled security events.
func (r *RateLimiter) OnLimited(fn func(agentID, class string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLimited = fn
}

// Allow consumes one token from the agent's bucket for the class. A drained
// bucket yields RateLimited with a retry hint.
func (r *RateLimiter) Allow(agentID, class string) error {
	r.mu.Lock()
	limit, limited := r.classes[class]
	if !limited {
		r.mu.Unlock()
		return nil
	}

	now := r.now()
	key := agentID + "\x00" + class
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(limit.PerMinute/60), limit.Burst)}
		r.buckets[key] = b
	}
	b.lastUse = now
	r.sweepLocked(now)
	cb := r.onLimited
	r.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return bridgeerr.Newf(bridgeerr.KindRateLimited, "%s has no burst capacity", class)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		if cb != nil {
			cb(agentID, class)
		}
		return bridgeerr.Newf(bridgeerr.KindRateLimited, "%s rate exceeded", class).
			WithRetryAfter(delay)
	}
	return nil
}

// sweepLocked drops idle buckets at most once per idle window.
func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Before(r.sweepAt) {
		return
	}
	r.sweepAt = now.Add(bucketIdleAfter)
	for key, b := range r.buckets {
		if now.Sub(b.lastUse) >= bucketIdleAfter {
			delete(r.buckets, key)
		}
	}
}
