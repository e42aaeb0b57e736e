package eventlog

import "strings"

// Filter selects events during reads and subscriptions. Zero value matches
// everything. Dimensions combine with AND; entries within a dimension with
// OR.
type Filter struct {
	// Streams are stream id prefixes. "agent:" matches every agent stream,
	// "agent:researcher-2" matches exactly that agent's stream (and any
	// stream it prefixes).
	Streams []string

	// Types restricts to the listed event types.
	Types []Type

	// Correlation restricts to events carrying this correlation id.
	Correlation string

	// Session restricts to events carrying this session id.
	Session string
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return len(f.Streams) == 0 && len(f.Types) == 0 && f.Correlation == "" && f.Session == ""
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if len(f.Streams) > 0 {
		ok := false
		for _, prefix := range f.Streams {
			if strings.HasPrefix(e.StreamID, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Correlation != "" && e.Causality.Correlation != f.Correlation {
		return false
	}
	if f.Session != "" && e.Causality.Session != f.Session {
		return false
	}
	return true
}

// TypeFilter is a convenience constructor for a types-only filter.
func TypeFilter(types ...Type) Filter {
	return Filter{Types: types}
}

// StreamFilter is a convenience constructor for a stream-prefix-only filter.
func StreamFilter(prefixes ...string) Filter {
	return Filter{Streams: prefixes}
}
