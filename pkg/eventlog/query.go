package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Query limits and defaults.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Predicate orders for Query results.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Predicate matches one dotted payload path against a scalar. Exactly one
// of Equals or Prefix must be set. Scalars compare by their JSON literal
// form ("true", "42", "1.50"); a path landing on an array matches if any
// element does.
type Predicate struct {
	Path   string `json:"path"`
	Equals string `json:"equals,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	hasEquals bool
}

// Query is a structured read over committed events. The log has no
// secondary indexes; queries scan the id range and filter, so callers bound
// them with Since/Until and Limit.
type Query struct {
	Since  ID     // inclusive lower bound
	Until  ID     // exclusive upper bound, zero = committed head
	Filter Filter // stream/type/correlation/session dimensions
	Where  []Predicate
	Order  string // OrderAsc (default) or OrderDesc
	Limit  int    // 0 = DefaultQueryLimit, capped at MaxQueryLimit
	Offset int    // skipped in the requested order
}

func (q *Query) normalize() error {
	switch q.Order {
	case "", OrderAsc:
		q.Order = OrderAsc
	case OrderDesc:
	default:
		return NewSchemaError("query", "order must be asc or desc")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		return NewSchemaError("query", "offset must not be negative")
	}
	for i := range q.Where {
		p := &q.Where[i]
		if p.Path == "" {
			return NewSchemaError("query", "predicate path is required")
		}
		p.hasEquals = p.Prefix == ""
		if p.Equals != "" && p.Prefix != "" {
			return NewSchemaError("query", "predicate takes equals or prefix, not both")
		}
	}
	return nil
}

// Query runs a structured query. Ascending queries stream and stop at the
// limit; descending ones scan the range keeping a bounded tail, since
// segments only read forward.
func (l *Log) Query(ctx context.Context, q Query) ([]Event, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}

	if q.Order == OrderAsc {
		skipped := 0
		out := make([]Event, 0, q.Limit)
		err := l.Scan(ctx, q.Since, q.Filter, func(ev Event) error {
			if !q.Until.IsZero() && !ev.ID.Less(q.Until) {
				return ScanStop()
			}
			if !matchWhere(ev, q.Where) {
				return nil
			}
			if skipped < q.Offset {
				skipped++
				return nil
			}
			out = append(out, ev)
			if len(out) == q.Limit {
				return ScanStop()
			}
			return nil
		})
		return out, err
	}

	keep := q.Offset + q.Limit
	var tail []Event
	err := l.Scan(ctx, q.Since, q.Filter, func(ev Event) error {
		if !q.Until.IsZero() && !ev.ID.Less(q.Until) {
			return ScanStop()
		}
		if !matchWhere(ev, q.Where) {
			return nil
		}
		tail = append(tail, ev)
		if len(tail) > keep {
			tail = tail[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first, then apply the offset from the newest end.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	if q.Offset >= len(tail) {
		return nil, nil
	}
	return tail[q.Offset:], nil
}

func matchWhere(ev Event, where []Predicate) bool {
	if len(where) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(ev.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return false
	}
	for _, p := range where {
		if !matchPredicate(doc, p) {
			return false
		}
	}
	return true
}

func matchPredicate(doc any, p Predicate) bool {
	v, ok := lookupPath(doc, p.Path)
	if !ok {
		return false
	}
	if arr, isArr := v.([]any); isArr {
		for _, elem := range arr {
			if matchScalar(elem, p) {
				return true
			}
		}
		return false
	}
	return matchScalar(v, p)
}

func matchScalar(v any, p Predicate) bool {
	s, ok := scalarString(v)
	if !ok {
		return false
	}
	if p.hasEquals {
		return s == p.Equals
	}
	return strings.HasPrefix(s, p.Prefix)
}

func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// scalarString renders a JSON scalar in its literal form.
func scalarString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "null", true
	default:
		return "", false
	}
}
