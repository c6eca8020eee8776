package broadcast

import (
	"fmt"
	"math"
	"time"
)

// Supported audience filter fields:
//
//	all              bool    everyone (non-banned); other conditions are dropped
//	active_days      number  last activity within N days
//	registered_after string  "YYYY-MM-DD", registration on/after that date
//	has_orders       bool    at least one order
//	no_orders        bool    zero orders
//	min_orders       number  at least N orders
//
// Banned and opted-out users are excluded unconditionally by the audience
// store, regardless of filter content.

const dateLayout = "2006-01-02"

// ParseFilters validates f and produces the typed query. Any unknown
// field or malformed value yields a *FilterError; nothing is silently
// ignored, because the raw filter is persisted for audit and a typo there
// would target the wrong audience.
func ParseFilters(f Filters) (AudienceQuery, error) {
	var q AudienceQuery
	all := false

	for field, raw := range f {
		switch field {
		case "all":
			v, ok := asBool(raw)
			if !ok {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected bool, got %T", raw)}
			}
			all = v
		case "active_days":
			n, ok := asInt(raw)
			if !ok || n <= 0 {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected positive number, got %v", raw)}
			}
			t := time.Now().UTC().AddDate(0, 0, -n)
			q.ActiveSince = &t
		case "registered_after":
			s, ok := raw.(string)
			if !ok {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected %q string, got %T", dateLayout, raw)}
			}
			t, err := time.Parse(dateLayout, s)
			if err != nil {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("not a %q date: %q", dateLayout, s)}
			}
			q.RegisteredAfter = &t
		case "has_orders":
			v, ok := asBool(raw)
			if !ok {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected bool, got %T", raw)}
			}
			q.HasOrders = v
		case "no_orders":
			v, ok := asBool(raw)
			if !ok {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected bool, got %T", raw)}
			}
			q.NoOrders = v
		case "min_orders":
			n, ok := asInt(raw)
			if !ok || n <= 0 {
				return AudienceQuery{}, &FilterError{Field: field, Detail: fmt.Sprintf("expected positive number, got %v", raw)}
			}
			q.MinOrders = n
		default:
			return AudienceQuery{}, &FilterError{Field: field, Detail: "unknown field"}
		}
	}

	if q.HasOrders && q.NoOrders {
		return AudienceQuery{}, &FilterError{Field: "no_orders", Detail: "conflicts with has_orders"}
	}
	if all {
		// "all" wins over segment conditions (they were still validated).
		return AudienceQuery{}, nil
	}
	return q, nil
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt accepts the numeric shapes a JSON/YAML decode can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
