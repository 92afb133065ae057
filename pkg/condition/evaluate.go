package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/jsonutil"
)

// Evaluate interprets the tree against one fetched row. It is a pure
// function: no I/O, and the clock is injected via now so date predicates are
// testable. Row keys are raw column names; predicate fields are resolved
// through the mapping's role -> column map.
//
// Missing or unparsable row values evaluate the affected predicate to false
// (fail-closed: a malformed value never triggers an action). Unresolvable
// fields and unknown predicate kinds return an error, which the engine treats
// as a non-retryable configuration failure for the rule.
func Evaluate(n *Node, row map[string]any, fields map[string]string, now time.Time) (bool, error) {
	switch n.Op {
	case OpAll:
		// Logical AND; empty children evaluate to true.
		for i := range n.Children {
			ok, err := Evaluate(&n.Children[i], row, fields, now)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case OpAny:
		// Logical OR; empty children evaluate to false.
		for i := range n.Children {
			ok, err := Evaluate(&n.Children[i], row, fields, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if n.Pred == nil {
		return false, fmt.Errorf("condition node has neither combinator nor predicate")
	}
	return evaluatePredicate(n.Pred, row, fields, now)
}

func evaluatePredicate(p *Predicate, row map[string]any, fields map[string]string, now time.Time) (bool, error) {
	column, ok := fields[p.Field]
	if !ok {
		return false, fmt.Errorf("%w: %q", apperrors.ErrMappingField, p.Field)
	}

	value, present := row[column]
	if !present || value == nil {
		return false, nil
	}

	switch p.Kind {
	case PredEquals:
		return coerceString(value) == jsonutil.FlexibleStringValue(p.Value), nil
	case PredNotEquals:
		return coerceString(value) != jsonutil.FlexibleStringValue(p.Value), nil
	case PredContains:
		return strings.Contains(coerceString(value), jsonutil.FlexibleStringValue(p.Value)), nil
	case PredOlderThanDays:
		t, ok := parseRowTime(value)
		if !ok {
			return false, nil
		}
		return now.Sub(t) >= time.Duration(p.Days)*24*time.Hour, nil
	case PredNewerThanDays:
		t, ok := parseRowTime(value)
		if !ok {
			return false, nil
		}
		return now.Sub(t) < time.Duration(p.Days)*24*time.Hour, nil
	default:
		return false, fmt.Errorf("%w: %q", apperrors.ErrUnknownPredicate, p.Kind)
	}
}

// FormatRowValue renders a row value exactly the way predicates compare it.
// The engine uses it when exposing row fields to message templates, so what
// a condition matched is what the message says.
func FormatRowValue(v any) string {
	if v == nil {
		return ""
	}
	return coerceString(v)
}

// coerceString renders a row value into a comparable string form. Drivers
// hand back different Go types for the same logical value (int64 vs float64
// vs []byte), so comparisons happen on the string rendering.
func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// rowTimeLayouts are tried in order for string-typed date columns.
var rowTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseRowTime extracts a timestamp from a row value. Returns false for
// anything it cannot parse unambiguously.
func parseRowTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case string:
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case []byte:
		return parseRowTime(string(val))
	case int64:
		return timeFromEpoch(val)
	case float64:
		return timeFromEpoch(int64(val))
	default:
		return time.Time{}, false
	}
}

// timeFromEpoch interprets plausible unix-epoch numbers, in seconds or
// milliseconds. Values outside 2001-2286 (seconds) are rejected rather than
// guessed at.
func timeFromEpoch(n int64) (time.Time, bool) {
	const (
		minSeconds = int64(1e9)  // 2001-09-09
		maxSeconds = int64(1e10) // 2286-11-20
	)
	switch {
	case n >= minSeconds && n < maxSeconds:
		return time.Unix(n, 0), true
	case n >= minSeconds*1000 && n < maxSeconds*1000:
		return time.UnixMilli(n), true
	default:
		return time.Time{}, false
	}
}
