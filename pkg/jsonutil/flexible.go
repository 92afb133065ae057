// Package jsonutil contains small helpers for tolerant JSON decoding.
// Tenant-authored rule and mapping JSON frequently carries numbers or
// booleans where the engine expects strings; these helpers normalize instead
// of erroring.
package jsonutil

import (
	"encoding/json"
	"strconv"
)

// FlexibleStringValue converts a json.RawMessage to its string rendering,
// accepting strings, numbers, and booleans. Returns "" for null or empty
// input. Unrecognized payloads fall back to the raw text.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}

	return string(raw)
}

// FlexibleInt extracts an int from a decoded JSON value, accepting float64
// (the default decoding of JSON numbers), int, and numeric strings.
func FlexibleInt(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
