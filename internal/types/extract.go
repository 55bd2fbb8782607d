package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// COMMAND ARGUMENT EXTRACTION UTILITIES
// =============================================================================
//
// Command.Args values arrive either from Go callers (native types) or from
// decoded JSON (float64, string, bool, map[string]any, []any, json.Number).
// These helpers accept both so handlers never need bare type assertions.

// ExtractString extracts a string representation from an argument.
func ExtractString(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ExtractInt64 extracts an int64 value from an argument.
// Returns (value, true) on success, (0, false) if the type is incompatible.
func ExtractInt64(arg any) (int64, bool) {
	switch v := arg.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ExtractFloat64 extracts a float64 value from an argument.
// Returns (value, true) on success, (0, false) if the type is incompatible.
func ExtractFloat64(arg any) (float64, bool) {
	switch v := arg.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ExtractBool extracts a boolean value from an argument.
// Returns (value, true) on success, (false, false) if the type is incompatible.
func ExtractBool(arg any) (bool, bool) {
	switch v := arg.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// ExtractTime extracts a time.Time value from an argument.
// Strings are parsed as RFC 3339; integers are Unix milliseconds.
func ExtractTime(arg any) (time.Time, bool) {
	switch v := arg.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	case int64, int, float64, json.Number:
		ms, ok := ExtractInt64(v)
		if !ok {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	default:
		return time.Time{}, false
	}
}

// ExtractDuration extracts a time.Duration value from an argument.
// Strings use time.ParseDuration; numbers are nanoseconds.
func ExtractDuration(arg any) (time.Duration, bool) {
	switch v := arg.(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	default:
		n, ok := ExtractInt64(v)
		return time.Duration(n), ok
	}
}

// ArgString returns args[key] as a string, or "" when absent.
func ArgString(c Command, key string) string {
	v, ok := c.Args[key]
	if !ok {
		return ""
	}
	return ExtractString(v)
}

// ArgInt64 returns args[key] as an int64.
func ArgInt64(c Command, key string) (int64, bool) {
	v, ok := c.Args[key]
	if !ok {
		return 0, false
	}
	return ExtractInt64(v)
}

// ArgFloat64 returns args[key] as a float64.
func ArgFloat64(c Command, key string) (float64, bool) {
	v, ok := c.Args[key]
	if !ok {
		return 0, false
	}
	return ExtractFloat64(v)
}

// ArgBool returns args[key] as a bool.
func ArgBool(c Command, key string) (bool, bool) {
	v, ok := c.Args[key]
	if !ok {
		return false, false
	}
	return ExtractBool(v)
}

// ArgTime returns args[key] as a time.Time.
func ArgTime(c Command, key string) (time.Time, bool) {
	v, ok := c.Args[key]
	if !ok {
		return time.Time{}, false
	}
	return ExtractTime(v)
}
