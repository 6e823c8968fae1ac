// Package channel implements a named method-channel surface: a caller invokes
// a method with an argument map on a channel and receives exactly one reply
// (success, error, or not implemented).
package channel

import (
	"fmt"
	"strconv"
)

// Arguments is a loosely typed argument map. Accessors never panic on a
// missing key or a value of the wrong type.
type Arguments map[string]any

// Has reports whether key is present with a non-nil value.
func (a Arguments) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

// String returns the value at key as a string. Numbers are formatted; other
// types yield "", false.
func (a Arguments) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

// StringOr returns the first present string among keys, or "".
func (a Arguments) StringOr(keys ...string) string {
	for _, k := range keys {
		if s, ok := a.String(k); ok {
			return s
		}
	}
	return ""
}

// Bool returns the value at key, or def when absent or not a bool.
func (a Arguments) Bool(key string, def bool) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// BoolOr returns the first present bool among keys, or def.
func (a Arguments) BoolOr(def bool, keys ...string) bool {
	for _, k := range keys {
		if a.Has(k) {
			return a.Bool(k, def)
		}
	}
	return def
}

// Map returns a nested argument map.
func (a Arguments) Map(key string) (Arguments, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, false
	}
	switch m := v.(type) {
	case map[string]any:
		return Arguments(m), true
	case Arguments:
		return m, true
	case map[string]string:
		out := make(Arguments, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}
