package redact

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Mask replaces the value of any field whose name matches a sensitive key.
// Redacting an already-masked value leaves it unchanged.
const Mask = "*****"

// DefaultSensitiveKeys are the field-name substrings masked in audit
// snapshots when no explicit list is configured. Matching is
// case-insensitive substring, so "userPassword" and "API_KEY" both match.
var DefaultSensitiveKeys = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"authorization",
	"cookie",
	"api_key",
	"apikey",
	"credit",
	"ssn",
	"national_id",
}

// Redact returns a copy of v with values of matching keys replaced by Mask.
// It never mutates v. Non-object inputs pass through unchanged. Cyclic maps
// and slices are tolerated; a branch already visited on the current path is
// dropped rather than recursed into.
func Redact(v any, sensitiveKeys []string) any {
	out, ok := redactValue(v, sensitiveKeys, map[uintptr]struct{}{})
	if !ok {
		return nil
	}
	return out
}

func redactValue(v any, keys []string, seen map[uintptr]struct{}) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, false
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, len(val))
		for k, child := range val {
			if keyMatches(k, keys) {
				out[k] = Mask
				continue
			}
			if c, ok := redactValue(child, keys, seen); ok {
				out[k] = c
			}
		}
		return out, true
	case []any:
		if len(val) == 0 {
			return val, true
		}
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, false
		}
		seen[ptr] = struct{}{}
		out := make([]any, 0, len(val))
		for _, child := range val {
			if c, ok := redactValue(child, keys, seen); ok {
				out = append(out, c)
			}
		}
		return out, true
	default:
		return v, true
	}
}

func keyMatches(key string, sensitiveKeys []string) bool {
	lower := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if sk != "" && strings.Contains(lower, strings.ToLower(sk)) {
			return true
		}
	}
	return false
}

// Marshal serializes v to JSON, omitting any map or slice already visited so
// self-referential structures terminate instead of recursing forever.
func Marshal(v any) ([]byte, error) {
	clean, ok := pruneValue(v, map[uintptr]struct{}{})
	if !ok {
		clean = nil
	}
	return json.Marshal(clean)
}

func pruneValue(v any, seen map[uintptr]struct{}) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, false
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, len(val))
		for k, child := range val {
			if c, ok := pruneValue(child, seen); ok {
				out[k] = c
			}
		}
		return out, true
	case []any:
		if len(val) == 0 {
			return val, true
		}
		ptr := reflect.ValueOf(val).Pointer()
		if _, dup := seen[ptr]; dup {
			return nil, false
		}
		seen[ptr] = struct{}{}
		out := make([]any, 0, len(val))
		for _, child := range val {
			if c, ok := pruneValue(child, seen); ok {
				out = append(out, c)
			}
		}
		return out, true
	default:
		return v, true
	}
}
