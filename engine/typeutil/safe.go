// Package typeutil provides safe type assertion helpers using the comma-ok idiom.
//
// Configuration maps and gateway JSON bodies arrive as map[string]any; these
// helpers convert the dynamic values without panicking on a bad cast, with
// numeric widening for the int64 token counts that dominate the data model.
package typeutil

import (
	"fmt"
)

// SafeString safely asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault returns the string value, or defaultVal when the assertion fails.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt64 safely asserts value to int64.
// Handles float64 from JSON unmarshaling and the narrower int types.
func SafeInt64(value any) (int64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
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
	default:
		return 0, false
	}
}

// SafeInt64Default returns the int64 value, or defaultVal when the assertion fails.
func SafeInt64Default(value any, defaultVal int64) int64 {
	if i, ok := SafeInt64(value); ok {
		return i
	}
	return defaultVal
}

// SafeInt safely asserts value to int with the same widening as SafeInt64.
func SafeInt(value any) (int, bool) {
	i, ok := SafeInt64(value)
	return int(i), ok
}

// SafeIntDefault returns the int value, or defaultVal when the assertion fails.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeFloat64 safely asserts value to float64.
// Also handles the int types, common when TOML decodes whole numbers.
func SafeFloat64(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// SafeFloat64Default returns the float64 value, or defaultVal when the assertion fails.
func SafeFloat64Default(value any, defaultVal float64) float64 {
	if f, ok := SafeFloat64(value); ok {
		return f
	}
	return defaultVal
}

// SafeBool safely asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault returns the bool value, or defaultVal when the assertion fails.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// SafeMapStringAny safely asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeStringSlice safely asserts value to []string.
// Also handles []any containing strings, common from JSON.
func SafeStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}
	if s, ok := value.([]string); ok {
		return s, true
	}
	if anySlice, ok := value.([]any); ok {
		result := make([]string, 0, len(anySlice))
		for _, item := range anySlice {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

// SafeStringMap safely asserts value to map[string]string.
// Also handles map[string]any whose values are all strings, the shape
// message metadata takes after a round-trip through JSON.
func SafeStringMap(value any) (map[string]string, bool) {
	if value == nil {
		return nil, false
	}
	if m, ok := value.(map[string]string); ok {
		return m, true
	}
	if anyMap, ok := value.(map[string]any); ok {
		result := make(map[string]string, len(anyMap))
		for k, v := range anyMap {
			str, ok := v.(string)
			if !ok {
				return nil, false
			}
			result[k] = str
		}
		return result, true
	}
	return nil, false
}

// MustString asserts value to string or panics with a descriptive error.
// Use only after validation has guaranteed the type.
func MustString(value any, context string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	panic(fmt.Sprintf("typeutil.MustString: expected string, got %T at %s", value, context))
}
