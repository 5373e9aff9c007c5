// Package paramutil provides type-safe accessors for the loosely typed
// option maps that detector and positioner definitions carry after YAML
// decoding.
package paramutil

import (
	"fmt"

	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// GetRequiredString retrieves a required string option.
func GetRequiredString(params map[string]interface{}, key string) (string, error) {
	value, exists := params[key]
	if !exists {
		return "", scanerrors.NewValidationError(fmt.Sprintf("missing required option '%s'", key), nil)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a string, got %T", key, value), nil)
	}
	return strValue, nil
}

// GetOptionalString retrieves an optional string option. The second return
// value reports whether the key was present.
func GetOptionalString(params map[string]interface{}, key string) (string, bool, error) {
	value, exists := params[key]
	if !exists {
		return "", false, nil
	}
	strValue, ok := value.(string)
	if !ok {
		return "", false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a string, got %T", key, value), nil)
	}
	return strValue, true, nil
}

// GetOptionalStringSlice retrieves an optional list-of-strings option,
// converting from []interface{} as produced by the YAML decoder.
func GetOptionalStringSlice(params map[string]interface{}, key string) ([]string, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}
	if stringSlice, isStringSlice := value.([]string); isStringSlice {
		return stringSlice, true, nil
	}
	sliceValue, ok := value.([]interface{})
	if !ok {
		return nil, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a list, got %T", key, value), nil)
	}
	result := make([]string, 0, len(sliceValue))
	for i, item := range sliceValue {
		strItem, ok := item.(string)
		if !ok {
			return nil, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a list of strings, found %T at index %d", key, item, i), nil)
		}
		result = append(result, strItem)
	}
	return result, true, nil
}

// GetOptionalInt retrieves an optional integer option, coercing from the
// numeric types the YAML decoder may produce. Whole-valued floats convert;
// fractional floats are rejected.
func GetOptionalInt(params map[string]interface{}, key string) (int, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}
	switch v := value.(type) {
	case int:
		return v, true, nil
	case int32:
		return int(v), true, nil
	case int64:
		intValue := int(v)
		if int64(intValue) != v {
			return 0, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' value %v overflows int", key, v), nil)
		}
		return intValue, true, nil
	case float64:
		if v == float64(int(v)) {
			return int(v), true, nil
		}
		return 0, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' is a non-integer number (%v)", key, v), nil)
	default:
		return 0, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be an integer, got %T", key, value), nil)
	}
}

// GetOptionalFloat retrieves an optional float option, coercing from the
// numeric types the YAML decoder may produce.
func GetOptionalFloat(params map[string]interface{}, key string) (float64, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}
	switch v := value.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	default:
		return 0, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a number, got %T", key, value), nil)
	}
}

// GetOptionalBool retrieves an optional boolean option.
func GetOptionalBool(params map[string]interface{}, key string) (bool, bool, error) {
	value, exists := params[key]
	if !exists {
		return false, false, nil
	}
	boolValue, ok := value.(bool)
	if !ok {
		return false, false, scanerrors.NewValidationError(fmt.Sprintf("option '%s' must be a boolean, got %T", key, value), nil)
	}
	return boolValue, true, nil
}

// CheckRequired validates that every key in required exists in the map.
func CheckRequired(params map[string]interface{}, required []string) error {
	for _, key := range required {
		if _, exists := params[key]; !exists {
			return scanerrors.NewValidationError(fmt.Sprintf("missing required option '%s'", key), nil)
		}
	}
	return nil
}

// CheckAllowed validates that only keys from allowed exist in the map.
// An empty allowed list disables the check.
func CheckAllowed(params map[string]interface{}, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = struct{}{}
	}
	for key := range params {
		if _, isAllowed := allowedSet[key]; !isAllowed {
			return scanerrors.NewValidationError(fmt.Sprintf("unknown option '%s' provided", key), nil)
		}
	}
	return nil
}
