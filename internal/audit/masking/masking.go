package masking

import "strings"

const maskToken = "****"

// MaskIdentifier redacts a provider identifier such as cus_ or price_ while
// keeping the prefix and a short suffix for correlation.
func MaskIdentifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskFields returns a copy of input where the listed keys are redacted.
// Nested maps are walked with the same key set.
func MaskFields(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return input
	}

	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[key] = struct{}{}
	}

	return maskMap(input, sensitive)
}

func maskMap(input map[string]any, sensitive map[string]struct{}) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitive[trimmedKey]; ok {
			if str, isString := value.(string); isString {
				out[trimmedKey] = MaskIdentifier(str)
				continue
			}
		}
		if nested, ok := value.(map[string]any); ok {
			out[trimmedKey] = maskMap(nested, sensitive)
			continue
		}
		out[trimmedKey] = value
	}
	return out
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
