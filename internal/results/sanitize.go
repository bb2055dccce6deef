package results

import "strings"

// Sanitize escapes NUL characters in every string and object key, recursively. Downstream
// databases reject them inside text columns.
func Sanitize(v any) any {
	switch t := v.(type) {
	case string:
		return escapeNUL(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[escapeNUL(k)] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	default:
		return v
	}
}

func escapeNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", `\u0000`)
}
