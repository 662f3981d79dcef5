package ir

// RewriteStrings returns a deep copy of m with f applied to every key and
// every string value, including those nested in maps and arrays. Other
// values are copied as is. A nil map stays nil.
func RewriteStrings(m map[string]any, f func(string) string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[f(k)] = rewriteValue(v, f)
	}
	return out
}

func rewriteValue(v any, f func(string) string) any {
	switch v := v.(type) {
	case string:
		return f(v)
	case map[string]any:
		return RewriteStrings(v, f)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = rewriteValue(e, f)
		}
		return out
	default:
		return v
	}
}
