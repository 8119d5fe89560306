package bridge

import "encoding/json"

// CacheKey derives the deduplication/cache key for a tool invocation.
// encoding/json marshals map keys in sorted order, so two requests that
// differ only in parameter order collapse to the same key. Values decoded
// from request JSON always re-marshal, so the error path is unreachable in
// practice; it degrades to tool-only keying rather than failing.
func CacheKey(tool string, params map[string]any) string {
	if len(params) == 0 {
		return tool
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return tool
	}
	return tool + "?" + string(canonical)
}
