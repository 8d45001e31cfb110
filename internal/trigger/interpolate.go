package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Interpolate replaces {{path.with.dots}} placeholders in s with the
// value at that path in ctx. Placeholders whose path does not resolve
// pass through literally.
func Interpolate(s string, ctx map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookupPath(ctx, path)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	var current any = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
