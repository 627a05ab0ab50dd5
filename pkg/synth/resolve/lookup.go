package resolve

import (
	"fmt"
	"regexp"
	"strings"
)

var contextPattern = regexp.MustCompile(`\{\{([\w.]+)\}\}`)

// Lookup walks a dotted path through nested mappings using greedy
// longest-key-first matching. At each level the longest run of remaining
// segments that names a literal key wins, so a key such as "parent.attributes.id"
// is preferred over descending parent -> attributes -> id.
// A nil value counts as missing.
func Lookup(vars map[string]any, path []string) (any, bool) {
	var current any = vars
	remaining := path
	for len(remaining) > 0 {
		matched := false
		for i := len(remaining); i > 0; i-- {
			if v, ok := child(current, strings.Join(remaining[:i], ".")); ok {
				current = v
				remaining = remaining[i:]
				matched = true
				break
			}
		}
		if !matched {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func child(level any, key string) (any, bool) {
	switch m := level.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok && v != nil
	case map[string]string:
		v, ok := m[key]
		return v, ok
	default:
		return nil, false
	}
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
