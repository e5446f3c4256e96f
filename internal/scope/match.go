package scope

import "strings"

// matchGlob matches a slash-separated path against a pattern with ** support.
// A ** segment matches zero or more path segments.
func matchGlob(path, pattern string) bool {
	return matchParts(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

func matchParts(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	p, rest := pattern[0], pattern[1:]
	if p == "**" {
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(path); i++ {
			if matchParts(path[i:], rest) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 || !matchSegment(path[0], p) {
		return false
	}
	return matchParts(path[1:], rest)
}

// matchSegment matches one path segment. Only * is special inside a segment.
func matchSegment(segment, pattern string) bool {
	switch {
	case pattern == "*", pattern == segment:
		return true
	case strings.Contains(pattern, "*"):
		return matchWildcard(segment, pattern)
	default:
		return false
	}
}

func matchWildcard(s, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	pos := len(parts[0])
	last := len(parts) - 1

	for i := 1; i < last; i++ {
		idx := strings.Index(s[pos:], parts[i])
		if idx == -1 {
			return false
		}
		pos += idx + len(parts[i])
	}
	return len(s)-pos >= len(parts[last]) && strings.HasSuffix(s, parts[last])
}
