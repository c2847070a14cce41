package realtime

import "strings"

// Join builds a store path from segments, ignoring empty ones.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split returns the non-empty segments of path.
func Split(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Root returns the first two segments of path, the unit of atomic updates.
func Root(path string) string {
	segs := Split(path)
	if len(segs) > 2 {
		segs = segs[:2]
	}
	return strings.Join(segs, "/")
}

// Rel returns path relative to base when path lies at or below base.
func Rel(base, path string) (string, bool) {
	base, path = strings.Trim(base, "/"), strings.Trim(path, "/")
	if base == "" {
		return path, true
	}
	if path == base {
		return "", true
	}
	if strings.HasPrefix(path, base+"/") {
		return path[len(base)+1:], true
	}
	return "", false
}

// Overlaps reports whether a write at one path affects a subscription at the other.
func Overlaps(a, b string) bool {
	if _, ok := Rel(a, b); ok {
		return true
	}
	_, ok := Rel(b, a)
	return ok
}
