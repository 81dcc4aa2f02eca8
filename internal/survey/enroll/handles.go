package enroll

import "strings"

const maxHandleLen = 32

// NormalizeHandles cleans a free-form handle list: leading @ stripped,
// lowercased, deduplicated, order preserved. Entries that are not valid
// handles come back in invalid, untouched, so the operator can see what
// was rejected.
func NormalizeHandles(raw []string) (clean, invalid []string) {
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r), "@"))
		if !validHandle(h) {
			invalid = append(invalid, r)
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		clean = append(clean, h)
	}
	return clean, invalid
}

func validHandle(h string) bool {
	if h == "" || len(h) > maxHandleLen {
		return false
	}
	for _, c := range h {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}
