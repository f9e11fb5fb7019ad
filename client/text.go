package client

import "strings"

// StripFences removes a wrapping markdown code fence from a completion.
// Models add fences even when asked for raw output; adapters normalize
// that away so downstream parsing sees the body only.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
