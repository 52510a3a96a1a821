package relay

import "strings"

// ParseRecommendations splits a comma-separated completion into titles.
// Fragments are trimmed, empties dropped and repeats removed case-insensitively,
// keeping the first spelling.
func ParseRecommendations(text string) []string {
	parts := strings.Split(text, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		title := strings.TrimSpace(p)
		if title == "" {
			continue
		}
		key := strings.ToLower(title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, title)
	}
	return out
}
