package poll

import "strings"

// Challenge recognises pages that mean the session is no longer accepted:
// a redirect to a login or auth URL, or an interstitial bot challenge.
// Matching is by case-insensitive substring and is only a heuristic.
type Challenge struct {
	URLMarkers     []string
	ContentMarkers []string
}

// Blocked reports whether the page looks like a login or challenge page,
// and which marker matched.
func (c Challenge) Blocked(finalURL, content string) (bool, string) {
	u := strings.ToLower(finalURL)
	for _, m := range c.URLMarkers {
		if m != "" && strings.Contains(u, strings.ToLower(m)) {
			return true, m
		}
	}
	if len(c.ContentMarkers) == 0 {
		return false, ""
	}
	body := strings.ToLower(content)
	for _, m := range c.ContentMarkers {
		if m != "" && strings.Contains(body, strings.ToLower(m)) {
			return true, m
		}
	}
	return false, ""
}
