package sharing

import (
	"net/url"
	"regexp"
	"strings"
)

// Share codes are 4–10 alphanumerics, compared case-insensitively.
var shareCodeRE = regexp.MustCompile(`^[A-Za-z0-9]{4,10}$`)

// ExtractShareCode pulls a normalized (upper-case) share code out of
// a raw code, a share URL, or a deep-link URI. Returns false when no
// valid code is present.
func ExtractShareCode(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", false
		}
		// Last path segment covers both https://relay/CODE and
		// app://join/CODE; a bare app://CODE parses as host only.
		path := strings.Trim(u.Path, "/")
		if path != "" {
			segments := strings.Split(path, "/")
			s = segments[len(segments)-1]
		} else {
			s = u.Host
		}
	}
	if !shareCodeRE.MatchString(s) {
		return "", false
	}
	return strings.ToUpper(s), true
}
