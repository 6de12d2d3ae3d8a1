package websocket

import (
	"net"
	"net/url"
	"strings"
)

// OriginAllowed matches a browser Origin header against an allow list.
// Entries may be "*", a full origin, a bare host, or "*.example.com" which
// also matches example.com itself. An empty list allows nothing.
func OriginAllowed(allowed []string, origin string) bool {
	host := originHost(origin)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*", strings.EqualFold(entry, origin):
			return true
		case strings.HasPrefix(entry, "*."):
			suffix := entry[2:]
			if host != "" && (strings.EqualFold(host, suffix) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(suffix))) {
				return true
			}
		default:
			if h := originHost(entry); h != "" && strings.EqualFold(h, host) {
				return true
			}
		}
	}
	return false
}

// SameOrigin reports whether origin names the host the request was sent to.
func SameOrigin(origin, requestHost string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(stripHostPort(parsed.Host), stripHostPort(requestHost))
}

func stripHostPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

func originHost(origin string) string {
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return stripHostPort(parsed.Host)
	}
	return stripHostPort(origin)
}
