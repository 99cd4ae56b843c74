package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates the request's Origin header against an allow-list.
//
// Allowed entries take four forms:
//   - full Origin values with a scheme, matched verbatim, e.g.
//     "https://app.example.com" or "http://127.0.0.1:5173"
//   - bare hostnames, matched case-insensitively ignoring the port,
//     e.g. "example.com"
//   - host:port pairs, e.g. "example.com:5173"
//   - wildcard hostnames matching subdomains only, e.g. "*.example.com"
//     (matches "a.example.com" but not "example.com" itself)
//
// Non-standard Origin values such as "null" match verbatim. When the request
// carries no Origin header, allowNoOrigin decides.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if parsed, err := url.Parse(origin); err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		lower := strings.ToLower(entry)
		if base, ok := strings.CutPrefix(lower, "*."); ok {
			if base != "" && hostname != "" && strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		// host:port entries compare against the parsed Host so a plain
		// "example.com" stays a hostname match regardless of request port.
		if host != "" {
			if _, _, err := net.SplitHostPort(lower); err == nil {
				if host == lower {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == lower {
			return true
		}
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
