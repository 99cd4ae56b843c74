// Package origin derives HTTP Origin values for websocket connections to
// the SFU gateway.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FromWSURL converts a websocket URL (ws:// or wss://) to an HTTP Origin
// (http(s)://host[:port]).
func FromWSURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("ws url missing host")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "wss":
		return "https://" + u.Host, nil
	case "ws":
		return "http://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported ws scheme: %s", u.Scheme)
	}
}

// ForGateway returns the Origin for a gateway connection.
//
// It prefers apiBaseURL (http/https) so the Origin stays stable when the
// websocket listener sits on a different host, and falls back to deriving
// it from the websocket URL.
func ForGateway(wsURL string, apiBaseURL string) (string, error) {
	if strings.TrimSpace(apiBaseURL) != "" {
		u, err := url.Parse(strings.TrimSpace(apiBaseURL))
		if err == nil && strings.TrimSpace(u.Host) != "" {
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme == "http" || scheme == "https" {
				return scheme + "://" + u.Host, nil
			}
		}
	}
	return FromWSURL(wsURL)
}
