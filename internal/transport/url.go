package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL composes the connection address from the configured base, the
// optional session path segment and the credential query parameter.
func BuildURL(base, sessionID, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("transport: empty base address")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse base address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		u = u.JoinPath(sessionID)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
