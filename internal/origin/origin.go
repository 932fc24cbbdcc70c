// Package origin implements the Origin allow-list applied to signaling
// websocket handshakes. Which origins are allowed is a deployment policy
// (ALLOWED_ORIGINS); the negotiation logic never looks at origins again after
// the handshake.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Allowlist decides whether a browser Origin may open a signaling socket.
//
// With no configured entries the policy is same-host: the Origin's host:port
// must match the request's Host header (default ports equivalent). Entries
// may be "*" or normalized origins like "https://meet.example.com".
type Allowlist struct {
	entries []string
}

// NewAllowlist normalizes the configured entries. "*" is kept as-is.
func NewAllowlist(entries []string) Allowlist {
	var normalized []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == "*" {
			normalized = append(normalized, "*")
			continue
		}
		if n, _, ok := normalize(e); ok {
			normalized = append(normalized, n)
		}
	}
	return Allowlist{entries: normalized}
}

// Allow reports whether the given Origin header may access requestHost.
// Requests without an Origin header (non-browser clients) are always allowed;
// the header is a browser protection, not an authentication mechanism.
func (a Allowlist) Allow(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}

	norm, originHost, ok := normalize(originHeader)
	if !ok {
		return false
	}

	if len(a.entries) > 0 {
		for _, e := range a.entries {
			if e == "*" || e == norm {
				return true
			}
		}
		return false
	}

	// Same-host default. Scheme is deliberately not compared: behind a
	// TLS-terminating proxy the request looks like HTTP while the browser
	// Origin is HTTPS.
	scheme := "http"
	if strings.HasPrefix(norm, "https://") {
		scheme = "https"
	} else if norm == "null" {
		return false
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalize parses an Origin header into "scheme://host[:port]" with the
// hostname lowercased and default ports stripped. The special value "null"
// passes through.
func normalize(header string) (norm, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases host[:port] and drops the scheme's default port.
func normalizeHost(hostport, scheme string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", false
	}

	host := hostport
	portStr := ""
	if strings.HasPrefix(hostport, "[") {
		end := strings.Index(hostport, "]")
		if end < 0 {
			return "", false
		}
		host = hostport[:end+1]
		rest := hostport[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", false
			}
			portStr = rest[1:]
		}
	} else if i := strings.LastIndex(hostport, ":"); i >= 0 {
		host = hostport[:i]
		portStr = hostport[i+1:]
	}
	if host == "" {
		return "", false
	}

	if portStr == "" {
		return host, true
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", false
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return host, true
	}
	return host + ":" + strconv.FormatUint(port, 10), true
}
