// Package origin decides which browser origins may open signaling
// WebSockets.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy is the origin check applied to WebSocket upgrades.
//
// Requests without an Origin header come from non-browser peers (desktop
// hosts, the probe) and are always accepted.
type Policy struct {
	// AllowedOrigins holds normalized origins or "*". When empty only
	// same-host origins are accepted.
	AllowedOrigins []string
}

// CheckOrigin has the signature expected by websocket.Upgrader.
func (p Policy) CheckOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return false
	}
	return IsAllowed(normalized, host, r.Host, p.AllowedOrigins)
}

// NormalizeHeader validates a browser Origin header and returns the
// normalized origin (scheme://host[:port]) and its host[:port] part. Default
// ports are dropped. The literal "null" is returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may reach requestHost.
// With an allowlist, entries are "*" or normalized origins. Without one the
// origin host[:port] must equal the request's Host. Schemes are not compared
// since TLS may terminate in front of the relay.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}

	reqHost, ok := normalizeAuthority(scheme, strings.TrimSpace(requestHost))
	return ok && originHost == reqHost
}

// NormalizeList normalizes configured allowlist entries, keeping "*" and
// "null". Invalid entries are reported by ok=false.
func NormalizeList(entries []string) (out []string, bad string, ok bool) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == "*" {
			out = append(out, e)
			continue
		}
		normalized, _, valid := NormalizeHeader(e)
		if !valid {
			return nil, e, false
		}
		out = append(out, normalized)
	}
	return out, "", true
}

func normalizeAuthority(scheme, rawHost string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals come back without
// brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
