package security

import (
	"net/http"
	"strings"
)

// ValidateOrigin checks the Origin header of an upgrade request against the
// allow list. Requests without an Origin (non-browser clients) and empty
// allow lists pass.
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}
	return OriginAllowed(origin, allowedOrigins)
}

// OriginAllowed matches origin against entries of the form "*",
// "https://app.example.com" or "https://*.example.com". Scheme and host
// compare case-insensitively.
func OriginAllowed(origin string, allowedOrigins []string) bool {
	origin = normalizeOrigin(origin)
	for _, allowed := range allowedOrigins {
		allowed = normalizeOrigin(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
		scheme, host, ok := strings.Cut(allowed, "://*.")
		if !ok {
			continue
		}
		if strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, "."+host) {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
}
