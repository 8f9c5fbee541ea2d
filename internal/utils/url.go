package utils

import (
	"strings"
)

// NormalizeServerURL trims trailing slash, rewrites http(s) schemes to their
// websocket equivalents and reports whether TLS verification should be skipped
func NormalizeServerURL(serverURL string) (string, bool) {
	serverURL = strings.TrimSuffix(strings.TrimSpace(serverURL), "/")

	switch {
	case strings.HasPrefix(serverURL, "https://"):
		serverURL = "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		serverURL = "ws://" + strings.TrimPrefix(serverURL, "http://")
	case !strings.HasPrefix(serverURL, "ws://") && !strings.HasPrefix(serverURL, "wss://"):
		serverURL = "ws://" + serverURL
	}

	secure := strings.HasPrefix(serverURL, "wss://")
	skipTLSVerify := secure && (strings.Contains(serverURL, "localhost") ||
		strings.Contains(serverURL, "127.0.0.1"))
	return serverURL, skipTLSVerify
}
