package netutil

import (
	"fmt"
	"net/url"
	"strings"
)

// StripCredentials removes user:password@ from a URL for safe logging.
// Returns the original string if the URL cannot be parsed.
func StripCredentials(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.User = nil
	return parsed.String()
}

// Endpoint splits an http(s) URL into lowercase host and port, filling the
// scheme's default port.
func Endpoint(u *url.URL) (host, port string, err error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host = strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", fmt.Errorf("url %q has no host", StripCredentials(u.String()))
	}
	port = u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return host, port, nil
}
