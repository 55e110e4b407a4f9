package tools

import (
	"net/url"
	"strings"
)

// RedactedLogURL prepares URL to be logged replacing password with xxxxx.
func RedactedLogURL(input string) string {
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil {
		return "<invalid_url>"
	}
	return u.Redacted()
}

// RedactedLogURLs is like RedactedLogURL for a list of comma separated URLs
// (Nats servers, Redis cluster nodes).
func RedactedLogURLs(input string) string {
	parts := strings.Split(input, ",")
	for i, part := range parts {
		parts[i] = RedactedLogURL(part)
	}
	return strings.Join(parts, ",")
}
