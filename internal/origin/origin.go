// Package origin checks Origin header of WebSocket handshakes.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Checker allows requests without Origin, same origin requests and origins whose
// host matches one of glob patterns. Single "*" pattern allows everything.
type Checker struct {
	allowAll bool
	patterns []glob.Glob
}

func NewChecker(patterns []string) (*Checker, error) {
	c := &Checker{}
	for _, pattern := range patterns {
		if pattern == "*" {
			c.allowAll = true
			continue
		}
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("malformed origin pattern %q: %w", pattern, err)
		}
		c.patterns = append(c.patterns, g)
	}
	return c, nil
}

// AllowAll reports whether any origin is accepted.
func (c *Checker) AllowAll() bool {
	return c.allowAll
}

func (c *Checker) Check(r *http.Request) error {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" || c.allowAll {
		return nil
	}
	u, err := url.Parse(originHeader)
	if err != nil || u.Host == "" {
		return fmt.Errorf("malformed Origin header: %s", originHeader)
	}
	host := strings.ToLower(u.Host)
	if host == strings.ToLower(r.Host) {
		return nil
	}
	for _, pattern := range c.patterns {
		if pattern.Match(host) {
			return nil
		}
	}
	return fmt.Errorf("request Origin %s is not authorized", originHeader)
}
