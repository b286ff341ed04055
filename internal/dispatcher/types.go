package dispatcher

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Config names the hosts the dispatcher routes on.
type Config struct {
	// RootURL is the shell's canonical URL, e.g. https://example.com:6080.
	RootURL string
	// DDPURL optionally names a second host that also reaches the shell.
	DDPURL string
	// WildcardHost is a host pattern with exactly one '*', e.g.
	// *.example.com:6080. The port is part of the match.
	WildcardHost string
	// WwwCacheSeconds is the max-age of published files.
	WwwCacheSeconds int
}

var (
	wildcardLabel = regexp.MustCompile(`^[-a-z0-9]*$`)
	selfTestLabel = regexp.MustCompile(`^selftest-`)
)

const staticLabel = "static"

// wildcard matches hosts against a pattern like *.example.com.
type wildcard struct {
	prefix, suffix string
}

func parseWildcard(pattern string) (wildcard, error) {
	parts := strings.Split(strings.ToLower(pattern), "*")
	if len(parts) != 2 {
		return wildcard{}, fmt.Errorf("wildcard host %q must contain exactly one '*'", pattern)
	}
	return wildcard{prefix: parts[0], suffix: parts[1]}, nil
}

// Match returns the label standing in for '*', if host fits the pattern.
func (w wildcard) Match(host string) (string, bool) {
	host = strings.ToLower(host)
	if len(host) < len(w.prefix)+len(w.suffix) ||
		!strings.HasPrefix(host, w.prefix) || !strings.HasSuffix(host, w.suffix) {
		return "", false
	}
	id := host[len(w.prefix) : len(host)-len(w.suffix)]
	if !wildcardLabel.MatchString(id) {
		return "", false
	}
	return id, true
}

// hostname strips the port from a Host header.
func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// canonical rebuilds a request URL on the root URL's scheme and port, keeping
// the inbound hostname and the raw path and query.
func canonical(root *url.URL, host, requestURI string) string {
	target := hostname(host)
	if port := root.Port(); port != "" {
		target = net.JoinHostPort(target, port)
	}
	return root.Scheme + "://" + target + requestURI
}
