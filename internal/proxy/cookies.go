package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"gateway/internal/httperr"
	"gateway/internal/supervisor"
)

const (
	// SessionCookie carries the session id between the browser and its proxy.
	SessionCookie = "sandstorm-sid"
	// InitPath is where the shell sends a new session's first request.
	InitPath = "/_sandstorm-init?sessionid="

	sessionCookieMaxAge = 31536000
)

type parsedCookies struct {
	sessionID    string
	hasSession   bool
	duplicateSID bool
	others       []supervisor.Cookie
}

// parseCookies splits the Cookie header into the session cookie and the rest.
// Keys are trimmed, values are passed through untouched.
func parseCookies(r *http.Request) parsedCookies {
	var result parsedCookies
	header := strings.Join(r.Header.Values("Cookie"), "; ")
	if header == "" {
		return result
	}

	for _, raw := range strings.Split(header, ";") {
		var c supervisor.Cookie
		if key, value, ok := strings.Cut(raw, "="); ok {
			c = supervisor.Cookie{Key: strings.TrimSpace(key), Value: value}
		} else {
			c = supervisor.Cookie{Key: strings.TrimSpace(raw)}
		}

		if c.Key == "" {
			continue
		}
		if c.Key == SessionCookie {
			if result.hasSession {
				result.duplicateSID = true
			}
			result.sessionID, result.hasSession = c.Value, true
			continue
		}
		result.others = append(result.others, c)
	}
	return result
}

// requestContext authenticates r against this proxy's session and returns the
// context forwarded to the grain.
func (p *Proxy) requestContext(r *http.Request) (supervisor.Context, error) {
	parsed := parseCookies(r)
	if parsed.duplicateSID {
		return supervisor.Context{}, errMultipleSessionID
	}
	if !parsed.hasSession || parsed.sessionID != p.SessionID {
		return supervisor.Context{}, errUnauthorized
	}
	return supervisor.Context{Cookies: parsed.others}, nil
}

// serveSessionInit sets the session cookie, clears every other cookie so the
// app starts from a clean slate, and sends the browser to the app root. A
// request already carrying more than one session cookie is refused.
func (p *Proxy) serveSessionInit(w http.ResponseWriter, r *http.Request) {
	parsed := parseCookies(r)
	if parsed.duplicateSID {
		httperr.Write(w, errMultipleSessionID, p.logger)
		return
	}

	if !parsed.hasSession || parsed.sessionID != p.SessionID {
		for _, c := range parsed.others {
			w.Header().Add("Set-Cookie", clearCookieHeader(c.Key))
		}
		w.Header().Add("Set-Cookie",
			SessionCookie+"="+p.SessionID+"; Max-Age="+strconv.Itoa(sessionCookieMaxAge)+"; HttpOnly")
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	w.Header().Set("Location", "/")
	w.WriteHeader(http.StatusSeeOther)
}

func clearCookieHeader(key string) string {
	return key + "=; expires=" + time.Unix(0, 0).UTC().Format(http.TimeFormat)
}

// setCookieHeader renders a cookie the grain asked us to set.
func setCookieHeader(c supervisor.SetCookie) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)

	switch {
	case c.Expires.Absolute != nil:
		b.WriteString("; Expires=")
		b.WriteString(time.Unix(*c.Expires.Absolute, 0).UTC().Format(http.TimeFormat))
	case c.Expires.Relative != nil:
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.FormatUint(*c.Expires.Relative, 10))
	}

	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	return b.String()
}
