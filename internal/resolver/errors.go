package resolver

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

type Kind string

const (
	KindNotFound    Kind = "notFound"
	KindNoData      Kind = "noData"
	KindTimeout     Kind = "timeout"
	KindConnRefused Kind = "connRefused"
	KindOther       Kind = "other"
)

var kindExplanation = map[Kind]string{
	KindNotFound: "<p>If you were trying to configure static publishing for a blog or website, powered " +
		"by an app hosted at this server, you either have not added DNS TXT records correctly, " +
		"or the DNS cache has not updated yet (may take a while, like 5 minutes to one hour).</p>",
	KindTimeout: "<p>The DNS query has timed out, which may be a sign of poorly configured DNS on the server.</p>",
	KindConnRefused: "<p>The DNS server refused the connection, which means either your DNS server is " +
		"down/unreachable, or the server has misconfigured their DNS.</p>",
}

func init() {
	kindExplanation[KindNoData] = kindExplanation[KindNotFound]
}

// LookupError is a failed TXT lookup for a custom host. Status is 404 when the
// record simply does not exist and 500 for resolver trouble.
type LookupError struct {
	Host    string
	Query   string
	Kind    Kind
	Status  int
	RootURL string
	Err     error
}

func newLookupError(host, rootURL string, kind Kind, err error) *LookupError {
	status := http.StatusInternalServerError
	if kind == KindNotFound || kind == KindNoData {
		status = http.StatusNotFound
	}
	return &LookupError{
		Host:    host,
		Query:   RecordPrefix + host,
		Kind:    kind,
		Status:  status,
		RootURL: rootURL,
		Err:     err,
	}
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("Error looking up DNS TXT records for host %q: %v", e.Host, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *LookupError) StatusCode() int { return e.Status }

// HTMLMessage explains to the visitor how to fix the host's DNS setup.
func (e *LookupError) HTMLMessage() string {
	root := html.EscapeString(e.RootURL)
	var b strings.Builder
	b.WriteString(`<style type="text/css">h2, h3, p { max-width: 600px; }</style>`)
	b.WriteString("<h2>Static publishing needs further configuration (or wrong URL)</h2>")
	b.WriteString(kindExplanation[e.Kind])
	fmt.Fprintf(&b, "<p>To visit this server's main interface, go to: <a href='%s'>%s</a></p>", root, root)
	b.WriteString("<h3>DNS details</h3>")
	fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(e.Error()))
	b.WriteString("<p>If you have the <tt>dig</tt> tool, you can run this command to learn more:</p>")
	fmt.Fprintf(&b, "<p><tt>dig TXT %s</tt></p>", html.EscapeString(e.Query))
	b.WriteString("<h3>Changing the server URL</h3>")
	b.WriteString("<p>If you are the server admin and want to use this address as the main interface, " +
		"change the ROOT_URL setting and restart the gateway.</p>")
	return b.String()
}
