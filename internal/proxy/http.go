package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"gateway/internal/httperr"
	"gateway/internal/supervisor"
)

type statusCode struct {
	code  int
	title string
}

var successCodes = map[string]statusCode{
	supervisor.StatusOK:       {200, "OK"},
	supervisor.StatusCreated:  {201, "Created"},
	supervisor.StatusAccepted: {202, "Accepted"},
}

// Indexed by switchToGet*2 + isPermanent.
var redirectCodes = [4]statusCode{
	{303, "See Other"},
	{301, "Moved Permanently"},
	{307, "Temporary Redirect"},
	{308, "Permanent Redirect"},
}

var clientErrorCodes = map[string]statusCode{
	"badRequest":            {400, "Bad Request"},
	"forbidden":             {403, "Forbidden"},
	"notFound":              {404, "Not Found"},
	"methodNotAllowed":      {405, "Method Not Allowed"},
	"notAcceptable":         {406, "Not Acceptable"},
	"conflict":              {409, "Conflict"},
	"gone":                  {410, "Gone"},
	"requestEntityTooLarge": {413, "Request Entity Too Large"},
	"requestUriTooLong":     {414, "Request-URI Too Long"},
	"unsupportedMediaType":  {415, "Unsupported Media Type"},
	"imATeapot":             {418, "I'm a teapot"},
}

// ServeHTTP is the session port's only handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.RequestURI == InitPath+p.SessionID {
		p.serveSessionInit(w, r)
		return
	}
	if IsUpgrade(r) {
		p.serveWebSocket(w, r)
		return
	}
	if err := p.serveRequest(w, r); err != nil {
		httperr.Write(w, err, p.logger)
	}
}

// IsUpgrade reports whether r asks to switch protocols.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// reply is a translated grain response, complete before anything is written.
type reply struct {
	status int
	header http.Header
	body   []byte
}

func (p *Proxy) serveRequest(w http.ResponseWriter, r *http.Request) error {
	rctx, err := p.requestContext(r)
	if err != nil {
		return err
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return errUnsupportedMethod
	}

	path := strings.TrimPrefix(r.RequestURI, "/")
	var data []byte
	if r.Method == http.MethodPost {
		if data, err = io.ReadAll(r.Body); err != nil {
			return httperr.Wrap(http.StatusBadRequest, "Failed to read request body", err)
		}
	}

	var out reply
	err = p.do(r.Context(), r, true, func(c chain) error {
		resp, err := p.call(r.Context(), c, r, path, data, rctx)
		if err != nil {
			return err
		}
		out, err = translate(resp)
		return err
	})
	if err != nil {
		return err
	}

	for k, v := range out.header {
		w.Header()[k] = v
	}
	w.WriteHeader(out.status)
	if len(out.body) > 0 {
		_, _ = w.Write(out.body)
	}
	return nil
}

func (p *Proxy) call(ctx context.Context, c chain, r *http.Request, path string, data []byte, rctx supervisor.Context) (*supervisor.Response, error) {
	if r.Method == http.MethodPost {
		return c.conn.Post(ctx, &supervisor.PostRequest{
			Session: c.session,
			Path:    path,
			Content: supervisor.PostContent{MimeType: r.Header.Get("Content-Type"), Content: data},
			Context: rctx,
		})
	}
	return c.conn.Get(ctx, &supervisor.GetRequest{Session: c.session, Path: path, Context: rctx})
}

// translate maps a grain response onto HTTP. Any value outside the protocol
// tables is an error and nothing has been written yet when it is reported.
func translate(resp *supervisor.Response) (reply, error) {
	out := reply{header: make(http.Header)}
	for _, c := range resp.SetCookies {
		out.header.Add("Set-Cookie", setCookieHeader(c))
	}

	switch {
	case resp.Content != nil:
		content := resp.Content
		code, ok := successCodes[content.StatusCode]
		if !ok {
			return reply{}, fmt.Errorf("%w: content status %q", ErrUnknownResponse, content.StatusCode)
		}
		if content.Body.Stream != 0 {
			return reply{}, errStreamingBody
		}
		if content.Encoding != "" {
			out.header.Set("Content-Encoding", content.Encoding)
		}
		if content.Language != "" {
			out.header.Set("Content-Language", content.Language)
		}
		out.header.Set("Content-Length", strconv.Itoa(len(content.Body.Bytes)))
		if content.Disposition != nil && content.Disposition.Download != "" {
			out.header.Set("Content-Disposition",
				`attachment; filename="`+escapeFilename(content.Disposition.Download)+`"`)
		}
		if content.MimeType != "" {
			out.header.Set("Content-Type", content.MimeType)
		} else {
			// Keep net/http from sniffing one.
			out.header["Content-Type"] = nil
		}
		out.status, out.body = code.code, content.Body.Bytes

	case resp.Redirect != nil:
		idx := 0
		if resp.Redirect.SwitchToGet {
			idx += 2
		}
		if resp.Redirect.IsPermanent {
			idx++
		}
		out.status = redirectCodes[idx].code
		out.header.Set("Location", resp.Redirect.Location)

	case resp.ClientError != nil:
		code, ok := clientErrorCodes[resp.ClientError.StatusCode]
		if !ok {
			return reply{}, fmt.Errorf("%w: client error status %q", ErrUnknownResponse, resp.ClientError.StatusCode)
		}
		out.status = code.code
		out.header.Set("Content-Type", "text/html")
		out.body = errorPage(code, resp.ClientError.DescriptionHTML)

	case resp.ServerError != nil:
		out.status = http.StatusInternalServerError
		out.header.Set("Content-Type", "text/html")
		out.body = errorPage(statusCode{500, "Internal Server Error"}, resp.ServerError.DescriptionHTML)

	default:
		return reply{}, ErrUnknownResponse
	}
	return out, nil
}

func errorPage(code statusCode, descriptionHTML string) []byte {
	if descriptionHTML != "" {
		return []byte(descriptionHTML)
	}
	return []byte(fmt.Sprintf("<html><body><h1>%d: %s</h1></body></html>", code.code, code.title))
}

var filenameEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "\\\n")

func escapeFilename(name string) string {
	return filenameEscaper.Replace(name)
}

// sessionParams describes the browser to the app when a web session is opened.
func sessionParams(r *http.Request) supervisor.SessionParams {
	params := supervisor.SessionParams{
		UserAgent:           "UnknownAgent/0.0",
		AcceptableLanguages: []string{"en-US", "en"},
	}
	if r == nil {
		return params
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	params.BasePath = scheme + "://" + r.Host

	if ua := r.Header.Values("User-Agent"); len(ua) > 0 {
		params.UserAgent = ua[0]
	}
	if al := r.Header.Values("Accept-Language"); len(al) > 0 {
		langs := strings.Split(strings.Join(al, ","), ",")
		for i := range langs {
			langs[i] = strings.TrimSpace(langs[i])
		}
		params.AcceptableLanguages = langs
	}
	return params
}
