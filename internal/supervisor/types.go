package supervisor

// Cap is a handle to a capability held by the supervisor on behalf of this
// connection. Handles are only meaningful on the connection that issued them
// and must be released with Drop.
type Cap uint64

// WebSessionType identifies the web session interface requested from a view.
const WebSessionType uint64 = 0xa50711a14d35a8ce

// Success status codes carried by Content.
const (
	StatusOK       = "ok"
	StatusCreated  = "created"
	StatusAccepted = "accepted"
)

// Outcomes of GetWwwFile.
const (
	WwwFile      = "file"
	WwwDirectory = "directory"
	WwwNotFound  = "notFound"
)

type UserInfo struct {
	DisplayName string `cbor:"displayName"`
	UserID      string `cbor:"userId,omitempty"`
}

type SessionParams struct {
	BasePath            string   `cbor:"basePath"`
	UserAgent           string   `cbor:"userAgent"`
	AcceptableLanguages []string `cbor:"acceptableLanguages"`
}

type Cookie struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

// Context travels with every request. Cookies never include the session cookie.
type Context struct {
	Cookies []Cookie `cbor:"cookies,omitempty"`
}

// Expires is a union: at most one of Absolute (unix seconds) or Relative
// (seconds from now) is set.
type Expires struct {
	Absolute *int64  `cbor:"absolute,omitempty"`
	Relative *uint64 `cbor:"relative,omitempty"`
}

type SetCookie struct {
	Name     string  `cbor:"name"`
	Value    string  `cbor:"value"`
	Expires  Expires `cbor:"expires"`
	HTTPOnly bool    `cbor:"httpOnly,omitempty"`
}

// Body holds either the full payload or a stream handle.
type Body struct {
	Bytes  []byte `cbor:"bytes,omitempty"`
	Stream Cap    `cbor:"stream,omitempty"`
}

type Disposition struct {
	Download string `cbor:"download,omitempty"`
}

type Content struct {
	StatusCode  string       `cbor:"statusCode"`
	Encoding    string       `cbor:"encoding,omitempty"`
	Language    string       `cbor:"language,omitempty"`
	MimeType    string       `cbor:"mimeType"`
	Body        Body         `cbor:"body"`
	Disposition *Disposition `cbor:"disposition,omitempty"`
}

type Redirect struct {
	IsPermanent bool   `cbor:"isPermanent"`
	SwitchToGet bool   `cbor:"switchToGet"`
	Location    string `cbor:"location"`
}

type ClientError struct {
	StatusCode      string `cbor:"statusCode"`
	DescriptionHTML string `cbor:"descriptionHtml,omitempty"`
}

type ServerError struct {
	DescriptionHTML string `cbor:"descriptionHtml,omitempty"`
}

// Response is the reply to Get and Post. Exactly one of the variant pointers
// should be set; anything else is a protocol defect.
type Response struct {
	SetCookies  []SetCookie  `cbor:"setCookies,omitempty"`
	Content     *Content     `cbor:"content,omitempty"`
	Redirect    *Redirect    `cbor:"redirect,omitempty"`
	ClientError *ClientError `cbor:"clientError,omitempty"`
	ServerError *ServerError `cbor:"serverError,omitempty"`
}

type PostContent struct {
	MimeType string `cbor:"mimeType"`
	Content  []byte `cbor:"content"`
}

// Request messages.

type RestoreRequest struct{}

type CapReply struct {
	Cap Cap `cbor:"cap"`
}

type GetMainViewRequest struct {
	Supervisor Cap `cbor:"supervisor"`
}

type NewSessionRequest struct {
	View        Cap           `cbor:"view"`
	User        UserInfo      `cbor:"user"`
	SessionType uint64        `cbor:"sessionType"`
	Params      SessionParams `cbor:"params"`
}

type DropRequest struct {
	Cap Cap `cbor:"cap"`
}

type KeepAliveRequest struct {
	Supervisor Cap `cbor:"supervisor"`
}

type GetRequest struct {
	Session Cap     `cbor:"session"`
	Path    string  `cbor:"path"`
	Context Context `cbor:"context"`
}

type PostRequest struct {
	Session Cap         `cbor:"session"`
	Path    string      `cbor:"path"`
	Content PostContent `cbor:"content"`
	Context Context     `cbor:"context"`
}

type WebSocketOpen struct {
	Session   Cap      `cbor:"session"`
	Path      string   `cbor:"path"`
	Context   Context  `cbor:"context"`
	Protocols []string `cbor:"protocols,omitempty"`
}

type WebSocketAccept struct {
	Protocol []string `cbor:"protocol,omitempty"`
}

// WebSocketMessage is the frame type of the OpenWebSocket stream. The client's
// first message carries Open, the server's first carries Accept; every later
// message carries Data only.
type WebSocketMessage struct {
	Open   *WebSocketOpen   `cbor:"open,omitempty"`
	Accept *WebSocketAccept `cbor:"accept,omitempty"`
	Data   []byte           `cbor:"data,omitempty"`
}

type WwwFileRequest struct {
	Supervisor Cap    `cbor:"supervisor"`
	Path       string `cbor:"path"`
}

// WwwFileChunk is the frame type of the GetWwwFile stream. The first chunk
// carries Status; a "file" status is followed by Data chunks.
type WwwFileChunk struct {
	Status string `cbor:"status,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
}
