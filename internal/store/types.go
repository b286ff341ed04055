package store

import (
	"errors"
	"time"

	"gateway/internal/grain"
)

var ErrNotFound = errors.New("not found")

type Grain struct {
	ID       string    `json:"id"`
	AppID    string    `json:"app_id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	PublicID string    `json:"public_id,omitempty"` // set while published
	Created  time.Time `json:"created"`
}

type Manifest struct {
	NewCommand      *grain.Command `json:"newCommand,omitempty"`
	ContinueCommand *grain.Command `json:"continueCommand,omitempty"`
}

type App struct {
	ID       string   `json:"id"`
	Manifest Manifest `json:"manifest"`
}

// Session is the persisted record of an open session. Timestamp is the last
// keep-alive; records idle past the timeout are swept.
type Session struct {
	ID        string    `json:"id"`
	GrainID   string    `json:"grain_id"`
	UserID    string    `json:"user_id"`
	Port      int       `json:"port"`
	Timestamp time.Time `json:"timestamp"`
}

type StaticAsset struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Encoding string `json:"encoding,omitempty"`
	Content  []byte `json:"-"`
	RefCount int    `json:"ref_count"`
}

// AssetUpload is a one-shot token allowing a profile picture upload.
type AssetUpload struct {
	Token      string    `json:"token"`
	UserID     string    `json:"user_id"`
	IdentityID string    `json:"identity_id"`
	Expires    time.Time `json:"expires"`
}

type Identity struct {
	ID      string `json:"id"`
	Picture string `json:"picture,omitempty"` // static asset id
}
