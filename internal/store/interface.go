package store

import (
	"context"
	"time"
)

type GrainStore interface {
	GetGrain(ctx context.Context, id string) (*Grain, error)
	GrainByPublicID(ctx context.Context, publicID string) (*Grain, error)
	InsertGrain(ctx context.Context, g *Grain) error
}

type AppStore interface {
	GetApp(ctx context.Context, id string) (*App, error)
}

type SessionStore interface {
	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)
	TouchSession(ctx context.Context, id string, now time.Time) error
	RemoveSession(ctx context.Context, id string) error
	// RemoveSessionIfIdle deletes the record only if its timestamp is still
	// before cutoff, so a keep-alive that lands mid-sweep wins.
	RemoveSessionIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

type AssetStore interface {
	GetStaticAsset(ctx context.Context, id string) (*StaticAsset, error)
	AddStaticAsset(ctx context.Context, mimeType, encoding string, content []byte) (string, error)
	// UnrefStaticAsset drops one reference and deletes the asset at zero.
	UnrefStaticAsset(ctx context.Context, id string) error
	// FulfillAssetUpload consumes an unexpired upload token.
	FulfillAssetUpload(ctx context.Context, token string, now time.Time) (*AssetUpload, error)
	InsertAssetUpload(ctx context.Context, u *AssetUpload) error
	// SetIdentityPicture returns the identity's previous picture, if any.
	SetIdentityPicture(ctx context.Context, identityID, assetID string) (previous string, err error)
}

type Store interface {
	GrainStore
	AppStore
	SessionStore
	AssetStore
}
