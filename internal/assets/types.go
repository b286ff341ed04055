package assets

import (
	"context"
	"time"

	"gateway/internal/store"

	"github.com/hibiken/asynq"
)

const (
	// MaxPictureSize caps uploaded profile pictures.
	MaxPictureSize = 64 * 1024

	UnrefTask = "asset:unref"

	cspHeader = "default-src 'none'; style-src 'unsafe-inline'; sandbox"
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Store is the slice of the metadata store the asset host uses.
type Store interface {
	GetStaticAsset(ctx context.Context, id string) (*store.StaticAsset, error)
	AddStaticAsset(ctx context.Context, mimeType, encoding string, content []byte) (string, error)
	UnrefStaticAsset(ctx context.Context, id string) error
	FulfillAssetUpload(ctx context.Context, token string, now time.Time) (*store.AssetUpload, error)
	SetIdentityPicture(ctx context.Context, identityID, assetID string) (string, error)
}

var _ Store = (store.AssetStore)(nil)

// Enqueuer queues background tasks. *asynq.Client implements it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

type UnrefPayload struct {
	AssetID string `json:"asset_id"`
}
