package repo

import (
	"time"

	"gateway/internal/store"
)

const grainCacheTTL = time.Minute * 5

type GrainModel struct {
	tableName struct{} `pg:"grains"`

	ID       string    `json:"id" pg:"id,pk"`
	AppID    string    `json:"app_id" pg:"app_id,notnull"`
	UserID   string    `json:"user_id" pg:"user_id,notnull"`
	Title    string    `json:"title" pg:"title"`
	PublicID string    `json:"public_id" pg:"public_id"`
	Created  time.Time `json:"created" pg:"created,notnull"`
}

type AppModel struct {
	tableName struct{} `pg:"apps"`

	ID       string         `pg:"id,pk"`
	Manifest store.Manifest `pg:"manifest,type:jsonb"`
}

type SessionModel struct {
	tableName struct{} `pg:"sessions"`

	ID        string    `pg:"id,pk"`
	GrainID   string    `pg:"grain_id,notnull"`
	UserID    string    `pg:"user_id"`
	Port      int       `pg:"port,use_zero"`
	Timestamp time.Time `pg:"timestamp,notnull"`
}

type StaticAssetModel struct {
	tableName struct{} `pg:"static_assets"`

	ID       string `pg:"id,pk"`
	MimeType string `pg:"mime_type,notnull"`
	Encoding string `pg:"encoding"`
	Content  []byte `pg:"content,type:bytea"`
	RefCount int    `pg:"ref_count,use_zero"`
}

type AssetUploadModel struct {
	tableName struct{} `pg:"asset_uploads"`

	Token      string    `pg:"token,pk"`
	UserID     string    `pg:"user_id"`
	IdentityID string    `pg:"identity_id,notnull"`
	Expires    time.Time `pg:"expires,notnull"`
}

type IdentityModel struct {
	tableName struct{} `pg:"identities"`

	ID      string `pg:"id,pk"`
	Picture string `pg:"picture"`
}

// grain record as cached in Redis
type cacheGrain struct {
	ID       string    `json:"id"`
	AppID    string    `json:"app_id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	PublicID string    `json:"public_id"`
	Created  time.Time `json:"created"`
}

func grainCacheKey(grainID string) string {
	return "grain:" + grainID + ":record"
}

func (m *GrainModel) toGrain() *store.Grain {
	return &store.Grain{
		ID:       m.ID,
		AppID:    m.AppID,
		UserID:   m.UserID,
		Title:    m.Title,
		PublicID: m.PublicID,
		Created:  m.Created,
	}
}

func (m *SessionModel) toSession() *store.Session {
	return &store.Session{
		ID:        m.ID,
		GrainID:   m.GrainID,
		UserID:    m.UserID,
		Port:      m.Port,
		Timestamp: m.Timestamp,
	}
}
