package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gateway/internal/store"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ store.Store = (*Repository)(nil)

type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

// NewRepository builds a Postgres-backed store. redis may be nil, in which
// case grain records are not cached.
func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

// CreateSchema creates any missing tables.
func (r *Repository) CreateSchema(ctx context.Context) error {
	models := []any{
		(*GrainModel)(nil),
		(*AppModel)(nil),
		(*SessionModel)(nil),
		(*StaticAssetModel)(nil),
		(*AssetUploadModel)(nil),
		(*IdentityModel)(nil),
	}
	for _, m := range models {
		err := r.db.ModelContext(ctx, m).CreateTable(&orm.CreateTableOptions{IfNotExists: true})
		if err != nil {
			return err
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pg.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (r *Repository) GetGrain(ctx context.Context, id string) (*store.Grain, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, grainCacheKey(id)).Result()
		if err == nil {
			var cached cacheGrain
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return &store.Grain{
					ID:       cached.ID,
					AppID:    cached.AppID,
					UserID:   cached.UserID,
					Title:    cached.Title,
					PublicID: cached.PublicID,
					Created:  cached.Created,
				}, nil
			}
		}
	}

	m := &GrainModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}

	if r.redis != nil {
		cached := &cacheGrain{
			ID:       m.ID,
			AppID:    m.AppID,
			UserID:   m.UserID,
			Title:    m.Title,
			PublicID: m.PublicID,
			Created:  m.Created,
		}
		if b, err := json.Marshal(cached); err == nil {
			_ = r.redis.Set(ctx, grainCacheKey(id), b, grainCacheTTL).Err()
		}
	}
	return m.toGrain(), nil
}

func (r *Repository) GrainByPublicID(ctx context.Context, publicID string) (*store.Grain, error) {
	if publicID == "" {
		return nil, store.ErrNotFound
	}
	m := new(GrainModel)
	err := r.db.ModelContext(ctx, m).Where("public_id = ?", publicID).Limit(1).Select()
	if err != nil {
		return nil, notFound(err)
	}
	return m.toGrain(), nil
}

func (r *Repository) InsertGrain(ctx context.Context, g *store.Grain) error {
	_, err := r.db.ModelContext(ctx, &GrainModel{
		ID:       g.ID,
		AppID:    g.AppID,
		UserID:   g.UserID,
		Title:    g.Title,
		PublicID: g.PublicID,
		Created:  g.Created,
	}).Insert()
	if err != nil {
		return err
	}

	// Invalidate the cache.
	if r.redis != nil {
		_ = r.redis.Del(ctx, grainCacheKey(g.ID)).Err()
	}
	return nil
}

func (r *Repository) GetApp(ctx context.Context, id string) (*store.App, error) {
	m := &AppModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return &store.App{ID: m.ID, Manifest: m.Manifest}, nil
}

func (r *Repository) InsertApp(ctx context.Context, a *store.App) error {
	_, err := r.db.ModelContext(ctx, &AppModel{ID: a.ID, Manifest: a.Manifest}).
		OnConflict("(id) DO UPDATE").
		Set("manifest = EXCLUDED.manifest").
		Insert()
	return err
}

func (r *Repository) InsertSession(ctx context.Context, s *store.Session) error {
	_, err := r.db.ModelContext(ctx, &SessionModel{
		ID:        s.ID,
		GrainID:   s.GrainID,
		UserID:    s.UserID,
		Port:      s.Port,
		Timestamp: s.Timestamp,
	}).Insert()
	return err
}

func (r *Repository) GetSession(ctx context.Context, id string) (*store.Session, error) {
	m := &SessionModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return m.toSession(), nil
}

func (r *Repository) ListSessions(ctx context.Context) ([]*store.Session, error) {
	var models []SessionModel
	if err := r.db.ModelContext(ctx, &models).Order("timestamp ASC").Select(); err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func (r *Repository) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*store.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("timestamp < ?", cutoff).
		Order("timestamp ASC").
		Select()
	if err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func toSessions(models []SessionModel) []*store.Session {
	sessions := make([]*store.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, models[i].toSession())
	}
	return sessions
}

func (r *Repository) TouchSession(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ModelContext(ctx, &SessionModel{}).
		Set("timestamp = ?", now).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) RemoveSession(ctx context.Context, id string) error {
	_, err := r.db.ModelContext(ctx, &SessionModel{}).Where("id = ?", id).Delete()
	return err
}

func (r *Repository) RemoveSessionIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := r.db.ModelContext(ctx, &SessionModel{}).
		Where("id = ?", id).
		Where("timestamp < ?", cutoff).
		Delete()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (r *Repository) GetStaticAsset(ctx context.Context, id string) (*store.StaticAsset, error) {
	m := &StaticAssetModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return &store.StaticAsset{
		ID:       m.ID,
		MimeType: m.MimeType,
		Encoding: m.Encoding,
		Content:  m.Content,
		RefCount: m.RefCount,
	}, nil
}

func (r *Repository) AddStaticAsset(ctx context.Context, mimeType, encoding string, content []byte) (string, error) {
	m := &StaticAssetModel{
		ID:       uuid.NewString(),
		MimeType: mimeType,
		Encoding: encoding,
		Content:  content,
		RefCount: 1,
	}
	if _, err := r.db.ModelContext(ctx, m).Insert(); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (r *Repository) UnrefStaticAsset(ctx context.Context, id string) error {
	return r.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		_, err := tx.ModelContext(ctx, &StaticAssetModel{}).
			Set("ref_count = ref_count - 1").
			Where("id = ?", id).
			Update()
		if err != nil {
			return err
		}
		_, err = tx.ModelContext(ctx, &StaticAssetModel{}).
			Where("id = ?", id).
			Where("ref_count <= 0").
			Delete()
		return err
	})
}

func (r *Repository) InsertAssetUpload(ctx context.Context, u *store.AssetUpload) error {
	_, err := r.db.ModelContext(ctx, &AssetUploadModel{
		Token:      u.Token,
		UserID:     u.UserID,
		IdentityID: u.IdentityID,
		Expires:    u.Expires,
	}).Insert()
	return err
}

func (r *Repository) FulfillAssetUpload(ctx context.Context, token string, now time.Time) (*store.AssetUpload, error) {
	m := new(AssetUploadModel)
	res, err := r.db.ModelContext(ctx, m).
		Where("token = ?", token).
		Returning("*").
		Delete()
	if err != nil {
		return nil, err
	}
	if res.RowsAffected() == 0 || !now.Before(m.Expires) {
		return nil, store.ErrNotFound
	}
	return &store.AssetUpload{
		Token:      m.Token,
		UserID:     m.UserID,
		IdentityID: m.IdentityID,
		Expires:    m.Expires,
	}, nil
}

func (r *Repository) SetIdentityPicture(ctx context.Context, identityID, assetID string) (string, error) {
	var previous string
	err := r.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		m := &IdentityModel{ID: identityID}
		err := tx.ModelContext(ctx, m).WherePK().For("UPDATE").Select()
		switch {
		case errors.Is(err, pg.ErrNoRows):
			_, err = tx.ModelContext(ctx, &IdentityModel{ID: identityID, Picture: assetID}).Insert()
			return err
		case err != nil:
			return err
		}
		previous = m.Picture
		_, err = tx.ModelContext(ctx, m).Set("picture = ?", assetID).WherePK().Update()
		return err
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}
