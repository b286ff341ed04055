// Package memory is an in-process store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gateway/internal/store"

	"github.com/google/uuid"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu         sync.RWMutex
	grains     map[string]store.Grain
	apps       map[string]store.App
	sessions   map[string]store.Session
	assets     map[string]store.StaticAsset
	uploads    map[string]store.AssetUpload
	identities map[string]store.Identity
}

func New() *Store {
	return &Store{
		grains:     make(map[string]store.Grain),
		apps:       make(map[string]store.App),
		sessions:   make(map[string]store.Session),
		assets:     make(map[string]store.StaticAsset),
		uploads:    make(map[string]store.AssetUpload),
		identities: make(map[string]store.Identity),
	}
}

func (s *Store) GetGrain(_ context.Context, id string) (*store.Grain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grains[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (s *Store) GrainByPublicID(_ context.Context, publicID string) (*store.Grain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grains {
		if g.PublicID != "" && g.PublicID == publicID {
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) InsertGrain(_ context.Context, g *store.Grain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grains[g.ID] = *g
	return nil
}

func (s *Store) GetApp(_ context.Context, id string) (*store.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) InsertApp(_ context.Context, a *store.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[a.ID] = *a
	return nil
}

func (s *Store) InsertSession(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) ListSessions(_ context.Context) ([]*store.Session, error) {
	return s.list(func(store.Session) bool { return true }), nil
}

func (s *Store) ListIdleSessions(_ context.Context, cutoff time.Time) ([]*store.Session, error) {
	return s.list(func(sess store.Session) bool { return sess.Timestamp.Before(cutoff) }), nil
}

func (s *Store) list(keep func(store.Session) bool) []*store.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if keep(sess) {
			sess := sess
			out = append(out, &sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Store) TouchSession(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Timestamp = now
	s.sessions[id] = sess
	return nil
}

func (s *Store) RemoveSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) RemoveSessionIfIdle(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Timestamp.Before(cutoff) {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

func (s *Store) GetStaticAsset(_ context.Context, id string) (*store.StaticAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) AddStaticAsset(_ context.Context, mimeType, encoding string, content []byte) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[id] = store.StaticAsset{
		ID:       id,
		MimeType: mimeType,
		Encoding: encoding,
		Content:  append([]byte(nil), content...),
		RefCount: 1,
	}
	return id, nil
}

func (s *Store) UnrefStaticAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil
	}
	a.RefCount--
	if a.RefCount <= 0 {
		delete(s.assets, id)
		return nil
	}
	s.assets[id] = a
	return nil
}

func (s *Store) InsertAssetUpload(_ context.Context, u *store.AssetUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[u.Token] = *u
	return nil
}

func (s *Store) FulfillAssetUpload(_ context.Context, token string, now time.Time) (*store.AssetUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.uploads, token)
	if !now.Before(u.Expires) {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) SetIdentityPicture(_ context.Context, identityID, assetID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident := s.identities[identityID]
	ident.ID = identityID
	previous := ident.Picture
	ident.Picture = assetID
	s.identities[identityID] = ident
	return previous, nil
}

// Identity is used by tests to inspect picture changes.
func (s *Store) Identity(id string) (store.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	return ident, ok
}
