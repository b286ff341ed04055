package session

import (
	"context"

	"gateway/internal/grain"
	"gateway/internal/store"
)

// Store is the slice of the metadata store the session manager uses.
type Store interface {
	store.GrainStore
	store.AppStore
	store.SessionStore
}

// Grains starts and tracks grain supervisors. *grain.Registry implements it.
type Grains interface {
	EnsureRunning(ctx context.Context, appID, grainID string, cmd grain.Command, isNew bool) error
	Await(ctx context.Context, grainID string) (found bool, err error)
}

var _ Grains = (*grain.Registry)(nil)
