package dispatcher

import (
	"context"

	"gateway/internal/proxy"
	"gateway/internal/resolver"
	"gateway/internal/store"
)

// Proxies finds the live proxy of a session. *proxy.Registry implements it.
type Proxies interface {
	Get(sessionID string) (*proxy.Proxy, bool)
}

// Resolver maps a custom domain to a grain public id.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// GrainLookup finds the grain publishing under a public id.
type GrainLookup interface {
	GrainByPublicID(ctx context.Context, publicID string) (*store.Grain, error)
}

var (
	_ Proxies     = (*proxy.Registry)(nil)
	_ Resolver    = (*resolver.Resolver)(nil)
	_ GrainLookup = (store.GrainStore)(nil)
)
