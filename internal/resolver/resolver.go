package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"gateway/internal/monitor"
)

const (
	// RecordPrefix is prepended to a host to find the TXT record naming its public ID.
	RecordPrefix = "sandstorm-www."

	DefaultTTL = 30 * time.Second
)

// TXTLookup is the subset of *net.Resolver the resolver needs.
type TXTLookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// HostLookup is implemented by lookups that can also resolve addresses, as
// *net.Resolver does. The system resolver reports a name without TXT records
// exactly like a name that does not exist, so an address lookup on the same
// name is what tells the two apart.
type HostLookup interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var _ HostLookup = (*net.Resolver)(nil)

type cacheEntry struct {
	value      string
	expiration time.Time
}

// Resolver maps custom hostnames to grain public IDs through DNS TXT records and
// keeps a short-lived cache, because the system resolver gives us neither caching
// nor TTLs.
type Resolver struct {
	lookup  TXTLookup
	ttl     time.Duration
	rootURL string
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type Option func(*Resolver)

func WithLookup(l TXTLookup) Option { return func(r *Resolver) { r.lookup = l } }

func WithTTL(ttl time.Duration) Option { return func(r *Resolver) { r.ttl = ttl } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

func New(rootURL string, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:  net.DefaultResolver,
		ttl:     DefaultTTL,
		rootURL: rootURL,
		now:     time.Now,
		logger:  logger.With("component", "dns-resolver"),
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the public ID published for hostname. Unexpired cache entries
// are served without querying DNS; failed lookups are never cached.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (string, error) {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.cache[hostname]
	r.mu.Unlock()
	if ok && now.Before(entry.expiration) {
		monitor.DNSLookupsTotal.WithLabelValues("hit").Inc()
		return entry.value, nil
	}

	query := RecordPrefix + hostname
	records, err := r.lookup.LookupTXT(ctx, query)
	if err != nil {
		monitor.DNSLookupsTotal.WithLabelValues("error").Inc()
		lerr := newLookupError(hostname, r.rootURL, r.classify(ctx, query, err), err)
		r.logger.Debug("TXT lookup failed", "host", hostname, "kind", lerr.Kind, "error", err)
		return "", lerr
	}
	if len(records) != 1 {
		monitor.DNSLookupsTotal.WithLabelValues("error").Inc()
		return "", &RecordCountError{Query: query, Count: len(records)}
	}

	monitor.DNSLookupsTotal.WithLabelValues("miss").Inc()
	r.mu.Lock()
	r.cache[hostname] = cacheEntry{value: records[0], expiration: now.Add(r.ttl)}
	r.mu.Unlock()
	return records[0], nil
}

// classify is the package-level classification, refined to KindNoData when the
// queried name turns out to exist without TXT records.
func (r *Resolver) classify(ctx context.Context, query string, err error) Kind {
	kind := classify(err)
	if kind != KindNotFound {
		return kind
	}
	hl, ok := r.lookup.(HostLookup)
	if !ok {
		return kind
	}
	if addrs, herr := hl.LookupHost(ctx, query); herr == nil && len(addrs) > 0 {
		return KindNoData
	}
	return kind
}

// classify maps a resolver failure to the categories users get remediation text for.
func classify(err error) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return KindNotFound
		case dnsErr.IsTimeout:
			return KindTimeout
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}

// RecordCountError reports a TXT query that returned zero or several records.
type RecordCountError struct {
	Query string
	Count int
}

func (e *RecordCountError) Error() string {
	return fmt.Sprintf("Host %q must have exactly one TXT record.", e.Query)
}

func (e *RecordCountError) StatusCode() int { return 500 }
