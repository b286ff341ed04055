// Package dispatcher routes every inbound request by its Host header: to the
// shell, a session proxy, the static asset host, the self-test host or a
// grain's published web site.
package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"gateway/internal/httperr"
	"gateway/internal/monitor"
	"gateway/internal/proxy"
	"gateway/internal/store"
	"gateway/internal/www"
)

// Handlers are the fixed destinations of the dispatcher.
type Handlers struct {
	Shell    http.Handler
	Assets   http.Handler
	SelfTest http.Handler
}

// handlerCache keeps one www handler per public id. Alternate dispatchers
// share it with the primary one.
type handlerCache struct {
	mu       sync.RWMutex
	handlers map[string]*www.Handler
}

type Dispatcher struct {
	root     *url.URL
	ddp      *url.URL
	wildcard wildcard
	cacheAge int

	handlers Handlers
	proxies  Proxies
	resolver Resolver
	grains   GrainLookup
	www      www.Grains
	cache    *handlerCache

	// redirect sends shell and wildcard hosts to the canonical port.
	redirect bool

	logger *slog.Logger
}

func New(
	config Config,
	handlers Handlers,
	proxies Proxies,
	resolver Resolver,
	grains GrainLookup,
	wwwGrains www.Grains,
	logger *slog.Logger,
) (*Dispatcher, error) {
	root, err := url.Parse(config.RootURL)
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("invalid root url %q", config.RootURL)
	}
	var ddp *url.URL
	if config.DDPURL != "" {
		if ddp, err = url.Parse(config.DDPURL); err != nil || ddp.Host == "" {
			return nil, fmt.Errorf("invalid ddp url %q", config.DDPURL)
		}
	}
	wc, err := parseWildcard(config.WildcardHost)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		root:     root,
		ddp:      ddp,
		wildcard: wc,
		cacheAge: config.WwwCacheSeconds,
		handlers: handlers,
		proxies:  proxies,
		resolver: resolver,
		grains:   grains,
		www:      wwwGrains,
		cache:    &handlerCache{handlers: make(map[string]*www.Handler)},
		logger:   logger.With("component", "dispatcher"),
	}, nil
}

// Alternate returns a dispatcher for the secondary ports. Shell and wildcard
// hosts are redirected to the canonical port; custom domains are still served.
func (d *Dispatcher) Alternate() *Dispatcher {
	alt := *d
	alt.redirect = true
	alt.logger = d.logger.With("alternate", true)
	return &alt
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if proxy.IsUpgrade(r) {
		d.serveUpgrade(w, r)
		return
	}

	if r.Host == "" {
		d.count("bad_request")
		httperr.Write(w, httperr.BadRequest("Missing Host header"), d.logger)
		return
	}

	if d.isShell(r.Host) {
		if d.redirect {
			d.redirectCanonical(w, r)
			return
		}
		d.count("shell")
		d.handlers.Shell.ServeHTTP(w, r)
		return
	}

	var publicID string
	if id, ok := d.wildcard.Match(r.Host); ok {
		if d.redirect {
			d.redirectCanonical(w, r)
			return
		}
		switch {
		case id == staticLabel:
			d.count("static")
			d.handlers.Assets.ServeHTTP(w, r)
			return
		case selfTestLabel.MatchString(id):
			d.count("selftest")
			d.handlers.SelfTest.ServeHTTP(w, r)
			return
		}
		if p, ok := d.proxies.Get(id); ok {
			d.count("session")
			p.ServeHTTP(w, r)
			return
		}
		publicID = id
	} else {
		id, err := d.resolver.Resolve(r.Context(), hostname(r.Host))
		if err != nil {
			d.count("dns_error")
			httperr.Write(w, err, d.logger)
			return
		}
		publicID = id
	}

	h, err := d.wwwHandler(r, publicID)
	if err != nil {
		d.count("not_found")
		httperr.Write(w, err, d.logger)
		return
	}
	d.count("www")
	h.ServeHTTP(w, r)
}

// serveUpgrade lets only the shell and live sessions switch protocols; every
// other upgrade has its socket closed.
func (d *Dispatcher) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Host != "" && !d.redirect {
		if d.isShell(r.Host) {
			d.count("shell")
			d.handlers.Shell.ServeHTTP(w, r)
			return
		}
		if id, ok := d.wildcard.Match(r.Host); ok {
			if p, ok := d.proxies.Get(id); ok {
				d.count("session")
				p.ServeHTTP(w, r)
				return
			}
		}
	}

	d.count("upgrade_rejected")
	hj, ok := w.(http.Hijacker)
	if !ok {
		httperr.Write(w, httperr.BadRequest("Upgrade not supported for this host"), d.logger)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		d.logger.Warn("Failed to hijack rejected upgrade", "host", r.Host, "error", err)
		return
	}
	_ = conn.Close()
}

func (d *Dispatcher) isShell(host string) bool {
	name := hostname(host)
	if strings.EqualFold(name, d.root.Hostname()) {
		return true
	}
	return d.ddp != nil && strings.EqualFold(name, d.ddp.Hostname())
}

func (d *Dispatcher) redirectCanonical(w http.ResponseWriter, r *http.Request) {
	d.count("redirect")
	w.Header().Set("Location", canonical(d.root, r.Host, r.RequestURI))
	w.WriteHeader(http.StatusFound)
}

func (d *Dispatcher) wwwHandler(r *http.Request, publicID string) (*www.Handler, error) {
	d.cache.mu.RLock()
	h, ok := d.cache.handlers[publicID]
	d.cache.mu.RUnlock()
	if ok {
		return h, nil
	}

	grain, err := d.grains.GrainByPublicID(r.Context(), publicID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, httperr.NotFound("No such grain for public ID: " + publicID)
	}
	if err != nil {
		return nil, httperr.Wrap(http.StatusInternalServerError, "Failed to look up public ID", err)
	}

	d.cache.mu.Lock()
	defer d.cache.mu.Unlock()
	if h, ok := d.cache.handlers[publicID]; ok {
		return h, nil
	}
	h = www.NewHandler(grain.ID, d.www, d.cacheAge, d.logger)
	d.cache.handlers[publicID] = h
	monitor.WwwHandlerCacheSize.Set(float64(len(d.cache.handlers)))
	return h, nil
}

func (d *Dispatcher) count(route string) {
	monitor.DispatchRequestsTotal.WithLabelValues(route).Inc()
}
