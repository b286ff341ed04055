package proxy

import (
	"sync"
)

// Registry holds the live proxy of every open session. A session has at most
// one proxy.
type Registry struct {
	mu      sync.RWMutex
	proxies map[string]*Proxy
}

func NewRegistry() *Registry {
	return &Registry{proxies: make(map[string]*Proxy)}
}

func (r *Registry) Add(p *Proxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.proxies[p.SessionID]; ok {
		return ErrSessionExists
	}
	r.proxies[p.SessionID] = p
	return nil
}

func (r *Registry) Get(sessionID string) (*Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[sessionID]
	return p, ok
}

// Remove forgets the session's proxy and returns it so the caller can close it.
func (r *Registry) Remove(sessionID string) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[sessionID]
	if ok {
		delete(r.proxies, sessionID)
	}
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}

// CloseAll closes and forgets every proxy. Session records are left alone so
// the sessions can be restored by the next process.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	proxies := r.proxies
	r.proxies = make(map[string]*Proxy)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range proxies {
		wg.Add(1)
		go func(p *Proxy) {
			defer wg.Done()
			_ = p.Close()
		}(p)
	}
	wg.Wait()
}
