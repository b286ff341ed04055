package portpool

import (
	"sort"
	"sync"
)

// ReconcileWindow bounds how far above the first port a restored session's port
// may sit and still push the allocator forward at startup.
const ReconcileWindow = 256

// Pool hands out TCP port numbers for session proxies. Released ports are reused
// before new ones are minted.
type Pool struct {
	mu        sync.Mutex
	first     int
	next      int
	available []int
	held      map[int]struct{}
	onChange  func(available int)
}

func New(first int) *Pool {
	return &Pool{
		first: first,
		next:  first,
		held:  make(map[int]struct{}),
	}
}

// OnChange registers a callback invoked with the number of reusable ports
// after every mutation. Used to feed metrics.
func (p *Pool) OnChange(fn func(available int)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Claim returns a previously released port if one exists, otherwise the next
// never-used port.
func (p *Pool) Claim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var port int
	if n := len(p.available); n > 0 {
		port = p.available[n-1]
		p.available = p.available[:n-1]
	} else {
		port = p.next
		p.next++
	}
	p.held[port] = struct{}{}
	p.notify()
	return port
}

// Hold marks a specific port as in use, e.g. a restored session re-binding its
// old port. It is removed from the reusable list if present.
func (p *Pool) Hold(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, a := range p.available {
		if a == port {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	p.held[port] = struct{}{}
	if port >= p.next && port < p.first+ReconcileWindow {
		p.next = port + 1
	}
	p.notify()
}

// Release makes a held port reusable. Releasing a port that is not held is a no-op,
// so double releases never put a port on the list twice.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[port]; !ok {
		return
	}
	delete(p.held, port)
	p.available = append(p.available, port)
	p.notify()
}

func (p *Pool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func (p *Pool) Available() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.available))
	copy(out, p.available)
	sort.Ints(out)
	return out
}

// Reconcile rebuilds allocator state after restoring sessions. Ports of restored
// sessions inside [first, first+ReconcileWindow) advance next past them; every port
// below next that no session uses becomes reusable.
func (p *Pool) Reconcile(first int, inUse []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.first = first
	if p.next < first {
		p.next = first
	}

	used := make(map[int]struct{}, len(inUse))
	for _, port := range inUse {
		used[port] = struct{}{}
		p.held[port] = struct{}{}
		if port >= first && port < first+ReconcileWindow && port >= p.next {
			p.next = port + 1
		}
	}

	p.available = p.available[:0]
	for port := first; port < p.next; port++ {
		if _, ok := used[port]; ok {
			continue
		}
		delete(p.held, port)
		p.available = append(p.available, port)
	}
	p.notify()
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange(len(p.available))
	}
}
