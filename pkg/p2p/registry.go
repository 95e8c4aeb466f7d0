package p2p

import (
	"sort"
	"sync"
	"time"
)

// Registry remembers which peers announced which services. An announcement
// is valid for ttl; peers that stop announcing drop out of lookups.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	services map[string]map[string]time.Time // service -> peer -> last seen
}

func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{ttl: ttl, now: now, services: make(map[string]map[string]time.Time)}
}

func (r *Registry) Saw(service, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.services[service]
	if m == nil {
		m = make(map[string]time.Time)
		r.services[service] = m
	}
	m[peer] = r.now()
}

// Forget removes peer from every service.
func (r *Registry) Forget(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.services {
		delete(m, peer)
	}
}

// Peers returns the live providers of service in sorted order, pruning
// expired announcements as it goes.
func (r *Registry) Peers(service string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []string
	for p, seen := range r.services[service] {
		if r.ttl > 0 && now.Sub(seen) > r.ttl {
			delete(r.services[service], p)
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
