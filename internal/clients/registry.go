package clients

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// timeNow is a seam for tests.
var timeNow = time.Now

// Entry records one client address and when it was seen connected.
type Entry struct {
	IP        string
	FirstSeen time.Time
	LastSeen  time.Time
	Hits      int
}

// Registry is a threadsafe catalog of every client address seen while
// the supervisor has been running. Entries are only added or
// refreshed, never removed: an address observed once keeps counting
// toward idle-time decisions until the program exits.
type Registry struct {
	mu   sync.RWMutex
	byIP map[string]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byIP: make(map[string]*Entry)}
}

// Observe bumps the last-seen stamp for each address, creating entries
// for addresses not seen before. Returns the number of new entries.
func (r *Registry) Observe(ips ...string) int {
	now := timeNow()

	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if e, ok := r.byIP[ip]; ok {
			e.LastSeen = now
			e.Hits++
			continue
		}
		r.byIP[ip] = &Entry{IP: ip, FirstSeen: now, LastSeen: now, Hits: 1}
		added++
	}
	return added
}

// LastActivity returns the most recent last-seen stamp across all
// entries. ok is false while nothing has been observed.
func (r *Registry) LastActivity() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last time.Time
	for _, e := range r.byIP {
		if e.LastSeen.After(last) {
			last = e.LastSeen
		}
	}
	return last, !last.IsZero()
}

// ActiveWithin reports whether any client was seen strictly less than
// d ago. A client idle for exactly d no longer counts as active.
func (r *Registry) ActiveWithin(d time.Duration) bool {
	last, ok := r.LastActivity()
	if !ok {
		return false
	}
	return timeNow().Sub(last) < d
}

// Len returns the number of distinct addresses seen so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP)
}

// Snapshot returns a copy of all entries sorted by address.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.byIP))
	for _, e := range r.byIP {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Admitted reports whether addr passes the filter patterns. An empty
// filter admits everyone; otherwise the address must contain one of
// the patterns as a substring, so "10.1." admits the whole prefix and
// a full address pins one client.
func Admitted(addr string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(addr, p) {
			return true
		}
	}
	return false
}
