// Package multiagent implements the dynamic agent registry and router: the
// TTL-bounded directory of peers seeded from retained status messages, and
// the component that asks a language model (or a static next-chain) where
// to send a task next.
package multiagent

import (
	"sync"
	"time"

	"github.com/2389-research/agentmesh/internal/protocol"
)

// DefaultTTL is the registry entry expiry window: 15s without a refresh.
const DefaultTTL = 15 * time.Second

// Entry is one peer's last-known status plus the local clock reading
// recorded when it was last refreshed.
type Entry struct {
	Status      protocol.AgentStatus
	LastUpdated time.Time
}

// Registry is a concurrent, TTL-indexed directory of peer agents, seeded by
// the retained status messages the broker delivers on subscribing to the
// discovery wildcard and kept current by subsequent available/unavailable
// events. Reads are lock-free against concurrent readers; the transport's
// event loop is the single writer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry constructs an empty registry with the spec's 15s TTL.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// RegisterOrRefresh records status, bumping the entry's last-updated clock
// to now. A newly-received "unavailable" tombstone immediately overwrites
// any existing "available" entry, making the peer unselectable right away.
func (r *Registry) RegisterOrRefresh(status protocol.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[status.AgentID] = Entry{Status: status, LastUpdated: r.now()}
}

// Get returns the entry for id, if known, regardless of expiry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// expired reports whether e is past its TTL or carries an unparseable
// (zero-value) last-updated clock reading.
func (r *Registry) expired(e Entry) bool {
	if e.LastUpdated.IsZero() {
		return true
	}
	return r.now().Sub(e.LastUpdated) > r.ttl
}

// Selectable reports whether id is known, not expired, not tombstoned, and
// not self-reporting an error health class.
func (r *Registry) Selectable(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.isSelectable(e)
}

func (r *Registry) isSelectable(e Entry) bool {
	if e.Status.Status == protocol.StatusUnavailable {
		return false
	}
	if r.expired(e) {
		return false
	}
	if e.Status.Health == protocol.HealthError {
		return false
	}
	return true
}

// ListCapable returns every selectable entry advertising capability. An
// empty capability matches every selectable entry.
func (r *Registry) ListCapable(capability string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !r.isSelectable(e) {
			continue
		}
		if capability == "" || hasCapability(e.Status.Capabilities, capability) {
			out = append(out, e)
		}
	}
	return out
}

// ListSelectable returns every currently selectable entry, for building a
// capability-annotated directory to hand to the LLM router.
func (r *Registry) ListSelectable() []Entry {
	return r.ListCapable("")
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// GC removes every entry whose last-updated clock reading is older than
// the TTL. A background sweeper calls this on a ≤5s cadence per the spec;
// GC is also safe to call directly from tests.
func (r *Registry) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if r.expired(e) {
			delete(r.entries, id)
		}
	}
}

// StartSweeper runs GC on interval until stop is closed. interval should be
// ≤5s per the spec's registry expiry contract.
func (r *Registry) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.GC()
			}
		}
	}()
}

// Size returns the number of entries currently tracked, expired or not; used
// for the registry-size gauge.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
