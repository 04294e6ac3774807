package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// registryEntry is the consumed-set record for one token: token_id plus
// a used-flag and its expiry (spec §3: "the token registry holds only a
// validation record (token_id + used-flag), never a re-issuable copy").
type registryEntry struct {
	used      bool
	expiresAt time.Time
}

// Registry is the single-use token consumed-set (spec §4.G.3).
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*registryEntry
}

// NewRegistry builds an empty consumed-set.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*registryEntry)}
}

// Register records a freshly-minted token as unused.
func (r *Registry) Register(tokenID uuid.UUID, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tokenID] = &registryEntry{expiresAt: expiresAt}
}

// IsUsed is a non-authoritative fast-fail peek used before the more
// expensive validation steps; the authoritative check is TryConsume's
// atomic compare-and-set.
func (r *Registry) IsUsed(tokenID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tokenID]
	return ok && e.used
}

// TryConsume is the sole atomic mutation point: it marks tokenID used
// and returns true only for the first caller to reach it; every
// subsequent concurrent caller (replay) observes used==true and gets
// false (spec §4.G.3: "concurrent replay attempts must see exactly one
// succeed and the rest fail"). An unknown token_id also returns false —
// a token cannot be consumed before Register.
func (r *Registry) TryConsume(tokenID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tokenID]
	if !ok || e.used {
		return false
	}
	e.used = true
	return true
}

// Sweep removes entries whose expiry has passed, bounding registry
// growth over process lifetime.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}
