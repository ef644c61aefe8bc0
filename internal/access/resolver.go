package access

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Resolver selects candidate stanzas for an incoming packet. It supports the
// two identity models: a source-IP scan over the stanza list, and a direct
// lookup by client identifier. Reloads swap the stanza list copy-on-write;
// the identifier map is guarded by a mutex taken across the lookup only.
type Resolver struct {
	mu      sync.Mutex
	stanzas []*Stanza
	byID    map[string]*Stanza
}

// NewResolver builds a resolver over a loaded stanza list.
func NewResolver(stanzas []*Stanza) *Resolver {
	r := &Resolver{}
	r.Reload(stanzas)
	return r
}

// Reload replaces the policy with a freshly loaded stanza list. In-flight
// packets keep iterating the snapshot they already hold.
func (r *Resolver) Reload(stanzas []*Stanza) {
	byID := make(map[string]*Stanza, len(stanzas))
	for _, st := range stanzas {
		if st.SDPID != 0 {
			byID[strconv.FormatUint(uint64(st.SDPID), 10)] = st
		}
	}
	r.mu.Lock()
	r.stanzas = stanzas
	r.byID = byID
	r.mu.Unlock()
}

// Snapshot returns the current stanza list for an IP-mode search.
func (r *Resolver) Snapshot() []*Stanza {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stanzas
}

// AnySourceMatch reports whether at least one stanza's SOURCE list covers
// ip. A miss means the packet can be dropped before any decryption work.
func (r *Resolver) AnySourceMatch(ip net.IP) bool {
	for _, st := range r.Snapshot() {
		if st.SourceMatch(ip) {
			return true
		}
	}
	return false
}

// BySDPID looks up the single candidate stanza for a client identifier.
// Expired stanzas are treated as absent.
func (r *Resolver) BySDPID(id uint32, now time.Time) *Stanza {
	r.mu.Lock()
	st := r.byID[strconv.FormatUint(uint64(id), 10)]
	r.mu.Unlock()
	if st == nil || st.Expired(now) {
		return nil
	}
	return st
}
