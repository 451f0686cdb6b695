package router

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/archipelago/internal/isle"
	"github.com/snehjoshi/archipelago/internal/mailbox"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Registry entry ───────────────────────────────────────────────────────────

// entry is everything the router tracks for one registered isle. Entries are
// never removed: after unregistration the entry stays as a tombstone so the
// router can tell "retired" apart from "never existed".
type entry struct {
	addr         types.Address
	name         string
	isle         isle.Isle
	mbox         *mailbox.Mailbox
	rt           *isle.Runtime
	registeredMs int64

	// delivered counts messages accepted into this isle's mailbox.
	delivered atomic.Uint64

	// retired flips exactly once; its CAS decides which caller performs the
	// actual teardown when unregister races with fail-fast or shutdown.
	retired atomic.Bool
}

// IsleInfo is the inspection view of one isle, as returned by ListIsles.
type IsleInfo struct {
	Addr         types.Address `json:"addr"`
	Name         string        `json:"name"`
	Status       types.Status  `json:"status"`
	Depth        int           `json:"depth"`
	Delivered    uint64        `json:"delivered"`
	Processed    uint64        `json:"processed"`
	Restarts     uint64        `json:"restarts"`
	RegisteredMs int64         `json:"registered_ms"`
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// registry is the address book: addr → entry, plus an identity map that
// rejects registering the same isle instance twice. Addresses are ULIDs, so
// lexicographic order is registration order.
type registry struct {
	mu     sync.RWMutex
	byAddr map[types.Address]*entry
	byIsle map[isle.Isle]types.Address
}

func newRegistry() *registry {
	return &registry{
		byAddr: make(map[types.Address]*entry),
		byIsle: make(map[isle.Isle]types.Address),
	}
}

// add inserts e, failing when the isle instance is already registered under
// another live address.
func (r *registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byIsle[e.isle]; ok {
		return fmt.Errorf("%w: instance already live as %s", types.ErrDuplicateRegistration, prev)
	}
	r.byAddr[e.addr] = e
	r.byIsle[e.isle] = e.addr
	return nil
}

// lookup finds an entry by address, tombstones included.
func (r *registry) lookup(addr types.Address) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	return e, ok
}

// release drops the identity mapping after unregistration, so the same
// instance may register again under a fresh address. The address tombstone
// stays.
func (r *registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIsle[e.isle] == e.addr {
		delete(r.byIsle, e.isle)
	}
}

// all returns every entry, tombstones included, in registration order.
func (r *registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.byAddr))
	for _, e := range r.byAddr {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// active returns the entries that have not begun retirement, in registration
// order.
func (r *registry) active() []*entry {
	all := r.all()
	out := all[:0]
	for _, e := range all {
		if !e.retired.Load() {
			out = append(out, e)
		}
	}
	return out
}
