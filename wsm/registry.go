// Package wsm tracks world-shared-memory buffers by the two keys callers
// address them with: the user-space virtual base and the kernel handle.
// Per spec §3, every Wsm is owned by exactly one holder and lookup by
// either key yields the same Wsm. The shape follows the teacher's own
// keyed-map-guarded-by-a-mutex idiom (virtio.SocketDevice.lis in
// virtio/socket.go).
package wsm

import (
	"sync"

	"github.com/tzkit/mcdaemon/kmod"
	"github.com/tzkit/mcdaemon/mcerr"
)

// Registry is a per-Device table of every Wsm currently mapped for that
// device, regardless of which holder (Device/Session/BulkBuffer) owns it.
type Registry struct {
	mu      sync.Mutex
	byVirt  map[uintptr]kmod.Wsm
	byHandle map[uint32]uintptr
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byVirt:   make(map[uintptr]kmod.Wsm),
		byHandle: make(map[uint32]uintptr),
	}
}

// Insert records w, keyed by both its virtual base and its handle.
func (r *Registry) Insert(w kmod.Wsm) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byVirt[w.Virt] = w
	r.byHandle[w.Handle] = w.Virt
}

// Remove drops the Wsm previously inserted with the given virtual base.
func (r *Registry) Remove(virt uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.byVirt[virt]; ok {
		delete(r.byHandle, w.Handle)
		delete(r.byVirt, virt)
	}
}

// FindByVirt resolves a Wsm by its user-space virtual base, failing with
// mcerr.WsmNotFound on miss.
func (r *Registry) FindByVirt(virt uintptr) (kmod.Wsm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.byVirt[virt]
	if !ok {
		return kmod.Wsm{}, mcerr.New(mcerr.WsmNotFound)
	}

	return w, nil
}

// FindByHandle resolves a Wsm by its kernel handle, failing with
// mcerr.WsmNotFound on miss.
func (r *Registry) FindByHandle(handle uint32) (kmod.Wsm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	virt, ok := r.byHandle[handle]
	if !ok {
		return kmod.Wsm{}, mcerr.New(mcerr.WsmNotFound)
	}

	return r.byVirt[virt], nil
}

// Len reports how many Wsms are currently registered, used by tests
// asserting the round-trip invariant in spec §8 ("at process exit, the
// number of mapped shared regions is zero").
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byVirt)
}
