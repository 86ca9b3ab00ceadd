// Package daemonctx owns the process-wide state the daemon needs: the
// table of open devices, keyed by device id, and the container registry.
// It exists so that no package holds package-level mutable state (spec
// §9) — main.go builds exactly one DaemonContext and threads it into the
// command and notification servers.
package daemonctx

import (
	"sync"

	"github.com/tzkit/mcdaemon/device"
	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/registry"
)

// DaemonContext is the process-wide device table, guarded by one mutex, in
// the shape of virtio.SocketDevice's own mu+map pairing. It also carries
// the one Registry the process needs: unlike devices, the registry has no
// per-connection lifecycle, so it needs no map or locking of its own.
type DaemonContext struct {
	mu      sync.Mutex
	devices map[uint32]*device.Device
	reg     *registry.Registry
}

// New returns an empty DaemonContext backed by reg for container lookups.
func New(reg *registry.Registry) *DaemonContext {
	return &DaemonContext{devices: make(map[uint32]*device.Device), reg: reg}
}

// Registry returns the container registry every OpenSession call assembles
// its authenticated blob from.
func (c *DaemonContext) Registry() *registry.Registry {
	return c.reg
}

// Open opens a new device under cfg.DeviceID and registers it, failing
// with DeviceAlreadyOpen if that id is already bound (spec §4.5).
func (c *DaemonContext) Open(cfg device.Config) (*device.Device, error) {
	d, err := device.Open(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.Adopt(d); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// Adopt registers an already-open device, failing with DeviceAlreadyOpen
// if its id is already bound. It is the seam tests use to register a
// device opened with device.OpenWithDriver against a fake driver, without
// going through a real open of /dev/mobicore.
func (c *DaemonContext) Adopt(d *device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[d.ID()]; ok {
		return mcerr.New(mcerr.DeviceAlreadyOpen)
	}

	c.devices[d.ID()] = d
	return nil
}

// Get returns the open device for id, or UnknownDevice if none is open.
func (c *DaemonContext) Get(id uint32) (*device.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok {
		return nil, mcerr.New(mcerr.UnknownDevice)
	}
	return d, nil
}

// Close closes the device bound to id and drops it from the table. It
// refuses while the device has open sessions, per spec §4.5.
func (c *DaemonContext) Close(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok {
		return mcerr.New(mcerr.UnknownDevice)
	}

	if d.SessionCount() > 0 {
		return mcerr.New(mcerr.SessionPending)
	}

	if err := d.Close(); err != nil {
		return err
	}

	delete(c.devices, id)
	return nil
}

// CloseAll closes every open device, ignoring SessionPending refusals, for
// use during process shutdown.
func (c *DaemonContext) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, d := range c.devices {
		d.Close()
		delete(c.devices, id)
	}
}
