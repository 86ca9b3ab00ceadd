//go:build linux

// Package kmod wraps the MobiCore kernel driver's ioctl-based capability
// set: mapping shared pages, registering L2 page tables for user buffers,
// issuing fast calls into the secure monitor, and waiting for S-SIQ. Every
// call is a single unix.Syscall(SYS_IOCTL, ...), the same pattern the
// teacher's kvm package uses for every KVM ioctl (see kvm/kvm_amd64.go).
package kmod

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tzkit/mcdaemon/mcerr"
)

// Version is the driver interface version this daemon was built against.
// CheckVersion fails with mcerr.KmodVersion if the driver reports a
// different major version or a lower minor version.
var Version = struct{ Major, Minor uint32 }{Major: 2, Minor: 2}

const defaultDriverPath = "/dev/mobicore"

// Wsm describes one shared buffer tracked across the user/kernel/secure-world
// boundary, per spec §3: virt, phys, handle and length together identify it.
type Wsm struct {
	Virt   uintptr
	Phys   uint64
	Handle uint32
	Len    uint32
}

// Binding is a thin, serialised capability over one open kernel driver fd.
// All methods are safe for concurrent use; the driver fd itself only
// supports one ioctl in flight in practice, so Binding holds a mutex rather
// than relying on the kernel to arbitrate, mirroring vm.Machine's single-fd
// ownership model in the teacher.
type Binding struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens the driver at path (defaultDriverPath if empty) and checks its
// reported version against Version.
func Open(path string) (*Binding, error) {
	if path == "" {
		path = defaultDriverPath
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, mcerr.Wrap(mcerr.KmodNotOpen, err)
	}

	b := &Binding{f: f}

	if err := b.CheckVersion(); err != nil {
		f.Close()
		return nil, err
	}

	return b, nil
}

// Close closes the driver fd. The Binding must not be used afterwards.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}

func (b *Binding) ioctl(req uintptr, arg unsafe.Pointer) error {
	if b.f == nil {
		return mcerr.New(mcerr.KmodNotOpen)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return mcerr.Wrap(mcerr.DriverError, errno)
	}

	return nil
}

// CheckVersion matches the driver's reported (major, minor) against Version.
func (b *Binding) CheckVersion() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var v ioctlVersion
	if err := b.ioctl(ioVersion, unsafe.Pointer(&v)); err != nil {
		return err
	}

	if v.Major != Version.Major || v.Minor < Version.Minor {
		return mcerr.Wrap(mcerr.KmodVersion, fmt.Errorf("driver %d.%d, daemon requires %d.%d",
			v.Major, v.Minor, Version.Major, Version.Minor))
	}

	return nil
}

// MapShared maps a new len-byte driver-owned contiguous region and mmaps it
// into this process, returning the resulting Wsm.
func (b *Binding) MapShared(len uint32) (Wsm, error) {
	return b.mapRegion(ioMapWSM, len)
}

// MapMci maps the MCI region. The Binding always returns reused == false:
// it does not inspect the driver's map result for a region kept from a
// previous daemon lifetime, so device.OpenWithDriver always zeroes the
// region and runs the full FcInit handshake over it.
func (b *Binding) MapMci(len uint32) (wsm Wsm, reused bool, err error) {
	wsm, err = b.mapRegion(ioMapMCI, len)
	return wsm, false, err
}

func (b *Binding) mapRegion(req uintptr, length uint32) (Wsm, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := ioctlMap{Len: length}
	if err := b.ioctl(req, unsafe.Pointer(&params)); err != nil {
		return Wsm{}, err
	}

	mm, err := unix.Mmap(int(b.f.Fd()), int64(params.PhysAddr), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return Wsm{}, mcerr.Wrap(mcerr.DriverError, err)
	}

	return Wsm{
		Virt:   uintptr(unsafe.Pointer(&mm[0])),
		Phys:   params.PhysAddr,
		Handle: params.Handle,
		Len:    length,
	}, nil
}

// Free releases a driver-owned region by handle, unmapping virt/len from
// this process first.
func (b *Binding) Free(handle uint32, virt uintptr, length uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mm := unsafe.Slice((*byte)(unsafe.Pointer(virt)), length)
	if err := unix.Munmap(mm); err != nil {
		return mcerr.Wrap(mcerr.DriverError, err)
	}

	h := handle
	return b.ioctl(ioFree, unsafe.Pointer(&h))
}

// RegisterL2 registers an L2 page table for a len-byte buffer living at virt
// in the address space of pid, returning the kernel handle and the physical
// address of the L2 table itself.
func (b *Binding) RegisterL2(virt uintptr, length uint32, pid uint32) (handle uint32, physL2 uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := ioctlRegWSM{
		BufAddr: uint64(virt),
		Len:     length,
		Pid:     pid,
	}

	if err := b.ioctl(ioRegWSM, unsafe.Pointer(&params)); err != nil {
		return 0, 0, err
	}

	return params.Handle, params.PhysAddr, nil
}

// UnregisterL2 drops a previously registered L2 page table by handle.
func (b *Binding) UnregisterL2(handle uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := handle
	return b.ioctl(ioUnregWSM, unsafe.Pointer(&h))
}

// LockL2 pins a registered buffer's pages so the secure world may safely
// reference them.
func (b *Binding) LockL2(handle uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := handle
	return b.ioctl(ioLockWSM, unsafe.Pointer(&h))
}

// UnlockL2 unpins a previously locked buffer.
func (b *Binding) UnlockL2(handle uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := handle
	return b.ioctl(ioUnlockWSM, unsafe.Pointer(&h))
}

// FindL2 resolves the physical base address of a registered buffer's L2
// table by handle.
func (b *Binding) FindL2(handle uint32) (phys uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := struct {
		Handle uint32
		Phys   uint64
	}{Handle: handle}

	if err := b.ioctl(ioResolveWSM, unsafe.Pointer(&params)); err != nil {
		return 0, err
	}

	return params.Phys, nil
}

// FindContiguous resolves the physical base and length of a driver-owned
// contiguous region by handle (used for Wsm lookups that don't go through
// L2 registration, e.g. the MCI region itself).
func (b *Binding) FindContiguous(handle uint32) (phys uint64, length uint32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := ioctlResolveContWSM{Handle: handle}
	if err := b.ioctl(ioResolveContWSM, unsafe.Pointer(&params)); err != nil {
		return 0, 0, err
	}

	return params.PhysAddr, params.Len, nil
}

// CleanupL2 drops every L2 registration still outstanding for this process.
// Called at device teardown so the kernel driver's bookkeeping returns to
// empty regardless of client misbehaviour (spec §8: "at process exit, the
// number of live L2 registrations is zero").
func (b *Binding) CleanupL2() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ioctl(ioCleanWSM, nil)
}

// FcInit issues the MC_IO_INIT fast call, telling the secure world where to
// find the notification queues and the MCP message inside the MCI region.
func (b *Binding) FcInit(nqOff, nqLen, mcpOff, mcpLen uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := ioctlInit{NqOffset: nqOff, NqLength: nqLen, MCPOffset: mcpOff, MCPLength: mcpLen}
	return b.ioctl(ioInit, unsafe.Pointer(&params))
}

// FcYield issues a yield fast call: return control to the secure world only
// long enough to let it make forward progress, without forcing a full
// scheduling decision (spec §4.7).
func (b *Binding) FcYield() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ioctl(ioYield, nil)
}

// FcNsiq issues a normal-world software interrupt, forcing the secure world
// to make a scheduling decision.
func (b *Binding) FcNsiq() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ioctl(ioNSIQ, nil)
}

// InfoState is the secure world's coarse initialisation/run state, reported
// by FcInfo.
type InfoState int32

const (
	StateNotInitialized InfoState = 0
	StateInitialized    InfoState = 1
	StateHalt           InfoState = 3
)

// FcInfo queries extended state about the secure world identified by id (id
// 1 is the "are you initialised yet" query used by device.OpenWithDriver).
func (b *Binding) FcInfo(id int32) (state InfoState, extInfo int32, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := ioctlInfo{ExtInfoID: id}
	if err := b.ioctl(ioInfo, unsafe.Pointer(&params)); err != nil {
		return 0, 0, err
	}

	return InfoState(params.State), params.ExtInfo, nil
}

// WaitSsiq blocks in the driver until the secure world raises S-SIQ,
// returning the driver's S-SIQ counter. It must only be called from the
// dedicated IRQ goroutine (device.IrqLoop): the ioctl blocks in-kernel.
func (b *Binding) WaitSsiq() (counter uint32, err error) {
	// Deliberately not holding b.mu for the duration of the blocking wait:
	// a concurrent FcNsiq/FcYield from the scheduler goroutine must still
	// be able to proceed while the IRQ goroutine blocks here. The driver
	// itself serialises S-SIQ waits against its own internal counter.
	if b.f == nil {
		return 0, mcerr.New(mcerr.KmodNotOpen)
	}

	var counterArg uint32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), waitSsiqReq, uintptr(unsafe.Pointer(&counterArg)))
	if errno != 0 {
		if errno == syscall.EINTR {
			return 0, mcerr.Wrap(mcerr.Notification, errno)
		}
		return 0, mcerr.Wrap(mcerr.DriverError, errno)
	}

	return counterArg, nil
}

// waitSsiqReq is issued against the same fd but blocks in the kernel rather
// than returning immediately; the driver distinguishes it from ioInfo by a
// different command number.
const waitSsiqReq = 0x4d11
