package server_test

import (
	"sync"
	"unsafe"

	"github.com/tzkit/mcdaemon/kmod"
)

// fakeDriver is a minimal in-memory kmod.Driver, reused=true so
// device.OpenWithDriver skips FcInit/waitForInitialized — these tests
// exercise the server's connection state machine and dispatch, not the
// Device init sequence (covered in package device's own tests).
type fakeDriver struct {
	mu sync.Mutex

	mciBuf []byte

	ssiq       chan struct{}
	ssiqClosed bool

	nextHandle uint32
}

func newFakeDriver(mciLen uint32) *fakeDriver {
	return &fakeDriver{
		mciBuf: make([]byte, mciLen),
		ssiq:   make(chan struct{}, 64),
	}
}

func sliceVirt(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Close models the kernel driver's fd release, which ends a blocked
// WaitSsiq.
func (f *fakeDriver) Close() error {
	f.closeSsiq()
	return nil
}
func (f *fakeDriver) CheckVersion() error { return nil }

func (f *fakeDriver) MapShared(length uint32) (kmod.Wsm, error) {
	buf := make([]byte, length)
	return kmod.Wsm{Virt: sliceVirt(buf), Len: length, Handle: f.allocHandle()}, nil
}

func (f *fakeDriver) MapMci(length uint32) (kmod.Wsm, bool, error) {
	return kmod.Wsm{Virt: sliceVirt(f.mciBuf), Len: length, Handle: f.allocHandle()}, true, nil
}

func (f *fakeDriver) Free(handle uint32, virt uintptr, length uint32) error { return nil }

func (f *fakeDriver) RegisterL2(virt uintptr, length uint32, pid uint32) (uint32, uint64, error) {
	return f.allocHandle(), uint64(virt), nil
}

func (f *fakeDriver) UnregisterL2(handle uint32) error { return nil }
func (f *fakeDriver) LockL2(handle uint32) error       { return nil }
func (f *fakeDriver) UnlockL2(handle uint32) error     { return nil }

func (f *fakeDriver) FindL2(handle uint32) (uint64, error)                { return 0, nil }
func (f *fakeDriver) FindContiguous(handle uint32) (uint64, uint32, error) { return 0, 0, nil }
func (f *fakeDriver) CleanupL2() error                                     { return nil }

func (f *fakeDriver) FcInit(nqOff, nqLen, mcpOff, mcpLen uint32) error { return nil }
func (f *fakeDriver) FcYield() error                                  { return nil }
func (f *fakeDriver) FcNsiq() error                                   { return nil }

func (f *fakeDriver) FcInfo(id int32) (kmod.InfoState, int32, error) {
	return kmod.StateInitialized, 0, nil
}

func (f *fakeDriver) WaitSsiq() (uint32, error) {
	_, ok := <-f.ssiq
	if !ok {
		return 0, errSsiqClosed
	}
	return 1, nil
}

func (f *fakeDriver) fireSsiq() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ssiqClosed {
		f.ssiq <- struct{}{}
	}
}

func (f *fakeDriver) closeSsiq() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ssiqClosed {
		f.ssiqClosed = true
		close(f.ssiq)
	}
}

func (f *fakeDriver) allocHandle() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	return f.nextHandle
}

var _ kmod.Driver = (*fakeDriver)(nil)
