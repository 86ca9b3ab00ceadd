package device

import (
	"sync"

	"github.com/tzkit/mcdaemon/kmod"
)

// fakeDriver is an in-memory stand-in for kmod.Driver, the same role
// vm_test's fakeLoader plays against vm.Loader in the teacher repo: it
// lets device tests drive Init, the scheduler, and the IRQ loop without a
// real kernel driver.
type fakeDriver struct {
	mu sync.Mutex

	mciBuf  []byte
	reused  bool
	nsiq    int
	yield   int
	fcInit  int

	infoState   kmod.InfoState
	ssiq        chan struct{}
	ssiqClosed  bool
	ssiqCounter uint32

	l2 map[uint32]uintptr
	nextHandle uint32
}

func newFakeDriver(mciLen uint32, reused bool) *fakeDriver {
	return &fakeDriver{
		mciBuf:    make([]byte, mciLen),
		reused:    reused,
		infoState: kmod.StateInitialized,
		ssiq:      make(chan struct{}, 64),
		l2:        make(map[uint32]uintptr),
	}
}

func (f *fakeDriver) Close() error        { return nil }
func (f *fakeDriver) CheckVersion() error { return nil }

func (f *fakeDriver) MapShared(length uint32) (kmod.Wsm, error) {
	buf := make([]byte, length)
	return kmod.Wsm{Virt: sliceVirt(buf), Len: length, Handle: f.allocHandle()}, nil
}

func (f *fakeDriver) MapMci(length uint32) (kmod.Wsm, bool, error) {
	return kmod.Wsm{Virt: sliceVirt(f.mciBuf), Len: length, Handle: f.allocHandle()}, f.reused, nil
}

func (f *fakeDriver) Free(handle uint32, virt uintptr, length uint32) error { return nil }

func (f *fakeDriver) RegisterL2(virt uintptr, length uint32, pid uint32) (uint32, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.allocHandle()
	f.l2[h] = virt
	return h, uint64(virt), nil
}

func (f *fakeDriver) UnregisterL2(handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.l2, handle)
	return nil
}

func (f *fakeDriver) LockL2(handle uint32) error   { return nil }
func (f *fakeDriver) UnlockL2(handle uint32) error { return nil }

func (f *fakeDriver) FindL2(handle uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.l2[handle]), nil
}

func (f *fakeDriver) FindContiguous(handle uint32) (uint64, uint32, error) {
	return 0, 0, nil
}

func (f *fakeDriver) CleanupL2() error { return nil }

func (f *fakeDriver) FcInit(nqOff, nqLen, mcpOff, mcpLen uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fcInit++
	return nil
}

func (f *fakeDriver) FcYield() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.yield++
	return nil
}

func (f *fakeDriver) FcNsiq() error {
	f.mu.Lock()
	f.nsiq++
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) FcInfo(id int32) (kmod.InfoState, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoState, 0, nil
}

// WaitSsiq blocks until fireSsiq is called or closeSsiq ends the loop.
func (f *fakeDriver) WaitSsiq() (uint32, error) {
	_, ok := <-f.ssiq
	if !ok {
		return 0, errSsiqClosed
	}
	f.mu.Lock()
	f.ssiqCounter++
	c := f.ssiqCounter
	f.mu.Unlock()
	return c, nil
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
	f.nextHandle++
	return f.nextHandle
}

var _ kmod.Driver = (*fakeDriver)(nil)
