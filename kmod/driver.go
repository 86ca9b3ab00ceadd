package kmod

// Driver is the capability set Device depends on, matching spec §4.1.
// Device accepts a Driver rather than a concrete *Binding so tests can
// substitute a fake kernel driver, the same way vm.Machine in the teacher
// accepts a Loader interface instead of depending on a concrete type.
type Driver interface {
	Close() error
	CheckVersion() error
	MapShared(len uint32) (Wsm, error)
	MapMci(len uint32) (wsm Wsm, reused bool, err error)
	Free(handle uint32, virt uintptr, length uint32) error
	RegisterL2(virt uintptr, length uint32, pid uint32) (handle uint32, physL2 uint64, err error)
	UnregisterL2(handle uint32) error
	LockL2(handle uint32) error
	UnlockL2(handle uint32) error
	FindL2(handle uint32) (phys uint64, err error)
	FindContiguous(handle uint32) (phys uint64, length uint32, err error)
	CleanupL2() error
	FcInit(nqOff, nqLen, mcpOff, mcpLen uint32) error
	FcYield() error
	FcNsiq() error
	FcInfo(id int32) (state InfoState, extInfo int32, err error)
	WaitSsiq() (counter uint32, err error)
}

var _ Driver = (*Binding)(nil)
