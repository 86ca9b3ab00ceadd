// Package device implements the secure-world broker for one TrustZone
// device: the kernel binding, the shared MCI region, the MCP channel, the
// session table, and the scheduler/IRQ goroutine pair that drive the
// secure world. Its Init sequence mirrors vm.New in the teacher repo: open
// the dependency, validate compatibility, allocate the shared region, bind
// typed views, then start background work — each step wrapped so any
// failure unwinds everything opened so far.
package device

import (
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"github.com/tzkit/mcdaemon/kmod"
	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/mci"
	"github.com/tzkit/mcdaemon/mcp"
	"github.com/tzkit/mcdaemon/nq"
	"github.com/tzkit/mcdaemon/wsm"
)

// schedulingFreq is the initial cooperative timeslice, SCHEDULING_FREQ in
// spec §4.7.
const schedulingFreq = 16

// MciRegionLen is the length requested from the driver for the shared MCI
// region; it must be large enough for mci.RegionBytes.
const MciRegionLen = uint32(mci.RegionBytes)

// Config parameterises Device.Open.
type Config struct {
	DeviceID        uint32
	DriverPath      string
	EnableScheduler bool

	// CompatResultCodes preserves two legacy result-code rewrites from the
	// original client library (spec §9 open questions): a failed MapBulk
	// reports DaemonUnreachable instead of the underlying MCP kind, and a
	// failed CloseSession reports UnknownDevice. False in a zero Config;
	// the daemon's -compat-result-codes flag defaults to true.
	CompatResultCodes bool
}

// Device owns one open secure-world device: its kernel binding, shared MCI
// region, MCP channel, notification queue, session table, and background
// scheduler/IRQ goroutines (spec §4.5).
type Device struct {
	id     uint32
	driver kmod.Driver
	log    *slog.Logger

	mciWsm kmod.Wsm
	region *mci.Region
	wsms   *wsm.Registry

	mcpChan *mcp.Channel

	compatResultCodes bool

	mu       sync.Mutex
	sessions map[uint32]*Session

	// unknownNotifications buffers notifications that arrive for a session
	// id IrqLoop cannot yet find, or whose notification channel has not yet
	// attached, resolving the race described in spec §4.8 scenario 5.
	// Drained by NqConnect.
	unknownMu            sync.Mutex
	unknownNotifications map[uint32][]nq.Notification

	schedSync *semaphore.Weighted
	timeslice int

	exiting   chan struct{}
	irqDone   chan struct{}
	schedDone chan struct{}
}

// deviceNotifier adapts Device to mcp.Notifier so Channel.Call can trigger
// a world switch without importing kmod directly.
type deviceNotifier struct {
	d *Device
}

func (n deviceNotifier) NotifyMCP() error {
	if !n.d.region.NWdToMc.Put(nq.Notification{SessionID: mcp.MCPSession}) {
		panic("device: NWdToMc queue full")
	}
	if err := n.d.driver.FcNsiq(); err != nil {
		return err
	}
	n.d.kickScheduler()
	return nil
}

// Open opens the kernel driver at cfg.DriverPath and initialises a Device
// over it, per spec §4.5 step 1–6.
func Open(cfg Config) (*Device, error) {
	driver, err := kmod.Open(cfg.DriverPath)
	if err != nil {
		return nil, err
	}

	d, err := OpenWithDriver(driver, cfg)
	if err != nil {
		driver.Close()
		return nil, err
	}

	return d, nil
}

// OpenWithDriver runs the Init sequence against an already-open driver,
// letting tests inject a fake kmod.Driver without touching /dev/mobicore.
func OpenWithDriver(driver kmod.Driver, cfg Config) (*Device, error) {
	d := &Device{
		id:                   cfg.DeviceID,
		driver:               driver,
		log:                  slog.Default().With("component", "device", "device_id", cfg.DeviceID),
		wsms:                 wsm.New(),
		compatResultCodes:    cfg.CompatResultCodes,
		sessions:             make(map[uint32]*Session),
		unknownNotifications: make(map[uint32][]nq.Notification),
		schedSync:            semaphore.NewWeighted(1 << 30),
		timeslice:            schedulingFreq,
		exiting:              make(chan struct{}),
		irqDone:              make(chan struct{}),
		schedDone:            make(chan struct{}),
	}
	// Hold the whole weight so schedSync counts kicks from zero.
	d.schedSync.TryAcquire(1 << 30)

	mciWsm, reused, err := driver.MapMci(MciRegionLen)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			driver.Free(mciWsm.Handle, mciWsm.Virt, mciWsm.Len)
		}
	}()
	d.mciWsm = mciWsm
	d.wsms.Insert(mciWsm)

	buf := unsafe.Slice((*byte)(unsafe.Pointer(mciWsm.Virt)), mciWsm.Len)
	d.region = mci.New(buf)

	if !reused {
		d.region.Zero()

		if err := driver.FcInit(0, mci.NQRegionBytes, mci.NQRegionBytes, mci.McpRegionBytes); err != nil {
			return nil, err
		}

		if err := driver.FcNsiq(); err != nil {
			return nil, err
		}

		if err := d.waitForInitialized(); err != nil {
			return nil, err
		}
	}

	d.mcpChan = mcp.New(d.region, deviceNotifier{d})

	go d.irqLoop()
	if cfg.EnableScheduler {
		go d.schedulerLoop()
	} else {
		close(d.schedDone)
	}

	ok = true
	return d, nil
}

// waitForInitialized polls fcInfo(1) for the secure world's init state
// (spec §4.5 step 4): NotInitialized retries after a yield and a one
// second sleep; Initialized succeeds; Halt and any other state are fatal.
func (d *Device) waitForInitialized() error {
	for {
		state, extInfo, err := d.driver.FcInfo(1)
		if err != nil {
			return err
		}

		switch state {
		case kmod.StateInitialized:
			return nil
		case kmod.StateNotInitialized:
			if err := d.driver.FcYield(); err != nil {
				return err
			}
			time.Sleep(time.Second)
		case kmod.StateHalt:
			d.log.Error("secure world halted during init", "ext_info", extInfo)
			return mcerr.New(mcerr.DaemonVersion)
		default:
			d.log.Error("secure world reported unexpected init state", "state", state, "ext_info", extInfo)
			return mcerr.New(mcerr.DaemonVersion)
		}
	}
}

// Close tears down the scheduler and IRQ goroutines and releases the MCI
// mapping. CloseDevice at the server layer refuses to call this while
// sessions remain open (spec §4.5).
//
// irqLoop is blocked in WaitSsiq, a real ioctl, when exiting is closed;
// it only observes exiting once the driver returns an error from that
// ioctl, which the kernel driver does on fd release (CMcKMod's behaviour
// on the last close of /dev/mobicore). Close therefore releases the
// driver binding's last reference before waiting on irqDone. A second
// Close does nothing and returns nil.
func (d *Device) Close() error {
	select {
	case <-d.exiting:
		return nil
	default:
	}
	close(d.exiting)
	d.mcpChan.Signal(true)
	d.kickScheduler()

	err := d.driver.Free(d.mciWsm.Handle, d.mciWsm.Virt, d.mciWsm.Len)
	if cerr := d.driver.CleanupL2(); err == nil {
		err = cerr
	}
	if cerr := d.driver.Close(); err == nil {
		err = cerr
	}

	<-d.irqDone
	<-d.schedDone

	return err
}

// ID returns the device identifier this Device was opened under.
func (d *Device) ID() uint32 { return d.id }

// SessionCount reports how many sessions are currently open, so the server
// layer can refuse CloseDevice while it is non-zero (spec §4.5).
func (d *Device) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
