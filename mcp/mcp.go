// Package mcp implements the Shared Memory Command Protocol (MCP) channel:
// a single outstanding request/response transaction at a time, layered on
// the MCP sub-region of the Mci region (spec §4.4). The call/wait/inspect
// shape mirrors vm.Machine.Run in the teacher: issue a privileged
// operation, then synchronously wait for its result before returning
// control to the caller.
package mcp

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/tzkit/mcdaemon/mci"
	"github.com/tzkit/mcdaemon/mcerr"
)

// Opcode identifies an MCP request kind, per spec §4.4.
type Opcode uint32

const (
	OpOpenSession Opcode = iota + 1
	OpCloseSession
	OpMapBulk
	OpUnmapBulk
	OpNotify
	OpGetVersion
)

// MCP_SESSION is the reserved session id carrying MCP traffic itself
// (spec §3); it is never exposed to clients.
const MCPSession uint32 = 0

// ResultCode is the MCP-level result, distinct from driver-level codes
// (spec §4.4). 0 is success; non-zero values are mapped to mcerr.Kind by
// ToKind.
type ResultCode uint32

const (
	rcOK ResultCode = 0

	rcWrongPublicKey        ResultCode = 0x100
	rcContainerTypeMismatch ResultCode = 0x101
	rcContainerLocked       ResultCode = 0x102
	rcSPNoChild             ResultCode = 0x103
	rcTLNoChild             ResultCode = 0x104
	rcUnwrapRootFailed      ResultCode = 0x105
	rcUnwrapSPFailed        ResultCode = 0x106
	rcUnwrapTrustletFailed  ResultCode = 0x107
)

// ToKind maps a recognised MCP result code to its mcerr.Kind. Unrecognised
// codes collapse to mcerr.McpError, per spec §4.4.
func (rc ResultCode) ToKind() mcerr.Kind {
	switch rc {
	case rcOK:
		return mcerr.Ok
	case rcWrongPublicKey:
		return mcerr.WrongPublicKey
	case rcContainerTypeMismatch:
		return mcerr.ContainerTypeMismatch
	case rcContainerLocked:
		return mcerr.ContainerLocked
	case rcSPNoChild:
		return mcerr.SpNoChild
	case rcTLNoChild:
		return mcerr.TlNoChild
	case rcUnwrapRootFailed:
		return mcerr.UnwrapRootFailed
	case rcUnwrapSPFailed:
		return mcerr.UnwrapSpFailed
	case rcUnwrapTrustletFailed:
		return mcerr.UnwrapTrustletFailed
	default:
		return mcerr.McpError
	}
}

// Request is the union of fields any MCP request kind may need. Unused
// fields for a given Opcode are left zero.
type Request struct {
	Op Opcode

	UUID           [16]byte
	TciHandle      uint32
	TciLen         uint32
	Containers     []byte

	SessionID uint32

	BufHandle     uint32
	OffsetInPage  uint32
	Len           uint32
	SecureVirt    uint64
}

// Response is the union of fields any MCP response kind may carry.
type Response struct {
	Result ResultCode

	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32

	SecureVirt uint64

	ProductID    [64]byte
	VersionMajor uint32
	VersionMinor uint32
}

// Notifier is the minimal hook the channel needs into the notification
// transport to kick the secure world: publish a one-way notification
// for MCPSession and force a scheduling decision. Package device implements
// this with an adapter over the Device's nq.Queue and kmod.Driver.
type Notifier interface {
	NotifyMCP() error
}

// Channel serialises one MCP request/response transaction at a time over
// region, per spec §4.4: "At most one outstanding MCP transaction per
// Device; serialisation is enforced by a Device-wide lock held across
// request+response."
type Channel struct {
	region *mci.Region
	notify Notifier

	mu   sync.Mutex
	cond *sync.Cond

	// responseArrived is flipped by Signal (called from the IRQ goroutine)
	// and cleared by Call when it posts a new request.
	responseArrived bool

	// exiting is set by Signal(exiting=true) when the IRQ loop has died;
	// any caller currently waiting (or about to wait) returns
	// mcerr.Notification instead of blocking forever (spec §4.11).
	exiting bool
}

// New returns a Channel over region, notifying the secure world via notify.
func New(region *mci.Region, notify Notifier) *Channel {
	c := &Channel{region: region, notify: notify}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Signal is called by device.IrqLoop when it drains an MCPSession
// notification (responseArrived) or when the IRQ loop is exiting
// (exiting), waking any Call currently blocked in the wait step.
func (c *Channel) Signal(exiting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exiting {
		c.exiting = true
	} else {
		c.responseArrived = true
	}

	c.cond.Broadcast()
}

// Call performs one request/response transaction: write the request,
// publish a notification to the secure world, wait for the IRQ loop to
// signal arrival of the response, then decode and return it.
func (c *Channel) Call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exiting {
		return Response{}, mcerr.New(mcerr.Notification)
	}

	encodeRequest(c.region.MCPMessage(), req)
	c.region.SetRequestReady(true)
	c.responseArrived = false

	// NotifyMCP runs without c.mu held so a Notifier that delivers the
	// response synchronously can call Signal.
	c.mu.Unlock()
	err := c.notify.NotifyMCP()
	c.mu.Lock()
	if err != nil {
		return Response{}, err
	}

	// Wake the wait below when ctx ends, so a missing response times out.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	for !c.responseArrived && !c.exiting {
		if ctx.Err() != nil {
			return Response{}, mcerr.Wrap(mcerr.Timeout, ctx.Err())
		}
		c.cond.Wait()
	}

	if c.exiting && !c.responseArrived {
		return Response{}, mcerr.New(mcerr.Notification)
	}

	c.region.SetResponseReady(false)
	resp := decodeResponse(c.region.MCPMessage())

	if resp.Result != rcOK {
		return resp, mcerr.New(resp.Result.ToKind())
	}

	return resp, nil
}

// encodeRequest/decodeResponse lay the Request/Response structs out into
// the fixed MCP message buffer using explicit little-endian field writes,
// the same discipline the teacher applies to vsockHdr in virtio/socket.go.
func encodeRequest(buf []byte, req Request) {
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(req.Op))
	copy(buf[4:20], req.UUID[:])
	binary.LittleEndian.PutUint32(buf[20:24], req.TciHandle)
	binary.LittleEndian.PutUint32(buf[24:28], req.TciLen)
	binary.LittleEndian.PutUint32(buf[28:32], req.SessionID)
	binary.LittleEndian.PutUint32(buf[32:36], req.BufHandle)
	binary.LittleEndian.PutUint32(buf[36:40], req.OffsetInPage)
	binary.LittleEndian.PutUint32(buf[40:44], req.Len)
	binary.LittleEndian.PutUint64(buf[44:52], req.SecureVirt)
	binary.LittleEndian.PutUint32(buf[52:56], uint32(len(req.Containers)))
	copy(buf[56:], req.Containers)
}

func decodeResponse(buf []byte) Response {
	var r Response
	r.Result = ResultCode(binary.LittleEndian.Uint32(buf[0:4]))
	r.SessionID = binary.LittleEndian.Uint32(buf[4:8])
	r.DeviceSessionID = binary.LittleEndian.Uint32(buf[8:12])
	r.SessionMagic = binary.LittleEndian.Uint32(buf[12:16])
	r.SecureVirt = binary.LittleEndian.Uint64(buf[16:24])
	copy(r.ProductID[:], buf[24:88])
	r.VersionMajor = binary.LittleEndian.Uint32(buf[88:92])
	r.VersionMinor = binary.LittleEndian.Uint32(buf[92:96])
	return r
}
