// Package mci provides a typed view over the shared Mci region byte buffer,
// per the spec §9 design note: an accessor type that computes offsets
// inside the region once and exposes typed reads/writes with explicit
// endianness, the same technique the teacher applies to the virtio vsock
// header (vsockHdrView in virtio/socket.go) — a read-only []byte view with
// binary.LittleEndian accessors computed at fixed offsets.
package mci

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/tzkit/mcdaemon/nq"
)

// Layout constants, per spec §3: the Mci region is laid out as
// [ NQ MC->NWd | NQ NWd->MC | MCP flags + MCP message ], sizes fixed at
// init.
const (
	// NqCapacity is the number of Notification records in each direction's
	// ring.
	NqCapacity = 64

	nqHeaderSize  = 8 // two uint32 fields: writePos, readPos
	nqRecordSize  = 8 // uint32 SessionID + int32 Payload
	nqRegionSize  = nqHeaderSize + NqCapacity*nqRecordSize
	NQRegionBytes = 2 * nqRegionSize

	// McpFlagsSize covers the request-ready/response-ready handshake plus
	// the secure world's scheduling hint; McpMessageSize bounds a single
	// outstanding MCP request or response.
	McpFlagsSize   = 12
	McpMessageSize = 4096
	McpRegionBytes = McpFlagsSize + McpMessageSize

	RegionBytes = NQRegionBytes + McpRegionBytes
)

// ScheduleState is the secure world's cooperative-scheduling hint,
// published in the flags word SchedulerLoop polls (spec §4.7).
type ScheduleState uint32

const (
	ScheduleIdle ScheduleState = iota
	ScheduleRunnable
)

// Region binds typed views onto a raw Mci byte buffer that aliases shared
// memory (mmap'd by kmod.Binding.MapMci). Offsets are computed once in New;
// callers never recompute them.
type Region struct {
	buf []byte

	McToNWd *nq.Queue
	NWdToMc *nq.Queue

	mcpFlags   *mcpFlags
	mcpMessage []byte
}

// mcpFlags mirrors the three-word request-ready/response-ready/schedule
// block at the start of the MCP sub-region.
type mcpFlags struct {
	RequestReady  uint32
	ResponseReady uint32
	Schedule      uint32
}

// New binds a Region over buf, which must be at least RegionBytes long and
// must alias the mmap'd Mci Wsm — Region never copies it.
func New(buf []byte) *Region {
	if len(buf) < RegionBytes {
		panic("mci: region buffer too small")
	}

	r := &Region{buf: buf}

	mcToNWdBuf := buf[:nqRegionSize]
	nwdToMcBuf := buf[nqRegionSize:NQRegionBytes]

	r.McToNWd = bindQueue(mcToNWdBuf)
	r.NWdToMc = bindQueue(nwdToMcBuf)

	mcpBuf := buf[NQRegionBytes:]
	r.mcpFlags = (*mcpFlags)(unsafe.Pointer(&mcpBuf[0]))
	r.mcpMessage = mcpBuf[McpFlagsSize:McpRegionBytes]

	return r
}

// bindQueue slices a single direction's header+records out of region, the
// same aliasing technique vsockHdrView uses to address fixed sub-ranges of
// a raw buffer without copying.
func bindQueue(region []byte) *nq.Queue {
	hdr := (*nq.Header)(unsafe.Pointer(&region[0]))
	recs := region[nqHeaderSize:]

	notifications := unsafe.Slice((*nq.Notification)(unsafe.Pointer(&recs[0])), NqCapacity)
	return nq.NewQueue(hdr, notifications)
}

// Zero clears the entire region. Called once, before FcInit, when the Mci
// region was freshly mapped rather than reused across a daemon restart
// (spec §4.5 step 4).
func (r *Region) Zero() {
	for i := range r.buf {
		r.buf[i] = 0
	}
}

// RequestReady reports whether the normal world has marked an MCP request
// as posted.
func (r *Region) RequestReady() bool {
	return atomic.LoadUint32(&r.mcpFlags.RequestReady) != 0
}

// SetRequestReady publishes the MCP request-ready flag.
func (r *Region) SetRequestReady(ready bool) {
	atomic.StoreUint32(&r.mcpFlags.RequestReady, boolToFlag(ready))
}

// ResponseReady reports whether the secure world has published an MCP
// response.
func (r *Region) ResponseReady() bool {
	return atomic.LoadUint32(&r.mcpFlags.ResponseReady) != 0
}

// SetResponseReady publishes the MCP response-ready flag.
func (r *Region) SetResponseReady(ready bool) {
	atomic.StoreUint32(&r.mcpFlags.ResponseReady, boolToFlag(ready))
}

// Schedule reports the secure world's current scheduling hint.
func (r *Region) Schedule() ScheduleState {
	return ScheduleState(atomic.LoadUint32(&r.mcpFlags.Schedule))
}

// SetSchedule publishes the scheduling hint. Only the secure world writes
// this in production; tests use it to drive SchedulerLoop deterministically.
func (r *Region) SetSchedule(s ScheduleState) {
	atomic.StoreUint32(&r.mcpFlags.Schedule, uint32(s))
}

func boolToFlag(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// MCPMessage returns the raw MCP message sub-region for encoding/decoding
// a request or response. Callers must hold the owning McpChannel's lock.
func (r *Region) MCPMessage() []byte {
	return r.mcpMessage
}

// PutUint32/GetUint32 are convenience wrappers matching the explicit
// little-endian discipline the design notes require for every write into
// shared memory.
func PutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func GetUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
