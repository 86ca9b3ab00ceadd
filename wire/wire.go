// Package wire defines the client command protocol (spec §6): fixed-size,
// little-endian request and response structs and the codec between them
// and a byte slice, following the vsockHdr/vsockHdrView split in the
// teacher's virtio package — a plain struct with a PutBinary encoder, and
// a Decode* function per struct that copies the fields out of a []byte
// into a struct value.
package wire

import (
	"encoding/binary"

	"github.com/tzkit/mcdaemon/mcerr"
)

// CommandID tags every request sent on the command channel (spec §6, §3).
type CommandID uint32

const (
	CmdGetVersion CommandID = iota + 1
	CmdOpenDevice
	CmdCloseDevice
	CmdOpenSession
	CmdCloseSession
	CmdNqConnect
	CmdNotify
	CmdMapBulkBuf
	CmdUnmapBulkBuf
	CmdGetMobicoreVersion
)

// ResultCode is the wire encoding of mcerr.Kind, carried in every response
// header (spec §3, §7).
type ResultCode = mcerr.Kind

// ResponseHeader begins every response on the command channel.
type ResponseHeader struct {
	Result ResultCode
}

const responseHeaderLen = 4

func (h ResponseHeader) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(h.Result))
}

func decodeResponseHeader(p []byte) ResponseHeader {
	return ResponseHeader{Result: ResultCode(binary.LittleEndian.Uint32(p[0:4]))}
}

// GetVersionRequest carries no payload beyond its CommandID.
type GetVersionRequest struct{}

// GetVersionResponse reports the daemon's own protocol version, distinct
// from GetMobicoreVersion's secure-world product version.
type GetVersionResponse struct {
	ResponseHeader
	VersionMajor uint32
	VersionMinor uint32
}

const getVersionResponseLen = responseHeaderLen + 8

func (r GetVersionResponse) PutBinary(p []byte) {
	r.ResponseHeader.PutBinary(p)
	binary.LittleEndian.PutUint32(p[4:8], r.VersionMajor)
	binary.LittleEndian.PutUint32(p[8:12], r.VersionMinor)
}

func decodeGetVersionResponse(p []byte) GetVersionResponse {
	return GetVersionResponse{
		ResponseHeader: decodeResponseHeader(p),
		VersionMajor:   binary.LittleEndian.Uint32(p[4:8]),
		VersionMinor:   binary.LittleEndian.Uint32(p[8:12]),
	}
}

// OpenDeviceRequest asks the daemon to bind the connection to DeviceID.
type OpenDeviceRequest struct {
	DeviceID uint32
}

const openDeviceRequestLen = 4

func (r OpenDeviceRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.DeviceID)
}

func decodeOpenDeviceRequest(p []byte) OpenDeviceRequest {
	return OpenDeviceRequest{DeviceID: binary.LittleEndian.Uint32(p[0:4])}
}

// OpenSessionRequest mirrors device.Device.OpenSession's arguments over the
// wire: a Trustlet identity, the service provider it belongs to, and the
// client's already-mapped TCI buffer (identified by its WSM-registered
// virtual address). The authenticated container blob itself is never on
// the wire — only the daemon, via package registry, has access to the
// sealed container files; the ConnectionHandler assembles it server-side
// from UUID and SPID before issuing the MCP call (spec §4.5, §6).
type OpenSessionRequest struct {
	UUID    [16]byte
	SPID    uint32
	TciVirt uint64
	TciLen  uint32
}

const openSessionRequestLen = 16 + 4 + 8 + 4

func (r OpenSessionRequest) PutBinary(p []byte) {
	copy(p[0:16], r.UUID[:])
	binary.LittleEndian.PutUint32(p[16:20], r.SPID)
	binary.LittleEndian.PutUint64(p[20:28], r.TciVirt)
	binary.LittleEndian.PutUint32(p[28:32], r.TciLen)
}

func decodeOpenSessionRequest(p []byte) OpenSessionRequest {
	r := OpenSessionRequest{
		SPID:    binary.LittleEndian.Uint32(p[16:20]),
		TciVirt: binary.LittleEndian.Uint64(p[20:28]),
		TciLen:  binary.LittleEndian.Uint32(p[28:32]),
	}
	copy(r.UUID[:], p[0:16])
	return r
}

// OpenSessionResponse returns the triple the client needs to issue a
// matching NqConnect (spec §4.5, §4.10).
type OpenSessionResponse struct {
	ResponseHeader
	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32
}

const openSessionResponseLen = responseHeaderLen + 12

func (r OpenSessionResponse) PutBinary(p []byte) {
	r.ResponseHeader.PutBinary(p)
	binary.LittleEndian.PutUint32(p[4:8], r.SessionID)
	binary.LittleEndian.PutUint32(p[8:12], r.DeviceSessionID)
	binary.LittleEndian.PutUint32(p[12:16], r.SessionMagic)
}

func decodeOpenSessionResponse(p []byte) OpenSessionResponse {
	return OpenSessionResponse{
		ResponseHeader:  decodeResponseHeader(p),
		SessionID:       binary.LittleEndian.Uint32(p[4:8]),
		DeviceSessionID: binary.LittleEndian.Uint32(p[8:12]),
		SessionMagic:    binary.LittleEndian.Uint32(p[12:16]),
	}
}

// CloseSessionRequest closes an open session by id.
type CloseSessionRequest struct {
	SessionID uint32
}

const closeSessionRequestLen = 4

func (r CloseSessionRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.SessionID)
}

func decodeCloseSessionRequest(p []byte) CloseSessionRequest {
	return CloseSessionRequest{SessionID: binary.LittleEndian.Uint32(p[0:4])}
}

// NqConnectRequest attaches the connection it arrives on as sid's
// notification transport, authenticated by the (deviceSessionId,
// sessionMagic) pair OpenSession returned (spec §4.9, §4.10). DeviceID
// identifies which device's session table SessionID is looked up in,
// since a notification connection carries no prior OpenDevice binding of
// its own.
type NqConnectRequest struct {
	DeviceID        uint32
	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32
}

const nqConnectRequestLen = 16

func (r NqConnectRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.DeviceID)
	binary.LittleEndian.PutUint32(p[4:8], r.SessionID)
	binary.LittleEndian.PutUint32(p[8:12], r.DeviceSessionID)
	binary.LittleEndian.PutUint32(p[12:16], r.SessionMagic)
}

func decodeNqConnectRequest(p []byte) NqConnectRequest {
	return NqConnectRequest{
		DeviceID:        binary.LittleEndian.Uint32(p[0:4]),
		SessionID:       binary.LittleEndian.Uint32(p[4:8]),
		DeviceSessionID: binary.LittleEndian.Uint32(p[8:12]),
		SessionMagic:    binary.LittleEndian.Uint32(p[12:16]),
	}
}

// NotifyRequest publishes a one-way notification for SessionID (spec
// §4.5, §4.11).
type NotifyRequest struct {
	SessionID uint32
}

const notifyRequestLen = 4

func (r NotifyRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.SessionID)
}

func decodeNotifyRequest(p []byte) NotifyRequest {
	return NotifyRequest{SessionID: binary.LittleEndian.Uint32(p[0:4])}
}

// MapBulkBufRequest asks the daemon to map ClientVirt[:Len], already
// resident at Pid, into the secure world for SessionID (spec §4.5, §4.6).
type MapBulkBufRequest struct {
	SessionID  uint32
	ClientVirt uint64
	Len        uint32
	Pid        uint32
}

const mapBulkBufRequestLen = 20

func (r MapBulkBufRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.SessionID)
	binary.LittleEndian.PutUint64(p[4:12], r.ClientVirt)
	binary.LittleEndian.PutUint32(p[12:16], r.Len)
	binary.LittleEndian.PutUint32(p[16:20], r.Pid)
}

func decodeMapBulkBufRequest(p []byte) MapBulkBufRequest {
	return MapBulkBufRequest{
		SessionID:  binary.LittleEndian.Uint32(p[0:4]),
		ClientVirt: binary.LittleEndian.Uint64(p[4:12]),
		Len:        binary.LittleEndian.Uint32(p[12:16]),
		Pid:        binary.LittleEndian.Uint32(p[16:20]),
	}
}

// MapBulkBufResponse returns the secure-world virtual address the client
// hands to the Trustlet inside its request payload.
type MapBulkBufResponse struct {
	ResponseHeader
	SecureVirt uint64
}

const mapBulkBufResponseLen = responseHeaderLen + 8

func (r MapBulkBufResponse) PutBinary(p []byte) {
	r.ResponseHeader.PutBinary(p)
	binary.LittleEndian.PutUint64(p[4:12], r.SecureVirt)
}

func decodeMapBulkBufResponse(p []byte) MapBulkBufResponse {
	return MapBulkBufResponse{
		ResponseHeader: decodeResponseHeader(p),
		SecureVirt:     binary.LittleEndian.Uint64(p[4:12]),
	}
}

// UnmapBulkBufRequest reverses a prior MapBulkBufRequest.
type UnmapBulkBufRequest struct {
	SessionID  uint32
	SecureVirt uint64
	Len        uint32
}

const unmapBulkBufRequestLen = 16

func (r UnmapBulkBufRequest) PutBinary(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], r.SessionID)
	binary.LittleEndian.PutUint64(p[4:12], r.SecureVirt)
	binary.LittleEndian.PutUint32(p[12:16], r.Len)
}

func decodeUnmapBulkBufRequest(p []byte) UnmapBulkBufRequest {
	return UnmapBulkBufRequest{
		SessionID:  binary.LittleEndian.Uint32(p[0:4]),
		SecureVirt: binary.LittleEndian.Uint64(p[4:12]),
		Len:        binary.LittleEndian.Uint32(p[12:16]),
	}
}

// GetMobicoreVersionResponse mirrors ClientLib.cpp's mcGetMobiCoreVersion
// (spec §9 supplemented feature).
type GetMobicoreVersionResponse struct {
	ResponseHeader
	ProductID    [64]byte
	VersionMajor uint32
	VersionMinor uint32
}

const getMobicoreVersionResponseLen = responseHeaderLen + 64 + 8

func (r GetMobicoreVersionResponse) PutBinary(p []byte) {
	r.ResponseHeader.PutBinary(p)
	copy(p[4:68], r.ProductID[:])
	binary.LittleEndian.PutUint32(p[68:72], r.VersionMajor)
	binary.LittleEndian.PutUint32(p[72:76], r.VersionMinor)
}

func decodeGetMobicoreVersionResponse(p []byte) GetMobicoreVersionResponse {
	r := GetMobicoreVersionResponse{
		ResponseHeader: decodeResponseHeader(p),
		VersionMajor:   binary.LittleEndian.Uint32(p[68:72]),
		VersionMinor:   binary.LittleEndian.Uint32(p[72:76]),
	}
	copy(r.ProductID[:], p[4:68])
	return r
}
