package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLen is the length of the length-prefixed frame each request is
// sent in: a uint32 command tag followed by a uint32 payload length.
// Responses are not framed; each is written as its bare fixed-size struct,
// read in lockstep with the request it answers.
const frameHeaderLen = 8

// ReadRequest reads one framed request off r and returns its command and
// raw payload, following the frame format above. The ConnectionHandler in
// package server dispatches on cmd before decoding the payload with the
// matching Decode* function.
func ReadRequest(r io.Reader) (cmd CommandID, payload []byte, err error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	cmd = CommandID(binary.LittleEndian.Uint32(hdr[0:4]))
	n := binary.LittleEndian.Uint32(hdr[4:8])

	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return cmd, payload, nil
}

// WriteRequest frames cmd and payload and writes them to w.
func WriteRequest(w io.Writer, cmd CommandID, payload []byte) error {
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	// An empty payload is not written: ReadRequest reads nothing for it, and
	// a zero-length Write on a net.Pipe blocks until the peer reads.
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// binaryMessage is implemented by every request/response struct in this
// package; PutBinary writes the struct's fixed-size wire encoding into a
// buffer the caller has already sized correctly.
type binaryMessage interface {
	PutBinary(p []byte)
}

func encode(msg binaryMessage, n int) []byte {
	p := make([]byte, n)
	msg.PutBinary(p)
	return p
}

// EncodeGetVersionResponse, and the rest of the Encode*/Decode* pairs
// below, size a buffer for one wire struct and call its PutBinary or its
// decode helper — the same split the teacher's vsockHdr/vsockHdrView use,
// just named per message instead of shared across one packet type because
// this protocol has many distinct message shapes.

func EncodeGetVersionResponse(r GetVersionResponse) []byte {
	return encode(r, getVersionResponseLen)
}

func DecodeGetVersionResponse(p []byte) (GetVersionResponse, error) {
	if len(p) < getVersionResponseLen {
		return GetVersionResponse{}, shortBuffer("GetVersionResponse", getVersionResponseLen, len(p))
	}
	return decodeGetVersionResponse(p), nil
}

func EncodeOpenDeviceRequest(r OpenDeviceRequest) []byte {
	p := make([]byte, openDeviceRequestLen)
	r.PutBinary(p)
	return p
}

func DecodeOpenDeviceRequest(p []byte) (OpenDeviceRequest, error) {
	if len(p) < openDeviceRequestLen {
		return OpenDeviceRequest{}, shortBuffer("OpenDeviceRequest", openDeviceRequestLen, len(p))
	}
	return decodeOpenDeviceRequest(p), nil
}

func EncodeResponseHeader(h ResponseHeader) []byte {
	return encode(h, responseHeaderLen)
}

func DecodeResponseHeader(p []byte) (ResponseHeader, error) {
	if len(p) < responseHeaderLen {
		return ResponseHeader{}, shortBuffer("ResponseHeader", responseHeaderLen, len(p))
	}
	return decodeResponseHeader(p), nil
}

func EncodeOpenSessionRequest(r OpenSessionRequest) []byte {
	return encode(r, openSessionRequestLen)
}

func DecodeOpenSessionRequest(p []byte) (OpenSessionRequest, error) {
	if len(p) < openSessionRequestLen {
		return OpenSessionRequest{}, shortBuffer("OpenSessionRequest", openSessionRequestLen, len(p))
	}
	return decodeOpenSessionRequest(p), nil
}

func EncodeOpenSessionResponse(r OpenSessionResponse) []byte {
	return encode(r, openSessionResponseLen)
}

func DecodeOpenSessionResponse(p []byte) (OpenSessionResponse, error) {
	if len(p) < openSessionResponseLen {
		return OpenSessionResponse{}, shortBuffer("OpenSessionResponse", openSessionResponseLen, len(p))
	}
	return decodeOpenSessionResponse(p), nil
}

func EncodeCloseSessionRequest(r CloseSessionRequest) []byte {
	return encode(r, closeSessionRequestLen)
}

func DecodeCloseSessionRequest(p []byte) (CloseSessionRequest, error) {
	if len(p) < closeSessionRequestLen {
		return CloseSessionRequest{}, shortBuffer("CloseSessionRequest", closeSessionRequestLen, len(p))
	}
	return decodeCloseSessionRequest(p), nil
}

func EncodeNqConnectRequest(r NqConnectRequest) []byte {
	return encode(r, nqConnectRequestLen)
}

func DecodeNqConnectRequest(p []byte) (NqConnectRequest, error) {
	if len(p) < nqConnectRequestLen {
		return NqConnectRequest{}, shortBuffer("NqConnectRequest", nqConnectRequestLen, len(p))
	}
	return decodeNqConnectRequest(p), nil
}

func EncodeNotifyRequest(r NotifyRequest) []byte {
	return encode(r, notifyRequestLen)
}

func DecodeNotifyRequest(p []byte) (NotifyRequest, error) {
	if len(p) < notifyRequestLen {
		return NotifyRequest{}, shortBuffer("NotifyRequest", notifyRequestLen, len(p))
	}
	return decodeNotifyRequest(p), nil
}

func EncodeMapBulkBufRequest(r MapBulkBufRequest) []byte {
	return encode(r, mapBulkBufRequestLen)
}

func DecodeMapBulkBufRequest(p []byte) (MapBulkBufRequest, error) {
	if len(p) < mapBulkBufRequestLen {
		return MapBulkBufRequest{}, shortBuffer("MapBulkBufRequest", mapBulkBufRequestLen, len(p))
	}
	return decodeMapBulkBufRequest(p), nil
}

func EncodeMapBulkBufResponse(r MapBulkBufResponse) []byte {
	return encode(r, mapBulkBufResponseLen)
}

func DecodeMapBulkBufResponse(p []byte) (MapBulkBufResponse, error) {
	if len(p) < mapBulkBufResponseLen {
		return MapBulkBufResponse{}, shortBuffer("MapBulkBufResponse", mapBulkBufResponseLen, len(p))
	}
	return decodeMapBulkBufResponse(p), nil
}

func EncodeUnmapBulkBufRequest(r UnmapBulkBufRequest) []byte {
	return encode(r, unmapBulkBufRequestLen)
}

func DecodeUnmapBulkBufRequest(p []byte) (UnmapBulkBufRequest, error) {
	if len(p) < unmapBulkBufRequestLen {
		return UnmapBulkBufRequest{}, shortBuffer("UnmapBulkBufRequest", unmapBulkBufRequestLen, len(p))
	}
	return decodeUnmapBulkBufRequest(p), nil
}

func EncodeGetMobicoreVersionResponse(r GetMobicoreVersionResponse) []byte {
	return encode(r, getMobicoreVersionResponseLen)
}

func DecodeGetMobicoreVersionResponse(p []byte) (GetMobicoreVersionResponse, error) {
	if len(p) < getMobicoreVersionResponseLen {
		return GetMobicoreVersionResponse{}, shortBuffer("GetMobicoreVersionResponse", getMobicoreVersionResponseLen, len(p))
	}
	return decodeGetMobicoreVersionResponse(p), nil
}

func shortBuffer(what string, want, got int) error {
	return fmt.Errorf("wire: %s: buffer too short: want %d bytes, got %d", what, want, got)
}
