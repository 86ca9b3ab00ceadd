package device

import "github.com/tzkit/mcdaemon/mcerr"

// BulkBuffer is a client buffer mapped into the secure world via MapBulk,
// per spec §4.6.
type BulkBuffer struct {
	ClientVirt   uintptr
	Handle       uint32
	SecureVirt   uint64
	Len          uint32
	OffsetInPage uint32
}

// Session is the daemon's view of a secure-world TrustletSession (spec
// §4.6): its notification fan-out, its bulk-buffer table keyed by the
// secure-world virtual address handed back on MapBulk, and the last
// terminal exit code delivered by a notification.
type Session struct {
	SessionID       uint32
	DeviceSessionID uint32
	SessionMagic    uint32

	// NotifyFunc delivers one notification payload to whatever transport
	// is attached via NqConnect. It is nil until a notification channel
	// attaches; IrqLoop buffers notifications that arrive before then
	// (see Device.unknownNotifications).
	NotifyFunc func(payload int32) error

	bulkBySecureVirt map[uint64]*BulkBuffer
	lastErr          int32
}

func newSession(sessionID, deviceSessionID, sessionMagic uint32) *Session {
	return &Session{
		SessionID:        sessionID,
		DeviceSessionID:  deviceSessionID,
		SessionMagic:     sessionMagic,
		bulkBySecureVirt: make(map[uint64]*BulkBuffer),
	}
}

func (s *Session) addBulkBuf(b *BulkBuffer) {
	s.bulkBySecureVirt[b.SecureVirt] = b
}

func (s *Session) removeBulkBuf(secureVirt uint64) {
	delete(s.bulkBySecureVirt, secureVirt)
}

func (s *Session) getBufHandle(secureVirt uint64) (*BulkBuffer, error) {
	b, ok := s.bulkBySecureVirt[secureVirt]
	if !ok {
		return nil, mcerr.New(mcerr.BlockBufferNotFound)
	}
	return b, nil
}

func (s *Session) setErrorInfo(code int32) {
	s.lastErr = code
}

func (s *Session) getLastErr() int32 {
	return s.lastErr
}
