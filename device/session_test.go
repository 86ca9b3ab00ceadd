package device

import (
	"testing"

	"github.com/tzkit/mcdaemon/mcerr"
)

func TestSessionBulkBufferLifecycle(t *testing.T) {
	s := newSession(1, 2, 3)

	if _, err := s.getBufHandle(0x1000); mcerr.KindOf(err) != mcerr.BlockBufferNotFound {
		t.Fatalf("KindOf(err) = %v, want BlockBufferNotFound before any buffer is added", mcerr.KindOf(err))
	}

	buf := &BulkBuffer{SecureVirt: 0x1000, Len: 4096}
	s.addBulkBuf(buf)

	got, err := s.getBufHandle(0x1000)
	if err != nil {
		t.Fatalf("getBufHandle: %v", err)
	}
	if got != buf {
		t.Fatalf("getBufHandle returned a different *BulkBuffer")
	}

	s.removeBulkBuf(0x1000)
	if _, err := s.getBufHandle(0x1000); mcerr.KindOf(err) != mcerr.BlockBufferNotFound {
		t.Fatalf("KindOf(err) = %v, want BlockBufferNotFound after removal", mcerr.KindOf(err))
	}
}

func TestSessionErrorInfo(t *testing.T) {
	s := newSession(1, 2, 3)

	if s.getLastErr() != 0 {
		t.Fatalf("getLastErr() = %d, want 0 before any notification", s.getLastErr())
	}

	s.setErrorInfo(-7)
	if s.getLastErr() != -7 {
		t.Fatalf("getLastErr() = %d, want -7", s.getLastErr())
	}
}
