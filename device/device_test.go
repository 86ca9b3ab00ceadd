package device

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/mcp"
	"github.com/tzkit/mcdaemon/nq"
)

func openTestDevice(t *testing.T, reused bool) (*Device, *fakeDriver) {
	t.Helper()

	fd := newFakeDriver(MciRegionLen, reused)
	d, err := OpenWithDriver(fd, Config{DeviceID: 0, CompatResultCodes: true})
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}

	t.Cleanup(func() {
		fd.closeSsiq()
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return d, fd
}

// answerNextMcpCall waits (with a short poll) for a pending MCP request,
// then overwrites the shared message buffer with a response and drives
// the IRQ path exactly as the secure world would: publish an
// MCP_SESSION notification, mark the response ready, and fire S-SIQ.
func answerNextMcpCall(t *testing.T, d *Device, fd *fakeDriver, fill func(buf []byte)) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !d.region.RequestReady() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for MCP request")
		}
		time.Sleep(time.Millisecond)
	}

	fill(d.region.MCPMessage())
	d.region.SetRequestReady(false)
	d.region.SetResponseReady(true)

	if !d.region.McToNWd.Put(nq.Notification{SessionID: mcp.MCPSession}) {
		t.Fatal("McToNWd full while answering MCP call")
	}

	fd.fireSsiq()
}

func putOK(buf []byte, sessionID, deviceSessionID, sessionMagic uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], sessionID)
	binary.LittleEndian.PutUint32(buf[8:12], deviceSessionID)
	binary.LittleEndian.PutUint32(buf[12:16], sessionMagic)
}

func TestOpenWithDriverReusedSkipsFcInit(t *testing.T) {
	d, fd := openTestDevice(t, true)

	if fd.fcInit != 0 {
		t.Fatalf("fcInit called %d times, want 0 for a reused MCI region", fd.fcInit)
	}
	if d.region == nil {
		t.Fatal("region not bound")
	}
}

func TestOpenWithDriverFreshRunsFcInitAndPollsInfo(t *testing.T) {
	fd := newFakeDriver(MciRegionLen, false)
	d, err := OpenWithDriver(fd, Config{})
	if err != nil {
		t.Fatalf("OpenWithDriver: %v", err)
	}
	t.Cleanup(func() {
		fd.closeSsiq()
		d.Close()
	})

	if fd.fcInit != 1 {
		t.Fatalf("fcInit called %d times, want 1", fd.fcInit)
	}
	if fd.nsiq == 0 {
		t.Fatal("expected nsiq() during fresh init")
	}
}

func TestOpenSessionCreatesSession(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, err := d.MallocWsm(4096)
	if err != nil {
		t.Fatalf("MallocWsm: %v", err)
	}

	done := make(chan struct{})
	var sid, dsid, magic uint32
	var callErr error
	go func() {
		defer close(done)
		sid, dsid, magic, callErr = d.OpenSession(context.Background(), [16]byte{1}, tci.Virt, 100, nil)
	}()

	answerNextMcpCall(t, d, fd, func(buf []byte) {
		putOK(buf, 7, 42, 99)
	})

	<-done
	if callErr != nil {
		t.Fatalf("OpenSession: %v", callErr)
	}
	if sid != 7 || dsid != 42 || magic != 99 {
		t.Fatalf("OpenSession = (%d,%d,%d), want (7,42,99)", sid, dsid, magic)
	}
	if d.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", d.SessionCount())
	}
}

func TestOpenSessionUnknownTciFails(t *testing.T) {
	d, _ := openTestDevice(t, true)

	_, _, _, err := d.OpenSession(context.Background(), [16]byte{}, 0xdead, 10, nil)
	if mcerr.KindOf(err) != mcerr.WsmNotFound {
		t.Fatalf("KindOf(err) = %v, want WsmNotFound", mcerr.KindOf(err))
	}
}

func TestOpenSessionTciOverMaxFails(t *testing.T) {
	d, _ := openTestDevice(t, true)

	_, _, _, err := d.OpenSession(context.Background(), [16]byte{}, 0xdead, maxTciLen+1, nil)
	if mcerr.KindOf(err) != mcerr.TciTooBig {
		t.Fatalf("KindOf(err) = %v, want TciTooBig", mcerr.KindOf(err))
	}
}

func TestOpenSessionTciOverWsmLenFails(t *testing.T) {
	d, _ := openTestDevice(t, true)

	tci, err := d.MallocWsm(4096)
	if err != nil {
		t.Fatalf("MallocWsm: %v", err)
	}

	_, _, _, openErr := d.OpenSession(context.Background(), [16]byte{}, tci.Virt, tci.Len+1, nil)
	if mcerr.KindOf(openErr) != mcerr.TciGreaterThanWsm {
		t.Fatalf("KindOf(err) = %v, want TciGreaterThanWsm", mcerr.KindOf(openErr))
	}
}

func TestCloseSessionRemovesFromTable(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, _ := d.MallocWsm(4096)

	openDone := make(chan uint32)
	go func() {
		sid, _, _, _ := d.OpenSession(context.Background(), [16]byte{2}, tci.Virt, 10, nil)
		openDone <- sid
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { putOK(buf, 3, 4, 5) })
	sid := <-openDone

	closeDone := make(chan error)
	go func() {
		closeDone <- d.CloseSession(context.Background(), sid)
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { binary.LittleEndian.PutUint32(buf[0:4], 0) })

	if err := <-closeDone; err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if d.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d, want 0", d.SessionCount())
	}
}

func TestCloseSessionNeverOpenedFailsLocally(t *testing.T) {
	d, _ := openTestDevice(t, true)

	err := d.CloseSession(context.Background(), 999)
	if mcerr.KindOf(err) != mcerr.UnknownSession {
		t.Fatalf("KindOf(err) = %v, want UnknownSession for a session never opened", mcerr.KindOf(err))
	}
}

func TestNqConnectDrainsBufferedNotifications(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, _ := d.MallocWsm(4096)

	openDone := make(chan [3]uint32)
	go func() {
		sid, dsid, magic, _ := d.OpenSession(context.Background(), [16]byte{3}, tci.Virt, 10, nil)
		openDone <- [3]uint32{sid, dsid, magic}
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { putOK(buf, 11, 22, 33) })
	ids := <-openDone
	sid, dsid, magic := ids[0], ids[1], ids[2]

	// Before any NqConnect, a notification for sid arrives and must be
	// buffered rather than dropped (spec §4.8 scenario 5).
	if !d.region.McToNWd.Put(nq.Notification{SessionID: sid, Payload: 5}) {
		t.Fatal("McToNWd full")
	}
	fd.fireSsiq()

	deadline := time.Now().Add(time.Second)
	for {
		d.unknownMu.Lock()
		n := len(d.unknownNotifications[sid])
		d.unknownMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notification never buffered")
		}
		time.Sleep(time.Millisecond)
	}

	gotPayload := make(chan int32, 1)
	err := d.NqConnect(sid, dsid, magic, func(payload int32) error {
		gotPayload <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("NqConnect: %v", err)
	}

	select {
	case p := <-gotPayload:
		if p != 5 {
			t.Fatalf("delivered payload = %d, want 5", p)
		}
	case <-time.After(time.Second):
		t.Fatal("buffered notification never delivered on NqConnect")
	}
}

func TestNqConnectWrongMagicFails(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, _ := d.MallocWsm(4096)
	openDone := make(chan uint32)
	go func() {
		sid, _, _, _ := d.OpenSession(context.Background(), [16]byte{4}, tci.Virt, 10, nil)
		openDone <- sid
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { putOK(buf, 1, 2, 3) })
	sid := <-openDone

	err := d.NqConnect(sid, 2, 999, func(int32) error { return nil })
	if mcerr.KindOf(err) != mcerr.UnknownSession {
		t.Fatalf("KindOf(err) = %v, want UnknownSession for a mismatched magic", mcerr.KindOf(err))
	}
}

func TestCloseSessionMcpFailureRewritesToUnknownDevice(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, _ := d.MallocWsm(4096)
	openDone := make(chan uint32)
	go func() {
		sid, _, _, _ := d.OpenSession(context.Background(), [16]byte{5}, tci.Virt, 10, nil)
		openDone <- sid
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { putOK(buf, 8, 9, 10) })
	sid := <-openDone

	closeDone := make(chan error)
	go func() {
		closeDone <- d.CloseSession(context.Background(), sid)
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], 0xdead)
	})

	err := <-closeDone
	if mcerr.KindOf(err) != mcerr.UnknownDevice {
		t.Fatalf("KindOf(err) = %v, want UnknownDevice (compat rewrite)", mcerr.KindOf(err))
	}
	if d.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d, want 0 after a failed CloseSession still drops the table entry", d.SessionCount())
	}
}

func TestMapBulkMcpFailureRewritesToDaemonUnreachable(t *testing.T) {
	d, fd := openTestDevice(t, true)

	tci, _ := d.MallocWsm(4096)
	openDone := make(chan uint32)
	go func() {
		sid, _, _, _ := d.OpenSession(context.Background(), [16]byte{6}, tci.Virt, 10, nil)
		openDone <- sid
	}()
	answerNextMcpCall(t, d, fd, func(buf []byte) { putOK(buf, 20, 21, 22) })
	sid := <-openDone

	buf := make([]byte, 4096)
	clientVirt := sliceVirt(buf)

	mapDone := make(chan error)
	go func() {
		_, err := d.MapBulk(context.Background(), sid, clientVirt, 4096, 1000)
		mapDone <- err
	}()
	answerNextMcpCall(t, d, fd, func(respBuf []byte) {
		binary.LittleEndian.PutUint32(respBuf[0:4], 0xdead)
	})

	err := <-mapDone
	if mcerr.KindOf(err) != mcerr.DaemonUnreachable {
		t.Fatalf("KindOf(err) = %v, want DaemonUnreachable (compat rewrite)", mcerr.KindOf(err))
	}
	if len(fd.l2) != 0 {
		t.Fatalf("l2 table has %d entries, want 0 after unwind", len(fd.l2))
	}
}

func TestNotifyUnknownSessionFails(t *testing.T) {
	d, _ := openTestDevice(t, true)

	if err := d.Notify(123); mcerr.KindOf(err) != mcerr.UnknownSession {
		t.Fatalf("KindOf(err) = %v, want UnknownSession", mcerr.KindOf(err))
	}
}
