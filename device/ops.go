package device

import (
	"context"

	"github.com/tzkit/mcdaemon/kmod"
	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/mcp"
	"github.com/tzkit/mcdaemon/nq"
)

// maxTciLen is the largest TCI length OpenSession accepts, independent of
// the caller's actual WSM allocation (ClientLib.cpp's MC_MAX_TCI_LEN).
const maxTciLen = 4 * 1024 * 1024

// OpenSession opens a Trustlet session against uuid, resolving the
// client's TCI buffer through the WsmRegistry before issuing the MCP call
// (spec §4.5). On success it creates and stores the Session keyed by the
// secure-world-allocated session id and returns the triple the client
// library needs to issue a matching NqConnect.
func (d *Device) OpenSession(ctx context.Context, uuid [16]byte, tciVirt uintptr, tciLen uint32, containers []byte) (sessionID, deviceSessionID, sessionMagic uint32, err error) {
	if tciLen > maxTciLen {
		return 0, 0, 0, mcerr.New(mcerr.TciTooBig)
	}

	tci, err := d.wsms.FindByVirt(tciVirt)
	if err != nil {
		return 0, 0, 0, err
	}

	if tciLen > tci.Len {
		return 0, 0, 0, mcerr.New(mcerr.TciGreaterThanWsm)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.mcpChan.Call(ctx, mcp.Request{
		Op:         mcp.OpOpenSession,
		UUID:       uuid,
		TciHandle:  tci.Handle,
		TciLen:     tciLen,
		Containers: containers,
	})
	if err != nil {
		return 0, 0, 0, err
	}

	session := newSession(resp.SessionID, resp.DeviceSessionID, resp.SessionMagic)
	d.sessions[resp.SessionID] = session

	return resp.SessionID, resp.DeviceSessionID, resp.SessionMagic, nil
}

// CloseSession closes sid: MCP CloseSession, then drop the session table
// entry, its bulk-buffer table, and its notification connection (spec
// §4.5). A CloseSession failure is rewritten to UnknownDevice when
// CompatResultCodes is set, matching the legacy client library (spec §9).
func (d *Device) CloseSession(ctx context.Context, sid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[sid]; !ok {
		return mcerr.New(mcerr.UnknownSession)
	}

	_, err := d.mcpChan.Call(ctx, mcp.Request{Op: mcp.OpCloseSession, SessionID: sid})
	if err != nil {
		delete(d.sessions, sid)
		if d.compatResultCodes {
			return mcerr.Wrap(mcerr.UnknownDevice, err)
		}
		return err
	}

	delete(d.sessions, sid)
	return nil
}

// MapBulk maps clientVirt[:len] into the secure world on behalf of sid:
// register an L2 page table for it, then MCP MapBulk with the resulting
// handle and page offset (spec §4.5). On MCP failure the L2 registration
// is unwound and the client sees DaemonUnreachable when CompatResultCodes
// is set, matching the legacy client library's current behaviour (spec §9
// open question, bulk-map-after-L2-registration row).
func (d *Device) MapBulk(ctx context.Context, sid uint32, clientVirt uintptr, length uint32, pid uint32) (secureVirt uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, ok := d.sessions[sid]
	if !ok {
		return 0, mcerr.New(mcerr.UnknownSession)
	}

	handle, _, err := d.driver.RegisterL2(clientVirt, length, pid)
	if err != nil {
		return 0, err
	}

	offsetInPage := uint32(clientVirt & 0xFFF)
	resp, err := d.mcpChan.Call(ctx, mcp.Request{
		Op:           mcp.OpMapBulk,
		SessionID:    sid,
		BufHandle:    handle,
		OffsetInPage: offsetInPage,
		Len:          length,
	})
	if err != nil {
		d.driver.UnregisterL2(handle)
		if d.compatResultCodes {
			return 0, mcerr.Wrap(mcerr.DaemonUnreachable, err)
		}
		return 0, err
	}

	session.addBulkBuf(&BulkBuffer{
		ClientVirt:   clientVirt,
		Handle:       handle,
		SecureVirt:   resp.SecureVirt,
		Len:          length,
		OffsetInPage: offsetInPage,
	})

	return resp.SecureVirt, nil
}

// UnmapBulk reverses MapBulk: MCP UnmapBulk, unregister the L2 table, and
// drop the BulkBuffer from the session (spec §4.5).
func (d *Device) UnmapBulk(ctx context.Context, sid uint32, secureVirt uint64, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, ok := d.sessions[sid]
	if !ok {
		return mcerr.New(mcerr.UnknownSession)
	}

	buf, err := session.getBufHandle(secureVirt)
	if err != nil {
		return err
	}

	if _, err := d.mcpChan.Call(ctx, mcp.Request{
		Op:         mcp.OpUnmapBulk,
		SessionID:  sid,
		SecureVirt: secureVirt,
		Len:        length,
	}); err != nil {
		return err
	}

	if err := d.driver.UnregisterL2(buf.Handle); err != nil {
		return err
	}

	session.removeBulkBuf(secureVirt)
	return nil
}

// Notify publishes a one-way NWd->MC notification for sid and forces a
// scheduling decision; it never waits for a response (spec §4.5).
func (d *Device) Notify(sid uint32) error {
	d.mu.Lock()
	_, ok := d.sessions[sid]
	d.mu.Unlock()

	if !ok {
		return mcerr.New(mcerr.UnknownSession)
	}

	if !d.region.NWdToMc.Put(nq.Notification{SessionID: sid, Payload: 0}) {
		panic("nq: notification queue full")
	}

	if err := d.driver.FcNsiq(); err != nil {
		return err
	}

	d.kickScheduler()
	return nil
}

// GetMobicoreVersion returns the secure world's product id and version,
// matching ClientLib.cpp's mcGetMobiCoreVersion (spec §9 supplemented
// feature).
func (d *Device) GetMobicoreVersion(ctx context.Context) (productID [64]byte, major, minor uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.mcpChan.Call(ctx, mcp.Request{Op: mcp.OpGetVersion})
	if err != nil {
		return [64]byte{}, 0, 0, err
	}

	return resp.ProductID, resp.VersionMajor, resp.VersionMinor, nil
}

// NqConnect attaches notifyFunc as sid's notification transport and
// drains any notifications IrqLoop buffered for it before the channel
// attached, in arrival order (spec §4.8 scenario 5). It fails with
// UnknownSession unless (deviceSessionID, sessionMagic) match the pair
// returned by the OpenSession that created sid (spec §4.10).
func (d *Device) NqConnect(sid, deviceSessionID, sessionMagic uint32, notifyFunc func(payload int32) error) error {
	d.mu.Lock()
	session, ok := d.sessions[sid]
	d.mu.Unlock()

	if !ok || session.DeviceSessionID != deviceSessionID || session.SessionMagic != sessionMagic {
		return mcerr.New(mcerr.UnknownSession)
	}

	session.NotifyFunc = notifyFunc

	for _, n := range d.drainUnknownFor(sid) {
		if n.Payload != 0 {
			session.setErrorInfo(n.Payload)
		}
		if err := notifyFunc(n.Payload); err != nil {
			return err
		}
	}

	return nil
}

// MallocWsm allocates a shared buffer of length bytes for the caller (e.g.
// a TCI buffer ahead of OpenSession, or a bulk buffer predating MapBulk)
// and registers it in the WsmRegistry so later operations can resolve the
// returned virtual address (spec §9 supplemented feature).
func (d *Device) MallocWsm(length uint32) (kmod.Wsm, error) {
	w, err := d.driver.MapShared(length)
	if err != nil {
		return kmod.Wsm{}, err
	}

	d.wsms.Insert(w)
	return w, nil
}

// FreeWsm releases a buffer previously returned by MallocWsm (spec §9
// supplemented feature).
func (d *Device) FreeWsm(virt uintptr) error {
	w, err := d.wsms.FindByVirt(virt)
	if err != nil {
		return err
	}

	if err := d.driver.Free(w.Handle, w.Virt, w.Len); err != nil {
		return err
	}

	d.wsms.Remove(virt)
	return nil
}
