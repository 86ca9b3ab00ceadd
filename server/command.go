package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/tzkit/mcdaemon/daemonctx"
	"github.com/tzkit/mcdaemon/device"
	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/registry"
	"github.com/tzkit/mcdaemon/wire"
)

// connState is the ConnectionHandler state machine of spec §4.10.
type connState int

const (
	stateFresh connState = iota
	stateDeviceBound
)

// commandConn is the per-connection state for the command channel: which
// device (if any) this connection is bound to, per spec §4.10's exclusive
// binding rule ("a given connection may open exactly one device"), and
// which sessions on that device this connection opened. sessions exists so
// serve's teardown can close exactly the sessions this connection owns
// when the socket drops (spec §4.5/§4.11 TeardownOnConnectionDrop) —
// without it, a client that opens sessions and disappears leaks them
// forever, and CloseDevice refuses with SessionPending from then on.
type commandConn struct {
	ctx      *daemonctx.DaemonContext
	log      *slog.Logger
	state    connState
	dev      *device.Device
	sessions map[uint32]struct{}
}

// CommandHandler returns a ConnHandler that services the Fresh and
// DeviceBound states of spec §4.10 against ctx.
func CommandHandler(ctx *daemonctx.DaemonContext) ConnHandler {
	return func(conn net.Conn) {
		c := &commandConn{
			ctx:      ctx,
			log:      slog.Default().With("component", "command_conn"),
			sessions: make(map[uint32]struct{}),
		}
		c.serve(conn)
	}
}

func (c *commandConn) serve(conn net.Conn) {
	defer c.teardown()

	for {
		cmd, payload, err := wire.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Error("read request failed", "err", err)
			}
			return
		}

		if err := c.dispatch(conn, cmd, payload); err != nil {
			c.log.Error("dispatch failed, dropping connection", "cmd", cmd, "err", err)
			return
		}
	}
}

// teardown closes every session this connection opened and never closed
// itself, so a dropped or reset connection can't leak sessions past the
// socket that owned them (spec §4.5/§4.11).
func (c *commandConn) teardown() {
	if c.dev == nil {
		return
	}

	for sid := range c.sessions {
		if err := c.dev.CloseSession(context.Background(), sid); err != nil {
			c.log.Error("teardown: close session failed", "session_id", sid, "err", err)
		}
	}
}

// dispatch services one request, writing its response to conn. A returned
// error means the connection must be dropped (a framing error, a write
// failure, or a command forbidden in the current state); an MCP- or
// device-level failure is instead encoded into the response's ResultCode
// and the connection stays open, per spec §4.10/§4.11.
func (c *commandConn) dispatch(conn net.Conn, cmd wire.CommandID, payload []byte) error {
	ctx := context.Background()

	switch cmd {
	case wire.CmdGetVersion:
		return c.handleGetVersion(conn)

	case wire.CmdOpenDevice:
		return c.handleOpenDevice(conn, payload)

	case wire.CmdCloseDevice:
		return c.handleCloseDevice(conn)

	case wire.CmdOpenSession:
		return c.handleOpenSession(ctx, conn, payload)

	case wire.CmdCloseSession:
		return c.handleCloseSession(ctx, conn, payload)

	case wire.CmdNotify:
		return c.handleNotify(conn, payload)

	case wire.CmdMapBulkBuf:
		return c.handleMapBulkBuf(ctx, conn, payload)

	case wire.CmdUnmapBulkBuf:
		return c.handleUnmapBulkBuf(ctx, conn, payload)

	case wire.CmdGetMobicoreVersion:
		return c.handleGetMobicoreVersion(ctx, conn)

	default:
		return errors.New("server: unknown command")
	}
}

// requireFresh and requireDeviceBound enforce spec §4.10's per-state
// command table; a command issued in the wrong state is a protocol
// violation and drops the connection, rather than a reportable ResultCode.
func (c *commandConn) requireFresh() error {
	if c.state != stateFresh {
		return errors.New("server: command requires Fresh state")
	}
	return nil
}

func (c *commandConn) requireDeviceBound() error {
	if c.state != stateDeviceBound {
		return errors.New("server: command requires DeviceBound state")
	}
	return nil
}

func (c *commandConn) handleGetVersion(conn net.Conn) error {
	if err := c.requireFresh(); err != nil {
		return err
	}

	resp := wire.GetVersionResponse{
		ResponseHeader: wire.ResponseHeader{Result: mcerr.Ok},
		VersionMajor:   1,
		VersionMinor:   0,
	}
	return writeResponse(conn, wire.EncodeGetVersionResponse(resp))
}

// handleOpenDevice binds the connection to a device. A connection that is
// already DeviceBound reports DeviceAlreadyOpen rather than dropping (spec
// §8 scenario 6: "Two OpenDevice(0) -> Ok then DeviceAlreadyOpen"); only a
// command that is meaningless in the DeviceBound state at all (e.g.
// GetVersion again) is a protocol violation worth dropping the connection
// over.
func (c *commandConn) handleOpenDevice(conn net.Conn, payload []byte) error {
	if c.state == stateDeviceBound {
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.DeviceAlreadyOpen}))
	}

	req, err := wire.DecodeOpenDeviceRequest(payload)
	if err != nil {
		return err
	}

	d, openErr := c.ctx.Get(req.DeviceID)
	if openErr != nil {
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(openErr)}))
	}

	c.dev = d
	c.state = stateDeviceBound
	return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.Ok}))
}

func (c *commandConn) handleCloseDevice(conn net.Conn) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	err := c.ctx.Close(c.dev.ID())
	if err == nil {
		c.dev = nil
		c.state = stateFresh
		c.sessions = make(map[uint32]struct{})
	}
	return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(err)}))
}

func (c *commandConn) handleOpenSession(ctx context.Context, conn net.Conn, payload []byte) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	req, err := wire.DecodeOpenSessionRequest(payload)
	if err != nil {
		return err
	}

	containers, blobErr := c.ctx.Registry().AuthenticatedBlob(registry.Uuid(req.UUID), req.SPID)
	if blobErr != nil {
		c.log.Error("assemble authenticated blob failed", "uuid", req.UUID, "spid", req.SPID, "err", blobErr)
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(blobErr)}))
	}

	sessionID, deviceSessionID, sessionMagic, openErr := c.dev.OpenSession(ctx, req.UUID, uintptr(req.TciVirt), req.TciLen, containers)
	if openErr != nil {
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(openErr)}))
	}
	c.sessions[sessionID] = struct{}{}

	resp := wire.OpenSessionResponse{
		ResponseHeader:  wire.ResponseHeader{Result: mcerr.Ok},
		SessionID:       sessionID,
		DeviceSessionID: deviceSessionID,
		SessionMagic:    sessionMagic,
	}
	return writeResponse(conn, wire.EncodeOpenSessionResponse(resp))
}

func (c *commandConn) handleCloseSession(ctx context.Context, conn net.Conn, payload []byte) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	req, err := wire.DecodeCloseSessionRequest(payload)
	if err != nil {
		return err
	}

	closeErr := c.dev.CloseSession(ctx, req.SessionID)
	delete(c.sessions, req.SessionID)
	return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(closeErr)}))
}

func (c *commandConn) handleNotify(conn net.Conn, payload []byte) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	req, err := wire.DecodeNotifyRequest(payload)
	if err != nil {
		return err
	}

	notifyErr := c.dev.Notify(req.SessionID)
	return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(notifyErr)}))
}

func (c *commandConn) handleMapBulkBuf(ctx context.Context, conn net.Conn, payload []byte) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	req, err := wire.DecodeMapBulkBufRequest(payload)
	if err != nil {
		return err
	}

	secureVirt, mapErr := c.dev.MapBulk(ctx, req.SessionID, uintptr(req.ClientVirt), req.Len, req.Pid)
	if mapErr != nil {
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(mapErr)}))
	}

	resp := wire.MapBulkBufResponse{
		ResponseHeader: wire.ResponseHeader{Result: mcerr.Ok},
		SecureVirt:     secureVirt,
	}
	return writeResponse(conn, wire.EncodeMapBulkBufResponse(resp))
}

func (c *commandConn) handleUnmapBulkBuf(ctx context.Context, conn net.Conn, payload []byte) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	req, err := wire.DecodeUnmapBulkBufRequest(payload)
	if err != nil {
		return err
	}

	unmapErr := c.dev.UnmapBulk(ctx, req.SessionID, req.SecureVirt, req.Len)
	return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(unmapErr)}))
}

func (c *commandConn) handleGetMobicoreVersion(ctx context.Context, conn net.Conn) error {
	if err := c.requireDeviceBound(); err != nil {
		return err
	}

	productID, major, minor, verErr := c.dev.GetMobicoreVersion(ctx)
	if verErr != nil {
		return writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(verErr)}))
	}

	resp := wire.GetMobicoreVersionResponse{
		ResponseHeader: wire.ResponseHeader{Result: mcerr.Ok},
		ProductID:      productID,
		VersionMajor:   major,
		VersionMinor:   minor,
	}
	return writeResponse(conn, wire.EncodeGetMobicoreVersionResponse(resp))
}

func writeResponse(conn net.Conn, payload []byte) error {
	_, err := conn.Write(payload)
	return err
}
