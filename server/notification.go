package server

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/tzkit/mcdaemon/daemonctx"
	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/wire"
)

// NotificationHandler returns a ConnHandler that services the notification
// channel: it accepts exactly one NqConnect request, replies, and then —
// once bound — carries only pushed notifications, never another request,
// matching the NqBound state of spec §4.10 ("no further requests; used by
// IrqLoop to push notifications").
func NotificationHandler(ctx *daemonctx.DaemonContext) ConnHandler {
	return func(conn net.Conn) {
		log := slog.Default().With("component", "notification_conn")

		cmd, payload, err := wire.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error("read NqConnect request failed", "err", err)
			}
			return
		}
		if cmd != wire.CmdNqConnect {
			log.Error("first request on notification channel was not NqConnect", "cmd", cmd)
			return
		}

		req, err := wire.DecodeNqConnectRequest(payload)
		if err != nil {
			log.Error("decode NqConnect request failed", "err", err)
			return
		}

		d, err := ctx.Get(req.DeviceID)
		if err != nil {
			writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(err)}))
			return
		}

		connectErr := d.NqConnect(req.SessionID, req.DeviceSessionID, req.SessionMagic, func(payload int32) error {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(payload))
			_, err := conn.Write(buf[:])
			return err
		})
		if err := writeResponse(conn, wire.EncodeResponseHeader(wire.ResponseHeader{Result: mcerr.KindOf(connectErr)})); err != nil {
			return
		}
		if connectErr != nil {
			return
		}

		// The connection is now NqBound: it carries no further requests, only
		// pushed notifications written by NotifyFunc above. Block here until
		// the peer closes or the server shuts the connection down, so the
		// connection goroutine in Server.serveConn doesn't return early and
		// close the socket out from under NotifyFunc.
		io.Copy(io.Discard, conn)
	}
}
