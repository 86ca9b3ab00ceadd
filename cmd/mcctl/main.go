// mcctl is an interactive diagnostic client for the command channel: it
// dials the daemon's abstract AF_UNIX socket and offers a line-oriented
// REPL over the same wire protocol a real client library would use,
// printing each response's ResultCode. It puts the terminal in raw mode
// over the lifetime of the session the same way the teacher's own main.go
// does around its VM console, so line editing and signals pass through
// term.Terminal rather than the local tty driver.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/tzkit/mcdaemon/mcerr"
	"github.com/tzkit/mcdaemon/wire"
)

func main() {
	addr := flag.String("addr", "@mcdaemon/cmd", "command channel address")
	flag.Parse()

	conn, err := net.Dial("unix", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcctl: dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcctl: MakeRaw: %v\n", err)
			os.Exit(1)
		}
		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	t := term.NewTerminal(stdioReadWriter{os.Stdin, os.Stdout}, "mcctl> ")
	repl(t, conn)
}

// stdioReadWriter pairs stdin and stdout into the single io.ReadWriter
// term.NewTerminal expects, the same split the teacher's main.go leaves
// implicit when it puts os.Stdin into raw mode around a virtio.Console
// that reads os.Stdin and writes os.Stdout separately.
type stdioReadWriter struct {
	r *os.File
	w *os.File
}

func (rw stdioReadWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw stdioReadWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }

func repl(t *term.Terminal, conn net.Conn) {
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmd, args := fields[0], fields[1:]
		if cmd == "quit" || cmd == "exit" {
			return
		}

		if err := dispatch(t, conn, cmd, args); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
}

func dispatch(t *term.Terminal, conn net.Conn, cmd string, args []string) error {
	switch cmd {
	case "version":
		return doGetVersion(t, conn)
	case "open":
		return doOpenDevice(t, conn, args)
	case "close":
		return doCloseDevice(t, conn)
	case "opensession":
		return doOpenSession(t, conn, args)
	case "closesession":
		return doCloseSession(t, conn, args)
	case "notify":
		return doNotify(t, conn, args)
	case "help":
		fmt.Fprintln(t, "commands: version | open <device-id> | close | opensession <uuid-hex> <spid> <tci-virt> <tci-len> | closesession <session-id> | notify <session-id> | quit")
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func doGetVersion(t *term.Terminal, conn net.Conn) error {
	if err := wire.WriteRequest(conn, wire.CmdGetVersion, nil); err != nil {
		return err
	}
	buf := make([]byte, 12)
	if _, err := readFull(conn, buf); err != nil {
		return err
	}
	resp, err := wire.DecodeGetVersionResponse(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(t, "result=%v version=%d.%d\n", resp.Result, resp.VersionMajor, resp.VersionMinor)
	return nil
}

func doOpenDevice(t *term.Terminal, conn net.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: open <device-id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}

	payload := wire.EncodeOpenDeviceRequest(wire.OpenDeviceRequest{DeviceID: uint32(id)})
	if err := wire.WriteRequest(conn, wire.CmdOpenDevice, payload); err != nil {
		return err
	}
	return printResultHeader(t, conn)
}

func doCloseDevice(t *term.Terminal, conn net.Conn) error {
	if err := wire.WriteRequest(conn, wire.CmdCloseDevice, nil); err != nil {
		return err
	}
	return printResultHeader(t, conn)
}

func doOpenSession(t *term.Terminal, conn net.Conn, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: opensession <uuid-hex> <spid> <tci-virt> <tci-len>")
	}

	uuidBytes, err := hex.DecodeString(args[0])
	if err != nil || len(uuidBytes) != 16 {
		return fmt.Errorf("uuid must be 32 hex characters")
	}
	var uuid [16]byte
	copy(uuid[:], uuidBytes)

	spid, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return err
	}
	tciVirt, err := strconv.ParseUint(args[2], 0, 64)
	if err != nil {
		return err
	}
	tciLen, err := strconv.ParseUint(args[3], 0, 32)
	if err != nil {
		return err
	}

	payload := wire.EncodeOpenSessionRequest(wire.OpenSessionRequest{
		UUID:    uuid,
		SPID:    uint32(spid),
		TciVirt: tciVirt,
		TciLen:  uint32(tciLen),
	})
	if err := wire.WriteRequest(conn, wire.CmdOpenSession, payload); err != nil {
		return err
	}

	// A failed OpenSession is answered with the bare 4-byte header.
	buf := make([]byte, 16)
	if _, err := readFull(conn, buf[:4]); err != nil {
		return err
	}
	hdr, err := wire.DecodeResponseHeader(buf[:4])
	if err != nil {
		return err
	}
	if hdr.Result != mcerr.Ok {
		fmt.Fprintf(t, "result=%v\n", hdr.Result)
		return nil
	}
	if _, err := readFull(conn, buf[4:]); err != nil {
		return err
	}
	resp, err := wire.DecodeOpenSessionResponse(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(t, "result=%v session_id=%d device_session_id=%d session_magic=%d\n",
		resp.Result, resp.SessionID, resp.DeviceSessionID, resp.SessionMagic)
	return nil
}

func doCloseSession(t *term.Terminal, conn net.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: closesession <session-id>")
	}
	sid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}

	payload := wire.EncodeCloseSessionRequest(wire.CloseSessionRequest{SessionID: uint32(sid)})
	if err := wire.WriteRequest(conn, wire.CmdCloseSession, payload); err != nil {
		return err
	}
	return printResultHeader(t, conn)
}

func doNotify(t *term.Terminal, conn net.Conn, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: notify <session-id>")
	}
	sid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}

	payload := wire.EncodeNotifyRequest(wire.NotifyRequest{SessionID: uint32(sid)})
	if err := wire.WriteRequest(conn, wire.CmdNotify, payload); err != nil {
		return err
	}
	return printResultHeader(t, conn)
}

func printResultHeader(t *term.Terminal, conn net.Conn) error {
	buf := make([]byte, 4)
	if _, err := readFull(conn, buf); err != nil {
		return err
	}
	resp, err := wire.DecodeResponseHeader(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(t, "result=%v\n", resp.Result)
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
