package server_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tzkit/mcdaemon/mci"
	"github.com/tzkit/mcdaemon/mcp"
	"github.com/tzkit/mcdaemon/nq"
)

var errSsiqClosed = errors.New("server_test: ssiq channel closed")

// answerNextMcpCall waits for a pending MCP request on fd's shared region
// and answers it exactly as the secure world would: overwrite the message
// buffer, mark the response ready, publish an MCPSession notification,
// and fire S-SIQ. Mirrors package device's own test helper of the same
// name, rebuilt here against only the public mci API since this package
// has no access to device's internals.
func answerNextMcpCall(t *testing.T, fd *fakeDriver, fill func(buf []byte)) {
	t.Helper()

	region := mci.New(fd.mciBuf)

	deadline := time.Now().Add(2 * time.Second)
	for !region.RequestReady() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for MCP request")
		}
		time.Sleep(time.Millisecond)
	}

	fill(region.MCPMessage())
	region.SetRequestReady(false)
	region.SetResponseReady(true)

	if !region.McToNWd.Put(nq.Notification{SessionID: mcp.MCPSession}) {
		t.Fatal("McToNWd full while answering MCP call")
	}

	fd.fireSsiq()
}

func putOpenSessionOK(buf []byte, sessionID, deviceSessionID, sessionMagic uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], sessionID)
	binary.LittleEndian.PutUint32(buf[8:12], deviceSessionID)
	binary.LittleEndian.PutUint32(buf[12:16], sessionMagic)
}
