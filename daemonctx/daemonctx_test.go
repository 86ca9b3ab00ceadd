package daemonctx_test

import (
	"testing"

	"github.com/tzkit/mcdaemon/daemonctx"
	"github.com/tzkit/mcdaemon/mcerr"
)

func TestGetUnknownDeviceFails(t *testing.T) {
	ctx := daemonctx.New(nil)
	if _, err := ctx.Get(1); mcerr.KindOf(err) != mcerr.UnknownDevice {
		t.Fatalf("KindOf(err) = %v, want UnknownDevice", mcerr.KindOf(err))
	}
}

func TestCloseUnknownDeviceFails(t *testing.T) {
	ctx := daemonctx.New(nil)
	if err := ctx.Close(1); mcerr.KindOf(err) != mcerr.UnknownDevice {
		t.Fatalf("KindOf(err) = %v, want UnknownDevice", mcerr.KindOf(err))
	}
}

func TestCloseAllOnEmptyContextIsNoop(t *testing.T) {
	ctx := daemonctx.New(nil)
	ctx.CloseAll()
}
