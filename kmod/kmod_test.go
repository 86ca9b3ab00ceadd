//go:build linux

package kmod_test

import (
	"os"
	"testing"

	"github.com/tzkit/mcdaemon/kmod"
	"github.com/tzkit/mcdaemon/mcerr"
)

func TestOpenMissingDriver(t *testing.T) {
	_, err := kmod.Open("/nonexistent/mobicore")
	if err == nil {
		t.Fatal("expected error opening a nonexistent driver path")
	}

	if mcerr.KindOf(err) != mcerr.KmodNotOpen {
		t.Fatalf("got kind %v, want KmodNotOpen", mcerr.KindOf(err))
	}
}

func TestOpenRealDriver(t *testing.T) {
	if _, err := os.Stat("/dev/mobicore"); err != nil {
		t.Skip("no /dev/mobicore on this host")
	}

	b, err := kmod.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
}
