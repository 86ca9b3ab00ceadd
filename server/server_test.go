package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/tzkit/mcdaemon/server"
)

func TestServeAcceptsAndCloseUnblocksConnections(t *testing.T) {
	var handled = make(chan struct{})

	s := server.New("@mcdaemon-test/"+t.Name(), func(conn net.Conn) {
		close(handled)
		buf := make([]byte, 1)
		conn.Read(buf) // blocks until Close closes the connection
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	// Give Serve a moment to bind before dialing.
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("unix", "@mcdaemon-test/"+t.Name())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
