package socks5

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRelay_BidirectionalCopy(t *testing.T) {
	clientA, clientB := net.Pipe()
	targetA, targetB := net.Pipe()

	reg := prometheus.NewRegistry()
	counters := metrics.NewTrafficCounters(metrics.NewMetricsWithRegistry(reg), nil)

	done := make(chan error, 1)
	go func() {
		done <- relay(wrapConn{clientB}, wrapConn{targetA}, counters)
	}()

	go func() {
		clientA.Write([]byte("hello target"))
	}()

	buf := make([]byte, 64)
	n, err := io.ReadFull(targetB, buf[:len("hello target")])
	if err != nil {
		t.Fatalf("target read error = %v", err)
	}
	if string(buf[:n]) != "hello target" {
		t.Errorf("target got %q, want %q", buf[:n], "hello target")
	}

	targetB.Write([]byte("hello client"))
	targetB.Close()

	n, err = io.ReadFull(clientA, buf[:len("hello client")])
	if err != nil {
		t.Fatalf("client read error = %v", err)
	}
	if string(buf[:n]) != "hello client" {
		t.Errorf("client got %q, want %q", buf[:n], "hello client")
	}
	clientA.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after both sides closed")
	}

	upload, download := counters.Totals()
	if upload != uint64(len("hello target")) {
		t.Errorf("upload = %d, want %d", upload, len("hello target"))
	}
	if download != uint64(len("hello client")) {
		t.Errorf("download = %d, want %d", download, len("hello client"))
	}
}

// wrapConn adapts a net.Conn from net.Pipe (which has no CloseWrite) to
// satisfy net.Conn for relay's purposes without implementing halfCloser,
// exercising the non-half-close path.
type wrapConn struct {
	net.Conn
}
