package socks5

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/postalsys/microsocks/internal/resolver"
	"github.com/prometheus/client_golang/prometheus"
)

// TestUDPRelay_EndToEnd exercises spec §8 scenario 5: a client datagram to
// an echo target is forwarded, and the target's reply is re-framed and
// delivered back to the client.
func TestUDPRelay_EndToEnd(t *testing.T) {
	echoAddr, stopEcho := startUDPEcho(t)
	defer stopEcho()

	clientTCP, serverTCP := net.Pipe()
	defer clientTCP.Close()
	defer serverTCP.Close()

	serverUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	clientUDP, err := net.DialUDP("udp", nil, serverUDP.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer clientUDP.Close()

	reg := prometheus.NewRegistry()
	counters := metrics.NewTrafficCounters(metrics.NewMetricsWithRegistry(reg), nil)
	res := resolver.New(resolver.DefaultConfig())

	relay := newUDPRelay(serverTCP, serverUDP, res, counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.run(ctx) }()

	target := Address{Type: AddrIPv4, IP: echoAddr.IP.To4(), Port: uint16(echoAddr.Port)}
	datagram := encodeUdpDatagram(target, []byte("ping"))

	if _, err := clientUDP.Write(datagram); err != nil {
		t.Fatalf("client write error = %v", err)
	}

	clientUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := clientUDP.Read(buf)
	if err != nil {
		t.Fatalf("client read error = %v", err)
	}

	gotAddr, payload, err := parseUdpDatagram(buf[:n])
	if err != nil {
		t.Fatalf("parseUdpDatagram() error = %v", err)
	}
	if !gotAddr.Equal(target) {
		t.Errorf("reply source = %+v, want %+v", gotAddr, target)
	}
	if string(payload) != "ping" {
		t.Errorf("reply payload = %q, want %q", payload, "ping")
	}

	serverTCP.Close()
	select {
	case <-relayDone:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after control connection closed")
	}
}

func startUDPEcho(t *testing.T) (*net.UDPAddr, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() { conn.Close() }
}
