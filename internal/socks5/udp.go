package socks5

import (
	"context"
	"log/slog"
	"net"

	"github.com/postalsys/microsocks/internal/logging"
	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/postalsys/microsocks/internal/resolver"
)

// udpDatagramMaxSize bounds a single SOCKS5 UDP datagram plus its header;
// well above any realistic UDP payload given the 64KiB protocol ceiling.
const udpDatagramMaxSize = 65535

// udpEvent is the single channel unit every reader goroutine in udpRelay
// produces, letting one owning goroutine serialize all flowTable
// mutations without a mutex (spec §4.4's readiness multiplexer, recast as
// goroutine-per-socket fan-in).
type udpEvent struct {
	kind       udpEventKind
	fromClient *net.UDPAddr
	fromFlow   *net.UDPConn
	data       []byte
	err        error
}

type udpEventKind int

const (
	eventFromClient udpEventKind = iota
	eventFromFlow
	eventTCPClosed
	eventClientSocketClosed
)

// udpRelay implements spec §4.4's UDP_ASSOCIATE relay: it demultiplexes
// datagrams from the client to per-target flow sockets, and relays target
// replies back to the client, framing/deframing per RFC 1928 §7.
type udpRelay struct {
	tcpConn  net.Conn
	udpConn  *net.UDPConn
	resolver *resolver.Resolver
	counters *metrics.TrafficCounters
	logger   *slog.Logger

	table      flowTable
	clientAddr *net.UDPAddr
}

func newUDPRelay(tcpConn net.Conn, udpConn *net.UDPConn, res *resolver.Resolver, counters *metrics.TrafficCounters, logger *slog.Logger) *udpRelay {
	return &udpRelay{
		tcpConn:  tcpConn,
		udpConn:  udpConn,
		resolver: res,
		counters: counters,
		logger:   logger,
	}
}

// run drives the relay until the control TCP connection closes/errors or
// the client UDP socket errors. It always tears down every flow socket
// before returning (spec §4.4 teardown).
func (r *udpRelay) run(ctx context.Context) error {
	events := make(chan udpEvent, 16)

	go r.readTCP(events)
	go r.readClientSocket(events)

	defer r.table.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev.kind {
			case eventTCPClosed:
				return ev.err
			case eventClientSocketClosed:
				return ev.err
			case eventFromClient:
				if err := r.handleClientDatagram(ctx, ev.data, events); err != nil {
					if err == ErrFragmentedDatagram {
						return err
					}
					if r.logger != nil {
						r.logger.Debug("dropping malformed UDP datagram", logging.KeyError, err.Error())
					}
				}
			case eventFromFlow:
				r.handleFlowDatagram(ev.fromFlow, ev.data)
			}
		}
	}
}

// readTCP discards bytes from the control connection (spec §9(a): TCP
// payload during UDP-associate is ignored) and reports EOF/error as the
// terminal event.
func (r *udpRelay) readTCP(events chan<- udpEvent) {
	buf := make([]byte, 512)
	for {
		_, err := r.tcpConn.Read(buf)
		if err != nil {
			events <- udpEvent{kind: eventTCPClosed, err: err}
			return
		}
	}
}

// readClientSocket receives datagrams from the client-facing socket. The
// first sender pins clientAddr; later datagrams from any other sender are
// silently ignored per spec §4.4.
func (r *udpRelay) readClientSocket(events chan<- udpEvent) {
	buf := make([]byte, udpDatagramMaxSize)
	for {
		n, from, err := r.udpConn.ReadFromUDP(buf)
		if err != nil {
			events <- udpEvent{kind: eventClientSocketClosed, err: err}
			return
		}

		if r.clientAddr == nil {
			r.clientAddr = from
		} else if !r.clientAddr.IP.Equal(from.IP) || r.clientAddr.Port != from.Port {
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		events <- udpEvent{kind: eventFromClient, fromClient: from, data: data}
	}
}

// handleClientDatagram implements the "udp_fd readable" branch of spec
// §4.4: parse, look up or create the target flow socket, forward payload.
func (r *udpRelay) handleClientDatagram(ctx context.Context, raw []byte, events chan<- udpEvent) error {
	addr, payload, err := parseUdpDatagram(raw)
	if err != nil {
		return err
	}

	conn := r.table.lookup(addr)
	if conn == nil {
		conn, err = r.dialFlow(ctx, addr)
		if err != nil {
			if r.logger != nil {
				r.logger.Debug("udp flow dial failed", logging.KeyTargetAddr, addr.String(), logging.KeyError, err.Error())
			}
			return nil
		}
		r.table.insert(addr, conn)
		go r.readFlow(conn, events)
	}

	n, err := conn.Write(payload)
	if err != nil {
		return nil
	}
	if r.counters != nil {
		r.counters.AddUpload(uint64(n))
	}
	return nil
}

// dialFlow resolves addr and opens a new connected UDP socket dedicated
// to it, per spec §4.4's "create a new connected UDP socket".
func (r *udpRelay) dialFlow(ctx context.Context, addr Address) (*net.UDPConn, error) {
	ip, err := r.resolver.Resolve(ctx, addr.Host(), resolver.UDP)
	if err != nil {
		return nil, err
	}
	udpAddr := &net.UDPAddr{IP: ip, Port: int(addr.Port)}
	return net.DialUDP("udp", nil, udpAddr)
}

// readFlow reads replies from one target flow socket until it is closed
// by teardown, forwarding each datagram as an event.
func (r *udpRelay) readFlow(conn *net.UDPConn, events chan<- udpEvent) {
	buf := make([]byte, udpDatagramMaxSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		events <- udpEvent{kind: eventFromFlow, fromFlow: conn, data: data}
	}
}

// handleFlowDatagram implements the "any target flow socket readable"
// branch of spec §4.4: re-frame with the flow's address as source and
// send to the pinned client.
func (r *udpRelay) handleFlowDatagram(conn *net.UDPConn, payload []byte) {
	addr, ok := r.table.addrFor(conn)
	if !ok || r.clientAddr == nil {
		return
	}

	framed := encodeUdpDatagram(addr, payload)
	n, err := r.udpConn.WriteToUDP(framed, r.clientAddr)
	if err != nil {
		return
	}
	if r.counters != nil {
		r.counters.AddDownload(uint64(n))
	}
}
