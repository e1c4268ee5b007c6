package socks5

import "net"

// flow is one entry of the UdpFlowTable described in spec §3: a target
// Address and the connected UDP socket dedicated to it.
type flow struct {
	addr Address
	conn *net.UDPConn
}

// flowTable is the per UDP-associate session table of (target Address,
// target socket) pairs from spec §3/§4.4. At most one socket per Address;
// a linear scan is acceptable since sessions have few concurrent flows.
// Not safe for concurrent use — it is owned exclusively by one session's
// relay goroutine set, serialized through udpRelay's event channel.
type flowTable struct {
	flows []flow
}

// lookup returns the socket associated with addr, or nil if none exists
// yet.
func (t *flowTable) lookup(addr Address) *net.UDPConn {
	for _, f := range t.flows {
		if f.addr.Equal(addr) {
			return f.conn
		}
	}
	return nil
}

// insert adds a new (addr, conn) pair. Callers must have already checked
// lookup returned nil; insert does not deduplicate.
func (t *flowTable) insert(addr Address, conn *net.UDPConn) {
	t.flows = append(t.flows, flow{addr: addr, conn: conn})
}

// addrFor returns the Address registered for conn, used when a flow
// socket becomes readable and the reply must be framed with its source
// address (spec §4.4's "any target flow socket readable" case).
func (t *flowTable) addrFor(conn *net.UDPConn) (Address, bool) {
	for _, f := range t.flows {
		if f.conn == conn {
			return f.addr, true
		}
	}
	return Address{}, false
}

// closeAll tears down every flow socket, per spec §4.4's teardown.
func (t *flowTable) closeAll() {
	for _, f := range t.flows {
		f.conn.Close()
	}
	t.flows = nil
}
