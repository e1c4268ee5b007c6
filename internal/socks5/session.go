package socks5

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/postalsys/microsocks/internal/resolver"
)

// sessionState mirrors spec §4.5's explicit state machine. Each state
// corresponds to what message the session expects to read next.
type sessionState int

const (
	stateConnected sessionState = iota
	stateNeedAuth
	stateAuthed
	stateEnd
)

// Session drives one accepted client from greeting through teardown
// (spec §3's ClientSession, §4.5's state machine). It is owned
// exclusively by the worker goroutine that runs it.
type Session struct {
	conn     net.Conn
	policy   *Policy
	dialer   Dialer
	resolver *resolver.Resolver
	counters *metrics.TrafficCounters
	logger   *slog.Logger

	// udpBindIP is the local interface UDP relay sockets bind to,
	// matching the TCP listener's configured address.
	udpBindIP  net.IP
	udpEnabled bool

	state sessionState
}

// NewSession constructs a Session for an already-accepted connection.
func NewSession(conn net.Conn, policy *Policy, dialer Dialer, res *resolver.Resolver, counters *metrics.TrafficCounters, logger *slog.Logger, udpBindIP net.IP, udpEnabled bool) *Session {
	return &Session{
		conn:       conn,
		policy:     policy,
		dialer:     dialer,
		resolver:   res,
		counters:   counters,
		logger:     logger,
		udpBindIP:  udpBindIP,
		udpEnabled: udpEnabled,
		state:      stateConnected,
	}
}

// Serve runs the session to completion: it always returns once the
// client socket can be closed by the caller (spec §4.5's terminal state).
func (s *Session) Serve(ctx context.Context) error {
	clientIP := remoteIP(s.conn)

	offered, err := s.readGreetingMethods()
	if err != nil {
		return err
	}

	switch s.policy.selectMethod(offered, clientIP) {
	case MethodSelectNoAuth:
		if _, err := s.conn.Write(encodeAuthResponse(Version5, MethodNoAuth)); err != nil {
			return err
		}
		s.state = stateAuthed

	case MethodSelectUserPass:
		if _, err := s.conn.Write(encodeAuthResponse(Version5, MethodUserPass)); err != nil {
			return err
		}
		s.state = stateNeedAuth

	default:
		s.conn.Write(encodeAuthResponse(Version5, MethodNoAcceptable))
		return nil
	}

	if s.state == stateNeedAuth {
		user, pass, err := s.readCredentials()
		if err != nil {
			return err
		}
		if !s.policy.verifyCredentials(user, pass) {
			s.conn.Write(encodeAuthResponse(0x01, AuthStatusFailure))
			return nil
		}
		if _, err := s.conn.Write(encodeAuthResponse(0x01, AuthStatusSuccess)); err != nil {
			return err
		}
		if s.policy.WhitelistEnabled {
			s.policy.rememberClient(clientIP)
		}
		s.state = stateAuthed
	}

	req, err := s.readRequest()
	if err != nil {
		if se, ok := err.(*SocksError); ok {
			s.conn.Write(encodeReply(se.Reply, Address{}))
		}
		return err
	}

	switch req.Command {
	case CmdConnect:
		return s.handleConnect(ctx, req)
	case CmdUDPAssociate:
		if !s.udpEnabled {
			s.conn.Write(encodeReply(ReplyCommandNotSupported, Address{}))
			return nil
		}
		return s.handleUDPAssociate(ctx, req)
	default:
		// parseRequest already rejects any other command.
		s.conn.Write(encodeReply(ReplyCommandNotSupported, Address{}))
		return nil
	}
}

func (s *Session) readGreetingMethods() ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, err
	}
	n := int(header[1])
	methods := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(s.conn, methods); err != nil {
			return nil, err
		}
	}
	return parseGreeting(append(header, methods...))
}

func (s *Session) readCredentials() (user, pass string, err error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return "", "", err
	}
	ulen := int(header[1])
	rest := make([]byte, ulen+1)
	if _, err := io.ReadFull(s.conn, rest); err != nil {
		return "", "", err
	}
	plen := int(rest[ulen])
	pass2 := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(s.conn, pass2); err != nil {
			return "", "", err
		}
	}

	full := append(header, rest...)
	full = append(full, pass2...)
	u, p, err := parseCredentials(full)
	if err != nil {
		return "", "", err
	}
	return string(u), string(p), nil
}

func (s *Session) readRequest() (Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return Request{}, err
	}

	addrBytes, err := s.readAddressBytes(header[3])
	if err != nil {
		return Request{}, err
	}

	return parseRequest(append(header, addrBytes...))
}

// readAddressBytes reads the remainder of an Address (beyond its type
// byte, which the caller already consumed) directly from the connection.
func (s *Session) readAddressBytes(atyp byte) ([]byte, error) {
	switch AddrType(atyp) {
	case AddrIPv4:
		rest := make([]byte, 4+2)
		if _, err := io.ReadFull(s.conn, rest); err != nil {
			return nil, err
		}
		return append([]byte{atyp}, rest...), nil

	case AddrIPv6:
		rest := make([]byte, 16+2)
		if _, err := io.ReadFull(s.conn, rest); err != nil {
			return nil, err
		}
		return append([]byte{atyp}, rest...), nil

	case AddrDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(s.conn, lenByte); err != nil {
			return nil, err
		}
		rest := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(s.conn, rest); err != nil {
			return nil, err
		}
		return append([]byte{atyp, lenByte[0]}, rest...), nil

	default:
		return []byte{atyp}, nil
	}
}

// handleConnect implements spec §4.5.1.
func (s *Session) handleConnect(ctx context.Context, req Request) error {
	ip, err := s.resolver.Resolve(ctx, req.Target.Host(), resolver.TCP)
	if err != nil {
		s.conn.Write(encodeReply(ReplyGeneralFailure, Address{}))
		return err
	}

	address := net.JoinHostPort(ip.String(), strconv.Itoa(int(req.Target.Port)))
	target, err := s.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		s.conn.Write(encodeReply(mapDialError(err), Address{}))
		return err
	}
	defer target.Close()

	bound := addressFromNetAddr(target.LocalAddr())
	if _, err := s.conn.Write(encodeReply(ReplySucceeded, bound)); err != nil {
		return err
	}

	return relay(s.conn, target, s.counters)
}

// handleUDPAssociate implements spec §4.5.2.
func (s *Session) handleUDPAssociate(ctx context.Context, req Request) error {
	network := "udp4"
	if req.Target.Type == AddrIPv6 {
		network = "udp6"
	}

	udpConn, err := net.ListenUDP(network, &net.UDPAddr{IP: s.udpBindIP})
	if err != nil {
		s.conn.Write(encodeReply(ReplyGeneralFailure, Address{}))
		return err
	}
	defer udpConn.Close()

	bound := addressFromNetAddr(udpConn.LocalAddr())
	if _, err := s.conn.Write(encodeReply(ReplySucceeded, bound)); err != nil {
		return err
	}

	relay := newUDPRelay(s.conn, udpConn, s.resolver, s.counters, s.logger)

	if !isWildcardIP(req.Target.IP) && req.Target.Type != AddrDomain {
		relay.clientAddr = &net.UDPAddr{IP: req.Target.IP, Port: int(req.Target.Port)}
	}

	return relay.run(ctx)
}

// remoteIP extracts the IP portion of conn's remote address, used by the
// auth policy's whitelist (port is ignored per spec §3).
func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
