package socks5

import "fmt"

// Request is a parsed SOCKS5 request: the command and its target address
// (spec §3's per-request working value, not persisted).
type Request struct {
	Command Command
	Target  Address
}

// parseGreeting parses the client's method-selection message: version,
// method count, then that many method bytes (RFC 1928 §3).
func parseGreeting(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, errGeneralFailure("truncated greeting")
	}
	if b[0] != Version5 {
		return nil, errGeneralFailure(fmt.Sprintf("unsupported version 0x%02x", b[0]))
	}
	n := int(b[1])
	if len(b) < 2+n {
		return nil, errGeneralFailure("truncated greeting: short method list")
	}
	return b[2 : 2+n], nil
}

// parseCredentials parses an RFC 1929 username/password sub-negotiation
// message: [0x01, ulen, user[ulen], plen, pass[plen]].
func parseCredentials(b []byte) (user, pass []byte, err error) {
	if len(b) < 2 {
		return nil, nil, errGeneralFailure("truncated credentials")
	}
	if b[0] != 0x01 {
		return nil, nil, errGeneralFailure(fmt.Sprintf("unsupported auth sub-negotiation version 0x%02x", b[0]))
	}
	ulen := int(b[1])
	if len(b) < 2+ulen+1 {
		return nil, nil, errGeneralFailure("truncated credentials: short username")
	}
	user = b[2 : 2+ulen]
	plen := int(b[2+ulen])
	if len(b) < 2+ulen+1+plen {
		return nil, nil, errGeneralFailure("truncated credentials: short password")
	}
	pass = b[2+ulen+1 : 2+ulen+1+plen]
	return user, pass, nil
}

// parseRequest parses a SOCKS5 request header: [0x05, cmd, 0x00, address].
// Only CONNECT and UDP_ASSOCIATE are accepted; anything else yields
// CommandNotSupported (spec §4.1, §8).
func parseRequest(b []byte) (Request, error) {
	if len(b) < 4 {
		return Request{}, errGeneralFailure("truncated request header")
	}
	if b[0] != Version5 {
		return Request{}, errGeneralFailure(fmt.Sprintf("unsupported version 0x%02x", b[0]))
	}
	if b[2] != 0x00 {
		return Request{}, errGeneralFailure("non-zero reserved byte")
	}

	cmd := Command(b[1])
	switch cmd {
	case CmdConnect, CmdUDPAssociate:
	default:
		return Request{}, &SocksError{Reply: ReplyCommandNotSupported, Err: fmt.Errorf("unsupported command 0x%02x", b[1])}
	}

	addr, _, err := parseAddress(b[3:])
	if err != nil {
		return Request{}, err
	}
	return Request{Command: cmd, Target: addr}, nil
}

// encodeReply builds the fixed-format SOCKS5 reply: [0x05, code, 0x00,
// atyp, addr, port]. boundAddr is the server-local address to report; the
// zero Address encodes as IPv4 0.0.0.0:0, used for error replies that have
// no meaningful bound address (spec §4.1).
func encodeReply(code ReplyCode, boundAddr Address) []byte {
	if boundAddr.Type == 0 && boundAddr.IP == nil && boundAddr.Domain == "" {
		boundAddr = Address{Type: AddrIPv4, IP: make([]byte, 4)}
	}
	buf := make([]byte, 0, 22)
	buf = append(buf, Version5, byte(code), 0x00)
	return encodeAddress(buf, boundAddr)
}

// encodeAuthResponse builds a 2-byte [version, code] response, used both
// for method selection (version 0x05) and credential results (version
// 0x01).
func encodeAuthResponse(version, code byte) []byte {
	return []byte{version, code}
}
