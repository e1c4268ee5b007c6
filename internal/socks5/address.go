package socks5

import (
	"fmt"
	"net"
)

// Address is a tagged SOCKS5 destination: an IPv4 address, an IPv6
// address, or a domain name, plus a port. Equality is structural.
type Address struct {
	Type   AddrType
	IP     net.IP // set when Type is AddrIPv4 or AddrIPv6
	Domain string // set when Type is AddrDomain
	Port   uint16
}

// Equal reports whether a and b designate the same tag, bytes, and port.
func (a Address) Equal(b Address) bool {
	if a.Type != b.Type || a.Port != b.Port {
		return false
	}
	switch a.Type {
	case AddrDomain:
		return a.Domain == b.Domain
	default:
		return a.IP.Equal(b.IP)
	}
}

// String renders the address as "host:port", used for logging and as the
// flow-table lookup key.
func (a Address) String() string {
	switch a.Type {
	case AddrDomain:
		return fmt.Sprintf("%s:%d", a.Domain, a.Port)
	default:
		return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
	}
}

// Host returns the string form of the address suitable for resolution or
// dialing: the domain name, or the literal IP.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Domain
	}
	return a.IP.String()
}

// parseAddress parses a SOCKS5 address from the front of b, returning the
// decoded Address and the number of bytes consumed. See spec §4.1.
func parseAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, errGeneralFailure("truncated address: missing type byte")
	}

	atyp := AddrType(b[0])
	switch atyp {
	case AddrIPv4:
		if len(b) < 1+4+2 {
			return Address{}, 0, errGeneralFailure("truncated IPv4 address")
		}
		ip := net.IP(append([]byte(nil), b[1:5]...))
		port := uint16(b[5])<<8 | uint16(b[6])
		return Address{Type: AddrIPv4, IP: ip, Port: port}, 7, nil

	case AddrIPv6:
		if len(b) < 1+16+2 {
			return Address{}, 0, errGeneralFailure("truncated IPv6 address")
		}
		ip := net.IP(append([]byte(nil), b[1:17]...))
		port := uint16(b[17])<<8 | uint16(b[18])
		return Address{Type: AddrIPv6, IP: ip, Port: port}, 19, nil

	case AddrDomain:
		if len(b) < 2 {
			return Address{}, 0, errGeneralFailure("truncated domain address: missing length")
		}
		n := int(b[1])
		if len(b) < 2+n+2 {
			return Address{}, 0, errGeneralFailure("truncated domain address")
		}
		domain := string(b[2 : 2+n])
		port := uint16(b[2+n])<<8 | uint16(b[2+n+1])
		return Address{Type: AddrDomain, Domain: domain, Port: port}, 2 + n + 2, nil

	default:
		return Address{}, 0, &SocksError{Reply: ReplyAddrTypeNotSupported, Err: fmt.Errorf("unsupported address type 0x%02x", atyp)}
	}
}

// encodeAddress appends the wire encoding of a to dst and returns the
// result. It is the inverse of parseAddress.
func encodeAddress(dst []byte, a Address) []byte {
	switch a.Type {
	case AddrIPv6:
		dst = append(dst, byte(AddrIPv6))
		ip := a.IP.To16()
		dst = append(dst, ip...)
	case AddrDomain:
		dst = append(dst, byte(AddrDomain), byte(len(a.Domain)))
		dst = append(dst, a.Domain...)
	default:
		dst = append(dst, byte(AddrIPv4))
		ip := a.IP.To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		dst = append(dst, ip...)
	}
	dst = append(dst, byte(a.Port>>8), byte(a.Port))
	return dst
}

// addressFromNetAddr converts a dialed/bound net.Addr (TCPAddr or UDPAddr)
// into an Address for use in a SOCKS5 reply.
func addressFromNetAddr(addr net.Addr) Address {
	var ip net.IP
	var port int
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	atyp := AddrIPv4
	if ip.To4() == nil {
		atyp = AddrIPv6
	}
	return Address{Type: atyp, IP: ip, Port: uint16(port)}
}

func isWildcardIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}
