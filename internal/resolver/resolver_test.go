package resolver

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestResolve_LiteralIPv4(t *testing.T) {
	r := New(DefaultConfig())
	ip, err := r.Resolve(context.Background(), "127.0.0.1", TCP)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Resolve() = %v, want 127.0.0.1", ip)
	}
}

func TestResolve_LiteralIPv6(t *testing.T) {
	r := New(DefaultConfig())
	ip, err := r.Resolve(context.Background(), "::1", UDP)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !ip.Equal(net.IPv6loopback) {
		t.Errorf("Resolve() = %v, want ::1", ip)
	}
}

func TestResolve_CachesResult(t *testing.T) {
	r := New(DefaultConfig())
	r.store(TCP, "cached.example", net.IPv4(1, 2, 3, 4), time.Minute)

	ip, err := r.Resolve(context.Background(), "cached.example", TCP)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !ip.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Errorf("Resolve() = %v, want 1.2.3.4", ip)
	}
}

func TestResolve_CacheIsPerKind(t *testing.T) {
	r := New(DefaultConfig())
	r.store(TCP, "split.example", net.IPv4(1, 2, 3, 4), time.Minute)

	if ip := r.cached(UDP, "split.example"); ip != nil {
		t.Errorf("cached(UDP, ...) = %v, want nil (entry was stored under TCP)", ip)
	}
	if ip := r.cached(TCP, "split.example"); !ip.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Errorf("cached(TCP, ...) = %v, want 1.2.3.4", ip)
	}
}

func TestResolve_ExpiredCacheEntryIsDropped(t *testing.T) {
	r := New(DefaultConfig())
	r.store(TCP, "stale.example", net.IPv4(1, 2, 3, 4), -time.Second)

	if ip := r.cached(TCP, "stale.example"); ip != nil {
		t.Errorf("cached() = %v, want nil for expired entry", ip)
	}
}

func TestClearCache(t *testing.T) {
	r := New(DefaultConfig())
	r.store(TCP, "cached.example", net.IPv4(1, 2, 3, 4), time.Minute)
	r.ClearCache()

	if ip := r.cached(TCP, "cached.example"); ip != nil {
		t.Errorf("cached() = %v, want nil after ClearCache", ip)
	}
}

func TestAddrForKind_PrefersIPv4ForTCP(t *testing.T) {
	addrs := []net.IPAddr{
		{IP: net.ParseIP("2001:db8::1")},
		{IP: net.IPv4(9, 9, 9, 9)},
	}
	got := addrForKind(addrs, TCP)
	if !got.Equal(net.IPv4(9, 9, 9, 9)) {
		t.Errorf("addrForKind(TCP) = %v, want 9.9.9.9", got)
	}
}

func TestAddrForKind_PrefersIPv6ForUDP(t *testing.T) {
	want := net.ParseIP("2001:db8::1")
	addrs := []net.IPAddr{
		{IP: net.IPv4(9, 9, 9, 9)},
		{IP: want},
	}
	got := addrForKind(addrs, UDP)
	if !got.Equal(want) {
		t.Errorf("addrForKind(UDP) = %v, want %v", got, want)
	}
}

func TestAddrForKind_FallsBackWhenPreferredFamilyAbsent(t *testing.T) {
	addrs := []net.IPAddr{{IP: net.IPv4(9, 9, 9, 9)}}
	got := addrForKind(addrs, UDP)
	if !got.Equal(net.IPv4(9, 9, 9, 9)) {
		t.Errorf("addrForKind(UDP, v4-only) = %v, want fallback to 9.9.9.9", got)
	}
}

func TestResolveAddr_JoinsHostPort(t *testing.T) {
	r := New(DefaultConfig())
	addr, err := r.ResolveAddr(context.Background(), "127.0.0.1", 8080, TCP)
	if err != nil {
		t.Fatalf("ResolveAddr() error = %v", err)
	}
	if addr != "127.0.0.1:8080" {
		t.Errorf("ResolveAddr() = %q, want %q", addr, "127.0.0.1:8080")
	}
}
