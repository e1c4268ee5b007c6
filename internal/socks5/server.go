package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/microsocks/internal/logging"
	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/postalsys/microsocks/internal/resolver"
)

// acceptBackoff is the pause taken after a failed Accept or session
// allocation, avoiding a busy-spin per spec §4.6.
const acceptBackoff = 64 * time.Microsecond

// ServerConfig holds the acceptor/worker pool's configuration (spec §4.6).
type ServerConfig struct {
	Address        string
	MaxConnections int

	// UDPEnabled controls whether UDP ASSOCIATE requests are served or
	// rejected with ReplyCommandNotSupported.
	UDPEnabled bool

	Policy   *Policy
	Dialer   Dialer
	Resolver *resolver.Resolver
	Metrics  *metrics.Metrics
	Counters *metrics.TrafficCounters
	Logger   *slog.Logger
}

// DefaultServerConfig returns sensible defaults: no auth, direct dialing,
// the system resolver.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "0.0.0.0:1080",
		MaxConnections: 1000,
		UDPEnabled:     true,
		Policy:         NewPolicy(nil, false),
		Dialer:         NewDirectDialer(),
		Resolver:       resolver.New(resolver.DefaultConfig()),
		Logger:         logging.NopLogger(),
	}
}

// Server is the SOCKS5 acceptor/worker pool of spec §4.6: it accepts
// connections, spawns one worker per client, and reaps finished workers.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	tracker  *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server from cfg, filling in defaults for any unset
// dependency.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy(nil, false)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDirectDialer()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.DefaultConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Counters == nil {
		cfg.Counters = metrics.NewTrafficCounters(cfg.Metrics, nil)
	}

	return &Server{
		cfg:     cfg,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// all workers to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if it does not
// finish before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address, or nil if not started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active client sessions.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the server is currently accepting.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop is the acceptor half of spec §4.6: one goroutine that never
// blocks for the lifetime of a session, handing each accepted connection
// to its own worker goroutine.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				if s.cfg.Logger != nil {
					s.cfg.Logger.Error("accept failed", logging.KeyError, err.Error())
				}
				time.Sleep(acceptBackoff)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			time.Sleep(acceptBackoff)
			continue
		}

		s.tracker.add(conn)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordConnect()
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn drives one client's Session to completion and reaps it.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()
	if s.cfg.Metrics != nil {
		defer s.cfg.Metrics.RecordDisconnect()
	}

	udpBindIP := bindIPFromAddress(s.cfg.Address)
	session := NewSession(conn, s.cfg.Policy, s.cfg.Dialer, s.cfg.Resolver, s.cfg.Counters, s.cfg.Logger, udpBindIP, s.cfg.UDPEnabled)

	clientAddr := conn.RemoteAddr().String()
	if err := session.Serve(context.Background()); err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Debug("session ended", logging.KeyClientAddr, clientAddr, logging.KeyError, err.Error())
		}
	}
}

func bindIPFromAddress(address string) net.IP {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
