// Package main is the CLI entry point for microsocks, a SOCKS5 proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/microsocks/internal/config"
	"github.com/postalsys/microsocks/internal/logging"
	"github.com/postalsys/microsocks/internal/metrics"
	"github.com/postalsys/microsocks/internal/resolver"
	"github.com/postalsys/microsocks/internal/socks5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Ignored process-wide: writes to a peer that has gone away (a client
	// closing its read side mid-relay) must surface as an EPIPE error on
	// the write call, not kill the whole process (spec §4.6, §9(c)).
	signal.Ignore(syscall.SIGPIPE)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		quiet          bool
		authOnce       bool
		listenIP       string
		port           int
		username       string
		password       string
		bindAddr       string
		configPath     string
		metricsAddr    string
		maxConnections int
		udpEnabled     bool
		logFormat      string
		dnsServers     []string
	)

	cmd := &cobra.Command{
		Use:     "microsocks",
		Short:   "microsocks - a small SOCKS5 proxy server",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOverlay(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cmd.Flags().Changed("listen-ip") || cmd.Flags().Changed("port") {
				cfg.ListenAddr = net.JoinHostPort(listenIP, strconv.Itoa(port))
			}
			if cmd.Flags().Changed("quiet") {
				cfg.Quiet = quiet
			}
			if cmd.Flags().Changed("auth-once") {
				cfg.AuthOnce = authOnce
			}
			if cmd.Flags().Changed("user") {
				cfg.Username = username
			}
			if cmd.Flags().Changed("pass") {
				cfg.Password = password
			}
			if cmd.Flags().Changed("bind") {
				cfg.BindAddr = bindAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("max-connections") {
				cfg.MaxConnections = maxConnections
			}
			if cmd.Flags().Changed("udp") {
				cfg.UDPEnabled = udpEnabled
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if cmd.Flags().Changed("dns-server") {
				cfg.DNSServers = dnsServers
			}

			cfg.ApplyEnvCredentials()
			if cfg.Quiet {
				cfg.LogLevel = "error"
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&quiet, "quiet", "q", false, "silence informational logging")
	flags.BoolVarP(&authOnce, "auth-once", "1", false, "authenticate once per client IP (requires -u and -P)")
	flags.StringVarP(&listenIP, "listen-ip", "i", "0.0.0.0", "address to listen on")
	flags.IntVarP(&port, "port", "p", 1080, "port to listen on")
	flags.StringVarP(&username, "user", "u", "", "username for RFC 1929 authentication (prefer "+config.EnvUsername+")")
	flags.StringVarP(&password, "pass", "P", "", "password for RFC 1929 authentication (prefer "+config.EnvPassword+")")
	flags.StringVarP(&bindAddr, "bind", "b", "", "local address used for outbound connections")
	flags.StringVarP(&configPath, "config", "c", "", "optional YAML config overlay")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	flags.IntVar(&maxConnections, "max-connections", 1000, "maximum concurrent control connections (0 = unlimited)")
	flags.BoolVar(&udpEnabled, "udp", true, "enable UDP ASSOCIATE support")
	flags.StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	flags.StringSliceVar(&dnsServers, "dns-server", nil, "DNS server(s) to use instead of the system resolver")

	return cmd
}

func run(cfg config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.NewMetrics()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}
	counters := metrics.NewTrafficCounters(m, nil)

	var creds socks5.CredentialStore
	if cfg.HasCredentials() {
		creds = socks5.HashedCredentials{cfg.Username: socks5.MustHashPassword(cfg.Password)}
	}
	policy := socks5.NewPolicy(creds, cfg.AuthOnce)
	policy.SeedWhitelist(cfg.WhitelistSeed)

	res := resolver.New(resolver.Config{Servers: cfg.DNSServers, Timeout: cfg.ResolveTimeout})

	dialer := socks5.NewDirectDialer()
	if cfg.BindAddr != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(cfg.BindAddr)}
	}

	server := socks5.NewServer(socks5.ServerConfig{
		Address:        cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		UDPEnabled:     cfg.UDPEnabled,
		Policy:         policy,
		Dialer:         dialer,
		Resolver:       res,
		Metrics:        m,
		Counters:       counters,
		Logger:         logger,
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	logger.Info("microsocks listening", logging.KeyClientAddr, server.Address().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.StopWithContext(ctx); err != nil {
		logger.Error("shutdown error", logging.KeyError, err.Error())
	}

	upload, download := counters.Totals()
	fmt.Printf("traffic: %s uploaded, %s downloaded\n", humanize.Bytes(upload), humanize.Bytes(download))

	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", logging.KeyError, err.Error())
	}
}
