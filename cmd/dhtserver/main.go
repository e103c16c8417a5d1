package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zde37/dhtp/internal/api"
	"github.com/zde37/dhtp/internal/config"
	"github.com/zde37/dhtp/internal/dht"
	"github.com/zde37/dhtp/internal/transport"
	"github.com/zde37/dhtp/pkg"
)

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	host := flag.String("host", defaults.Host, "IP address to bind the datagram socket to")
	port := flag.Int("port", defaults.Port, "UDP port (0 picks a free one)")
	numRoutes := flag.Int("routes", defaults.NumRoutes, "Routing table capacity")
	addrFile := flag.String("addr-file", "", "File to write this node's \"ip port\" to (required)")
	predFile := flag.String("pred-file", "", "Address file of a ring member to join through; omit to create a ring")
	cacheOn := flag.Bool("cache", defaults.CacheEnabled, "Cache results relayed back to clients")
	cacheTTL := flag.Duration("cache-ttl", defaults.CacheTTL, "Lifetime of cached results (0 keeps them until invalidated)")
	defaultTTL := flag.Int("default-ttl", defaults.DefaultTTL, "Hop limit stamped on client requests without one")
	joinTimeout := flag.Duration("join-timeout", defaults.JoinTimeout, "How long to wait for the join reply (0 waits forever)")
	debug := flag.Bool("debug", false, "Log every datagram sent and received")
	adminPort := flag.Int("admin-port", defaults.AdminPort, "Port for the admin gRPC server (0 disables)")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for the HTTP API server (0 disables)")
	authToken := flag.String("auth-token", "", "Admin API token (defaults to $DHTP_AUTH_TOKEN)")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	asyncLog := flag.Bool("async-log", false, "Write logs through a non-blocking buffer")
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("DHTP_AUTH_TOKEN")
	}

	cfg := &config.Config{
		Host:         *host,
		Port:         *port,
		AddrFile:     *addrFile,
		PredFile:     *predFile,
		NumRoutes:    *numRoutes,
		CacheEnabled: *cacheOn,
		CacheTTL:     *cacheTTL,
		DefaultTTL:   *defaultTTL,
		JoinTimeout:  *joinTimeout,
		AdminPort:    *adminPort,
		HTTPPort:     *httpPort,
		AuthToken:    *authToken,
		Debug:        *debug,
		LogLevel:     *logLevel,
		LogFormat:    *logFormat,
		LogFile:      *logFile,
	}

	if cfg.AddrFile == "" {
		fmt.Fprintln(os.Stderr, "Invalid configuration: -addr-file is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.EffectiveLogLevel()
	loggerConfig.Format = cfg.LogFormat
	loggerConfig.AsyncWrite = *asyncLog
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	logger.Close()
	os.Exit(code)
}

// components holds everything started by run so it can be torn down in order.
type components struct {
	transport  *transport.UDPTransport
	node       *dht.Node
	admin      *transport.AdminServer
	httpServer *api.Server
	stopServe  context.CancelFunc
	serveDone  chan error
}

func run(cfg *config.Config, logger *pkg.Logger) int {
	c := &components{}
	defer c.cleanup(logger)

	var err error
	c.transport, err = transport.ListenUDP(cfg.Host, cfg.Port, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open datagram socket")
		return 1
	}

	c.node, err = dht.NewNode(cfg, c.transport, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DHT node")
		return 1
	}

	logger.Info().
		Stringer("address", c.node.Addr()).
		Int("routes", cfg.NumRoutes).
		Bool("cache", cfg.CacheEnabled).
		Msg("Starting DHT server")

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if cfg.PredFile == "" {
		if err := c.node.Create(); err != nil {
			logger.Error().Err(err).Msg("Failed to create ring")
			return 1
		}
	} else {
		contact, err := config.ReadAddrFile(cfg.PredFile)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read predecessor address")
			return 1
		}

		// A signal during the join aborts it.
		joinCtx, cancelJoin := context.WithCancel(context.Background())
		go func() {
			select {
			case <-sigChan:
				cancelJoin()
			case <-joinCtx.Done():
			}
		}()
		err = c.node.Join(joinCtx, contact)
		cancelJoin()
		if err != nil {
			logger.Error().Err(err).Stringer("contact", contact).Msg("Failed to join ring")
			return 1
		}
	}

	if err := config.WriteAddrFile(cfg.AddrFile, c.node.Addr()); err != nil {
		logger.Error().Err(err).Msg("Failed to write address file")
		return 1
	}

	// Start the control loop
	serveCtx, stopServe := context.WithCancel(context.Background())
	c.stopServe = stopServe
	c.serveDone = make(chan error, 1)
	go func() {
		c.serveDone <- c.node.Serve(serveCtx)
	}()

	var left <-chan struct{}
	if cfg.AdminPort != 0 {
		adminAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort))
		c.admin, err = transport.NewAdminServer(c.node, adminAddr, cfg.AuthToken, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create admin server")
			return 1
		}
		if err := c.admin.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start admin server")
			return 1
		}
		left = c.admin.Left()

		if cfg.HTTPPort != 0 {
			c.httpServer, err = api.NewServer(&api.Config{
				Address:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
				AdminAddr: c.admin.Addr(),
				AuthToken: cfg.AuthToken,
			}, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to create HTTP API server")
				return 1
			}
			if err := c.httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start HTTP API server")
				return 1
			}
			c.node.AddBroadcaster(c.httpServer.Hub())
		}
	}

	logger.Info().
		Stringer("address", c.node.Addr()).
		Str("addr_file", cfg.AddrFile).
		Msg("DHT server is ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return c.leave(sigChan, logger)

	case <-left:
		logger.Info().Msg("Left the ring on operator request")
		return 0

	case err := <-c.serveDone:
		c.serveDone = nil
		logger.Error().Err(err).Msg("Control loop stopped")
		return 1
	}
}

// leave runs the departure sequence. A second signal abandons it.
func (c *components) leave(sigChan <-chan os.Signal, logger *pkg.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.node.Leave(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("Failed to leave ring")
			return 1
		}
		return 0

	case sig := <-sigChan:
		logger.Warn().Str("signal", sig.String()).Msg("Abandoning leave")
		cancel()
		<-done
		return 1

	case err := <-c.serveDone:
		c.serveDone = nil
		if err == nil {
			err = errors.New("control loop exited")
		}
		logger.Error().Err(err).Msg("Control loop stopped during leave")
		cancel()
		<-done
		return 1
	}
}

// cleanup performs graceful shutdown of all components
func (c *components) cleanup(logger *pkg.Logger) {
	if c.httpServer != nil {
		if err := c.httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if c.admin != nil {
		if err := c.admin.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}

	if c.stopServe != nil {
		c.stopServe()
		if c.serveDone != nil {
			<-c.serveDone
		}
	}

	if c.node != nil {
		c.node.Shutdown()
	}

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing datagram socket")
		}
	}

	logger.Info().Msg("DHT server shutdown complete")
}
