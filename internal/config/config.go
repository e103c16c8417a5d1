package config

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a DHT node
type Config struct {
	// Node identification
	Host string // IP address to bind the datagram socket to
	Port int    // 0 picks an ephemeral port

	// Bootstrap
	AddrFile string // file this node writes "<ip> <port>" to
	PredFile string // address file of an existing member to join through; empty creates a ring

	// DHT parameters
	NumRoutes    int           // routing table capacity, typically lg(ring size)
	CacheEnabled bool          // memoize results relayed back to clients
	CacheTTL     time.Duration // 0 keeps cached results until invalidated
	DefaultTTL   int           // hop limit stamped on client requests that carry none
	JoinTimeout  time.Duration // 0 waits for the join reply indefinitely

	// Operator surface
	AdminPort int    // gRPC admin/health port, 0 disables
	HTTPPort  int    // HTTP gateway port, 0 disables
	AuthToken string // shared secret for the admin API

	// Logging
	Debug     bool   // log every datagram and routing table change
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotating log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         0,
		NumRoutes:    4,
		CacheEnabled: false,
		DefaultTTL:   100,
		AdminPort:    0,
		HTTPPort:     0,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := netip.ParseAddr(c.Host); err != nil {
		return fmt.Errorf("invalid host %q: %w", c.Host, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.NumRoutes < 1 {
		return fmt.Errorf("routing table needs at least one entry, got %d", c.NumRoutes)
	}
	if c.DefaultTTL < 1 {
		return fmt.Errorf("default ttl must be positive, got %d", c.DefaultTTL)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl cannot be negative")
	}
	if c.JoinTimeout < 0 {
		return fmt.Errorf("join timeout cannot be negative")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.HTTPPort != 0 && c.AdminPort == 0 {
		return fmt.Errorf("HTTP gateway requires the admin port to be enabled")
	}
	return nil
}

// EffectiveLogLevel returns the log level, forced to debug when Debug is set.
func (c *Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// WriteAddrFile records addr as "<ip> <port>" so that later nodes and clients
// can find this node.
func WriteAddrFile(path string, addr netip.AddrPort) error {
	line := fmt.Sprintf("%s %d\n", addr.Addr().String(), addr.Port())
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		return fmt.Errorf("failed to write address file: %w", err)
	}
	return nil
}

// ReadAddrFile reads an address written by WriteAddrFile.
func ReadAddrFile(path string) (netip.AddrPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to open address file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to read address file: %w", err)
		}
		return netip.AddrPort{}, fmt.Errorf("address file %s is empty", path)
	}

	chunks := strings.Fields(sc.Text())
	if len(chunks) != 2 {
		return netip.AddrPort{}, fmt.Errorf("malformed address file %s: %q", path, sc.Text())
	}
	ip, err := netip.ParseAddr(chunks[0])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("malformed address in %s: %w", path, err)
	}
	port, err := strconv.ParseUint(chunks[1], 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("malformed port in %s: %w", path, err)
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}
