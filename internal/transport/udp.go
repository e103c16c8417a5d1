package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/zde37/dhtp/internal/dht"
	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
)

// Compile-time check to ensure UDPTransport implements dht.Transport
var _ dht.Transport = (*UDPTransport)(nil)

// UDPTransport carries DHTP datagrams over a single UDP socket.
type UDPTransport struct {
	conn   *net.UDPConn
	addr   netip.AddrPort
	logger *pkg.Logger

	// Receive is serialized because read deadlines apply to the whole socket.
	readMu sync.Mutex
	buf    []byte
}

// ListenUDP binds a UDP socket on host:port. Port 0 picks an ephemeral port.
func ListenUDP(host string, port int, logger *pkg.Logger) (*UDPTransport, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	if ip.IsUnspecified() {
		return nil, fmt.Errorf("host %s is not an address peers can reach", host)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", port)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	t := &UDPTransport{
		conn:   conn,
		addr:   wire.Normalize(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		logger: logger.WithFields(pkg.Fields{"component": "udp_transport"}),
		buf:    make([]byte, wire.MaxDatagramSize),
	}

	t.logger.Info().Stringer("address", t.addr).Msg("Listening for datagrams")
	return t, nil
}

// Send writes one datagram to the given address.
func (t *UDPTransport) Send(to netip.AddrPort, payload []byte) error {
	if len(payload) > wire.MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), wire.MaxDatagramSize)
	}
	if _, err := t.conn.WriteToUDPAddrPort(payload, to); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Receive blocks for the next datagram. Cancelling ctx interrupts the read.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, netip.AddrPort, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, netip.AddrPort{}, err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		t.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	n, from, err := t.conn.ReadFromUDPAddrPort(t.buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, netip.AddrPort{}, ctx.Err()
		}
		return nil, netip.AddrPort{}, err
	}
	return bytes.Clone(t.buf[:n]), wire.Normalize(from), nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

// Close closes the socket, unblocking any pending Receive.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
