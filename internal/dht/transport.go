package dht

import (
	"context"
	"net/netip"
)

// Transport moves raw datagrams between ring members. Delivery is best
// effort: a successful Send says nothing about whether the peer received it.
type Transport interface {
	// Send transmits payload to the given address.
	Send(to netip.AddrPort, payload []byte) error

	// Receive blocks until a datagram arrives or ctx is done. The returned
	// slice is owned by the caller. Once the transport is closed Receive
	// returns an error wrapping net.ErrClosed.
	Receive(ctx context.Context) ([]byte, netip.AddrPort, error)

	// LocalAddr returns the address peers use to reach this transport.
	LocalAddr() netip.AddrPort
}
