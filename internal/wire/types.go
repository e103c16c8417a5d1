package wire

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/zde37/dhtp/pkg/hash"
)

// HashRange is an inclusive interval [Low, High] of hash values owned by a node.
type HashRange struct {
	Low  uint32
	High uint32
}

// FullRange returns the range covering the whole ring.
func FullRange() HashRange {
	return HashRange{Low: 0, High: hash.MaxHash}
}

// Contains checks if h lies within the range.
func (r HashRange) Contains(h uint32) bool {
	return r.Low <= h && h <= r.High
}

// Size returns the number of hash values in the range.
func (r HashRange) Size() uint64 {
	return uint64(r.High) - uint64(r.Low) + 1
}

// CanSplit reports whether the range holds at least two values.
func (r HashRange) CanSplit() bool {
	return r.High > r.Low
}

// Split halves the range. The lower half is [Low, mid] and the upper half
// is [mid+1, High] where mid = Low + (High-Low)/2, which cannot overflow.
// The caller must check CanSplit first.
func (r HashRange) Split() (lower, upper HashRange) {
	mid := r.Low + (r.High-r.Low)/2
	return HashRange{Low: r.Low, High: mid}, HashRange{Low: mid + 1, High: r.High}
}

// Valid checks Low <= High and both ends lie on the ring.
func (r HashRange) Valid() bool {
	return r.Low <= r.High && hash.IsValid(r.High)
}

// String returns the wire format "low:high".
func (r HashRange) String() string {
	return fmt.Sprintf("%d:%d", r.Low, r.High)
}

// ParseHashRange parses the "low:high" wire format.
func ParseHashRange(s string) (HashRange, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return HashRange{}, fmt.Errorf("hash range %q: missing ':'", s)
	}
	low, err := parseHash(lo)
	if err != nil {
		return HashRange{}, fmt.Errorf("hash range %q: %w", s, err)
	}
	high, err := parseHash(hi)
	if err != nil {
		return HashRange{}, fmt.Errorf("hash range %q: %w", s, err)
	}
	r := HashRange{Low: low, High: high}
	if !r.Valid() {
		return HashRange{}, fmt.Errorf("hash range %q: low exceeds high", s)
	}
	return r, nil
}

// PeerRef identifies a ring member by its socket address and the first hash
// value of its range. Two refs are equal only if both parts match, so a node
// whose range changes gets a new identity.
type PeerRef struct {
	Addr      netip.AddrPort
	FirstHash uint32
}

// NewPeerRef creates a PeerRef.
func NewPeerRef(addr netip.AddrPort, firstHash uint32) PeerRef {
	return PeerRef{Addr: addr, FirstHash: firstHash}
}

// IsZero checks if the ref is unset.
func (p PeerRef) IsZero() bool {
	return !p.Addr.IsValid()
}

// String returns the wire format "address:port:firstHash".
func (p PeerRef) String() string {
	return fmt.Sprintf("%s:%d", p.Addr.String(), p.FirstHash)
}

// ParsePeerRef parses the "address:port:firstHash" wire format.
func ParsePeerRef(s string) (PeerRef, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return PeerRef{}, fmt.Errorf("peer %q: missing first hash", s)
	}
	addr, err := ParseAddr(s[:i])
	if err != nil {
		return PeerRef{}, fmt.Errorf("peer %q: %w", s, err)
	}
	first, err := parseHash(s[i+1:])
	if err != nil {
		return PeerRef{}, fmt.Errorf("peer %q: %w", s, err)
	}
	return PeerRef{Addr: addr, FirstHash: first}, nil
}

// ParseAddr parses an "address:port" socket address. IPv4-mapped IPv6
// addresses are unmapped so that the same peer always compares equal.
func ParseAddr(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return Normalize(ap), nil
}

// Normalize unmaps IPv4-mapped IPv6 addresses.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func parseHash(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if !hash.IsValid(uint32(v)) {
		return 0, fmt.Errorf("hash %d outside [0, 2^31)", v)
	}
	return uint32(v), nil
}
