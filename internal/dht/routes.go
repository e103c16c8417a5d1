package dht

import (
	"strings"

	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg/hash"
)

// RoutingTable is a bounded, insertion-ordered set of ring members used to
// pick the next hop for requests this node does not own.
// It is not safe for concurrent use; Node guards it with its own mutex.
type RoutingTable struct {
	capacity int
	entries  []wire.PeerRef
}

// NewRoutingTable creates a table holding at most capacity entries.
func NewRoutingTable(capacity int) *RoutingTable {
	if capacity < 1 {
		capacity = 1
	}
	return &RoutingTable{
		capacity: capacity,
		entries:  make([]wire.PeerRef, 0, capacity+1),
	}
}

// Add inserts entry unless it is already present. When the table overflows,
// the oldest entry that is not successor is evicted, so the ring stays
// traversable however many peers are learned. Reports whether the table changed.
func (rt *RoutingTable) Add(entry, successor wire.PeerRef) bool {
	if entry.IsZero() || rt.indexOf(entry) >= 0 {
		return false
	}
	rt.entries = append(rt.entries, entry)

	if len(rt.entries) > rt.capacity {
		for i, e := range rt.entries {
			if e != successor {
				rt.entries = append(rt.entries[:i], rt.entries[i+1:]...)
				break
			}
		}
	}
	return true
}

// Remove deletes entry if present. Reports whether the table changed.
func (rt *RoutingTable) Remove(entry wire.PeerRef) bool {
	i := rt.indexOf(entry)
	if i < 0 {
		return false
	}
	rt.entries = append(rt.entries[:i], rt.entries[i+1:]...)
	return true
}

// Closest returns the entry whose range starts nearest to target going
// clockwise, i.e. the one minimizing Distance(entry.FirstHash, target).
// The earliest entry wins a tie. ok is false when the table is empty.
func (rt *RoutingTable) Closest(target uint32) (best wire.PeerRef, ok bool) {
	var bestDist uint32
	for _, e := range rt.entries {
		d := hash.Distance(e.FirstHash, target)
		if !ok || d < bestDist {
			best, bestDist, ok = e, d, true
		}
	}
	return best, ok
}

// Contains checks if entry is in the table.
func (rt *RoutingTable) Contains(entry wire.PeerRef) bool {
	return rt.indexOf(entry) >= 0
}

// Entries returns a copy of the table in insertion order.
func (rt *RoutingTable) Entries() []wire.PeerRef {
	out := make([]wire.PeerRef, len(rt.entries))
	copy(out, rt.entries)
	return out
}

// Len returns the number of entries.
func (rt *RoutingTable) Len() int {
	return len(rt.entries)
}

// Clear empties the table.
func (rt *RoutingTable) Clear() {
	rt.entries = rt.entries[:0]
}

func (rt *RoutingTable) String() string {
	parts := make([]string, len(rt.entries))
	for i, e := range rt.entries {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (rt *RoutingTable) indexOf(entry wire.PeerRef) int {
	for i, e := range rt.entries {
		if e == entry {
			return i
		}
	}
	return -1
}
