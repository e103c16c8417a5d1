package dht

// Ring event types
const (
	EventRingCreated = "ring_created"
	EventJoined      = "joined"
	EventNodeJoin    = "node_join"
	EventNodeLeave   = "node_leave"
	EventUpdate      = "update"
	EventLeaving     = "leaving"
	EventDeparted    = "departed"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the Node to notify external systems (like WebSocket clients
// or the health service) when its view of the ring changes without creating
// circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// It must not block; it is called with the node's state lock held.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a change in this node's view of the ring.
type RingUpdateEvent struct {
	Type      string `json:"type"`           // one of the Event* constants
	Node      string `json:"node"`           // address of the node reporting the event
	Peer      string `json:"peer,omitempty"` // the other member involved, if any
	HashRange string `json:"hash_range"`     // reporting node's range after the event
	Timestamp int64  `json:"timestamp"`      // Unix timestamp
	Message   string `json:"message"`        // Human-readable message
}
