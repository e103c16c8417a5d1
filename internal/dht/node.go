// Package dht implements a DHTP ring member: membership state, the request
// router, the join/leave protocol and the control loop that drives them.
package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/zde37/dhtp/internal/config"
	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
)

// Node is one member of a DHTP ring.
type Node struct {
	addr      netip.AddrPort
	config    *config.Config
	logger    *pkg.Logger
	transport Transport

	// Storage
	store *pkg.MemoryStorage
	cache *pkg.MemoryStorage // nil when caching is disabled

	broadcasters []RingUpdateBroadcaster

	// Ring state. Every inbound message is handled with mu held.
	mu          sync.Mutex
	self        wire.PeerRef
	predecessor wire.PeerRef
	successor   wire.PeerRef
	hashRange   wire.HashRange
	routes      *RoutingTable
	tag         int
	joined      bool
	leaving     bool
	departed    bool

	// Closed by the control loop when our own leave message comes back.
	leaveDone chan struct{}
	leaveOnce sync.Once

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// Status is a point-in-time copy of a node's ring state.
type Status struct {
	Address      netip.AddrPort
	Self         wire.PeerRef
	Predecessor  wire.PeerRef
	Successor    wire.PeerRef
	HashRange    wire.HashRange
	Routes       []wire.PeerRef
	Joined       bool
	Leaving      bool
	Departed     bool
	CacheEnabled bool
	Store        pkg.Stats
	Cache        pkg.Stats
}

// NewNode creates a node bound to transport. The node owns nothing until
// Create or Join is called.
func NewNode(cfg *config.Config, transport Transport, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	addr := wire.Normalize(transport.LocalAddr())
	if !addr.IsValid() {
		return nil, fmt.Errorf("transport has no usable local address")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		addr:      addr,
		config:    cfg,
		logger:    logger.WithFields(pkg.Fields{"node": addr.String()}),
		transport: transport,
		store:     pkg.NewMemoryStorage(nil),
		routes:    NewRoutingTable(cfg.NumRoutes),
		leaveDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.CacheEnabled {
		n.cache = pkg.NewMemoryStorage(&pkg.MemoryConfig{DefaultTTL: cfg.CacheTTL})
	}

	n.logger.Info().
		Int("routes", cfg.NumRoutes).
		Bool("cache", cfg.CacheEnabled).
		Msg("DHT node created")

	return n, nil
}

// Addr returns the address peers use to reach this node.
func (n *Node) Addr() netip.AddrPort {
	return n.addr
}

// AddBroadcaster registers a listener for ring events.
func (n *Node) AddBroadcaster(b RingUpdateBroadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasters = append(n.broadcasters, b)
}

// Create makes this node the only member of a new ring, owning every hash.
func (n *Node) Create() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.joined {
		return fmt.Errorf("node is already part of a ring")
	}

	n.hashRange = wire.FullRange()
	n.self = wire.NewPeerRef(n.addr, n.hashRange.Low)
	n.predecessor = n.self
	n.successor = n.self
	n.joined = true

	n.logger.Info().Stringer("range", n.hashRange).Msg("Created new ring")
	n.emit(EventRingCreated, wire.PeerRef{}, "created a new ring")
	return nil
}

// Join asks contact for half of its range and adopts the reply. It reads the
// transport directly, so it must complete before Serve is started.
func (n *Node) Join(ctx context.Context, contact netip.AddrPort) error {
	contact = wire.Normalize(contact)

	n.mu.Lock()
	if n.joined {
		n.mu.Unlock()
		return fmt.Errorf("node is already part of a ring")
	}
	req := wire.New(wire.KindJoin)
	req.Tag = n.nextTag()
	n.send(contact, req)
	n.mu.Unlock()

	if n.config.JoinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.JoinTimeout)
		defer cancel()
	}

	// Transfers for the granted range may overtake the reply.
	var early []*wire.Message

	for {
		payload, from, err := n.transport.Receive(ctx)
		if err != nil {
			return fmt.Errorf("waiting for join reply from %s: %w", contact, err)
		}
		n.logPacket("received", from, payload)

		if wire.Normalize(from) != contact {
			n.logger.Debug().Stringer("from", from).Msg("Ignoring datagram while joining")
			continue
		}

		reply, err := wire.Decode(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrJoinRejected, err)
		}

		switch {
		case reply.Kind == wire.KindTransfer:
			early = append(early, reply)
			continue
		case reply.Kind != wire.KindSuccess:
			return fmt.Errorf("%w: %s from %s: %s", pkg.ErrJoinRejected, reply.Kind, contact, reply.Reason)
		case reply.HashRange == nil || reply.SuccInfo == nil || reply.PredInfo == nil:
			return fmt.Errorf("%w: reply from %s lacks ring state", pkg.ErrJoinRejected, contact)
		}

		return n.adoptJoin(reply, early)
	}
}

func (n *Node) adoptJoin(reply *wire.Message, early []*wire.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.hashRange = *reply.HashRange
	n.self = wire.NewPeerRef(n.addr, n.hashRange.Low)
	n.successor = n.resolve(*reply.SuccInfo)
	n.predecessor = n.resolve(*reply.PredInfo)
	n.addRoute(n.successor)
	n.addRoute(n.predecessor)
	n.joined = true

	for _, t := range early {
		if err := n.store.Set(n.ctx, t.Key, *t.Val, 0); err != nil {
			return fmt.Errorf("storing transferred key %q: %w", t.Key, err)
		}
	}

	n.logger.Info().
		Stringer("range", n.hashRange).
		Stringer("predecessor", n.predecessor).
		Stringer("successor", n.successor).
		Int("transferred", len(early)).
		Msg("Joined ring")
	n.emit(EventJoined, n.predecessor, "joined the ring")
	return nil
}

// Serve runs the control loop until ctx is done or the transport is closed.
// It returns pkg.ErrNoRoute if a request could not be forwarded because the
// routing table is empty.
func (n *Node) Serve(ctx context.Context) error {
	n.mu.Lock()
	joined := n.joined
	n.mu.Unlock()
	if !joined {
		return pkg.ErrNotJoined
	}

	for {
		payload, from, err := n.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			n.logger.Warn().Err(err).Msg("Failed to receive datagram")
			continue
		}

		if err := n.handle(payload, wire.Normalize(from)); err != nil {
			if errors.Is(err, pkg.ErrNoRoute) {
				n.logger.Error().Err(err).Msg("Cannot forward request, stopping")
				return err
			}
			n.logger.Error().Err(err).Stringer("from", from).Msg("Failed to handle message")
		}
	}
}

// handle processes one datagram.
func (n *Node) handle(payload []byte, from netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logPacket("received", from, payload)

	if n.departed {
		n.logger.Debug().Stringer("from", from).Msg("Dropping datagram after leaving")
		return nil
	}

	msg, err := wire.Decode(payload)
	if err != nil {
		var de *wire.DecodeError
		if errors.As(err, &de) {
			n.send(from, wire.Failure(de.Msg, de.Reason))
			return nil
		}
		return err
	}

	if !msg.Hop() {
		n.logger.Debug().Str("type", msg.Kind.String()).Str("tag", msg.Tag).Msg("Dropping message with expired ttl")
		return nil
	}

	if msg.SenderInfo != nil && msg.Kind != wire.KindLeave {
		n.addRoute(*msg.SenderInfo)
	}

	if msg.Kind.IsReply() {
		return n.handleReply(msg)
	}

	switch msg.Kind {
	case wire.KindGet:
		return n.handleGet(msg, from)
	case wire.KindPut:
		return n.handlePut(msg, from)
	case wire.KindTransfer:
		return n.handleTransfer(msg)
	case wire.KindJoin:
		return n.handleJoin(msg, from)
	case wire.KindLeave:
		n.handleLeave(msg)
	case wire.KindUpdate:
		n.handleUpdate(msg)
	}
	return nil
}

// Status returns a snapshot of the node's ring state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Status{
		Address:      n.addr,
		Self:         n.self,
		Predecessor:  n.predecessor,
		Successor:    n.successor,
		HashRange:    n.hashRange,
		Routes:       n.routes.Entries(),
		Joined:       n.joined,
		Leaving:      n.leaving,
		Departed:     n.departed,
		CacheEnabled: n.cache != nil,
		Store:        n.store.GetStats(),
	}
	if n.cache != nil {
		s.Cache = n.cache.GetStats()
	}
	return s
}

// LocalData returns a copy of the keys this node stores.
func (n *Node) LocalData() (map[string]string, error) {
	return n.store.GetAll(n.ctx)
}

// CachedData returns a copy of the cache, or nil when caching is disabled.
func (n *Node) CachedData() (map[string]string, error) {
	if n.cache == nil {
		return nil, nil
	}
	return n.cache.GetAll(n.ctx)
}

// Shutdown releases the node's storage. The transport belongs to the caller.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.cancel()
		n.store.Close()
		if n.cache != nil {
			n.cache.Close()
		}
		n.logger.Info().Msg("DHT node shut down")
	})
}

// send encodes msg and hands it to the transport. Failures are logged only.
func (n *Node) send(to netip.AddrPort, msg *wire.Message) {
	payload := msg.Encode()
	n.logPacket("sending", to, payload)

	if err := n.transport.Send(to, payload); err != nil {
		n.logger.Warn().
			Err(err).
			Stringer("to", to).
			Str("type", msg.Kind.String()).
			Msg("Failed to send datagram")
	}
}

func (n *Node) logPacket(dir string, peer netip.AddrPort, payload []byte) {
	if !n.config.Debug {
		return
	}
	n.logger.Debug().Stringer("peer", peer).Str("packet", string(payload)).Msg(dir + " packet")
}

func (n *Node) nextTag() string {
	n.tag++
	return strconv.Itoa(n.tag)
}

// resolve maps a ref to our own address onto the current self ref.
func (n *Node) resolve(p wire.PeerRef) wire.PeerRef {
	if p.Addr == n.addr {
		return n.self
	}
	return p
}

func (n *Node) addRoute(p wire.PeerRef) {
	if p.Addr == n.addr {
		return
	}
	if n.routes.Add(p, n.successor) && n.config.Debug {
		n.logger.Debug().Stringer("added", p).Stringer("routes", n.routes).Msg("Routing table changed")
	}
}

func (n *Node) removeRoute(p wire.PeerRef) {
	if n.routes.Remove(p) && n.config.Debug {
		n.logger.Debug().Stringer("removed", p).Stringer("routes", n.routes).Msg("Routing table changed")
	}
}

// emit notifies broadcasters. Callers hold mu.
func (n *Node) emit(eventType string, peer wire.PeerRef, message string) {
	if len(n.broadcasters) == 0 {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		Node:      n.addr.String(),
		HashRange: n.hashRange.String(),
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if !peer.IsZero() {
		event.Peer = peer.String()
	}

	for _, b := range n.broadcasters {
		if err := b.BroadcastRingUpdate(event); err != nil {
			n.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to broadcast ring update")
		}
	}
}
