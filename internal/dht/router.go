package dht

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
	"github.com/zde37/dhtp/pkg/hash"
)

// handleGet answers a lookup from the store or cache, or passes it on.
func (n *Node) handleGet(msg *wire.Message, from netip.AddrPort) error {
	h := hash.Hash(msg.Key)

	if n.hashRange.Contains(h) {
		val, err := n.store.Get(n.ctx, msg.Key)
		switch {
		case err == nil:
			msg.Kind = wire.KindSuccess
			msg.SetVal(val)
		case errors.Is(err, pkg.ErrKeyNotFound):
			msg.Kind = wire.KindNoMatch
			msg.Val = nil
		default:
			return fmt.Errorf("reading key %q: %w", msg.Key, err)
		}
		n.reply(msg, from)
		return nil
	}

	if n.cache != nil {
		if val, err := n.cache.Get(n.ctx, msg.Key); err == nil {
			msg.Kind = wire.KindSuccess
			msg.SetVal(val)
			n.reply(msg, from)
			return nil
		}
	}

	n.stampFirstHop(msg, from)
	return n.forward(msg, h)
}

// handlePut stores or deletes an owned key, or passes the request on.
func (n *Node) handlePut(msg *wire.Message, from netip.AddrPort) error {
	h := hash.Hash(msg.Key)

	if n.hashRange.Contains(h) {
		if val, ok := msg.Value(); ok {
			if err := n.store.Set(n.ctx, msg.Key, val, 0); err != nil {
				return fmt.Errorf("storing key %q: %w", msg.Key, err)
			}
		} else if _, err := n.store.Delete(n.ctx, msg.Key); err != nil {
			return fmt.Errorf("deleting key %q: %w", msg.Key, err)
		}
		msg.Kind = wire.KindSuccess
		n.reply(msg, from)
		return nil
	}

	if n.cache != nil {
		if _, err := n.cache.Delete(n.ctx, msg.Key); err != nil {
			return fmt.Errorf("invalidating cached key %q: %w", msg.Key, err)
		}
	}

	n.stampFirstHop(msg, from)
	return n.forward(msg, h)
}

// handleTransfer takes ownership of a key handed over by a neighbor.
func (n *Node) handleTransfer(msg *wire.Message) error {
	if err := n.store.Set(n.ctx, msg.Key, *msg.Val, 0); err != nil {
		return fmt.Errorf("storing transferred key %q: %w", msg.Key, err)
	}
	if n.cache != nil {
		if _, err := n.cache.Delete(n.ctx, msg.Key); err != nil {
			return fmt.Errorf("invalidating cached key %q: %w", msg.Key, err)
		}
	}
	return nil
}

// handleReply relays an owner's answer back to the client that asked us.
func (n *Node) handleReply(msg *wire.Message) error {
	client := msg.ClientAddr
	if !client.IsValid() {
		n.logger.Debug().
			Str("type", msg.Kind.String()).
			Str("tag", msg.Tag).
			Msg("Dropping reply without client address")
		return nil
	}

	msg.ClientAddr = netip.AddrPort{}
	msg.RelayAddr = netip.AddrPort{}
	msg.SenderInfo = nil
	n.send(client, msg)

	if n.cache != nil && msg.Kind == wire.KindSuccess && msg.Key != "" && msg.Val != nil {
		if err := n.cache.Set(n.ctx, msg.Key, *msg.Val, 0); err != nil {
			return fmt.Errorf("caching key %q: %w", msg.Key, err)
		}
	}
	return nil
}

// reply answers a request we own: through the relay when the request was
// forwarded, otherwise straight back to the sender.
func (n *Node) reply(msg *wire.Message, from netip.AddrPort) {
	if !msg.RelayAddr.IsValid() {
		n.send(from, msg)
		return
	}
	self := wire.NewPeerRef(n.addr, n.hashRange.Low)
	msg.SenderInfo = &self
	n.send(msg.RelayAddr, msg)
}

// stampFirstHop makes this node the relay for a client request.
func (n *Node) stampFirstHop(msg *wire.Message, from netip.AddrPort) {
	if msg.RelayAddr.IsValid() {
		return
	}
	msg.RelayAddr = n.addr
	msg.ClientAddr = from
	if msg.TTL == wire.NoTTL {
		msg.TTL = n.config.DefaultTTL
	}
}

// forward sends msg to the routing table entry closest to h. With an empty
// table it falls back to the successor, which is dropped from the table as
// soon as its leave message passes but keeps its range until the update.
func (n *Node) forward(msg *wire.Message, h uint32) error {
	next, ok := n.routes.Closest(h)
	if !ok {
		if n.successor.IsZero() || n.successor.Addr == n.addr {
			return fmt.Errorf("forwarding %s for key %q: %w", msg.Kind, msg.Key, pkg.ErrNoRoute)
		}
		next = n.successor
	}
	n.send(next.Addr, msg)
	return nil
}
