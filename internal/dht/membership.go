package dht

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
	"github.com/zde37/dhtp/pkg/hash"
)

// handleJoin gives the upper half of our range to the node at from, makes it
// our successor and hands it the keys that now belong to it.
func (n *Node) handleJoin(msg *wire.Message, from netip.AddrPort) error {
	if !n.hashRange.CanSplit() {
		n.send(from, wire.Failure(msg, "hash range too small to split"))
		return nil
	}

	lower, upper := n.hashRange.Split()
	prevSucc := n.successor
	joiner := wire.NewPeerRef(from, upper.Low)

	n.hashRange = lower
	n.successor = joiner
	n.addRoute(joiner)

	reply := wire.New(wire.KindSuccess)
	reply.Tag = msg.Tag
	reply.TTL = msg.TTL
	reply.HashRange = &upper
	reply.SuccInfo = &prevSucc
	self := n.self
	reply.PredInfo = &self
	n.send(from, reply)

	// The old successor now sits behind the joiner.
	if prevSucc.Addr == n.addr {
		n.predecessor = joiner
	} else {
		upd := wire.New(wire.KindUpdate)
		upd.Tag = n.nextTag()
		upd.PredInfo = &joiner
		n.send(prevSucc.Addr, upd)
	}

	moved, err := n.store.Extract(n.ctx, func(key string) bool {
		return upper.Contains(hash.Hash(key))
	})
	if err != nil {
		return fmt.Errorf("extracting keys for %s: %w", joiner, err)
	}
	for key, val := range moved {
		n.transfer(from, key, val)
	}

	n.logger.Info().
		Stringer("joiner", joiner).
		Stringer("range", n.hashRange).
		Int("transferred", len(moved)).
		Msg("Accepted join")
	n.emit(EventNodeJoin, joiner, "split range with a new node")
	return nil
}

// handleLeave passes a departing node's leave message around the ring. When
// our own message comes back, the circuit is complete.
func (n *Node) handleLeave(msg *wire.Message) {
	sender := *msg.SenderInfo

	if sender.Addr == n.addr {
		if n.leaving {
			n.leaveOnce.Do(func() { close(n.leaveDone) })
		}
		return
	}

	n.send(n.successor.Addr, msg)
	n.removeRoute(sender)

	n.logger.Info().Stringer("departing", sender).Msg("Node leaving ring")
	n.emit(EventNodeLeave, sender, "a node is leaving the ring")
}

// handleUpdate applies neighbor and range changes sent by a joining or
// departing neighbor.
func (n *Node) handleUpdate(msg *wire.Message) {
	if msg.HashRange != nil {
		n.adoptRange(*msg.HashRange)
	}
	if msg.PredInfo != nil {
		n.predecessor = n.resolve(*msg.PredInfo)
	}
	if msg.SuccInfo != nil {
		n.successor = n.resolve(*msg.SuccInfo)
		n.addRoute(n.successor)
	}

	n.logger.Info().
		Stringer("range", n.hashRange).
		Stringer("predecessor", n.predecessor).
		Stringer("successor", n.successor).
		Msg("Updated ring state")
	n.emit(EventUpdate, wire.PeerRef{}, "neighbors or range changed")
}

// adoptRange merges r into our range when the two touch or overlap and
// replaces it otherwise. Self and any self-referencing neighbor pointers
// follow the new low end.
func (n *Node) adoptRange(r wire.HashRange) {
	cur := n.hashRange
	if uint64(r.Low) <= uint64(cur.High)+1 && uint64(cur.Low) <= uint64(r.High)+1 {
		r = wire.HashRange{Low: min(r.Low, cur.Low), High: max(r.High, cur.High)}
	}
	n.hashRange = r

	n.self = wire.NewPeerRef(n.addr, r.Low)
	if n.predecessor.Addr == n.addr {
		n.predecessor = n.self
	}
	if n.successor.Addr == n.addr {
		n.successor = n.self
	}
}

// Leave hands this node's range and keys to a neighbor and retires it. The
// control loop must be running, since it is the one that sees the leave
// message come back around the ring. Leave waits for that as long as ctx allows.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	switch {
	case !n.joined:
		n.mu.Unlock()
		return pkg.ErrNotJoined
	case n.departed:
		n.mu.Unlock()
		return pkg.ErrDeparted
	case n.leaving:
		n.mu.Unlock()
		return fmt.Errorf("leave already in progress")
	}

	n.leaving = true
	alone := n.successor.Addr == n.addr
	if !alone {
		msg := wire.New(wire.KindLeave)
		msg.Tag = n.nextTag()
		self := n.self
		msg.SenderInfo = &self
		n.send(n.successor.Addr, msg)
	}
	n.logger.Info().Bool("alone", alone).Msg("Leaving ring")
	n.emit(EventLeaving, wire.PeerRef{}, "leaving the ring")
	n.mu.Unlock()

	if !alone {
		select {
		case <-n.leaveDone:
		case <-ctx.Done():
			n.mu.Lock()
			n.leaving = false
			n.mu.Unlock()
			return fmt.Errorf("waiting for leave to circle the ring: %w", ctx.Err())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	moved := 0
	if n.successor.Addr != n.addr {
		var err error
		if moved, err = n.handOff(); err != nil {
			return err
		}
	}

	if err := n.store.Clear(); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to clear store")
	}
	if n.cache != nil {
		if err := n.cache.Clear(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to clear cache")
		}
	}
	n.routes.Clear()
	n.departed = true

	n.logger.Info().Int("transferred", moved).Msg("Left ring")
	n.emit(EventDeparted, wire.PeerRef{}, "left the ring")
	return nil
}

// handOff tells both neighbors to close the gap we leave and transfers every
// key to the neighbor that inherits our range. Callers hold mu.
func (n *Node) handOff() (int, error) {
	pred, succ := n.predecessor, n.successor

	toPred := wire.New(wire.KindUpdate)
	toPred.Tag = n.nextTag()
	toSucc := wire.New(wire.KindUpdate)
	toSucc.Tag = n.nextTag()
	toSucc.PredInfo = &pred

	heir := pred
	if pred.FirstHash < n.hashRange.Low {
		toPred.SuccInfo = &succ
		r := wire.HashRange{Low: pred.FirstHash, High: n.hashRange.High}
		toPred.HashRange = &r
	} else {
		// We own the bottom of the ring, which only the successor can absorb
		// without the range wrapping.
		heir = succ
		heirRef := wire.NewPeerRef(succ.Addr, n.hashRange.Low)
		toPred.SuccInfo = &heirRef
		r := n.hashRange
		toSucc.HashRange = &r
	}

	n.send(pred.Addr, toPred)
	n.send(succ.Addr, toSucc)

	moved, err := n.store.Extract(n.ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("extracting keys for %s: %w", heir, err)
	}
	for key, val := range moved {
		n.transfer(heir.Addr, key, val)
	}
	return len(moved), nil
}

func (n *Node) transfer(to netip.AddrPort, key, val string) {
	t := wire.New(wire.KindTransfer)
	t.Key = key
	t.SetVal(val)
	t.Tag = n.nextTag()
	n.send(to, t)
}
