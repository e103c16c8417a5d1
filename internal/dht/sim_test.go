package dht

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/dhtp/internal/config"
	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
	"github.com/zde37/dhtp/pkg/hash"
)

const testTimeout = 2 * time.Second

// simNetwork is an in-memory datagram network. Datagrams to unknown or
// closed endpoints are silently lost, like UDP.
type simNetwork struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*simTransport
	nextPort  uint16
}

type datagram struct {
	payload []byte
	from    netip.AddrPort
}

type simTransport struct {
	network   *simNetwork
	addr      netip.AddrPort
	inbox     chan datagram
	done      chan struct{}
	closeOnce sync.Once
}

func newSimNetwork() *simNetwork {
	return &simNetwork{
		endpoints: make(map[netip.AddrPort]*simTransport),
		nextPort:  40000,
	}
}

func (sn *simNetwork) endpoint() *simTransport {
	sn.mu.Lock()
	defer sn.mu.Unlock()

	sn.nextPort++
	tr := &simTransport{
		network: sn,
		addr:    netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), sn.nextPort),
		inbox:   make(chan datagram, 4096),
		done:    make(chan struct{}),
	}
	sn.endpoints[tr.addr] = tr
	return tr
}

func (st *simTransport) Send(to netip.AddrPort, payload []byte) error {
	select {
	case <-st.done:
		return net.ErrClosed
	default:
	}

	st.network.mu.Lock()
	dst, ok := st.network.endpoints[to]
	st.network.mu.Unlock()
	if !ok {
		return nil
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case dst.inbox <- datagram{payload: buf, from: st.addr}:
	case <-dst.done:
	default:
		return fmt.Errorf("inbox of %s is full", to)
	}
	return nil
}

func (st *simTransport) Receive(ctx context.Context) ([]byte, netip.AddrPort, error) {
	select {
	case d := <-st.inbox:
		return d.payload, d.from, nil
	case <-st.done:
		return nil, netip.AddrPort{}, net.ErrClosed
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

func (st *simTransport) LocalAddr() netip.AddrPort {
	return st.addr
}

func (st *simTransport) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		st.network.mu.Lock()
		delete(st.network.endpoints, st.addr)
		st.network.mu.Unlock()
	})
	return nil
}

// testNode is a Node with its control loop running on a sim transport.
type testNode struct {
	*Node
	transport *simTransport
	cancel    context.CancelFunc
	errc      chan error
	stopOnce  sync.Once
}

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.NumRoutes = 4
	cfg.DefaultTTL = 100
	return cfg
}

// newIdleNode creates a node that has neither created nor joined a ring.
func newIdleNode(t *testing.T, sn *simNetwork, cfg *config.Config) (*Node, *simTransport) {
	t.Helper()

	tr := sn.endpoint()
	node, err := NewNode(cfg, tr, pkg.Nop())
	require.NoError(t, err)
	return node, tr
}

// startNode creates a ring when contact is nil, or joins through contact,
// then runs the control loop until the test ends.
func startNode(t *testing.T, sn *simNetwork, cfg *config.Config, contact *testNode) *testNode {
	t.Helper()

	node, tr := newIdleNode(t, sn, cfg)
	if contact == nil {
		require.NoError(t, node.Create())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, node.Join(ctx, contact.Addr()))
	}

	return runNode(t, node, tr)
}

func runNode(t *testing.T, node *Node, tr *simTransport) *testNode {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: node, transport: tr, cancel: cancel, errc: make(chan error, 1)}
	go func() { tn.errc <- node.Serve(ctx) }()

	t.Cleanup(tn.stop)
	return tn
}

// stop halts the control loop and waits for it to return.
func (tn *testNode) stop() {
	tn.stopOnce.Do(func() {
		tn.cancel()
		tn.transport.Close()
		select {
		case <-tn.errc:
		case <-time.After(testTimeout):
		}
		tn.Shutdown()
	})
}

// testClient plays the one-shot client: one request, one reply.
type testClient struct {
	transport *simTransport
	tag       int
}

func newTestClient(t *testing.T, sn *simNetwork) *testClient {
	t.Helper()
	c := &testClient{transport: sn.endpoint()}
	t.Cleanup(func() { c.transport.Close() })
	return c
}

func (c *testClient) sendRaw(t *testing.T, to netip.AddrPort, payload []byte) {
	t.Helper()
	require.NoError(t, c.transport.Send(to, payload))
}

// receive waits up to wait for a reply. It returns nil on timeout.
func (c *testClient) receive(t *testing.T, wait time.Duration) *wire.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	payload, _, err := c.transport.Receive(ctx)
	if err != nil {
		return nil
	}
	msg, err := wire.Decode(payload)
	require.NoError(t, err)
	return msg
}

func (c *testClient) request(t *testing.T, to netip.AddrPort, msg *wire.Message) *wire.Message {
	t.Helper()

	c.tag++
	msg.Tag = fmt.Sprint(c.tag)
	c.sendRaw(t, to, msg.Encode())

	reply := c.receive(t, testTimeout)
	require.NotNil(t, reply, "no reply to %s %q", msg.Kind, msg.Key)
	require.Equal(t, msg.Tag, reply.Tag)
	return reply
}

func (c *testClient) get(t *testing.T, to netip.AddrPort, key string) *wire.Message {
	t.Helper()
	msg := wire.New(wire.KindGet)
	msg.Key = key
	msg.TTL = 100
	return c.request(t, to, msg)
}

func (c *testClient) put(t *testing.T, to netip.AddrPort, key, val string) *wire.Message {
	t.Helper()
	msg := wire.New(wire.KindPut)
	msg.Key = key
	msg.SetVal(val)
	msg.TTL = 100
	return c.request(t, to, msg)
}

func (c *testClient) del(t *testing.T, to netip.AddrPort, key string) *wire.Message {
	t.Helper()
	msg := wire.New(wire.KindPut)
	msg.Key = key
	msg.TTL = 100
	return c.request(t, to, msg)
}

// requireCoverage checks the live ranges partition the ring.
func requireCoverage(t *testing.T, nodes ...*testNode) {
	t.Helper()

	ranges := make([]wire.HashRange, 0, len(nodes))
	for _, n := range nodes {
		ranges = append(ranges, n.Status().HashRange)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Low < ranges[j].Low })

	require.Equal(t, uint32(0), ranges[0].Low)
	for i := 1; i < len(ranges); i++ {
		require.Equal(t, ranges[i-1].High+1, ranges[i].Low, "gap or overlap between %s and %s", ranges[i-1], ranges[i])
	}
	require.Equal(t, uint32(hash.MaxHash), ranges[len(ranges)-1].High)
}

// eventRecorder collects ring events.
type eventRecorder struct {
	mu     sync.Mutex
	events []RingUpdateEvent
}

func (r *eventRecorder) BroadcastRingUpdate(update any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, update.(RingUpdateEvent))
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
