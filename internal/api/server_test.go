package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/dhtp/internal/config"
	"github.com/zde37/dhtp/internal/dht"
	"github.com/zde37/dhtp/internal/transport"
	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
)

type gateway struct {
	node   *dht.Node
	server *Server
	base   string
}

// startGateway runs a single-node ring with its admin server and HTTP gateway.
func startGateway(t *testing.T, token string) *gateway {
	t.Helper()

	tr, err := transport.ListenUDP("127.0.0.1", 0, pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	node, err := dht.NewNode(config.DefaultConfig(), tr, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, node.Create())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		node.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		node.Shutdown()
	})

	admin, err := transport.NewAdminServer(node, "127.0.0.1:0", token, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, admin.Start())
	t.Cleanup(func() { admin.Stop() })

	server, err := NewServer(&Config{
		Address:      "127.0.0.1:0",
		AdminAddr:    admin.Addr(),
		AuthToken:    token,
		AdminTimeout: 2 * time.Second,
	}, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	node.AddBroadcaster(server.Hub())

	return &gateway{node: node, server: server, base: "http://" + server.Addr()}
}

func (g *gateway) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, g.base+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	}
	return resp.StatusCode, out
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, pkg.Nop())
	assert.ErrorContains(t, err, "config cannot be nil")

	_, err = NewServer(&Config{AdminAddr: "127.0.0.1:1"}, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	_, err = NewServer(&Config{}, pkg.Nop())
	assert.ErrorContains(t, err, "admin address is required")
}

func TestNodeStatusRoute(t *testing.T) {
	g := startGateway(t, "secret")

	code, body := g.do(t, http.MethodGet, "/api/v1/node")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["joined"])
	assert.Equal(t, wire.FullRange().String(), body["hash_range"])
	assert.Equal(t, g.node.Addr().String(), body["address"])
}

func TestHealthRoutes(t *testing.T) {
	g := startGateway(t, "")

	code, body := g.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = g.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SERVING", body["status"])
}

func TestLeaveRoute(t *testing.T) {
	g := startGateway(t, "")

	code, _ := g.do(t, http.MethodPost, "/api/v1/leave")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, g.node.Status().Departed)

	code, _ = g.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = g.do(t, http.MethodPost, "/api/v1/leave")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnknownRoute(t *testing.T) {
	g := startGateway(t, "")

	code, _ := g.do(t, http.MethodGet, "/api/v1/missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCORSPreflight(t *testing.T) {
	g := startGateway(t, "")

	req, err := http.NewRequest(http.MethodOptions, g.base+"/api/v1/node", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRingEvents(t *testing.T) {
	g := startGateway(t, "")

	url := "ws" + strings.TrimPrefix(g.base, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return g.server.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, _ := g.do(t, http.MethodPost, "/api/v1/leave")
	require.Equal(t, http.StatusOK, code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		var event dht.RingUpdateEvent
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, g.node.Addr().String(), event.Node)
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{dht.EventLeaving, dht.EventDeparted}, types)
}

func TestHubStop(t *testing.T) {
	hub := NewWebSocketHub(pkg.Nop())
	hub.Start()
	hub.Stop()
	hub.Stop()

	assert.NoError(t, hub.BroadcastRingUpdate(dht.RingUpdateEvent{Type: dht.EventUpdate}))
	assert.Equal(t, 0, hub.ClientCount())
}
