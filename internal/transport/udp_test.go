package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/dhtp/internal/wire"
	"github.com/zde37/dhtp/pkg"
)

func listenLoopback(t *testing.T) *UDPTransport {
	t.Helper()
	tr, err := ListenUDP("127.0.0.1", 0, pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestListenUDP(t *testing.T) {
	tr := listenLoopback(t)
	assert.Equal(t, "127.0.0.1", tr.LocalAddr().Addr().String())
	assert.NotZero(t, tr.LocalAddr().Port())

	tests := []struct {
		name string
		host string
		port int
	}{
		{name: "hostname", host: "localhost", port: 0},
		{name: "unspecified", host: "0.0.0.0", port: 0},
		{name: "bad port", host: "127.0.0.1", port: 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ListenUDP(tt.host, tt.port, pkg.Nop())
			assert.Error(t, err)
		})
	}

	_, err := ListenUDP("127.0.0.1", 0, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestUDPSendReceive(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	msg := wire.New(wire.KindGet)
	msg.Key = "dungeons"
	msg.Tag = "12345"
	require.NoError(t, a.Send(b.LocalAddr(), msg.Encode()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, from, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.LocalAddr(), from)

	got, err := wire.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestUDPReceiveReturnsOwnedBuffers(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("first")))
	require.NoError(t, a.Send(b.LocalAddr(), []byte("second")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, _, err := b.Receive(ctx)
	require.NoError(t, err)
	second, _, err := b.Receive(ctx)
	require.NoError(t, err)

	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second))
}

func TestUDPReceiveCancel(t *testing.T) {
	a := listenLoopback(t)
	b := listenLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the socket is still usable after an interrupted read
	require.NoError(t, a.Send(b.LocalAddr(), []byte("after")))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	payload, _, err := b.Receive(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "after", string(payload))
}

func TestUDPClose(t *testing.T) {
	tr, err := ListenUDP("127.0.0.1", 0, pkg.Nop())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, _, err := tr.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, net.ErrClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestUDPSendTooLarge(t *testing.T) {
	a := listenLoopback(t)
	err := a.Send(a.LocalAddr(), make([]byte, wire.MaxDatagramSize+1))
	assert.Error(t, err)
}
