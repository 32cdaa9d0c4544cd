package transport

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saintparish4/udpunch/internal/testutil/memconn"
	"github.com/saintparish4/udpunch/pkg/types"
)

func startDispatcher(t *testing.T, conn PacketConn) *Dispatcher {
	t.Helper()
	d := NewDispatcher(conn, WithLogger(zaptest.NewLogger(t).Sugar()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		conn.Close()
		require.NoError(t, <-done)
	})
	return d
}

func recv(t *testing.T, c <-chan Datagram) Datagram {
	t.Helper()
	select {
	case dg, ok := <-c:
		require.True(t, ok, "subscription closed")
		return dg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func TestDispatcherRoutesBySource(t *testing.T) {
	network := memconn.NewNetwork()
	local := network.MustListen("10.0.0.1:5000")
	peer := network.MustListen("198.51.100.7:40000")
	stranger := network.MustListen("203.0.113.9:40000")

	d := startDispatcher(t, local)

	sub, err := d.Subscribe(peer.AddrPort())
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = stranger.WriteTo([]byte("not for you"), local.LocalAddr())
	require.NoError(t, err)
	_, err = peer.WriteTo([]byte("hello"), local.LocalAddr())
	require.NoError(t, err)

	dg := recv(t, sub.C)
	assert.Equal(t, peer.AddrPort(), dg.From)
	assert.Equal(t, "hello", string(dg.Payload))

	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected datagram routed: %q from %s", extra.Payload, extra.From)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherRejectsDuplicateRoute(t *testing.T) {
	network := memconn.NewNetwork()
	d := startDispatcher(t, network.MustListen("10.0.0.1:5000"))

	from := netip.MustParseAddrPort("198.51.100.7:40000")
	sub, err := d.Subscribe(from)
	require.NoError(t, err)

	_, err = d.Subscribe(from)
	require.Error(t, err)

	sub.Cancel()
	sub.Cancel()

	again, err := d.Subscribe(from)
	require.NoError(t, err)
	again.Cancel()
}

func TestDispatcherSendFailure(t *testing.T) {
	network := memconn.NewNetwork()
	local := network.MustListen("10.0.0.1:5000")
	d := startDispatcher(t, local)

	local.FailWrites(errors.New("network unreachable"))
	err := d.Send(netip.MustParseAddrPort("198.51.100.7:40000"), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSendFailure)

	local.FailWrites(nil)
	assert.NoError(t, d.Send(netip.MustParseAddrPort("198.51.100.7:40000"), []byte("x")))
}

func TestDispatcherClosesSubscriptionsOnShutdown(t *testing.T) {
	network := memconn.NewNetwork()
	local := network.MustListen("10.0.0.1:5000")
	d := NewDispatcher(local, WithLogger(zaptest.NewLogger(t).Sugar()))

	sub, err := d.Subscribe(netip.MustParseAddrPort("198.51.100.7:40000"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.NoError(t, local.Close())
	require.NoError(t, <-done)

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = d.Subscribe(netip.MustParseAddrPort("198.51.100.8:40000"))
	assert.Error(t, err)
}
