package datachannel

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuantou/chuantou/protocol"
)

func newLinkPair(t *testing.T, parkOnB bool) (*Link, *Link) {
	t.Helper()
	connA, connB := net.Pipe()
	log := zerolog.Nop()
	linkA := NewLink("side-a", connA, &log, false)
	linkB := NewLink("side-b", connB, &log, parkOnB)
	go linkA.Run() // nolint: errcheck
	go linkB.Run() // nolint: errcheck
	t.Cleanup(func() {
		linkA.Close()
		linkB.Close()
	})
	return linkA, linkB
}

func TestLinkRoundTrip(t *testing.T) {
	linkA, linkB := newLinkPair(t, false)

	route, err := linkB.OpenRoute("conn-1")
	require.NoError(t, err)

	require.NoError(t, linkA.Send("conn-1", []byte("ping")))
	require.NoError(t, linkA.SendEOS("conn-1"))

	got, err := io.ReadAll(route)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	// Reverse direction over the same link pair.
	reply, err := linkA.OpenRoute("conn-1")
	require.NoError(t, err)
	require.NoError(t, linkB.Send("conn-1", []byte("pong")))
	require.NoError(t, linkB.SendEOS("conn-1"))

	got, err = io.ReadAll(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestLinkInterleavesConnections(t *testing.T) {
	linkA, linkB := newLinkPair(t, false)

	routeX, err := linkB.OpenRoute("conn-x")
	require.NoError(t, err)
	routeY, err := linkB.OpenRoute("conn-y")
	require.NoError(t, err)
	assert.Equal(t, 2, linkB.RouteCount())

	for i := 0; i < 20; i++ {
		require.NoError(t, linkA.Send("conn-x", []byte("x")))
		require.NoError(t, linkA.Send("conn-y", []byte("y")))
	}
	require.NoError(t, linkA.SendEOS("conn-x"))
	require.NoError(t, linkA.SendEOS("conn-y"))

	gotX, err := io.ReadAll(routeX)
	require.NoError(t, err)
	gotY, err := io.ReadAll(routeY)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("x"), 20), gotX)
	assert.Equal(t, bytes.Repeat([]byte("y"), 20), gotY)
}

func TestLinkSplitsOversizedSends(t *testing.T) {
	linkA, linkB := newLinkPair(t, false)

	route, err := linkB.OpenRoute("conn-big")
	require.NoError(t, err)

	payload := make([]byte, protocol.MaxFramePayload+4096)
	rand.New(rand.NewSource(4096)).Read(payload)

	go func() {
		_ = linkA.Send("conn-big", payload)
		_ = linkA.SendEOS("conn-big")
	}()

	got, err := io.ReadAll(route)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "oversized payload must survive the frame split intact")
}

func TestLinkOpenRouteDuplicate(t *testing.T) {
	_, linkB := newLinkPair(t, false)

	_, err := linkB.OpenRoute("conn-1")
	require.NoError(t, err)
	_, err = linkB.OpenRoute("conn-1")
	assert.Equal(t, ErrRouteExists, err)
}

func TestLinkSendAfterClose(t *testing.T) {
	linkA, _ := newLinkPair(t, false)
	linkA.Close()
	assert.Equal(t, ErrLinkClosed, linkA.Send("conn-1", []byte("too late")))
	assert.Equal(t, ErrLinkClosed, linkA.SendEOS("conn-1"))
}

func TestLinkParksFramesUntilRouteOpens(t *testing.T) {
	linkA, linkB := newLinkPair(t, true)

	require.NoError(t, linkA.Send("conn-early", []byte("raced ahead")))
	require.NoError(t, linkA.SendEOS("conn-early"))

	// Wait for the frames to cross the pipe and land in the parking lot
	// before the route exists.
	require.Eventually(t, func() bool {
		linkB.parked.mu.Lock()
		defer linkB.parked.mu.Unlock()
		spot, ok := linkB.parked.spots["conn-early"]
		return ok && len(spot.payloads) == 2
	}, time.Second, 5*time.Millisecond)

	route, err := linkB.OpenRoute("conn-early")
	require.NoError(t, err)

	got, err := io.ReadAll(route)
	require.NoError(t, err)
	assert.Equal(t, "raced ahead", string(got))
}

func TestLinkWithoutParkingDropsEarlyFrames(t *testing.T) {
	linkA, linkB := newLinkPair(t, false)

	require.NoError(t, linkA.Send("conn-unknown", []byte("nobody home")))
	time.Sleep(50 * time.Millisecond)

	route, err := linkB.OpenRoute("conn-unknown")
	require.NoError(t, err)
	require.NoError(t, linkA.SendEOS("conn-unknown"))

	got, err := io.ReadAll(route)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLinkCloseHardClosesRoutes(t *testing.T) {
	_, linkB := newLinkPair(t, false)

	route, err := linkB.OpenRoute("conn-1")
	require.NoError(t, err)

	linkB.Close()

	_, err = route.Read(make([]byte, 8))
	assert.Equal(t, ErrRouteClosed, err)
	assert.Equal(t, 0, linkB.RouteCount())
}

func TestLinkRunExitsWhenPeerVanishes(t *testing.T) {
	connA, connB := net.Pipe()
	log := zerolog.Nop()
	linkB := NewLink("side-b", connB, &log, false)

	done := make(chan error, 1)
	go func() {
		done <- linkB.Run()
	}()

	route, err := linkB.OpenRoute("conn-1")
	require.NoError(t, err)

	require.NoError(t, connA.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after transport loss")
	}

	_, err = route.Read(make([]byte, 8))
	assert.Equal(t, ErrRouteClosed, err)
}

func TestLinkDrainRouteKeepsQueuedBytes(t *testing.T) {
	linkA, linkB := newLinkPair(t, false)

	route, err := linkB.OpenRoute("conn-1")
	require.NoError(t, err)

	require.NoError(t, linkA.Send("conn-1", []byte("tail bytes")))
	time.Sleep(50 * time.Millisecond)
	linkB.DrainRoute("conn-1")

	got, err := io.ReadAll(route)
	require.NoError(t, err)
	assert.Equal(t, "tail bytes", string(got))
}
