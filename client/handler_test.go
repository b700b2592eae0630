package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
)

type sentEvent struct {
	t       protocol.MessageType
	payload interface{}
}

// fakeControl records the one-way messages a handler sends upstream.
type fakeControl struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeControl) SendEvent(t protocol.MessageType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{t: t, payload: payload})
	return nil
}

func (f *fakeControl) all() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

func (f *fakeControl) ofType(t protocol.MessageType) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, ev := range f.events {
		if ev.t == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestHandler(localPort int, proto string) (*UnifiedHandler, *fakeControl) {
	log := zerolog.Nop()
	control := &fakeControl{}
	rule := config.Proxy{RemotePort: 9000, LocalPort: localPort, LocalHost: "127.0.0.1", Protocol: proto}
	return NewUnifiedHandler(rule, control, newConnTable(), 0, &log), control
}

func originPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	return ts.Listener.Addr().(*net.TCPAddr).Port
}

func TestServeHTTPBuffered(t *testing.T) {
	var (
		mu      sync.Mutex
		gotURI  string
		gotHost string
		gotHdr  string
		gotBody string
		method  string
	)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		method = r.Method
		gotURI = r.URL.RequestURI()
		gotHost = r.Host
		gotHdr = r.Header.Get("X-Probe")
		gotBody = string(body)
		mu.Unlock()
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "resp-payload")
	}))
	t.Cleanup(origin.Close)

	h, control := newTestHandler(originPort(t, origin), "http")
	log := zerolog.Nop()
	nc := protocol.NewConnection{
		ConnectionID: "conn-1",
		Protocol:     protocol.ProtocolHTTP,
		URL:          "/api/thing?x=1",
		Method:       http.MethodPost,
		Headers: http.Header{
			"X-Probe": []string{"7"},
			"Host":    []string{"public.example.com"},
		},
		Body: base64.StdEncoding.EncodeToString([]byte("req-payload")),
	}
	h.serveHTTP(context.Background(), nc, &log)

	mu.Lock()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/api/thing?x=1", gotURI)
	assert.Equal(t, "public.example.com", gotHost)
	assert.Equal(t, "7", gotHdr)
	assert.Equal(t, "req-payload", gotBody)
	mu.Unlock()

	responses := control.ofType(protocol.TypeHTTPResponse)
	require.Len(t, responses, 1)
	resp, ok := responses[0].payload.(protocol.HTTPResponse)
	require.True(t, ok)
	assert.Equal(t, "conn-1", resp.ConnectionID)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "yes", resp.Headers.Get("X-Origin"))
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "resp-payload", string(body))

	assert.Empty(t, control.ofType(protocol.TypeConnectionClose))
}

// reassembleStream decodes a headers/data*/end event sequence back into the
// response head and body.
func reassembleStream(t *testing.T, events []sentEvent) (protocol.HTTPResponseHeaders, string) {
	t.Helper()
	require.NotEmpty(t, events)
	head, ok := events[0].payload.(protocol.HTTPResponseHeaders)
	require.True(t, ok, "stream must open with headers, got %s", events[0].t)

	var body strings.Builder
	sawEnd := false
	for _, ev := range events[1:] {
		switch ev.t {
		case protocol.TypeHTTPRespData:
			require.False(t, sawEnd, "data after end marker")
			chunk := ev.payload.(protocol.HTTPResponseData)
			raw, err := base64.StdEncoding.DecodeString(chunk.Data)
			require.NoError(t, err)
			body.Write(raw)
		case protocol.TypeHTTPRespEnd:
			sawEnd = true
		default:
			t.Fatalf("unexpected %s in response stream", ev.t)
		}
	}
	require.True(t, sawEnd, "stream never ended")
	return head, body.String()
}

func TestServeHTTPStreaming(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: one\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: two\n\n")
		flusher.Flush()
	}))
	t.Cleanup(origin.Close)

	h, control := newTestHandler(originPort(t, origin), "http")
	log := zerolog.Nop()
	nc := protocol.NewConnection{
		ConnectionID: "conn-2",
		Protocol:     protocol.ProtocolHTTP,
		URL:          "/events",
		Method:       http.MethodGet,
	}
	h.serveHTTP(context.Background(), nc, &log)

	head, body := reassembleStream(t, control.all())
	assert.Equal(t, "conn-2", head.ConnectionID)
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Equal(t, "text/event-stream", head.Headers.Get("Content-Type"))
	assert.Equal(t, "data: one\n\ndata: two\n\n", body)
	assert.Empty(t, control.ofType(protocol.TypeHTTPResponse))
}

func TestServeHTTPOverflowFallsBackToStream(t *testing.T) {
	big := strings.Repeat("x", bufferedBodyLimit+50*1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, big)
	}))
	t.Cleanup(origin.Close)

	h, control := newTestHandler(originPort(t, origin), "http")
	log := zerolog.Nop()
	nc := protocol.NewConnection{
		ConnectionID: "conn-3",
		Protocol:     protocol.ProtocolHTTP,
		URL:          "/blob",
		Method:       http.MethodGet,
	}
	h.serveHTTP(context.Background(), nc, &log)

	head, body := reassembleStream(t, control.all())
	assert.Equal(t, http.StatusOK, head.StatusCode)
	assert.Len(t, body, len(big))
	assert.Empty(t, control.ofType(protocol.TypeHTTPResponse))
}

func TestServeHTTPLocalFailure(t *testing.T) {
	// Reserve a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h, control := newTestHandler(deadPort, "http")
	log := zerolog.Nop()
	nc := protocol.NewConnection{
		ConnectionID: "conn-4",
		Protocol:     protocol.ProtocolHTTP,
		URL:          "/",
		Method:       http.MethodGet,
	}
	h.serveHTTP(context.Background(), nc, &log)

	closes := control.ofType(protocol.TypeConnectionClose)
	require.Len(t, closes, 1)
	cc := closes[0].payload.(protocol.ConnectionClose)
	assert.Equal(t, "conn-4", cc.ConnectionID)
	assert.Empty(t, control.ofType(protocol.TypeHTTPResponse))
}

func startLocalEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn) // nolint: errcheck
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func handlerLinkPair(t *testing.T) (*datachannel.Link, *datachannel.Link) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	log := zerolog.Nop()
	serverLink := datachannel.NewLink("client-1", serverConn, &log, false)
	clientLink := datachannel.NewLink("client-1", clientConn, &log, true)
	go serverLink.Run() // nolint: errcheck
	go clientLink.Run() // nolint: errcheck
	t.Cleanup(func() {
		serverLink.Close()
		clientLink.Close()
	})
	return serverLink, clientLink
}

func TestServeStreamEchoesThroughLocalService(t *testing.T) {
	echoPort := startLocalEcho(t)
	serverLink, clientLink := handlerLinkPair(t)

	h, control := newTestHandler(echoPort, "tcp")
	sess := &session{clientID: "client-1", link: clientLink}
	log := zerolog.Nop()
	nc := protocol.NewConnection{ConnectionID: "conn-1", Protocol: protocol.ProtocolTCP, RemotePort: 9000}

	serverRoute, err := serverLink.OpenRoute("conn-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.serveStream(context.Background(), sess, nc, &log)
	}()

	require.NoError(t, serverLink.Send("conn-1", []byte("ping")))
	buf := make([]byte, 16)
	n, err := serverRoute.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	// Ending the inbound side drains the splice: the local echo half-closes
	// and the handler reports the finished connection.
	require.NoError(t, serverLink.SendEOS("conn-1"))
	_, err = serverRoute.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never finished")
	}

	closes := control.ofType(protocol.TypeConnectionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, "conn-1", closes[0].payload.(protocol.ConnectionClose).ConnectionID)
}

func TestServeStreamWithoutDataLink(t *testing.T) {
	echoPort := startLocalEcho(t)
	h, control := newTestHandler(echoPort, "tcp")
	sess := &session{clientID: "client-1"}
	log := zerolog.Nop()
	nc := protocol.NewConnection{ConnectionID: "conn-9", Protocol: protocol.ProtocolTCP}

	h.serveStream(context.Background(), sess, nc, &log)

	closes := control.ofType(protocol.TypeConnectionClose)
	require.Len(t, closes, 1)
	assert.Equal(t, "conn-9", closes[0].payload.(protocol.ConnectionClose).ConnectionID)
}

func TestServeUDPRelay(t *testing.T) {
	// The far end of the udp channel; it receives what the handler relays.
	channelPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer channelPeer.Close()

	log := zerolog.Nop()
	udp, err := dialUDPChannel(channelPeer.LocalAddr().String(), "client-1", &log)
	require.NoError(t, err)
	t.Cleanup(udp.Close)

	// Local udp echo service.
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], addr) // nolint: errcheck
		}
	}()

	h, control := newTestHandler(echo.LocalAddr().(*net.UDPAddr).Port, "udp")
	sess := &session{clientID: "client-1", udp: udp}
	nc := protocol.NewConnection{ConnectionID: "conn-u", Protocol: protocol.ProtocolUDP}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.serveUDP(ctx, sess, nc, &log)
	}()

	// Inject a user datagram; even if it beats RegisterRoute it parks and
	// replays. The echo reply must come back as a data frame.
	udp.deliver("conn-u", []byte("ping"))

	require.NoError(t, channelPeer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := channelPeer.ReadFromUDP(buf)
	require.NoError(t, err)
	frame, err := protocol.DecodeUDPFrame(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.UDPFrameData, frame.Kind)
	assert.Equal(t, "conn-u", frame.ConnectionID)
	assert.Equal(t, []byte("ping"), frame.Payload)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("udp flow never finished")
	}
	require.Len(t, control.ofType(protocol.TypeConnectionClose), 1)
}

func TestServeUDPWithoutChannel(t *testing.T) {
	h, control := newTestHandler(9999, "udp")
	sess := &session{clientID: "client-1"}
	log := zerolog.Nop()
	nc := protocol.NewConnection{ConnectionID: "conn-n", Protocol: protocol.ProtocolUDP}

	h.serveUDP(context.Background(), sess, nc, &log)

	require.Len(t, control.ofType(protocol.TypeConnectionClose), 1)
}
