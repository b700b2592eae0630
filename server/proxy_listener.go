package server

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/signal"
	"github.com/chuantou/chuantou/stream"
)

const (
	// sniffReadTimeout is how long the first read may wait for client-first
	// bytes. Server-first protocols (smtp, mysql) say nothing, so expiry
	// routes the connection as raw tcp.
	sniffReadTimeout = 500 * time.Millisecond

	// peerCloseGrace is how long a connection may keep draining after its
	// peer declared it finished over the control link.
	peerCloseGrace = 5 * time.Second
)

// sessionRegistry is the slice of SessionManager the proxy path needs.
type sessionRegistry interface {
	AddConnection(clientID, connectionID string, port int, proto protocol.Protocol, remoteAddr string) error
	RemoveConnection(connectionID string) (LogicalConnection, bool)
	SendToClient(clientID string, env *protocol.Envelope) error
}

// channelProvider is the slice of DataChannelManager the proxy path needs.
type channelProvider interface {
	AwaitLink(clientID string, timeout time.Duration) (*datachannel.Link, error)
	SendUDP(clientID, connectionID string, payload []byte) error
	RegisterUDPRoute(connectionID string, deliver func(payload []byte))
	UnregisterUDPRoute(connectionID string)
}

// trackedConn is the teardown handle of one live logical connection on a
// listener. It remembers whether the owning client already declared the
// connection closed, so the splice end does not echo connection_close back.
type trackedConn struct {
	connectionID string
	hardClose    func()

	mu         sync.Mutex
	peerClosed bool
	failsafe   *time.Timer

	closeOnce sync.Once
	done      *signal.Signal
}

func newTrackedConn(connectionID string, hardClose func()) *trackedConn {
	return &trackedConn{
		connectionID: connectionID,
		hardClose:    hardClose,
		done:         signal.New(make(chan struct{})),
	}
}

// peerClose lets in-flight frames finish draining, with a failsafe hard
// close if the drain outlives the grace.
func (t *trackedConn) peerClose(grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peerClosed {
		return
	}
	t.peerClosed = true
	t.failsafe = time.AfterFunc(grace, t.forceClose)
}

func (t *trackedConn) hasPeerClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerClosed
}

func (t *trackedConn) forceClose() {
	t.closeOnce.Do(func() {
		t.done.Notify()
		t.hardClose()
	})
}

func (t *trackedConn) stopFailsafe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failsafe != nil {
		t.failsafe.Stop()
	}
}

// ProxyListener serves one registered public port: a TCP listener and a UDP
// socket on the same number. Accepted user traffic becomes logical
// connections spliced to the owning client over its data channels.
type ProxyListener struct {
	port      int
	clientID  string
	protoHint string

	sessions  sessionRegistry
	channels  channelProvider
	responses *responseRouter
	log       zerolog.Logger

	tcp            net.Listener
	udp            *net.UDPConn
	udpIdleTimeout time.Duration

	mu          sync.Mutex
	conns       map[string]*trackedConn
	udpSessions map[string]*udpSession

	shutdownC    chan struct{}
	shutdownOnce sync.Once
}

func newProxyListener(port int, clientID, protoHint string, sessions sessionRegistry, channels channelProvider, responses *responseRouter, log *zerolog.Logger) *ProxyListener {
	return &ProxyListener{
		port:           port,
		clientID:       clientID,
		protoHint:      protoHint,
		sessions:       sessions,
		channels:       channels,
		responses:      responses,
		log:            log.With().Int(LogFieldPort, port).Str(LogFieldClientID, clientID).Logger(),
		udpIdleTimeout: udpSessionIdleTimeout,
		conns:          make(map[string]*trackedConn),
		udpSessions:    make(map[string]*udpSession),
		shutdownC:      make(chan struct{}),
	}
}

// Bind opens the TCP listener and the UDP socket. It runs inside the register
// path so a bind failure rejects the registration before the port is acked.
func (p *ProxyListener) Bind(host string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind tcp %s", addr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		tcp.Close()
		return errors.Wrapf(err, "resolve udp %s", addr)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return errors.Wrapf(err, "bind udp %s", addr)
	}
	p.tcp = tcp
	p.udp = udp
	return nil
}

func proxyServiceName(port int) string {
	return fmt.Sprintf("proxy-port-%d", port)
}

// Name implements overwatch.Service.
func (p *ProxyListener) Name() string {
	return proxyServiceName(p.port)
}

// Type implements overwatch.Service.
func (p *ProxyListener) Type() string {
	return "proxy"
}

// Hash implements overwatch.Service.
func (p *ProxyListener) Hash() string {
	h := sha256.New()
	_, _ = io.WriteString(h, strconv.Itoa(p.port))
	_, _ = io.WriteString(h, p.clientID)
	_, _ = io.WriteString(h, p.protoHint)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Run implements overwatch.Service: it pumps both sockets until Shutdown.
func (p *ProxyListener) Run() error {
	udpDone := make(chan error, 1)
	go func() {
		udpDone <- p.serveUDP()
	}()
	err := p.serveTCP()
	p.Shutdown()
	if udpErr := <-udpDone; err == nil {
		err = udpErr
	}
	return err
}

// Shutdown implements overwatch.Service. It closes both sockets and
// hard-closes every live connection on the port.
func (p *ProxyListener) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownC)
		if p.tcp != nil {
			p.tcp.Close()
		}
		if p.udp != nil {
			p.udp.Close()
		}
		p.CloseAllConnections()
		p.log.Debug().Msg("proxy listener stopped")
	})
}

// CloseAllConnections hard-closes everything live on the port: tracked tcp
// and http connections plus udp sessions. Called on shutdown and when the
// owning client's data channel dies.
func (p *ProxyListener) CloseAllConnections() {
	p.mu.Lock()
	conns := make([]*trackedConn, 0, len(p.conns))
	for _, tc := range p.conns {
		conns = append(conns, tc)
	}
	sessions := make([]*udpSession, 0, len(p.udpSessions))
	for _, us := range p.udpSessions {
		sessions = append(sessions, us)
	}
	p.udpSessions = make(map[string]*udpSession)
	p.mu.Unlock()

	for _, tc := range conns {
		tc.forceClose()
	}
	for _, us := range sessions {
		p.destroyUDPSession(us, true)
	}
}

func (p *ProxyListener) serveTCP() error {
	for {
		conn, err := p.tcp.Accept()
		if err != nil {
			select {
			case <-p.shutdownC:
				return nil
			default:
				return errors.Wrapf(err, "accept on port %d", p.port)
			}
		}
		go p.handleConn(conn)
	}
}

// handleConn classifies one accepted user connection and hands it to the
// matching proxy mode.
func (p *ProxyListener) handleConn(conn net.Conn) {
	connectionID := uuid.NewString()
	first, err := readFirstChunk(conn, protocol.SniffLimit, sniffReadTimeout)
	if err != nil {
		p.log.Debug().Err(err).Msg("user connection gone before first byte")
		conn.Close()
		return
	}
	proto := protocol.SniffProtocol(first)
	log := p.log.With().
		Str(LogFieldConnectionID, connectionID).
		Str(LogFieldProtocol, string(proto)).
		Str(LogFieldRemoteAddr, conn.RemoteAddr().String()).
		Logger()
	log.Debug().Msg("user connection accepted")

	if proto == protocol.ProtocolHTTP {
		p.serveHTTPExchange(conn, first, connectionID, &log)
		return
	}
	p.serveStream(conn, first, connectionID, proto, &log)
}

// readFirstChunk reads the head of a client-first protocol for sniffing. A
// quiet socket is not an error; the chunk is simply empty.
func readFirstChunk(conn net.Conn, limit int, wait time.Duration) ([]byte, error) {
	buf := make([]byte, limit)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil
		}
		if n > 0 && err == io.EOF {
			return buf[:n], nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// serveStream splices a tcp or websocket connection through the data channel.
func (p *ProxyListener) serveStream(conn net.Conn, first []byte, connectionID string, proto protocol.Protocol, log *zerolog.Logger) {
	remoteAddr := conn.RemoteAddr().String()
	if err := p.sessions.AddConnection(p.clientID, connectionID, p.port, proto, remoteAddr); err != nil {
		log.Warn().Err(err).Msg("register connection")
		conn.Close()
		return
	}

	link, err := p.channels.AwaitLink(p.clientID, awaitLinkTimeout)
	if err != nil {
		p.failConnection(conn, connectionID, "client data channel unavailable", log)
		return
	}
	route, err := link.OpenRoute(connectionID)
	if err != nil {
		p.failConnection(conn, connectionID, err.Error(), log)
		return
	}

	nc := protocol.NewConnection{
		ConnectionID:  connectionID,
		Protocol:      proto,
		RemotePort:    p.port,
		RemoteAddress: remoteAddr,
	}
	if proto == protocol.ProtocolWebsocket {
		nc.WSHeaders = sniffedHeaders(first)
	}
	env, err := protocol.NewEvent(protocol.TypeNewConnection, nc)
	if err == nil {
		err = p.sessions.SendToClient(p.clientID, env)
	}
	if err != nil {
		link.CloseRoute(connectionID)
		p.sessions.RemoveConnection(connectionID)
		conn.Close()
		log.Warn().Err(err).Msg("announce connection")
		return
	}

	tc := newTrackedConn(connectionID, func() {
		link.CloseRoute(connectionID)
		conn.Close()
	})
	p.trackExisting(tc)
	defer p.untrackConn(connectionID)

	// Bytes consumed by the sniffer travel first so the client sees the
	// stream from its very first byte.
	if len(first) > 0 {
		if err := link.Send(connectionID, first); err != nil {
			p.finishStream(conn, link, tc, log)
			return
		}
	}

	tunnel := datachannel.NewConnStream(link, route)
	_ = stream.PipeBidirectional(stream.AsStream(conn), tunnel, 0, log)
	p.finishStream(conn, link, tc, log)
}

func (p *ProxyListener) finishStream(conn net.Conn, link *datachannel.Link, tc *trackedConn, log *zerolog.Logger) {
	link.CloseRoute(tc.connectionID)
	conn.Close()
	tc.stopFailsafe()
	if _, ok := p.sessions.RemoveConnection(tc.connectionID); !ok {
		return
	}
	log.Debug().Msg("user connection closed")
	if tc.hasPeerClosed() {
		return
	}
	if env, err := protocol.NewEvent(protocol.TypeConnectionClose, protocol.ConnectionClose{ConnectionID: tc.connectionID}); err == nil {
		_ = p.sessions.SendToClient(p.clientID, env)
	}
}

// failConnection tears down a connection that never got spliced and tells the
// client why.
func (p *ProxyListener) failConnection(conn net.Conn, connectionID, reason string, log *zerolog.Logger) {
	conn.Close()
	p.sessions.RemoveConnection(connectionID)
	if env, err := protocol.NewEvent(protocol.TypeConnectionError, protocol.ConnectionError{ConnectionID: connectionID, Error: reason}); err == nil {
		_ = p.sessions.SendToClient(p.clientID, env)
	}
	log.Warn().Str("reason", reason).Msg("user connection failed")
}

// sniffedHeaders parses request headers out of the sniffed head, best effort:
// the head may cut off mid-request.
func sniffedHeaders(first []byte) http.Header {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(first)))
	if err != nil {
		return nil
	}
	return req.Header
}

func (p *ProxyListener) trackConn(connectionID string, hardClose func()) *trackedConn {
	tc := newTrackedConn(connectionID, hardClose)
	p.trackExisting(tc)
	return tc
}

func (p *ProxyListener) trackExisting(tc *trackedConn) {
	p.mu.Lock()
	p.conns[tc.connectionID] = tc
	p.mu.Unlock()
}

func (p *ProxyListener) untrackConn(connectionID string) {
	p.mu.Lock()
	delete(p.conns, connectionID)
	p.mu.Unlock()
}

// PeerClose dispatches a connection_close received from the owning client.
// Streams drain within the grace; udp sessions die immediately since nothing
// is in flight for them on the data channel.
func (p *ProxyListener) PeerClose(connectionID string) {
	p.mu.Lock()
	tc := p.conns[connectionID]
	p.mu.Unlock()
	if tc != nil {
		tc.peerClose(peerCloseGrace)
		return
	}
	p.closeUDPSessionByConn(connectionID)
}
