package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
)

const (
	handshakeTimeout = 10 * time.Second

	// awaitLinkTimeout bounds how long a user connection waits for the
	// owning client's data channel: registration and the data channel dial
	// race on a fresh session.
	awaitLinkTimeout = 10 * time.Second
)

var (
	ErrNoDataChannel = errors.New("client has no data channel")
	ErrNoUDPChannel  = errors.New("client has no udp channel")
)

// DataChannelManager owns the server half of every client's data channels:
// the TCP links carrying stream frames and the shared UDP socket carrying
// datagram frames. Proxy listeners reach their client through it.
type DataChannelManager struct {
	log      zerolog.Logger
	sessions *SessionManager

	// onLinkDown fires after a client's current data link dies, so the
	// server can drop the logical connections stranded on it.
	onLinkDown func(clientID string)

	mu          sync.Mutex
	links       map[string]*datachannel.Link
	linkWaiters map[string][]chan *datachannel.Link
	udpAddrs    map[string]*net.UDPAddr
	udpRoutes   map[string]func(payload []byte)
	udpConn     *net.UDPConn
}

func NewDataChannelManager(sessions *SessionManager, onLinkDown func(clientID string), log *zerolog.Logger) *DataChannelManager {
	return &DataChannelManager{
		log:         log.With().Str("component", "datachannel").Logger(),
		sessions:    sessions,
		onLinkDown:  onLinkDown,
		links:       make(map[string]*datachannel.Link),
		linkWaiters: make(map[string][]chan *datachannel.Link),
		udpAddrs:    make(map[string]*net.UDPAddr),
		udpRoutes:   make(map[string]func(payload []byte)),
	}
}

// HandleConn runs the server side of one data channel TCP connection until it
// dies. handshake carries the bytes already consumed while routing the
// connection; after the handshake the link reads conn directly.
func (d *DataChannelManager) HandleConn(conn net.Conn, handshake io.Reader) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	clientID, err := protocol.ReadHandshake(handshake)
	if err != nil {
		d.log.Debug().Err(err).Str(LogFieldRemoteAddr, conn.RemoteAddr().String()).Msg("data channel handshake failed")
		conn.Close()
		return
	}
	log := d.log.With().Str(LogFieldClientID, clientID).Logger()
	if !d.sessions.IsAuthenticated(clientID) {
		_, _ = conn.Write([]byte{protocol.HandshakeReject})
		conn.Close()
		log.Warn().Msg("data channel for unauthenticated client rejected")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if _, err := conn.Write([]byte{protocol.HandshakeAccept}); err != nil {
		conn.Close()
		return
	}

	link := datachannel.NewLink(clientID, conn, &log, false)
	d.attachLink(clientID, link)
	log.Info().Msg("data channel attached")

	if err := link.Run(); err != nil {
		log.Debug().Err(err).Msg("data channel closed")
	}

	if d.detachLink(clientID, link) {
		log.Info().Msg("data channel detached")
		if d.onLinkDown != nil {
			d.onLinkDown(clientID)
		}
	}
}

// attachLink installs the new link as the client's current one. A reconnect
// replaces a stale link that has not noticed its death yet, so the newest
// dial always wins.
func (d *DataChannelManager) attachLink(clientID string, link *datachannel.Link) {
	d.mu.Lock()
	old := d.links[clientID]
	d.links[clientID] = link
	waiters := d.linkWaiters[clientID]
	delete(d.linkWaiters, clientID)
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, w := range waiters {
		w <- link
	}
}

// detachLink forgets the link if it is still the current one. Returns false
// when a newer link already replaced it.
func (d *DataChannelManager) detachLink(clientID string, link *datachannel.Link) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.links[clientID] != link {
		return false
	}
	delete(d.links, clientID)
	return true
}

// Link returns the client's current data channel if one is attached.
func (d *DataChannelManager) Link(clientID string) (*datachannel.Link, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	link, ok := d.links[clientID]
	return link, ok
}

// AwaitLink waits up to timeout for the client's data channel to attach.
func (d *DataChannelManager) AwaitLink(clientID string, timeout time.Duration) (*datachannel.Link, error) {
	d.mu.Lock()
	if link, ok := d.links[clientID]; ok {
		d.mu.Unlock()
		return link, nil
	}
	w := make(chan *datachannel.Link, 1)
	d.linkWaiters[clientID] = append(d.linkWaiters[clientID], w)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case link := <-w:
		return link, nil
	case <-timer.C:
		d.removeWaiter(clientID, w)
		// attachLink may have popped the waiter list between the timeout
		// firing and the lock; prefer the delivered link over an error.
		select {
		case link := <-w:
			return link, nil
		default:
			return nil, ErrNoDataChannel
		}
	}
}

func (d *DataChannelManager) removeWaiter(clientID string, w chan *datachannel.Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.linkWaiters[clientID]
	for i, existing := range waiters {
		if existing == w {
			d.linkWaiters[clientID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(d.linkWaiters[clientID]) == 0 {
		delete(d.linkWaiters, clientID)
	}
}

// DropClient closes and forgets the client's data channels. Called on session
// removal.
func (d *DataChannelManager) DropClient(clientID string) {
	d.mu.Lock()
	link := d.links[clientID]
	delete(d.links, clientID)
	delete(d.udpAddrs, clientID)
	waiters := d.linkWaiters[clientID]
	delete(d.linkWaiters, clientID)
	d.mu.Unlock()

	if link != nil {
		link.Close()
	}
	_ = waiters // timed out waiters clean themselves up
}

// ServeUDP pumps the shared UDP channel socket until ctx is done. Clients
// register their channel address with dedicated frames; data frames route to
// the proxy listener that opened the logical connection.
func (d *DataChannelManager) ServeUDP(ctx context.Context, conn *net.UDPConn) error {
	d.mu.Lock()
	d.udpConn = conn
	d.mu.Unlock()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "udp channel read")
		}
		frame, err := protocol.DecodeUDPFrame(buf[:n])
		if err != nil {
			d.log.Debug().Err(err).Str(LogFieldRemoteAddr, addr.String()).Msg("undecodable udp channel frame")
			continue
		}
		switch frame.Kind {
		case protocol.UDPFrameRegister, protocol.UDPFrameKeepalive:
			d.refreshUDPAddr(frame.ClientID, addr, frame.Kind == protocol.UDPFrameRegister)
		case protocol.UDPFrameData:
			d.routeUDPData(frame.ConnectionID, frame.Payload)
		}
	}
}

func (d *DataChannelManager) refreshUDPAddr(clientID string, addr *net.UDPAddr, isRegister bool) {
	if !d.sessions.IsAuthenticated(clientID) {
		d.log.Debug().Str(LogFieldClientID, clientID).Msg("udp channel frame for unknown client dropped")
		return
	}
	d.mu.Lock()
	d.udpAddrs[clientID] = addr
	d.mu.Unlock()
	if isRegister {
		d.log.Debug().Str(LogFieldClientID, clientID).Str(LogFieldRemoteAddr, addr.String()).Msg("udp channel registered")
	}
}

// routeUDPData hands one inbound datagram payload to its proxy listener. The
// payload aliases the read buffer and is only valid for the duration of the
// call; deliver funcs forward synchronously.
func (d *DataChannelManager) routeUDPData(connectionID string, payload []byte) {
	d.mu.Lock()
	deliver := d.udpRoutes[connectionID]
	d.mu.Unlock()
	if deliver == nil {
		d.log.Debug().Str(LogFieldConnectionID, connectionID).Msg("udp frame for unknown session dropped")
		return
	}
	deliver(payload)
}

// RegisterUDPRoute binds a delivery func for reply datagrams of one logical
// UDP connection.
func (d *DataChannelManager) RegisterUDPRoute(connectionID string, deliver func(payload []byte)) {
	d.mu.Lock()
	d.udpRoutes[connectionID] = deliver
	d.mu.Unlock()
}

func (d *DataChannelManager) UnregisterUDPRoute(connectionID string) {
	d.mu.Lock()
	delete(d.udpRoutes, connectionID)
	d.mu.Unlock()
}

// SendUDP relays one datagram for a logical connection to its client over the
// UDP channel. Datagrams sent before the client registered its channel
// address are dropped, matching UDP delivery semantics.
func (d *DataChannelManager) SendUDP(clientID, connectionID string, payload []byte) error {
	d.mu.Lock()
	conn := d.udpConn
	addr := d.udpAddrs[clientID]
	d.mu.Unlock()
	if conn == nil || addr == nil {
		return ErrNoUDPChannel
	}
	raw, err := protocol.EncodeUDPData(connectionID, payload)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(raw, addr)
	return errors.Wrap(err, "udp channel write")
}
