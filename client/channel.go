package client

import (
	"context"
	"crypto/tls"
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
	dataDialTimeout     = 15 * time.Second
	handshakeAckTimeout = 10 * time.Second

	// udpKeepaliveEvery stays under common NAT bindings (and the server's
	// session timeout) so the reply path survives quiet periods.
	udpKeepaliveEvery = 25 * time.Second

	// udpParkTTL bounds how long early datagrams wait for their route, the
	// same race the data link parks frames for: new_connection on the
	// control link can lose to the first datagram on the udp socket.
	udpParkTTL = 5 * time.Second

	maxParkedDatagrams = 16
)

// session bundles everything scoped to one control session: the TCP data
// link, the UDP channel, and the cancel tearing both down. The link is
// swappable: a dropped data link redials under the same session while the
// control link stays up.
type session struct {
	clientID string
	udp      *udpChannel
	cancel   context.CancelFunc

	mu   sync.RWMutex
	link *datachannel.Link
}

func (s *session) dataLink() *datachannel.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

func (s *session) setLink(link *datachannel.Link) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
}

// dialDataChannel opens and handshakes the TCP data channel for a session.
func dialDataChannel(ctx context.Context, addr string, tlsConfig *tls.Config, clientID string, log *zerolog.Logger) (*datachannel.Link, error) {
	d := net.Dialer{Timeout: dataDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial data channel %s", addr)
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "data channel tls handshake")
		}
		conn = tlsConn
	}

	hs, err := protocol.EncodeHandshake(clientID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeAckTimeout))
	if _, err := conn.Write(hs); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "write data channel handshake")
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "await data channel ack")
	}
	_ = conn.SetDeadline(time.Time{})
	if ack[0] != protocol.HandshakeAccept {
		conn.Close()
		return nil, errors.New("server rejected data channel")
	}

	// Unrouted frames are parked: new_connection events on the control
	// link race the first data frames of their connection.
	return datachannel.NewLink(clientID, conn, log, true), nil
}

// udpChannel is the client end of the datagram path: one connected UDP socket
// to the server's control port, shared by every logical UDP connection.
type udpChannel struct {
	clientID string
	conn     *net.UDPConn
	log      zerolog.Logger

	mu     sync.Mutex
	routes map[string]func(payload []byte)
	parked map[string]*parkedDatagrams

	closeOnce sync.Once
	closed    chan struct{}
}

type parkedDatagrams struct {
	payloads [][]byte
	parkedAt time.Time
}

func dialUDPChannel(addr, clientID string, log *zerolog.Logger) (*udpChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve udp channel %s", addr)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial udp channel %s", addr)
	}
	return &udpChannel{
		clientID: clientID,
		conn:     conn,
		log:      log.With().Str("component", "udpchannel").Logger(),
		routes:   make(map[string]func(payload []byte)),
		parked:   make(map[string]*parkedDatagrams),
		closed:   make(chan struct{}),
	}, nil
}

// Run registers the channel address with the server, keeps NAT state fresh,
// and pumps reply datagrams until ctx is done.
func (u *udpChannel) Run(ctx context.Context) error {
	reg, err := protocol.EncodeUDPRegister(u.clientID)
	if err != nil {
		return err
	}
	if _, err := u.conn.Write(reg); err != nil {
		return errors.Wrap(err, "register udp channel")
	}
	go u.keepaliveLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			u.Close()
		case <-u.closed:
		}
	}()

	buf := make([]byte, 65535)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			select {
			case <-u.closed:
				return nil
			default:
			}
			return errors.Wrap(err, "udp channel read")
		}
		frame, err := protocol.DecodeUDPFrame(buf[:n])
		if err != nil {
			u.log.Debug().Err(err).Msg("undecodable udp channel frame")
			continue
		}
		if frame.Kind != protocol.UDPFrameData {
			continue
		}
		u.deliver(frame.ConnectionID, frame.Payload)
	}
}

// deliver routes a datagram to its logical connection. The payload aliases
// the read buffer and is only valid for the duration of the call; route funcs
// forward synchronously, and parking copies.
func (u *udpChannel) deliver(connectionID string, payload []byte) {
	u.mu.Lock()
	deliver := u.routes[connectionID]
	if deliver == nil {
		u.parkLocked(connectionID, payload)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	deliver(payload)
}

func (u *udpChannel) parkLocked(connectionID string, payload []byte) {
	now := time.Now()
	for id, spot := range u.parked {
		if now.Sub(spot.parkedAt) > udpParkTTL {
			delete(u.parked, id)
		}
	}
	spot, ok := u.parked[connectionID]
	if !ok {
		spot = &parkedDatagrams{parkedAt: now}
		u.parked[connectionID] = spot
	}
	if len(spot.payloads) >= maxParkedDatagrams {
		// Full spot means the flow is pushing data before its route
		// settled; dropping is within udp's contract.
		return
	}
	spot.payloads = append(spot.payloads, append([]byte(nil), payload...))
}

func (u *udpChannel) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(udpKeepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.closed:
			return
		case <-ticker.C:
			ka, err := protocol.EncodeUDPKeepalive(u.clientID)
			if err != nil {
				return
			}
			if _, err := u.conn.Write(ka); err != nil {
				u.log.Debug().Err(err).Msg("udp keepalive failed")
			}
		}
	}
}

// Send relays one datagram of a logical connection to the server.
func (u *udpChannel) Send(connectionID string, payload []byte) error {
	raw, err := protocol.EncodeUDPData(connectionID, payload)
	if err != nil {
		return err
	}
	_, err = u.conn.Write(raw)
	return errors.Wrap(err, "udp channel write")
}

// RegisterRoute installs the delivery func for a logical connection and
// replays any datagrams that arrived ahead of it.
func (u *udpChannel) RegisterRoute(connectionID string, deliver func(payload []byte)) {
	u.mu.Lock()
	u.routes[connectionID] = deliver
	var replay [][]byte
	if spot, ok := u.parked[connectionID]; ok {
		delete(u.parked, connectionID)
		replay = spot.payloads
	}
	u.mu.Unlock()
	for _, payload := range replay {
		deliver(payload)
	}
}

func (u *udpChannel) UnregisterRoute(connectionID string) {
	u.mu.Lock()
	delete(u.routes, connectionID)
	u.mu.Unlock()
}

func (u *udpChannel) Close() {
	u.closeOnce.Do(func() {
		close(u.closed)
		u.conn.Close()
	})
}
