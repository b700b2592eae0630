package server

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/chuantou/chuantou/protocol"
)

// udpSessionIdleTimeout evicts a udp session after silence in both
// directions. The janitor is the timer itself: each datagram re-arms it.
const udpSessionIdleTimeout = 30 * time.Second

// udpSession tracks one (source address, public port) flow so replies find
// their way back and idle flows get evicted.
type udpSession struct {
	key          string
	connectionID string
	addr         *net.UDPAddr
	timer        *time.Timer
}

func (p *ProxyListener) serveUDP() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := p.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.shutdownC:
				return nil
			default:
				return errors.Wrapf(err, "udp read on port %d", p.port)
			}
		}
		p.handleDatagram(addr, buf[:n])
	}
}

// handleDatagram forwards one user datagram, creating the session on first
// contact from a source address.
func (p *ProxyListener) handleDatagram(addr *net.UDPAddr, payload []byte) {
	key := addr.String()
	p.mu.Lock()
	sess := p.udpSessions[key]
	if sess != nil {
		sess.timer.Reset(p.udpIdleTimeout)
		connectionID := sess.connectionID
		p.mu.Unlock()
		p.forwardDatagram(connectionID, payload)
		return
	}
	p.mu.Unlock()
	p.openUDPSession(addr, key, payload)
}

func (p *ProxyListener) openUDPSession(addr *net.UDPAddr, key string, payload []byte) {
	connectionID := uuid.NewString()
	log := p.log.With().
		Str(LogFieldConnectionID, connectionID).
		Str(LogFieldRemoteAddr, key).
		Logger()

	if err := p.sessions.AddConnection(p.clientID, connectionID, p.port, protocol.ProtocolUDP, key); err != nil {
		log.Warn().Err(err).Msg("register udp session")
		return
	}
	nc := protocol.NewConnection{
		ConnectionID:  connectionID,
		Protocol:      protocol.ProtocolUDP,
		RemotePort:    p.port,
		RemoteAddress: key,
	}
	env, err := protocol.NewEvent(protocol.TypeNewConnection, nc)
	if err == nil {
		err = p.sessions.SendToClient(p.clientID, env)
	}
	if err != nil {
		p.sessions.RemoveConnection(connectionID)
		log.Warn().Err(err).Msg("announce udp session")
		return
	}

	// Replies go out the same proxy socket the user targeted, from the
	// public port the user expects.
	p.channels.RegisterUDPRoute(connectionID, func(reply []byte) {
		p.refreshUDPSession(key)
		_, _ = p.udp.WriteToUDP(reply, addr)
	})

	sess := &udpSession{key: key, connectionID: connectionID, addr: addr}
	sess.timer = time.AfterFunc(p.udpIdleTimeout, func() {
		p.expireUDPSession(key, sess)
	})

	p.mu.Lock()
	select {
	case <-p.shutdownC:
		p.mu.Unlock()
		sess.timer.Stop()
		p.destroyUDPSession(sess, false)
		return
	default:
	}
	p.udpSessions[key] = sess
	p.mu.Unlock()

	incrementUDPSessions()
	log.Debug().Msg("udp session opened")
	p.forwardDatagram(connectionID, payload)
}

func (p *ProxyListener) forwardDatagram(connectionID string, payload []byte) {
	if err := p.channels.SendUDP(p.clientID, connectionID, payload); err != nil {
		// Datagram loss is legal; the session stays up for the next one.
		p.log.Debug().Err(err).Str(LogFieldConnectionID, connectionID).Msg("udp datagram dropped")
	}
}

// refreshUDPSession re-arms the idle timer on reply traffic so a chatty
// server keeps the session alive even when the user only listens.
func (p *ProxyListener) refreshUDPSession(key string) {
	p.mu.Lock()
	if sess := p.udpSessions[key]; sess != nil {
		sess.timer.Reset(p.udpIdleTimeout)
	}
	p.mu.Unlock()
}

func (p *ProxyListener) expireUDPSession(key string, sess *udpSession) {
	p.mu.Lock()
	current := p.udpSessions[key]
	if current != sess {
		p.mu.Unlock()
		return
	}
	delete(p.udpSessions, key)
	p.mu.Unlock()

	p.log.Debug().Str(LogFieldConnectionID, sess.connectionID).Str(LogFieldRemoteAddr, key).Msg("udp session expired")
	p.destroyUDPSession(sess, true)
}

// destroyUDPSession releases the session's route and registry entry. notify
// sends connection_close so the client can drop its local socket.
func (p *ProxyListener) destroyUDPSession(sess *udpSession, notify bool) {
	sess.timer.Stop()
	p.channels.UnregisterUDPRoute(sess.connectionID)
	if _, ok := p.sessions.RemoveConnection(sess.connectionID); !ok {
		return
	}
	decrementActiveUDPSessions()
	if !notify {
		return
	}
	if env, err := protocol.NewEvent(protocol.TypeConnectionClose, protocol.ConnectionClose{ConnectionID: sess.connectionID}); err == nil {
		_ = p.sessions.SendToClient(p.clientID, env)
	}
}

// closeUDPSessionByConn handles a client-initiated close of one udp session.
func (p *ProxyListener) closeUDPSessionByConn(connectionID string) {
	p.mu.Lock()
	var found *udpSession
	for key, sess := range p.udpSessions {
		if sess.connectionID == connectionID {
			found = sess
			delete(p.udpSessions, key)
			break
		}
	}
	p.mu.Unlock()
	if found == nil {
		return
	}
	// The client asked for the close; no need to echo it back.
	p.destroyUDPSession(found, false)
}
