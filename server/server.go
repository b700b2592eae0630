// Package server implements the public half of the tunnel: the control
// listener shared by websocket control links and data channels, the session
// registry, and one proxy listener per registered public port.
package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/metrics"
	"github.com/chuantou/chuantou/overwatch"
	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/tlsconfig"
	"github.com/chuantou/chuantou/validation"
	"github.com/chuantou/chuantou/websocket"
)

const (
	LogFieldClientID     = "clientID"
	LogFieldConnectionID = "connectionID"
	LogFieldPort         = "port"
	LogFieldProtocol     = "protocol"
	LogFieldRemoteAddr   = "remoteAddr"

	// routeReadTimeout bounds reading the bytes that classify an inbound
	// control-port connection.
	routeReadTimeout = 10 * time.Second
)

// Server runs the public side: one TCP listener for control links and data
// channels, one UDP socket for the datagram channel, and proxy listeners
// created per registration.
type Server struct {
	cfg *config.ServerConfig
	log zerolog.Logger

	sessions  *SessionManager
	channels  *DataChannelManager
	responses *responseRouter
	services  overwatch.Manager
	ready     *metrics.ReadyServer

	tlsConfig *tls.Config

	mu        sync.Mutex
	listeners map[int]*ProxyListener

	controlLn net.Listener
	readyC    chan struct{}
}

// New assembles a server from config. ready may be nil when no metrics
// listener is configured.
func New(cfg *config.ServerConfig, ready *metrics.ReadyServer, log *zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		ready:     ready,
		listeners: make(map[int]*ProxyListener),
		readyC:    make(chan struct{}),
	}
	if cfg.TLS != nil {
		tlsConfig, err := tlsconfig.NewServerConfig(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsConfig
	}
	s.sessions = NewSessionManager(log)
	s.channels = NewDataChannelManager(s.sessions, s.dropClientConnections, log)
	s.responses = newResponseRouter()
	s.services = overwatch.NewAppManager(s.serviceExited)
	return s, nil
}

// Broker exposes the registry snapshots for the status API.
func (s *Server) Broker() metrics.Broker {
	return s.sessions
}

// Ready is closed once the control listener is bound. Tests and callers that
// need ControlAddr wait on it.
func (s *Server) Ready() <-chan struct{} {
	return s.readyC
}

// ControlAddr reports the bound control listener address. Valid after Ready.
func (s *Server) ControlAddr() net.Addr {
	return s.controlLn.Addr()
}

// Run binds the control listeners and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.ControlPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind control listener %s", addr)
	}
	// The UDP channel shares the control port number. Resolve it off the
	// bound TCP address so an ephemeral port 0 config lands on one number.
	tcpPort := ln.Addr().(*net.TCPAddr).Port
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(tcpPort)))
	if err != nil {
		ln.Close()
		return errors.Wrap(err, "resolve udp channel address")
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return errors.Wrapf(err, "bind udp channel %s", udpAddr)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.controlLn = ln
	close(s.readyC)
	if s.ready != nil {
		s.ready.SetReady()
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("control listener started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		return s.channels.ServeUDP(gctx, udpConn)
	})
	g.Go(func() error {
		return s.janitor(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	if s.ready != nil {
		s.ready.SetNotReady()
	}
	s.controlLn.Close()
	for _, clientID := range s.sessions.SessionIDs() {
		s.removeSession(clientID, "server shutting down")
	}
	s.log.Info().Msg("server stopped")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "control accept")
		}
		go s.routeConn(conn)
	}
}

// routeConn classifies an inbound control-port connection by its first four
// bytes: the data channel magic opens a data channel, anything else is parsed
// as the control link's websocket upgrade.
func (s *Server) routeConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(routeReadTimeout))
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		conn.Close()
		return
	}
	replay := io.MultiReader(bytes.NewReader(head[:]), conn)
	if string(head[:]) == protocol.DataChannelMagic {
		s.channels.HandleConn(conn, replay)
		return
	}
	s.serveControl(conn, replay)
}

func (s *Server) serveControl(conn net.Conn, replay io.Reader) {
	br := bufio.NewReader(replay)
	req, err := http.ReadRequest(br)
	if err != nil {
		s.log.Debug().Err(err).Str(LogFieldRemoteAddr, conn.RemoteAddr().String()).Msg("unparseable control request")
		conn.Close()
		return
	}
	if !websocket.IsUpgradeRequest(req) {
		writeRawResponse(conn, http.StatusUpgradeRequired, "control port speaks websocket")
		conn.Close()
		return
	}
	if err := websocket.WriteUpgradeResponse(conn, req); err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	link := newControlLink(s, websocket.NewServerConn(conn, br))
	link.run()
}

// tokenValid checks the shared bearer token. An empty token list accepts
// anything; that mode exists for development setups.
func (s *Server) tokenValid(token string) bool {
	if len(s.cfg.AuthTokens) == 0 {
		return true
	}
	for _, accepted := range s.cfg.AuthTokens {
		if token == accepted {
			return true
		}
	}
	return false
}

// registerPort runs the whole registration: validate the range, reserve the
// port atomically, bind both sockets, then hand the listener to overwatch.
// Failure at any step rolls back the previous ones.
func (s *Server) registerPort(clientID string, req *protocol.RegisterRequest) protocol.RegisterResponse {
	if err := validation.ValidatePublicPort(req.RemotePort); err != nil {
		return protocol.RegisterResponse{Success: false, RemotePort: req.RemotePort, Error: err.Error()}
	}
	if err := s.sessions.RegisterPort(clientID, req.RemotePort); err != nil {
		return protocol.RegisterResponse{Success: false, RemotePort: req.RemotePort, Error: err.Error()}
	}
	pl := newProxyListener(req.RemotePort, clientID, req.Protocol, s.sessions, s.channels, s.responses, &s.log)
	if err := pl.Bind(s.cfg.Host); err != nil {
		s.sessions.UnregisterPort(clientID, req.RemotePort)
		return protocol.RegisterResponse{Success: false, RemotePort: req.RemotePort, Error: err.Error()}
	}

	s.mu.Lock()
	s.listeners[req.RemotePort] = pl
	s.mu.Unlock()
	s.services.Add(pl)

	s.log.Info().
		Str(LogFieldClientID, clientID).
		Int(LogFieldPort, req.RemotePort).
		Str(LogFieldProtocol, req.Protocol).
		Msg("public port registered")
	return protocol.RegisterResponse{
		Success:    true,
		RemotePort: req.RemotePort,
		RemoteURL:  s.remoteURL(req),
	}
}

// remoteURL announces where the tunnel is reachable. The scheme follows the
// client's protocol hint; everything non-http is advertised as tcp.
func (s *Server) remoteURL(req *protocol.RegisterRequest) string {
	scheme := "tcp"
	if req.Protocol == string(protocol.ProtocolHTTP) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.cfg.PublicHost, req.RemotePort)
}

func (s *Server) unregisterPort(clientID string, port int) error {
	if !s.sessions.UnregisterPort(clientID, port) {
		return errors.Errorf("port %d is not registered by this client", port)
	}
	s.removeListener(port)
	return nil
}

func (s *Server) removeListener(port int) {
	s.mu.Lock()
	delete(s.listeners, port)
	s.mu.Unlock()
	s.services.Remove(proxyServiceName(port))
}

func (s *Server) listener(port int) (*ProxyListener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.listeners[port]
	return pl, ok
}

// serviceExited is overwatch's callback. A listener that dies on its own
// (socket error under it) releases its port so the client may re-register.
func (s *Server) serviceExited(serviceType, name string, err error) {
	if err == nil {
		s.log.Debug().Str("service", name).Msg("service stopped")
		return
	}
	s.log.Error().Err(err).Str("service", name).Msg("service failed")

	var port int
	if _, scanErr := fmt.Sscanf(name, "proxy-port-%d", &port); scanErr != nil {
		return
	}
	s.mu.Lock()
	pl, ok := s.listeners[port]
	if ok {
		delete(s.listeners, port)
	}
	s.mu.Unlock()
	if ok {
		s.sessions.UnregisterPort(pl.clientID, port)
		pl.Shutdown()
	}
}

// removeSession tears down everything a session owns: its proxy listeners,
// its logical connections and its data channels. The control transport is
// closed by the session manager.
func (s *Server) removeSession(clientID, reason string) {
	removed, ok := s.sessions.RemoveSession(clientID)
	if !ok {
		return
	}
	s.log.Info().
		Str(LogFieldClientID, clientID).
		Str("reason", reason).
		Ints("ports", removed.Ports).
		Int("connections", len(removed.Connections)).
		Msg("session removed")
	for _, port := range removed.Ports {
		s.removeListener(port)
	}
	s.channels.DropClient(clientID)
}

// dropClientConnections fires when a client's data channel dies: every
// logical connection riding it is torn down, while the session and its port
// registrations stay for the redial.
func (s *Server) dropClientConnections(clientID string) {
	s.mu.Lock()
	var owned []*ProxyListener
	for _, pl := range s.listeners {
		if pl.clientID == clientID {
			owned = append(owned, pl)
		}
	}
	s.mu.Unlock()
	for _, pl := range owned {
		pl.CloseAllConnections()
	}
}

// janitor sweeps sessions whose heartbeat went quiet for longer than the
// session timeout.
func (s *Server) janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, clientID := range s.sessions.ExpiredSessions(s.cfg.SessionTimeout.Duration()) {
				expiredSessions.Inc()
				s.removeSession(clientID, "session timeout")
			}
		}
	}
}
