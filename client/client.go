// Package client implements the tunneling client: it keeps an authenticated
// control session against the server, registers the configured public ports,
// and serves every logical connection the server announces by splicing it to
// a local service over the data channels.
package client

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/datachannel"
	"github.com/chuantou/chuantou/protocol"
	"github.com/chuantou/chuantou/retry"
	"github.com/chuantou/chuantou/tlsconfig"
	"github.com/chuantou/chuantou/validation"
	"github.com/chuantou/chuantou/websocket"
)

// Structured log keys shared across the package.
const (
	LogFieldClientID     = "clientID"
	LogFieldConnectionID = "connectionID"
	LogFieldPort         = "port"
	LogFieldProtocol     = "protocol"
	LogFieldRemoteAddr   = "remoteAddr"
)

// dataRedialAttempts bounds data channel redials under a live control
// session before the whole session is recycled.
const dataRedialAttempts = 3

// Client wires the control session, the data channels and the per-port
// handlers into one runnable unit.
type Client struct {
	cfg *config.ClientConfig
	log zerolog.Logger

	controller *Controller
	registry   *ProxyRegistry
	conns      *connTable

	controlURL string
	dataAddr   string
	tlsConfig  *tls.Config

	mu   sync.Mutex
	sess *session
}

// New builds a client from a validated configuration. The data channels dial
// the same host and port as the control URL; wss turns on TLS for both TCP
// channels.
func New(cfg *config.ClientConfig, log *zerolog.Logger) (*Client, error) {
	parsed, err := validation.ValidateControlURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	host := parsed.Hostname()
	port := parsed.Port()
	var tlsConfig *tls.Config
	if parsed.Scheme == "wss" {
		if port == "" {
			port = "443"
		}
		tlsConfig, err = tlsconfig.NewClientConfig(cfg.RootCA, host, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
	} else if port == "" {
		port = "80"
	}

	c := &Client{
		cfg:        cfg,
		log:        log.With().Str("component", "client").Logger(),
		registry:   NewProxyRegistry(),
		conns:      newConnTable(),
		controlURL: parsed.String(),
		dataAddr:   net.JoinHostPort(host, port),
		tlsConfig:  tlsConfig,
	}

	dial := func(ctx context.Context) (controlConn, error) {
		conn, err := websocket.Dial(ctx, c.controlURL, c.tlsConfig, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	backoff := retry.NewBackoff(cfg.MaxReconnectAttempts, cfg.ReconnectInterval.Duration(), false)
	c.controller = NewController(cfg.Token, dial, backoff, log)

	c.registry.Apply(cfg.Proxies, c.buildHandler)
	return c, nil
}

func (c *Client) buildHandler(rule config.Proxy) *UnifiedHandler {
	return NewUnifiedHandler(rule, c.controller, c.conns, c.cfg.DebugTraffic, &c.log)
}

// Run serves until ctx is done or the controller hits a terminal condition.
// Cancellation first releases the registered ports, best effort, then tears
// the session down.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return c.controller.Run(gctx)
	})
	g.Go(func() error {
		return c.eventLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.unregisterAll()
			return ctx.Err()
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	c.teardownSession()
	if ctx.Err() != nil {
		c.log.Info().Msg("client shut down")
		return nil
	}
	return err
}

// eventLoop reacts to session transitions and server-initiated events. Each
// logical connection is served on its own goroutine; only the dispatch is
// serialized here.
func (c *Client) eventLoop(ctx context.Context) error {
	events := c.controller.Events()
	sessions := c.controller.Sessions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sessions:
			switch ev.Kind {
			case SessionUp:
				c.startSession(ctx, ev.ClientID)
			case SessionDown:
				c.log.Warn().Err(ev.Err).Msg("session lost")
				c.teardownSession()
			case SessionTerminal:
				c.teardownSession()
				return ev.Err
			}
		case nc := <-events.NewConnection:
			c.dispatchNewConnection(ctx, nc)
		case cc := <-events.ConnectionClose:
			if !c.conns.peerClose(cc.ConnectionID) {
				c.log.Debug().Str(LogFieldConnectionID, cc.ConnectionID).Msg("close for unknown connection")
			}
		case ce := <-events.ConnectionError:
			c.log.Warn().
				Str(LogFieldConnectionID, ce.ConnectionID).
				Str("reason", ce.Error).
				Msg("server reported connection error")
			c.conns.peerClose(ce.ConnectionID)
		}
	}
}

// startSession brings up the data channels for a fresh control session and
// registers every configured port. A session whose data channels cannot
// attach is useless, so failures recycle the control link.
func (c *Client) startSession(ctx context.Context, clientID string) {
	sessCtx, cancel := context.WithCancel(ctx)
	link, err := dialDataChannel(sessCtx, c.dataAddr, c.tlsConfig, clientID, &c.log)
	if err != nil {
		cancel()
		c.log.Error().Err(err).Msg("data channel unavailable, recycling session")
		c.controller.Disconnect()
		return
	}
	udp, err := dialUDPChannel(c.dataAddr, clientID, &c.log)
	if err != nil {
		cancel()
		link.Close()
		c.log.Error().Err(err).Msg("udp channel unavailable, recycling session")
		c.controller.Disconnect()
		return
	}

	sess := &session{clientID: clientID, udp: udp, cancel: cancel, link: link}
	c.setSession(sess)
	go c.superviseDataLink(sessCtx, sess)
	go func() {
		if err := udp.Run(sessCtx); err != nil && sessCtx.Err() == nil {
			c.log.Warn().Err(err).Msg("udp channel stopped")
		}
	}()

	c.registerAll(sessCtx)
}

// superviseDataLink pumps the session's data link and redials it in place
// when it drops. Logical connections riding the dead link are closed; the
// session and its registered ports survive the redial.
func (c *Client) superviseDataLink(ctx context.Context, sess *session) {
	for {
		link := sess.dataLink()
		if link == nil {
			return
		}
		err := link.Run()
		if ctx.Err() != nil || !c.isCurrent(sess) {
			return
		}
		c.log.Warn().Err(err).Msg("data link dropped")
		c.conns.closeAll()

		next, err := c.redialDataLink(ctx, sess.clientID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("data link redial failed, recycling session")
			c.controller.Disconnect()
			return
		}
		dataLinkRedials.Inc()
		sess.setLink(next)
		c.log.Info().Msg("data link reattached")
	}
}

func (c *Client) redialDataLink(ctx context.Context, clientID string) (*datachannel.Link, error) {
	backoff := retry.NewBackoff(dataRedialAttempts, time.Second, false)
	for {
		link, err := dialDataChannel(ctx, c.dataAddr, c.tlsConfig, clientID, &c.log)
		if err == nil {
			return link, nil
		}
		c.log.Warn().Err(err).Msg("data channel dial failed")
		if !backoff.Backoff(ctx) {
			return nil, err
		}
	}
}

func (c *Client) dispatchNewConnection(ctx context.Context, nc protocol.NewConnection) {
	sess := c.currentSession()
	if sess == nil {
		c.log.Warn().Str(LogFieldConnectionID, nc.ConnectionID).Msg("connection announced without a session")
		c.refuseConnection(nc.ConnectionID)
		return
	}
	handler := c.registry.Handler(nc.RemotePort)
	if handler == nil {
		c.log.Warn().Int(LogFieldPort, nc.RemotePort).Msg("connection announced for unknown port")
		c.refuseConnection(nc.ConnectionID)
		return
	}
	go handler.Handle(ctx, sess, nc)
}

func (c *Client) refuseConnection(connectionID string) {
	err := c.controller.SendEvent(protocol.TypeConnectionClose, protocol.ConnectionClose{ConnectionID: connectionID})
	if err != nil && err != ErrSessionDown {
		c.log.Debug().Err(err).Str(LogFieldConnectionID, connectionID).Msg("refuse connection")
	}
}

// registerAll registers every configured rule on the live session, in port
// order. One refusal does not stop the rest.
func (c *Client) registerAll(ctx context.Context) {
	for _, rule := range c.registry.Rules() {
		if err := c.registerProxy(ctx, rule); err != nil {
			c.log.Error().Err(err).Int(LogFieldPort, rule.RemotePort).Msg("port registration failed")
		}
	}
}

func (c *Client) registerProxy(ctx context.Context, rule config.Proxy) error {
	req := protocol.RegisterRequest{
		RemotePort: rule.RemotePort,
		LocalPort:  rule.LocalPort,
		LocalHost:  rule.LocalHost,
		Protocol:   rule.Protocol,
	}
	env, err := c.controller.Request(ctx, protocol.TypeRegister, req)
	if err != nil {
		registrationFailures.Inc()
		return err
	}
	var resp protocol.RegisterResponse
	if err := env.DecodePayload(&resp); err != nil {
		registrationFailures.Inc()
		return err
	}
	if !resp.Success {
		registrationFailures.Inc()
		return errors.Errorf("server refused port %d: %s", rule.RemotePort, resp.Error)
	}
	c.registry.MarkRegistered(resp.RemotePort, resp.RemoteURL)
	c.log.Info().
		Int(LogFieldPort, resp.RemotePort).
		Str("remoteUrl", resp.RemoteURL).
		Str("target", net.JoinHostPort(rule.LocalHost, strconv.Itoa(rule.LocalPort))).
		Msg("forwarding registered")
	return nil
}

// ConfigDidUpdate reconciles a reloaded rule set against the live session:
// changed targets swap in place without a server round trip, new ports
// register, vanished ports release.
func (c *Client) ConfigDidUpdate(ctx context.Context, rules []config.Proxy) {
	added, removed := c.registry.Apply(rules, c.buildHandler)
	if len(added) == 0 && len(removed) == 0 {
		c.log.Debug().Msg("config reload changed no ports")
		return
	}
	if _, up := c.controller.ClientID(); !up {
		// The next session registers the reconciled set wholesale.
		return
	}
	for _, rule := range added {
		if err := c.registerProxy(ctx, rule); err != nil {
			c.log.Error().Err(err).Int(LogFieldPort, rule.RemotePort).Msg("port registration failed")
		}
	}
	for _, port := range removed {
		c.unregisterPort(port)
	}
}

// unregisterPort releases a public port. The server only answers on failure,
// so this is fire and forget.
func (c *Client) unregisterPort(port int) {
	err := c.controller.SendEvent(protocol.TypeUnregister, protocol.UnregisterRequest{RemotePort: port})
	if err != nil && err != ErrSessionDown {
		c.log.Debug().Err(err).Int(LogFieldPort, port).Msg("unregister failed")
		return
	}
	c.log.Info().Int(LogFieldPort, port).Msg("port released")
}

// unregisterAll releases every acked port ahead of a graceful shutdown so
// users hitting the public ports fail fast instead of timing out.
func (c *Client) unregisterAll() {
	ports := c.registry.RegisteredPorts()
	for _, port := range ports {
		c.unregisterPort(port)
	}
}

func (c *Client) setSession(sess *session) {
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.mu.Unlock()
	if old != nil {
		c.closeSession(old)
	}
}

func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) isCurrent(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == sess
}

func (c *Client) teardownSession() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	c.registry.ClearRegistered()
	if sess != nil {
		c.closeSession(sess)
	}
}

func (c *Client) closeSession(sess *session) {
	sess.cancel()
	if link := sess.dataLink(); link != nil {
		link.Close()
	}
	if sess.udp != nil {
		sess.udp.Close()
	}
	c.conns.closeAll()
}
